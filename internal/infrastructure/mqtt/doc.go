// Package mqtt connects the IR bridge to the Gray Logic MQTT bus.
//
// The bridge subscribes to graylogic/command/broadlink/+ and publishes
// acknowledgements, liveness state, discovery announcements and health
// on the matching graylogic/{ack,state,discovery,health}/broadlink
// topics. The health topic doubles as the Last Will so subscribers see
// the bridge go offline when the process dies.
//
// # Usage
//
//	will := mqtt.Will{Topic: healthTopic, Payload: lwt, QoS: 1, Retained: true}
//	client, err := mqtt.Connect(cfg.MQTT, will)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// Subscriptions survive reconnects; handler panics are recovered and
// logged when a logger is set.
package mqtt
