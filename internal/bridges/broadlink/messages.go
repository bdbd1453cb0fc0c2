package broadlink

import (
	"fmt"
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the IR bridge.

// Protocol is the protocol identifier carried in every message.
const Protocol = "broadlink"

// Command names accepted on the command topic.
const (
	CommandSend  = "send"
	CommandLearn = "learn"
)

// CommandMessage is sent from Core to the bridge to transmit or learn a code.
// Topic: graylogic/command/broadlink/{host}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// Command is "send" or "learn".
	Command string `json:"command"`

	// Host is the target device address or MAC. When empty the topic
	// suffix is used; "auto" selects the first suitable device.
	Host string `json:"host,omitempty"`

	// Code is the hex or Pronto code for "send".
	Code string `json:"code,omitempty"`

	// WithDelay holds the device for its cooldown after sending.
	WithDelay bool `json:"with_delay,omitempty"`

	// Name labels the command in logs (accessory or button name).
	Name string `json:"name,omitempty"`

	// Source indicates where the command originated ("api", "scene", ...).
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the code was delivered to the device.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the command was abandoned while waiting for the
	// device lock or cooldown.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from the bridge to Core to acknowledge a command.
// Topic: graylogic/ack/broadlink/{host}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address,omitempty"`
	MAC       string    `json:"mac,omitempty"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceNotFound    = "DEVICE_NOT_FOUND"
	ErrCodeNotSupported      = "NOT_SUPPORTED"
	ErrCodeInvalidCode       = "INVALID_CODE"
	ErrCodeConversionFailed  = "CONVERSION_FAILED"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
)

// ErrorCode maps a failed outcome to an acknowledgment error code.
func (o Outcome) ErrorCode() string {
	switch o {
	case OutcomeNoDevice:
		return ErrCodeDeviceNotFound
	case OutcomeUnsupported:
		return ErrCodeNotSupported
	case OutcomeInvalidCode:
		return ErrCodeInvalidCode
	case OutcomeConversionFailed:
		return ErrCodeConversionFailed
	case OutcomeSendFailed:
		return ErrCodeProtocolError
	}
	return ""
}

// NewAckMessage creates an acknowledgment for a completed dispatch.
func NewAckMessage(cmd CommandMessage, res Result) AckMessage {
	ack := AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Status:    AckAccepted,
		Protocol:  Protocol,
		Address:   res.Address,
		MAC:       res.MAC,
		Outcome:   res.Outcome,
	}
	if !res.Outcome.OK() {
		ack.Status = AckFailed
		ack.Error = &AckError{Code: res.Outcome.ErrorCode(), Message: res.Error}
	}
	return ack
}

// NewAckError creates a failed acknowledgment that never reached dispatch.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Protocol:  Protocol,
		Address:   cmd.Host,
		Error:     &AckError{Code: code, Message: message},
	}
}

// StateMessage reports a device's liveness.
// Topic: graylogic/state/broadlink/{address}
// QoS: 1, Retained: Yes
type StateMessage struct {
	Timestamp  time.Time `json:"timestamp"`
	Protocol   string    `json:"protocol"`
	Address    string    `json:"address"`
	MAC        string    `json:"mac,omitempty"`
	State      State     `json:"state"`
	RetryCount int       `json:"retry_count"`
	Event      EventKind `json:"event"`
}

// NewStateMessage creates a state message from a liveness event.
func NewStateMessage(ev Event) StateMessage {
	return StateMessage{
		Timestamp:  ev.Time.UTC(),
		Protocol:   Protocol,
		Address:    ev.Address,
		MAC:        ev.MAC,
		State:      ev.State,
		RetryCount: ev.RetryCount,
		Event:      ev.Kind,
	}
}

// DiscoveryMessage announces a newly registered device.
// Topic: graylogic/discovery/broadlink
type DiscoveryMessage struct {
	Timestamp time.Time    `json:"timestamp"`
	Bridge    string       `json:"bridge"`
	Devices   []DeviceInfo `json:"devices"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: graylogic/health/broadlink
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string             `json:"bridge"`
	Timestamp     time.Time          `json:"timestamp"`
	Status        HealthStatus       `json:"status"`
	Version       string             `json:"version,omitempty"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Devices       *RegistryStats     `json:"devices,omitempty"`
	Dispatch      map[Outcome]uint64 `json:"dispatch,omitempty"`
	Discovery     string             `json:"discovery,omitempty"`
	Reason        string             `json:"reason,omitempty"`
}

// NewLWTMessage creates the Last Will and Testament payload.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// autoHost is the topic suffix for commands without a target device.
const autoHost = "auto"

// CommandTopic returns the command topic for host.
// Example: graylogic/command/broadlink/192.168.1.40
func CommandTopic(host string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, topicHost(host))
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, Protocol)
}

// AckTopic returns the acknowledgment topic for host.
func AckTopic(host string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, topicHost(host))
}

// StateTopic returns the liveness state topic for a device address.
func StateTopic(address string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, topicHost(address))
}

// HealthTopic returns the bridge health topic.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// DiscoveryTopic returns the discovery announcement topic.
func DiscoveryTopic() string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefix, Protocol)
}

func topicHost(host string) string {
	if host == "" {
		return autoHost
	}
	return host
}
