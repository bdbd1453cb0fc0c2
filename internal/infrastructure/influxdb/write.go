package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	MeasurementLiveness = "broadlink_liveness"
	MeasurementDispatch = "broadlink_dispatch"
	MeasurementRegistry = "broadlink_registry"
)

// WritePoint queues a point stamped with the current time.
//
// It satisfies broadlink.MetricsWriter. Points written while
// disconnected are dropped.
//
// Example:
//
//	client.WritePoint(influxdb.MeasurementDispatch,
//	    map[string]string{"address": "192.168.1.40", "outcome": "sent"},
//	    map[string]any{"duration_ms": 412.0})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, c.timestamp())
}

// WritePointWithTime queues a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

// WriteRegistryStats records the device counts of one registry snapshot.
//
// Parameters:
//   - bridgeID: Tag identifying the bridge instance
//   - counts: Field name to count, e.g. "active": 3
func (c *Client) WriteRegistryStats(bridgeID string, counts map[string]int) {
	fields := make(map[string]any, len(counts))
	for k, v := range counts {
		fields[k] = v
	}
	c.WritePoint(MeasurementRegistry, map[string]string{"bridge": bridgeID}, fields)
}

func (c *Client) timestamp() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}
