// Package influxdb records IR bridge time-series data in InfluxDB v2.
//
// Three measurements are written:
//   - broadlink_liveness: one point per liveness transition, tagged by
//     device address and state
//   - broadlink_dispatch: one point per send or learn, tagged by address
//     and outcome, with the dispatch duration as a field
//   - broadlink_registry: periodic device counts per bridge
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without metrics
//	}
//	defer client.Close()
//
// Writes are batched per influxdb.batch_size and influxdb.flush_interval.
package influxdb
