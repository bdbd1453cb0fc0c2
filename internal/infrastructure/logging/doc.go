// Package logging provides structured logging for the IR bridge.
//
// It wraps log/slog with JSON or text output, level filtering and default
// fields (service, version) on every record.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error (or 0-4)
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("dispatch").Info("code sent", "address", addr)
//
// Never log MQTT passwords or InfluxDB tokens.
package logging
