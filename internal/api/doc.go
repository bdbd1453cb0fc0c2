// Package api implements the IR bridge's HTTP API and WebSocket stream.
//
// Endpoints under /api/v1:
//   - GET  /health, /metrics
//   - GET  /devices, /devices/{key} (address or MAC)
//   - POST /devices/send, /devices/learn
//   - GET  /events (device event history)
//   - GET  /ws (live events on the device.liveness, device.discovered and
//     dispatch.completed channels)
//
// The server degrades when optional dependencies are absent: without a
// dispatcher the command endpoints answer 503, and without a history
// repository /events does.
package api
