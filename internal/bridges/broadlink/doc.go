// Package broadlink implements the IR/RF bridge device engine for Gray Logic.
//
// The package tracks network-attached Broadlink RM class transmitters: it
// registers devices as they announce themselves, keeps a per-device liveness
// state machine fed by periodic probes, sends a keepalive heartbeat so devices
// keep their session open, and serialises code dispatch so that two senders
// never interleave transmissions to the same unit.
//
// # Architecture
//
//	┌─────────────────┐   MQTT   ┌──────────────────────────────────────┐
//	│   Gray Logic    │◄────────►│ Bridge                                │
//	│      Core       │          │  ├─ Discovery ──► Registry ◄── Dispatcher
//	└─────────────────┘          │  └─ Tracker ──► Monitor + Heartbeat   │
//	                             └──────────────────────────────────────┘
//
// The vendor wire protocol is not implemented here. Callers provide a
// Transport for discovery broadcasts and a Handle per device for sending and
// learning. Legacy Pronto codes are converted by an optional Converter.
//
// # Liveness
//
// Each Monitor probes its device every five seconds. A device becomes active
// on the first successful probe and is only marked inactive after three
// consecutive failures while active. Probe failures while the device is
// unknown or inactive change nothing.
//
// # Dispatch
//
// Dispatcher.Send resolves a device (explicit host, or first registered),
// validates the code, takes the device lock, sends, and optionally holds the
// lock for the device's DelayAfter cooldown. Only malformed input is returned
// as an error; every runtime failure is reported through the Outcome.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package broadlink
