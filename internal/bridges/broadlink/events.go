package broadlink

import "time"

// EventKind identifies a device lifecycle or dispatch occurrence.
type EventKind string

// Event kinds.
const (
	EventDiscovered     EventKind = "discovered"
	EventManualCreated  EventKind = "manual_created"
	EventReachable      EventKind = "reachable"
	EventRediscovered   EventKind = "rediscovered"
	EventRetry          EventKind = "retry"
	EventUnreachable    EventKind = "unreachable"
	EventProbeError     EventKind = "probe_error"
	EventKeepaliveError EventKind = "keepalive_error"
	EventDispatched     EventKind = "dispatched"
	EventDispatchFailed EventKind = "dispatch_failed"
)

// IsLiveness reports whether the kind is a liveness state change.
func (k EventKind) IsLiveness() bool {
	switch k {
	case EventReachable, EventRediscovered, EventUnreachable:
		return true
	}
	return false
}

// Event describes something that happened to a device.
type Event struct {
	Kind       EventKind
	Address    string
	MAC        string
	State      State
	RetryCount int
	Outcome    Outcome
	Err        error
	Detail     string
	Duration   time.Duration
	Time       time.Time
}

// EventHandler receives events. Handlers are called synchronously from the
// goroutine that produced the event and must not block.
type EventHandler func(Event)

func newDeviceEvent(kind EventKind, dev *Device, at time.Time) Event {
	snap := dev.Snapshot()
	return Event{
		Kind:       kind,
		Address:    dev.Address,
		MAC:        dev.MAC,
		State:      snap.State,
		RetryCount: snap.RetryCount,
		Time:       at,
	}
}
