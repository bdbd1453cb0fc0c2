package broadlink

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Capability is a bit set of operations a device handle supports.
type Capability uint8

// Known device capabilities.
const (
	// CapSendData means the device can transmit IR/RF codes.
	CapSendData Capability = 1 << iota

	// CapLearning means the device can enter code learning mode.
	CapLearning
)

// Has reports whether every capability in c2 is present in c.
func (c Capability) Has(c2 Capability) bool {
	return c2 != 0 && c&c2 == c2
}

// String returns a comma-separated capability list, e.g. "send,learn".
func (c Capability) String() string {
	var parts []string
	if c.Has(CapSendData) {
		parts = append(parts, "send")
	}
	if c.Has(CapLearning) {
		parts = append(parts, "learn")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// Handle is the vendor protocol handle for a single physical device.
// It is supplied by the Transport when the device announces itself.
type Handle interface {
	Capabilities() Capability
	SendData(ctx context.Context, data []byte) error
	EnterLearning(ctx context.Context) error
}

// State is the liveness state of a device.
type State string

// Liveness states.
const (
	StateUnknown  State = "unknown"
	StateActive   State = "active"
	StateInactive State = "inactive"
)

// initialRetryCount is the retry counter a freshly tracked device starts with.
const initialRetryCount = 1

// Device is a tracked IR/RF bridge.
//
// Identity and policy fields are set before registration and not modified
// afterwards. Liveness fields are written only by the device's Monitor and
// read through Snapshot.
type Device struct {
	Address    string
	MAC        string
	Port       int
	Model      string
	Type       uint16
	DelayAfter time.Duration

	// Manual is true for records created lazily for an unknown host.
	Manual bool

	handle Handle

	lockOnce sync.Once
	lock     *semaphore.Weighted

	mu           sync.RWMutex
	state        State
	retryCount   int
	lastProbe    time.Time
	lastChange   time.Time
	registeredAt time.Time
}

// NewDevice creates a device with the given address and protocol handle.
// The handle may be nil for records that are only monitored.
func NewDevice(address string, handle Handle) *Device {
	return &Device{
		Address:    address,
		handle:     handle,
		state:      StateUnknown,
		retryCount: initialRetryCount,
	}
}

// Handle returns the protocol handle, or nil for monitor-only records.
func (d *Device) Handle() Handle {
	return d.handle
}

// Capabilities returns the capability set of the device's handle.
func (d *Device) Capabilities() Capability {
	if d.handle == nil {
		return 0
	}
	return d.handle.Capabilities()
}

// CanSendData reports whether the device can transmit codes.
func (d *Device) CanSendData() bool {
	return d.Capabilities().Has(CapSendData)
}

// CanLearn reports whether the device can enter learning mode.
func (d *Device) CanLearn() bool {
	return d.Capabilities().Has(CapLearning)
}

// initLock creates the dispatch lock. Safe to call repeatedly; the lock is
// only ever created once.
func (d *Device) initLock() {
	d.lockOnce.Do(func() {
		d.lock = semaphore.NewWeighted(1)
	})
}

// acquire takes the dispatch lock, honouring ctx while waiting.
func (d *Device) acquire(ctx context.Context) error {
	d.initLock()
	return d.lock.Acquire(ctx, 1)
}

func (d *Device) release() {
	d.lock.Release(1)
}

// Liveness is a point-in-time copy of a device's liveness fields.
type Liveness struct {
	State        State     `json:"state"`
	RetryCount   int       `json:"retry_count"`
	LastProbe    time.Time `json:"last_probe,omitempty"`
	LastChange   time.Time `json:"last_change,omitempty"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
}

// Snapshot returns the current liveness fields.
func (d *Device) Snapshot() Liveness {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Liveness{
		State:        d.state,
		RetryCount:   d.retryCount,
		LastProbe:    d.lastProbe,
		LastChange:   d.lastChange,
		RegisteredAt: d.registeredAt,
	}
}

// State returns the current liveness state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Device) markRegistered(now time.Time) {
	d.mu.Lock()
	if d.registeredAt.IsZero() {
		d.registeredAt = now
	}
	if d.state == "" {
		d.state = StateUnknown
		d.retryCount = initialRetryCount
	}
	d.mu.Unlock()
}

// logFields returns structured logging attributes identifying the device.
func (d *Device) logFields() []any {
	fields := []any{"address", d.Address}
	if d.MAC != "" {
		fields = append(fields, "mac", d.MAC)
	}
	return fields
}

// DeviceInfo is the serialisable view of a device used by the API and MQTT.
type DeviceInfo struct {
	Address      string   `json:"address"`
	MAC          string   `json:"mac,omitempty"`
	Port         int      `json:"port,omitempty"`
	Model        string   `json:"model,omitempty"`
	Type         uint16   `json:"type,omitempty"`
	Manual       bool     `json:"manual"`
	Capabilities string   `json:"capabilities"`
	DelayAfterMS int64    `json:"delay_after_ms,omitempty"`
	Liveness     Liveness `json:"liveness"`
}

// Info returns the serialisable view of the device.
func (d *Device) Info() DeviceInfo {
	return DeviceInfo{
		Address:      d.Address,
		MAC:          d.MAC,
		Port:         d.Port,
		Model:        d.Model,
		Type:         d.Type,
		Manual:       d.Manual,
		Capabilities: d.Capabilities().String(),
		DelayAfterMS: d.DelayAfter.Milliseconds(),
		Liveness:     d.Snapshot(),
	}
}
