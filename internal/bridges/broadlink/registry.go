package broadlink

import (
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
)

// Registry holds the discovered and manually created device tables.
//
// Discovered devices are stored under both their address and their MAC so
// either key resolves to the same *Device. Manual records are kept apart:
// they are monitored but never selected for dispatch.
//
// Thread Safety: all methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	clock  clock.Clock
	byKey  map[string]*Device
	order  []*Device
	manual map[string]*Device
}

// RegisterOption adjusts a single Register call.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	allowDuplicate bool
}

// AllowDuplicate bypasses the duplicate-key check. Intended for fixtures
// that need to replace a device at an existing address.
func AllowDuplicate() RegisterOption {
	return func(o *registerOptions) {
		o.allowDuplicate = true
	}
}

// NewRegistry creates an empty registry. A nil clock uses the wall clock.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock:  clk,
		byKey:  make(map[string]*Device),
		manual: make(map[string]*Device),
	}
}

// Register adds a discovered device under its address and MAC.
//
// If either key is already present the call is a no-op and returns false,
// unless AllowDuplicate is given. The device's dispatch lock is created
// here, once.
func (r *Registry) Register(dev *Device, opts ...RegisterOption) bool {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	displaced := r.holders(dev)
	if len(displaced) > 0 && !o.allowDuplicate {
		return false
	}

	dev.initLock()
	dev.markRegistered(r.clock.Now())

	// A displaced device loses every key it held and its position passes
	// to dev.
	for _, old := range displaced {
		for _, key := range []string{old.Address, old.MAC} {
			if key != "" && r.byKey[key] == old {
				delete(r.byKey, key)
			}
		}
	}
	order := make([]*Device, 0, len(r.order)+1)
	placed := false
	for _, d := range r.order {
		if !slices.Contains(displaced, d) {
			order = append(order, d)
			continue
		}
		if !placed {
			order = append(order, dev)
			placed = true
		}
	}
	if !placed {
		order = append(order, dev)
	}
	r.order = order

	r.byKey[dev.Address] = dev
	if dev.MAC != "" {
		r.byKey[dev.MAC] = dev
	}
	return true
}

// holders returns the distinct devices, other than dev, registered under
// dev's address or MAC.
func (r *Registry) holders(dev *Device) []*Device {
	var out []*Device
	for _, key := range []string{dev.Address, dev.MAC} {
		if key == "" {
			continue
		}
		if d, ok := r.byKey[key]; ok && d != dev && !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}

// Lookup resolves a discovered device by address or MAC.
func (r *Registry) Lookup(key string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if dev, ok := r.byKey[key]; ok {
		return dev, true
	}
	dev, ok := r.byKey[normalizeKey(key)]
	return dev, ok
}

// Known reports whether host has an entry in either table.
func (r *Registry) Known(host string) bool {
	if _, ok := r.Lookup(host); ok {
		return true
	}
	_, ok := r.Manual(host)
	return ok
}

// List returns the discovered devices in registration order.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, len(r.order))
	copy(out, r.order)
	return out
}

// Addresses returns the discovered device addresses in registration order.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.order))
	for _, d := range r.order {
		out = append(out, d.Address)
	}
	return out
}

// First returns the earliest registered discovered device that has every
// capability in need. A zero need matches any device.
func (r *Registry) First(need Capability) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.order {
		if need == 0 || d.Capabilities().Has(need) {
			return d, true
		}
	}
	return nil, false
}

// CreateManual creates a monitor-only record for host if the host is not
// present in either table. It returns the record and whether it was created.
func (r *Registry) CreateManual(host string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byKey[host]; ok {
		return nil, false
	}
	if dev, ok := r.manual[host]; ok {
		return dev, false
	}

	dev := NewDevice(host, nil)
	dev.Manual = true
	dev.initLock()
	dev.markRegistered(r.clock.Now())
	r.manual[host] = dev
	return dev, true
}

// Manual returns the manual record for host.
func (r *Registry) Manual(host string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.manual[host]
	return dev, ok
}

// Manuals returns all manual records.
func (r *Registry) Manuals() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.manual))
	for _, d := range r.manual {
		out = append(out, d)
	}
	return out
}

// RemoveManual deletes and returns the manual record for host.
func (r *Registry) RemoveManual(host string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.manual[host]
	if ok {
		delete(r.manual, host)
	}
	return dev, ok
}

// RegistryStats summarises the registry contents.
type RegistryStats struct {
	Discovered int `json:"discovered"`
	Manual     int `json:"manual"`
	Active     int `json:"active"`
	Inactive   int `json:"inactive"`
	Unknown    int `json:"unknown"`
}

// Stats counts devices by table and liveness state.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	all := make([]*Device, 0, len(r.order)+len(r.manual))
	all = append(all, r.order...)
	for _, d := range r.manual {
		all = append(all, d)
	}
	stats := RegistryStats{Discovered: len(r.order), Manual: len(r.manual)}
	r.mu.RUnlock()

	for _, d := range all {
		switch d.State() {
		case StateActive:
			stats.Active++
		case StateInactive:
			stats.Inactive++
		default:
			stats.Unknown++
		}
	}
	return stats
}
