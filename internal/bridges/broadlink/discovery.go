package broadlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Discovery defaults.
const (
	DefaultDiscoveryInterval = 2 * time.Second
	DefaultDiscoveryDuration = 60 * time.Second
)

// DiscoveryMode selects whether the bridge actively broadcasts.
type DiscoveryMode string

// Discovery modes.
const (
	// DiscoveryAutomatic broadcasts for the discovery window, then stops.
	DiscoveryAutomatic DiscoveryMode = "automatic"

	// DiscoveryPassive never broadcasts; devices are registered only from
	// unsolicited announcements.
	DiscoveryPassive DiscoveryMode = "passive"
)

// Announcement is a "device ready" notification from the Transport.
type Announcement struct {
	Address  string
	Port     int
	MAC      string
	MACBytes []byte
	Model    string
	Type     uint16
	Handle   Handle
}

// Transport is the vendor discovery protocol.
type Transport interface {
	// Discover sends one discovery broadcast.
	Discover(ctx context.Context) error

	// SetOnDeviceReady installs the announcement handler.
	SetOnDeviceReady(fn func(Announcement))
}

// DevicePolicy carries per-device dispatch settings matched by address or
// MAC when a device registers.
type DevicePolicy struct {
	Host       string
	MAC        string
	DelayAfter time.Duration
}

// DiscoveryConfig configures a Discovery loop.
type DiscoveryConfig struct {
	Transport Transport
	Registry  *Registry
	Tracker   *Tracker
	Clock     clock.Clock
	Mode      DiscoveryMode
	Interval  time.Duration
	Duration  time.Duration
	Policies  []DevicePolicy
	Logger    Logger
	OnEvent   EventHandler
}

// Discovery registers announced devices and, in automatic mode, broadcasts
// discovery requests for a bounded window.
type Discovery struct {
	transport Transport
	registry  *Registry
	tracker   *Tracker
	clock     clock.Clock
	mode      DiscoveryMode
	interval  time.Duration
	duration  time.Duration
	policies  []DevicePolicy
	logger    Logger
	onEvent   EventHandler

	mu           sync.Mutex
	broadcasting bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewDiscovery validates cfg and creates a Discovery.
func NewDiscovery(cfg DiscoveryConfig) (*Discovery, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: discovery requires a registry", ErrInvalidConfig)
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("%w: discovery requires a tracker", ErrInvalidConfig)
	}
	if cfg.Mode == "" {
		cfg.Mode = DiscoveryAutomatic
	}
	if cfg.Mode != DiscoveryAutomatic && cfg.Mode != DiscoveryPassive {
		return nil, fmt.Errorf("%w: unknown discovery mode %q", ErrInvalidConfig, cfg.Mode)
	}
	if cfg.Mode == DiscoveryAutomatic && cfg.Transport == nil {
		return nil, fmt.Errorf("%w: automatic discovery requires a transport", ErrInvalidConfig)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDiscoveryInterval
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDiscoveryDuration
	}

	return &Discovery{
		transport: cfg.Transport,
		registry:  cfg.Registry,
		tracker:   cfg.Tracker,
		clock:     cfg.Clock,
		mode:      cfg.Mode,
		interval:  cfg.Interval,
		duration:  cfg.Duration,
		policies:  cfg.Policies,
		logger:    orNoop(cfg.Logger),
		onEvent:   cfg.OnEvent,
	}, nil
}

// Start installs the announcement handler and, in automatic mode, starts the
// broadcast loop. The first broadcast is sent before Start returns.
func (d *Discovery) Start(ctx context.Context) {
	if d.transport != nil {
		d.transport.SetOnDeviceReady(func(a Announcement) {
			d.Announce(a)
		})
	}

	if d.mode == DiscoveryPassive {
		d.logger.Info("discovery passive, waiting for announcements")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := d.clock.Ticker(d.interval)
	deadline := d.clock.Timer(d.duration)

	d.mu.Lock()
	d.cancel = cancel
	d.broadcasting = true
	d.mu.Unlock()

	d.broadcast(ctx)

	d.wg.Add(1)
	go d.loop(ctx, ticker, deadline)
}

// Stop cancels the broadcast loop if it is still running.
func (d *Discovery) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// Broadcasting reports whether the discovery window is still open.
func (d *Discovery) Broadcasting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.broadcasting
}

// Mode returns the configured discovery mode.
func (d *Discovery) Mode() DiscoveryMode {
	return d.mode
}

func (d *Discovery) loop(ctx context.Context, ticker *clock.Ticker, deadline *clock.Timer) {
	defer d.wg.Done()
	defer func() {
		ticker.Stop()
		deadline.Stop()
		d.mu.Lock()
		d.broadcasting = false
		d.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			d.logger.Info("discovery window closed", "registered", len(d.registry.Addresses()))
			return
		case <-ticker.C:
			d.broadcast(ctx)
		}
	}
}

func (d *Discovery) broadcast(ctx context.Context) {
	if err := d.transport.Discover(ctx); err != nil && ctx.Err() == nil {
		d.logger.Warn("discovery broadcast failed", "error", err)
	}
}

// Announce registers the announced device. It returns the registered device
// and true on first registration; duplicates are absorbed and return false.
func (d *Discovery) Announce(a Announcement) (*Device, bool) {
	mac, err := NormalizeMAC(a.MAC, a.MACBytes)
	if err != nil {
		d.logger.Warn("announcement with unusable MAC ignored", "address", a.Address, "error", err)
		return nil, false
	}

	dev := NewDevice(a.Address, a.Handle)
	dev.MAC = mac
	dev.Port = a.Port
	dev.Model = a.Model
	dev.Type = a.Type
	dev.DelayAfter = d.delayFor(a.Address, mac)

	if !d.registry.Register(dev) {
		d.logger.Debug("device already registered", dev.logFields()...)
		return nil, false
	}

	if manual, ok := d.registry.RemoveManual(dev.Address); ok {
		d.tracker.Untrack(manual)
		d.logger.Debug("manual record superseded by discovery", dev.logFields()...)
	}

	d.tracker.Track(dev)

	d.logger.Info("device discovered",
		withFields(dev.logFields(), "model", dev.Model, "capabilities", dev.Capabilities().String())...)
	if d.onEvent != nil {
		d.onEvent(newDeviceEvent(EventDiscovered, dev, d.clock.Now()))
	}
	return dev, true
}

func (d *Discovery) delayFor(address, mac string) time.Duration {
	for _, p := range d.policies {
		if p.Host != "" && p.Host == address {
			return p.DelayAfter
		}
		if p.MAC == "" {
			continue
		}
		if norm, err := NormalizeMAC(p.MAC, nil); err == nil && norm == mac {
			return p.DelayAfter
		}
	}
	return 0
}
