package broadlink

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Liveness defaults.
const (
	DefaultProbeInterval = 5 * time.Second
	DefaultProbeTimeout  = 5 * time.Second

	// failureThreshold is the number of consecutive failed probes, counted
	// from active, after which a device is marked inactive.
	failureThreshold = 3
)

// Prober checks whether a device answers on the network.
// A (false, nil) result means unreachable; an error means the probe itself
// could not be performed.
type Prober interface {
	Probe(ctx context.Context, address string, timeout time.Duration) (bool, error)
}

// observe applies one probe result to the device's liveness fields and
// returns the event kind to report, or "" when nothing notable happened.
func (d *Device) observe(active bool, now time.Time) EventKind {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastProbe = now

	switch {
	case !active && d.state == StateActive && d.retryCount == failureThreshold-1:
		d.state = StateInactive
		d.retryCount = 0
		d.lastChange = now
		return EventUnreachable
	case !active && d.state == StateActive:
		d.retryCount++
		return EventRetry
	case active && d.state != StateActive:
		prior := d.state
		d.state = StateActive
		d.retryCount = 0
		d.lastChange = now
		if prior == StateInactive {
			return EventRediscovered
		}
		return EventReachable
	case active && d.retryCount != 0:
		d.retryCount = 0
	}
	return ""
}

// MonitorConfig configures a liveness Monitor.
type MonitorConfig struct {
	Prober   Prober
	Clock    clock.Clock
	Interval time.Duration
	Timeout  time.Duration
	Logger   Logger
	OnEvent  EventHandler
}

// Monitor periodically probes one device and drives its liveness state.
type Monitor struct {
	dev      *Device
	prober   Prober
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	logger   Logger
	onEvent  EventHandler

	ticker   *clock.Ticker
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMonitor creates a monitor for dev. Zero durations use the defaults.
func NewMonitor(dev *Device, cfg MonitorConfig) *Monitor {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	return &Monitor{
		dev:      dev,
		prober:   cfg.Prober,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   orNoop(cfg.Logger),
		onEvent:  cfg.OnEvent,
	}
}

// Start begins probing. The ticker is created before Start returns so that
// a mock clock advanced immediately afterwards drives the first probe.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.ticker = m.clock.Ticker(m.interval)

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts probing and waits for an in-flight probe to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}
		m.cancel()
		m.ticker.Stop()
		m.wg.Wait()
	})
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	active, err := m.prober.Probe(ctx, m.dev.Address, m.timeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("liveness probe failed", withFields(m.dev.logFields(), "error", err)...)
		ev := newDeviceEvent(EventProbeError, m.dev, m.clock.Now())
		ev.Err = err
		m.emit(ev)
		return
	}

	kind := m.dev.observe(active, m.clock.Now())
	if kind == "" {
		return
	}

	ev := newDeviceEvent(kind, m.dev, m.clock.Now())
	switch kind {
	case EventUnreachable:
		m.logger.Info("device no longer reachable",
			withFields(m.dev.logFields(), "attempts", failureThreshold)...)
	case EventRediscovered:
		m.logger.Info("device re-discovered", m.dev.logFields()...)
	case EventReachable:
		m.logger.Debug("device reachable", m.dev.logFields()...)
	case EventRetry:
		m.logger.Debug("device did not answer probe",
			withFields(m.dev.logFields(), "retry_count", ev.RetryCount)...)
	}
	m.emit(ev)
}

func (m *Monitor) emit(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}
