package broadlink

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Prober            Prober
	Sender            PacketSender
	Clock             clock.Clock
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	KeepaliveInterval time.Duration
	Logger            Logger
	OnEvent           EventHandler
}

// Tracker owns the per-device liveness monitor and heartbeat.
//
// Each device is tracked at most once; tracking a device again is a no-op.
// Close stops every loop, which is how shutdown and tests release the
// goroutines the tracker started.
type Tracker struct {
	cfg    TrackerConfig
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tracked map[*Device]*tracking
	closed  bool
}

type tracking struct {
	monitor   *Monitor
	heartbeat *Heartbeat
}

func (t *tracking) stop() {
	t.monitor.Stop()
	t.heartbeat.Stop()
}

// NewTracker creates a tracker. Loops it starts are bound to ctx.
func NewTracker(ctx context.Context, cfg TrackerConfig) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Prober == nil {
		cfg.Prober = NewICMPProber(false)
	}
	if cfg.Sender == nil {
		cfg.Sender = UDPSender{}
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Tracker{
		cfg:     cfg,
		logger:  orNoop(cfg.Logger),
		ctx:     ctx,
		cancel:  cancel,
		tracked: make(map[*Device]*tracking),
	}
}

// Track starts the monitor and heartbeat for dev. It returns false if the
// device is already tracked or the tracker is closed.
func (t *Tracker) Track(dev *Device) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	if _, ok := t.tracked[dev]; ok {
		t.logger.Debug("device already tracked", dev.logFields()...)
		return false
	}

	tr := &tracking{
		monitor: NewMonitor(dev, MonitorConfig{
			Prober:   t.cfg.Prober,
			Clock:    t.cfg.Clock,
			Interval: t.cfg.ProbeInterval,
			Timeout:  t.cfg.ProbeTimeout,
			Logger:   t.cfg.Logger,
			OnEvent:  t.cfg.OnEvent,
		}),
		heartbeat: NewHeartbeat(dev, HeartbeatConfig{
			Sender:   t.cfg.Sender,
			Clock:    t.cfg.Clock,
			Interval: t.cfg.KeepaliveInterval,
			Logger:   t.cfg.Logger,
			OnEvent:  t.cfg.OnEvent,
		}),
	}
	tr.monitor.Start(t.ctx)
	tr.heartbeat.Start(t.ctx)
	t.tracked[dev] = tr
	return true
}

// Untrack stops the loops for dev.
func (t *Tracker) Untrack(dev *Device) {
	t.mu.Lock()
	tr, ok := t.tracked[dev]
	delete(t.tracked, dev)
	t.mu.Unlock()

	if ok {
		tr.stop()
	}
}

// Tracking reports whether dev has running loops.
func (t *Tracker) Tracking(dev *Device) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tracked[dev]
	return ok
}

// Close stops all loops and waits for them to exit.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	all := make([]*tracking, 0, len(t.tracked))
	for dev, tr := range t.tracked {
		all = append(all, tr)
		delete(t.tracked, dev)
	}
	t.mu.Unlock()

	t.cancel()

	var g errgroup.Group
	for _, tr := range all {
		g.Go(func() error {
			tr.stop()
			return nil
		})
	}
	_ = g.Wait()
}
