package broadlink

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultHealthInterval is how often health is published.
const DefaultHealthInterval = 30 * time.Second

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID   string
	Version    string
	Interval   time.Duration
	Publisher  HealthPublisher
	Registry   *Registry
	Dispatcher *Dispatcher
	Discovery  *Discovery
	Clock      clock.Clock
	Logger     Logger
}

// HealthReporter publishes bridge status at a fixed interval.
type HealthReporter struct {
	bridgeID   string
	version    string
	interval   time.Duration
	publisher  HealthPublisher
	registry   *Registry
	dispatcher *Dispatcher
	discovery  *Discovery
	clock      clock.Clock
	logger     Logger
	startTime  time.Time

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHealthReporter creates a new health reporter.
//
// Parameters:
//   - cfg: Configuration for the health reporter
//
// Returns:
//   - *HealthReporter: Ready to start (call Start to begin reporting)
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHealthInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &HealthReporter{
		bridgeID:   cfg.BridgeID,
		version:    cfg.Version,
		interval:   cfg.Interval,
		publisher:  cfg.Publisher,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		discovery:  cfg.Discovery,
		clock:      cfg.Clock,
		logger:     orNoop(cfg.Logger),
		startTime:  cfg.Clock.Now(),
		done:       make(chan struct{}),
	}
}

// Start begins periodic health reporting. An initial status is published
// immediately.
func (h *HealthReporter) Start(ctx context.Context) {
	ticker := h.clock.Ticker(h.interval)

	if err := h.PublishNow(); err != nil {
		h.logger.Error("failed to publish initial health", "error", err)
	}

	h.wg.Add(1)
	go h.reportLoop(ctx, ticker)
}

// Stop halts reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.Status()
	return h.publishStatus(status, reason)
}

// LWTPayload returns the Last Will and Testament message payload.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.bridgeID))
}

// Status evaluates the current bridge status.
func (h *HealthReporter) Status() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.registry != nil {
		stats := h.registry.Stats()
		if stats.Discovered+stats.Manual > 0 && stats.Active == 0 && stats.Unknown == 0 {
			return HealthDegraded, "no devices reachable"
		}
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) reportLoop(ctx context.Context, ticker *clock.Ticker) {
	defer h.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logger.Error("failed to publish health", "error", err)
			}
		}
	}
}

// Message builds a health message for status.
func (h *HealthReporter) Message(status HealthStatus, reason string) HealthMessage {
	msg := HealthMessage{
		Bridge:        h.bridgeID,
		Timestamp:     h.clock.Now().UTC(),
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(h.clock.Since(h.startTime).Seconds()),
		Reason:        reason,
	}
	if h.registry != nil {
		stats := h.registry.Stats()
		msg.Devices = &stats
	}
	if h.dispatcher != nil {
		msg.Dispatch = h.dispatcher.Stats()
	}
	if h.discovery != nil {
		msg.Discovery = string(h.discovery.Mode())
		if h.discovery.Broadcasting() {
			msg.Discovery += ",broadcasting"
		}
	}
	return msg
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	payload, err := json.Marshal(h.Message(status, reason))
	if err != nil {
		return err
	}
	return h.publisher.Publish(HealthTopic(), payload, 1, true)
}
