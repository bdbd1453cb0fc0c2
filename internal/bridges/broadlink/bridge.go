package broadlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// commandTimeout bounds a single MQTT command, including lock wait and
// cooldown.
const commandTimeout = 30 * time.Second

// minTopicParts is the number of segments in graylogic/command/broadlink/{host}.
const minTopicParts = 4

// Broadcast channels for live device events.
const (
	ChannelLiveness   = "device.liveness"
	ChannelDiscovered = "device.discovered"
	ChannelDispatch   = "dispatch.completed"
)

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// jsonPublisher is implemented by MQTT clients that encode JSON themselves.
type jsonPublisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// unsubscriber is implemented by MQTT clients that can drop a subscription.
type unsubscriber interface {
	Unsubscribe(topic string) error
}

// EventRecorder persists device events. Optional.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev Event) error
}

// MetricsWriter receives time-series points. Optional.
type MetricsWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any)
}

// Broadcaster pushes events to live subscribers. Optional.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Config holds the bridge runtime settings.
type Config struct {
	BridgeID          string
	Version           string
	HealthInterval    time.Duration
	DiscoveryMode     DiscoveryMode
	DiscoveryInterval time.Duration
	DiscoveryDuration time.Duration
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	KeepaliveInterval time.Duration
	Policies          []DevicePolicy

	// WatchHosts are monitored from startup as manual records.
	WatchHosts []string
}

// BridgeOptions holds dependencies for creating a bridge.
type BridgeOptions struct {
	Config     Config
	MQTTClient MQTTClient

	// Transport is the vendor discovery protocol. Without one the bridge
	// runs passive discovery.
	Transport Transport

	Prober    Prober
	Sender    PacketSender
	Converter Converter
	Clock     clock.Clock

	Recorder    EventRecorder
	Metrics     MetricsWriter
	Broadcaster Broadcaster

	Logger Logger
}

// Bridge wires the device engine to MQTT and the optional event sinks.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg         Config
	mqtt        MQTTClient
	recorder    EventRecorder
	metrics     MetricsWriter
	broadcaster Broadcaster
	clock       clock.Clock
	logger      Logger

	registry   *Registry
	tracker    *Tracker
	discovery  *Discovery
	dispatcher *Dispatcher
	health     *HealthReporter

	commandsReceived atomic.Uint64
	commandsRejected atomic.Uint64
	eventsPublished  atomic.Uint64

	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("%w: MQTT client is required", ErrInvalidConfig)
	}
	if opts.Config.BridgeID == "" {
		return nil, fmt.Errorf("%w: bridge id is required", ErrInvalidConfig)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	mode := opts.Config.DiscoveryMode
	if opts.Transport == nil {
		mode = DiscoveryPassive
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:         opts.Config,
		mqtt:        opts.MQTTClient,
		recorder:    opts.Recorder,
		metrics:     opts.Metrics,
		broadcaster: opts.Broadcaster,
		clock:       opts.Clock,
		logger:      orNoop(opts.Logger),
		ctx:         ctx,
		ctxCancel:   cancel,
	}

	b.registry = NewRegistry(opts.Clock)
	b.tracker = NewTracker(ctx, TrackerConfig{
		Prober:            opts.Prober,
		Sender:            opts.Sender,
		Clock:             opts.Clock,
		ProbeInterval:     opts.Config.ProbeInterval,
		ProbeTimeout:      opts.Config.ProbeTimeout,
		KeepaliveInterval: opts.Config.KeepaliveInterval,
		Logger:            opts.Logger,
		OnEvent:           b.handleEvent,
	})

	var err error
	b.discovery, err = NewDiscovery(DiscoveryConfig{
		Transport: opts.Transport,
		Registry:  b.registry,
		Tracker:   b.tracker,
		Clock:     opts.Clock,
		Mode:      mode,
		Interval:  opts.Config.DiscoveryInterval,
		Duration:  opts.Config.DiscoveryDuration,
		Policies:  opts.Config.Policies,
		Logger:    opts.Logger,
		OnEvent:   b.handleEvent,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	b.dispatcher, err = NewDispatcher(DispatcherConfig{
		Registry:  b.registry,
		Tracker:   b.tracker,
		Converter: opts.Converter,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
		OnEvent:   b.handleEvent,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:   opts.Config.BridgeID,
		Version:    opts.Config.Version,
		Interval:   opts.Config.HealthInterval,
		Publisher:  opts.MQTTClient,
		Registry:   b.registry,
		Dispatcher: b.dispatcher,
		Discovery:  b.discovery,
		Clock:      opts.Clock,
		Logger:     opts.Logger,
	})

	return b, nil
}

// Registry returns the device registry.
func (b *Bridge) Registry() *Registry { return b.registry }

// Dispatcher returns the dispatch pipeline.
func (b *Bridge) Dispatcher() *Dispatcher { return b.dispatcher }

// Health returns the health reporter.
func (b *Bridge) Health() *HealthReporter { return b.health }

// Start subscribes to commands, starts discovery and health reporting, and
// begins monitoring the configured hosts.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logger.Error("failed to publish starting status", "error", err)
	}

	topic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(topic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to commands", "topic", topic)

	for _, host := range b.cfg.WatchHosts {
		b.dispatcher.Watch(host)
	}

	b.discovery.Start(b.ctx)
	b.health.Start(ctx)

	b.logger.Info("bridge started",
		"bridge_id", b.cfg.BridgeID,
		"discovery", string(b.discovery.Mode()),
		"watched", len(b.cfg.WatchHosts))
	return nil
}

// Stop shuts the bridge down and waits for in-flight commands.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if u, ok := b.mqtt.(unsubscriber); ok && b.mqtt.IsConnected() {
			if err := u.Unsubscribe(CommandSubscribeTopic()); err != nil {
				b.logger.Warn("failed to unsubscribe from commands", "error", err)
			}
		}
		b.discovery.Stop()
		b.ctxCancel()
		b.wg.Wait()
		b.tracker.Close()
		b.health.Stop()
		b.logger.Info("bridge stopped")
	})
}

// handleMQTTMessage parses a command and dispatches it on its own goroutine
// so that cooldowns never block the MQTT callback.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	b.commandsReceived.Add(1)

	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.commandsRejected.Add(1)
		b.logger.Error("invalid topic format", "topic", topic)
		return
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.commandsRejected.Add(1)
		b.logger.Error("failed to parse command", "topic", topic, "error", err)
		return
	}
	if cmd.Host == "" && parts[len(parts)-1] != autoHost {
		cmd.Host = parts[len(parts)-1]
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	b.logger.Info("received command",
		"command_id", cmd.ID,
		"command", cmd.Command,
		"host", cmd.Host,
		"source", cmd.Source)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.executeCommand(cmd)
	}()
}

func (b *Bridge) executeCommand(cmd CommandMessage) {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	var (
		res Result
		err error
	)
	switch cmd.Command {
	case CommandSend, "":
		res, err = b.dispatcher.Send(ctx, SendRequest{
			Host:      cmd.Host,
			Code:      cmd.Code,
			Name:      cmd.Name,
			WithDelay: cmd.WithDelay,
		})
	case CommandLearn:
		res, err = b.dispatcher.Learn(ctx, LearnRequest{Host: cmd.Host, Name: cmd.Name})
	default:
		b.commandsRejected.Add(1)
		b.publishAck(cmd.Host, NewAckError(cmd, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command %q", cmd.Command)))
		return
	}

	// A send interrupted during its cooldown was still transmitted.
	switch {
	case err != nil && res.Outcome.OK():
		b.logger.Debug("command finished after context ended",
			"command_id", cmd.ID, "outcome", string(res.Outcome), "error", err)
		b.publishAck(cmd.Host, NewAckMessage(cmd, res))
	case errors.Is(err, ErrInvalidPayload):
		b.commandsRejected.Add(1)
		b.publishAck(cmd.Host, NewAckError(cmd, ErrCodeInvalidParameters, err.Error()))
	case err != nil:
		b.publishAck(cmd.Host, NewAckError(cmd, ErrCodeTimeout, err.Error()))
	default:
		b.publishAck(cmd.Host, NewAckMessage(cmd, res))
	}
}

func (b *Bridge) publishAck(host string, ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logger.Error("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(host), payload, 1, false); err != nil {
		b.logger.Error("failed to publish ack", "error", err)
	}
}

// handleEvent fans an engine event out to MQTT and the optional sinks.
func (b *Bridge) handleEvent(ev Event) {
	switch {
	case ev.Kind.IsLiveness():
		b.publishJSON(StateTopic(ev.Address), NewStateMessage(ev), true)
		b.broadcast(ChannelLiveness, NewStateMessage(ev))
	case ev.Kind == EventDiscovered || ev.Kind == EventManualCreated:
		if dev := b.lookupAny(ev.Address); dev != nil {
			msg := DiscoveryMessage{
				Timestamp: ev.Time.UTC(),
				Bridge:    b.cfg.BridgeID,
				Devices:   []DeviceInfo{dev.Info()},
			}
			b.publishJSON(DiscoveryTopic(), msg, false)
			b.broadcast(ChannelDiscovered, dev.Info())
		}
	case ev.Kind == EventDispatched || ev.Kind == EventDispatchFailed:
		b.broadcast(ChannelDispatch, map[string]any{
			"address":     ev.Address,
			"mac":         ev.MAC,
			"outcome":     ev.Outcome,
			"duration_ms": ev.Duration.Milliseconds(),
		})
	}

	b.writeMetrics(ev)

	if b.recorder != nil && ev.Kind != EventRetry {
		if err := b.recorder.RecordEvent(b.ctx, ev); err != nil && b.ctx.Err() == nil {
			b.logger.Warn("failed to record device event", "kind", string(ev.Kind), "address", ev.Address, "error", err)
		}
	}
}

func (b *Bridge) writeMetrics(ev Event) {
	if b.metrics == nil {
		return
	}

	switch {
	case ev.Kind.IsLiveness() || ev.Kind == EventRetry:
		b.metrics.WritePoint("broadlink_liveness",
			map[string]string{"address": ev.Address, "mac": ev.MAC, "kind": string(ev.Kind)},
			map[string]any{"active": ev.State == StateActive, "retry_count": ev.RetryCount})
	case ev.Kind == EventDispatched || ev.Kind == EventDispatchFailed:
		b.metrics.WritePoint("broadlink_dispatch",
			map[string]string{"address": ev.Address, "outcome": string(ev.Outcome)},
			map[string]any{"duration_ms": ev.Duration.Milliseconds()})
	}
}

func (b *Bridge) lookupAny(address string) *Device {
	if dev, ok := b.registry.Lookup(address); ok {
		return dev
	}
	if dev, ok := b.registry.Manual(address); ok {
		return dev
	}
	return nil
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	if jp, ok := b.mqtt.(jsonPublisher); ok {
		if err := jp.PublishJSON(topic, v, retained); err != nil {
			b.logger.Debug("publish failed", "topic", topic, "error", err)
			return
		}
		b.eventsPublished.Add(1)
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("failed to marshal message", "topic", topic, "error", err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		b.logger.Debug("publish failed", "topic", topic, "error", err)
		return
	}
	b.eventsPublished.Add(1)
}

func (b *Bridge) broadcast(channel string, payload any) {
	if b.broadcaster != nil {
		b.broadcaster.Broadcast(channel, payload)
	}
}

// BridgeMetrics contains metrics data for the API metrics endpoint.
type BridgeMetrics struct {
	Connected        bool               `json:"connected"`
	Status           HealthStatus       `json:"status"`
	Devices          RegistryStats      `json:"devices"`
	Dispatch         map[Outcome]uint64 `json:"dispatch"`
	CommandsReceived uint64             `json:"commands_received"`
	CommandsRejected uint64             `json:"commands_rejected"`
	EventsPublished  uint64             `json:"events_published"`
}

// GetMetrics returns a snapshot of bridge metrics.
func (b *Bridge) GetMetrics() BridgeMetrics {
	status, _ := b.health.Status()
	return BridgeMetrics{
		Connected:        b.mqtt.IsConnected(),
		Status:           status,
		Devices:          b.registry.Stats(),
		Dispatch:         b.dispatcher.Stats(),
		CommandsReceived: b.commandsReceived.Load(),
		CommandsRejected: b.commandsRejected.Load(),
		EventsPublished:  b.eventsPublished.Load(),
	}
}
