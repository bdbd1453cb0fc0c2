package broadlink

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// prontoPrefix marks a legacy Pronto code that needs conversion.
	prontoPrefix = "0000"

	// invalidCodeMarker appears in codes captured from a failed learn and
	// is never transmitted.
	invalidCodeMarker = "5aa5aa555"
)

// Outcome is the result class of a dispatch operation.
type Outcome string

// Dispatch outcomes.
const (
	OutcomeSent             Outcome = "sent"
	OutcomeLearning         Outcome = "learning"
	OutcomeNoDevice         Outcome = "no_device"
	OutcomeUnsupported      Outcome = "unsupported"
	OutcomeInvalidCode      Outcome = "invalid_code"
	OutcomeConversionFailed Outcome = "conversion_failed"
	OutcomeSendFailed       Outcome = "send_failed"
)

// OK reports whether the outcome represents a delivered operation.
func (o Outcome) OK() bool {
	return o == OutcomeSent || o == OutcomeLearning
}

// Err returns the sentinel error describing a failed outcome, or nil.
func (o Outcome) Err() error {
	switch o {
	case OutcomeNoDevice:
		return ErrNoDevice
	case OutcomeUnsupported:
		return ErrUnsupported
	case OutcomeInvalidCode:
		return ErrInvalidCode
	case OutcomeConversionFailed:
		return ErrConversionFailed
	case OutcomeSendFailed:
		return ErrSendFailed
	}
	return nil
}

// Converter turns a Pronto code into a native hex code.
type Converter interface {
	Convert(code string) (string, bool)
}

// SendRequest describes one code transmission.
type SendRequest struct {
	// Host selects the device by address or MAC. Empty selects the first
	// registered device.
	Host string

	// Code is a hex string or a Pronto code starting with "0000".
	Code string

	// Name labels the request in logs, e.g. the accessory name.
	Name string

	// WithDelay holds the device lock for its DelayAfter cooldown.
	WithDelay bool
}

// LearnRequest asks a device to enter learning mode.
type LearnRequest struct {
	Host string
	Name string
}

// Result reports how a dispatch operation ended.
type Result struct {
	Outcome         Outcome       `json:"outcome"`
	Address         string        `json:"address,omitempty"`
	MAC             string        `json:"mac,omitempty"`
	Error           string        `json:"error,omitempty"`
	Cooldown        time.Duration `json:"cooldown,omitempty"`
	CooldownSkipped bool          `json:"cooldown_skipped,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Registry  *Registry
	Tracker   *Tracker
	Converter Converter
	Clock     clock.Clock
	Logger    Logger
	OnEvent   EventHandler
}

// Dispatcher runs the send and learn pipelines.
//
// Runtime failures are logged, emitted as events and returned in the Result;
// the error return is reserved for malformed input and context cancellation.
type Dispatcher struct {
	registry  *Registry
	tracker   *Tracker
	converter Converter
	clock     clock.Clock
	logger    Logger
	onEvent   EventHandler

	statsMu sync.Mutex
	stats   map[Outcome]uint64
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: dispatcher requires a registry", ErrInvalidConfig)
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("%w: dispatcher requires a tracker", ErrInvalidConfig)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Dispatcher{
		registry:  cfg.Registry,
		tracker:   cfg.Tracker,
		converter: cfg.Converter,
		clock:     cfg.Clock,
		logger:    orNoop(cfg.Logger),
		onEvent:   cfg.OnEvent,
		stats:     make(map[Outcome]uint64),
	}, nil
}

// Send transmits a code.
//
// Parameters:
//   - ctx: bounds waiting for the device lock and the cooldown
//   - req: the code and target selection
//
// Returns:
//   - Result: the outcome, including reported failures
//   - error: ErrInvalidPayload for an empty or malformed code, or the
//     context error if ctx ends while waiting
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (Result, error) {
	start := d.clock.Now()

	code := strings.TrimSpace(req.Code)
	if code == "" {
		return Result{}, fmt.Errorf("%w: code is required", ErrInvalidPayload)
	}

	if strings.HasPrefix(code, prontoPrefix) {
		converted, ok := d.convert(code)
		if !ok {
			return d.fail(req.Name, nil, OutcomeConversionFailed, nil, start), nil
		}
		code = converted
	}

	data, err := hex.DecodeString(code)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if len(data) == 0 {
		return Result{}, fmt.Errorf("%w: empty code", ErrInvalidPayload)
	}

	dev := d.resolve(req.Host, 0)
	if dev == nil {
		return d.fail(req.Name, nil, OutcomeNoDevice, nil, start, "host", req.Host), nil
	}
	if !dev.CanSendData() {
		return d.fail(req.Name, dev, OutcomeUnsupported, nil, start), nil
	}
	if strings.Contains(strings.ToLower(code), invalidCodeMarker) {
		return d.fail(req.Name, dev, OutcomeInvalidCode, nil, start), nil
	}

	if err := dev.acquire(ctx); err != nil {
		return Result{}, err
	}
	defer dev.release()

	if err := dev.handle.SendData(ctx, data); err != nil {
		return d.fail(req.Name, dev, OutcomeSendFailed, err, start), nil
	}

	d.logger.Info("code sent", withFields(dev.logFields(), "name", req.Name, "bytes", len(data))...)
	res := Result{Outcome: OutcomeSent, Address: dev.Address, MAC: dev.MAC}

	if dev.DelayAfter > 0 {
		if req.WithDelay {
			if err := d.cooldown(ctx, dev.DelayAfter); err != nil {
				res.Duration = d.clock.Since(start)
				d.succeed(dev, res)
				return res, err
			}
			res.Cooldown = dev.DelayAfter
		} else {
			res.CooldownSkipped = true
			d.logger.Debug("delay after send skipped",
				withFields(dev.logFields(), "name", req.Name, "delay_after", dev.DelayAfter)...)
		}
	}

	res.Duration = d.clock.Since(start)
	d.succeed(dev, res)
	return res, nil
}

// Learn puts a device into learning mode. Without a host the first device
// able to learn is used.
func (d *Dispatcher) Learn(ctx context.Context, req LearnRequest) (Result, error) {
	start := d.clock.Now()

	dev := d.resolve(req.Host, CapLearning)
	if dev == nil {
		return d.fail(req.Name, nil, OutcomeNoDevice, nil, start, "host", req.Host), nil
	}
	if !dev.CanLearn() {
		return d.fail(req.Name, dev, OutcomeUnsupported, nil, start), nil
	}

	if err := dev.acquire(ctx); err != nil {
		return Result{}, err
	}
	defer dev.release()

	if err := dev.handle.EnterLearning(ctx); err != nil {
		return d.fail(req.Name, dev, OutcomeSendFailed, err, start), nil
	}

	d.logger.Info("learning mode entered", withFields(dev.logFields(), "name", req.Name)...)
	res := Result{
		Outcome:  OutcomeLearning,
		Address:  dev.Address,
		MAC:      dev.MAC,
		Duration: d.clock.Since(start),
	}
	d.succeed(dev, res)
	return res, nil
}

// Watch starts monitoring host as a manual record if it is not known yet.
// It reports whether a record was created.
func (d *Dispatcher) Watch(host string) bool {
	dev, created := d.registry.CreateManual(host)
	if !created {
		return false
	}

	d.tracker.Track(dev)
	d.logger.Info("monitoring manual device", dev.logFields()...)
	d.emit(newDeviceEvent(EventManualCreated, dev, d.clock.Now()))
	return true
}

// Stats returns a copy of the per-outcome counters.
func (d *Dispatcher) Stats() map[Outcome]uint64 {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	out := make(map[Outcome]uint64, len(d.stats))
	for k, v := range d.stats {
		out[k] = v
	}
	return out
}

// resolve selects the target device. An explicit host that is not
// registered gets a manual monitoring record and resolves to nothing.
func (d *Dispatcher) resolve(host string, need Capability) *Device {
	if host == "" {
		dev, _ := d.registry.First(need)
		return dev
	}

	if dev, ok := d.registry.Lookup(host); ok {
		return dev
	}
	d.Watch(host)
	return nil
}

func (d *Dispatcher) convert(code string) (string, bool) {
	if d.converter == nil {
		return "", false
	}
	return d.converter.Convert(code)
}

func (d *Dispatcher) cooldown(ctx context.Context, delay time.Duration) error {
	t := d.clock.Timer(delay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dispatcher) fail(name string, dev *Device, outcome Outcome, cause error, start time.Time, kv ...any) Result {
	err := outcome.Err()
	if cause != nil {
		err = fmt.Errorf("%w: %w", err, cause)
	}

	res := Result{Outcome: outcome, Error: err.Error(), Duration: d.clock.Since(start)}
	fields := []any{"name", name, "outcome", string(outcome), "error", err}
	if dev != nil {
		res.Address = dev.Address
		res.MAC = dev.MAC
		fields = append(dev.logFields(), fields...)
	}
	d.logger.Error("dispatch failed", append(fields, kv...)...)

	d.count(outcome)
	ev := Event{
		Kind:     EventDispatchFailed,
		Address:  res.Address,
		MAC:      res.MAC,
		Outcome:  outcome,
		Err:      err,
		Detail:   name,
		Duration: res.Duration,
		Time:     d.clock.Now(),
	}
	if dev != nil {
		ev.State = dev.State()
	}
	d.emit(ev)
	return res
}

func (d *Dispatcher) succeed(dev *Device, res Result) {
	d.count(res.Outcome)
	ev := newDeviceEvent(EventDispatched, dev, d.clock.Now())
	ev.Outcome = res.Outcome
	ev.Duration = res.Duration
	d.emit(ev)
}

func (d *Dispatcher) count(o Outcome) {
	d.statsMu.Lock()
	d.stats[o]++
	d.statsMu.Unlock()
}

func (d *Dispatcher) emit(ev Event) {
	if d.onEvent != nil {
		d.onEvent(ev)
	}
}
