package broadlink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockHandle is a thread-safe device protocol handle.
type mockHandle struct {
	mu        sync.Mutex
	caps      Capability
	sent      [][]byte
	learns    int
	sendErr   error
	inFlight  int
	maxFlight int

	// block, when set, makes SendData wait until it is closed.
	block   chan struct{}
	started chan struct{}
}

func newMockHandle(caps Capability) *mockHandle {
	return &mockHandle{caps: caps, started: make(chan struct{}, 16)}
}

func (h *mockHandle) Capabilities() Capability { return h.caps }

func (h *mockHandle) SendData(ctx context.Context, data []byte) error {
	h.mu.Lock()
	h.inFlight++
	if h.inFlight > h.maxFlight {
		h.maxFlight = h.inFlight
	}
	block := h.block
	h.mu.Unlock()

	select {
	case h.started <- struct{}{}:
	default:
	}

	if block != nil {
		<-block
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFlight--
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, append([]byte(nil), data...))
	return nil
}

func (h *mockHandle) EnterLearning(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.learns++
	return h.sendErr
}

func (h *mockHandle) sendCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func (h *mockHandle) maxConcurrent() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxFlight
}

// mockProber returns scripted results per address.
type mockProber struct {
	mu      sync.Mutex
	results map[string][]probeResult
	calls   map[string]int
}

type probeResult struct {
	active bool
	err    error
}

func newMockProber() *mockProber {
	return &mockProber{
		results: make(map[string][]probeResult),
		calls:   make(map[string]int),
	}
}

// script queues results for address. When the queue is empty the prober
// reports the device unreachable.
func (p *mockProber) script(address string, results ...probeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[address] = append(p.results[address], results...)
}

func (p *mockProber) Probe(_ context.Context, address string, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[address]++
	queue := p.results[address]
	if len(queue) == 0 {
		return false, nil
	}
	r := queue[0]
	p.results[address] = queue[1:]
	return r.active, r.err
}

func (p *mockProber) callCount(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[address]
}

var (
	up      = probeResult{active: true}
	down    = probeResult{active: false}
	probeKO = probeResult{err: errors.New("probe spawn failed")}
)

// mockSender records keepalive packets.
type mockSender struct {
	mu      sync.Mutex
	packets []sentPacket
	err     error
}

type sentPacket struct {
	address string
	port    int
	payload []byte
}

func (s *mockSender) SendPacket(_ context.Context, address string, port int, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, sentPacket{address: address, port: port, payload: payload})
	return s.err
}

func (s *mockSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

// mockTransport counts discovery broadcasts and lets tests announce devices.
type mockTransport struct {
	mu      sync.Mutex
	calls   int
	handler func(Announcement)
}

func (t *mockTransport) Discover(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	return nil
}

func (t *mockTransport) SetOnDeviceReady(fn func(Announcement)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func (t *mockTransport) announce(a Announcement) {
	t.mu.Lock()
	fn := t.handler
	t.mu.Unlock()
	if fn != nil {
		fn(a)
	}
}

func (t *mockTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// mockConverter converts Pronto codes from a fixed table.
type mockConverter map[string]string

func (c mockConverter) Convert(code string) (string, bool) {
	out, ok := c[code]
	return out, ok
}

// eventSink collects emitted events.
type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) handle(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (s *eventSink) count(kind EventKind) int {
	n := 0
	for _, k := range s.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// registerDevice adds a discovered device backed by a mock handle.
func registerDevice(t *testing.T, r *Registry, address, mac string, caps Capability) (*Device, *mockHandle) {
	t.Helper()
	h := newMockHandle(caps)
	dev := NewDevice(address, h)
	dev.MAC = mac
	if !r.Register(dev) {
		t.Fatalf("Register(%s) = false, want true", address)
	}
	return dev, h
}
