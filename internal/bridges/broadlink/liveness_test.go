package broadlink

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestDeviceObserve(t *testing.T) {
	tests := []struct {
		name      string
		state     State
		retry     int
		active    bool
		wantState State
		wantRetry int
		wantKind  EventKind
	}{
		{"unknown to active", StateUnknown, 1, true, StateActive, 0, EventReachable},
		{"inactive to active", StateInactive, 0, true, StateActive, 0, EventRediscovered},
		{"active stays active", StateActive, 0, true, StateActive, 0, ""},
		{"active resets retry", StateActive, 2, true, StateActive, 0, ""},
		{"first failure", StateActive, 0, false, StateActive, 1, EventRetry},
		{"second failure", StateActive, 1, false, StateActive, 2, EventRetry},
		{"third failure", StateActive, 2, false, StateInactive, 0, EventUnreachable},
		{"failure while unknown", StateUnknown, 1, false, StateUnknown, 1, ""},
		{"failure while inactive", StateInactive, 0, false, StateInactive, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := NewDevice("10.0.0.1", nil)
			dev.state = tt.state
			dev.retryCount = tt.retry

			kind := dev.observe(tt.active, time.Now())

			snap := dev.Snapshot()
			if snap.State != tt.wantState {
				t.Errorf("State = %q, want %q", snap.State, tt.wantState)
			}
			if snap.RetryCount != tt.wantRetry {
				t.Errorf("RetryCount = %d, want %d", snap.RetryCount, tt.wantRetry)
			}
			if kind != tt.wantKind {
				t.Errorf("event = %q, want %q", kind, tt.wantKind)
			}
		})
	}
}

func TestDeviceObserve_Hysteresis(t *testing.T) {
	for failures := 0; failures < failureThreshold; failures++ {
		dev := NewDevice("10.0.0.1", nil)
		dev.observe(true, time.Now())

		for i := 0; i < failures; i++ {
			dev.observe(false, time.Now())
		}

		snap := dev.Snapshot()
		if snap.State != StateActive {
			t.Errorf("after %d failures State = %q, want active", failures, snap.State)
		}
		if snap.RetryCount != failures {
			t.Errorf("after %d failures RetryCount = %d, want %d", failures, snap.RetryCount, failures)
		}
	}

	dev := NewDevice("10.0.0.1", nil)
	dev.observe(true, time.Now())
	for i := 0; i < failureThreshold; i++ {
		dev.observe(false, time.Now())
	}
	snap := dev.Snapshot()
	if snap.State != StateInactive || snap.RetryCount != 0 {
		t.Errorf("after %d failures = (%q, %d), want (inactive, 0)", failureThreshold, snap.State, snap.RetryCount)
	}
}

func TestDeviceObserve_IntermittentFailuresNeverFlip(t *testing.T) {
	dev := NewDevice("10.0.0.1", nil)
	dev.observe(true, time.Now())

	// Two failures then a success, repeated, never reaches the threshold.
	for i := 0; i < 10; i++ {
		dev.observe(false, time.Now())
		dev.observe(false, time.Now())
		dev.observe(true, time.Now())
	}
	if got := dev.State(); got != StateActive {
		t.Errorf("State = %q, want active", got)
	}
}

// newTestMonitor starts a monitor on a mock clock.
func newTestMonitor(t *testing.T, dev *Device, prober Prober) (*Monitor, *clock.Mock, *eventSink) {
	t.Helper()
	clk := clock.NewMock()
	sink := &eventSink{}
	m := NewMonitor(dev, MonitorConfig{
		Prober:  prober,
		Clock:   clk,
		OnEvent: sink.handle,
	})
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m, clk, sink
}

// tick advances the clock one probe interval and waits for the probe.
func tick(t *testing.T, clk *clock.Mock, p *mockProber, address string) {
	t.Helper()
	want := p.callCount(address) + 1
	clk.Add(DefaultProbeInterval)
	waitFor(t, "probe", func() bool { return p.callCount(address) >= want })
}

func TestMonitor_BecomesInactiveAfterThreeFailures(t *testing.T) {
	p := newMockProber()
	p.script("10.0.0.1", up, down, down, down)
	dev := NewDevice("10.0.0.1", nil)
	_, clk, sink := newTestMonitor(t, dev, p)

	tick(t, clk, p, "10.0.0.1")
	waitFor(t, "active", func() bool { return dev.State() == StateActive })

	tick(t, clk, p, "10.0.0.1")
	tick(t, clk, p, "10.0.0.1")
	waitFor(t, "second retry", func() bool { return dev.Snapshot().RetryCount == 2 })
	if got := dev.State(); got != StateActive {
		t.Fatalf("State after 2 failures = %q, want active", got)
	}

	tick(t, clk, p, "10.0.0.1")
	waitFor(t, "inactive", func() bool { return dev.State() == StateInactive })

	if got := sink.count(EventUnreachable); got != 1 {
		t.Errorf("unreachable events = %d, want 1", got)
	}
}

func TestMonitor_RediscoveredAfterInactive(t *testing.T) {
	p := newMockProber()
	p.script("10.0.0.1", up, down, down, down, up)
	dev := NewDevice("10.0.0.1", nil)
	_, clk, sink := newTestMonitor(t, dev, p)

	for i := 0; i < 5; i++ {
		tick(t, clk, p, "10.0.0.1")
	}
	waitFor(t, "rediscovered", func() bool { return sink.count(EventRediscovered) == 1 })

	snap := dev.Snapshot()
	if snap.State != StateActive || snap.RetryCount != 0 {
		t.Errorf("after rediscovery = (%q, %d), want (active, 0)", snap.State, snap.RetryCount)
	}
	if got := sink.count(EventReachable); got != 1 {
		t.Errorf("reachable events = %d, want 1 (first activation only)", got)
	}
}

func TestMonitor_ProbeErrorLeavesStateUnchanged(t *testing.T) {
	p := newMockProber()
	p.script("10.0.0.1", up, probeKO, probeKO, probeKO, probeKO)
	dev := NewDevice("10.0.0.1", nil)
	_, clk, sink := newTestMonitor(t, dev, p)

	tick(t, clk, p, "10.0.0.1")
	waitFor(t, "active", func() bool { return dev.State() == StateActive })

	for i := 0; i < 4; i++ {
		tick(t, clk, p, "10.0.0.1")
	}
	waitFor(t, "probe errors", func() bool { return sink.count(EventProbeError) == 4 })

	snap := dev.Snapshot()
	if snap.State != StateActive || snap.RetryCount != 0 {
		t.Errorf("after probe errors = (%q, %d), want (active, 0)", snap.State, snap.RetryCount)
	}
}

func TestMonitor_FailuresFromUnknownChangeNothing(t *testing.T) {
	p := newMockProber()
	dev := NewDevice("10.0.0.1", nil)
	_, clk, sink := newTestMonitor(t, dev, p)

	for i := 0; i < 5; i++ {
		tick(t, clk, p, "10.0.0.1")
	}

	snap := dev.Snapshot()
	if snap.State != StateUnknown || snap.RetryCount != initialRetryCount {
		t.Errorf("= (%q, %d), want (unknown, %d)", snap.State, snap.RetryCount, initialRetryCount)
	}
	if got := len(sink.kinds()); got != 0 {
		t.Errorf("events = %d, want 0", got)
	}
}

func TestMonitor_StopHaltsProbing(t *testing.T) {
	p := newMockProber()
	dev := NewDevice("10.0.0.1", nil)
	m, clk, _ := newTestMonitor(t, dev, p)

	tick(t, clk, p, "10.0.0.1")
	m.Stop()
	m.Stop()

	calls := p.callCount("10.0.0.1")
	clk.Add(10 * DefaultProbeInterval)
	time.Sleep(10 * time.Millisecond)
	if got := p.callCount("10.0.0.1"); got != calls {
		t.Errorf("probes after Stop = %d, want %d", got, calls)
	}
}
