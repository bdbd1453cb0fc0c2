package broadlink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type discoveryFixture struct {
	clk       *clock.Mock
	registry  *Registry
	tracker   *Tracker
	transport *mockTransport
	prober    *mockProber
	sender    *mockSender
	sink      *eventSink
	discovery *Discovery
}

func newDiscoveryFixture(t *testing.T, mode DiscoveryMode, policies ...DevicePolicy) *discoveryFixture {
	t.Helper()
	f := &discoveryFixture{
		clk:       clock.NewMock(),
		transport: &mockTransport{},
		prober:    newMockProber(),
		sender:    &mockSender{},
		sink:      &eventSink{},
	}
	f.registry = NewRegistry(f.clk)
	f.tracker = NewTracker(context.Background(), TrackerConfig{
		Prober:  f.prober,
		Sender:  f.sender,
		Clock:   f.clk,
		OnEvent: f.sink.handle,
	})
	t.Cleanup(f.tracker.Close)

	d, err := NewDiscovery(DiscoveryConfig{
		Transport: f.transport,
		Registry:  f.registry,
		Tracker:   f.tracker,
		Clock:     f.clk,
		Mode:      mode,
		Policies:  policies,
		OnEvent:   f.sink.handle,
	})
	if err != nil {
		t.Fatalf("NewDiscovery() error = %v", err)
	}
	f.discovery = d
	t.Cleanup(d.Stop)
	return f
}

func TestNewDiscovery_Validation(t *testing.T) {
	reg := NewRegistry(nil)
	tr := NewTracker(context.Background(), TrackerConfig{Prober: newMockProber(), Sender: &mockSender{}})
	defer tr.Close()

	tests := []struct {
		name string
		cfg  DiscoveryConfig
	}{
		{"no registry", DiscoveryConfig{Tracker: tr, Mode: DiscoveryPassive}},
		{"no tracker", DiscoveryConfig{Registry: reg, Mode: DiscoveryPassive}},
		{"automatic without transport", DiscoveryConfig{Registry: reg, Tracker: tr, Mode: DiscoveryAutomatic}},
		{"unknown mode", DiscoveryConfig{Registry: reg, Tracker: tr, Transport: &mockTransport{}, Mode: "eager"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDiscovery(tt.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewDiscovery() error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if _, err := NewDiscovery(DiscoveryConfig{Registry: reg, Tracker: tr, Mode: DiscoveryPassive}); err != nil {
		t.Errorf("passive without transport: error = %v, want nil", err)
	}
}

func TestDiscovery_AutomaticWindow(t *testing.T) {
	f := newDiscoveryFixture(t, DiscoveryAutomatic)
	f.discovery.Start(context.Background())

	if got := f.transport.callCount(); got != 1 {
		t.Fatalf("broadcasts after Start = %d, want 1", got)
	}
	if !f.discovery.Broadcasting() {
		t.Fatal("Broadcasting() = false after Start")
	}

	// 2s period, 60s window: 29 further broadcasts before the window edge.
	for i := 2; i <= 30; i++ {
		f.clk.Add(DefaultDiscoveryInterval)
		waitFor(t, "broadcast", func() bool { return f.transport.callCount() == i })
	}

	f.clk.Add(DefaultDiscoveryInterval)
	waitFor(t, "window close", func() bool { return !f.discovery.Broadcasting() })

	calls := f.transport.callCount()
	for i := 0; i < 10; i++ {
		f.clk.Add(DefaultDiscoveryInterval)
	}
	time.Sleep(10 * time.Millisecond)
	if got := f.transport.callCount(); got != calls {
		t.Errorf("broadcasts after window = %d, want %d", got, calls)
	}

	// Announcements are still accepted after the window closes.
	f.transport.announce(Announcement{Address: "10.0.0.1", MAC: "aa:bb:cc:dd:ee:01"})
	if _, ok := f.registry.Lookup("10.0.0.1"); !ok {
		t.Error("announcement after window not registered")
	}
}

func TestDiscovery_PassiveNeverBroadcasts(t *testing.T) {
	f := newDiscoveryFixture(t, DiscoveryPassive)
	f.discovery.Start(context.Background())

	f.clk.Add(2 * DefaultDiscoveryDuration)
	time.Sleep(5 * time.Millisecond)

	if got := f.transport.callCount(); got != 0 {
		t.Errorf("broadcasts = %d, want 0", got)
	}
	if f.discovery.Broadcasting() {
		t.Error("Broadcasting() = true in passive mode")
	}

	f.transport.announce(Announcement{Address: "10.0.0.1", MACBytes: []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}})
	dev, ok := f.registry.Lookup("aa:bb:cc:dd:ee:01")
	if !ok {
		t.Fatal("passive announcement not registered")
	}
	if dev.Address != "10.0.0.1" {
		t.Errorf("Address = %q, want 10.0.0.1", dev.Address)
	}
}

func TestDiscovery_AnnounceTracksOnce(t *testing.T) {
	f := newDiscoveryFixture(t, DiscoveryPassive)
	f.discovery.Start(context.Background())

	ann := Announcement{
		Address: "10.0.0.1",
		Port:    80,
		MAC:     "AA:BB:CC:DD:EE:01",
		Model:   "RM4 mini",
		Handle:  newMockHandle(CapSendData),
	}

	dev, first := f.discovery.Announce(ann)
	if !first {
		t.Fatal("first Announce() = false")
	}
	if _, again := f.discovery.Announce(ann); again {
		t.Error("duplicate Announce() = true")
	}

	if dev.MAC != "aa:bb:cc:dd:ee:01" {
		t.Errorf("MAC = %q, want normalised", dev.MAC)
	}
	if !f.tracker.Tracking(dev) {
		t.Error("device not tracked after first registration")
	}
	if got := f.sink.count(EventDiscovered); got != 1 {
		t.Errorf("discovered events = %d, want 1", got)
	}

	// One monitor per device: one probe per interval.
	f.clk.Add(DefaultProbeInterval)
	waitFor(t, "probe", func() bool { return f.prober.callCount("10.0.0.1") >= 1 })
	time.Sleep(5 * time.Millisecond)
	if got := f.prober.callCount("10.0.0.1"); got != 1 {
		t.Errorf("probes per interval = %d, want 1", got)
	}

	f.clk.Add(DefaultKeepaliveInterval)
	waitFor(t, "heartbeat", func() bool { return f.sender.count() >= 1 })
}

func TestDiscovery_AnnounceBadMACIgnored(t *testing.T) {
	f := newDiscoveryFixture(t, DiscoveryPassive)

	if _, ok := f.discovery.Announce(Announcement{Address: "10.0.0.1"}); ok {
		t.Error("Announce() without MAC = true, want false")
	}
	if got := len(f.registry.List()); got != 0 {
		t.Errorf("registered = %d, want 0", got)
	}
}

func TestDiscovery_AppliesPolicy(t *testing.T) {
	f := newDiscoveryFixture(t, DiscoveryPassive,
		DevicePolicy{Host: "10.0.0.1", DelayAfter: 400 * time.Millisecond},
		DevicePolicy{MAC: "AABBCCDDEE02", DelayAfter: time.Second},
	)

	a, _ := f.discovery.Announce(Announcement{Address: "10.0.0.1", MAC: "aa:bb:cc:dd:ee:01"})
	b, _ := f.discovery.Announce(Announcement{Address: "10.0.0.2", MAC: "aa:bb:cc:dd:ee:02"})
	c, _ := f.discovery.Announce(Announcement{Address: "10.0.0.3", MAC: "aa:bb:cc:dd:ee:03"})

	if a.DelayAfter != 400*time.Millisecond {
		t.Errorf("host policy DelayAfter = %v, want 400ms", a.DelayAfter)
	}
	if b.DelayAfter != time.Second {
		t.Errorf("mac policy DelayAfter = %v, want 1s", b.DelayAfter)
	}
	if c.DelayAfter != 0 {
		t.Errorf("no policy DelayAfter = %v, want 0", c.DelayAfter)
	}
}

func TestDiscovery_SupersedesManualRecord(t *testing.T) {
	f := newDiscoveryFixture(t, DiscoveryPassive)

	manual, _ := f.registry.CreateManual("10.0.0.1")
	f.tracker.Track(manual)

	dev, ok := f.discovery.Announce(Announcement{Address: "10.0.0.1", MAC: "aa:bb:cc:dd:ee:01"})
	if !ok {
		t.Fatal("Announce() = false")
	}
	if _, ok := f.registry.Manual("10.0.0.1"); ok {
		t.Error("manual record still present")
	}
	if f.tracker.Tracking(manual) {
		t.Error("manual record still tracked")
	}
	if !f.tracker.Tracking(dev) {
		t.Error("discovered record not tracked")
	}
}
