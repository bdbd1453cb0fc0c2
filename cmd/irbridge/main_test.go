package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-irbridge/internal/bridges/broadlink"
	"github.com/nerrad567/gray-logic-irbridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-irbridge/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-irbridge/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-irbridge/migrations"
)

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv(configEnvVar, "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("run() error = %v, want loading config", err)
	}
}

func TestRun_InvalidDiscoveryMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
site:
  id: test-site
database:
  path: ":memory:"
broadlink:
  bridge_id: test
  discovery:
    mode: eager
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv(configEnvVar, path)

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "discovery.mode") {
		t.Errorf("run() error = %v, want discovery.mode validation error", err)
	}
}

func TestMigrateDown(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "events.db")
	path := filepath.Join(dir, "config.yaml")
	content := "site:\n  id: test-site\ndatabase:\n  path: " + dbPath + "\nbroadlink:\n  bridge_id: test\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv(configEnvVar, path)

	ctx := context.Background()
	db, err := database.Open(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	db.Close()

	if err := migrateDown(ctx); err != nil {
		t.Fatalf("migrateDown() error = %v", err)
	}

	db, err = database.Open(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 0 || len(pending) != 1 {
		t.Errorf("applied = %d, pending = %d, want 0 and 1", len(applied), len(pending))
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv(configEnvVar, "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv(configEnvVar, "/etc/irbridge.yaml")
	if got := getConfigPath(); got != "/etc/irbridge.yaml" {
		t.Errorf("getConfigPath() = %q, want /etc/irbridge.yaml", got)
	}
}

func TestBridgeConfig(t *testing.T) {
	cfg := &config.Config{Broadlink: config.BroadlinkConfig{
		BridgeID:       "bl-1",
		HealthInterval: 30,
		Discovery:      config.DiscoveryConfig{Mode: "passive", Interval: 2, Timeout: 60},
		Liveness:       config.LivenessConfig{Interval: 5, Timeout: 5},
		Keepalive:      config.KeepaliveConfig{Interval: 90},
		Devices: []config.DeviceConfig{
			{Name: "lounge", Host: "192.168.1.40", DelayAfterMS: 300, Watch: true},
			{Name: "bedroom", MAC: "aa:bb:cc:dd:ee:ff", DelayAfterMS: 150},
			{Name: "garage", Host: "192.168.1.41", Watch: true},
		},
	}}

	got := bridgeConfig(cfg, "1.0.0")

	if got.BridgeID != "bl-1" || got.Version != "1.0.0" {
		t.Errorf("identity = %q/%q", got.BridgeID, got.Version)
	}
	if got.DiscoveryMode != broadlink.DiscoveryPassive {
		t.Errorf("DiscoveryMode = %q, want passive", got.DiscoveryMode)
	}
	if got.DiscoveryInterval != 2*time.Second || got.DiscoveryDuration != time.Minute {
		t.Errorf("discovery = %v/%v", got.DiscoveryInterval, got.DiscoveryDuration)
	}
	if got.ProbeInterval != 5*time.Second || got.ProbeTimeout != 5*time.Second {
		t.Errorf("probe = %v/%v", got.ProbeInterval, got.ProbeTimeout)
	}
	if got.KeepaliveInterval != 90*time.Second {
		t.Errorf("KeepaliveInterval = %v", got.KeepaliveInterval)
	}

	wantPolicies := []broadlink.DevicePolicy{
		{Host: "192.168.1.40", DelayAfter: 300 * time.Millisecond},
		{MAC: "aa:bb:cc:dd:ee:ff", DelayAfter: 150 * time.Millisecond},
	}
	if len(got.Policies) != len(wantPolicies) {
		t.Fatalf("Policies = %+v", got.Policies)
	}
	for i, p := range wantPolicies {
		if got.Policies[i] != p {
			t.Errorf("Policies[%d] = %+v, want %+v", i, got.Policies[i], p)
		}
	}

	if strings.Join(got.WatchHosts, ",") != "192.168.1.40,192.168.1.41" {
		t.Errorf("WatchHosts = %v", got.WatchHosts)
	}
}

func TestLastWill(t *testing.T) {
	will, err := lastWill("bl-1")
	if err != nil {
		t.Fatalf("lastWill() error = %v", err)
	}
	if will.Topic != broadlink.HealthTopic() {
		t.Errorf("Topic = %q, want %q", will.Topic, broadlink.HealthTopic())
	}
	if will.QoS != 1 || !will.Retained {
		t.Errorf("QoS/Retained = %d/%v, want 1/true", will.QoS, will.Retained)
	}

	var msg broadlink.HealthMessage
	if err := json.Unmarshal(will.Payload, &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.Bridge != "bl-1" || msg.Status != broadlink.HealthOffline {
		t.Errorf("payload = %+v, want offline for bl-1", msg)
	}
}

type fakePruner struct {
	mu      sync.Mutex
	befores []time.Time
	err     error
}

func (p *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.befores = append(p.befores, before)
	return 2, p.err
}

func (p *fakePruner) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.befores)
}

func TestPruneLoop(t *testing.T) {
	log := logging.Default()

	t.Run("zero retention disables pruning", func(t *testing.T) {
		p := &fakePruner{}
		pruneLoop(context.Background(), p, 0, log)
		if p.calls() != 0 {
			t.Errorf("Prune called %d times, want 0", p.calls())
		}
	})

	t.Run("prunes at start", func(t *testing.T) {
		p := &fakePruner{err: errors.New("disk full")}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			pruneLoop(ctx, p, 24*time.Hour, log)
			close(done)
		}()

		deadline := time.Now().Add(2 * time.Second)
		for p.calls() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
		<-done

		if p.calls() != 1 {
			t.Fatalf("Prune called %d times, want 1", p.calls())
		}
		age := time.Since(p.befores[0])
		if age < 24*time.Hour || age > 24*time.Hour+time.Minute {
			t.Errorf("cutoff age = %v, want about 24h", age)
		}
	})
}

type fakeStats struct{ s broadlink.RegistryStats }

func (f fakeStats) Stats() broadlink.RegistryStats { return f.s }

type fakeStatsWriter struct {
	mu     sync.Mutex
	bridge string
	counts map[string]int
}

func (w *fakeStatsWriter) WriteRegistryStats(bridgeID string, counts map[string]int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bridge = bridgeID
	w.counts = counts
}

func (w *fakeStatsWriter) snapshot() (string, map[string]int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bridge, w.counts
}

func TestStatsLoop(t *testing.T) {
	src := fakeStats{broadlink.RegistryStats{Discovered: 2, Manual: 1, Active: 2, Unknown: 1}}
	w := &fakeStatsWriter{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		statsLoop(ctx, src, w, "bl-1", 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, c := w.snapshot(); c != nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	bridge, counts := w.snapshot()
	if bridge != "bl-1" {
		t.Errorf("bridge = %q, want bl-1", bridge)
	}
	want := map[string]int{"discovered": 2, "manual": 1, "active": 2, "inactive": 0, "unknown": 1}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("counts[%s] = %d, want %d", k, counts[k], v)
		}
	}
}
