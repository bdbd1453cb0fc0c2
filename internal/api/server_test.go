package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-irbridge/internal/bridges/broadlink"
	"github.com/nerrad567/gray-logic-irbridge/internal/history"
	"github.com/nerrad567/gray-logic-irbridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-irbridge/internal/infrastructure/logging"
)

type stubHandle struct{ caps broadlink.Capability }

func (h stubHandle) Capabilities() broadlink.Capability   { return h.caps }
func (stubHandle) SendData(context.Context, []byte) error { return nil }
func (stubHandle) EnterLearning(context.Context) error    { return nil }

type mockCommander struct {
	mu     sync.Mutex
	sends  []broadlink.SendRequest
	learns []broadlink.LearnRequest
	result broadlink.Result
	err    error
}

func (m *mockCommander) Send(_ context.Context, req broadlink.SendRequest) (broadlink.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, req)
	return m.result, m.err
}

func (m *mockCommander) Learn(_ context.Context, req broadlink.LearnRequest) (broadlink.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.learns = append(m.learns, req)
	return m.result, m.err
}

type mockHistory struct {
	filter history.Filter
	result *history.ListResult
	err    error
}

func (m *mockHistory) List(_ context.Context, f history.Filter) (*history.ListResult, error) {
	m.filter = f
	return m.result, m.err
}

type mockHealth struct {
	status broadlink.HealthStatus
	reason string
}

func (m mockHealth) Status() (broadlink.HealthStatus, string) { return m.status, m.reason }

type mockConn struct{ connected bool }

func (m mockConn) IsConnected() bool { return m.connected }

type mockMetrics struct{ m broadlink.BridgeMetrics }

func (m mockMetrics) GetMetrics() broadlink.BridgeMetrics { return m.m }

type mockDB struct{}

func (mockDB) Stats() sql.DBStats { return sql.DBStats{OpenConnections: 1, Idle: 1} }

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "json"}, "test", io.Discard)
}

func testRegistry(t *testing.T) *broadlink.Registry {
	t.Helper()
	r := broadlink.NewRegistry(clock.NewMock())
	dev := broadlink.NewDevice("192.168.1.40", stubHandle{caps: broadlink.CapSendData | broadlink.CapLearning})
	dev.MAC = "aa:bb:cc:dd:ee:ff"
	dev.Model = "RM4 mini"
	if !r.Register(dev) {
		t.Fatal("Register() = false")
	}
	r.CreateManual("192.168.1.99")
	return r
}

func newTestServer(t *testing.T, deps Deps) (*Server, http.Handler) {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = testLogger()
	}
	if deps.Registry == nil {
		deps.Registry = testRegistry(t)
	}
	s, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, s.buildRouter()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding body %q: %v", rec.Body.String(), err)
	}
}

func TestNew_RequiresLoggerAndRegistry(t *testing.T) {
	if _, err := New(Deps{Registry: broadlink.NewRegistry(nil)}); err == nil {
		t.Error("New() without logger: want error")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without registry: want error")
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		health     HealthSource
		mqtt       ConnectionChecker
		wantStatus string
	}{
		{"no sources", nil, nil, "ok"},
		{"healthy", mockHealth{status: broadlink.HealthHealthy}, mockConn{true}, "ok"},
		{"bridge degraded", mockHealth{status: broadlink.HealthDegraded, reason: "no devices"}, mockConn{true}, "degraded"},
		{"mqtt down", mockHealth{status: broadlink.HealthHealthy}, mockConn{false}, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newTestServer(t, Deps{Health: tt.health, MQTT: tt.mqtt, Version: "1.2.3"})
			rec := do(t, h, http.MethodGet, "/api/v1/health", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			var resp HealthResponse
			decode(t, rec, &resp)
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if resp.Version != "1.2.3" {
				t.Errorf("Version = %q, want 1.2.3", resp.Version)
			}
		})
	}
}

func TestRequestIDHeader(t *testing.T) {
	_, h := newTestServer(t, Deps{})

	rec := do(t, h, http.MethodGet, "/api/v1/health", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc" {
		t.Errorf("X-Request-ID = %q, want abc", got)
	}
}

func TestCORS(t *testing.T) {
	_, h := newTestServer(t, Deps{Config: config.APIConfig{
		CORS: config.CORSConfig{AllowedOrigins: []string{"http://panel.local"}},
	}})

	tests := []struct {
		origin string
		want   string
	}{
		{"http://panel.local", "http://panel.local"},
		{"http://evil.example", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices/send", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("preflight %s: status = %d, want 204", tt.origin, rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %s: Allow-Origin = %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func TestListDevices(t *testing.T) {
	_, h := newTestServer(t, Deps{})

	rec := do(t, h, http.MethodGet, "/api/v1/devices/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp DeviceListResponse
	decode(t, rec, &resp)

	if len(resp.Devices) != 1 || resp.Devices[0].Address != "192.168.1.40" {
		t.Errorf("Devices = %+v, want one at 192.168.1.40", resp.Devices)
	}
	if len(resp.Manual) != 1 || !resp.Manual[0].Manual {
		t.Errorf("Manual = %+v, want one manual record", resp.Manual)
	}
	if resp.Stats.Discovered != 1 || resp.Stats.Manual != 1 {
		t.Errorf("Stats = %+v", resp.Stats)
	}
}

func TestGetDevice(t *testing.T) {
	_, h := newTestServer(t, Deps{})

	tests := []struct {
		key      string
		wantCode int
		wantAddr string
	}{
		{"192.168.1.40", http.StatusOK, "192.168.1.40"},
		{"AA:BB:CC:DD:EE:FF", http.StatusOK, "192.168.1.40"},
		{"192.168.1.99", http.StatusOK, "192.168.1.99"},
		{"10.0.0.1", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, "/api/v1/devices/"+tt.key, "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantAddr == "" {
				return
			}
			var info broadlink.DeviceInfo
			decode(t, rec, &info)
			if info.Address != tt.wantAddr {
				t.Errorf("Address = %q, want %q", info.Address, tt.wantAddr)
			}
		})
	}
}

func TestSend_OutcomeStatus(t *testing.T) {
	tests := []struct {
		outcome broadlink.Outcome
		want    int
	}{
		{broadlink.OutcomeSent, http.StatusOK},
		{broadlink.OutcomeNoDevice, http.StatusNotFound},
		{broadlink.OutcomeUnsupported, http.StatusConflict},
		{broadlink.OutcomeInvalidCode, http.StatusUnprocessableEntity},
		{broadlink.OutcomeConversionFailed, http.StatusUnprocessableEntity},
		{broadlink.OutcomeSendFailed, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			cmd := &mockCommander{result: broadlink.Result{Outcome: tt.outcome}}
			_, h := newTestServer(t, Deps{Commands: cmd})

			rec := do(t, h, http.MethodPost, "/api/v1/devices/send",
				`{"host":"192.168.1.40","code":"2600","name":"tv power","with_delay":true}`)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			var res broadlink.Result
			decode(t, rec, &res)
			if res.Outcome != tt.outcome {
				t.Errorf("Outcome = %q, want %q", res.Outcome, tt.outcome)
			}
		})
	}
}

func TestSend_ForwardsRequest(t *testing.T) {
	cmd := &mockCommander{result: broadlink.Result{Outcome: broadlink.OutcomeSent}}
	_, h := newTestServer(t, Deps{Commands: cmd})

	do(t, h, http.MethodPost, "/api/v1/devices/send",
		`{"host":"aa:bb:cc:dd:ee:ff","code":"0000 006d","name":"amp","with_delay":true}`)

	if len(cmd.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(cmd.sends))
	}
	want := broadlink.SendRequest{Host: "aa:bb:cc:dd:ee:ff", Code: "0000 006d", Name: "amp", WithDelay: true}
	if cmd.sends[0] != want {
		t.Errorf("request = %+v, want %+v", cmd.sends[0], want)
	}
}

func TestSend_Errors(t *testing.T) {
	tests := []struct {
		name string
		cmd  Commander
		body string
		want int
	}{
		{"no dispatcher", nil, `{"code":"26"}`, http.StatusServiceUnavailable},
		{"bad json", &mockCommander{}, `{`, http.StatusBadRequest},
		{"missing code", &mockCommander{}, `{"host":"x"}`, http.StatusBadRequest},
		{"invalid payload", &mockCommander{err: broadlink.ErrInvalidPayload}, `{"code":"zz"}`, http.StatusBadRequest},
		{"deadline", &mockCommander{err: context.DeadlineExceeded}, `{"code":"26"}`, http.StatusGatewayTimeout},
		{"cancelled", &mockCommander{err: context.Canceled}, `{"code":"26"}`, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newTestServer(t, Deps{Commands: tt.cmd})
			rec := do(t, h, http.MethodPost, "/api/v1/devices/send", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestSend_CancelledCooldownStillReportsSent(t *testing.T) {
	cmd := &mockCommander{
		result: broadlink.Result{Outcome: broadlink.OutcomeSent, Address: "192.168.1.40"},
		err:    context.Canceled,
	}
	_, h := newTestServer(t, Deps{Commands: cmd})

	rec := do(t, h, http.MethodPost, "/api/v1/devices/send", `{"code":"26","with_delay":true}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestLearn(t *testing.T) {
	cmd := &mockCommander{result: broadlink.Result{Outcome: broadlink.OutcomeLearning}}
	_, h := newTestServer(t, Deps{Commands: cmd})

	rec := do(t, h, http.MethodPost, "/api/v1/devices/learn", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("empty body: status = %d, want 200", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/devices/learn", `{"host":"192.168.1.40","name":"fan"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(cmd.learns) != 2 || cmd.learns[1].Host != "192.168.1.40" || cmd.learns[1].Name != "fan" {
		t.Errorf("learns = %+v", cmd.learns)
	}
}

func TestListEvents(t *testing.T) {
	hist := &mockHistory{result: &history.ListResult{
		Events: []history.Record{{ID: "evt-1", Kind: "dispatched", Address: "192.168.1.40"}},
		Total:  1,
		Limit:  10,
	}}
	_, h := newTestServer(t, Deps{History: hist})

	rec := do(t, h, http.MethodGet,
		"/api/v1/events?address=192.168.1.40&kind=dispatched&since=2026-03-01T10:00:00Z&limit=10&offset=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res history.ListResult
	decode(t, rec, &res)
	if res.Total != 1 || len(res.Events) != 1 {
		t.Errorf("result = %+v", res)
	}

	want := history.Filter{
		Address: "192.168.1.40",
		Kind:    "dispatched",
		Since:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Limit:   10,
		Offset:  5,
	}
	if !hist.filter.Since.Equal(want.Since) {
		t.Errorf("Since = %v, want %v", hist.filter.Since, want.Since)
	}
	hist.filter.Since = want.Since
	if hist.filter != want {
		t.Errorf("filter = %+v, want %+v", hist.filter, want)
	}
}

func TestListEvents_Errors(t *testing.T) {
	tests := []struct {
		name  string
		hist  EventLister
		query string
		want  int
	}{
		{"no history", nil, "", http.StatusServiceUnavailable},
		{"bad since", &mockHistory{}, "?since=yesterday", http.StatusBadRequest},
		{"bad limit", &mockHistory{}, "?limit=ten", http.StatusBadRequest},
		{"bad offset", &mockHistory{}, "?offset=x", http.StatusBadRequest},
		{"invalid filter", &mockHistory{err: history.ErrInvalidFilter}, "?limit=-1", http.StatusBadRequest},
		{"storage error", &mockHistory{err: io.ErrUnexpectedEOF}, "", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newTestServer(t, Deps{History: tt.hist})
			rec := do(t, h, http.MethodGet, "/api/v1/events"+tt.query, "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	_, h := newTestServer(t, Deps{
		MQTT: mockConn{true},
		DB:   mockDB{},
		Metrics: mockMetrics{broadlink.BridgeMetrics{
			Connected: true,
			Status:    broadlink.HealthHealthy,
			Dispatch:  map[broadlink.Outcome]uint64{broadlink.OutcomeSent: 3},
		}},
	})

	rec := do(t, h, http.MethodGet, "/api/v1/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var m SystemMetrics
	decode(t, rec, &m)

	if !m.MQTT.Connected {
		t.Error("MQTT.Connected = false")
	}
	if m.Bridge == nil || m.Bridge.Dispatch[broadlink.OutcomeSent] != 3 {
		t.Errorf("Bridge = %+v", m.Bridge)
	}
	if m.Devices.Discovered != 1 {
		t.Errorf("Devices.Discovered = %d, want 1", m.Devices.Discovered)
	}
	if m.Database == nil || m.Database.OpenConnections != 1 {
		t.Errorf("Database = %+v", m.Database)
	}
}

func TestWebSocket_SubscribeAndBroadcast(t *testing.T) {
	s, h := newTestServer(t, Deps{})
	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	defer conn.Close()

	sub := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{broadlink.ChannelDispatch}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("reading ack: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("ack = %+v", ack)
	}

	s.Hub().Broadcast(broadlink.ChannelLiveness, map[string]string{"skip": "me"})
	s.Hub().Broadcast(broadlink.ChannelDispatch, map[string]string{"outcome": "sent"})

	var ev WSMessage
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if ev.Type != WSTypeEvent || ev.EventType != broadlink.ChannelDispatch {
		t.Errorf("event = %+v, want %s", ev, broadlink.ChannelDispatch)
	}
}

func TestWebSocket_UnknownChannel(t *testing.T) {
	_, h := newTestServer(t, Deps{})
	rec := do(t, h, http.MethodGet, "/api/v1/ws?channels=nope", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestBodySizeLimit(t *testing.T) {
	cmd := &mockCommander{result: broadlink.Result{Outcome: broadlink.OutcomeSent}}
	_, h := newTestServer(t, Deps{Commands: cmd})

	big := `{"code":"` + string(bytes.Repeat([]byte("26"), maxRequestBodySize)) + `"}`
	rec := do(t, h, http.MethodPost, "/api/v1/devices/send", big)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(cmd.sends) != 0 {
		t.Error("oversized request reached the dispatcher")
	}
}
