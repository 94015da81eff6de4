package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/signalpipe/internal/bus"
	"github.com/basket/signalpipe/internal/capture"
	"github.com/basket/signalpipe/internal/extract"
	"github.com/basket/signalpipe/internal/parsing"
	"github.com/basket/signalpipe/internal/persistence"
	"github.com/basket/signalpipe/internal/registry"
)

const testToken = "test-token-1234"

type nopExtractor struct{}

func (nopExtractor) Extract(ctx context.Context, rawText string) (*extract.Result, error) {
	return &extract.Result{JSON: `{"symbol":"EURUSD","action":"BUY"}`}, nil
}

type env struct {
	server   *httptest.Server
	store    *persistence.Store
	registry *registry.Registry
	capture  *capture.Controller
	bus      *bus.Bus
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "signalpipe.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(store, eventBus, 2, nil)
	queue := parsing.New(store, nopExtractor{}, parsing.Config{Workers: 1, Bus: eventBus}, slog.Default())
	ctrl := capture.New(reg, queue, store, eventBus, nil)

	srv := httptest.NewServer(New(Config{
		Store:             store,
		Registry:          reg,
		Capture:           ctrl,
		Queue:             queue,
		Bus:               eventBus,
		AuthToken:         testToken,
		ConfigFingerprint: "cfg-test",
	}).Handler())
	t.Cleanup(srv.Close)

	return &env{server: srv, store: store, registry: reg, capture: ctrl, bus: eventBus}
}

func (e *env) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func (e *env) createStrategy(t *testing.T, name, channel string, activate bool) persistence.Strategy {
	t.Helper()
	resp, raw := e.do(t, http.MethodPost, "/api/strategies", map[string]any{
		"name": name, "channel_id": channel, "activate": activate,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create strategy: status %d body %s", resp.StatusCode, raw)
	}
	var st persistence.Strategy
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("decode strategy: %v", err)
	}
	return st
}

func TestAuth_Required(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.server.URL + "/api/strategies")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, e.server.URL+"/api/strategies", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d, want 401", resp.StatusCode)
	}

	// Health stays open.
	resp, err = http.Get(e.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status %d, want 200", resp.StatusCode)
	}
}

func TestStrategies_Lifecycle(t *testing.T) {
	e := newTestEnv(t)

	st := e.createStrategy(t, "fx alerts", "-1001", false)
	if st.IsActive {
		t.Fatal("strategy should start inactive")
	}

	// Validation error surfaces as 400.
	resp, _ := e.do(t, http.MethodPost, "/api/strategies", map[string]any{"name": "", "channel_id": "-1002"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty name: status %d, want 400", resp.StatusCode)
	}

	resp, raw := e.do(t, http.MethodPost, fmt.Sprintf("/api/strategies/%d/activate", st.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate: status %d body %s", resp.StatusCode, raw)
	}

	resp, _ = e.do(t, http.MethodPost, fmt.Sprintf("/api/strategies/%d/pause", st.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause: status %d", resp.StatusCode)
	}
	// Double pause conflicts.
	resp, _ = e.do(t, http.MethodPost, fmt.Sprintf("/api/strategies/%d/pause", st.ID), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double pause: status %d, want 409", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodPost, fmt.Sprintf("/api/strategies/%d/resume", st.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume: status %d", resp.StatusCode)
	}

	resp, raw = e.do(t, http.MethodPost, fmt.Sprintf("/api/strategies/%d/rename", st.ID), map[string]any{"name": "gold alerts"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rename: status %d", resp.StatusCode)
	}
	var renamed persistence.Strategy
	if err := json.Unmarshal(raw, &renamed); err != nil || renamed.Name != "gold alerts" {
		t.Fatalf("rename body = %s err = %v", raw, err)
	}

	resp, _ = e.do(t, http.MethodDelete, fmt.Sprintf("/api/strategies/%d", st.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, fmt.Sprintf("/api/strategies/%d", st.ID), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted: status %d, want 404", resp.StatusCode)
	}
}

func TestStrategies_CapAndConflictCodes(t *testing.T) {
	e := newTestEnv(t) // cap of 2

	e.createStrategy(t, "a", "-1001", true)
	e.createStrategy(t, "b", "-1002", true)

	// Cap exceeded maps to 429.
	resp, _ := e.do(t, http.MethodPost, "/api/strategies", map[string]any{
		"name": "c", "channel_id": "-1003", "activate": true,
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over cap: status %d, want 429", resp.StatusCode)
	}

	// Channel held by a live strategy maps to 409.
	resp, _ = e.do(t, http.MethodPost, "/api/strategies", map[string]any{
		"name": "d", "channel_id": "-1001",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("channel conflict: status %d, want 409", resp.StatusCode)
	}
}

func TestSignals_QueryFilters(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	st := e.createStrategy(t, "a", "-1001", false)
	okID, _, err := e.store.InsertPendingSignal(ctx, st.ID, "-1001", 1, "BUY EURUSD", time.Time{})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := e.store.MarkSignalParsed(ctx, okID, `{"symbol":"EURUSD","action":"BUY"}`); err != nil {
		t.Fatalf("mark parsed: %v", err)
	}
	badID, _, err := e.store.InsertPendingSignal(ctx, st.ID, "-1001", 2, "noise", time.Time{})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := e.store.MarkSignalFailed(ctx, badID, "no signal found"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	resp, raw := e.do(t, http.MethodGet, fmt.Sprintf("/api/strategies/%d/signals", st.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signals: status %d body %s", resp.StatusCode, raw)
	}
	var body struct {
		Signals []persistence.Signal             `json:"signals"`
		Counts  map[persistence.SignalStatus]int `json:"counts"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Signals) != 2 {
		t.Fatalf("signals = %d, want 2", len(body.Signals))
	}
	if body.Counts[persistence.SignalStatusParsed] != 1 || body.Counts[persistence.SignalStatusFailed] != 1 {
		t.Fatalf("counts = %v", body.Counts)
	}

	resp, raw = e.do(t, http.MethodGet, fmt.Sprintf("/api/strategies/%d/signals?status=failed", st.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("filtered: status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Signals) != 1 || body.Signals[0].Status != persistence.SignalStatusFailed {
		t.Fatalf("filtered signals = %+v", body.Signals)
	}

	resp, _ = e.do(t, http.MethodGet, fmt.Sprintf("/api/strategies/%d/signals?status=bogus", st.ID), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus status filter: status %d, want 400", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodGet, "/api/strategies/999/signals", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown strategy: status %d, want 404", resp.StatusCode)
	}
}

func TestCapture_Commands(t *testing.T) {
	e := newTestEnv(t)

	resp, raw := e.do(t, http.MethodGet, "/api/capture", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state: status %d", resp.StatusCode)
	}
	var state capture.Status
	if err := json.Unmarshal(raw, &state); err != nil || state.State != "stopped" {
		t.Fatalf("initial state = %s err = %v", raw, err)
	}

	// Pause before start conflicts.
	resp, _ = e.do(t, http.MethodPost, "/api/capture/pause", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("pause stopped: status %d, want 409", resp.StatusCode)
	}

	for _, cmd := range []string{"start", "pause", "resume", "stop"} {
		resp, raw = e.do(t, http.MethodPost, "/api/capture/"+cmd, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d body %s", cmd, resp.StatusCode, raw)
		}
	}

	resp, raw = e.do(t, http.MethodPost, "/api/capture/clear", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear: status %d body %s", resp.StatusCode, raw)
	}

	resp, _ = e.do(t, http.MethodPost, "/api/capture/selfdestruct", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown command: status %d, want 404", resp.StatusCode)
	}
}

func TestStatus_Endpoint(t *testing.T) {
	e := newTestEnv(t)
	e.createStrategy(t, "a", "-1001", true)

	resp, raw := e.do(t, http.MethodGet, "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d body %s", resp.StatusCode, raw)
	}
	var body struct {
		Running     int `json:"running"`
		ActiveLimit int `json:"active_limit"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Running != 1 || body.ActiveLimit != 2 {
		t.Fatalf("status body = %s", raw)
	}
}

func TestWS_StreamsBusEvents(t *testing.T) {
	e := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + e.server.URL[len("http"):] + "/ws?topic=signal.&access_token=" + testToken
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the server a moment to register the subscription.
	deadline := time.Now().Add(2 * time.Second)
	for e.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	e.bus.Publish(bus.TopicSignalParsed, bus.SignalEvent{
		SignalID: "sig-1", StrategyID: 1, ChannelID: "-1001", MessageID: 7, Status: "parsed",
	})
	// Events outside the prefix are not delivered.
	e.bus.Publish(bus.TopicCaptureStateChanged, bus.CaptureStateEvent{Active: true})

	var frame struct {
		Topic   string          `json:"topic"`
		Payload bus.SignalEvent `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Topic != bus.TopicSignalParsed || frame.Payload.SignalID != "sig-1" {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestWS_RejectsUnauthorized(t *testing.T) {
	e := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wsURL := "ws" + e.server.URL[len("http"):] + "/ws"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("dial should fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v", resp)
	}
}
