package capture_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/signalpipe/internal/bus"
	"github.com/basket/signalpipe/internal/capture"
	"github.com/basket/signalpipe/internal/extract"
	"github.com/basket/signalpipe/internal/parsing"
	"github.com/basket/signalpipe/internal/persistence"
	"github.com/basket/signalpipe/internal/registry"
)

type countingExtractor struct {
	calls atomic.Int32
}

func (c *countingExtractor) Extract(ctx context.Context, rawText string) (*extract.Result, error) {
	c.calls.Add(1)
	return &extract.Result{JSON: `{"symbol":"EURUSD","action":"BUY"}`}, nil
}

type fixture struct {
	controller *capture.Controller
	registry   *registry.Registry
	store      *persistence.Store
	bus        *bus.Bus
	extractor  *countingExtractor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "signalpipe.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ex := &countingExtractor{}
	queue := parsing.New(store, ex, parsing.Config{Workers: 1, Bus: eventBus}, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	queue.Start(ctx)

	reg := registry.New(store, eventBus, 5, nil)
	return &fixture{
		controller: capture.New(reg, queue, store, eventBus, nil),
		registry:   reg,
		store:      store,
		bus:        eventBus,
		extractor:  ex,
	}
}

func (f *fixture) activeStrategy(t *testing.T, name, channel string) *persistence.Strategy {
	t.Helper()
	st, err := f.registry.Create(context.Background(), name, channel, true)
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	return st
}

func (f *fixture) waitParsed(t *testing.T, sub *bus.Subscription) bus.SignalEvent {
	t.Helper()
	select {
	case evt := <-sub.Ch():
		return evt.Payload.(bus.SignalEvent)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for parsed signal")
		return bus.SignalEvent{}
	}
}

func TestController_StateMachine(t *testing.T) {
	f := newFixture(t)
	c := f.controller

	if got := c.Status(); got.State != "stopped" {
		t.Fatalf("initial state = %q, want stopped", got.State)
	}

	// Pause and resume are invalid while stopped.
	if _, err := c.Pause(); !errors.Is(err, registry.ErrConflict) {
		t.Fatalf("pause stopped: err = %v, want ErrConflict", err)
	}
	if _, err := c.Resume(); !errors.Is(err, registry.ErrConflict) {
		t.Fatalf("resume stopped: err = %v, want ErrConflict", err)
	}

	if got := c.Start(); got.State != "running" {
		t.Fatalf("after start: %q", got.State)
	}
	if got := c.Start(); got.State != "running" {
		t.Fatalf("start is not idempotent: %q", got.State)
	}

	got, err := c.Pause()
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got.State != "paused" || !got.Active || !got.Paused {
		t.Fatalf("after pause: %+v", got)
	}
	if _, err := c.Pause(); !errors.Is(err, registry.ErrConflict) {
		t.Fatalf("double pause: err = %v, want ErrConflict", err)
	}

	got, err = c.Resume()
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got.State != "running" {
		t.Fatalf("after resume: %q", got.State)
	}
	if _, err := c.Resume(); !errors.Is(err, registry.ErrConflict) {
		t.Fatalf("resume running: err = %v, want ErrConflict", err)
	}

	// Stop is valid from paused too, and clears the pause flag.
	if _, err := c.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got := c.Stop(); got.State != "stopped" || got.Paused {
		t.Fatalf("after stop: %+v", got)
	}
	if got := c.Stop(); got.State != "stopped" {
		t.Fatalf("stop is not idempotent: %q", got.State)
	}
}

func TestController_StartFromPausedClearsPause(t *testing.T) {
	f := newFixture(t)
	c := f.controller

	c.Start()
	if _, err := c.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got := c.Start(); got.State != "running" || got.Paused {
		t.Fatalf("start from paused: %+v", got)
	}
}

func TestController_OnMessageGatedByState(t *testing.T) {
	f := newFixture(t)
	st := f.activeStrategy(t, "fx alerts", "chan-1")
	ctx := context.Background()

	sub := f.bus.Subscribe(bus.TopicSignalParsed)
	defer f.bus.Unsubscribe(sub)

	// Stopped: dropped before any storage.
	f.controller.OnMessage(ctx, "chan-1", 1, "BUY EURUSD", time.Now())

	// Paused: same.
	f.controller.Start()
	if _, err := f.controller.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	f.controller.OnMessage(ctx, "chan-1", 2, "BUY EURUSD", time.Now())

	// Resumed: exactly one new signal.
	if _, err := f.controller.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	f.controller.OnMessage(ctx, "chan-1", 3, "BUY EURUSD @ 1.0950", time.Now())

	evt := f.waitParsed(t, sub)
	if evt.MessageID != 3 {
		t.Fatalf("parsed message id = %d, want 3", evt.MessageID)
	}

	counts, err := f.store.CountSignals(ctx, st.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total != 1 {
		t.Fatalf("signal rows = %d, want 1 (dropped messages must not be stored)", total)
	}
}

func TestController_StampsCaptureTimeOnSignal(t *testing.T) {
	f := newFixture(t)
	f.activeStrategy(t, "fx alerts", "chan-1")
	f.controller.Start()
	ctx := context.Background()

	sub := f.bus.Subscribe(bus.TopicSignalParsed)
	defer f.bus.Unsubscribe(sub)

	// The stored received_at must be the message's capture time, not the
	// moment a worker got around to the task.
	observed := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	f.controller.OnMessage(ctx, "chan-1", 1, "BUY EURUSD", observed)

	evt := f.waitParsed(t, sub)
	sig, err := f.store.GetSignal(ctx, evt.SignalID)
	if err != nil {
		t.Fatalf("get signal: %v", err)
	}
	if sig == nil {
		t.Fatal("signal row missing")
	}
	if !sig.ReceivedAt.Equal(observed) {
		t.Fatalf("received_at = %v, want capture time %v", sig.ReceivedAt, observed)
	}
}

func TestController_DropsMessagesOlderThanBinding(t *testing.T) {
	f := newFixture(t)
	f.activeStrategy(t, "fx alerts", "chan-1")
	f.controller.Start()
	ctx := context.Background()

	sub := f.bus.Subscribe(bus.TopicSignalParsed)
	defer f.bus.Unsubscribe(sub)

	// Backlog message from before the channel was linked.
	f.controller.OnMessage(ctx, "chan-1", 1, "old backlog", time.Now().Add(-time.Hour))
	f.controller.OnMessage(ctx, "chan-1", 2, "fresh signal", time.Now().Add(time.Minute))

	evt := f.waitParsed(t, sub)
	if evt.MessageID != 2 {
		t.Fatalf("parsed message id = %d, want 2", evt.MessageID)
	}
	if got := f.extractor.calls.Load(); got != 1 {
		t.Fatalf("extractor calls = %d, want 1", got)
	}
}

func TestController_FansOutPerBoundStrategy(t *testing.T) {
	f := newFixture(t)
	a := f.activeStrategy(t, "a", "chan-1")
	f.activeStrategy(t, "b", "chan-2")
	f.controller.Start()
	ctx := context.Background()

	sub := f.bus.Subscribe(bus.TopicSignalParsed)
	defer f.bus.Unsubscribe(sub)

	f.controller.OnMessage(ctx, "chan-1", 1, "BUY EURUSD", time.Now().Add(time.Minute))

	evt := f.waitParsed(t, sub)
	if evt.StrategyID != a.ID {
		t.Fatalf("signal strategy = %d, want %d", evt.StrategyID, a.ID)
	}

	// The chan-2 strategy saw nothing.
	counts, err := f.store.CountSignals(ctx, a.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[persistence.SignalStatusParsed] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestController_UnboundChannelMatchesNothing(t *testing.T) {
	f := newFixture(t)
	f.activeStrategy(t, "a", "chan-1")
	f.controller.Start()

	f.controller.OnMessage(context.Background(), "chan-9", 1, "BUY EURUSD", time.Now().Add(time.Minute))

	time.Sleep(100 * time.Millisecond)
	if got := f.extractor.calls.Load(); got != 0 {
		t.Fatalf("extractor calls = %d, want 0", got)
	}
}

func TestController_ClearHistory(t *testing.T) {
	f := newFixture(t)
	st := f.activeStrategy(t, "a", "chan-1")
	ctx := context.Background()

	if _, _, err := f.store.InsertPendingSignal(ctx, st.ID, "chan-1", 1, "BUY", time.Time{}); err != nil {
		t.Fatalf("insert signal: %v", err)
	}

	deleted, err := f.controller.ClearHistory(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	// Gate state and strategies are untouched.
	if got := f.controller.Status().State; got != "stopped" {
		t.Fatalf("state after clear = %q", got)
	}
	if _, err := f.registry.Get(ctx, st.ID); err != nil {
		t.Fatalf("strategy gone after clear: %v", err)
	}
}

func TestController_PublishesStateEvents(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(bus.TopicCaptureStateChanged)
	defer f.bus.Unsubscribe(sub)

	f.controller.Start()
	if _, err := f.controller.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	f.controller.Stop()

	want := []bus.CaptureStateEvent{
		{Active: true, Paused: false},
		{Active: true, Paused: true},
		{Active: false, Paused: false},
	}
	for i, w := range want {
		select {
		case evt := <-sub.Ch():
			got := evt.Payload.(bus.CaptureStateEvent)
			if got != w {
				t.Fatalf("event %d = %+v, want %+v", i, got, w)
			}
		default:
			t.Fatalf("missing state event %d", i)
		}
	}
}
