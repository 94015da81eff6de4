package parsing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/signalpipe/internal/bus"
	"github.com/basket/signalpipe/internal/extract"
	"github.com/basket/signalpipe/internal/otel"
	"github.com/basket/signalpipe/internal/persistence"
	"go.opentelemetry.io/otel/trace"
)

// ErrQueueSaturated is returned when Submit cannot hand the task to the queue
// within the submit timeout.
var ErrQueueSaturated = fmt.Errorf("parse queue saturated: backpressure applied")

// Task is one captured message waiting for extraction. ReceivedAt is the
// message's timestamp at capture, carried through so queue wait never shows
// up in the stored received_at.
type Task struct {
	StrategyID int64
	ChannelID  string
	MessageID  int64
	RawText    string
	ReceivedAt time.Time
}

type Config struct {
	Workers        int
	Capacity       int
	SubmitTimeout  time.Duration
	ExtractTimeout time.Duration
	Bus            *bus.Bus      // may be nil in tests
	Metrics        *otel.Metrics // may be nil in tests
	Tracer         trace.Tracer  // may be nil in tests
}

// Status is a snapshot of the queue for the status endpoint.
type Status struct {
	Workers     int    `json:"workers"`
	Depth       int    `json:"depth"`
	Capacity    int    `json:"capacity"`
	ActiveTasks int32  `json:"active_tasks"`
	LastError   string `json:"last_error,omitempty"`
}

// Queue is the bounded parse queue with its worker pool. Producers hand
// captured messages to Submit; workers record them, call the extractor and
// persist the outcome. A failed extraction is recorded on the signal row and
// never stops the pool.
type Queue struct {
	store     *persistence.Store
	extractor extract.Extractor
	cfg       Config
	logger    *slog.Logger

	tasks chan Task
	once  sync.Once
	wg    sync.WaitGroup

	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]
}

func New(store *persistence.Store, extractor extract.Extractor, cfg Config, logger *slog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 2 * time.Second
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:     store,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
		tasks:     make(chan Task, cfg.Capacity),
	}
}

// Start launches the worker pool. Subsequent calls are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.once.Do(func() {
		for i := 0; i < q.cfg.Workers; i++ {
			q.wg.Add(1)
			go func() {
				defer q.wg.Done()
				q.worker(ctx)
			}()
		}
	})
}

// Submit enqueues a parse task. When the queue is full it blocks up to the
// submit timeout, then rejects with ErrQueueSaturated so intake slows down
// instead of growing without bound.
func (q *Queue) Submit(ctx context.Context, task Task) error {
	select {
	case q.tasks <- task:
		q.addQueueDepth(ctx, 1)
		return nil
	default:
	}

	timer := time.NewTimer(q.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case q.tasks <- task:
		q.addQueueDepth(ctx, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.SubmitRejects.Add(ctx, 1)
		}
		q.logger.Warn("parse queue saturated", "strategy_id", task.StrategyID, "message_id", task.MessageID, "depth", len(q.tasks))
		return ErrQueueSaturated
	}
}

// Depth returns the number of buffered tasks.
func (q *Queue) Depth() int {
	return len(q.tasks)
}

// Status returns a snapshot for the status endpoint.
func (q *Queue) Status() Status {
	s := Status{
		Workers:     q.cfg.Workers,
		Depth:       len(q.tasks),
		Capacity:    q.cfg.Capacity,
		ActiveTasks: q.activeTasks.Load(),
	}
	if msg := q.lastError.Load(); msg != nil {
		s.LastError = *msg
	}
	return s
}

// Drain waits for in-flight work to finish within the given timeout.
// The caller cancels the Start context first; buffered tasks that never ran
// stay unrecorded and will be re-captured on redelivery.
func (q *Queue) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("parse queue drained cleanly")
	case <-time.After(timeout):
		q.logger.Warn("parse queue drain timeout", "timeout", timeout, "remaining", len(q.tasks))
	}
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			q.addQueueDepth(ctx, -1)
			q.process(ctx, task)
		}
	}
}

func (q *Queue) process(ctx context.Context, task Task) {
	q.activeTasks.Add(1)
	defer q.activeTasks.Add(-1)

	// Store writes use a background context so terminal states survive shutdown.
	id, duplicate, err := q.store.InsertPendingSignal(context.Background(), task.StrategyID, task.ChannelID, task.MessageID, task.RawText, task.ReceivedAt)
	if err != nil {
		q.setLastError(fmt.Errorf("record signal: %w", err))
		q.logger.Error("signal intake failed", "strategy_id", task.StrategyID, "message_id", task.MessageID, "error", err)
		return
	}
	if duplicate {
		q.logger.Info("signal already recorded, skipping", "signal_id", id, "strategy_id", task.StrategyID, "message_id", task.MessageID)
		return
	}

	extractCtx, cancel := context.WithTimeout(ctx, q.cfg.ExtractTimeout)
	defer cancel()

	if q.cfg.Tracer != nil {
		var span trace.Span
		extractCtx, span = otel.StartClientSpan(extractCtx, q.cfg.Tracer, "parsing.extract",
			otel.AttrStrategyID.Int64(task.StrategyID),
			otel.AttrSignalID.String(id),
			otel.AttrChannelID.String(task.ChannelID),
		)
		defer span.End()
	}

	start := time.Now()
	result, err := q.extractor.Extract(extractCtx, task.RawText)
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.ExtractDuration.Record(ctx, time.Since(start).Seconds())
	}

	if err != nil {
		// Shutdown mid-extraction: leave the signal pending rather than
		// recording a spurious failure.
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		q.markFailed(task, id, err)
		return
	}

	updated, err := q.store.MarkSignalParsed(context.Background(), id, result.JSON)
	if err != nil {
		q.setLastError(fmt.Errorf("mark parsed: %w", err))
		q.logger.Error("persist parsed signal failed", "signal_id", id, "error", err)
		return
	}
	if !updated {
		q.logger.Info("signal already terminal, parse result dropped", "signal_id", id)
		return
	}

	if q.cfg.Metrics != nil {
		q.cfg.Metrics.SignalsParsed.Add(ctx, 1)
	}
	q.publish(bus.TopicSignalParsed, task, id, "parsed", "")
	q.logger.Info("signal parsed", "signal_id", id, "strategy_id", task.StrategyID, "duration_ms", time.Since(start).Milliseconds())
}

func (q *Queue) markFailed(task Task, id string, cause error) {
	var exErr *extract.ExtractionError
	msg := cause.Error()
	timeout := errors.As(cause, &exErr) && exErr.Timeout

	updated, err := q.store.MarkSignalFailed(context.Background(), id, msg)
	if err != nil {
		q.setLastError(fmt.Errorf("mark failed: %w", err))
		q.logger.Error("persist failed signal failed", "signal_id", id, "error", err)
		return
	}
	if !updated {
		return
	}

	if q.cfg.Metrics != nil {
		q.cfg.Metrics.SignalsFailed.Add(context.Background(), 1)
	}
	q.publish(bus.TopicSignalFailed, task, id, "failed", msg)
	q.logger.Warn("signal extraction failed", "signal_id", id, "strategy_id", task.StrategyID, "timeout", timeout, "error", msg)
}

func (q *Queue) publish(topic string, task Task, id, status, errMsg string) {
	if q.cfg.Bus == nil {
		return
	}
	q.cfg.Bus.Publish(topic, bus.SignalEvent{
		SignalID:   id,
		StrategyID: task.StrategyID,
		ChannelID:  task.ChannelID,
		MessageID:  task.MessageID,
		Status:     status,
		Error:      errMsg,
	})
}

func (q *Queue) addQueueDepth(ctx context.Context, delta int64) {
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.QueueDepth.Add(ctx, delta)
	}
}

func (q *Queue) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	q.lastError.Store(&msg)
}
