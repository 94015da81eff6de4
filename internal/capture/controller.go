package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/signalpipe/internal/bus"
	"github.com/basket/signalpipe/internal/parsing"
	"github.com/basket/signalpipe/internal/persistence"
	"github.com/basket/signalpipe/internal/registry"
)

// Status is the capture gate state returned by every control command.
type Status struct {
	Active bool   `json:"active"`
	Paused bool   `json:"paused"`
	State  string `json:"state"` // "stopped", "running" or "paused"
}

func (s Status) name() string {
	switch {
	case !s.Active:
		return "stopped"
	case s.Paused:
		return "paused"
	default:
		return "running"
	}
}

// Controller gates message intake for the whole pipeline. It sits between the
// channel listener and the parse queue: when not Running every inbound message
// is dropped before any storage or queuing happens.
type Controller struct {
	mu     sync.Mutex
	active bool
	paused bool

	registry *registry.Registry
	queue    *parsing.Queue
	store    *persistence.Store
	bus      *bus.Bus // may be nil in tests
	logger   *slog.Logger
}

func New(reg *registry.Registry, queue *parsing.Queue, store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		registry: reg,
		queue:    queue,
		store:    store,
		bus:      eventBus,
		logger:   logger,
	}
}

// Status returns the current gate state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// Start opens the gate. Starting an already running or paused capture is a
// no-op that clears any pause.
func (c *Controller) Start() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active && !c.paused {
		return c.snapshot()
	}
	c.active = true
	c.paused = false
	return c.transitioned("capture started")
}

// Stop closes the gate. Tasks already handed to the parse queue run to
// completion. Stopping a stopped capture is a no-op.
func (c *Controller) Stop() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return c.snapshot()
	}
	c.active = false
	c.paused = false
	return c.transitioned("capture stopped")
}

// Pause suspends dispatch without tearing the gate down. Valid only while
// running.
func (c *Controller) Pause() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return c.snapshot(), fmt.Errorf("%w: capture is not running", registry.ErrConflict)
	}
	if c.paused {
		return c.snapshot(), fmt.Errorf("%w: capture is already paused", registry.ErrConflict)
	}
	c.paused = true
	return c.transitioned("capture paused"), nil
}

// Resume reopens dispatch after a pause. Valid only while paused.
func (c *Controller) Resume() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active || !c.paused {
		return c.snapshot(), fmt.Errorf("%w: capture is not paused", registry.ErrConflict)
	}
	c.paused = false
	return c.transitioned("capture resumed"), nil
}

// ClearHistory wipes all signal rows. The gate state and strategies are
// untouched, so it is available in any state.
func (c *Controller) ClearHistory(ctx context.Context) (int64, error) {
	deleted, err := c.store.DeleteAllSignals(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear signal history: %w", err)
	}
	c.logger.Info("signal history cleared", "deleted", deleted)
	return deleted, nil
}

// OnMessage routes one inbound channel message. Unless the gate is Running
// the message is dropped outright. Otherwise it fans out to every running
// strategy bound to the channel whose binding predates the message; a full
// queue drops the message for that strategy only.
func (c *Controller) OnMessage(ctx context.Context, channelID string, messageID int64, text string, observedAt time.Time) {
	c.mu.Lock()
	running := c.active && !c.paused
	c.mu.Unlock()
	if !running {
		return
	}

	bindings, err := c.registry.ActiveBindings(ctx)
	if err != nil {
		c.logger.Error("resolve channel bindings failed", "channel_id", channelID, "error", err)
		return
	}

	for _, st := range bindings[channelID] {
		if st.ChannelLinkedAt != nil && observedAt.Before(*st.ChannelLinkedAt) {
			c.logger.Info("message predates channel binding, skipped",
				"strategy_id", st.ID, "channel_id", channelID, "message_id", messageID)
			continue
		}
		err := c.queue.Submit(ctx, parsing.Task{
			StrategyID: st.ID,
			ChannelID:  channelID,
			MessageID:  messageID,
			RawText:    text,
			ReceivedAt: observedAt,
		})
		if err != nil {
			if errors.Is(err, parsing.ErrQueueSaturated) {
				c.logger.Warn("message dropped, parse queue full",
					"strategy_id", st.ID, "channel_id", channelID, "message_id", messageID)
				continue
			}
			c.logger.Error("submit parse task failed",
				"strategy_id", st.ID, "channel_id", channelID, "message_id", messageID, "error", err)
		}
	}
}

func (c *Controller) snapshot() Status {
	s := Status{Active: c.active, Paused: c.paused}
	s.State = s.name()
	return s
}

// transitioned is called with the mutex held.
func (c *Controller) transitioned(msg string) Status {
	s := c.snapshot()
	c.logger.Info(msg, "state", s.State)
	if c.bus != nil {
		c.bus.Publish(bus.TopicCaptureStateChanged, bus.CaptureStateEvent{Active: s.Active, Paused: s.Paused})
	}
	return s
}
