package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/signalpipe/internal/bus"
	"github.com/basket/signalpipe/internal/persistence"
)

const maxNameLength = 120

// Registry manages strategy lifecycle on top of the store. All mutations go
// through a single mutex so cap and channel checks stay race-free on the
// single-writer sqlite store.
type Registry struct {
	mu          sync.Mutex
	store       *persistence.Store
	bus         *bus.Bus // may be nil in tests
	activeLimit int
	logger      *slog.Logger
}

func New(store *persistence.Store, eventBus *bus.Bus, activeLimit int, logger *slog.Logger) *Registry {
	if activeLimit <= 0 {
		activeLimit = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:       store,
		bus:         eventBus,
		activeLimit: activeLimit,
		logger:      logger,
	}
}

// ActiveLimit returns the configured activation cap.
func (r *Registry) ActiveLimit() int {
	return r.activeLimit
}

// Create registers a new strategy. The channel must not be held by another
// live strategy even when creating inactive. With activate set, the cap check
// runs in the same critical section as the insert.
func (r *Registry) Create(ctx context.Context, name, channelID string, activate bool) (*persistence.Strategy, error) {
	name = strings.TrimSpace(name)
	channelID = strings.TrimSpace(channelID)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(name) > maxNameLength {
		return nil, fmt.Errorf("%w: name exceeds %d characters", ErrValidation, maxNameLength)
	}
	if channelID == "" {
		return nil, fmt.Errorf("%w: channel_id is required", ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkChannelFree(ctx, channelID, 0); err != nil {
		return nil, err
	}
	if activate {
		if err := r.checkCapacity(ctx); err != nil {
			return nil, err
		}
	}

	st, err := r.store.InsertStrategy(ctx, name, channelID)
	if err != nil {
		return nil, err
	}
	if activate {
		if err := r.store.SetStrategyStatus(ctx, st.ID, true, false); err != nil {
			return nil, mapStoreErr(err)
		}
		st, err = r.store.GetStrategy(ctx, st.ID)
		if err != nil {
			return nil, err
		}
	}
	status := "inactive"
	if activate {
		status = "active"
	}
	r.publish(st.ID, status)
	r.logger.Info("strategy created", "strategy_id", st.ID, "name", name, "channel_id", channelID, "active", activate)
	return st, nil
}

// Get returns one strategy.
func (r *Registry) Get(ctx context.Context, id int64) (*persistence.Strategy, error) {
	st, err := r.store.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNotFound
	}
	return st, nil
}

// List returns all strategies.
func (r *Registry) List(ctx context.Context) ([]persistence.Strategy, error) {
	return r.store.ListStrategies(ctx)
}

// Activate turns a strategy on. Activating an already running strategy is a
// no-op. The activation cap and channel exclusivity are both enforced here.
func (r *Registry) Activate(ctx context.Context, id int64) (*persistence.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.requireStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.IsActive && !st.IsPaused {
		return st, nil
	}
	if st.IsPaused {
		return nil, fmt.Errorf("%w: strategy %d is paused, resume it instead", ErrConflict, id)
	}

	if err := r.checkCapacity(ctx); err != nil {
		return nil, err
	}
	if err := r.checkChannelFree(ctx, st.ChannelID, id); err != nil {
		return nil, err
	}

	if err := r.store.SetStrategyStatus(ctx, id, true, false); err != nil {
		return nil, mapStoreErr(err)
	}
	r.publish(id, "active")
	r.logger.Info("strategy activated", "strategy_id", id, "channel_id", st.ChannelID)
	return r.store.GetStrategy(ctx, id)
}

// Pause suspends intake for an active strategy without releasing its channel.
func (r *Registry) Pause(ctx context.Context, id int64) (*persistence.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.requireStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.IsActive {
		return nil, fmt.Errorf("%w: strategy %d is not active", ErrConflict, id)
	}
	if st.IsPaused {
		return nil, fmt.Errorf("%w: strategy %d is already paused", ErrConflict, id)
	}

	if err := r.store.SetStrategyStatus(ctx, id, true, true); err != nil {
		return nil, mapStoreErr(err)
	}
	r.publish(id, "paused")
	r.logger.Info("strategy paused", "strategy_id", id)
	return r.store.GetStrategy(ctx, id)
}

// Resume reactivates a paused strategy. The activation cap is re-checked:
// other strategies may have taken the freed slot while this one was paused.
func (r *Registry) Resume(ctx context.Context, id int64) (*persistence.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.requireStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.IsActive || !st.IsPaused {
		return nil, fmt.Errorf("%w: strategy %d is not paused", ErrConflict, id)
	}

	if err := r.checkCapacity(ctx); err != nil {
		return nil, err
	}

	if err := r.store.SetStrategyStatus(ctx, id, true, false); err != nil {
		return nil, mapStoreErr(err)
	}
	r.publish(id, "active")
	r.logger.Info("strategy resumed", "strategy_id", id)
	return r.store.GetStrategy(ctx, id)
}

// Deactivate turns a strategy off. Deactivating an inactive strategy is a no-op.
func (r *Registry) Deactivate(ctx context.Context, id int64) (*persistence.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.requireStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.IsActive {
		return st, nil
	}

	if err := r.store.SetStrategyStatus(ctx, id, false, false); err != nil {
		return nil, mapStoreErr(err)
	}
	r.publish(id, "inactive")
	r.logger.Info("strategy deactivated", "strategy_id", id)
	return r.store.GetStrategy(ctx, id)
}

// Rename changes a strategy's display name.
func (r *Registry) Rename(ctx context.Context, id int64, name string) (*persistence.Strategy, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(name) > maxNameLength {
		return nil, fmt.Errorf("%w: name exceeds %d characters", ErrValidation, maxNameLength)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.requireStrategy(ctx, id); err != nil {
		return nil, err
	}
	if err := r.store.RenameStrategy(ctx, id, name); err != nil {
		return nil, mapStoreErr(err)
	}
	r.logger.Info("strategy renamed", "strategy_id", id, "name", name)
	return r.store.GetStrategy(ctx, id)
}

// Rebind points a strategy at a different source channel. The link timestamp
// resets so messages predating the rebind are not captured.
func (r *Registry) Rebind(ctx context.Context, id int64, channelID string) (*persistence.Strategy, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, fmt.Errorf("%w: channel_id is required", ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.requireStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.IsActive {
		if err := r.checkChannelFree(ctx, channelID, id); err != nil {
			return nil, err
		}
	}
	if err := r.store.RebindStrategyChannel(ctx, id, channelID); err != nil {
		return nil, mapStoreErr(err)
	}
	r.logger.Info("strategy rebound", "strategy_id", id, "channel_id", channelID)
	return r.store.GetStrategy(ctx, id)
}

// Delete removes a strategy. Its captured signals are kept.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.requireStrategy(ctx, id); err != nil {
		return err
	}
	if err := r.store.DeleteStrategy(ctx, id); err != nil {
		return mapStoreErr(err)
	}
	r.publish(id, "deleted")
	r.logger.Info("strategy deleted", "strategy_id", id)
	return nil
}

// ActiveBindings returns strategies currently capturing, keyed by channel id.
// Paused strategies are excluded.
func (r *Registry) ActiveBindings(ctx context.Context) (map[string][]persistence.Strategy, error) {
	all, err := r.store.ListStrategies(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]persistence.Strategy)
	for _, st := range all {
		if st.IsActive && !st.IsPaused {
			out[st.ChannelID] = append(out[st.ChannelID], st)
		}
	}
	return out, nil
}

func (r *Registry) requireStrategy(ctx context.Context, id int64) (*persistence.Strategy, error) {
	st, err := r.store.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: strategy %d", ErrNotFound, id)
	}
	return st, nil
}

func (r *Registry) checkCapacity(ctx context.Context) error {
	count, err := r.store.CountRunningStrategies(ctx)
	if err != nil {
		return err
	}
	if count >= r.activeLimit {
		return fmt.Errorf("%w: %d of %d slots in use", ErrLimitExceeded, count, r.activeLimit)
	}
	return nil
}

func (r *Registry) checkChannelFree(ctx context.Context, channelID string, selfID int64) error {
	all, err := r.store.ListStrategies(ctx)
	if err != nil {
		return err
	}
	for _, st := range all {
		if st.ID == selfID {
			continue
		}
		if st.IsActive && st.ChannelID == channelID {
			return fmt.Errorf("%w: channel %s is already bound to strategy %d", ErrConflict, channelID, st.ID)
		}
	}
	return nil
}

func (r *Registry) publish(id int64, status string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.TopicStrategyUpdated, bus.StrategyEvent{StrategyID: id, Status: status})
}

func mapStoreErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
