package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Strategy is a row in the strategies table.
type Strategy struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	ChannelID       string     `json:"channel_id"`
	IsActive        bool       `json:"is_active"`
	IsPaused        bool       `json:"is_paused"`
	ChannelLinkedAt *time.Time `json:"channel_linked_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func scanStrategy(scanFn func(dest ...any) error, st *Strategy) error {
	var linkedAt sql.NullTime
	if err := scanFn(
		&st.ID,
		&st.Name,
		&st.ChannelID,
		&st.IsActive,
		&st.IsPaused,
		&linkedAt,
		&st.CreatedAt,
		&st.UpdatedAt,
	); err != nil {
		return err
	}
	if linkedAt.Valid {
		t := linkedAt.Time
		st.ChannelLinkedAt = &t
	} else {
		st.ChannelLinkedAt = nil
	}
	return nil
}

const strategyColumns = `id, name, channel_id, is_active, is_paused, channel_linked_at, created_at, updated_at`

// InsertStrategy creates a new inactive strategy row and returns it.
func (s *Store) InsertStrategy(ctx context.Context, name, channelID string) (*Strategy, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO strategies (name, channel_id, is_active, is_paused, created_at, updated_at)
			VALUES (?, ?, 0, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, name, channelID)
		if err != nil {
			return fmt.Errorf("insert strategy: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("strategy last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetStrategy(ctx, id)
}

// GetStrategy returns the strategy with the given id, or nil if absent.
func (s *Store) GetStrategy(ctx context.Context, id int64) (*Strategy, error) {
	var st Strategy
	row := s.db.QueryRowContext(ctx, `
		SELECT `+strategyColumns+`
		FROM strategies
		WHERE id = ?;
	`, id)
	if err := scanStrategy(row.Scan, &st); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select strategy: %w", err)
	}
	return &st, nil
}

// ListStrategies returns all strategies ordered by creation.
func (s *Store) ListStrategies(ctx context.Context) ([]Strategy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+strategyColumns+`
		FROM strategies
		ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		var st Strategy
		if err := scanStrategy(rows.Scan, &st); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("strategy rows: %w", err)
	}
	return out, nil
}

// CountRunningStrategies returns the number of strategies that are active and
// not paused. Paused strategies do not count toward the activation cap.
func (s *Store) CountRunningStrategies(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM strategies WHERE is_active = 1 AND is_paused = 0;
	`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active strategies: %w", err)
	}
	return count, nil
}

// SetStrategyStatus updates the active/paused flags. When a strategy becomes
// active for the first time, channel_linked_at is stamped so only messages
// newer than the link survive intake.
func (s *Store) SetStrategyStatus(ctx context.Context, id int64, active, paused bool) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE strategies
			SET is_active = ?,
				is_paused = ?,
				channel_linked_at = CASE
					WHEN ? AND channel_linked_at IS NULL THEN CURRENT_TIMESTAMP
					ELSE channel_linked_at
				END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, active, paused, active, id)
		if err != nil {
			return fmt.Errorf("update strategy status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("strategy status rows affected: %w", err)
		}
		if affected != 1 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// RenameStrategy updates a strategy's display name.
func (s *Store) RenameStrategy(ctx context.Context, id int64, name string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE strategies
			SET name = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, name, id)
		if err != nil {
			return fmt.Errorf("rename strategy: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rename rows affected: %w", err)
		}
		if affected != 1 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// RebindStrategyChannel points a strategy at a new source channel and resets
// the link timestamp so older messages in the new channel are ignored.
func (s *Store) RebindStrategyChannel(ctx context.Context, id int64, channelID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE strategies
			SET channel_id = ?,
				channel_linked_at = CASE WHEN is_active = 1 THEN CURRENT_TIMESTAMP ELSE NULL END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, channelID, id)
		if err != nil {
			return fmt.Errorf("rebind strategy channel: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rebind rows affected: %w", err)
		}
		if affected != 1 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// DeleteStrategy removes the strategy row. Signals captured for it are kept
// and remain queryable by strategy id.
func (s *Store) DeleteStrategy(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete strategy: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete rows affected: %w", err)
		}
		if affected != 1 {
			return sql.ErrNoRows
		}
		return nil
	})
}
