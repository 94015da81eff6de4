package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Signal is a row in the signals table.
type Signal struct {
	ID          string       `json:"id"`
	StrategyID  int64        `json:"strategy_id"`
	ChannelID   string       `json:"channel_id"`
	MessageID   int64        `json:"message_id"`
	RawText     string       `json:"raw_text"`
	Status      SignalStatus `json:"status"`
	Payload     string       `json:"payload,omitempty"`
	Error       string       `json:"error,omitempty"`
	ReceivedAt  time.Time    `json:"received_at"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
}

const signalColumns = `id, strategy_id, channel_id, message_id, raw_text, status, COALESCE(payload, ''), COALESCE(error, ''), received_at, processed_at`

func scanSignal(scanFn func(dest ...any) error, sig *Signal) error {
	var processedAt sql.NullTime
	if err := scanFn(
		&sig.ID,
		&sig.StrategyID,
		&sig.ChannelID,
		&sig.MessageID,
		&sig.RawText,
		&sig.Status,
		&sig.Payload,
		&sig.Error,
		&sig.ReceivedAt,
		&processedAt,
	); err != nil {
		return err
	}
	if processedAt.Valid {
		t := processedAt.Time
		sig.ProcessedAt = &t
	} else {
		sig.ProcessedAt = nil
	}
	return nil
}

// InsertPendingSignal records a captured message as a pending signal.
// receivedAt is the message's own timestamp, stamped at capture time so a
// queue backlog never shifts it; a zero value falls back to now.
// A message already recorded for the same strategy is reported as a duplicate
// and left untouched, so redelivered messages never produce a second row.
func (s *Store) InsertPendingSignal(ctx context.Context, strategyID int64, channelID string, messageID int64, rawText string, receivedAt time.Time) (id string, duplicate bool, err error) {
	id = uuid.NewString()
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO signals (id, strategy_id, channel_id, message_id, raw_text, status, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(strategy_id, channel_id, message_id) DO NOTHING;
		`, id, strategyID, channelID, messageID, rawText, SignalStatusPending, receivedAt.UTC().Format(time.DateTime))
		if execErr != nil {
			return fmt.Errorf("insert signal: %w", execErr)
		}
		affected, affErr := res.RowsAffected()
		if affErr != nil {
			return fmt.Errorf("signal rows affected: %w", affErr)
		}
		if affected == 0 {
			duplicate = true
			// Return the existing row's id for the caller's bookkeeping.
			row := s.db.QueryRowContext(ctx, `
				SELECT id FROM signals
				WHERE strategy_id = ? AND channel_id = ? AND message_id = ?;
			`, strategyID, channelID, messageID)
			return row.Scan(&id)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return id, duplicate, nil
}

// MarkSignalParsed records a successful extraction. Only a pending signal can
// transition; a signal already in a terminal state is left unchanged.
func (s *Store) MarkSignalParsed(ctx context.Context, id string, payload string) (bool, error) {
	if !canTransitionSignal(SignalStatusPending, SignalStatusParsed) {
		return false, fmt.Errorf("illegal transition %s -> %s", SignalStatusPending, SignalStatusParsed)
	}
	return s.finishSignal(ctx, id, SignalStatusParsed, payload, "")
}

// MarkSignalFailed records a failed extraction with the error message.
func (s *Store) MarkSignalFailed(ctx context.Context, id string, errMsg string) (bool, error) {
	if !canTransitionSignal(SignalStatusPending, SignalStatusFailed) {
		return false, fmt.Errorf("illegal transition %s -> %s", SignalStatusPending, SignalStatusFailed)
	}
	return s.finishSignal(ctx, id, SignalStatusFailed, "", errMsg)
}

func (s *Store) finishSignal(ctx context.Context, id string, status SignalStatus, payload, errMsg string) (bool, error) {
	var updated bool
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE signals
			SET status = ?,
				payload = NULLIF(?, ''),
				error = NULLIF(?, ''),
				processed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, status, payload, errMsg, id, SignalStatusPending)
		if execErr != nil {
			return fmt.Errorf("finish signal: %w", execErr)
		}
		affected, affErr := res.RowsAffected()
		if affErr != nil {
			return fmt.Errorf("finish rows affected: %w", affErr)
		}
		updated = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

// GetSignal returns the signal with the given id, or nil if absent.
func (s *Store) GetSignal(ctx context.Context, id string) (*Signal, error) {
	var sig Signal
	row := s.db.QueryRowContext(ctx, `
		SELECT `+signalColumns+`
		FROM signals
		WHERE id = ?;
	`, id)
	if err := scanSignal(row.Scan, &sig); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("select signal: %w", err)
	}
	return &sig, nil
}

// SignalsForStrategy returns a strategy's signals, newest first. A zero
// newerThan means no lower bound; otherwise only signals processed at or
// after the cutoff are returned, so a poller feeding back the last
// processed_at it saw never misses a slow extraction. Statuses filters to
// the given states when non-empty.
func (s *Store) SignalsForStrategy(ctx context.Context, strategyID int64, limit int, newerThan time.Time, statuses ...SignalStatus) ([]Signal, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT ` + signalColumns + `
		FROM signals
		WHERE strategy_id = ?`
	args := []any{strategyID}
	if !newerThan.IsZero() {
		query += ` AND processed_at >= ?`
		args = append(args, newerThan.UTC().Format(time.DateTime))
	}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += `
		ORDER BY processed_at DESC, received_at DESC
		LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		var sig Signal
		if err := scanSignal(rows.Scan, &sig); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signal rows: %w", err)
	}
	return out, nil
}

// CountSignals returns per-status counts for a strategy.
func (s *Store) CountSignals(ctx context.Context, strategyID int64) (map[SignalStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1)
		FROM signals
		WHERE strategy_id = ?
		GROUP BY status;
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("count signals: %w", err)
	}
	defer rows.Close()

	out := make(map[SignalStatus]int)
	for rows.Next() {
		var status SignalStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan signal count: %w", err)
		}
		out[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signal count rows: %w", err)
	}
	return out, nil
}

// DeleteSignalsOlderThan removes processed signals whose processed_at precedes
// the cutoff. Pending signals are never swept.
func (s *Store) DeleteSignalsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			DELETE FROM signals
			WHERE processed_at IS NOT NULL AND processed_at < ?;
		`, cutoff.UTC())
		if execErr != nil {
			return fmt.Errorf("delete old signals: %w", execErr)
		}
		var affErr error
		deleted, affErr = res.RowsAffected()
		if affErr != nil {
			return fmt.Errorf("delete rows affected: %w", affErr)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// DeleteSignalsForStrategy removes every signal captured for one strategy.
func (s *Store) DeleteSignalsForStrategy(ctx context.Context, strategyID int64) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `DELETE FROM signals WHERE strategy_id = ?;`, strategyID)
		if execErr != nil {
			return fmt.Errorf("delete strategy signals: %w", execErr)
		}
		var affErr error
		deleted, affErr = res.RowsAffected()
		if affErr != nil {
			return fmt.Errorf("delete rows affected: %w", affErr)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// DeleteAllSignals clears the signal history entirely.
func (s *Store) DeleteAllSignals(ctx context.Context) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `DELETE FROM signals;`)
		if execErr != nil {
			return fmt.Errorf("delete all signals: %w", execErr)
		}
		var affErr error
		deleted, affErr = res.RowsAffected()
		if affErr != nil {
			return fmt.Errorf("delete rows affected: %w", affErr)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
