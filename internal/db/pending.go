package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// EnqueuePendingOutcome schedules an anomaly for forward-return
// sampling and returns the schedule row's id. The entry survives
// restarts; the tracker picks it up whenever fire_at passes.
func (s *Store) EnqueuePendingOutcome(ctx context.Context, p *PendingOutcome) (int64, error) {
	query := `
		INSERT INTO pending_outcomes (
			anomaly_id, user_id, symbol, pattern_type, entry_price,
			agent_decision, agent_confidence, regime, horizon, time_of_day,
			day_of_week, detected_at, interval_index, fire_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		p.AnomalyID,
		p.UserID,
		p.Symbol,
		p.PatternType,
		p.EntryPrice,
		p.AgentDecision,
		p.AgentConfidence,
		p.Regime,
		p.Horizon,
		p.TimeOfDay,
		p.DayOfWeek,
		p.DetectedAt,
		p.IntervalIndex,
		p.FireAt,
	).Scan(&id)
	if err != nil {
		log.Error().Err(err).Str("anomaly_id", p.AnomalyID).Msg("Failed to enqueue pending outcome")
		return 0, fmt.Errorf("failed to enqueue pending outcome: %w", err)
	}

	log.Debug().
		Int64("pending_id", id).
		Str("anomaly_id", p.AnomalyID).
		Time("fire_at", p.FireAt).
		Msg("Pending outcome enqueued")

	return id, nil
}

// DuePendingOutcomes returns schedule entries whose fire_at has passed,
// oldest first.
func (s *Store) DuePendingOutcomes(ctx context.Context, now time.Time, limit int) ([]*PendingOutcome, error) {
	query := `
		SELECT
			id, anomaly_id, user_id, symbol, pattern_type, entry_price,
			agent_decision, agent_confidence, regime, horizon, time_of_day,
			day_of_week, detected_at, interval_index, fire_at,
			return_15m, return_1h, return_4h, return_1d, created_at
		FROM pending_outcomes
		WHERE fire_at <= $1
		ORDER BY fire_at ASC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due pending outcomes: %w", err)
	}
	defer rows.Close()

	var pending []*PendingOutcome
	for rows.Next() {
		p := &PendingOutcome{}
		err := rows.Scan(
			&p.ID,
			&p.AnomalyID,
			&p.UserID,
			&p.Symbol,
			&p.PatternType,
			&p.EntryPrice,
			&p.AgentDecision,
			&p.AgentConfidence,
			&p.Regime,
			&p.Horizon,
			&p.TimeOfDay,
			&p.DayOfWeek,
			&p.DetectedAt,
			&p.IntervalIndex,
			&p.FireAt,
			&p.Return15m,
			&p.Return1h,
			&p.Return4h,
			&p.Return1d,
			&p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending outcome: %w", err)
		}
		pending = append(pending, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending outcomes: %w", err)
	}

	return pending, nil
}

// AdvancePendingOutcome writes the entry's sampled returns and moves it
// to its next interval.
func (s *Store) AdvancePendingOutcome(ctx context.Context, p *PendingOutcome) error {
	query := `
		UPDATE pending_outcomes
		SET interval_index = $2, fire_at = $3,
			return_15m = $4, return_1h = $5, return_4h = $6, return_1d = $7
		WHERE id = $1
	`

	_, err := s.pool.Exec(ctx, query,
		p.ID,
		p.IntervalIndex,
		p.FireAt,
		p.Return15m,
		p.Return1h,
		p.Return4h,
		p.Return1d,
	)
	if err != nil {
		log.Error().Err(err).Int64("pending_id", p.ID).Msg("Failed to advance pending outcome")
		return fmt.Errorf("failed to advance pending outcome: %w", err)
	}

	log.Debug().
		Int64("pending_id", p.ID).
		Int("interval_index", p.IntervalIndex).
		Time("fire_at", p.FireAt).
		Msg("Pending outcome advanced")

	return nil
}

// FinalizePendingOutcome atomically records the outcome and removes the
// schedule entry, so a crash between the two cannot double-count or
// orphan the anomaly.
func (s *Store) FinalizePendingOutcome(ctx context.Context, pendingID int64, o *Outcome) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, insertOutcomeSQL,
		o.AnomalyID,
		o.UserID,
		o.AgentDecision,
		o.AgentConfidence,
		o.UserAction,
		o.Return15m,
		o.Return1h,
		o.Return4h,
		o.Return1d,
		o.WasProfitable,
		o.AgentCorrect,
	)
	if err != nil {
		log.Error().Err(err).Str("anomaly_id", o.AnomalyID).Msg("Failed to insert outcome")
		return fmt.Errorf("failed to insert outcome: %w", err)
	}

	_, err = tx.Exec(ctx, `DELETE FROM pending_outcomes WHERE id = $1`, pendingID)
	if err != nil {
		log.Error().Err(err).Int64("pending_id", pendingID).Msg("Failed to delete pending outcome")
		return fmt.Errorf("failed to delete pending outcome: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit outcome: %w", err)
	}

	log.Debug().
		Int64("pending_id", pendingID).
		Str("anomaly_id", o.AnomalyID).
		Bool("agent_correct", o.AgentCorrect).
		Msg("Outcome finalized")

	return nil
}
