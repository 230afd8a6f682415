package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

const insertOutcomeSQL = `
	INSERT INTO anomaly_outcomes (
		anomaly_id, user_id, agent_decision, agent_confidence, user_action,
		return_15m, return_1h, return_4h, return_1d, was_profitable, agent_correct
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// SaveOutcome records the final evaluation of an anomaly's follow-up
// window.
func (s *Store) SaveOutcome(ctx context.Context, o *Outcome) error {
	_, err := s.pool.Exec(ctx, insertOutcomeSQL,
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
		log.Error().Err(err).Str("anomaly_id", o.AnomalyID).Msg("Failed to save outcome")
		return fmt.Errorf("failed to save outcome: %w", err)
	}

	log.Debug().
		Str("anomaly_id", o.AnomalyID).
		Bool("was_profitable", o.WasProfitable).
		Bool("agent_correct", o.AgentCorrect).
		Msg("Outcome saved")

	return nil
}

// OutcomeByAnomaly returns the recorded outcome for an anomaly, or nil
// if the follow-up window has not closed yet.
func (s *Store) OutcomeByAnomaly(ctx context.Context, anomalyID, userID string) (*Outcome, error) {
	query := `
		SELECT
			anomaly_id, user_id, agent_decision, agent_confidence, user_action,
			return_15m, return_1h, return_4h, return_1d, was_profitable,
			agent_correct, created_at
		FROM anomaly_outcomes
		WHERE anomaly_id = $1 AND user_id = $2
	`

	o := &Outcome{}
	err := s.pool.QueryRow(ctx, query, anomalyID, userID).Scan(
		&o.AnomalyID,
		&o.UserID,
		&o.AgentDecision,
		&o.AgentConfidence,
		&o.UserAction,
		&o.Return15m,
		&o.Return1h,
		&o.Return4h,
		&o.Return1d,
		&o.WasProfitable,
		&o.AgentCorrect,
		&o.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome: %w", err)
	}

	return o, nil
}

// RecentOutcomes returns the user's outcomes recorded in the last N
// days, newest first.
func (s *Store) RecentOutcomes(ctx context.Context, userID string, days int) ([]*Outcome, error) {
	query := `
		SELECT
			anomaly_id, user_id, agent_decision, agent_confidence, user_action,
			return_15m, return_1h, return_4h, return_1d, was_profitable,
			agent_correct, created_at
		FROM anomaly_outcomes
		WHERE user_id = $1 AND created_at > NOW() - make_interval(days => $2)
		ORDER BY created_at DESC
	`

	rows, err := s.pool.Query(ctx, query, userID, days)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []*Outcome
	for rows.Next() {
		o := &Outcome{}
		err := rows.Scan(
			&o.AnomalyID,
			&o.UserID,
			&o.AgentDecision,
			&o.AgentConfidence,
			&o.UserAction,
			&o.Return15m,
			&o.Return1h,
			&o.Return4h,
			&o.Return1d,
			&o.WasProfitable,
			&o.AgentCorrect,
			&o.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}

	return outcomes, nil
}
