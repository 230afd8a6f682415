package db

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// AppendCausalObservation persists one context-outcome tuple so the
// causal learner can be warm-started after a restart.
func (s *Store) AppendCausalObservation(ctx context.Context, o CausalObservation) error {
	query := `
		INSERT INTO causal_observations (
			pattern_type, regime, horizon, time_of_day, day_of_week, success, observed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.pool.Exec(ctx, query,
		o.PatternType,
		o.Regime,
		o.Horizon,
		o.TimeOfDay,
		o.DayOfWeek,
		o.Success,
		o.ObservedAt,
	)
	if err != nil {
		log.Error().Err(err).Str("pattern_type", o.PatternType).Msg("Failed to append causal observation")
		return fmt.Errorf("failed to append causal observation: %w", err)
	}

	return nil
}

// RecentCausalObservations returns observations from the last N days in
// the order they were recorded, for replay into the causal learner.
func (s *Store) RecentCausalObservations(ctx context.Context, days int) ([]CausalObservation, error) {
	query := `
		SELECT id, pattern_type, regime, horizon, time_of_day, day_of_week, success, observed_at
		FROM causal_observations
		WHERE observed_at > NOW() - make_interval(days => $1)
		ORDER BY observed_at ASC
	`

	rows, err := s.pool.Query(ctx, query, days)
	if err != nil {
		return nil, fmt.Errorf("failed to query causal observations: %w", err)
	}
	defer rows.Close()

	var observations []CausalObservation
	for rows.Next() {
		var o CausalObservation
		err := rows.Scan(
			&o.ID,
			&o.PatternType,
			&o.Regime,
			&o.Horizon,
			&o.TimeOfDay,
			&o.DayOfWeek,
			&o.Success,
			&o.ObservedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan causal observation: %w", err)
		}
		observations = append(observations, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating causal observations: %w", err)
	}

	return observations, nil
}
