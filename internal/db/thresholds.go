package db

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// UpsertThreshold stores a learned z-score threshold for a (user,
// pattern, symbol) triple, replacing any earlier override.
func (s *Store) UpsertThreshold(ctx context.Context, o ThresholdOverride) error {
	query := `
		INSERT INTO detection_thresholds (user_id, pattern_type, symbol, z_score_threshold, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, pattern_type, symbol) DO UPDATE SET
			z_score_threshold = EXCLUDED.z_score_threshold,
			reason = EXCLUDED.reason,
			updated_at = NOW()
	`

	_, err := s.pool.Exec(ctx, query,
		o.UserID,
		o.PatternType,
		o.Symbol,
		o.ZScore,
		o.Reason,
	)
	if err != nil {
		log.Error().Err(err).
			Str("pattern_type", o.PatternType).
			Str("symbol", o.Symbol).
			Msg("Failed to upsert detection threshold")
		return fmt.Errorf("failed to upsert detection threshold: %w", err)
	}

	log.Debug().
		Str("user_id", o.UserID).
		Str("pattern_type", o.PatternType).
		Str("symbol", o.Symbol).
		Float64("z_score", o.ZScore).
		Msg("Detection threshold stored")

	return nil
}

// SeedThreshold inserts a threshold override only when the (user,
// pattern, symbol) triple has none yet. Profile documents seed through
// here so adaptive adjustments survive restarts. Returns whether a row
// was written.
func (s *Store) SeedThreshold(ctx context.Context, o ThresholdOverride) (bool, error) {
	query := `
		INSERT INTO detection_thresholds (user_id, pattern_type, symbol, z_score_threshold, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, pattern_type, symbol) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query,
		o.UserID,
		o.PatternType,
		o.Symbol,
		o.ZScore,
		o.Reason,
	)
	if err != nil {
		return false, fmt.Errorf("failed to seed detection threshold: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// GetThresholdOverrides returns the user's learned z-score thresholds
// for a symbol, keyed by pattern type. Patterns without an override are
// absent from the map.
func (s *Store) GetThresholdOverrides(ctx context.Context, userID, symbol string) (map[string]float64, error) {
	query := `
		SELECT pattern_type, z_score_threshold
		FROM detection_thresholds
		WHERE user_id = $1 AND symbol = $2
	`

	rows, err := s.pool.Query(ctx, query, userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query threshold overrides: %w", err)
	}
	defer rows.Close()

	overrides := make(map[string]float64)
	for rows.Next() {
		var patternType string
		var zScore float64
		if err := rows.Scan(&patternType, &zScore); err != nil {
			return nil, fmt.Errorf("failed to scan threshold override: %w", err)
		}
		overrides[patternType] = zScore
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threshold overrides: %w", err)
	}

	return overrides, nil
}
