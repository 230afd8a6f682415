package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

const qualityColumns = `
	user_id, pattern_type, symbol, accuracy, review_rate, trade_rate,
	avg_return, agent_accuracy, sample_size, updated_at`

// GetPatternQuality returns the learned quality for a (user, pattern,
// symbol) triple, or nil if no outcomes have been recorded for it yet.
func (s *Store) GetPatternQuality(ctx context.Context, userID, patternType, symbol string) (*PatternQuality, error) {
	query := `
		SELECT ` + qualityColumns + `
		FROM pattern_quality
		WHERE user_id = $1 AND pattern_type = $2 AND symbol = $3
	`

	q := &PatternQuality{}
	err := s.pool.QueryRow(ctx, query, userID, patternType, symbol).Scan(
		&q.UserID,
		&q.PatternType,
		&q.Symbol,
		&q.Accuracy,
		&q.ReviewRate,
		&q.TradeRate,
		&q.AvgReturn,
		&q.AgentAccuracy,
		&q.SampleSize,
		&q.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pattern quality: %w", err)
	}

	return q, nil
}

// RecomputePatternQuality re-derives the quality row for the triple the
// anomaly belongs to from all of that triple's recorded outcomes, and
// upserts it. Returns nil without writing when the anomaly is unknown or
// the triple has no outcomes yet. Recomputing twice yields the same row.
func (s *Store) RecomputePatternQuality(ctx context.Context, anomalyID, userID string) (*PatternQuality, error) {
	var patternType, symbol string
	err := s.pool.QueryRow(ctx,
		`SELECT pattern_type, symbol FROM anomalies WHERE id = $1`,
		anomalyID,
	).Scan(&patternType, &symbol)
	if errors.Is(err, pgx.ErrNoRows) {
		log.Warn().Str("anomaly_id", anomalyID).Msg("Cannot recompute quality for unknown anomaly")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up anomaly for quality recompute: %w", err)
	}

	statsQuery := `
		SELECT
			COUNT(*) as sample_size,
			AVG(CASE WHEN was_profitable THEN 1.0 ELSE 0.0 END) as accuracy,
			AVG(CASE WHEN user_action = 'reviewed' OR user_action = 'traded' THEN 1.0 ELSE 0.0 END) as review_rate,
			AVG(CASE WHEN user_action = 'traded' THEN 1.0 ELSE 0.0 END) as trade_rate,
			AVG(COALESCE(return_1d, return_4h, return_1h, 0)) as avg_return,
			AVG(CASE WHEN agent_correct THEN 1.0 ELSE 0.0 END) as agent_accuracy
		FROM anomaly_outcomes ao
		JOIN anomalies a ON ao.anomaly_id = a.id
		WHERE ao.user_id = $1 AND a.pattern_type = $2 AND a.symbol = $3
	`

	var (
		sampleSize                                          int
		accuracy, reviewRate, tradeRate, avgRet, agentAccur *float64
	)
	err = s.pool.QueryRow(ctx, statsQuery, userID, patternType, symbol).Scan(
		&sampleSize, &accuracy, &reviewRate, &tradeRate, &avgRet, &agentAccur,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate outcomes: %w", err)
	}

	if sampleSize == 0 {
		return nil, nil
	}

	q := &PatternQuality{
		UserID:        userID,
		PatternType:   patternType,
		Symbol:        symbol,
		Accuracy:      deref(accuracy),
		ReviewRate:    deref(reviewRate),
		TradeRate:     deref(tradeRate),
		AvgReturn:     deref(avgRet),
		AgentAccuracy: deref(agentAccur),
		SampleSize:    sampleSize,
		UpdatedAt:     time.Now().UTC(),
	}

	upsert := `
		INSERT INTO pattern_quality (
			user_id, pattern_type, symbol, accuracy, review_rate, trade_rate,
			avg_return, agent_accuracy, sample_size, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (user_id, pattern_type, symbol) DO UPDATE SET
			accuracy = EXCLUDED.accuracy,
			review_rate = EXCLUDED.review_rate,
			trade_rate = EXCLUDED.trade_rate,
			avg_return = EXCLUDED.avg_return,
			agent_accuracy = EXCLUDED.agent_accuracy,
			sample_size = EXCLUDED.sample_size,
			updated_at = NOW()
	`

	_, err = s.pool.Exec(ctx, upsert,
		q.UserID,
		q.PatternType,
		q.Symbol,
		q.Accuracy,
		q.ReviewRate,
		q.TradeRate,
		q.AvgReturn,
		q.AgentAccuracy,
		q.SampleSize,
	)
	if err != nil {
		log.Error().Err(err).
			Str("pattern_type", patternType).
			Str("symbol", symbol).
			Msg("Failed to upsert pattern quality")
		return nil, fmt.Errorf("failed to upsert pattern quality: %w", err)
	}

	log.Debug().
		Str("user_id", userID).
		Str("pattern_type", patternType).
		Str("symbol", symbol).
		Int("sample_size", sampleSize).
		Float64("accuracy", q.Accuracy).
		Msg("Pattern quality recomputed")

	return q, nil
}

// ListAdaptableQuality returns the quality rows with enough samples for
// threshold adaptation.
func (s *Store) ListAdaptableQuality(ctx context.Context, minSamples int) ([]PatternQuality, error) {
	query := `
		SELECT ` + qualityColumns + `
		FROM pattern_quality
		WHERE sample_size >= $1
		ORDER BY user_id, pattern_type, symbol
	`

	rows, err := s.pool.Query(ctx, query, minSamples)
	if err != nil {
		return nil, fmt.Errorf("failed to query adaptable quality: %w", err)
	}
	defer rows.Close()

	return scanQuality(rows)
}

// QualityByUser returns all of the user's pattern-quality rows.
func (s *Store) QualityByUser(ctx context.Context, userID string) ([]PatternQuality, error) {
	query := `
		SELECT ` + qualityColumns + `
		FROM pattern_quality
		WHERE user_id = $1
		ORDER BY pattern_type, symbol
	`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pattern quality: %w", err)
	}
	defer rows.Close()

	return scanQuality(rows)
}

func scanQuality(rows pgx.Rows) ([]PatternQuality, error) {
	var quality []PatternQuality
	for rows.Next() {
		var q PatternQuality
		err := rows.Scan(
			&q.UserID,
			&q.PatternType,
			&q.Symbol,
			&q.Accuracy,
			&q.ReviewRate,
			&q.TradeRate,
			&q.AvgReturn,
			&q.AgentAccuracy,
			&q.SampleSize,
			&q.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern quality: %w", err)
		}
		quality = append(quality, q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pattern quality: %w", err)
	}

	return quality, nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
