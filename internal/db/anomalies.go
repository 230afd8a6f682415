package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// SaveAnomaly persists a detected anomaly together with the agent's
// verdict. Writing the same id again only refreshes the agent and
// narrative fields.
func (s *Store) SaveAnomaly(ctx context.Context, rec *AnomalyRecord) error {
	query := `
		INSERT INTO anomalies (
			id, user_id, symbol, pattern_type, severity, z_score, price, volume,
			detected_at, agent_decision, agent_confidence, agent_reason,
			context, sources, thought_process
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			agent_decision = EXCLUDED.agent_decision,
			agent_confidence = EXCLUDED.agent_confidence,
			agent_reason = EXCLUDED.agent_reason,
			context = EXCLUDED.context,
			sources = EXCLUDED.sources,
			thought_process = EXCLUDED.thought_process
	`

	_, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.UserID,
		rec.Symbol,
		rec.PatternType,
		rec.Severity,
		rec.ZScore,
		rec.Price,
		rec.Volume,
		rec.DetectedAt,
		rec.AgentDecision,
		rec.AgentConfidence,
		rec.AgentReason,
		rec.Context,
		rec.Sources,
		rec.ThoughtProcess,
	)
	if err != nil {
		log.Error().Err(err).Str("anomaly_id", rec.ID).Msg("Failed to save anomaly")
		return fmt.Errorf("failed to save anomaly: %w", err)
	}

	log.Debug().
		Str("anomaly_id", rec.ID).
		Str("symbol", rec.Symbol).
		Str("decision", rec.AgentDecision).
		Msg("Anomaly saved")

	return nil
}

// ListPendingAnomalies returns the user's recent anomalies that still
// await a response: detected in the last 24 hours, not decided as
// ignore, and with no user action recorded yet.
func (s *Store) ListPendingAnomalies(ctx context.Context, userID string, limit int) ([]*AnomalyRecord, error) {
	query := `
		SELECT
			a.id, a.user_id, a.symbol, a.pattern_type, a.severity, a.z_score,
			a.price, a.volume, a.detected_at, a.agent_decision, a.agent_confidence,
			a.agent_reason, a.context, a.sources, a.thought_process, a.created_at
		FROM anomalies a
		LEFT JOIN user_actions ua ON a.id = ua.anomaly_id AND ua.user_id = $1
		WHERE ua.id IS NULL
			AND a.user_id = $1
			AND a.agent_decision != 'ignore'
			AND a.detected_at > NOW() - INTERVAL '24 hours'
		ORDER BY a.detected_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending anomalies: %w", err)
	}
	defer rows.Close()

	return scanAnomalies(rows)
}

// AnomaliesByUser returns the user's anomalies detected in [from, to),
// newest first.
func (s *Store) AnomaliesByUser(ctx context.Context, userID string, from, to time.Time, limit int) ([]*AnomalyRecord, error) {
	query := `
		SELECT
			id, user_id, symbol, pattern_type, severity, z_score, price, volume,
			detected_at, agent_decision, agent_confidence, agent_reason,
			context, sources, thought_process, created_at
		FROM anomalies
		WHERE user_id = $1 AND detected_at >= $2 AND detected_at < $3
		ORDER BY detected_at DESC
		LIMIT $4
	`

	rows, err := s.pool.Query(ctx, query, userID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	return scanAnomalies(rows)
}

// OrphanedAnomalies returns non-ignore anomalies detected before the
// cutoff that have neither an outcome row nor a pending schedule entry.
// A crash between the anomaly save and the follow-up enqueue is the only
// way such a row can exist; the tracker back-fills these at startup.
func (s *Store) OrphanedAnomalies(ctx context.Context, before time.Time, limit int) ([]*AnomalyRecord, error) {
	query := `
		SELECT
			a.id, a.user_id, a.symbol, a.pattern_type, a.severity, a.z_score,
			a.price, a.volume, a.detected_at, a.agent_decision, a.agent_confidence,
			a.agent_reason, a.context, a.sources, a.thought_process, a.created_at
		FROM anomalies a
		LEFT JOIN anomaly_outcomes o ON o.anomaly_id = a.id AND o.user_id = a.user_id
		LEFT JOIN pending_outcomes p ON p.anomaly_id = a.id AND p.user_id = a.user_id
		WHERE o.anomaly_id IS NULL
			AND p.id IS NULL
			AND a.agent_decision != 'ignore'
			AND a.detected_at < $1
		ORDER BY a.detected_at ASC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned anomalies: %w", err)
	}
	defer rows.Close()

	return scanAnomalies(rows)
}

func scanAnomalies(rows pgx.Rows) ([]*AnomalyRecord, error) {
	var anomalies []*AnomalyRecord
	for rows.Next() {
		rec := &AnomalyRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.Symbol,
			&rec.PatternType,
			&rec.Severity,
			&rec.ZScore,
			&rec.Price,
			&rec.Volume,
			&rec.DetectedAt,
			&rec.AgentDecision,
			&rec.AgentConfidence,
			&rec.AgentReason,
			&rec.Context,
			&rec.Sources,
			&rec.ThoughtProcess,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		anomalies = append(anomalies, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating anomalies: %w", err)
	}

	return anomalies, nil
}
