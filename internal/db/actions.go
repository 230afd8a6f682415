package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// SaveUserAction records a human response to an anomaly.
func (s *Store) SaveUserAction(ctx context.Context, action *UserAction) error {
	query := `
		INSERT INTO user_actions (anomaly_id, user_id, action, notes)
		VALUES ($1, $2, $3, $4)
	`

	_, err := s.pool.Exec(ctx, query,
		action.AnomalyID,
		action.UserID,
		action.Action,
		action.Notes,
	)
	if err != nil {
		log.Error().Err(err).Str("anomaly_id", action.AnomalyID).Msg("Failed to save user action")
		return fmt.Errorf("failed to save user action: %w", err)
	}

	log.Debug().
		Str("anomaly_id", action.AnomalyID).
		Str("user_id", action.UserID).
		Str("action", action.Action).
		Msg("User action saved")

	return nil
}

// LatestUserAction returns the most recent action the user took on the
// anomaly. No recorded action means the user let it pass, which counts
// as "ignored".
func (s *Store) LatestUserAction(ctx context.Context, anomalyID, userID string) (string, error) {
	query := `
		SELECT action FROM user_actions
		WHERE anomaly_id = $1 AND user_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	var action string
	err := s.pool.QueryRow(ctx, query, anomalyID, userID).Scan(&action)
	if errors.Is(err, pgx.ErrNoRows) {
		return "ignored", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query latest user action: %w", err)
	}

	return action, nil
}
