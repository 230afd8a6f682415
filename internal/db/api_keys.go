package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// APIKey is a stored ops-server credential. Only the SHA-256 hash of
// the key material is persisted; scope is "read" or "write".
type APIKey struct {
	ID         int64      `json:"id"`
	KeyHash    string     `json:"-"`
	Name       string     `json:"name"`
	UserID     string     `json:"user_id"`
	Scope      string     `json:"scope"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// GetAPIKeyByHash returns the key record for a hash, or nil when no key
// matches. Revocation and expiry are the caller's concern.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	query := `
		SELECT id, key_hash, name, user_id, scope, last_used_at,
		       created_at, expires_at, revoked
		FROM api_keys
		WHERE key_hash = $1
	`

	k := &APIKey{}
	err := s.pool.QueryRow(ctx, query, keyHash).Scan(
		&k.ID,
		&k.KeyHash,
		&k.Name,
		&k.UserID,
		&k.Scope,
		&k.LastUsedAt,
		&k.CreatedAt,
		&k.ExpiresAt,
		&k.Revoked,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query api key: %w", err)
	}

	return k, nil
}

// TouchAPIKey refreshes the key's last-used timestamp.
func (s *Store) TouchAPIKey(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

// CreateAPIKey stores a new key hash. The caller generates the key
// material and hands out the plaintext exactly once.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	query := `
		INSERT INTO api_keys (key_hash, name, user_id, scope, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := s.pool.QueryRow(ctx, query,
		k.KeyHash,
		k.Name,
		k.UserID,
		k.Scope,
		k.ExpiresAt,
	).Scan(&k.ID, &k.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	return nil
}
