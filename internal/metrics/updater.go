package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Updater periodically refreshes database-derived gauges.
type Updater struct {
	db       *pgxpool.Pool
	interval time.Duration
	stopCh   chan struct{}
}

// NewUpdater creates a new metrics updater.
func NewUpdater(db *pgxpool.Pool, interval time.Duration) *Updater {
	return &Updater{
		db:       db,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the metrics update loop. Blocks until Stop or ctx cancellation.
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	// Update immediately on start
	u.update(ctx)

	for {
		select {
		case <-ticker.C:
			u.update(ctx)
		case <-u.stopCh:
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Metrics updater context cancelled")
			return
		}
	}
}

// Stop stops the metrics updater.
func (u *Updater) Stop() {
	close(u.stopCh)
}

func (u *Updater) update(ctx context.Context) {
	log.Debug().Msg("Updating metrics from database")

	u.updatePendingOutcomes(ctx)
	u.updatePoolStats()
}

func (u *Updater) updatePendingOutcomes(ctx context.Context) {
	var pending int

	query := `SELECT COUNT(*) FROM pending_outcomes`

	if err := u.db.QueryRow(ctx, query).Scan(&pending); err != nil {
		log.Error().Err(err).Msg("Failed to count pending outcomes")
		return
	}

	SetPendingOutcomes(pending)
}

func (u *Updater) updatePoolStats() {
	stats := u.db.Stat()
	UpdateDatabaseConnections(stats.AcquiredConns(), stats.IdleConns())
}
