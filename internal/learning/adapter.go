package learning

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/detect"
)

const (
	// minAdaptSamples gates adaptation: below this, quality rates are
	// too noisy to move thresholds on.
	minAdaptSamples = 10

	// DefaultAdaptInterval is how often the adaptive job rescans
	// pattern quality.
	DefaultAdaptInterval = 6 * time.Hour
)

// AdapterStore is the slice of the persistence layer the adapter needs.
type AdapterStore interface {
	ListAdaptableQuality(ctx context.Context, minSamples int) ([]db.PatternQuality, error)
	UpsertThreshold(ctx context.Context, override db.ThresholdOverride) error
}

// Adjustment records one applied threshold change.
type Adjustment struct {
	UserID      string  `json:"user_id"`
	PatternType string  `json:"pattern_type"`
	Symbol      string  `json:"symbol"`
	Old         float64 `json:"old_threshold"`
	New         float64 `json:"new_threshold"`
	Reason      string  `json:"reason"`
}

// ThresholdAdapter re-tunes per-(user, pattern, symbol) z thresholds
// from accumulated pattern quality: low accuracy raises the bar, high
// accuracy with real engagement lowers it.
type ThresholdAdapter struct {
	store    AdapterStore
	defaults detect.Thresholds
	interval time.Duration
}

// NewThresholdAdapter creates an adapter. A non-positive interval
// falls back to the default.
func NewThresholdAdapter(store AdapterStore, defaults detect.Thresholds, interval time.Duration) *ThresholdAdapter {
	if interval <= 0 {
		interval = DefaultAdaptInterval
	}
	return &ThresholdAdapter{
		store:    store,
		defaults: defaults,
		interval: interval,
	}
}

// Adapt runs one adaptation pass over every quality row with enough
// samples and upserts an override per adjusted row. Adjustments are
// computed from the system default for the pattern, not from the
// previous override, so repeated passes converge instead of compounding.
func (ta *ThresholdAdapter) Adapt(ctx context.Context) ([]Adjustment, error) {
	rows, err := ta.store.ListAdaptableQuality(ctx, minAdaptSamples)
	if err != nil {
		return nil, fmt.Errorf("list adaptable quality: %w", err)
	}

	var applied []Adjustment
	for _, q := range rows {
		adj, ok := ta.suggest(q)
		if !ok {
			continue
		}

		err := ta.store.UpsertThreshold(ctx, db.ThresholdOverride{
			UserID:      adj.UserID,
			PatternType: adj.PatternType,
			Symbol:      adj.Symbol,
			ZScore:      adj.New,
			Reason:      adj.Reason,
		})
		if err != nil {
			return applied, fmt.Errorf("upsert threshold for %s/%s/%s: %w",
				adj.UserID, adj.PatternType, adj.Symbol, err)
		}

		applied = append(applied, adj)
		log.Info().
			Str("user_id", adj.UserID).
			Str("pattern", adj.PatternType).
			Str("symbol", adj.Symbol).
			Float64("old", adj.Old).
			Float64("new", adj.New).
			Str("reason", adj.Reason).
			Msg("Detection threshold adapted")
	}
	return applied, nil
}

func (ta *ThresholdAdapter) suggest(q db.PatternQuality) (Adjustment, bool) {
	if q.SampleSize < minAdaptSamples {
		return Adjustment{}, false
	}

	current := ta.defaults.ZFor(q.PatternType)
	adj := Adjustment{
		UserID:      q.UserID,
		PatternType: q.PatternType,
		Symbol:      q.Symbol,
		Old:         current,
	}

	switch {
	case q.Accuracy < 0.30:
		adj.New = math.Min(current+0.5, 5.0)
		adj.Reason = fmt.Sprintf("Low accuracy (%.0f%%) - raising threshold to reduce noise", q.Accuracy*100)
		return adj, true
	case q.Accuracy > 0.60 && q.ReviewRate > 0.50:
		adj.New = math.Max(current-0.3, 2.0)
		adj.Reason = fmt.Sprintf("High accuracy (%.0f%%) and engagement - lowering threshold", q.Accuracy*100)
		return adj, true
	default:
		return Adjustment{}, false
	}
}

// Run drives Adapt on the configured interval until the context is
// cancelled. A failed pass is logged and retried next tick.
func (ta *ThresholdAdapter) Run(ctx context.Context) {
	ticker := time.NewTicker(ta.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", ta.interval).Msg("Threshold adapter started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Threshold adapter stopped")
			return
		case <-ticker.C:
			if _, err := ta.Adapt(ctx); err != nil {
				log.Error().Err(err).Msg("Threshold adaptation pass failed")
			}
		}
	}
}
