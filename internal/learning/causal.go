// Package learning closes the feedback loop: the causal learner turns
// persisted outcomes into per-context success statistics that feed the
// confidence score, and the threshold adapter re-tunes per-user
// detection thresholds from pattern quality.
package learning

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/regime"
)

const (
	// DefaultHalflifeDays is the temporal-decay half-life: an
	// observation this old counts half as much as one from just now.
	DefaultHalflifeDays = 30

	// DefaultWarmStartDays bounds how far back WarmStart replays
	// persisted observations.
	DefaultWarmStartDays = 30

	// minKeySamples is the uniform minimum number of observations a
	// key needs before it contributes a factor.
	minKeySamples = 3
)

// Observation is one learned data point: a pattern fired in a context
// and either paid off or did not.
type Observation struct {
	PatternType string
	Regime      regime.Regime
	Horizon     regime.Horizon
	TimeOfDay   string
	DayOfWeek   int
	Success     bool
	At          time.Time
}

// NewObservation flattens a classification into an Observation.
func NewObservation(patternType string, ctx regime.Context, success bool, at time.Time) Observation {
	return Observation{
		PatternType: patternType,
		Regime:      ctx.Regime,
		Horizon:     ctx.Horizon,
		TimeOfDay:   ctx.TimeOfDay,
		DayOfWeek:   ctx.DayOfWeek,
		Success:     success,
		At:          at,
	}
}

type observation struct {
	at      time.Time
	success bool
}

// Learner accumulates outcome statistics keyed three ways: by
// (pattern, regime, horizon), by (pattern, regime), and by
// (pattern, time_of_day, day_of_week). Reads take a shared lock;
// Record is called only from the outcome-finalization path.
type Learner struct {
	mu       sync.RWMutex
	halflife float64
	now      func() time.Time

	contextSuccess   map[string][]observation
	regimePatterns   map[string][]observation
	temporalPatterns map[string][]observation
}

// NewLearner creates a Learner. Non-positive halflife days fall back
// to the default.
func NewLearner(halflifeDays float64) *Learner {
	if halflifeDays <= 0 {
		halflifeDays = DefaultHalflifeDays
	}
	return &Learner{
		halflife:         halflifeDays,
		now:              time.Now,
		contextSuccess:   make(map[string][]observation),
		regimePatterns:   make(map[string][]observation),
		temporalPatterns: make(map[string][]observation),
	}
}

func contextKey(pattern string, r regime.Regime, h regime.Horizon) string {
	return fmt.Sprintf("%s|%s|%s", pattern, r, h)
}

func regimeKey(pattern string, r regime.Regime) string {
	return fmt.Sprintf("%s|%s", pattern, r)
}

func temporalKey(pattern, timeOfDay string, dayOfWeek int) string {
	return fmt.Sprintf("%s|%s|%d", pattern, timeOfDay, dayOfWeek)
}

// Record appends the observation to every key it informs. A zero At
// is stamped with the current time.
func (l *Learner) Record(o Observation) {
	at := o.At
	if at.IsZero() {
		at = l.now()
	}
	obs := observation{at: at, success: o.Success}

	l.mu.Lock()
	defer l.mu.Unlock()

	ck := contextKey(o.PatternType, o.Regime, o.Horizon)
	l.contextSuccess[ck] = append(l.contextSuccess[ck], obs)

	rk := regimeKey(o.PatternType, o.Regime)
	l.regimePatterns[rk] = append(l.regimePatterns[rk], obs)

	tk := temporalKey(o.PatternType, o.TimeOfDay, o.DayOfWeek)
	l.temporalPatterns[tk] = append(l.temporalPatterns[tk], obs)
}

// HasRecord reports whether any outcome exists for (pattern, regime).
// The agent escalates the first occurrence of a pair it has never seen.
func (l *Learner) HasRecord(patternType string, r regime.Regime) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.regimePatterns[regimeKey(patternType, r)]) > 0
}

// ContextConfidence returns a confidence multiplier for firing this
// pattern in this context, with a one-line explanation. Keys holding
// fewer than three observations contribute nothing; with no
// contributing key the multiplier is a neutral 1.0.
func (l *Learner) ContextConfidence(patternType string, ctx regime.Context) (float64, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	now := l.now()

	var factors []float64
	var explanations []string

	if obs := l.contextSuccess[contextKey(patternType, ctx.Regime, ctx.Horizon)]; len(obs) >= minKeySamples {
		rate := weightedRate(obs, now, l.halflife)
		factors = append(factors, rate)
		if rate > 0.6 {
			explanations = append(explanations, fmt.Sprintf("Pattern works well in %s regime (%.0f%%)", ctx.Regime, rate*100))
		} else if rate < 0.4 {
			explanations = append(explanations, fmt.Sprintf("Pattern struggles in %s regime (%.0f%%)", ctx.Regime, rate*100))
		}
	}

	if obs := l.regimePatterns[regimeKey(patternType, ctx.Regime)]; len(obs) >= minKeySamples {
		factors = append(factors, weightedRate(obs, now, l.halflife))
	}

	if obs := l.temporalPatterns[temporalKey(patternType, ctx.TimeOfDay, ctx.DayOfWeek)]; len(obs) >= minKeySamples {
		rate := weightedRate(obs, now, l.halflife)
		factors = append(factors, rate)
		if rate > 0.7 {
			explanations = append(explanations, fmt.Sprintf("Good timing: %s on day %d", ctx.TimeOfDay, ctx.DayOfWeek))
		} else if rate < 0.3 {
			explanations = append(explanations, fmt.Sprintf("Poor timing: %s on day %d", ctx.TimeOfDay, ctx.DayOfWeek))
		}
	}

	if len(factors) == 0 {
		return 1.0, "No historical context available"
	}

	// Geometric mean; the +0.1 keeps one zero rate from collapsing
	// the whole product.
	var logSum float64
	for _, f := range factors {
		logSum += math.Log(f + 0.1)
	}
	combined := math.Exp(logSum / float64(len(factors)))

	if len(explanations) == 0 {
		return combined, "Based on historical context"
	}
	return combined, strings.Join(explanations, "; ")
}

// weightedRate is the decay-weighted fraction of successes: weight 1.0
// now, halving every halflife days.
func weightedRate(obs []observation, now time.Time, halflifeDays float64) float64 {
	var num, den float64
	for _, o := range obs {
		ageDays := now.Sub(o.at).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		w := math.Pow(0.5, ageDays/halflifeDays)
		den += w
		if o.success {
			num += w
		}
	}
	if den == 0 {
		return 0.5
	}
	return num / den
}

// RegimeInsight is the diagnostic view of one pattern in one regime.
type RegimeInsight struct {
	SuccessRate    float64 `json:"success_rate"`
	SampleSize     int     `json:"sample_size"`
	Recommendation string  `json:"recommendation"`
}

// RegimeInsights reports how a pattern performs across regimes.
// Regimes with fewer than three observations are omitted. Rates here
// are plain means: the diagnostic answers "what happened", not "what
// should we weight now".
func (l *Learner) RegimeInsights(patternType string) map[regime.Regime]RegimeInsight {
	l.mu.RLock()
	defer l.mu.RUnlock()

	insights := make(map[regime.Regime]RegimeInsight)
	for _, r := range regime.All {
		obs := l.regimePatterns[regimeKey(patternType, r)]
		if len(obs) < minKeySamples {
			continue
		}
		var successes int
		for _, o := range obs {
			if o.success {
				successes++
			}
		}
		rate := float64(successes) / float64(len(obs))
		insights[r] = RegimeInsight{
			SuccessRate:    rate,
			SampleSize:     len(obs),
			Recommendation: regimeRecommendation(rate),
		}
	}
	return insights
}

func regimeRecommendation(successRate float64) string {
	switch {
	case successRate >= 0.7:
		return "FAVORABLE - High confidence in this regime"
	case successRate >= 0.5:
		return "NEUTRAL - Standard confidence"
	case successRate >= 0.3:
		return "CAUTIOUS - Reduce position size"
	default:
		return "AVOID - Pattern historically fails here"
	}
}

// SuggestThreshold adjusts a detection threshold for the context:
// favorable contexts catch more signals, unfavorable ones get more
// selective. The result stays within [2.0, 5.0].
func (l *Learner) SuggestThreshold(patternType string, ctx regime.Context, current float64) (float64, string) {
	conf, explanation := l.ContextConfidence(patternType, ctx)

	var adjusted float64
	var reason string
	switch {
	case conf > 1.2:
		adjusted = current * 0.9
		reason = "Lowering threshold in favorable context: " + explanation
	case conf < 0.8:
		adjusted = current * 1.15
		reason = "Raising threshold in unfavorable context: " + explanation
	default:
		adjusted = current
		reason = "Threshold unchanged - neutral context"
	}

	if adjusted < 2.0 {
		adjusted = 2.0
	}
	if adjusted > 5.0 {
		adjusted = 5.0
	}
	return adjusted, reason
}

// ObservationSource loads persisted causal observations; the db store
// implements it.
type ObservationSource interface {
	RecentCausalObservations(ctx context.Context, days int) ([]db.CausalObservation, error)
}

// WarmStart replays persisted observations so a restart does not reset
// every (pattern, regime) pair to a first-occurrence escalation.
func (l *Learner) WarmStart(ctx context.Context, src ObservationSource, days int) (int, error) {
	if days <= 0 {
		days = DefaultWarmStartDays
	}

	rows, err := src.RecentCausalObservations(ctx, days)
	if err != nil {
		return 0, fmt.Errorf("load causal observations: %w", err)
	}

	for _, row := range rows {
		l.Record(Observation{
			PatternType: row.PatternType,
			Regime:      regime.Regime(row.Regime),
			Horizon:     regime.Horizon(row.Horizon),
			TimeOfDay:   row.TimeOfDay,
			DayOfWeek:   row.DayOfWeek,
			Success:     row.Success,
			At:          row.ObservedAt,
		})
	}

	log.Info().
		Int("observations", len(rows)).
		Int("days", days).
		Msg("Causal learner warm-started")
	return len(rows), nil
}
