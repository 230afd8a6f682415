package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/finsight-ai/finsight/internal/confidence"
	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/detect"
	"github.com/finsight-ai/finsight/internal/regime"
)

func anom(pattern string, z float64) detect.Anomaly {
	return detect.Anomaly{
		ID:          "AAPL_" + pattern + "_20260105_093000_9f2c1a",
		Symbol:      "AAPL",
		PatternType: pattern,
		Severity:    detect.SeverityForZ(z),
		ZScore:      z,
		Price:       100,
		Volume:      1_600_000,
		DetectedAt:  time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC),
	}
}

func rangingCtx() regime.Context {
	return regime.Context{
		Regime:               regime.Ranging,
		Horizon:              regime.Swing,
		Source:               regime.SourceTechnical,
		VolatilityPercentile: 40,
		VolumeRegime:         regime.VolumeNormal,
		TimeOfDay:            regime.TimeMid,
	}
}

func TestDecideExecutesStrongVolumeSpike(t *testing.T) {
	a := New()
	ctx := rangingCtx()
	hist := &db.PatternQuality{Accuracy: 0.72, TradeRate: 0.55, AgentAccuracy: 0.70, SampleSize: 30}
	conf := confidence.Compute(confidence.Inputs{
		ZScore:           6.02,
		PatternType:      detect.PatternVolumeSpike,
		Context:          ctx,
		History:          hist,
		RegimeMultiplier: 1.0,
		DataPoints:       60,
	})

	d := a.Decide(Input{
		Anomaly:          anom(detect.PatternVolumeSpike, 6.02),
		Confidence:       conf,
		Context:          ctx,
		History:          hist,
		CausalConfidence: 1.0,
	})

	assert.Equal(t, StateExecute, d.State)
	assert.False(t, d.Rejected)
	assert.False(t, d.Escalated)
	assert.GreaterOrEqual(t, d.Confidence.Composite, 0.75)
	assert.Contains(t, d.Reason, "High confidence signal:")
	assert.Contains(t, d.Invalidation, ">2%")
	assert.Contains(t, d.Invalidation, "regime shifts to breakout")
	assert.Contains(t, d.RiskAssessment, "extreme signal may indicate data issue")

	assert.Equal(t, "AAPL is in a ranging market with normal volume. Volatility is in the 40th percentile.", d.Story.Context)
	assert.Contains(t, d.Story.Trigger, "Detected volume spike with z-score 6.0.")
	assert.Contains(t, d.Story.Trigger, "worked well for you historically (68% reliability)")
	assert.Equal(t, d.RiskAssessment, d.Story.Risk)
	assert.Equal(t, d.Invalidation, d.Story.Invalidation)
}

func TestDecideRejectsPoorHistory(t *testing.T) {
	a := New()
	ctx := rangingCtx()
	hist := &db.PatternQuality{Accuracy: 0.18, SampleSize: 20}
	conf := confidence.Compute(confidence.Inputs{
		ZScore: 6.02, Context: ctx, History: hist, RegimeMultiplier: 1.0, DataPoints: 60,
	})

	d := a.Decide(Input{
		Anomaly: anom(detect.PatternVolumeSpike, 6.02), Confidence: conf,
		Context: ctx, History: hist, CausalConfidence: 1.0,
	})

	assert.Equal(t, StateIgnore, d.State)
	assert.True(t, d.Rejected)
	assert.Equal(t, ReasonPoorHistory, d.RejectionReason)
	assert.Equal(t, "Rejected: Pattern has 18% accuracy over 20 samples", d.Reason)
	assert.Equal(t, "Low risk - historically unreliable pattern", d.RiskAssessment)
	assert.Equal(t, "Would reconsider if next 5 signals show >50% success", d.Invalidation)
}

func TestDecideRejectsUnfavorableRegime(t *testing.T) {
	a := New()
	ctx := rangingCtx()
	ctx.Regime = regime.TrendingDown
	hist := &db.PatternQuality{Accuracy: 0.5, TradeRate: 0.5, AgentAccuracy: 0.5, SampleSize: 12}
	conf := confidence.Compute(confidence.Inputs{
		ZScore: 3.0, Context: ctx, History: hist, RegimeMultiplier: 0.3, DataPoints: 60,
	})

	d := a.Decide(Input{
		Anomaly: anom(detect.PatternPriceMomentum, 3.0), Confidence: conf,
		Context: ctx, History: hist, CausalConfidence: 0.3,
	})

	assert.Equal(t, StateIgnore, d.State)
	assert.True(t, d.Rejected)
	assert.Equal(t, ReasonUnfavorableRegime, d.RejectionReason)
	assert.Equal(t, "Rejected: Pattern underperforms in trending_down regime", d.Reason)
	assert.Equal(t, "Would reconsider if regime changes or z-score exceeds 4.0", d.Invalidation)
}

func TestDecideStrongSignalBypassesRegimeRejection(t *testing.T) {
	a := New()
	ctx := rangingCtx()
	ctx.Regime = regime.TrendingDown
	hist := &db.PatternQuality{Accuracy: 0.5, TradeRate: 0.5, AgentAccuracy: 0.5, SampleSize: 12}
	conf := confidence.Compute(confidence.Inputs{
		ZScore: 3.6, Context: ctx, History: hist, RegimeMultiplier: 0.3, DataPoints: 60,
	})

	d := a.Decide(Input{
		Anomaly: anom(detect.PatternPriceMomentum, 3.6), Confidence: conf,
		Context: ctx, History: hist, CausalConfidence: 0.3,
	})

	assert.False(t, d.Rejected)
	assert.Equal(t, StateReview, d.State)
}

func TestDecideRejectsInsufficientData(t *testing.T) {
	a := New()
	ctx := rangingCtx()
	conf := confidence.Compute(confidence.Inputs{
		ZScore: 3.2, Context: ctx, RegimeMultiplier: 1.0, DataPoints: 10,
	})

	d := a.Decide(Input{
		Anomaly: anom(detect.PatternPriceMomentum, 3.2), Confidence: conf,
		Context: ctx, CausalConfidence: 1.0,
	})

	assert.Equal(t, StateIgnore, d.State)
	assert.True(t, d.Rejected)
	assert.True(t, d.RequestedMoreData)
	assert.Equal(t, ReasonInsufficientData, d.RejectionReason)
	assert.Equal(t, "Rejected: Insufficient data for reliable signal", d.Reason)
	assert.Equal(t, "Unknown risk - data quality too low", d.RiskAssessment)
	assert.Equal(t, "Need at least 30 data points for analysis", d.Invalidation)
}

func TestDecideEscalatesHighUncertainty(t *testing.T) {
	a := New()
	ctx := rangingCtx()
	ctx.VolatilityPercentile = 90

	// 0.15 no history + 0.20 conflicts + 0.10 volatility = 0.45
	conf := confidence.Compute(confidence.Inputs{
		ZScore: 3.0, Context: ctx, RegimeMultiplier: 1.0, DataPoints: 60, ConflictingSignals: 2,
	})

	d := a.Decide(Input{
		Anomaly: anom(detect.PatternVolatilitySurge, 3.0), Confidence: conf,
		Context: ctx, CausalConfidence: 1.0,
	})

	assert.Equal(t, StateReview, d.State)
	assert.True(t, d.Escalated)
	assert.False(t, d.Rejected)
	assert.Equal(t, ReasonHighUncertainty, d.EscalationReason)
	assert.Equal(t, "Escalated: High uncertainty (45%)", d.Reason)
	assert.Equal(t, "Uncertain - human judgment needed", d.RiskAssessment)
	assert.True(t, strings.HasPrefix(d.Invalidation, "Uncertainty factors: "))
}

func TestDecideEscalatesFirstOccurrence(t *testing.T) {
	a := New()
	ctx := rangingCtx()
	ctx.Regime = regime.Breakout
	conf := confidence.Compute(confidence.Inputs{
		ZScore: 3.2, PatternType: detect.PatternPriceMomentum, Context: ctx,
		RegimeMultiplier: 1.0, DataPoints: 60,
	})

	d := a.Decide(Input{
		Anomaly:           anom(detect.PatternPriceMomentum, 3.2),
		Confidence:        conf,
		Context:           ctx,
		CausalConfidence:  1.0,
		CausalExplanation: "No historical context available",
		FirstOccurrence:   true,
	})

	assert.Equal(t, StateReview, d.State)
	assert.True(t, d.Escalated)
	assert.False(t, d.Rejected)
	assert.Equal(t, ReasonFirstOccurrence, d.EscalationReason)
	assert.Equal(t, "Escalated: First time seeing price_momentum in breakout regime", d.Reason)
	assert.Equal(t, "Unknown - no historical precedent", d.RiskAssessment)
	assert.Equal(t, "Need human input to establish baseline", d.Invalidation)
}

func TestDecideReviewOnMediumConfidence(t *testing.T) {
	a := New()
	ctx := rangingCtx()
	conf := confidence.Compute(confidence.Inputs{
		ZScore: 3.2, Context: ctx, RegimeMultiplier: 1.0, DataPoints: 60,
	})

	d := a.Decide(Input{
		Anomaly: anom(detect.PatternPriceMomentum, 3.2), Confidence: conf,
		Context: ctx, CausalConfidence: 1.0,
	})

	assert.Equal(t, StateReview, d.State)
	assert.False(t, d.Escalated)
	assert.Contains(t, d.Reason, "Worth reviewing:")
	assert.Equal(t, "Invalid if price closes back inside the prior range", d.Invalidation)
}

func TestDecideMonitorOnWatchlistBand(t *testing.T) {
	a := New()
	ctx := rangingCtx()
	hist := &db.PatternQuality{Accuracy: 0.5, TradeRate: 0.5, AgentAccuracy: 0.5, SampleSize: 12}
	conf := confidence.Compute(confidence.Inputs{
		ZScore: 2.6, Context: ctx, History: hist, RegimeMultiplier: 0.5, DataPoints: 20,
	})

	d := a.Decide(Input{
		Anomaly: anom(detect.PatternVolumeSpike, 2.6), Confidence: conf,
		Context: ctx, History: hist, CausalConfidence: 0.5,
	})

	assert.Equal(t, StateMonitor, d.State)
	assert.Contains(t, d.Reason, "Added to watchlist:")
	assert.Equal(t, "Low priority - monitor for confirmation", d.RiskAssessment)
}

func TestDecideIgnoreBelowThreshold(t *testing.T) {
	a := New()
	ctx := rangingCtx()
	hist := &db.PatternQuality{Accuracy: 0.4, TradeRate: 0.3, AgentAccuracy: 0.4, SampleSize: 12}
	conf := confidence.Compute(confidence.Inputs{
		ZScore: 2.0, Context: ctx, History: hist, RegimeMultiplier: 0.5, DataPoints: 20,
	})

	d := a.Decide(Input{
		Anomaly: anom(detect.PatternVolumeSpike, 2.0), Confidence: conf,
		Context: ctx, History: hist, CausalConfidence: 0.5,
	})

	assert.Equal(t, StateIgnore, d.State)
	assert.False(t, d.Rejected)
	assert.Empty(t, d.RejectionReason)
	assert.Contains(t, d.Reason, "Below threshold:")
	assert.Equal(t, "Minimal risk in ignoring", d.RiskAssessment)
	assert.Contains(t, d.Story.Trigger, "mixed results in your history (38% reliability)")
}

// The rules form a strict priority ladder: satisfying several at once
// resolves to the highest one, and relaxing that rule hands the
// decision to the next.
func TestDecidePriorityOrder(t *testing.T) {
	a := New()
	ctx := rangingCtx()
	ctx.Regime = regime.TrendingUp
	ctx.VolatilityPercentile = 85
	hist := &db.PatternQuality{Accuracy: 0.1, TradeRate: 0.1, AgentAccuracy: 0.1, SampleSize: 20}

	decide := func(causal float64, points, conflicts int, first bool) Decision {
		conf := confidence.Compute(confidence.Inputs{
			ZScore:             3.0,
			Context:            ctx,
			History:            hist,
			RegimeMultiplier:   causal,
			DataPoints:         points,
			ConflictingSignals: conflicts,
		})
		return a.Decide(Input{
			Anomaly: anom(detect.PatternVolumeSpike, 3.0), Confidence: conf,
			Context: ctx, History: hist, CausalConfidence: causal, FirstOccurrence: first,
		})
	}

	d := decide(0.2, 10, 3, true)
	assert.Equal(t, ReasonPoorHistory, d.RejectionReason)

	hist.Accuracy = 0.3
	d = decide(0.2, 10, 3, true)
	assert.Equal(t, ReasonUnfavorableRegime, d.RejectionReason)

	d = decide(0.5, 10, 3, true)
	assert.Equal(t, ReasonInsufficientData, d.RejectionReason)

	d = decide(0.5, 60, 3, true)
	assert.Equal(t, ReasonHighUncertainty, d.EscalationReason)

	d = decide(0.5, 60, 0, true)
	assert.Equal(t, ReasonFirstOccurrence, d.EscalationReason)

	d = decide(0.5, 60, 0, false)
	assert.Equal(t, StateMonitor, d.State)
	assert.False(t, d.Rejected)
	assert.False(t, d.Escalated)
}

func TestAgentCountsDecisions(t *testing.T) {
	a := New()
	ctx := rangingCtx()

	// Rejection.
	a.Decide(Input{
		Anomaly:    anom(detect.PatternVolumeSpike, 6.0),
		Confidence: confidence.Score{DataQuality: 1.0},
		Context:    ctx,
		History:    &db.PatternQuality{Accuracy: 0.1, SampleSize: 20},
	})
	// Escalation.
	a.Decide(Input{
		Anomaly:          anom(detect.PatternVolumeSpike, 3.0),
		Confidence:       confidence.Score{DataQuality: 1.0, Uncertainty: 0.5},
		Context:          ctx,
		CausalConfidence: 1.0,
	})
	// Execute.
	a.Decide(Input{
		Anomaly:          anom(detect.PatternVolumeSpike, 4.5),
		Confidence:       confidence.Score{DataQuality: 1.0, Composite: 0.8},
		Context:          ctx,
		CausalConfidence: 1.0,
	})

	s := a.Snapshot()
	assert.Equal(t, int64(3), s.Total)
	assert.Equal(t, int64(1), s.Rejected)
	assert.Equal(t, int64(1), s.Escalated)
	assert.Equal(t, int64(1), s.ByState[StateIgnore])
	assert.Equal(t, int64(1), s.ByState[StateReview])
	assert.Equal(t, int64(1), s.ByState[StateExecute])
	assert.Equal(t, int64(0), s.ByState[StateMonitor])

	// Snapshot hands out a copy, not the live map.
	s.ByState[StateExecute] = 99
	assert.Equal(t, int64(1), a.Snapshot().ByState[StateExecute])
}

func TestAssessRisk(t *testing.T) {
	assert.Equal(t, "Standard risk profile", assessRisk(3.0, rangingCtx()))

	hostile := regime.Context{
		Regime:               regime.HighVolatility,
		VolatilityPercentile: 85,
		VolumeRegime:         regime.VolumeLow,
		TimeOfDay:            regime.TimeOpen,
	}
	assert.Equal(t,
		"Risks: high volatility environment, low volume may cause slippage, open session - higher noise, extreme signal may indicate data issue",
		assessRisk(5.5, hostile))
}

func TestOppositeRegime(t *testing.T) {
	tests := []struct {
		in   regime.Regime
		want string
	}{
		{regime.TrendingUp, "trending_down"},
		{regime.TrendingDown, "trending_up"},
		{regime.HighVolatility, "low_volatility"},
		{regime.LowVolatility, "high_volatility"},
		{regime.Ranging, "breakout"},
		{regime.Breakout, "ranging"},
		{regime.Unknown, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, oppositeRegime(tt.in))
	}
}

func TestInvalidationPerPattern(t *testing.T) {
	ctx := rangingCtx()
	tests := []struct {
		pattern string
		want    string
	}{
		{detect.PatternVolumeSpike, "Invalid if price retraces >2% on declining volume or regime shifts to breakout"},
		{detect.PatternPriceMomentum, "Invalid if price closes back inside the prior range"},
		{detect.PatternVolatilitySurge, "Invalid if the bar range normalizes toward its average"},
		{detect.PatternBreakoutHigh, "Invalid if price closes back below the broken level"},
		{detect.PatternBreakoutLow, "Invalid if price closes back above the broken level"},
		{"unheard_of", "Would reconsider with stronger signal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, invalidationFor(tt.pattern, ctx), tt.pattern)
	}
}

func TestStoryNeutralHistoryOmitsReliabilityNote(t *testing.T) {
	a := New()
	d := a.Decide(Input{
		Anomaly:          anom(detect.PatternVolumeSpike, 3.0),
		Confidence:       confidence.Score{Behavioral: 0.5, DataQuality: 1.0, Composite: 0.6, Breakdown: "Balanced confidence"},
		Context:          rangingCtx(),
		CausalConfidence: 1.0,
	})

	assert.Equal(t, "Detected volume spike with z-score 3.0.", d.Story.Trigger)
}
