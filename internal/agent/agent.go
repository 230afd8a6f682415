// Package agent implements the decision authority of the pipeline. It
// takes a detected anomaly plus its scored context and either rejects
// it, escalates it to a human, or classifies it into one of the four
// decision states. The agent is deterministic: identical inputs always
// produce identical decisions, and it performs no I/O.
package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/finsight-ai/finsight/internal/confidence"
	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/detect"
	"github.com/finsight-ai/finsight/internal/regime"
)

// Input carries everything a single decision needs. The caller resolves
// history and causal statistics up front so Decide never touches the
// store or the learner.
type Input struct {
	Anomaly    detect.Anomaly
	Confidence confidence.Score
	Context    regime.Context

	// History is the user's track record for (pattern, symbol); nil when
	// no outcome has ever been recorded for the pair.
	History *db.PatternQuality

	// CausalConfidence is the learner's context multiplier for
	// (pattern, regime); CausalExplanation is its one-line rationale.
	CausalConfidence  float64
	CausalExplanation string

	// FirstOccurrence is true when the learner holds no record at all
	// for the (pattern, regime) pair.
	FirstOccurrence bool
}

// Stats are the agent's running counters, safe to serve concurrently
// with decision making.
type Stats struct {
	Total     int64           `json:"total_decisions"`
	Rejected  int64           `json:"rejected"`
	Escalated int64           `json:"escalated"`
	ByState   map[State]int64 `json:"by_state"`
}

// Agent makes decisions and counts them. A single Agent is shared by
// all symbol tasks in a cycle; Decide is safe for concurrent use.
type Agent struct {
	mu    sync.Mutex
	stats Stats
}

// New returns an Agent with zeroed counters.
func New() *Agent {
	byState := make(map[State]int64, len(States))
	for _, s := range States {
		byState[s] = 0
	}
	return &Agent{stats: Stats{ByState: byState}}
}

// Decide applies the authority rules in strict priority order: three
// rejection checks, two escalation checks, then the composite-driven
// classification. The first matching rule wins.
func (a *Agent) Decide(in Input) Decision {
	d := evaluate(in)
	d.Story = buildStory(in, d)

	a.mu.Lock()
	a.stats.Total++
	a.stats.ByState[d.State]++
	if d.Rejected {
		a.stats.Rejected++
	}
	if d.Escalated {
		a.stats.Escalated++
	}
	a.mu.Unlock()

	log.Debug().
		Str("symbol", in.Anomaly.Symbol).
		Str("pattern", in.Anomaly.PatternType).
		Str("state", string(d.State)).
		Bool("rejected", d.Rejected).
		Bool("escalated", d.Escalated).
		Float64("composite", in.Confidence.Composite).
		Msg("Decision made")

	return d
}

// Snapshot returns a copy of the counters for the ops server.
func (a *Agent) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stats
	s.ByState = make(map[State]int64, len(a.stats.ByState))
	for k, v := range a.stats.ByState {
		s.ByState[k] = v
	}
	return s
}

func evaluate(in Input) Decision {
	z := in.Anomaly.ZScore
	conf := in.Confidence

	// Rejection: the agent exercises authority to say no.

	if in.History != nil && in.History.SampleSize >= 15 && in.History.Accuracy < 0.25 {
		return Decision{
			State:           StateIgnore,
			Confidence:      conf,
			Reason:          fmt.Sprintf("Rejected: Pattern has %.0f%% accuracy over %d samples", in.History.Accuracy*100, in.History.SampleSize),
			RiskAssessment:  "Low risk - historically unreliable pattern",
			Rejected:        true,
			RejectionReason: ReasonPoorHistory,
			Invalidation:    "Would reconsider if next 5 signals show >50% success",
		}
	}

	if in.Context.Known() && in.CausalConfidence < 0.4 && z < 3.5 {
		return Decision{
			State:           StateIgnore,
			Confidence:      conf,
			Reason:          fmt.Sprintf("Rejected: Pattern underperforms in %s regime", in.Context.Regime),
			RiskAssessment:  "Low risk - regime unfavorable",
			Rejected:        true,
			RejectionReason: ReasonUnfavorableRegime,
			Invalidation:    "Would reconsider if regime changes or z-score exceeds 4.0",
		}
	}

	if conf.DataQuality < 0.5 {
		return Decision{
			State:             StateIgnore,
			Confidence:        conf,
			Reason:            "Rejected: Insufficient data for reliable signal",
			RiskAssessment:    "Unknown risk - data quality too low",
			Rejected:          true,
			RejectionReason:   ReasonInsufficientData,
			RequestedMoreData: true,
			Invalidation:      "Need at least 30 data points for analysis",
		}
	}

	// Escalation: hand the call to a human.

	if conf.Uncertainty >= 0.4 {
		return Decision{
			State:            StateReview,
			Confidence:       conf,
			Reason:           fmt.Sprintf("Escalated: High uncertainty (%.0f%%)", conf.Uncertainty*100),
			RiskAssessment:   "Uncertain - human judgment needed",
			Escalated:        true,
			EscalationReason: ReasonHighUncertainty,
			Invalidation:     "Uncertainty factors: " + conf.Breakdown,
		}
	}

	if in.FirstOccurrence {
		return Decision{
			State:            StateReview,
			Confidence:       conf,
			Reason:           fmt.Sprintf("Escalated: First time seeing %s in %s regime", in.Anomaly.PatternType, in.Context.Regime),
			RiskAssessment:   "Unknown - no historical precedent",
			Escalated:        true,
			EscalationReason: ReasonFirstOccurrence,
			Invalidation:     "Need human input to establish baseline",
		}
	}

	// Standard classification on composite confidence.

	switch {
	case conf.Composite >= 0.75 && z >= 4.0:
		return Decision{
			State:          StateExecute,
			Confidence:     conf,
			Reason:         "High confidence signal: " + conf.Breakdown,
			RiskAssessment: assessRisk(z, in.Context),
			Invalidation:   invalidationFor(in.Anomaly.PatternType, in.Context),
		}
	case conf.Composite >= 0.55:
		return Decision{
			State:          StateReview,
			Confidence:     conf,
			Reason:         "Worth reviewing: " + conf.Breakdown,
			RiskAssessment: assessRisk(z, in.Context),
			Invalidation:   invalidationFor(in.Anomaly.PatternType, in.Context),
		}
	case conf.Composite >= 0.35 && z >= 2.5:
		return Decision{
			State:          StateMonitor,
			Confidence:     conf,
			Reason:         "Added to watchlist: " + conf.Breakdown,
			RiskAssessment: "Low priority - monitor for confirmation",
			Invalidation:   invalidationFor(in.Anomaly.PatternType, in.Context),
		}
	default:
		return Decision{
			State:          StateIgnore,
			Confidence:     conf,
			Reason:         "Below threshold: " + conf.Breakdown,
			RiskAssessment: "Minimal risk in ignoring",
			Invalidation:   invalidationFor(in.Anomaly.PatternType, in.Context),
		}
	}
}

// assessRisk names the environmental hazards around acting on a signal.
func assessRisk(z float64, ctx regime.Context) string {
	var risks []string

	if ctx.VolatilityPercentile > 70 {
		risks = append(risks, "high volatility environment")
	}
	if ctx.VolumeRegime == regime.VolumeLow {
		risks = append(risks, "low volume may cause slippage")
	}
	if ctx.TimeOfDay == regime.TimeOpen || ctx.TimeOfDay == regime.TimeClose {
		risks = append(risks, fmt.Sprintf("%s session - higher noise", ctx.TimeOfDay))
	}
	if z > 5 {
		risks = append(risks, "extreme signal may indicate data issue")
	}

	if len(risks) == 0 {
		return "Standard risk profile"
	}
	return "Risks: " + strings.Join(risks, ", ")
}

// invalidationFor states, per pattern, what price action would prove
// the signal wrong.
func invalidationFor(pattern string, ctx regime.Context) string {
	switch pattern {
	case detect.PatternVolumeSpike:
		return fmt.Sprintf("Invalid if price retraces >2%% on declining volume or regime shifts to %s", oppositeRegime(ctx.Regime))
	case detect.PatternPriceMomentum:
		return "Invalid if price closes back inside the prior range"
	case detect.PatternVolatilitySurge:
		return "Invalid if the bar range normalizes toward its average"
	case detect.PatternBreakoutHigh:
		return "Invalid if price closes back below the broken level"
	case detect.PatternBreakoutLow:
		return "Invalid if price closes back above the broken level"
	default:
		return "Would reconsider with stronger signal"
	}
}

// oppositeRegime names the regime whose arrival would flip the thesis.
func oppositeRegime(r regime.Regime) string {
	switch r {
	case regime.TrendingUp:
		return string(regime.TrendingDown)
	case regime.TrendingDown:
		return string(regime.TrendingUp)
	case regime.HighVolatility:
		return string(regime.LowVolatility)
	case regime.LowVolatility:
		return string(regime.HighVolatility)
	case regime.Ranging:
		return string(regime.Breakout)
	case regime.Breakout:
		return string(regime.Ranging)
	default:
		return string(regime.Unknown)
	}
}

func buildStory(in Input, d Decision) Story {
	ctx := fmt.Sprintf("%s is in a %s market with %s volume. Volatility is in the %.0fth percentile.",
		in.Anomaly.Symbol,
		strings.ReplaceAll(string(in.Context.Regime), "_", " "),
		in.Context.VolumeRegime,
		in.Context.VolatilityPercentile)

	trigger := fmt.Sprintf("Detected %s with z-score %.1f. ",
		strings.ReplaceAll(in.Anomaly.PatternType, "_", " "), in.Anomaly.ZScore)
	switch {
	case in.Confidence.Behavioral >= 0.6:
		trigger += fmt.Sprintf("This pattern has worked well for you historically (%.0f%% reliability).", in.Confidence.Behavioral*100)
	case in.Confidence.Behavioral <= 0.4:
		trigger += fmt.Sprintf("Note: This pattern has mixed results in your history (%.0f%% reliability).", in.Confidence.Behavioral*100)
	}

	return Story{
		Context:      ctx,
		Trigger:      strings.TrimSpace(trigger),
		Risk:         d.RiskAssessment,
		Invalidation: d.Invalidation,
	}
}
