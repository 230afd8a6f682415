// Package confidence folds signal strength, user history, regime fit, and
// data quality into one composite score with an uncertainty penalty. The
// computation is pure; callers supply the causal regime multiplier.
package confidence

import (
	"fmt"
	"strings"

	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/regime"
)

// Dimension weights of the composite score.
const (
	weightStatistical = 0.25
	weightBehavioral  = 0.30
	weightRegime      = 0.25
	weightDataQuality = 0.20
)

// Score is the multi-dimensional confidence for one anomaly. All
// components live in [0,1]; Composite already includes the uncertainty
// penalty.
type Score struct {
	Statistical float64 `json:"statistical"`
	Behavioral  float64 `json:"behavioral"`
	Regime      float64 `json:"regime"`
	DataQuality float64 `json:"data_quality"`
	Uncertainty float64 `json:"uncertainty"`
	Composite   float64 `json:"composite"`
	Breakdown   string  `json:"breakdown"`
}

// Inputs for one scoring. History may be nil when the user has no
// record for the (pattern, symbol) pair; RegimeMultiplier is the causal
// learner's context confidence (0.5 prior when it has no data).
type Inputs struct {
	ZScore             float64
	PatternType        string
	Context            regime.Context
	History            *db.PatternQuality
	RegimeMultiplier   float64
	DataPoints         int
	ConflictingSignals int
}

// Compute scores one anomaly. Deterministic in its inputs.
func Compute(in Inputs) Score {
	// z=2 → 0.25, z=3 → 0.5, z=4 → 0.75, z≥5 → 1.0
	statistical := clamp((in.ZScore - 1) / 4)

	behavioral := 0.5
	if in.History != nil && in.History.SampleSize >= 5 {
		behavioral = 0.6*in.History.Accuracy +
			0.2*in.History.TradeRate +
			0.2*in.History.AgentAccuracy
	}

	regimeScore := clamp(in.RegimeMultiplier)

	var dataQuality float64
	switch {
	case in.DataPoints >= 50:
		dataQuality = 1.0
	case in.DataPoints >= 30:
		dataQuality = 0.8
	case in.DataPoints >= 20:
		dataQuality = 0.6
	default:
		dataQuality = 0.4
	}

	var uncertainty float64
	if !in.Context.Known() {
		uncertainty += 0.2
	}
	if in.History == nil || in.History.SampleSize < 10 {
		uncertainty += 0.15
	}
	if in.ConflictingSignals > 0 {
		uncertainty += 0.1 * float64(min(in.ConflictingSignals, 3))
	}
	if in.Context.VolatilityPercentile > 80 {
		uncertainty += 0.1
	}
	if uncertainty > 1 {
		uncertainty = 1
	}

	raw := weightStatistical*statistical +
		weightBehavioral*behavioral +
		weightRegime*regimeScore +
		weightDataQuality*dataQuality

	s := Score{
		Statistical: statistical,
		Behavioral:  behavioral,
		Regime:      regimeScore,
		DataQuality: dataQuality,
		Uncertainty: uncertainty,
		Composite:   raw * (1 - 0.5*uncertainty),
	}
	s.Breakdown = s.buildBreakdown()
	return s
}

// buildBreakdown names the dimensions strong or weak enough to matter.
func (s Score) buildBreakdown() string {
	var parts []string

	if s.Statistical >= 0.7 {
		parts = append(parts, fmt.Sprintf("Strong signal (%.0f%%)", s.Statistical*100))
	} else if s.Statistical < 0.4 {
		parts = append(parts, fmt.Sprintf("Weak signal (%.0f%%)", s.Statistical*100))
	}

	if s.Behavioral >= 0.7 {
		parts = append(parts, fmt.Sprintf("Good history (%.0f%%)", s.Behavioral*100))
	} else if s.Behavioral < 0.4 {
		parts = append(parts, fmt.Sprintf("Poor history (%.0f%%)", s.Behavioral*100))
	}

	if s.Regime >= 0.7 {
		parts = append(parts, "Favorable regime")
	} else if s.Regime < 0.4 {
		parts = append(parts, "Unfavorable regime")
	}

	if s.Uncertainty >= 0.3 {
		parts = append(parts, fmt.Sprintf("High uncertainty (%.0f%%)", s.Uncertainty*100))
	}

	if len(parts) == 0 {
		return "Balanced confidence"
	}
	return strings.Join(parts, "; ")
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
