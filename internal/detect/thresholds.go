package detect

import (
	"context"

	"github.com/rs/zerolog/log"
)

// RuleThresholds configures a single detection rule. MinVolume applies
// only to volume spikes, MinChange only to price momentum.
type RuleThresholds struct {
	Z             float64
	MinVolume     float64
	MinChange     float64
	MinDataPoints int
}

// Thresholds is the full threshold set for one evaluation. For the
// breakout rules Z is the volume-confirmation z-score.
type Thresholds struct {
	VolumeSpike     RuleThresholds
	PriceMomentum   RuleThresholds
	VolatilitySurge RuleThresholds
	BreakoutHigh    RuleThresholds
	BreakoutLow     RuleThresholds
}

// DefaultThresholds returns the system defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VolumeSpike: RuleThresholds{
			Z:             3.0,
			MinVolume:     1_000_000,
			MinDataPoints: 20,
		},
		PriceMomentum: RuleThresholds{
			Z:             2.5,
			MinChange:     0.015,
			MinDataPoints: 20,
		},
		VolatilitySurge: RuleThresholds{
			Z:             2.5,
			MinDataPoints: 30,
		},
		BreakoutHigh: RuleThresholds{
			Z:             1.5,
			MinDataPoints: 20,
		},
		BreakoutLow: RuleThresholds{
			Z:             1.5,
			MinDataPoints: 20,
		},
	}
}

// ZFor returns the z threshold for a pattern, 3.0 for unknown patterns.
func (t Thresholds) ZFor(pattern string) float64 {
	switch pattern {
	case PatternVolumeSpike:
		return t.VolumeSpike.Z
	case PatternPriceMomentum:
		return t.PriceMomentum.Z
	case PatternVolatilitySurge:
		return t.VolatilitySurge.Z
	case PatternBreakoutHigh:
		return t.BreakoutHigh.Z
	case PatternBreakoutLow:
		return t.BreakoutLow.Z
	default:
		return 3.0
	}
}

// setZ applies a per-pattern z override. Unknown patterns are ignored.
func (t *Thresholds) setZ(pattern string, z float64) bool {
	switch pattern {
	case PatternVolumeSpike:
		t.VolumeSpike.Z = z
	case PatternPriceMomentum:
		t.PriceMomentum.Z = z
	case PatternVolatilitySurge:
		t.VolatilitySurge.Z = z
	case PatternBreakoutHigh:
		t.BreakoutHigh.Z = z
	case PatternBreakoutLow:
		t.BreakoutLow.Z = z
	default:
		return false
	}
	return true
}

// OverrideSource supplies learned per-(user, pattern, symbol) z-score
// overrides. The quality-driven threshold store implements this.
type OverrideSource interface {
	GetThresholdOverrides(ctx context.Context, userID, symbol string) (map[string]float64, error)
}

// Resolver merges stored overrides onto the default thresholds before
// each evaluation, so detection stays a pure function of its inputs.
type Resolver struct {
	defaults Thresholds
	source   OverrideSource
}

// NewResolver creates a resolver over the given override source. A nil
// source always resolves to the defaults.
func NewResolver(source OverrideSource) *Resolver {
	return &Resolver{
		defaults: DefaultThresholds(),
		source:   source,
	}
}

// Resolve returns the thresholds for one (user, symbol) evaluation.
// Lookup failures fall back to the defaults; thresholds are advisory and
// must never block a scan.
func (r *Resolver) Resolve(ctx context.Context, userID, symbol string) Thresholds {
	resolved := r.defaults
	if r.source == nil {
		return resolved
	}

	overrides, err := r.source.GetThresholdOverrides(ctx, userID, symbol)
	if err != nil {
		log.Warn().
			Err(err).
			Str("user_id", userID).
			Str("symbol", symbol).
			Msg("Failed to load threshold overrides, using defaults")
		return resolved
	}

	for pattern, z := range overrides {
		if !resolved.setZ(pattern, z) {
			log.Warn().
				Str("pattern", pattern).
				Str("symbol", symbol).
				Msg("Ignoring threshold override for unknown pattern")
		}
	}
	return resolved
}
