package detect

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pattern types emitted by the detector.
const (
	PatternVolumeSpike     = "volume_spike"
	PatternPriceMomentum   = "price_momentum"
	PatternVolatilitySurge = "volatility_surge"
	PatternBreakoutHigh    = "breakout_high"
	PatternBreakoutLow     = "breakout_low"
)

// KnownPatterns returns every pattern type the detector can emit, in a
// stable order.
func KnownPatterns() []string {
	return []string{
		PatternVolumeSpike,
		PatternPriceMomentum,
		PatternVolatilitySurge,
		PatternBreakoutHigh,
		PatternBreakoutLow,
	}
}

// IsKnownPattern reports whether the detector can emit the pattern type.
func IsKnownPattern(pattern string) bool {
	switch pattern {
	case PatternVolumeSpike, PatternPriceMomentum, PatternVolatilitySurge,
		PatternBreakoutHigh, PatternBreakoutLow:
		return true
	default:
		return false
	}
}

// Severity grades an anomaly by the z-score of its driving metric.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityForZ maps a z-score to its severity band.
func SeverityForZ(z float64) Severity {
	switch {
	case z >= 5:
		return SeverityCritical
	case z >= 4:
		return SeverityHigh
	case z >= 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Anomaly is one unusual event on the newest bar of a window. Immutable
// once created; the persistence layer adds decision and narrative fields.
type Anomaly struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	PatternType string    `json:"pattern_type"`
	Severity    Severity  `json:"severity"`
	ZScore      float64   `json:"z_score"`
	Price       float64   `json:"price"`
	Volume      int64     `json:"volume"`
	DetectedAt  time.Time `json:"detected_at"`
	Description string    `json:"description"`
}

// newAnomaly builds an anomaly with the canonical id format
// {symbol}_{pattern}_{YYYYMMDD_HHMMSS}_{6 hex}.
func newAnomaly(symbol, pattern string, z, price float64, volume int64, now time.Time, description string) Anomaly {
	z = round2(z)
	u := uuid.New()
	return Anomaly{
		ID:          fmt.Sprintf("%s_%s_%s_%s", symbol, pattern, now.Format("20060102_150405"), hex.EncodeToString(u[:3])),
		Symbol:      symbol,
		PatternType: pattern,
		Severity:    SeverityForZ(z),
		ZScore:      z,
		Price:       price,
		Volume:      volume,
		DetectedAt:  now,
		Description: description,
	}
}
