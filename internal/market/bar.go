package market

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Bar is a single OHLCV observation.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Valid reports whether the bar satisfies OHLC consistency: low ≤ open,
// close ≤ high and a non-negative volume.
func (b Bar) Valid() bool {
	if b.Volume < 0 {
		return false
	}
	if b.Low > b.High {
		return false
	}
	if b.Open < b.Low || b.Open > b.High {
		return false
	}
	if b.Close < b.Low || b.Close > b.High {
		return false
	}
	return true
}

// Range returns the bar's high-low range as a fraction of the close.
// Returns 0 when the close is 0.
func (b Bar) Range() float64 {
	if b.Close == 0 {
		return 0
	}
	return (b.High - b.Low) / b.Close
}

// Provider supplies OHLCV windows and spot quotes for equity symbols.
// Implementations must return the sentinel errors from errors.go for
// in-band conditions so callers can branch with errors.Is.
type Provider interface {
	// GetBars returns the bar window for symbol over period at the given
	// interval, sorted ascending by timestamp.
	GetBars(ctx context.Context, symbol, period, interval string) ([]Bar, error)

	// GetQuote returns the latest spot price for symbol.
	GetQuote(ctx context.Context, symbol string) (float64, error)

	// Name identifies the provider in logs, metrics and source attribution.
	Name() string
}

// SourceInfo describes where the most recent bar window for a symbol
// came from. Persisted alongside anomalies for provenance.
type SourceInfo struct {
	Provider string `json:"provider"`
	BarCount int    `json:"bar_count"`
	CacheHit bool   `json:"cache_hit"`
}

// SourceReporter is implemented by providers that can attribute the most
// recent successful window fetch for a symbol to a concrete origin.
type SourceReporter interface {
	Source(symbol string) (SourceInfo, bool)
}

// NormalizeBars sorts bars ascending by timestamp, collapses duplicate
// timestamps keeping the last occurrence, and discards bars that fail
// OHLC consistency. Gaps between timestamps are preserved.
func NormalizeBars(bars []Bar) []Bar {
	if len(bars) == 0 {
		return bars
	}

	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	out := make([]Bar, 0, len(sorted))
	dropped := 0
	for _, b := range sorted {
		if !b.Valid() {
			dropped++
			continue
		}
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(b.Timestamp) {
			// Duplicate timestamp: last wins
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}

	if dropped > 0 {
		log.Warn().
			Int("dropped", dropped).
			Int("kept", len(out)).
			Msg("Discarded malformed bars during normalization")
	}

	return out
}

// IntervalDuration converts a bar interval string to its duration.
// Accepts both the short form ("5m", "1h", "1d") and vendor forms
// ("5min", "60min", "1day"). Unknown intervals fall back to 5 minutes.
func IntervalDuration(interval string) time.Duration {
	switch interval {
	case "1m", "1min":
		return time.Minute
	case "5m", "5min":
		return 5 * time.Minute
	case "15m", "15min":
		return 15 * time.Minute
	case "30m", "30min":
		return 30 * time.Minute
	case "1h", "60m", "60min":
		return time.Hour
	case "2h":
		return 2 * time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d", "1day", "daily":
		return 24 * time.Hour
	}

	if d, err := time.ParseDuration(interval); err == nil && d > 0 {
		return d
	}

	return 5 * time.Minute
}
