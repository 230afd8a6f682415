// Package regime classifies the current market behavior from a window of
// OHLCV bars: trend direction, volatility band, volume regime, and session
// timing. The resulting Context conditions both confidence scoring and
// causal learning.
package regime

import (
	"math"
	"sort"
	"time"

	"github.com/cinar/indicator/v2/trend"
	"github.com/rs/zerolog/log"

	"github.com/finsight-ai/finsight/internal/market"
)

// DefaultLookback is the rolling window length used for volatility,
// volume, and breakout statistics.
const DefaultLookback = 20

// Classifier derives a Context from a bar window.
type Classifier struct {
	lookback int
}

// NewClassifier creates a classifier with the given lookback window.
// Values below 2 fall back to DefaultLookback.
func NewClassifier(lookback int) *Classifier {
	if lookback < 2 {
		lookback = DefaultLookback
	}
	return &Classifier{lookback: lookback}
}

// Classify analyzes a bar window (oldest first) and returns its Context.
// The window must span at least lookback+1 bars so that one full rolling
// stddev of returns exists; shorter windows yield Unknown with neutral
// defaults so downstream scoring degrades instead of failing.
func (c *Classifier) Classify(bars []market.Bar, interval string) Context {
	horizon := HorizonForInterval(interval)
	if len(bars) < c.lookback+1 {
		return Context{
			Regime:               Unknown,
			Horizon:              horizon,
			Source:               SourceTechnical,
			VolatilityPercentile: 50,
			TrendStrength:        0,
			VolumeRegime:         VolumeNormal,
			TimeOfDay:            TimeMid,
			DayOfWeek:            0,
		}
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	returns := percentChanges(closes)
	vols := rollingStddev(returns, c.lookback)
	currentVol := vols[len(vols)-1]

	ema8 := lastEMA(closes, 8)
	ema21 := lastEMA(closes, 21)
	trendStrength := 0.0
	if ema21 != 0 {
		trendStrength = (ema8 - ema21) / ema21
	}

	reg := c.classifyRegime(bars, trendStrength, currentVol, vols)

	below := 0
	for _, v := range vols {
		if v < currentVol {
			below++
		}
	}
	volPercentile := float64(below) / float64(len(vols)) * 100

	volumeRegime := c.classifyVolume(bars)

	last := bars[len(bars)-1].Timestamp
	ctx := Context{
		Regime:               reg,
		Horizon:              horizon,
		Source:               SourceTechnical,
		VolatilityPercentile: volPercentile,
		TrendStrength:        trendStrength,
		VolumeRegime:         volumeRegime,
		TimeOfDay:            classifyTime(last),
		DayOfWeek:            tradingWeekday(last),
	}

	log.Debug().
		Str("regime", string(ctx.Regime)).
		Float64("trend_strength", ctx.TrendStrength).
		Float64("volatility_percentile", ctx.VolatilityPercentile).
		Str("volume_regime", ctx.VolumeRegime).
		Str("time_of_day", ctx.TimeOfDay).
		Msg("Regime classified")

	return ctx
}

// classifyRegime applies the selection order: volatility extremes first,
// then trend, then breakout, else ranging.
func (c *Classifier) classifyRegime(bars []market.Bar, trendStrength, currentVol float64, vols []float64) Regime {
	if currentVol > quantile(vols, 0.8) {
		return HighVolatility
	}
	if currentVol < quantile(vols, 0.2) {
		return LowVolatility
	}

	if math.Abs(trendStrength) > 0.02 {
		if trendStrength > 0 {
			return TrendingUp
		}
		return TrendingDown
	}

	recentHigh := math.Inf(-1)
	for _, b := range bars[len(bars)-c.lookback:] {
		if b.High > recentHigh {
			recentHigh = b.High
		}
	}
	if bars[len(bars)-1].Close >= recentHigh*0.99 {
		return Breakout
	}

	return Ranging
}

func (c *Classifier) classifyVolume(bars []market.Bar) string {
	window := bars[len(bars)-c.lookback:]
	var sum float64
	for _, b := range window {
		sum += b.Volume
	}
	avg := sum / float64(len(window))
	current := bars[len(bars)-1].Volume

	switch {
	case current > avg*1.5:
		return VolumeHigh
	case current < avg*0.5:
		return VolumeLow
	default:
		return VolumeNormal
	}
}

// HorizonForInterval maps a bar interval to the trading horizon it implies.
func HorizonForInterval(interval string) Horizon {
	d := market.IntervalDuration(interval)
	switch {
	case d < 5*time.Minute:
		return Scalp
	case d <= 30*time.Minute:
		return Intraday
	case d <= 4*time.Hour:
		return Swing
	default:
		return Positional
	}
}

func classifyTime(t time.Time) string {
	switch hour := t.Hour(); {
	case hour < 10:
		return TimeOpen
	case hour < 14:
		return TimeMid
	case hour < 16:
		return TimeClose
	default:
		return TimeAfterHours
	}
}

// tradingWeekday returns the weekday with Monday as 0, the convention used
// in causal keys.
func tradingWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// lastEMA computes the exponential moving average of values and returns
// the value aligned with the final input, or 0 when the series is shorter
// than the period.
func lastEMA(values []float64, period int) float64 {
	in := make(chan float64, len(values))
	for _, v := range values {
		in <- v
	}
	close(in)

	var last float64
	for v := range trend.NewEmaWithPeriod[float64](period).Compute(in) {
		last = v
	}
	return last
}

// percentChanges returns bar-over-bar close returns. A zero previous close
// yields a zero return rather than an infinity.
func percentChanges(closes []float64) []float64 {
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (closes[i]-prev)/prev)
	}
	return out
}

// rollingStddev computes the sample standard deviation over each full
// window of the series.
func rollingStddev(values []float64, window int) []float64 {
	if len(values) < window {
		return nil
	}
	out := make([]float64, 0, len(values)-window+1)
	for i := window; i <= len(values); i++ {
		out = append(out, stddev(values[i-window:i]))
	}
	return out
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

// quantile returns the linearly interpolated q-quantile of values.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
