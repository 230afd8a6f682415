// Package detect finds statistical anomalies on the newest bar of a
// market window: volume spikes, price momentum, volatility surges, and
// volume-confirmed breakouts. Each rule z-tests the newest observation
// against the rest of the window and emits at most one event.
package detect

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/finsight-ai/finsight/internal/market"
)

// MinWindow is the smallest bar window any rule evaluates.
const MinWindow = 20

// breakoutLookback is how many prior bars form the breakout reference
// high and low.
const breakoutLookback = 20

// Stats captures the window statistics behind one evaluation, for the
// persisted thought-process narrative. Z fields are zero when the
// reference stddev is zero.
type Stats struct {
	VolumeZ       float64
	AvgVolume     float64
	ReturnZ       float64
	CurrentReturn float64
	RangeZ        float64
	CurrentRange  float64
	AvgRange      float64
	PriorHigh     float64
	PriorLow      float64
	BrokeHigh     bool
	BrokeLow      bool
}

// Detector evaluates detection rules over bar windows. Given the same
// window and thresholds the emitted events are deterministic; only ids
// and timestamps vary.
type Detector struct {
	now func() time.Time
}

// NewDetector creates a detector using the wall clock.
func NewDetector() *Detector {
	return &Detector{now: time.Now}
}

// Detect runs every rule on the newest bar of the window (oldest first)
// and returns the emitted anomalies plus the underlying statistics.
func (d *Detector) Detect(symbol string, bars []market.Bar, th Thresholds) ([]Anomaly, Stats) {
	if len(bars) < MinWindow {
		return nil, Stats{}
	}

	stats := computeStats(bars)
	now := d.now()

	var anomalies []Anomaly
	if a := d.volumeSpike(symbol, bars, th.VolumeSpike, stats, now); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.priceMomentum(symbol, bars, th.PriceMomentum, stats, now); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.volatilitySurge(symbol, bars, th.VolatilitySurge, stats, now); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.breakout(symbol, bars, th.BreakoutHigh, stats, now, true); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.breakout(symbol, bars, th.BreakoutLow, stats, now, false); a != nil {
		anomalies = append(anomalies, *a)
	}
	return anomalies, stats
}

func (d *Detector) volumeSpike(symbol string, bars []market.Bar, cfg RuleThresholds, stats Stats, now time.Time) *Anomaly {
	if len(bars) < cfg.MinDataPoints {
		return nil
	}

	last := bars[len(bars)-1]
	if last.Volume < cfg.MinVolume || stats.VolumeZ < cfg.Z {
		return nil
	}

	a := newAnomaly(symbol, PatternVolumeSpike, stats.VolumeZ, last.Close, int64(last.Volume), now,
		fmt.Sprintf("Volume %.1fσ above average (%s vs avg %s)",
			stats.VolumeZ, formatCount(last.Volume), formatCount(stats.AvgVolume)))
	return &a
}

func (d *Detector) priceMomentum(symbol string, bars []market.Bar, cfg RuleThresholds, stats Stats, now time.Time) *Anomaly {
	if len(bars) < cfg.MinDataPoints {
		return nil
	}
	if math.Abs(stats.CurrentReturn) < cfg.MinChange || stats.ReturnZ < cfg.Z {
		return nil
	}

	direction := "up"
	if stats.CurrentReturn < 0 {
		direction = "down"
	}
	last := bars[len(bars)-1]
	a := newAnomaly(symbol, PatternPriceMomentum, stats.ReturnZ, last.Close, int64(last.Volume), now,
		fmt.Sprintf("Price moved %s %.2f%% (%.1fσ)",
			direction, math.Abs(stats.CurrentReturn)*100, stats.ReturnZ))
	return &a
}

func (d *Detector) volatilitySurge(symbol string, bars []market.Bar, cfg RuleThresholds, stats Stats, now time.Time) *Anomaly {
	if len(bars) < cfg.MinDataPoints {
		return nil
	}
	if stats.RangeZ < cfg.Z {
		return nil
	}

	last := bars[len(bars)-1]
	a := newAnomaly(symbol, PatternVolatilitySurge, stats.RangeZ, last.Close, int64(last.Volume), now,
		fmt.Sprintf("Volatility %.1fσ above normal (range %.2f%%)",
			stats.RangeZ, stats.CurrentRange*100))
	return &a
}

// breakout emits when the newest bar pierces the prior 20-bar extreme
// with the window's volume z confirming the move.
func (d *Detector) breakout(symbol string, bars []market.Bar, cfg RuleThresholds, stats Stats, now time.Time, high bool) *Anomaly {
	if len(bars) < cfg.MinDataPoints {
		return nil
	}
	if stats.VolumeZ < cfg.Z {
		return nil
	}

	last := bars[len(bars)-1]
	if high {
		if !stats.BrokeHigh {
			return nil
		}
		a := newAnomaly(symbol, PatternBreakoutHigh, stats.VolumeZ, last.Close, int64(last.Volume), now,
			fmt.Sprintf("Broke above 20-bar high %.2f (volume %.1fσ)", stats.PriorHigh, stats.VolumeZ))
		return &a
	}

	if !stats.BrokeLow {
		return nil
	}
	a := newAnomaly(symbol, PatternBreakoutLow, stats.VolumeZ, last.Close, int64(last.Volume), now,
		fmt.Sprintf("Broke below 20-bar low %.2f (volume %.1fσ)", stats.PriorLow, stats.VolumeZ))
	return &a
}

// computeStats derives every rule input in one pass over the window.
// Reference populations always exclude the newest observation.
func computeStats(bars []market.Bar) Stats {
	n := len(bars)
	last := bars[n-1]

	var stats Stats

	volumes := make([]float64, n)
	for i, b := range bars {
		volumes[i] = b.Volume
	}
	stats.AvgVolume = mean(volumes[:n-1])
	if sd := popStddev(volumes[:n-1]); sd > 0 {
		stats.VolumeZ = (last.Volume - stats.AvgVolume) / sd
	}

	returns := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		prev := bars[i-1].Close
		if prev == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, (bars[i].Close-prev)/prev)
	}
	stats.CurrentReturn = returns[len(returns)-1]
	ref := returns[:len(returns)-1]
	if sd := popStddev(ref); sd > 0 {
		stats.ReturnZ = math.Abs((stats.CurrentReturn - mean(ref)) / sd)
	}

	ranges := make([]float64, n)
	for i, b := range bars {
		ranges[i] = b.Range()
	}
	stats.CurrentRange = ranges[n-1]
	stats.AvgRange = mean(ranges[:n-1])
	if sd := popStddev(ranges[:n-1]); sd > 0 {
		stats.RangeZ = (stats.CurrentRange - stats.AvgRange) / sd
	}

	prior := bars[:n-1]
	if len(prior) > breakoutLookback {
		prior = prior[len(prior)-breakoutLookback:]
	}
	stats.PriorHigh = math.Inf(-1)
	stats.PriorLow = math.Inf(1)
	for _, b := range prior {
		if b.High > stats.PriorHigh {
			stats.PriorHigh = b.High
		}
		if b.Low < stats.PriorLow {
			stats.PriorLow = b.Low
		}
	}
	stats.BrokeHigh = last.High > stats.PriorHigh
	stats.BrokeLow = last.Low < stats.PriorLow

	return stats
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// popStddev is the population standard deviation of the reference window.
func popStddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// formatCount renders a volume with thousands separators.
func formatCount(v float64) string {
	s := strconv.FormatInt(int64(v), 10)
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}

	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
