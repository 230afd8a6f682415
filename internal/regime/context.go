package regime

// Regime labels the dominant market behavior over a bar window.
type Regime string

const (
	TrendingUp     Regime = "trending_up"
	TrendingDown   Regime = "trending_down"
	Ranging        Regime = "ranging"
	HighVolatility Regime = "high_volatility"
	LowVolatility  Regime = "low_volatility"
	Breakout       Regime = "breakout"
	Unknown        Regime = "unknown"
)

// All lists every classifiable regime, Unknown included.
var All = []Regime{
	TrendingUp,
	TrendingDown,
	Ranging,
	HighVolatility,
	LowVolatility,
	Breakout,
	Unknown,
}

// Horizon is the trading time horizon implied by the bar interval.
type Horizon string

const (
	Scalp      Horizon = "scalp"
	Intraday   Horizon = "intraday"
	Swing      Horizon = "swing"
	Positional Horizon = "positional"
)

// Source classifies where a signal originated.
type Source string

const (
	SourceTechnical Source = "technical"
	SourceSentiment Source = "sentiment"
	SourceMacro     Source = "macro"
	SourceFlow      Source = "flow"
	SourceComposite Source = "composite"
)

// Volume regime labels relative to the rolling mean volume.
const (
	VolumeHigh   = "high"
	VolumeNormal = "normal"
	VolumeLow    = "low"
)

// Time-of-day buckets for US equity sessions.
const (
	TimeOpen       = "open"
	TimeMid        = "mid"
	TimeClose      = "close"
	TimeAfterHours = "after_hours"
)

// Context is the full classification of a bar window. It is computed once
// per symbol per cycle and treated as immutable afterwards.
type Context struct {
	Regime               Regime  `json:"regime"`
	Horizon              Horizon `json:"horizon"`
	Source               Source  `json:"source"`
	VolatilityPercentile float64 `json:"volatility_percentile"`
	TrendStrength        float64 `json:"trend_strength"`
	VolumeRegime         string  `json:"volume_regime"`
	TimeOfDay            string  `json:"time_of_day"`
	DayOfWeek            int     `json:"day_of_week"`
}

// Known reports whether the window was long enough to classify.
func (c Context) Known() bool {
	return c.Regime != Unknown
}
