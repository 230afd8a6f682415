package db

import "time"

// AnomalyRecord is the persisted form of a detected anomaly together
// with the agent's verdict and the narrative columns shown to users.
// The row is scoped to the user whose thresholds and history produced
// the decision; two profiles watching the same symbol get separate rows.
// Rows are written once per anomaly; a second write for the same id only
// refreshes the agent fields.
type AnomalyRecord struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Symbol          string    `json:"symbol"`
	PatternType     string    `json:"pattern_type"`
	Severity        string    `json:"severity"`
	ZScore          float64   `json:"z_score"`
	Price           float64   `json:"price"`
	Volume          int64     `json:"volume"`
	DetectedAt      time.Time `json:"detected_at"`
	AgentDecision   string    `json:"agent_decision"`
	AgentConfidence float64   `json:"agent_confidence"`
	AgentReason     string    `json:"agent_reason"`
	Context         string    `json:"context"`
	Sources         string    `json:"sources"`
	ThoughtProcess  string    `json:"thought_process"`
	CreatedAt       time.Time `json:"created_at"`
}

// UserAction is one recorded human response to an anomaly. The latest
// action per (anomaly, user) wins.
type UserAction struct {
	ID        int64     `json:"id"`
	AnomalyID string    `json:"anomaly_id"`
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Outcome closes an anomaly's follow-up window. Forward returns are nil
// for intervals where no price could be sampled.
type Outcome struct {
	AnomalyID       string    `json:"anomaly_id"`
	UserID          string    `json:"user_id"`
	AgentDecision   string    `json:"agent_decision"`
	AgentConfidence float64   `json:"agent_confidence"`
	UserAction      string    `json:"user_action"`
	Return15m       *float64  `json:"return_15m"`
	Return1h        *float64  `json:"return_1h"`
	Return4h        *float64  `json:"return_4h"`
	Return1d        *float64  `json:"return_1d"`
	WasProfitable   bool      `json:"was_profitable"`
	AgentCorrect    bool      `json:"agent_correct"`
	CreatedAt       time.Time `json:"created_at"`
}

// PendingOutcome is a durable outcome-tracking schedule entry. The
// tracker claims rows whose fire_at has passed, samples the next forward
// return, and either advances fire_at to the next interval or finalizes
// the row into an Outcome. The detection-time regime context rides along
// so the finalized outcome can be replayed into the causal learner.
type PendingOutcome struct {
	ID              int64     `json:"id"`
	AnomalyID       string    `json:"anomaly_id"`
	UserID          string    `json:"user_id"`
	Symbol          string    `json:"symbol"`
	PatternType     string    `json:"pattern_type"`
	EntryPrice      float64   `json:"entry_price"`
	AgentDecision   string    `json:"agent_decision"`
	AgentConfidence float64   `json:"agent_confidence"`
	Regime          string    `json:"regime"`
	Horizon         string    `json:"horizon"`
	TimeOfDay       string    `json:"time_of_day"`
	DayOfWeek       int       `json:"day_of_week"`
	DetectedAt      time.Time `json:"detected_at"`
	IntervalIndex   int       `json:"interval_index"`
	FireAt          time.Time `json:"fire_at"`
	Return15m       *float64  `json:"return_15m"`
	Return1h        *float64  `json:"return_1h"`
	Return4h        *float64  `json:"return_4h"`
	Return1d        *float64  `json:"return_1d"`
	CreatedAt       time.Time `json:"created_at"`
}

// PatternQuality is the per (user, pattern, symbol) feedback that closes
// the learning loop: empirical rates over that triple's outcome rows.
type PatternQuality struct {
	UserID        string    `json:"user_id"`
	PatternType   string    `json:"pattern_type"`
	Symbol        string    `json:"symbol"`
	Accuracy      float64   `json:"accuracy"`
	ReviewRate    float64   `json:"review_rate"`
	TradeRate     float64   `json:"trade_rate"`
	AvgReturn     float64   `json:"avg_return"`
	AgentAccuracy float64   `json:"agent_accuracy"`
	SampleSize    int       `json:"sample_size"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ThresholdOverride is a learned per-(user, pattern, symbol) detection
// threshold that supersedes the system default.
type ThresholdOverride struct {
	UserID      string    `json:"user_id"`
	PatternType string    `json:"pattern_type"`
	Symbol      string    `json:"symbol"`
	ZScore      float64   `json:"z_score"`
	Reason      string    `json:"reason,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CausalObservation is one context→outcome tuple persisted for the
// causal learner's warm start.
type CausalObservation struct {
	ID          int64     `json:"id"`
	PatternType string    `json:"pattern_type"`
	Regime      string    `json:"regime"`
	Horizon     string    `json:"horizon"`
	TimeOfDay   string    `json:"time_of_day"`
	DayOfWeek   int       `json:"day_of_week"`
	Success     bool      `json:"success"`
	ObservedAt  time.Time `json:"observed_at"`
}
