package agent

import (
	"github.com/finsight-ai/finsight/internal/confidence"
)

// State is the agent's disposition toward an anomaly. States are
// lower-case end-to-end: they appear verbatim in the database, the
// event stream, and API responses.
type State string

const (
	StateIgnore  State = "ignore"
	StateMonitor State = "monitor"
	StateReview  State = "review"
	StateExecute State = "execute"
)

// States lists every decision state in escalating order of commitment.
var States = []State{StateIgnore, StateMonitor, StateReview, StateExecute}

// Reasons recorded when the agent rejects or escalates instead of
// classifying on composite confidence alone.
const (
	ReasonPoorHistory       = "poor_history"
	ReasonUnfavorableRegime = "unfavorable_regime"
	ReasonInsufficientData  = "insufficient_data"
	ReasonHighUncertainty   = "high_uncertainty"
	ReasonFirstOccurrence   = "first_occurrence"
)

// Story is the four-part human-readable narrative attached to every
// decision: what the market is doing, why this signal fired, what
// could go wrong, and what would prove the signal wrong.
type Story struct {
	Context      string `json:"context"`
	Trigger      string `json:"trigger"`
	Risk         string `json:"risk"`
	Invalidation string `json:"invalidation"`
}

// Decision is the agent's authoritative output for one anomaly.
// Immutable once produced; persisted alongside the anomaly.
type Decision struct {
	State             State            `json:"state"`
	Confidence        confidence.Score `json:"confidence"`
	Reason            string           `json:"reason"`
	RiskAssessment    string           `json:"risk_assessment"`
	Rejected          bool             `json:"rejected"`
	RejectionReason   string           `json:"rejection_reason,omitempty"`
	Escalated         bool             `json:"escalated"`
	EscalationReason  string           `json:"escalation_reason,omitempty"`
	RequestedMoreData bool             `json:"requested_more_data"`
	Invalidation      string           `json:"invalidation"`
	Story             Story            `json:"story"`
}
