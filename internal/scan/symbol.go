package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"

	"github.com/rs/zerolog"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/internal/confidence"
	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/detect"
	"github.com/finsight-ai/finsight/internal/market"
	"github.com/finsight-ai/finsight/internal/metrics"
	"github.com/finsight-ai/finsight/internal/profile"
	"github.com/finsight-ai/finsight/internal/regime"
)

type symbolResult struct {
	symbol     string
	windowHash string
	err        error
	panicked   bool
	anomalies  int
	tracked    int
	decisions  map[string]int
}

func (r symbolResult) cancelled() bool {
	return errors.Is(r.err, context.Canceled) || errors.Is(r.err, context.DeadlineExceeded)
}

// scanSymbol runs the full per-symbol pipeline. Panics are contained
// here: the recovered task reports the hash of the bar window it was
// evaluating so the exact input can be replayed.
func (s *Supervisor) scanSymbol(ctx context.Context, p *profile.Profile, symbol string) (res symbolResult) {
	res.symbol = symbol
	res.decisions = make(map[string]int)

	logger := s.svcs.Logger.With().
		Str("user_id", p.UserID).
		Str("symbol", symbol).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			metrics.RecordSymbolPanic()
			res.panicked = true
			res.err = fmt.Errorf("symbol task panic: %v", r)
			logger.Error().
				Interface("panic", r).
				Str("window_hash", res.windowHash).
				Msg("Symbol task panicked")
		}
		if !res.cancelled() {
			metrics.RecordSymbolScan(res.err)
		}
	}()

	bars, err := s.svcs.Market.GetBars(ctx, symbol, s.cfg.BarPeriod, s.cfg.BarInterval)
	if err != nil {
		res.err = fmt.Errorf("fetch bars: %w", err)
		if !res.cancelled() {
			logger.Warn().Err(err).Msg("Bar fetch failed")
		}
		return res
	}

	res.windowHash = windowHash(symbol, bars)
	logger.Debug().
		Int("bars", len(bars)).
		Str("window_hash", res.windowHash).
		Msg("Bars fetched")

	// Too little data is an in-band condition, not a failure.
	if len(bars) < detect.MinWindow {
		logger.Debug().Int("bars", len(bars)).Msg("Window too short, skipping evaluation")
		return res
	}

	rctx := s.classifier.Classify(bars, s.cfg.BarInterval)
	thresholds := s.resolver.Resolve(ctx, p.UserID, symbol)

	anomalies, _ := s.detector.Detect(symbol, bars, thresholds)
	if len(anomalies) == 0 {
		return res
	}
	res.anomalies = len(anomalies)

	sources := s.sourcesJSON(symbol)
	for _, a := range anomalies {
		if ctx.Err() != nil {
			res.err = ctx.Err()
			return res
		}
		s.evaluate(ctx, logger, p, a, rctx, len(bars), len(anomalies)-1, sources, &res)
	}

	return res
}

// evaluate scores, decides, persists and publishes one anomaly. The
// anomaly row is saved before any follow-up is scheduled; a failed save
// skips tracking entirely.
func (s *Supervisor) evaluate(ctx context.Context, logger zerolog.Logger, p *profile.Profile,
	a detect.Anomaly, rctx regime.Context, dataPoints, conflicting int, sources string, res *symbolResult) {

	history, err := s.svcs.Store.GetPatternQuality(ctx, p.UserID, a.PatternType, a.Symbol)
	if err != nil {
		logger.Warn().Err(err).
			Str("pattern", a.PatternType).
			Msg("Pattern quality lookup failed, deciding without history")
		history = nil
	}

	causalConf, causalExpl := s.svcs.Learner.ContextConfidence(a.PatternType, rctx)
	first := !s.svcs.Learner.HasRecord(a.PatternType, rctx.Regime)

	score := confidence.Compute(confidence.Inputs{
		ZScore:             a.ZScore,
		PatternType:        a.PatternType,
		Context:            rctx,
		History:            history,
		RegimeMultiplier:   causalConf,
		DataPoints:         dataPoints,
		ConflictingSignals: conflicting,
	})

	d := s.svcs.Agent.Decide(agent.Input{
		Anomaly:           a,
		Confidence:        score,
		Context:           rctx,
		History:           history,
		CausalConfidence:  causalConf,
		CausalExplanation: causalExpl,
		FirstOccurrence:   first,
	})

	metrics.RecordAnomaly(a.PatternType, string(a.Severity))
	metrics.RecordDecision(string(d.State), score.Composite)
	if d.Rejected {
		metrics.RecordRejection(d.RejectionReason)
	}
	if d.Escalated {
		metrics.RecordEscalation(d.EscalationReason)
	}
	res.decisions[string(d.State)]++

	rec := &db.AnomalyRecord{
		ID:              a.ID,
		UserID:          p.UserID,
		Symbol:          a.Symbol,
		PatternType:     a.PatternType,
		Severity:        string(a.Severity),
		ZScore:          a.ZScore,
		Price:           a.Price,
		Volume:          a.Volume,
		DetectedAt:      a.DetectedAt,
		AgentDecision:   string(d.State),
		AgentConfidence: score.Composite,
		AgentReason:     d.Reason,
		Context:         mustJSON(rctx),
		Sources:         sources,
		ThoughtProcess:  thoughtJSON(a, d, causalExpl, conflicting, dataPoints),
	}

	if err := s.svcs.Store.SaveAnomaly(ctx, rec); err != nil {
		logger.Error().Err(err).
			Str("anomaly_id", a.ID).
			Msg("Failed to save anomaly, skipping follow-up")
		res.err = err
		return
	}

	if s.svcs.Events != nil {
		s.svcs.Events.AnomalyDetected(ctx, rec)
		s.svcs.Events.DecisionMade(ctx, rec, d)
	}

	if d.State != agent.StateIgnore {
		if _, err := s.svcs.Tracker.Track(ctx, rec, rctx); err != nil {
			logger.Error().Err(err).
				Str("anomaly_id", a.ID).
				Msg("Failed to schedule outcome tracking")
			res.err = err
			return
		}
		res.tracked++
	}

	logger.Info().
		Str("anomaly_id", a.ID).
		Str("pattern", a.PatternType).
		Str("severity", string(a.Severity)).
		Str("state", string(d.State)).
		Float64("composite", score.Composite).
		Msg("Anomaly evaluated")
}

// sourcesJSON attributes the symbol's bar window to its provider when
// the market adapter can report one.
func (s *Supervisor) sourcesJSON(symbol string) string {
	reporter, ok := s.svcs.Market.(market.SourceReporter)
	if !ok {
		return "[]"
	}
	info, ok := reporter.Source(symbol)
	if !ok {
		return "[]"
	}
	return mustJSON([]market.SourceInfo{info})
}

// thought is the persisted narrative column: everything needed to
// reconstruct why the agent decided what it did.
type thought struct {
	Story              agent.Story `json:"story"`
	Reason             string      `json:"reason"`
	RiskAssessment     string      `json:"risk_assessment"`
	Invalidation       string      `json:"invalidation"`
	Breakdown          string      `json:"confidence_breakdown"`
	CausalExplanation  string      `json:"causal_explanation,omitempty"`
	ConflictingSignals int         `json:"conflicting_signals"`
	DataPoints         int         `json:"data_points"`
	ZScore             float64     `json:"z_score"`
}

func thoughtJSON(a detect.Anomaly, d agent.Decision, causalExpl string, conflicting, dataPoints int) string {
	return mustJSON(thought{
		Story:              d.Story,
		Reason:             d.Reason,
		RiskAssessment:     d.RiskAssessment,
		Invalidation:       d.Invalidation,
		Breakdown:          d.Confidence.Breakdown,
		CausalExplanation:  causalExpl,
		ConflictingSignals: conflicting,
		DataPoints:         dataPoints,
		ZScore:             a.ZScore,
	})
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// windowHash fingerprints a bar window so a panic log can identify the
// exact input that blew up.
func windowHash(symbol string, bars []market.Bar) string {
	h := fnv.New64a()
	io.WriteString(h, symbol)
	for _, b := range bars {
		fmt.Fprintf(h, "|%d:%g:%g", b.Timestamp.Unix(), b.Close, b.Volume)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
