// Package tracking closes every non-ignore decision: it schedules
// forward-return samples against a durable pending_outcomes table,
// classifies profitability once the window ends, scores the agent, and
// feeds the result back into pattern quality and the causal learner.
package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/learning"
	"github.com/finsight-ai/finsight/internal/metrics"
	"github.com/finsight-ai/finsight/internal/regime"
)

const (
	// DefaultProfitThreshold is the minimum best forward return for an
	// anomaly to count as profitable.
	DefaultProfitThreshold = 0.005

	// DefaultUserActionTimeout is the minimum window the user gets to
	// respond before an absent action is treated as "ignored".
	DefaultUserActionTimeout = time.Hour

	// DefaultPollInterval is how often the scheduler looks for due
	// entries.
	DefaultPollInterval = 30 * time.Second

	// DefaultClaimLimit bounds how many due entries one poll processes.
	DefaultClaimLimit = 50
)

// Interval is one follow-up offset from the detection instant.
type Interval struct {
	Label  string
	Offset time.Duration
}

// DefaultIntervals match the four forward-return columns on the
// outcome row.
var DefaultIntervals = []Interval{
	{Label: "15m", Offset: 15 * time.Minute},
	{Label: "1h", Offset: time.Hour},
	{Label: "4h", Offset: 4 * time.Hour},
	{Label: "1d", Offset: 24 * time.Hour},
}

// Clock abstracts time so tests can drive the schedule.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current wall time.
func (SystemClock) Now() time.Time { return time.Now() }

// QuoteSource supplies spot prices for forward-return sampling.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (float64, error)
}

// Store is the persistence surface the scheduler drives.
type Store interface {
	EnqueuePendingOutcome(ctx context.Context, p *db.PendingOutcome) (int64, error)
	OrphanedAnomalies(ctx context.Context, before time.Time, limit int) ([]*db.AnomalyRecord, error)
	DuePendingOutcomes(ctx context.Context, now time.Time, limit int) ([]*db.PendingOutcome, error)
	AdvancePendingOutcome(ctx context.Context, p *db.PendingOutcome) error
	FinalizePendingOutcome(ctx context.Context, pendingID int64, o *db.Outcome) error
	LatestUserAction(ctx context.Context, anomalyID, userID string) (string, error)
	RecomputePatternQuality(ctx context.Context, anomalyID, userID string) (*db.PatternQuality, error)
	AppendCausalObservation(ctx context.Context, o db.CausalObservation) error
}

// Recorder receives finalized observations for in-memory learning.
type Recorder interface {
	Record(o learning.Observation)
}

// Publisher is notified as outcomes close and quality rows change.
// Implementations log their own failures; publishing never blocks the
// tracking path.
type Publisher interface {
	OutcomeRecorded(ctx context.Context, o *db.Outcome)
	QualityUpdated(ctx context.Context, q *db.PatternQuality)
}

// Config tunes the scheduler. Zero values fall back to defaults.
type Config struct {
	Intervals         []Interval
	ProfitThreshold   float64
	UserActionTimeout time.Duration
	PollInterval      time.Duration
	ClaimLimit        int
	Clock             Clock
}

// Scheduler polls the pending_outcomes table and walks each entry
// through its follow-up intervals. The schedule lives in the database,
// so restarts pick up exactly where the previous process stopped.
type Scheduler struct {
	store   Store
	quotes  QuoteSource
	learner Recorder
	events  Publisher

	clock             Clock
	intervals         []Interval
	profitThreshold   float64
	userActionTimeout time.Duration
	pollInterval      time.Duration
	claimLimit        int
}

// NewScheduler creates a scheduler. learner and events may be nil.
func NewScheduler(store Store, quotes QuoteSource, learner Recorder, events Publisher, cfg Config) *Scheduler {
	if len(cfg.Intervals) == 0 {
		cfg.Intervals = DefaultIntervals
	}
	if len(cfg.Intervals) > len(DefaultIntervals) {
		log.Warn().
			Int("configured", len(cfg.Intervals)).
			Msg("Too many tracking intervals, truncating to four")
		cfg.Intervals = cfg.Intervals[:len(DefaultIntervals)]
	}
	if cfg.ProfitThreshold == 0 {
		cfg.ProfitThreshold = DefaultProfitThreshold
	}
	if cfg.UserActionTimeout <= 0 {
		cfg.UserActionTimeout = DefaultUserActionTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = DefaultClaimLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}

	return &Scheduler{
		store:             store,
		quotes:            quotes,
		learner:           learner,
		events:            events,
		clock:             cfg.Clock,
		intervals:         cfg.Intervals,
		profitThreshold:   cfg.ProfitThreshold,
		userActionTimeout: cfg.UserActionTimeout,
		pollInterval:      cfg.PollInterval,
		claimLimit:        cfg.ClaimLimit,
	}
}

// Track schedules follow-up for a freshly persisted non-ignore
// decision. The anomaly row must already be saved.
func (s *Scheduler) Track(ctx context.Context, rec *db.AnomalyRecord, rctx regime.Context) (int64, error) {
	p := &db.PendingOutcome{
		AnomalyID:       rec.ID,
		UserID:          rec.UserID,
		Symbol:          rec.Symbol,
		PatternType:     rec.PatternType,
		EntryPrice:      rec.Price,
		AgentDecision:   rec.AgentDecision,
		AgentConfidence: rec.AgentConfidence,
		Regime:          string(rctx.Regime),
		Horizon:         string(rctx.Horizon),
		TimeOfDay:       rctx.TimeOfDay,
		DayOfWeek:       rctx.DayOfWeek,
		DetectedAt:      rec.DetectedAt,
		IntervalIndex:   0,
		FireAt:          s.fireAt(rec.DetectedAt, 0),
	}

	id, err := s.store.EnqueuePendingOutcome(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("track anomaly %s: %w", rec.ID, err)
	}

	log.Debug().
		Int64("pending_id", id).
		Str("anomaly_id", rec.ID).
		Str("interval", s.intervals[0].Label).
		Msg("Outcome tracking scheduled")

	return id, nil
}

// Recover back-fills schedule entries for anomalies that lost their
// follow-up: a crash between the anomaly save and the enqueue leaves a
// non-ignore decision with neither an outcome nor a pending entry. Each
// orphan resumes at the first interval still ahead of it; intervals
// already missed stay null. Call once at startup, before the scan
// supervisor begins producing new anomalies.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	now := s.clock.Now()
	orphans, err := s.store.OrphanedAnomalies(ctx, now, s.claimLimit)
	if err != nil {
		return 0, fmt.Errorf("scan orphaned anomalies: %w", err)
	}

	recovered := 0
	for _, rec := range orphans {
		var rctx regime.Context
		if err := json.Unmarshal([]byte(rec.Context), &rctx); err != nil {
			log.Warn().Err(err).
				Str("anomaly_id", rec.ID).
				Msg("Stored regime context unreadable, recovering as unknown")
			rctx = regime.Context{Regime: regime.Unknown}
		}

		index := 0
		for index < len(s.intervals)-1 && !s.fireAt(rec.DetectedAt, index).After(now) {
			index++
		}
		fire := s.fireAt(rec.DetectedAt, index)
		if fire.Before(now) {
			fire = now
		}

		p := &db.PendingOutcome{
			AnomalyID:       rec.ID,
			UserID:          rec.UserID,
			Symbol:          rec.Symbol,
			PatternType:     rec.PatternType,
			EntryPrice:      rec.Price,
			AgentDecision:   rec.AgentDecision,
			AgentConfidence: rec.AgentConfidence,
			Regime:          string(rctx.Regime),
			Horizon:         string(rctx.Horizon),
			TimeOfDay:       rctx.TimeOfDay,
			DayOfWeek:       rctx.DayOfWeek,
			DetectedAt:      rec.DetectedAt,
			IntervalIndex:   index,
			FireAt:          fire,
		}
		if _, err := s.store.EnqueuePendingOutcome(ctx, p); err != nil {
			log.Error().Err(err).
				Str("anomaly_id", rec.ID).
				Msg("Failed to recover orphaned follow-up")
			continue
		}
		recovered++

		log.Info().
			Str("anomaly_id", rec.ID).
			Int("interval_index", index).
			Time("fire_at", fire).
			Msg("Orphaned follow-up recovered")
	}

	return recovered, nil
}

// Run polls for due entries until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	log.Info().
		Dur("poll_interval", s.pollInterval).
		Int("intervals", len(s.intervals)).
		Msg("Outcome tracker started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Outcome tracker stopped")
			return
		case <-ticker.C:
			if err := s.Poll(ctx); err != nil {
				log.Error().Err(err).Msg("Outcome tracking poll failed")
			}
		}
	}
}

// Poll claims every due entry once and processes each. Entries that
// fail stay due and are retried on the next poll.
func (s *Scheduler) Poll(ctx context.Context) error {
	now := s.clock.Now()
	due, err := s.store.DuePendingOutcomes(ctx, now, s.claimLimit)
	if err != nil {
		return fmt.Errorf("claim due outcomes: %w", err)
	}

	for _, p := range due {
		if err := s.process(ctx, p); err != nil {
			log.Error().Err(err).
				Int64("pending_id", p.ID).
				Str("anomaly_id", p.AnomalyID).
				Msg("Failed to process pending outcome")
		}
	}

	return nil
}

func (s *Scheduler) process(ctx context.Context, p *db.PendingOutcome) error {
	// Entries left over from a run with more intervals finalize with
	// what they have.
	if p.IntervalIndex >= len(s.intervals) {
		return s.finalize(ctx, p)
	}

	setReturn(p, p.IntervalIndex, s.sampleReturn(ctx, p))

	if p.IntervalIndex < len(s.intervals)-1 {
		p.IntervalIndex++
		p.FireAt = s.fireAt(p.DetectedAt, p.IntervalIndex)
		return s.store.AdvancePendingOutcome(ctx, p)
	}

	return s.finalize(ctx, p)
}

// sampleReturn fetches the spot and computes the forward return for the
// entry's current interval. Sampling failures become nil, never aborts.
func (s *Scheduler) sampleReturn(ctx context.Context, p *db.PendingOutcome) *float64 {
	label := s.intervals[p.IntervalIndex].Label

	price, err := s.quotes.GetQuote(ctx, p.Symbol)
	metrics.RecordOutcomeSample(label, err)
	if err != nil {
		log.Warn().Err(err).
			Str("symbol", p.Symbol).
			Str("interval", label).
			Msg("Forward price sample failed")
		return nil
	}
	if p.EntryPrice == 0 {
		log.Warn().Str("anomaly_id", p.AnomalyID).Msg("Entry price is zero, skipping sample")
		return nil
	}

	ret := (price - p.EntryPrice) / p.EntryPrice
	return &ret
}

func (s *Scheduler) finalize(ctx context.Context, p *db.PendingOutcome) error {
	action, err := s.store.LatestUserAction(ctx, p.AnomalyID, p.UserID)
	if err != nil {
		return fmt.Errorf("read user action for %s: %w", p.AnomalyID, err)
	}

	wasProfitable := profitable(forwardReturns(p), s.profitThreshold)
	o := &db.Outcome{
		AnomalyID:       p.AnomalyID,
		UserID:          p.UserID,
		AgentDecision:   p.AgentDecision,
		AgentConfidence: p.AgentConfidence,
		UserAction:      action,
		Return15m:       p.Return15m,
		Return1h:        p.Return1h,
		Return4h:        p.Return4h,
		Return1d:        p.Return1d,
		WasProfitable:   wasProfitable,
		AgentCorrect:    agentCorrect(p.AgentDecision, action, wasProfitable),
	}

	if err := s.store.FinalizePendingOutcome(ctx, p.ID, o); err != nil {
		return fmt.Errorf("finalize outcome for %s: %w", p.AnomalyID, err)
	}
	metrics.RecordOutcome(wasProfitable)

	// The outcome is durable from here on. Downstream learning steps
	// log their failures instead of propagating them.
	if q, err := s.store.RecomputePatternQuality(ctx, p.AnomalyID, p.UserID); err != nil {
		log.Error().Err(err).Str("anomaly_id", p.AnomalyID).Msg("Failed to recompute pattern quality")
	} else if q != nil {
		metrics.RecordQualityRecompute()
		if s.events != nil {
			s.events.QualityUpdated(ctx, q)
		}
	}

	rctx := regime.Context{
		Regime:    regime.Regime(p.Regime),
		Horizon:   regime.Horizon(p.Horizon),
		TimeOfDay: p.TimeOfDay,
		DayOfWeek: p.DayOfWeek,
	}
	obs := learning.NewObservation(p.PatternType, rctx, wasProfitable, p.DetectedAt)
	if s.learner != nil {
		s.learner.Record(obs)
	}
	err = s.store.AppendCausalObservation(ctx, db.CausalObservation{
		PatternType: obs.PatternType,
		Regime:      string(obs.Regime),
		Horizon:     string(obs.Horizon),
		TimeOfDay:   obs.TimeOfDay,
		DayOfWeek:   obs.DayOfWeek,
		Success:     obs.Success,
		ObservedAt:  obs.At,
	})
	if err != nil {
		log.Error().Err(err).Str("anomaly_id", p.AnomalyID).Msg("Failed to persist causal observation")
	} else {
		metrics.RecordCausalObservation()
	}

	if s.events != nil {
		s.events.OutcomeRecorded(ctx, o)
	}

	log.Info().
		Str("anomaly_id", p.AnomalyID).
		Str("user_action", action).
		Bool("was_profitable", wasProfitable).
		Bool("agent_correct", o.AgentCorrect).
		Msg("Outcome recorded")

	return nil
}

// fireAt is the absolute due time for an interval. The last interval
// never fires before the user-action timeout has elapsed.
func (s *Scheduler) fireAt(detected time.Time, index int) time.Time {
	offset := s.intervals[index].Offset
	if index == len(s.intervals)-1 && offset < s.userActionTimeout {
		offset = s.userActionTimeout
	}
	return detected.Add(offset)
}

func setReturn(p *db.PendingOutcome, index int, ret *float64) {
	switch index {
	case 0:
		p.Return15m = ret
	case 1:
		p.Return1h = ret
	case 2:
		p.Return4h = ret
	case 3:
		p.Return1d = ret
	}
}

func forwardReturns(p *db.PendingOutcome) []*float64 {
	return []*float64{p.Return15m, p.Return1h, p.Return4h, p.Return1d}
}

// profitable treats missing samples as negative infinity; with no
// samples at all the best return counts as zero.
func profitable(returns []*float64, threshold float64) bool {
	best := math.Inf(-1)
	sampled := false
	for _, r := range returns {
		if r == nil {
			continue
		}
		sampled = true
		if *r > best {
			best = *r
		}
	}
	if !sampled {
		best = 0
	}
	return best >= threshold
}

// agentCorrect scores the decision against what actually happened. An
// ignore is right when nothing profitable followed; any surfaced state
// is right when the user engaged a winner or let a loser pass.
func agentCorrect(decision, userAction string, wasProfitable bool) bool {
	if decision == string(agent.StateIgnore) {
		return !wasProfitable
	}
	if wasProfitable && (userAction == "reviewed" || userAction == "traded") {
		return true
	}
	return userAction == "ignored" && !wasProfitable
}
