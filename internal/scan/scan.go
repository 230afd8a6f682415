// Package scan drives detection cycles. A supervisor loads the profile
// set, seeds profile thresholds, then fans out per-symbol tasks bounded
// by a weighted semaphore: fetch bars, classify the regime, detect
// anomalies, score and decide each one, persist, publish, and hand
// non-ignore decisions to the outcome tracker. A panicking symbol task
// is recovered and counted; it never takes the cycle down.
package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/detect"
	"github.com/finsight-ai/finsight/internal/events"
	"github.com/finsight-ai/finsight/internal/market"
	"github.com/finsight-ai/finsight/internal/metrics"
	"github.com/finsight-ai/finsight/internal/profile"
	"github.com/finsight-ai/finsight/internal/regime"
)

const (
	// DefaultInterval is the scan cadence when neither configuration nor
	// any profile overrides it.
	DefaultInterval = 5 * time.Minute

	// DefaultConcurrency bounds parallel symbol tasks. Provider rate
	// limits are the real ceiling; values are clamped to [8, 16].
	DefaultConcurrency = 8

	// MaxConcurrency is the upper clamp for symbol-task parallelism.
	MaxConcurrency = 16
)

// Store is the persistence surface one cycle needs.
type Store interface {
	detect.OverrideSource
	GetPatternQuality(ctx context.Context, userID, patternType, symbol string) (*db.PatternQuality, error)
	SaveAnomaly(ctx context.Context, rec *db.AnomalyRecord) error
	SeedThreshold(ctx context.Context, o db.ThresholdOverride) (bool, error)
}

// Learner supplies causal context statistics for decision making.
type Learner interface {
	ContextConfidence(patternType string, ctx regime.Context) (float64, string)
	HasRecord(patternType string, r regime.Regime) bool
}

// Tracker schedules outcome follow-up for non-ignore decisions.
type Tracker interface {
	Track(ctx context.Context, rec *db.AnomalyRecord, rctx regime.Context) (int64, error)
}

// Publisher receives pipeline events. Implementations log their own
// failures; publishing never blocks a scan.
type Publisher interface {
	AnomalyDetected(ctx context.Context, rec *db.AnomalyRecord)
	DecisionMade(ctx context.Context, rec *db.AnomalyRecord, d agent.Decision)
	CycleCompleted(ctx context.Context, s events.CycleSummary)
}

// ProfileSource supplies the profile set for a cycle.
type ProfileSource interface {
	Load(ctx context.Context) ([]*profile.Profile, error)
}

// Clock abstracts time so tests can drive cycle timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current wall time.
func (SystemClock) Now() time.Time { return time.Now() }

// Services are the collaborators a supervisor drives. Everything is
// passed in explicitly; the package holds no singletons.
type Services struct {
	Market   market.Provider
	Store    Store
	Learner  Learner
	Agent    *agent.Agent
	Tracker  Tracker
	Events   Publisher // may be nil
	Profiles ProfileSource
	Clock    Clock // nil falls back to the wall clock
	Logger   zerolog.Logger
}

// Config tunes the supervisor. Zero values fall back to defaults.
type Config struct {
	Interval    time.Duration
	Concurrency int
	BarPeriod   string
	BarInterval string
}

// CycleStats summarizes one full pass over every profile.
type CycleStats struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Users     int            `json:"users"`
	Symbols   int            `json:"symbols"`
	Failures  int            `json:"failures"`
	Panics    int            `json:"panics"`
	Anomalies int            `json:"anomalies"`
	Tracked   int            `json:"tracked"`
	Decisions map[string]int `json:"decisions"`
}

// Status is the supervisor state served by the ops endpoint.
type Status struct {
	Cycles    int64         `json:"cycles"`
	Interval  time.Duration `json:"interval"`
	LastCycle CycleStats    `json:"last_cycle"`
}

// Supervisor owns the scan loop.
type Supervisor struct {
	svcs       Services
	cfg        Config
	resolver   *detect.Resolver
	classifier *regime.Classifier
	detector   *detect.Detector

	mu       sync.Mutex
	last     CycleStats
	cycles   int64
	interval time.Duration
}

// New creates a supervisor. Market, Store, Learner, Agent, Tracker and
// Profiles are required; Events and Clock may be nil.
func New(svcs Services, cfg Config) (*Supervisor, error) {
	switch {
	case svcs.Market == nil:
		return nil, fmt.Errorf("scan: market provider is required")
	case svcs.Store == nil:
		return nil, fmt.Errorf("scan: store is required")
	case svcs.Learner == nil:
		return nil, fmt.Errorf("scan: learner is required")
	case svcs.Agent == nil:
		return nil, fmt.Errorf("scan: agent is required")
	case svcs.Tracker == nil:
		return nil, fmt.Errorf("scan: tracker is required")
	case svcs.Profiles == nil:
		return nil, fmt.Errorf("scan: profile source is required")
	}

	if svcs.Clock == nil {
		svcs.Clock = SystemClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency < DefaultConcurrency {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Concurrency > MaxConcurrency {
		cfg.Concurrency = MaxConcurrency
	}
	if cfg.BarPeriod == "" {
		cfg.BarPeriod = "1d"
	}
	if cfg.BarInterval == "" {
		cfg.BarInterval = "5m"
	}

	return &Supervisor{
		svcs:       svcs,
		cfg:        cfg,
		resolver:   detect.NewResolver(svcs.Store),
		classifier: regime.NewClassifier(regime.DefaultLookback),
		detector:   detect.NewDetector(),
		interval:   cfg.Interval,
	}, nil
}

// Run cycles until the context is cancelled. The first cycle starts
// immediately; later cycles follow the effective interval, which profile
// overrides can shorten.
func (s *Supervisor) Run(ctx context.Context) {
	s.svcs.Logger.Info().
		Dur("interval", s.cfg.Interval).
		Int("concurrency", s.cfg.Concurrency).
		Str("bar_period", s.cfg.BarPeriod).
		Str("bar_interval", s.cfg.BarInterval).
		Msg("Scan supervisor started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.svcs.Logger.Info().Msg("Scan supervisor stopped")
			return
		case <-timer.C:
		}

		s.Cycle(ctx)

		if ctx.Err() != nil {
			s.svcs.Logger.Info().Msg("Scan supervisor stopped")
			return
		}
		timer.Reset(s.currentInterval())
	}
}

// Status returns a snapshot of the supervisor counters.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Cycles:    s.cycles,
		Interval:  s.interval,
		LastCycle: s.last,
	}
}

func (s *Supervisor) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Cycle runs one full pass: load profiles, seed their thresholds, scan
// every watchlist, and publish one cycle-completed event per user.
func (s *Supervisor) Cycle(ctx context.Context) CycleStats {
	start := s.svcs.Clock.Now()
	stats := CycleStats{StartedAt: start, Decisions: make(map[string]int)}

	profiles, err := s.svcs.Profiles.Load(ctx)
	if err != nil {
		s.svcs.Logger.Error().Err(err).Msg("Profile load failed, skipping cycle")
		s.finishCycle(&stats, start, nil)
		return stats
	}
	stats.Users = len(profiles)

	s.seedThresholds(ctx, profiles)

	for _, p := range profiles {
		us := s.scanUser(ctx, p)

		stats.Symbols += us.symbols
		stats.Failures += us.failures
		stats.Panics += us.panics
		stats.Anomalies += us.anomalies
		stats.Tracked += us.tracked
		for state, n := range us.decisions {
			stats.Decisions[state] += n
		}

		if s.svcs.Events != nil {
			s.svcs.Events.CycleCompleted(ctx, events.CycleSummary{
				UserID:    p.UserID,
				Symbols:   us.symbols,
				Failures:  us.failures,
				Anomalies: us.anomalies,
				Tracked:   us.tracked,
				Decisions: us.decisions,
				Duration:  us.duration,
			})
		}

		if ctx.Err() != nil {
			break
		}
	}

	s.finishCycle(&stats, start, profiles)

	s.svcs.Logger.Info().
		Int("users", stats.Users).
		Int("symbols", stats.Symbols).
		Int("failures", stats.Failures).
		Int("anomalies", stats.Anomalies).
		Int("tracked", stats.Tracked).
		Dur("duration", stats.Duration).
		Msg("Scan cycle completed")

	return stats
}

func (s *Supervisor) finishCycle(stats *CycleStats, start time.Time, profiles []*profile.Profile) {
	stats.Duration = s.svcs.Clock.Now().Sub(start)
	metrics.RecordCycle(stats.Duration.Seconds())

	s.mu.Lock()
	s.last = *stats
	s.cycles++
	if profiles != nil {
		s.interval = profile.EffectiveInterval(profiles, s.cfg.Interval)
	}
	s.mu.Unlock()
}

// seedThresholds writes each profile's threshold overrides for every
// watchlist symbol. Seeding never overwrites: adaptive adjustments made
// since the last restart stay in force.
func (s *Supervisor) seedThresholds(ctx context.Context, profiles []*profile.Profile) {
	for _, p := range profiles {
		for pattern, z := range p.Thresholds {
			for _, symbol := range p.Watchlist {
				inserted, err := s.svcs.Store.SeedThreshold(ctx, db.ThresholdOverride{
					UserID:      p.UserID,
					PatternType: pattern,
					Symbol:      symbol,
					ZScore:      z,
					Reason:      "profile default",
				})
				if err != nil {
					s.svcs.Logger.Warn().Err(err).
						Str("user_id", p.UserID).
						Str("pattern", pattern).
						Str("symbol", symbol).
						Msg("Threshold seed failed")
					if ctx.Err() != nil {
						return
					}
					continue
				}
				if inserted {
					s.svcs.Logger.Debug().
						Str("user_id", p.UserID).
						Str("pattern", pattern).
						Str("symbol", symbol).
						Float64("z_score", z).
						Msg("Profile threshold seeded")
				}
			}
		}
	}
}

type userStats struct {
	symbols   int
	failures  int
	panics    int
	anomalies int
	tracked   int
	decisions map[string]int
	duration  time.Duration
}

// scanUser fans the user's watchlist out over bounded parallel symbol
// tasks and waits for all of them. Task failures are counted, not
// propagated; only context cancellation stops the group early.
func (s *Supervisor) scanUser(ctx context.Context, p *profile.Profile) userStats {
	start := s.svcs.Clock.Now()
	results := make([]symbolResult, len(p.Watchlist))

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(s.cfg.Concurrency))

	for i, symbol := range p.Watchlist {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = symbolResult{symbol: symbol, err: err}
				return err
			}
			defer sem.Release(1)

			results[i] = s.scanSymbol(gctx, p, symbol)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.svcs.Logger.Warn().Err(err).
			Str("user_id", p.UserID).
			Msg("Watchlist scan interrupted")
	}

	us := userStats{
		symbols:   len(p.Watchlist),
		decisions: make(map[string]int),
	}
	for _, r := range results {
		if r.err != nil && !r.cancelled() {
			us.failures++
		}
		if r.panicked {
			us.panics++
		}
		us.anomalies += r.anomalies
		us.tracked += r.tracked
		for state, n := range r.decisions {
			us.decisions[state] += n
		}
	}
	us.duration = s.svcs.Clock.Now().Sub(start)

	return us
}
