package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/detect"
	"github.com/finsight-ai/finsight/internal/events"
	"github.com/finsight-ai/finsight/internal/market"
	"github.com/finsight-ai/finsight/internal/profile"
	"github.com/finsight-ai/finsight/internal/regime"
)

// scanBars builds a flat-price window with mildly alternating volume so
// the volume dimension has variance. The last bar's volume sets the
// z-score: mean ≈ 1M, stddev ≈ 50k.
func scanBars(n int, lastVolume float64) []market.Bar {
	t0 := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	bars := make([]market.Bar, n)
	for i := range bars {
		vol := 950_000.0
		if i%2 == 1 {
			vol = 1_050_000
		}
		bars[i] = market.Bar{
			Timestamp: t0.Add(time.Duration(i) * 5 * time.Minute),
			Open:      100,
			High:      100,
			Low:       100,
			Close:     100,
			Volume:    vol,
		}
	}
	bars[n-1].Volume = lastVolume
	return bars
}

func spikeBars() []market.Bar { return scanBars(60, 2_000_000) }
func quietBars() []market.Bar { return scanBars(60, 1_000_000) }

type stubProvider struct {
	mu    sync.Mutex
	bars  map[string][]market.Bar
	errs  map[string]error
	boom  map[string]bool
	calls int
}

func (p *stubProvider) GetBars(_ context.Context, symbol, _, _ string) ([]market.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.boom[symbol] {
		panic("corrupt window for " + symbol)
	}
	if err := p.errs[symbol]; err != nil {
		return nil, err
	}
	return p.bars[symbol], nil
}

func (p *stubProvider) GetQuote(context.Context, string) (float64, error) {
	return 0, errors.New("not implemented")
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Source(symbol string) (market.SourceInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bars, ok := p.bars[symbol]
	if !ok {
		return market.SourceInfo{}, false
	}
	return market.SourceInfo{Provider: "stub", BarCount: len(bars)}, true
}

type stubStore struct {
	mu         sync.Mutex
	quality    map[string]*db.PatternQuality
	qualityErr error
	saved      []*db.AnomalyRecord
	saveErr    error
	seeded     []db.ThresholdOverride
	overrides  map[string]map[string]float64
}

func newStubStore() *stubStore {
	return &stubStore{
		quality:   make(map[string]*db.PatternQuality),
		overrides: make(map[string]map[string]float64),
	}
}

func qkey(userID, pattern, symbol string) string {
	return userID + "|" + pattern + "|" + symbol
}

func (s *stubStore) GetPatternQuality(_ context.Context, userID, patternType, symbol string) (*db.PatternQuality, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qualityErr != nil {
		return nil, s.qualityErr
	}
	return s.quality[qkey(userID, patternType, symbol)], nil
}

func (s *stubStore) SaveAnomaly(_ context.Context, rec *db.AnomalyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *rec
	s.saved = append(s.saved, &cp)
	return nil
}

func (s *stubStore) SeedThreshold(_ context.Context, o db.ThresholdOverride) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := o.UserID + "|" + o.Symbol
	if s.overrides[key] == nil {
		s.overrides[key] = make(map[string]float64)
	}
	if _, exists := s.overrides[key][o.PatternType]; exists {
		return false, nil
	}
	s.overrides[key][o.PatternType] = o.ZScore
	s.seeded = append(s.seeded, o)
	return true, nil
}

func (s *stubStore) GetThresholdOverrides(_ context.Context, userID, symbol string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64)
	for pattern, z := range s.overrides[userID+"|"+symbol] {
		out[pattern] = z
	}
	return out, nil
}

func (s *stubStore) savedRecords() []*db.AnomalyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*db.AnomalyRecord(nil), s.saved...)
}

type stubLearner struct {
	conf float64
	expl string
	has  bool
}

func (l *stubLearner) ContextConfidence(string, regime.Context) (float64, string) {
	return l.conf, l.expl
}

func (l *stubLearner) HasRecord(string, regime.Regime) bool { return l.has }

type stubTracker struct {
	mu      sync.Mutex
	tracked []string
	err     error
}

func (t *stubTracker) Track(_ context.Context, rec *db.AnomalyRecord, _ regime.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return 0, t.err
	}
	t.tracked = append(t.tracked, rec.ID)
	return int64(len(t.tracked)), nil
}

func (t *stubTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

type stubPublisher struct {
	mu        sync.Mutex
	anomalies int
	decisions int
	cycles    []events.CycleSummary
}

func (p *stubPublisher) AnomalyDetected(context.Context, *db.AnomalyRecord) {
	p.mu.Lock()
	p.anomalies++
	p.mu.Unlock()
}

func (p *stubPublisher) DecisionMade(context.Context, *db.AnomalyRecord, agent.Decision) {
	p.mu.Lock()
	p.decisions++
	p.mu.Unlock()
}

func (p *stubPublisher) CycleCompleted(_ context.Context, s events.CycleSummary) {
	p.mu.Lock()
	p.cycles = append(p.cycles, s)
	p.mu.Unlock()
}

func (p *stubPublisher) snapshot() (int, int, []events.CycleSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.anomalies, p.decisions, append([]events.CycleSummary(nil), p.cycles...)
}

type stubProfiles struct {
	profiles []*profile.Profile
	err      error
}

func (s *stubProfiles) Load(context.Context) ([]*profile.Profile, error) {
	return s.profiles, s.err
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fixture struct {
	provider *stubProvider
	store    *stubStore
	learner  *stubLearner
	tracker  *stubTracker
	events   *stubPublisher
	profiles *stubProfiles
	sup      *Supervisor
}

func newFixture(t *testing.T, profiles ...*profile.Profile) *fixture {
	t.Helper()

	if len(profiles) == 0 {
		profiles = []*profile.Profile{{
			SchemaVersion: profile.SchemaVersion,
			UserID:        "trader-1",
			Watchlist:     []string{"AAPL", "MSFT"},
		}}
	}

	f := &fixture{
		provider: &stubProvider{
			bars: map[string][]market.Bar{},
			errs: map[string]error{},
			boom: map[string]bool{},
		},
		store:    newStubStore(),
		learner:  &stubLearner{conf: 0.5, expl: "insufficient causal history", has: true},
		tracker:  &stubTracker{},
		events:   &stubPublisher{},
		profiles: &stubProfiles{profiles: profiles},
	}

	sup, err := New(Services{
		Market:   f.provider,
		Store:    f.store,
		Learner:  f.learner,
		Agent:    agent.New(),
		Tracker:  f.tracker,
		Events:   f.events,
		Profiles: f.profiles,
		Clock:    fixedClock{t: time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)},
		Logger:   zerolog.Nop(),
	}, Config{Interval: 5 * time.Minute, BarPeriod: "5d", BarInterval: "5m"})
	require.NoError(t, err)
	f.sup = sup

	return f
}

func TestNew_MissingServices(t *testing.T) {
	base := func() Services {
		return Services{
			Market:   &stubProvider{},
			Store:    newStubStore(),
			Learner:  &stubLearner{},
			Agent:    agent.New(),
			Tracker:  &stubTracker{},
			Profiles: &stubProfiles{},
			Logger:   zerolog.Nop(),
		}
	}

	tests := []struct {
		name   string
		modify func(*Services)
	}{
		{"market", func(s *Services) { s.Market = nil }},
		{"store", func(s *Services) { s.Store = nil }},
		{"learner", func(s *Services) { s.Learner = nil }},
		{"agent", func(s *Services) { s.Agent = nil }},
		{"tracker", func(s *Services) { s.Tracker = nil }},
		{"profile source", func(s *Services) { s.Profiles = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svcs := base()
			tt.modify(&svcs)

			_, err := New(svcs, Config{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.name)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	svcs := Services{
		Market:   &stubProvider{},
		Store:    newStubStore(),
		Learner:  &stubLearner{},
		Agent:    agent.New(),
		Tracker:  &stubTracker{},
		Profiles: &stubProfiles{},
		Logger:   zerolog.Nop(),
	}

	sup, err := New(svcs, Config{Concurrency: 99})
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, sup.cfg.Interval)
	assert.Equal(t, MaxConcurrency, sup.cfg.Concurrency)
	assert.Equal(t, "1d", sup.cfg.BarPeriod)
	assert.Equal(t, "5m", sup.cfg.BarInterval)

	sup, err = New(svcs, Config{Concurrency: 3})
	require.NoError(t, err)
	assert.Equal(t, DefaultConcurrency, sup.cfg.Concurrency)
}

func TestCycle(t *testing.T) {
	f := newFixture(t)
	f.provider.bars["AAPL"] = spikeBars()
	f.provider.bars["MSFT"] = quietBars()

	stats := f.sup.Cycle(context.Background())

	assert.Equal(t, 1, stats.Users)
	assert.Equal(t, 2, stats.Symbols)
	assert.Equal(t, 0, stats.Failures)
	assert.Equal(t, 0, stats.Panics)
	assert.Equal(t, 1, stats.Anomalies)
	assert.Equal(t, 1, stats.Tracked)
	assert.Equal(t, 1, stats.Decisions["review"])

	saved := f.store.savedRecords()
	require.Len(t, saved, 1)
	rec := saved[0]
	assert.Equal(t, "trader-1", rec.UserID)
	assert.Equal(t, "AAPL", rec.Symbol)
	assert.Equal(t, detect.PatternVolumeSpike, rec.PatternType)
	assert.Equal(t, "critical", rec.Severity)
	assert.Equal(t, "review", rec.AgentDecision)
	assert.Greater(t, rec.AgentConfidence, 0.55)
	assert.Contains(t, rec.Context, `"regime"`)
	assert.Contains(t, rec.Sources, `"provider":"stub"`)
	assert.Contains(t, rec.ThoughtProcess, `"story"`)
	assert.Contains(t, rec.ThoughtProcess, `"data_points":60`)

	assert.Equal(t, 1, f.tracker.count())

	anomalies, decisions, cycles := f.events.snapshot()
	assert.Equal(t, 1, anomalies)
	assert.Equal(t, 1, decisions)
	require.Len(t, cycles, 1)
	assert.Equal(t, "trader-1", cycles[0].UserID)
	assert.Equal(t, 2, cycles[0].Symbols)
	assert.Equal(t, 1, cycles[0].Anomalies)
	assert.Equal(t, 1, cycles[0].Tracked)
}

func TestCycle_NoAnomalies(t *testing.T) {
	f := newFixture(t)
	f.provider.bars["AAPL"] = quietBars()
	f.provider.bars["MSFT"] = quietBars()

	stats := f.sup.Cycle(context.Background())

	assert.Equal(t, 0, stats.Anomalies)
	assert.Equal(t, 0, stats.Tracked)
	assert.Empty(t, f.store.savedRecords())

	_, _, cycles := f.events.snapshot()
	require.Len(t, cycles, 1)
	assert.Equal(t, 0, cycles[0].Anomalies)
}

func TestCycle_FetchFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.provider.errs["AAPL"] = errors.New("provider unavailable")
	f.provider.bars["MSFT"] = spikeBars()

	stats := f.sup.Cycle(context.Background())

	assert.Equal(t, 2, stats.Symbols)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 1, stats.Anomalies)
	require.Len(t, f.store.savedRecords(), 1)
	assert.Equal(t, "MSFT", f.store.savedRecords()[0].Symbol)
}

func TestCycle_PanicRecovered(t *testing.T) {
	f := newFixture(t)
	f.provider.boom["AAPL"] = true
	f.provider.bars["MSFT"] = spikeBars()

	stats := f.sup.Cycle(context.Background())

	assert.Equal(t, 1, stats.Panics)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 1, stats.Anomalies)
	require.Len(t, f.store.savedRecords(), 1)
	assert.Equal(t, "MSFT", f.store.savedRecords()[0].Symbol)
}

// The anomaly row is the anchor for every follow-up: when it cannot be
// written, nothing downstream may see the anomaly.
func TestCycle_SaveFailureSkipsFollowUp(t *testing.T) {
	f := newFixture(t)
	f.provider.bars["AAPL"] = spikeBars()
	f.provider.bars["MSFT"] = quietBars()
	f.store.saveErr = errors.New("database unavailable")

	stats := f.sup.Cycle(context.Background())

	assert.Equal(t, 1, stats.Anomalies)
	assert.Equal(t, 0, stats.Tracked)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 0, f.tracker.count())

	anomalies, decisions, _ := f.events.snapshot()
	assert.Equal(t, 0, anomalies)
	assert.Equal(t, 0, decisions)
}

func TestCycle_RejectedAnomalyNotTracked(t *testing.T) {
	f := newFixture(t)
	f.provider.bars["AAPL"] = spikeBars()
	f.provider.bars["MSFT"] = quietBars()
	f.store.quality[qkey("trader-1", detect.PatternVolumeSpike, "AAPL")] = &db.PatternQuality{
		UserID:      "trader-1",
		PatternType: detect.PatternVolumeSpike,
		Symbol:      "AAPL",
		Accuracy:    0.10,
		SampleSize:  20,
	}

	stats := f.sup.Cycle(context.Background())

	assert.Equal(t, 1, stats.Anomalies)
	assert.Equal(t, 0, stats.Tracked)
	assert.Equal(t, 1, stats.Decisions["ignore"])
	assert.Equal(t, 0, f.tracker.count())

	// Rejections are still persisted and published.
	saved := f.store.savedRecords()
	require.Len(t, saved, 1)
	assert.Equal(t, "ignore", saved[0].AgentDecision)
	anomalies, decisions, _ := f.events.snapshot()
	assert.Equal(t, 1, anomalies)
	assert.Equal(t, 1, decisions)
}

// Profile thresholds are seeded before resolution, so a raised override
// is already in force for the same cycle's detection.
func TestCycle_SeedsProfileThresholds(t *testing.T) {
	p := &profile.Profile{
		SchemaVersion: profile.SchemaVersion,
		UserID:        "trader-1",
		Watchlist:     []string{"AAPL"},
		Thresholds:    map[string]float64{detect.PatternVolumeSpike: 4.5},
	}
	f := newFixture(t, p)
	// z ≈ 3.5: above the 3.0 default, below the 4.5 override.
	f.provider.bars["AAPL"] = scanBars(60, 1_175_000)

	stats := f.sup.Cycle(context.Background())

	assert.Equal(t, 0, stats.Anomalies)
	assert.Empty(t, f.store.savedRecords())

	require.Len(t, f.store.seeded, 1)
	seeded := f.store.seeded[0]
	assert.Equal(t, "trader-1", seeded.UserID)
	assert.Equal(t, detect.PatternVolumeSpike, seeded.PatternType)
	assert.Equal(t, "AAPL", seeded.Symbol)
	assert.Equal(t, 4.5, seeded.ZScore)
	assert.Equal(t, "profile default", seeded.Reason)

	// A second cycle re-seeds idempotently.
	f.sup.Cycle(context.Background())
	assert.Len(t, f.store.seeded, 1)
}

func TestCycle_ProfileLoadFailure(t *testing.T) {
	f := newFixture(t)
	f.profiles.err = errors.New("profiles directory unreadable")

	stats := f.sup.Cycle(context.Background())

	assert.Equal(t, 0, stats.Users)
	assert.Equal(t, 0, stats.Symbols)
	assert.Equal(t, int64(1), f.sup.Status().Cycles)
}

func TestCycle_MultipleUsers(t *testing.T) {
	p1 := &profile.Profile{SchemaVersion: profile.SchemaVersion, UserID: "trader-1", Watchlist: []string{"AAPL"}}
	p2 := &profile.Profile{SchemaVersion: profile.SchemaVersion, UserID: "trader-2", Watchlist: []string{"AAPL"}}
	f := newFixture(t, p1, p2)
	f.provider.bars["AAPL"] = spikeBars()

	stats := f.sup.Cycle(context.Background())

	assert.Equal(t, 2, stats.Users)
	assert.Equal(t, 2, stats.Symbols)
	assert.Equal(t, 2, stats.Anomalies)

	saved := f.store.savedRecords()
	require.Len(t, saved, 2)
	users := map[string]bool{}
	for _, rec := range saved {
		users[rec.UserID] = true
	}
	assert.True(t, users["trader-1"])
	assert.True(t, users["trader-2"])

	_, _, cycles := f.events.snapshot()
	assert.Len(t, cycles, 2)
}

func TestCycle_UpdatesEffectiveInterval(t *testing.T) {
	p := &profile.Profile{
		SchemaVersion: profile.SchemaVersion,
		UserID:        "trader-1",
		Watchlist:     []string{"AAPL"},
		ScanInterval:  "2m",
	}
	f := newFixture(t, p)
	f.provider.bars["AAPL"] = quietBars()

	f.sup.Cycle(context.Background())

	status := f.sup.Status()
	assert.Equal(t, 2*time.Minute, status.Interval)
	assert.Equal(t, int64(1), status.Cycles)
	assert.Equal(t, 1, status.LastCycle.Users)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.provider.bars["AAPL"] = quietBars()
	f.provider.bars["MSFT"] = quietBars()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sup.Run(ctx)
		close(done)
	}()

	// Wait for the immediate first cycle, then cancel.
	require.Eventually(t, func() bool {
		return f.sup.Status().Cycles >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}
}

func TestWindowHash(t *testing.T) {
	a := spikeBars()
	b := spikeBars()

	assert.Equal(t, windowHash("AAPL", a), windowHash("AAPL", b))
	assert.NotEqual(t, windowHash("AAPL", a), windowHash("MSFT", a))

	b[10].Volume++
	assert.NotEqual(t, windowHash("AAPL", a), windowHash("AAPL", b))

	h := windowHash("AAPL", a)
	assert.Len(t, h, 16)
}

func TestCycle_QualityLookupFailureIsAdvisory(t *testing.T) {
	f := newFixture(t)
	f.provider.bars["AAPL"] = spikeBars()
	f.provider.bars["MSFT"] = quietBars()
	f.store.qualityErr = errors.New("query timeout")

	stats := f.sup.Cycle(context.Background())

	// The decision proceeds with nil history.
	assert.Equal(t, 1, stats.Anomalies)
	require.Len(t, f.store.savedRecords(), 1)
	assert.Equal(t, 0, stats.Failures)
}

func TestCycle_TrackFailureCounted(t *testing.T) {
	f := newFixture(t)
	f.provider.bars["AAPL"] = spikeBars()
	f.provider.bars["MSFT"] = quietBars()
	f.tracker.err = fmt.Errorf("pending queue unavailable")

	stats := f.sup.Cycle(context.Background())

	assert.Equal(t, 1, stats.Anomalies)
	assert.Equal(t, 0, stats.Tracked)
	assert.Equal(t, 1, stats.Failures)
	// The anomaly row itself is durable.
	require.Len(t, f.store.savedRecords(), 1)
}
