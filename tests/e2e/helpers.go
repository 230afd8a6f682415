// Shared fixtures for end-to-end pipeline tests: an in-memory store
// covering the scan and tracking persistence surfaces, a scripted
// market provider, a settable clock, and an embedded NATS server.
package e2e

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"

	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/market"
)

// startEmbeddedNATS starts an embedded NATS server for testing
func startEmbeddedNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1, // Random port
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}
	ns, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		t.Fatal("NATS server did not start in time")
	}

	return ns
}

// manualClock is a settable clock shared between the test and the
// scheduler under test.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock(t time.Time) *manualClock {
	return &manualClock{t: t}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// scriptedMarket serves fixed bar windows and a per-symbol queue of
// forward quotes, in order.
type scriptedMarket struct {
	mu     sync.Mutex
	bars   map[string][]market.Bar
	quotes map[string][]float64
}

func newScriptedMarket() *scriptedMarket {
	return &scriptedMarket{
		bars:   make(map[string][]market.Bar),
		quotes: make(map[string][]float64),
	}
}

func (m *scriptedMarket) setBars(symbol string, bars []market.Bar) {
	m.mu.Lock()
	m.bars[symbol] = bars
	m.mu.Unlock()
}

func (m *scriptedMarket) queueQuotes(symbol string, prices ...float64) {
	m.mu.Lock()
	m.quotes[symbol] = append(m.quotes[symbol], prices...)
	m.mu.Unlock()
}

func (m *scriptedMarket) GetBars(_ context.Context, symbol, _, _ string) ([]market.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bars, ok := m.bars[symbol]
	if !ok {
		return nil, errors.New("no bars scripted for " + symbol)
	}
	return bars, nil
}

func (m *scriptedMarket) Name() string {
	return "scripted"
}

func (m *scriptedMarket) GetQuote(_ context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.quotes[symbol]
	if len(q) == 0 {
		return 0, errors.New("quote queue empty for " + symbol)
	}
	price := q[0]
	m.quotes[symbol] = q[1:]
	return price, nil
}

// flatBars builds n flat-price 5-minute bars with mildly alternating
// volume (mean ~1M) and the newest bar's volume set by the caller.
func flatBars(n int, lastVolume float64) []market.Bar {
	t0 := time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)
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

// memStore is an in-memory implementation of the persistence surfaces
// the scan supervisor and the outcome scheduler need. It mirrors the
// SQL store's semantics closely enough that the whole learning loop can
// run against it.
type memStore struct {
	mu sync.Mutex

	overrides    map[string]map[string]float64 // userID|symbol → pattern → z
	quality      map[string]*db.PatternQuality // userID|pattern|symbol
	anomalies    map[string]*db.AnomalyRecord
	actions      []db.UserAction
	outcomes     map[string]*db.Outcome // anomalyID|userID
	pending      map[int64]*db.PendingOutcome
	observations []db.CausalObservation
	nextID       int64
}

func newMemStore() *memStore {
	return &memStore{
		overrides: make(map[string]map[string]float64),
		quality:   make(map[string]*db.PatternQuality),
		anomalies: make(map[string]*db.AnomalyRecord),
		outcomes:  make(map[string]*db.Outcome),
		pending:   make(map[int64]*db.PendingOutcome),
	}
}

func qualityKey(userID, pattern, symbol string) string {
	return userID + "|" + pattern + "|" + symbol
}

func (s *memStore) GetThresholdOverrides(_ context.Context, userID, symbol string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64)
	for pattern, z := range s.overrides[userID+"|"+symbol] {
		out[pattern] = z
	}
	return out, nil
}

func (s *memStore) SeedThreshold(_ context.Context, o db.ThresholdOverride) (bool, error) {
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
	return true, nil
}

func (s *memStore) GetPatternQuality(_ context.Context, userID, patternType, symbol string) (*db.PatternQuality, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quality[qualityKey(userID, patternType, symbol)]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}

func (s *memStore) setQuality(q *db.PatternQuality) {
	s.mu.Lock()
	s.quality[qualityKey(q.UserID, q.PatternType, q.Symbol)] = q
	s.mu.Unlock()
}

func (s *memStore) SaveAnomaly(_ context.Context, rec *db.AnomalyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.anomalies[rec.ID] = &cp
	return nil
}

func (s *memStore) savedAnomalies() []*db.AnomalyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.AnomalyRecord, 0, len(s.anomalies))
	for _, rec := range s.anomalies {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) SaveUserAction(_ context.Context, a *db.UserAction) error {
	s.mu.Lock()
	s.actions = append(s.actions, *a)
	s.mu.Unlock()
	return nil
}

func (s *memStore) LatestUserAction(_ context.Context, anomalyID, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.actions) - 1; i >= 0; i-- {
		a := s.actions[i]
		if a.AnomalyID == anomalyID && a.UserID == userID {
			return a.Action, nil
		}
	}
	return "ignored", nil
}

func (s *memStore) EnqueuePendingOutcome(_ context.Context, p *db.PendingOutcome) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *p
	cp.ID = s.nextID
	s.pending[cp.ID] = &cp
	return cp.ID, nil
}

func (s *memStore) DuePendingOutcomes(_ context.Context, now time.Time, limit int) ([]*db.PendingOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*db.PendingOutcome
	for _, p := range s.pending {
		if !p.FireAt.After(now) {
			cp := *p
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memStore) AdvancePendingOutcome(_ context.Context, p *db.PendingOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[p.ID]; !ok {
		return errors.New("pending entry not found")
	}
	cp := *p
	s.pending[p.ID] = &cp
	return nil
}

func (s *memStore) FinalizePendingOutcome(_ context.Context, pendingID int64, o *db.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.outcomes[o.AnomalyID+"|"+o.UserID] = &cp
	delete(s.pending, pendingID)
	return nil
}

func (s *memStore) pendingEntries() []*db.PendingOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.PendingOutcome, 0, len(s.pending))
	for _, p := range s.pending {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) outcomeFor(anomalyID, userID string) *db.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[anomalyID+"|"+userID]
	if !ok {
		return nil
	}
	cp := *o
	return &cp
}

func (s *memStore) OrphanedAnomalies(_ context.Context, before time.Time, limit int) ([]*db.AnomalyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scheduled := make(map[string]bool, len(s.pending))
	for _, p := range s.pending {
		scheduled[p.AnomalyID+"|"+p.UserID] = true
	}

	var orphans []*db.AnomalyRecord
	for _, rec := range s.anomalies {
		key := rec.ID + "|" + rec.UserID
		if rec.AgentDecision == "ignore" || !rec.DetectedAt.Before(before) {
			continue
		}
		if _, closed := s.outcomes[key]; closed || scheduled[key] {
			continue
		}
		cp := *rec
		orphans = append(orphans, &cp)
	}
	sort.Slice(orphans, func(i, j int) bool {
		return orphans[i].DetectedAt.Before(orphans[j].DetectedAt)
	})
	if len(orphans) > limit {
		orphans = orphans[:limit]
	}
	return orphans, nil
}

// RecomputePatternQuality mirrors the SQL aggregation: all outcomes for
// the anomaly's (user, pattern, symbol) triple.
func (s *memStore) RecomputePatternQuality(_ context.Context, anomalyID, userID string) (*db.PatternQuality, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	anchor, ok := s.anomalies[anomalyID]
	if !ok {
		return nil, nil
	}

	var sample int
	var profitable, reviewed, traded, correct, sumReturn float64
	for _, o := range s.outcomes {
		rec, ok := s.anomalies[o.AnomalyID]
		if !ok || o.UserID != userID ||
			rec.PatternType != anchor.PatternType || rec.Symbol != anchor.Symbol {
			continue
		}
		sample++
		if o.WasProfitable {
			profitable++
		}
		if o.UserAction == "reviewed" || o.UserAction == "traded" {
			reviewed++
		}
		if o.UserAction == "traded" {
			traded++
		}
		if o.AgentCorrect {
			correct++
		}
		switch {
		case o.Return1d != nil:
			sumReturn += *o.Return1d
		case o.Return4h != nil:
			sumReturn += *o.Return4h
		case o.Return1h != nil:
			sumReturn += *o.Return1h
		}
	}
	if sample == 0 {
		return nil, nil
	}

	n := float64(sample)
	q := &db.PatternQuality{
		UserID:        userID,
		PatternType:   anchor.PatternType,
		Symbol:        anchor.Symbol,
		Accuracy:      profitable / n,
		ReviewRate:    reviewed / n,
		TradeRate:     traded / n,
		AvgReturn:     sumReturn / n,
		AgentAccuracy: correct / n,
		SampleSize:    sample,
		UpdatedAt:     time.Now().UTC(),
	}
	s.quality[qualityKey(q.UserID, q.PatternType, q.Symbol)] = q

	cp := *q
	return &cp, nil
}

func (s *memStore) AppendCausalObservation(_ context.Context, o db.CausalObservation) error {
	s.mu.Lock()
	s.observations = append(s.observations, o)
	s.mu.Unlock()
	return nil
}

func (s *memStore) causalObservations() []db.CausalObservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.CausalObservation(nil), s.observations...)
}
