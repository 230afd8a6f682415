package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/internal/confidence"
	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/tracking"
)

// The tracker publishes through this package.
var _ tracking.Publisher = (*Publisher)(nil)

// startTestNATSServer starts an embedded NATS server for testing
func startTestNATSServer(t *testing.T) *server.Server {
	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1, // Random port
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	return ns
}

// subscribe opens an independent connection and subscribes to one
// subject, flushing so the subscription is live before the test
// publishes.
func subscribe(t *testing.T, ns *server.Server, subject string) chan *nats.Msg {
	t.Helper()

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ch := make(chan *nats.Msg, 4)
	_, err = nc.ChanSubscribe(subject, ch)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	return ch
}

func waitEnvelope(t *testing.T, ch chan *nats.Msg) Envelope {
	t.Helper()

	select {
	case m := <-ch:
		var env Envelope
		require.NoError(t, json.Unmarshal(m.Data, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for event")
		return Envelope{}
	}
}

func eventAnomaly() *db.AnomalyRecord {
	return &db.AnomalyRecord{
		ID:              "AAPL_volume_spike_1767623400_a1b2c3d4",
		UserID:          "default",
		Symbol:          "AAPL",
		PatternType:     "volume_spike",
		Severity:        "high",
		ZScore:          6.2,
		Price:           189.5,
		Volume:          2500000,
		DetectedAt:      time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC),
		AgentDecision:   "review",
		AgentConfidence: 0.74,
	}
}

func TestNewPublisher(t *testing.T) {
	ns := startTestNATSServer(t)
	defer ns.Shutdown()

	p, err := New(Config{URL: ns.ClientURL()})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.Connected())

	p.Close()
	assert.False(t, p.Connected())
}

func TestNewPublisherConnectError(t *testing.T) {
	_, err := New(Config{URL: "nats://127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to NATS")
}

func TestAnomalyDetected(t *testing.T) {
	ns := startTestNATSServer(t)
	defer ns.Shutdown()
	ch := subscribe(t, ns, "finsight.anomaly.detected")

	p, err := New(Config{URL: ns.ClientURL()})
	require.NoError(t, err)
	defer p.Close()

	p.AnomalyDetected(context.Background(), eventAnomaly())

	env := waitEnvelope(t, ch)
	assert.Equal(t, TypeAnomalyDetected, env.Type)
	assert.Equal(t, "default", env.User)
	assert.Equal(t, "AAPL", env.Symbol)
	assert.False(t, env.Timestamp.IsZero())
	assert.NotEmpty(t, env.ID)

	var rec db.AnomalyRecord
	require.NoError(t, json.Unmarshal(env.Payload, &rec))
	assert.Equal(t, "AAPL_volume_spike_1767623400_a1b2c3d4", rec.ID)
	assert.Equal(t, "review", rec.AgentDecision)
}

func TestDecisionMade(t *testing.T) {
	ns := startTestNATSServer(t)
	defer ns.Shutdown()
	ch := subscribe(t, ns, "finsight.decision.made")

	p, err := New(Config{URL: ns.ClientURL()})
	require.NoError(t, err)
	defer p.Close()

	d := agent.Decision{
		State:      agent.StateReview,
		Confidence: confidence.Score{Composite: 0.74},
		Reason:     "Strong volume spike in ranging regime",
	}
	p.DecisionMade(context.Background(), eventAnomaly(), d)

	env := waitEnvelope(t, ch)
	assert.Equal(t, TypeDecisionMade, env.Type)
	assert.Equal(t, "AAPL", env.Symbol)

	var payload struct {
		AnomalyID string         `json:"anomaly_id"`
		Decision  agent.Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "AAPL_volume_spike_1767623400_a1b2c3d4", payload.AnomalyID)
	assert.Equal(t, agent.StateReview, payload.Decision.State)
	assert.InDelta(t, 0.74, payload.Decision.Confidence.Composite, 1e-9)
}

func TestOutcomeAndQualityEvents(t *testing.T) {
	ns := startTestNATSServer(t)
	defer ns.Shutdown()
	outcomes := subscribe(t, ns, "finsight.outcome.recorded")
	qualities := subscribe(t, ns, "finsight.quality.updated")

	p, err := New(Config{URL: ns.ClientURL()})
	require.NoError(t, err)
	defer p.Close()

	r1h := 0.012
	p.OutcomeRecorded(context.Background(), &db.Outcome{
		AnomalyID:     "a1",
		UserID:        "default",
		AgentDecision: "execute",
		UserAction:    "traded",
		Return1h:      &r1h,
		WasProfitable: true,
		AgentCorrect:  true,
	})
	p.QualityUpdated(context.Background(), &db.PatternQuality{
		UserID: "default", PatternType: "volume_spike", Symbol: "AAPL",
		Accuracy: 0.75, SampleSize: 8,
	})

	env := waitEnvelope(t, outcomes)
	var o db.Outcome
	require.NoError(t, json.Unmarshal(env.Payload, &o))
	assert.True(t, o.WasProfitable)
	require.NotNil(t, o.Return1h)
	assert.InDelta(t, 0.012, *o.Return1h, 1e-9)

	env = waitEnvelope(t, qualities)
	assert.Equal(t, "AAPL", env.Symbol)
	var q db.PatternQuality
	require.NoError(t, json.Unmarshal(env.Payload, &q))
	assert.Equal(t, 8, q.SampleSize)
}

func TestCycleCompleted(t *testing.T) {
	ns := startTestNATSServer(t)
	defer ns.Shutdown()
	ch := subscribe(t, ns, "finsight.cycle.completed")

	p, err := New(Config{URL: ns.ClientURL()})
	require.NoError(t, err)
	defer p.Close()

	p.CycleCompleted(context.Background(), CycleSummary{
		UserID:    "default",
		Symbols:   5,
		Failures:  1,
		Anomalies: 2,
		Tracked:   1,
		Decisions: map[string]int{"review": 1, "monitor": 1},
		Duration:  3 * time.Second,
	})

	env := waitEnvelope(t, ch)
	assert.Equal(t, TypeCycleCompleted, env.Type)

	var s CycleSummary
	require.NoError(t, json.Unmarshal(env.Payload, &s))
	assert.Equal(t, 5, s.Symbols)
	assert.Equal(t, 1, s.Failures)
	assert.Equal(t, 1, s.Decisions["review"])
}

// A disabled publisher must absorb every call without a connection.
func TestDisabledPublisher(t *testing.T) {
	p := Disabled()
	assert.False(t, p.Connected())
	assert.True(t, p.Disabled())

	ctx := context.Background()
	p.AnomalyDetected(ctx, eventAnomaly())
	p.DecisionMade(ctx, eventAnomaly(), agent.Decision{State: agent.StateIgnore})
	p.OutcomeRecorded(ctx, &db.Outcome{AnomalyID: "a1"})
	p.QualityUpdated(ctx, &db.PatternQuality{UserID: "default"})
	p.CycleCompleted(ctx, CycleSummary{UserID: "default"})
	p.Close()
}

func TestPublishSkipsOnCancelledContext(t *testing.T) {
	ns := startTestNATSServer(t)
	defer ns.Shutdown()
	ch := subscribe(t, ns, "finsight.anomaly.detected")

	p, err := New(Config{URL: ns.ClientURL()})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.AnomalyDetected(ctx, eventAnomaly())

	select {
	case <-ch:
		t.Fatal("event published despite cancelled context")
	case <-time.After(200 * time.Millisecond):
	}
}
