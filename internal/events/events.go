// Package events pushes detection-loop milestones onto NATS so
// downstream consumers (dashboards, notifiers) can react without
// polling the database. Publishing is fire-and-forget: failures are
// logged and counted, never propagated into the detection path.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/metrics"
)

// Event types. The NATS subject for each is the type under the
// "finsight." prefix.
const (
	TypeAnomalyDetected = "anomaly.detected"
	TypeDecisionMade    = "decision.made"
	TypeOutcomeRecorded = "outcome.recorded"
	TypeQualityUpdated  = "quality.updated"
	TypeCycleCompleted  = "cycle.completed"
)

const subjectPrefix = "finsight."

// Envelope wraps every published payload with routing metadata.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	User      string          `json:"user,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// CycleSummary is the cycle-completed payload: one scan pass over a
// profile's watchlist.
type CycleSummary struct {
	UserID    string         `json:"user_id"`
	Symbols   int            `json:"symbols"`
	Failures  int            `json:"failures"`
	Anomalies int            `json:"anomalies"`
	Tracked   int            `json:"tracked"`
	Decisions map[string]int `json:"decisions"`
	Duration  time.Duration  `json:"duration"`
}

// Config configures the publisher connection.
type Config struct {
	URL string
}

// Publisher publishes envelopes to NATS. A disabled publisher has no
// connection and drops everything silently; callers never branch on it.
type Publisher struct {
	nc *nats.Conn
}

// New connects to NATS and returns a live publisher.
func New(cfg Config) (*Publisher, error) {
	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("finsight-scanner"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("nats_url", cfg.URL).Msg("Event publisher connected")
	return &Publisher{nc: nc}, nil
}

// Disabled returns a publisher that drops every event.
func Disabled() *Publisher {
	return &Publisher{}
}

// Connected reports whether the underlying connection is up. A disabled
// publisher is never connected.
func (p *Publisher) Connected() bool {
	return p != nil && p.nc != nil && p.nc.IsConnected()
}

// Disabled reports whether this publisher drops events instead of
// publishing them.
func (p *Publisher) Disabled() bool {
	return p == nil || p.nc == nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		p.nc.Close()
		log.Info().Msg("Event publisher closed")
	}
}

// AnomalyDetected publishes a freshly persisted anomaly with its
// embedded verdict.
func (p *Publisher) AnomalyDetected(ctx context.Context, rec *db.AnomalyRecord) {
	p.publish(ctx, TypeAnomalyDetected, rec.UserID, rec.Symbol, rec)
}

// DecisionMade publishes the full decision, including the narrative the
// anomaly row flattens into text columns.
func (p *Publisher) DecisionMade(ctx context.Context, rec *db.AnomalyRecord, d agent.Decision) {
	payload := struct {
		AnomalyID   string         `json:"anomaly_id"`
		PatternType string         `json:"pattern_type"`
		Price       float64        `json:"price"`
		Decision    agent.Decision `json:"decision"`
	}{rec.ID, rec.PatternType, rec.Price, d}

	p.publish(ctx, TypeDecisionMade, rec.UserID, rec.Symbol, payload)
}

// OutcomeRecorded publishes a finalized outcome.
func (p *Publisher) OutcomeRecorded(ctx context.Context, o *db.Outcome) {
	p.publish(ctx, TypeOutcomeRecorded, o.UserID, "", o)
}

// QualityUpdated publishes a recomputed pattern-quality row.
func (p *Publisher) QualityUpdated(ctx context.Context, q *db.PatternQuality) {
	p.publish(ctx, TypeQualityUpdated, q.UserID, q.Symbol, q)
}

// CycleCompleted publishes the end-of-cycle summary.
func (p *Publisher) CycleCompleted(ctx context.Context, s CycleSummary) {
	p.publish(ctx, TypeCycleCompleted, s.UserID, "", s)
}

func (p *Publisher) publish(ctx context.Context, eventType, user, symbol string, payload interface{}) {
	if p == nil || p.nc == nil {
		return
	}

	select {
	case <-ctx.Done():
		return
	default:
	}

	if !p.nc.IsConnected() {
		metrics.RecordEventPublish(eventType, nats.ErrConnectionClosed)
		log.Warn().Str("type", eventType).Msg("NATS not connected, dropping event")
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		metrics.RecordEventPublish(eventType, err)
		log.Error().Err(err).Str("type", eventType).Msg("Failed to marshal event payload")
		return
	}

	env := Envelope{
		ID:        uuid.New(),
		Type:      eventType,
		User:      user,
		Symbol:    symbol,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}

	body, err := json.Marshal(env)
	if err != nil {
		metrics.RecordEventPublish(eventType, err)
		log.Error().Err(err).Str("type", eventType).Msg("Failed to marshal event envelope")
		return
	}

	subject := subjectPrefix + eventType
	err = p.nc.Publish(subject, body)
	metrics.RecordEventPublish(eventType, err)
	if err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
		return
	}

	log.Debug().
		Str("event_id", env.ID.String()).
		Str("subject", subject).
		Str("user", user).
		Str("symbol", symbol).
		Msg("Event published")
}
