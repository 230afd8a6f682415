package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Provider fetch error categories (bounded set)
	FetchErrorNoData        = "no_data"
	FetchErrorRateLimited   = "rate_limited"
	FetchErrorUnknownSymbol = "unknown_symbol"
	FetchErrorTimeout       = "timeout"
	FetchErrorNetwork       = "network"
	FetchErrorBreakerOpen   = "breaker_open"
	FetchErrorOther         = "other"

	// Known detection patterns (bounded set)
	PatternVolumeSpike     = "volume_spike"
	PatternPriceMomentum   = "price_momentum"
	PatternVolatilitySurge = "volatility_surge"
	PatternBreakoutHigh    = "breakout_high"
	PatternBreakoutLow     = "breakout_low"
	PatternOther           = "other"

	// Result labels
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// NormalizeFetchError maps arbitrary provider errors to a bounded set.
func NormalizeFetchError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "no market data") || strings.Contains(errStr, "no data"):
		return FetchErrorNoData
	case strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "429") || strings.Contains(errStr, "budget"):
		return FetchErrorRateLimited
	case strings.Contains(errStr, "unknown symbol") || strings.Contains(errStr, "invalid symbol"):
		return FetchErrorUnknownSymbol
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return FetchErrorTimeout
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "refused"):
		return FetchErrorNetwork
	case strings.Contains(errStr, "circuit breaker") || strings.Contains(errStr, "open state"):
		return FetchErrorBreakerOpen
	default:
		return FetchErrorOther
	}
}

// NormalizePattern maps a pattern type to the bounded known set.
func NormalizePattern(pattern string) string {
	switch pattern {
	case PatternVolumeSpike, PatternPriceMomentum, PatternVolatilitySurge, PatternBreakoutHigh, PatternBreakoutLow:
		return pattern
	default:
		return PatternOther
	}
}

// Detection metrics
var (
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_anomalies_detected_total",
		Help: "Total anomalies emitted by the detector",
	}, []string{"pattern", "severity"})

	ScanCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finsight_scan_cycles_total",
		Help: "Total detection cycles completed",
	})

	ScanCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "finsight_scan_cycle_duration_seconds",
		Help:    "Wall-clock duration of a full detection cycle",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	SymbolsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finsight_symbols_scanned_total",
		Help: "Total per-symbol evaluations attempted",
	})

	SymbolScanFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_symbol_scan_failures_total",
		Help: "Per-symbol evaluations that produced no result",
	}, []string{"reason"})

	SymbolPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finsight_symbol_panics_total",
		Help: "Panics recovered inside per-symbol evaluation tasks",
	})
)

// Decision metrics
var (
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_decisions_total",
		Help: "Agent decisions by final state",
	}, []string{"state"})

	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_rejections_total",
		Help: "Agent rejections by reason",
	}, []string{"reason"})

	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_escalations_total",
		Help: "Agent escalations by reason",
	}, []string{"reason"})

	CompositeConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "finsight_composite_confidence",
		Help:    "Distribution of composite confidence scores",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})
)

// Market data metrics
var (
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_provider_requests_total",
		Help: "Market data provider requests by provider and result",
	}, []string{"provider", "result"})

	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finsight_provider_request_duration_seconds",
		Help:    "Latency of market data provider requests",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"provider"})

	ProviderBudgetRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "finsight_provider_budget_remaining",
		Help: "Remaining daily call budget per provider",
	}, []string{"provider"})

	ProviderBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "finsight_provider_breaker_state",
		Help: "Provider circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"provider"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_cache_lookups_total",
		Help: "Market data cache lookups by kind and result (hit/miss)",
	}, []string{"kind", "result"})
)

// Outcome and learning metrics
var (
	OutcomesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_outcomes_recorded_total",
		Help: "Finalized anomaly outcomes by profitability",
	}, []string{"profitable"})

	OutcomeSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_outcome_samples_total",
		Help: "Per-interval return samples by interval and result",
	}, []string{"interval", "result"})

	PendingOutcomes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "finsight_pending_outcomes",
		Help: "Outcome follow-ups currently awaiting their next interval",
	})

	QualityRecomputes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finsight_quality_recomputes_total",
		Help: "Pattern quality recomputations performed",
	})

	ThresholdAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_threshold_adjustments_total",
		Help: "Adaptive threshold adjustments by direction",
	}, []string{"direction"})

	CausalObservations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finsight_causal_observations_total",
		Help: "Observations recorded by the causal learner",
	})
)

// Infrastructure metrics
var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_events_published_total",
		Help: "Events published to the message bus by type and result",
	}, []string{"type", "result"})

	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finsight_db_query_duration_ms",
		Help:    "Database query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	}, []string{"query_type"})

	DatabaseConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "finsight_db_connections",
		Help: "Database connection pool state",
	}, []string{"state"})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_api_requests_total",
		Help: "Ops API requests by method, path and status",
	}, []string{"method", "path", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finsight_api_request_duration_ms",
		Help:    "Ops API request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"method", "path"})
)

// RecordAnomaly records a detected anomaly.
func RecordAnomaly(pattern, severity string) {
	AnomaliesDetected.WithLabelValues(NormalizePattern(pattern), severity).Inc()
}

// RecordCycle records a completed detection cycle.
func RecordCycle(durationSeconds float64) {
	ScanCycles.Inc()
	ScanCycleDuration.Observe(durationSeconds)
}

// RecordSymbolScan records one per-symbol evaluation attempt.
func RecordSymbolScan(err error) {
	SymbolsScanned.Inc()
	if err != nil {
		SymbolScanFailures.WithLabelValues(NormalizeFetchError(err)).Inc()
	}
}

// RecordSymbolPanic records a recovered panic in a symbol task.
func RecordSymbolPanic() {
	SymbolPanics.Inc()
}

// RecordDecision records an agent decision and its confidence.
func RecordDecision(state string, composite float64) {
	Decisions.WithLabelValues(state).Inc()
	CompositeConfidence.Observe(composite)
}

// RecordRejection records an agent rejection by reason.
func RecordRejection(reason string) {
	Rejections.WithLabelValues(reason).Inc()
}

// RecordEscalation records an agent escalation by reason.
func RecordEscalation(reason string) {
	Escalations.WithLabelValues(reason).Inc()
}

// RecordProviderRequest records one provider call with its latency and result.
func RecordProviderRequest(provider string, durationSeconds float64, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	ProviderRequests.WithLabelValues(provider, result).Inc()
	ProviderRequestDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// SetProviderBudget publishes the remaining daily budget for a provider.
func SetProviderBudget(provider string, remaining int) {
	ProviderBudgetRemaining.WithLabelValues(provider).Set(float64(remaining))
}

// SetProviderBreakerState publishes a provider breaker state transition.
func SetProviderBreakerState(provider string, state float64) {
	ProviderBreakerState.WithLabelValues(provider).Set(state)
}

// RecordCacheLookup records a cache lookup for bars or quotes.
func RecordCacheLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(kind, result).Inc()
}

// RecordOutcome records a finalized outcome.
func RecordOutcome(profitable bool) {
	label := "false"
	if profitable {
		label = "true"
	}
	OutcomesRecorded.WithLabelValues(label).Inc()
}

// RecordOutcomeSample records one interval return sample.
func RecordOutcomeSample(interval string, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	OutcomeSamples.WithLabelValues(interval, result).Inc()
}

// SetPendingOutcomes publishes the current pending follow-up count.
func SetPendingOutcomes(count int) {
	PendingOutcomes.Set(float64(count))
}

// RecordQualityRecompute records one pattern quality recomputation.
func RecordQualityRecompute() {
	QualityRecomputes.Inc()
}

// RecordThresholdAdjustment records an adaptive threshold change.
func RecordThresholdAdjustment(direction string) {
	ThresholdAdjustments.WithLabelValues(direction).Inc()
}

// RecordCausalObservation records one learner observation.
func RecordCausalObservation() {
	CausalObservations.Inc()
}

// RecordEventPublish records a message bus publish attempt.
func RecordEventPublish(eventType string, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	EventsPublished.WithLabelValues(eventType, result).Inc()
}

// RecordDatabaseQuery records a database query duration.
func RecordDatabaseQuery(queryType string, durationMs float64) {
	DatabaseQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// UpdateDatabaseConnections updates connection pool gauges.
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnections.WithLabelValues("active").Set(float64(active))
	DatabaseConnections.WithLabelValues("idle").Set(float64(idle))
}

// RecordAPIRequest records an ops API request.
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequests.WithLabelValues(method, path, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, path).Observe(durationMs)
}
