package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func qualityRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"user_id", "pattern_type", "symbol", "accuracy", "review_rate",
		"trade_rate", "avg_return", "agent_accuracy", "sample_size",
		"updated_at",
	})
}

func TestGetPatternQuality(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)

	rows := qualityRows().AddRow(
		"default", "volume_spike", "AAPL", 0.72, 0.55, 0.30, 0.0042, 0.70,
		30, detectedAt,
	)
	mock.ExpectQuery("FROM pattern_quality").
		WithArgs("default", "volume_spike", "AAPL").
		WillReturnRows(rows)

	q, err := store.GetPatternQuality(context.Background(), "default", "volume_spike", "AAPL")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, 0.72, q.Accuracy)
	assert.Equal(t, 30, q.SampleSize)

	require.NoError(t, mock.ExpectationsWereMet())
}

// A triple with no recorded outcomes has no quality row. Callers treat
// nil as "no history".
func TestGetPatternQualityMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)

	mock.ExpectQuery("FROM pattern_quality").
		WithArgs("default", "price_momentum", "TSLA").
		WillReturnError(pgx.ErrNoRows)

	q, err := store.GetPatternQuality(context.Background(), "default", "price_momentum", "TSLA")
	require.NoError(t, err)
	assert.Nil(t, q)

	require.NoError(t, mock.ExpectationsWereMet())
}

func expectRecompute(mock pgxmock.PgxPoolIface) {
	mock.ExpectQuery("SELECT pattern_type, symbol FROM anomalies").
		WithArgs("anomaly-1").
		WillReturnRows(pgxmock.NewRows([]string{"pattern_type", "symbol"}).
			AddRow("volume_spike", "AAPL"))

	mock.ExpectQuery("FROM anomaly_outcomes ao").
		WithArgs("default", "volume_spike", "AAPL").
		WillReturnRows(pgxmock.NewRows([]string{
			"sample_size", "accuracy", "review_rate", "trade_rate",
			"avg_return", "agent_accuracy",
		}).AddRow(8, fptr(0.75), fptr(0.625), fptr(0.375), fptr(0.0042), fptr(0.75)))

	mock.ExpectExec("INSERT INTO pattern_quality").
		WithArgs("default", "volume_spike", "AAPL", 0.75, 0.625, 0.375, 0.0042, 0.75, 8).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func TestRecomputePatternQuality(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	expectRecompute(mock)

	q, err := store.RecomputePatternQuality(context.Background(), "anomaly-1", "default")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, "volume_spike", q.PatternType)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, 0.75, q.Accuracy)
	assert.Equal(t, 0.625, q.ReviewRate)
	assert.Equal(t, 0.375, q.TradeRate)
	assert.InDelta(t, 0.0042, q.AvgReturn, 1e-9)
	assert.Equal(t, 0.75, q.AgentAccuracy)
	assert.Equal(t, 8, q.SampleSize)

	require.NoError(t, mock.ExpectationsWereMet())
}

// Recomputing is a pure function of the outcome rows: running it again
// over the same outcomes writes the same values.
func TestRecomputePatternQualityIdempotent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	expectRecompute(mock)
	expectRecompute(mock)

	first, err := store.RecomputePatternQuality(context.Background(), "anomaly-1", "default")
	require.NoError(t, err)
	second, err := store.RecomputePatternQuality(context.Background(), "anomaly-1", "default")
	require.NoError(t, err)

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.Accuracy, second.Accuracy)
	assert.Equal(t, first.ReviewRate, second.ReviewRate)
	assert.Equal(t, first.TradeRate, second.TradeRate)
	assert.Equal(t, first.AvgReturn, second.AvgReturn)
	assert.Equal(t, first.AgentAccuracy, second.AgentAccuracy)
	assert.Equal(t, first.SampleSize, second.SampleSize)

	require.NoError(t, mock.ExpectationsWereMet())
}

// No outcomes yet: nothing to learn from, nothing written.
func TestRecomputePatternQualityNoOutcomes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)

	mock.ExpectQuery("SELECT pattern_type, symbol FROM anomalies").
		WithArgs("anomaly-1").
		WillReturnRows(pgxmock.NewRows([]string{"pattern_type", "symbol"}).
			AddRow("volume_spike", "AAPL"))

	mock.ExpectQuery("FROM anomaly_outcomes ao").
		WithArgs("default", "volume_spike", "AAPL").
		WillReturnRows(pgxmock.NewRows([]string{
			"sample_size", "accuracy", "review_rate", "trade_rate",
			"avg_return", "agent_accuracy",
		}).AddRow(0, nil, nil, nil, nil, nil))

	q, err := store.RecomputePatternQuality(context.Background(), "anomaly-1", "default")
	require.NoError(t, err)
	assert.Nil(t, q)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecomputePatternQualityUnknownAnomaly(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)

	mock.ExpectQuery("SELECT pattern_type, symbol FROM anomalies").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	q, err := store.RecomputePatternQuality(context.Background(), "nope", "default")
	require.NoError(t, err)
	assert.Nil(t, q)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAdaptableQuality(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)

	rows := qualityRows().
		AddRow("default", "volume_spike", "AAPL", 0.20, 0.30, 0.10, -0.002,
			0.40, 12, detectedAt).
		AddRow("default", "price_momentum", "TSLA", 0.70, 0.60, 0.35, 0.008,
			0.75, 15, detectedAt)

	mock.ExpectQuery("FROM pattern_quality").
		WithArgs(10).
		WillReturnRows(rows)

	quality, err := store.ListAdaptableQuality(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, quality, 2)
	assert.Equal(t, "volume_spike", quality[0].PatternType)
	assert.Equal(t, 12, quality[0].SampleSize)
	assert.Equal(t, "price_momentum", quality[1].PatternType)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQualityByUser(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)

	rows := qualityRows().AddRow(
		"trader-1", "breakout_high", "NVDA", 0.60, 0.50, 0.25, 0.005, 0.65,
		9, detectedAt,
	)
	mock.ExpectQuery("FROM pattern_quality").
		WithArgs("trader-1").
		WillReturnRows(rows)

	quality, err := store.QualityByUser(context.Background(), "trader-1")
	require.NoError(t, err)
	require.Len(t, quality, 1)
	assert.Equal(t, "breakout_high", quality[0].PatternType)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertThreshold(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)

	o := ThresholdOverride{
		UserID:      "default",
		PatternType: "volume_spike",
		Symbol:      "AAPL",
		ZScore:      3.5,
		Reason:      "Low accuracy (20%) - raising threshold to reduce noise",
	}

	mock.ExpectExec("INSERT INTO detection_thresholds").
		WithArgs(o.UserID, o.PatternType, o.Symbol, o.ZScore, o.Reason).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.UpsertThreshold(context.Background(), o)
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedThreshold(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)

	o := ThresholdOverride{
		UserID:      "trader-1",
		PatternType: "volume_spike",
		Symbol:      "AAPL",
		ZScore:      2.5,
		Reason:      "profile default",
	}

	mock.ExpectExec("INSERT INTO detection_thresholds").
		WithArgs(o.UserID, o.PatternType, o.Symbol, o.ZScore, o.Reason).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inserted, err := store.SeedThreshold(context.Background(), o)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Second seed hits the existing row and leaves it alone.
	mock.ExpectExec("INSERT INTO detection_thresholds").
		WithArgs(o.UserID, o.PatternType, o.Symbol, o.ZScore, o.Reason).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err = store.SeedThreshold(context.Background(), o)
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetThresholdOverrides(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)

	rows := pgxmock.NewRows([]string{"pattern_type", "z_score_threshold"}).
		AddRow("volume_spike", 3.5).
		AddRow("breakout_high", 2.0)

	mock.ExpectQuery("FROM detection_thresholds").
		WithArgs("default", "AAPL").
		WillReturnRows(rows)

	overrides, err := store.GetThresholdOverrides(context.Background(), "default", "AAPL")
	require.NoError(t, err)
	require.Len(t, overrides, 2)
	assert.Equal(t, 3.5, overrides["volume_spike"])
	assert.Equal(t, 2.0, overrides["breakout_high"])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetThresholdOverridesEmpty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)

	mock.ExpectQuery("FROM detection_thresholds").
		WithArgs("default", "MSFT").
		WillReturnRows(pgxmock.NewRows([]string{"pattern_type", "z_score_threshold"}))

	overrides, err := store.GetThresholdOverrides(context.Background(), "default", "MSFT")
	require.NoError(t, err)
	assert.Empty(t, overrides)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendCausalObservation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)

	o := CausalObservation{
		PatternType: "volume_spike",
		Regime:      "ranging",
		Horizon:     "swing",
		TimeOfDay:   "mid",
		DayOfWeek:   1,
		Success:     true,
		ObservedAt:  detectedAt,
	}

	mock.ExpectExec("INSERT INTO causal_observations").
		WithArgs(o.PatternType, o.Regime, o.Horizon, o.TimeOfDay,
			o.DayOfWeek, o.Success, o.ObservedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.AppendCausalObservation(context.Background(), o)
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentCausalObservations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)

	rows := pgxmock.NewRows([]string{
		"id", "pattern_type", "regime", "horizon", "time_of_day",
		"day_of_week", "success", "observed_at",
	}).
		AddRow(int64(1), "volume_spike", "ranging", "swing", "mid", 1, true,
			detectedAt.Add(-48*time.Hour)).
		AddRow(int64(2), "volume_spike", "trending_up", "swing", "open", 2,
			false, detectedAt)

	mock.ExpectQuery("FROM causal_observations").
		WithArgs(30).
		WillReturnRows(rows)

	observations, err := store.RecentCausalObservations(context.Background(), 30)
	require.NoError(t, err)
	require.Len(t, observations, 2)
	assert.Equal(t, int64(1), observations[0].ID)
	assert.True(t, observations[0].Success)
	assert.Equal(t, "trending_up", observations[1].Regime)

	require.NoError(t, mock.ExpectationsWereMet())
}
