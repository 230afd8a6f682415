package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/detect"
)

type stubAdapterStore struct {
	rows      []db.PatternQuality
	listErr   error
	upsertErr error

	gotMinSamples int
	upserts       []db.ThresholdOverride
}

func (s *stubAdapterStore) ListAdaptableQuality(_ context.Context, minSamples int) ([]db.PatternQuality, error) {
	s.gotMinSamples = minSamples
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.rows, nil
}

func (s *stubAdapterStore) UpsertThreshold(_ context.Context, override db.ThresholdOverride) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts = append(s.upserts, override)
	return nil
}

func newTestAdapter(store AdapterStore) *ThresholdAdapter {
	return NewThresholdAdapter(store, detect.DefaultThresholds(), 0)
}

func TestAdaptRaisesThresholdOnLowAccuracy(t *testing.T) {
	store := &stubAdapterStore{rows: []db.PatternQuality{
		{UserID: "u1", PatternType: detect.PatternVolumeSpike, Symbol: "AAPL", Accuracy: 0.2, SampleSize: 12},
	}}

	applied, err := newTestAdapter(store).Adapt(context.Background())

	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, 10, store.gotMinSamples)

	adj := applied[0]
	assert.Equal(t, 3.0, adj.Old)
	assert.Equal(t, 3.5, adj.New)
	assert.Equal(t, "Low accuracy (20%) - raising threshold to reduce noise", adj.Reason)

	require.Len(t, store.upserts, 1)
	up := store.upserts[0]
	assert.Equal(t, "u1", up.UserID)
	assert.Equal(t, detect.PatternVolumeSpike, up.PatternType)
	assert.Equal(t, "AAPL", up.Symbol)
	assert.Equal(t, 3.5, up.ZScore)
	assert.Equal(t, adj.Reason, up.Reason)
}

func TestAdaptLowersThresholdOnHighAccuracyAndEngagement(t *testing.T) {
	store := &stubAdapterStore{rows: []db.PatternQuality{
		{UserID: "u1", PatternType: detect.PatternPriceMomentum, Symbol: "MSFT", Accuracy: 0.7, ReviewRate: 0.6, SampleSize: 15},
	}}

	applied, err := newTestAdapter(store).Adapt(context.Background())

	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, 2.5, applied[0].Old)
	assert.InDelta(t, 2.2, applied[0].New, 1e-9)
	assert.Equal(t, "High accuracy (70%) and engagement - lowering threshold", applied[0].Reason)
}

func TestAdaptHonorsCapAndFloor(t *testing.T) {
	// Cap: a raised threshold never exceeds 5.0.
	high := detect.DefaultThresholds()
	high.VolumeSpike.Z = 4.8
	store := &stubAdapterStore{rows: []db.PatternQuality{
		{UserID: "u1", PatternType: detect.PatternVolumeSpike, Symbol: "AAPL", Accuracy: 0.1, SampleSize: 20},
	}}
	applied, err := NewThresholdAdapter(store, high, 0).Adapt(context.Background())
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, 5.0, applied[0].New)

	// Floor: a lowered threshold never drops under 2.0.
	store = &stubAdapterStore{rows: []db.PatternQuality{
		{UserID: "u1", PatternType: detect.PatternBreakoutHigh, Symbol: "AAPL", Accuracy: 0.8, ReviewRate: 0.7, SampleSize: 20},
	}}
	applied, err = newTestAdapter(store).Adapt(context.Background())
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, 2.0, applied[0].New)
}

func TestAdaptSkipsMiddleBand(t *testing.T) {
	store := &stubAdapterStore{rows: []db.PatternQuality{
		{UserID: "u1", PatternType: detect.PatternVolumeSpike, Symbol: "AAPL", Accuracy: 0.45, ReviewRate: 0.6, SampleSize: 30},
		// High accuracy alone is not enough without engagement.
		{UserID: "u1", PatternType: detect.PatternPriceMomentum, Symbol: "AAPL", Accuracy: 0.7, ReviewRate: 0.4, SampleSize: 30},
	}}

	applied, err := newTestAdapter(store).Adapt(context.Background())

	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Empty(t, store.upserts)
}

func TestAdaptSkipsThinSamples(t *testing.T) {
	store := &stubAdapterStore{rows: []db.PatternQuality{
		{UserID: "u1", PatternType: detect.PatternVolumeSpike, Symbol: "AAPL", Accuracy: 0.1, SampleSize: 9},
	}}

	applied, err := newTestAdapter(store).Adapt(context.Background())

	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestAdaptPropagatesStoreErrors(t *testing.T) {
	store := &stubAdapterStore{listErr: assert.AnError}
	_, err := newTestAdapter(store).Adapt(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "list adaptable quality")

	store = &stubAdapterStore{
		rows: []db.PatternQuality{
			{UserID: "u1", PatternType: detect.PatternVolumeSpike, Symbol: "AAPL", Accuracy: 0.1, SampleSize: 20},
		},
		upsertErr: assert.AnError,
	}
	applied, err := newTestAdapter(store).Adapt(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "upsert threshold")
	assert.Empty(t, applied)
}
