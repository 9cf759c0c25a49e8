package promotion

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polzovatel/her/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "promotion.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordSuccessInsertsThenUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordSuccess(ctx, "sig", "frame", "click:sign in", "#submit", domain.StrategyID, ""))
	entry, ok, err := s.Lookup(ctx, "sig", "frame", "click:sign in")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, entry.Success)
	require.Equal(t, "#submit", entry.Selector)

	require.NoError(t, s.RecordSuccess(ctx, "sig", "frame", "click:sign in", "#submit", domain.StrategyID, ""))
	entry, _, err = s.Lookup(ctx, "sig", "frame", "click:sign in")
	require.NoError(t, err)
	require.Equal(t, 2, entry.Success)
}

func TestRecordFailureNeverInsertsNewRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordFailure(ctx, "sig", "frame", "click:never-succeeded"))
	_, ok, err := s.Lookup(ctx, "sig", "frame", "click:never-succeeded")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCalculateConfidenceDampsSmallSamples(t *testing.T) {
	require.InDelta(t, 0.7, calculateConfidence(1, 0), 1e-9)
	require.InDelta(t, 0.85, calculateConfidence(9, 0), 1e-9)
	require.InDelta(t, 0.95, calculateConfidence(19, 0), 1e-9)
	require.InDelta(t, 1.0, calculateConfidence(25, 0), 1e-9)
	require.InDelta(t, 0.5, calculateConfidence(0, 0), 1e-9)
}

func TestWarmCachePromotesHighConfidenceEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, s.RecordSuccess(ctx, "sig", "frame", "click:checkout", "#checkout", domain.StrategyID, ""))
	}
	require.Equal(t, 1, s.warm.Len())
	entry, ok := s.warm.Get(key("sig", "frame", "click:checkout"))
	require.True(t, ok)
	require.InDelta(t, 1.0, entry.Confidence, 1e-9)
}

func TestVacuumRemovesStaleLowConfidenceEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordSuccess(ctx, "sig", "stale-frame", "click:x", "#x", domain.StrategyID, ""))
	require.NoError(t, s.RecordFailure(ctx, "sig", "stale-frame", "click:x"))

	n, err := s.Vacuum(ctx, -time.Hour, 0.9)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok, err := s.Lookup(ctx, "sig", "stale-frame", "click:x")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStatsAggregatesAcrossEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordSuccess(ctx, "sig", "frame-a", "click:a", "#a", domain.StrategyID, ""))
	require.NoError(t, s.RecordSuccess(ctx, "sig", "frame-b", "click:b", "#b", domain.StrategyID, ""))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalEntries)
	require.Equal(t, 2, stats.TotalSuccesses)
}
