package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndRecent(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	require.NoError(t, db.Record(ctx, Entry{RequestID: "a", Prompt: "cat", RequestCount: 2, ModelTime: 1.5, GatewayTime: 1.7, Outcome: OutcomeCompleted, Generation: 1}))
	require.NoError(t, db.Record(ctx, Entry{RequestID: "b", Prompt: "dog", RequestCount: 1, GatewayTime: 30, Outcome: OutcomeTimeout, Generation: 1}))
	require.NoError(t, db.Record(ctx, Entry{RequestID: "c", Prompt: "owl", RequestCount: 1, ModelTime: 0.5, GatewayTime: 0.6, Outcome: OutcomeCompleted, Generation: 2}))

	entries, err := db.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].RequestID)
	assert.Equal(t, uint64(2), entries[0].Generation)
	assert.Equal(t, "b", entries[1].RequestID)
	assert.Equal(t, OutcomeTimeout, entries[1].Outcome)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestRecentEmpty(t *testing.T) {
	entries, err := openDB(t).Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NotNil(t, entries)
}

func TestSummary(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	empty, err := db.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, empty)

	require.NoError(t, db.Record(ctx, Entry{RequestCount: 3, ModelTime: 2, GatewayTime: 2, Outcome: OutcomeCompleted}))
	require.NoError(t, db.Record(ctx, Entry{RequestCount: 1, GatewayTime: 4, Outcome: OutcomeTimeout}))
	require.NoError(t, db.Record(ctx, Entry{RequestCount: 1, Outcome: OutcomeBackendFailure}))

	s, err := db.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Requests)
	assert.Equal(t, int64(5), s.Prompts)
	assert.Equal(t, int64(1), s.Completed)
	assert.Equal(t, int64(1), s.Timeouts)
	assert.Equal(t, int64(1), s.BackendFailure)
	assert.InDelta(t, 2.0, s.AvgGatewayTime, 0.001)
	assert.InDelta(t, 4.0, s.MaxGatewayTime, 0.001)
}

func TestDatabasesAreIsolated(t *testing.T) {
	first := openDB(t)
	second := openDB(t)
	require.NoError(t, first.Record(context.Background(), Entry{Outcome: OutcomeCompleted}))

	entries, err := second.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
