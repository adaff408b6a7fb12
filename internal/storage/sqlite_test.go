package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatthewMakesMagic/poly-sub012/internal/domain"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signals.db")
	store, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRow(symbol string, ts int64) domain.SignalRow {
	correct := true
	pnl := 2.5
	window := "btc-updown-15m-2026-08-29-10-00"
	return domain.SignalRow{
		TimestampMs:         ts,
		Symbol:              symbol,
		SpotPriceAtSignal:   65000.5,
		SpotMoveDirection:   "up",
		SpotMoveMagnitude:   0.0012,
		OraclePriceAtSignal: 64990.0,
		PredictedDirection:  "up",
		PredictedTauMs:      1000,
		CorrelationAtTau:    0.91,
		WindowID:            &window,
		OutcomeDirection:    "up",
		PredictionCorrect:   &correct,
		PnL:                 &pnl,
	}
}

func TestSQLiteStore_InsertBatch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rows := []domain.SignalRow{
		sampleRow("btc", 1000),
		sampleRow("btc", 2000),
		sampleRow("eth", 3000),
	}
	require.NoError(t, store.InsertBatch(ctx, rows))

	n, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = store.Count(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLiteStore_InsertBatchEmpty(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.InsertBatch(context.Background(), nil))

	n, err := store.Count(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSQLiteStore_NullableFields(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// 无 window/outcome/pnl 的最小行
	row := domain.SignalRow{
		TimestampMs:         500,
		Symbol:              "btc",
		SpotPriceAtSignal:   100,
		SpotMoveDirection:   "down",
		SpotMoveMagnitude:   0.001,
		OraclePriceAtSignal: 99,
		PredictedDirection:  "down",
		PredictedTauMs:      500,
		CorrelationAtTau:    -0.7,
	}
	require.NoError(t, store.InsertBatch(ctx, []domain.SignalRow{row}))

	n, err := store.Count(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteStore_MigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signals.db")

	s1, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s1.InsertBatch(context.Background(), []domain.SignalRow{sampleRow("btc", 1)}))
	require.NoError(t, s1.Close())

	// 重新打开同一文件：建表语句可重复执行，数据保留
	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	n, err := s2.Count(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
