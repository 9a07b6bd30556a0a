package rotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/durability-core/pkg/backupstore"
	"github.com/cuemby/durability-core/pkg/types"
)

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

func putRecord(t *testing.T, store *backupstore.Store, sessionID, id string, ts time.Time) {
	t.Helper()
	changes := []types.ChangeEntry{{Kind: types.ChangeKindAdd, Path: types.BaselineChangeField, NewValue: map[string]any{"n": id}}}
	sum, err := backupstore.ChecksumChanges(changes)
	require.NoError(t, err)
	rec := &types.BackupRecord{
		ID: id, SessionID: sessionID, Timestamp: ts, Kind: types.BackupKindBaseline,
		Changes: changes, Metadata: types.BackupMetadata{SchemaVersion: 1}, PayloadChecksum: sum,
	}
	require.NoError(t, store.Put(rec))
}

func TestPerformRotation_HourlyRetainsExactCount(t *testing.T) {
	dir := t.TempDir()
	store := backupstore.New(dir, backupstore.DefaultCompressionThreshold)
	now := time.Now().UTC()

	for i := 0; i < 48; i++ {
		ts := now.Add(-time.Duration(i) * 20 * time.Minute) // all within last 24h, distinct ids
		putRecord(t, store, "s", "baseline_"+paddedID(i), ts)
	}

	cfg := Config{
		Hourly:            ClassPolicy{Enabled: true, RetainCount: 24},
		Daily:             ClassPolicy{Enabled: false},
		Weekly:            ClassPolicy{Enabled: false},
		Monthly:           ClassPolicy{Enabled: false},
		MaxTotalSizeBytes: 0,
		MaxAge:            0,
	}
	engine := New(store, fixedClock{now: now}, nil, cfg)

	result, err := engine.PerformRotation()
	require.NoError(t, err)
	assert.Len(t, result.Kept, 24)
	assert.Len(t, result.Deleted, 24)

	remaining, err := store.Scan()
	require.NoError(t, err)
	assert.Len(t, remaining, 24)
}

func TestPerformRotation_Idempotent_P6(t *testing.T) {
	dir := t.TempDir()
	store := backupstore.New(dir, backupstore.DefaultCompressionThreshold)
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		putRecord(t, store, "s", "baseline_"+paddedID(i), now.Add(-time.Duration(i)*time.Hour))
	}

	cfg := DefaultConfig()
	engine := New(store, fixedClock{now: now}, nil, cfg)

	first, err := engine.PerformRotation()
	require.NoError(t, err)

	second, err := engine.PerformRotation()
	require.NoError(t, err)
	assert.Empty(t, second.Deleted)
	assert.Equal(t, len(first.Kept), len(second.Kept))
}

func TestPerformRotation_AgeCeilingDeletesOldRecords(t *testing.T) {
	dir := t.TempDir()
	store := backupstore.New(dir, backupstore.DefaultCompressionThreshold)
	now := time.Now().UTC()

	putRecord(t, store, "s", "baseline_recent", now.Add(-time.Hour))
	putRecord(t, store, "s", "baseline_ancient", now.Add(-400*24*time.Hour))

	cfg := DefaultConfig()
	cfg.Hourly.RetainCount = 100
	cfg.Monthly.RetainCount = 100
	engine := New(store, fixedClock{now: now}, nil, cfg)

	result, err := engine.PerformRotation()
	require.NoError(t, err)
	assert.Contains(t, result.Deleted, "baseline_ancient")
	assert.Contains(t, result.Kept, "baseline_recent")
}

func TestEstimatePostRotationUsage(t *testing.T) {
	dir := t.TempDir()
	store := backupstore.New(dir, backupstore.DefaultCompressionThreshold)
	now := time.Now().UTC()
	putRecord(t, store, "s", "baseline_a", now)

	engine := New(store, fixedClock{now: now}, nil, DefaultConfig())
	usage, err := engine.EstimatePostRotationUsage()
	require.NoError(t, err)
	assert.Greater(t, usage, int64(0))
}

func paddedID(i int) string {
	digits := "0123456789"
	if i < 10 {
		return "0" + string(digits[i])
	}
	tens := i / 10
	ones := i % 10
	return string(digits[tens]) + string(digits[ones])
}
