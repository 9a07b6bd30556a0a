package health

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/durability-core/pkg/backupstore"
	"github.com/cuemby/durability-core/pkg/change"
	"github.com/cuemby/durability-core/pkg/incremental"
)

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

func writeBackupFile(t *testing.T, dir, name string, body map[string]any, compress bool) string {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	if compress {
		f, err := os.Create(path)
		require.NoError(t, err)
		gz := gzip.NewWriter(f)
		_, err = gz.Write(raw)
		require.NoError(t, err)
		require.NoError(t, gz.Close())
		require.NoError(t, f.Close())
	} else {
		require.NoError(t, os.WriteFile(path, raw, 0o644))
	}
	return path
}

func TestCheckNow_AllHealthy(t *testing.T) {
	dir := t.TempDir()
	changes, _ := json.Marshal([]any{map[string]any{"kind": "add", "path": "x"}})
	sum := sha256.Sum256(changes)
	writeBackupFile(t, dir, "a.json", map[string]any{
		"id":               "a",
		"timestamp":        time.Now().Format(time.RFC3339),
		"payload_checksum": hex.EncodeToString(sum[:]),
		"changes":          json.RawMessage(changes),
	}, false)

	c := New(DefaultConfig(dir), nil, nil, nil)
	status := c.CheckNow()

	assert.Equal(t, 1, status.Total)
	assert.Equal(t, 1, status.HealthyCount)
	assert.True(t, status.Healthy)
	assert.Empty(t, status.Issues)
}

func TestCheckNow_ChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	writeBackupFile(t, dir, "b.json", map[string]any{
		"id":               "b",
		"timestamp":        time.Now().Format(time.RFC3339),
		"payload_checksum": "deadbeef",
		"changes":          []any{map[string]any{"kind": "add"}},
	}, false)

	c := New(DefaultConfig(dir), nil, nil, nil)
	status := c.CheckNow()

	require.Len(t, status.Issues, 1)
	assert.Equal(t, "checksum-mismatch", string(status.Issues[0].Kind))
	assert.Equal(t, "critical", string(status.Issues[0].Severity))
}

func TestCheckNow_MissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	writeBackupFile(t, dir, "c.json", map[string]any{"changes": []any{}, "note": strings.Repeat("n", 128)}, false)

	c := New(DefaultConfig(dir), nil, nil, nil)
	status := c.CheckNow()

	require.Len(t, status.Issues, 1)
	assert.Equal(t, "corruption", string(status.Issues[0].Kind))
	assert.Equal(t, "high", string(status.Issues[0].Severity))
}

func TestCheckNow_SizeAnomalyTooSmall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiny.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	c := New(DefaultConfig(dir), nil, nil, nil)
	status := c.CheckNow()

	require.Len(t, status.Issues, 1)
	assert.Equal(t, "size-anomaly", string(status.Issues[0].Kind))
	assert.Equal(t, "high", string(status.Issues[0].Severity))
}

func TestCheckNow_OutdatedAutoFixDeletes(t *testing.T) {
	dir := t.TempDir()
	path := writeBackupFile(t, dir, "old.json", map[string]any{
		"id":        "old",
		"timestamp": time.Now().Format(time.RFC3339),
		"changes":   []any{map[string]any{"kind": "add"}},
		"note":      strings.Repeat("n", 128),
	}, false)
	old := time.Now().Add(-60 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	cfg := DefaultConfig(dir)
	cfg.AutoFix = true
	c := New(cfg, nil, nil, nil)
	status := c.CheckNow()

	require.Len(t, status.Issues, 1)
	assert.Equal(t, "outdated", string(status.Issues[0].Kind))
	assert.True(t, status.Issues[0].AutoFixable)
	assert.Contains(t, status.Removed, path)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCheckNow_AggregateUnhealthyBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 9; i++ {
		changes, _ := json.Marshal([]any{map[string]any{"kind": "add", "path": "x"}})
		sum := sha256.Sum256(changes)
		writeBackupFile(t, dir, filepath.Base(dir)+"-good-"+string(rune('a'+i))+".json", map[string]any{
			"id":               "good",
			"timestamp":        time.Now().Format(time.RFC3339),
			"payload_checksum": hex.EncodeToString(sum[:]),
			"changes":          json.RawMessage(changes),
		}, false)
	}
	writeBackupFile(t, dir, "bad.json", map[string]any{"changes": []any{}}, false)

	cfg := DefaultConfig(dir)
	cfg.AlertThreshold = 5
	c := New(cfg, nil, nil, nil)
	status := c.CheckNow()

	assert.Equal(t, 10, status.Total)
	assert.Equal(t, 9, status.HealthyCount)
	assert.False(t, status.Healthy)
}

// TestCheckNow_RealBackupstoreRecord_Uncompressed exercises a file written
// by the real backupstore.Store, not a hand-crafted fixture — the checksum
// basis must match what Store.Put actually wrote.
func TestCheckNow_RealBackupstoreRecord_Uncompressed(t *testing.T) {
	dir := t.TempDir()
	store := backupstore.New(dir, backupstore.DefaultCompressionThreshold)
	detector := change.NewDetector(8)
	engine := incremental.New(store, detector, fixedClock{now: time.Now()}, incremental.DefaultConfig())

	_, err := engine.CreateIncremental("s1", map[string]any{"a": 1.0}, true)
	require.NoError(t, err)

	c := New(DefaultConfig(dir), nil, nil, nil)
	status := c.CheckNow()

	assert.Equal(t, 1, status.Total)
	assert.Equal(t, 1, status.HealthyCount)
	assert.Empty(t, status.Issues)
}

// TestCheckNow_RealBackupstoreRecord_Compressed forces Store to compress
// the payload (low threshold) so checkFile must decode through the
// compressed path before recomputing the checksum.
func TestCheckNow_RealBackupstoreRecord_Compressed(t *testing.T) {
	dir := t.TempDir()
	store := backupstore.New(dir, 50)
	detector := change.NewDetector(8)
	engine := incremental.New(store, detector, fixedClock{now: time.Now()}, incremental.DefaultConfig())

	big := map[string]any{}
	for i := 0; i < 50; i++ {
		big[strings.Repeat("k", i+1)] = strings.Repeat("v", 40)
	}
	record, err := engine.CreateIncremental("s1", big, true)
	require.NoError(t, err)
	require.True(t, record.Metadata.Compressed)

	c := New(DefaultConfig(dir), nil, nil, nil)
	status := c.CheckNow()

	assert.Equal(t, 1, status.Total)
	assert.Equal(t, 1, status.HealthyCount)
	assert.Empty(t, status.Issues)
}
