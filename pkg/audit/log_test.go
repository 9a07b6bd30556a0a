package audit

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/durability-core/pkg/types"
)

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

func newLogger(t *testing.T) *Logger {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	return New(cfg, fixedClock{now: time.Now()}, nil, nil)
}

func TestLog_BufferedEntryFlushedByQuery(t *testing.T) {
	l := newLogger(t)
	require.NoError(t, l.Log(types.AuditEntry{Type: types.AuditEventRecoveryStarted, Severity: types.SeverityLow, Action: "recover_to_point", Outcome: types.OutcomeSuccess}))

	results, err := l.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.NotEmpty(t, results[0].Integrity.Hash)
	assert.Empty(t, results[0].Integrity.PreviousHash)
}

func TestLog_CriticalSeverityFlushesImmediately(t *testing.T) {
	l := newLogger(t)
	require.NoError(t, l.Log(types.AuditEntry{Type: types.AuditEventCorruptionFound, Severity: types.SeverityCritical, Action: "detect_corruption", Outcome: types.OutcomeFailure}))

	l.mu.Lock()
	buffered := len(l.buffer)
	l.mu.Unlock()
	assert.Equal(t, 0, buffered)
}

func TestFlush_ChainsHashesAcrossEntries_P7(t *testing.T) {
	l := newLogger(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Log(types.AuditEntry{Type: types.AuditEventRecoveryStarted, Severity: types.SeverityLow, Action: "step", Outcome: types.OutcomeSuccess}))
		require.NoError(t, l.Flush())
	}

	entries, err := l.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 5)

	violations, err := l.VerifyIntegrity()
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestVerifyIntegrity_DetectsTamperedEntry(t *testing.T) {
	l := newLogger(t)
	require.NoError(t, l.Log(types.AuditEntry{Type: types.AuditEventRecoveryStarted, Severity: types.SeverityLow, Action: "step", Outcome: types.OutcomeSuccess}))
	require.NoError(t, l.Flush())

	files, err := l.shardFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)

	entries, err := readShard(files[0])
	require.NoError(t, err)
	entries[0].Action = "tampered"
	out, err := json.MarshalIndent(entries, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(files[0], out, 0o644))

	violations, err := l.VerifyIntegrity()
	require.NoError(t, err)
	assert.NotEmpty(t, violations)
}

func TestSummary_TotalsAndTopErrors(t *testing.T) {
	l := newLogger(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Log(types.AuditEntry{Type: types.AuditEventRecoveryFailed, Severity: types.SeverityHigh, Action: "recover", Outcome: types.OutcomeFailure, ErrorMessage: "boom"}))
	}
	require.NoError(t, l.Log(types.AuditEntry{Type: types.AuditEventRecoveryCompleted, Severity: types.SeverityLow, Action: "recover", Outcome: types.OutcomeSuccess}))
	require.NoError(t, l.Flush())

	summary, err := l.Summary(time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalByOutcome[types.OutcomeFailure])
	assert.Equal(t, 1, summary.TotalByOutcome[types.OutcomeSuccess])
	require.NotEmpty(t, summary.TopErrors)
	assert.Equal(t, "boom", summary.TopErrors[0])
}

func TestExport_CSVAndJSON(t *testing.T) {
	l := newLogger(t)
	require.NoError(t, l.Log(types.AuditEntry{Type: types.AuditEventRecoveryStarted, Severity: types.SeverityLow, Action: "step", Outcome: types.OutcomeSuccess, SessionID: "s1"}))
	require.NoError(t, l.Flush())

	dir := t.TempDir()
	jsonPath := dir + "/out.json"
	csvPath := dir + "/out.csv"
	require.NoError(t, l.Export(jsonPath, Filter{}, "json"))
	require.NoError(t, l.Export(csvPath, Filter{}, "csv"))

	jsonRaw, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	assert.Contains(t, string(jsonRaw), "s1")

	csvRaw, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Contains(t, string(csvRaw), "session_id")
}

func TestFlush_ChainContinuesAcrossProcessRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)

	first := New(cfg, fixedClock{now: time.Now()}, nil, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, first.Log(types.AuditEntry{Type: types.AuditEventRecoveryStarted, Severity: types.SeverityLow, Action: "step", Outcome: types.OutcomeSuccess}))
		require.NoError(t, first.Flush())
	}

	// Simulate a process restart: a brand new Logger pointed at the same
	// root must not start a fresh chain with an empty previous_hash.
	second := New(cfg, fixedClock{now: time.Now()}, nil, nil)
	assert.NotEmpty(t, second.lastHash)
	assert.Equal(t, first.lastHash, second.lastHash)

	require.NoError(t, second.Log(types.AuditEntry{Type: types.AuditEventRecoveryStarted, Severity: types.SeverityLow, Action: "step", Outcome: types.OutcomeSuccess}))
	require.NoError(t, second.Flush())

	entries, err := second.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 4)

	violations, err := second.VerifyIntegrity()
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestCleanup_DeletesOldShards(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	cfg := DefaultConfig(dir)
	old := fixedClock{now: now.AddDate(0, 0, -40)}
	l := New(cfg, old, nil, nil)
	require.NoError(t, l.Log(types.AuditEntry{Type: types.AuditEventRecoveryStarted, Severity: types.SeverityLow, Action: "step", Outcome: types.OutcomeSuccess}))
	require.NoError(t, l.Flush())

	l.clock = fixedClock{now: now}
	require.NoError(t, l.Cleanup(30))

	files, err := l.shardFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}
