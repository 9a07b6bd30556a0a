package audit

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/durability-core/pkg/core"
	"github.com/cuemby/durability-core/pkg/events"
	"github.com/cuemby/durability-core/pkg/types"
)

// DefaultMaxLogSizeBytes is the day-shard size ceiling that triggers
// rotation to a numbered sibling file.
const DefaultMaxLogSizeBytes = 50 * 1024 * 1024

// Config controls a Logger's flush cadence and on-disk footprint.
type Config struct {
	Root            string
	FlushInterval   time.Duration
	MaxLogSizeBytes int64
	MaxLogFiles     int
}

// DefaultConfig returns the spec's defaults rooted at root.
func DefaultConfig(root string) Config {
	return Config{
		Root:            root,
		FlushInterval:   5 * time.Second,
		MaxLogSizeBytes: DefaultMaxLogSizeBytes,
		MaxLogFiles:     10,
	}
}

// Logger buffers audit entries and flushes them, hash-chained, to
// day-sharded JSON files.
type Logger struct {
	cfg       Config
	clock     core.Clock
	scheduler core.Scheduler
	publisher events.Publisher

	mu       sync.Mutex
	buffer   []types.AuditEntry
	lastHash string
	stop     chan struct{}
}

// New creates a Logger. clock/scheduler default to production
// implementations if nil; publisher may be nil.
func New(cfg Config, clock core.Clock, scheduler core.Scheduler, publisher events.Publisher) *Logger {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if scheduler == nil {
		scheduler = core.TickerScheduler{}
	}
	if cfg.MaxLogSizeBytes <= 0 {
		cfg.MaxLogSizeBytes = DefaultMaxLogSizeBytes
	}
	if cfg.MaxLogFiles <= 0 {
		cfg.MaxLogFiles = 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &Logger{
		cfg:       cfg,
		clock:     clock,
		scheduler: scheduler,
		publisher: publisher,
		stop:      make(chan struct{}),
		lastHash:  recoverLastHash(cfg.Root),
	}
}

// recoverLastHash seeds a new Logger's hash chain from whatever was last
// persisted under root, so a process restart does not start a fresh chain
// with an empty previous_hash while prior shards already end in a non-empty
// one. It walks primary day shards newest-first; rotation always appends to
// the current day's primary shard after renaming the old content aside, so
// that shard's own last entry is the most recent one written, and rotated
// siblings never need consulting. Best effort: a root that doesn't exist
// yet, or that fails to read, just starts a fresh chain.
func recoverLastHash(root string) string {
	matches, err := filepath.Glob(filepath.Join(root, "recovery-log-*.json"))
	if err != nil {
		return ""
	}
	var candidates []string
	for _, m := range matches {
		if shardNamePattern.MatchString(m) {
			candidates = append(candidates, m)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(candidates)))

	for _, f := range candidates {
		entries, err := readShard(f)
		if err != nil || len(entries) == 0 {
			continue
		}
		return entries[len(entries)-1].Integrity.Hash
	}
	return ""
}

// Start begins the periodic flush timer.
func (l *Logger) Start() {
	l.scheduler.Every(l.cfg.FlushInterval, l.stop, func() {
		_ = l.Flush()
	})
}

// Stop halts the periodic flush timer. Callers should Flush afterward to
// persist anything still buffered.
func (l *Logger) Stop() {
	close(l.stop)
}

// Log buffers entry for the next flush, flushing immediately if it is
// severity-critical or a recovery-failed event.
func (l *Logger) Log(entry types.AuditEntry) error {
	l.mu.Lock()
	l.buffer = append(l.buffer, entry)
	urgent := entry.Severity == types.SeverityCritical || entry.Type == types.AuditEventRecoveryFailed
	l.mu.Unlock()

	if urgent {
		return l.Flush()
	}
	return nil
}

// Flush writes every buffered entry to its day shard, chaining each to
// the hash of the entry before it.
func (l *Logger) Flush() error {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return nil
	}
	pending := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	for i := range pending {
		entry := pending[i]
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = l.clock.Now()
		}

		l.mu.Lock()
		entry.Integrity = types.Integrity{PreviousHash: l.lastHash}
		hash, err := hashEntry(entry)
		if err != nil {
			l.mu.Unlock()
			return fmt.Errorf("audit: %w: hash entry %s: %v", core.ErrIO, entry.ID, err)
		}
		entry.Integrity.Hash = hash
		l.lastHash = hash
		l.mu.Unlock()

		if err := l.appendToShard(entry); err != nil {
			return err
		}

		if l.publisher != nil {
			l.publisher.Publish(&events.Event{
				Type:      events.TypeRecoveryCompleted,
				Timestamp: entry.Timestamp,
				Message:   fmt.Sprintf("audit entry %s flushed (%s)", entry.ID, entry.Outcome),
			})
		}
	}
	return nil
}

// hashEntry computes SHA-256 hex over entry's canonical JSON form with
// its own hash field cleared (previous_hash, set before calling, is
// included).
func hashEntry(entry types.AuditEntry) (string, error) {
	entry.Integrity.Hash = ""
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (l *Logger) shardPath(day string) string {
	return filepath.Join(l.cfg.Root, fmt.Sprintf("recovery-log-%s.json", day))
}

func readShard(path string) ([]types.AuditEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []types.AuditEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrCorrupt, path, err)
	}
	return entries, nil
}

func (l *Logger) appendToShard(entry types.AuditEntry) error {
	if err := os.MkdirAll(l.cfg.Root, 0o755); err != nil {
		return fmt.Errorf("audit: %w: mkdir %s: %v", core.ErrIO, l.cfg.Root, err)
	}

	day := entry.Timestamp.Format("2006-01-02")
	path := l.shardPath(day)

	entries, err := readShard(path)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	entries = append(entries, entry)

	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("audit: %w: marshal shard %s: %v", core.ErrIO, path, err)
	}

	if int64(len(raw)) > l.cfg.MaxLogSizeBytes && len(entries) > 1 {
		if err := l.rotateShard(path); err != nil {
			return err
		}
		entries = []types.AuditEntry{entry}
		raw, err = json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("audit: %w: marshal shard %s: %v", core.ErrIO, path, err)
		}
	}

	return atomicWrite(l.cfg.Root, path, raw)
}

func atomicWrite(dir, path string, raw []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-audit-*")
	if err != nil {
		return fmt.Errorf("audit: %w: tempfile: %v", core.ErrIO, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("audit: %w: write %s: %v", core.ErrIO, path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("audit: %w: close %s: %v", core.ErrIO, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("audit: %w: rename %s: %v", core.ErrIO, path, err)
	}
	return nil
}

func (l *Logger) rotateShard(path string) error {
	rotated := fmt.Sprintf("%s.%d", path, l.clock.Now().UnixNano())
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, rotated); err != nil {
			return fmt.Errorf("audit: %w: rotate %s: %v", core.ErrIO, path, err)
		}
	}
	return l.trimBackups(path)
}

func (l *Logger) trimBackups(path string) error {
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return err
	}
	sort.Strings(matches)
	if len(matches) <= l.cfg.MaxLogFiles {
		return nil
	}
	for _, m := range matches[:len(matches)-l.cfg.MaxLogFiles] {
		os.Remove(m)
	}
	return nil
}

// Filter narrows a Query or Summary call.
type Filter struct {
	Since      time.Time
	Until      time.Time
	Types      []types.AuditEventType
	Severities []types.Severity
	Outcomes   []types.Outcome
	SessionID  string
	Offset     int
	Limit      int
}

func (f Filter) matches(e types.AuditEntry) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	if len(f.Outcomes) > 0 && !containsOutcome(f.Outcomes, e.Outcome) {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	return true
}

func containsType(set []types.AuditEventType, v types.AuditEventType) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsSeverity(set []types.Severity, v types.Severity) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsOutcome(set []types.Outcome, v types.Outcome) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

var shardNamePattern = regexp.MustCompile(`recovery-log-(\d{4}-\d{2}-\d{2})\.json$`)

// shardFiles returns the primary (non-rotated) day-shard files, sorted
// descending by day.
func (l *Logger) shardFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.cfg.Root, "recovery-log-*.json"))
	if err != nil {
		return nil, err
	}
	var files []string
	for _, m := range matches {
		if shardNamePattern.MatchString(m) {
			files = append(files, m)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

// Query flushes any buffered entries, then reads day shards newest-first,
// filters, sorts by timestamp descending, and applies offset/limit.
func (l *Logger) Query(filter Filter) ([]types.AuditEntry, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	files, err := l.shardFiles()
	if err != nil {
		return nil, fmt.Errorf("audit: %w: list shards: %v", core.ErrIO, err)
	}

	var matched []types.AuditEntry
	for _, f := range files {
		entries, err := readShard(f)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		for _, e := range entries {
			if filter.matches(e) {
				matched = append(matched, e)
			}
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Summary totals query results by outcome and event type, averages
// duration, and names the five most frequent error messages.
type Summary struct {
	TotalByOutcome  map[types.Outcome]int
	TotalByType     map[types.AuditEventType]int
	AverageDuration time.Duration
	TopErrors       []string
}

// Summary reports aggregate statistics over [since, until], both ends
// inclusive; a zero bound leaves that end open.
func (l *Logger) Summary(since, until time.Time) (*Summary, error) {
	entries, err := l.Query(Filter{Since: since, Until: until})
	if err != nil {
		return nil, err
	}

	summary := &Summary{TotalByOutcome: map[types.Outcome]int{}, TotalByType: map[types.AuditEventType]int{}}
	var totalDuration time.Duration
	var durationCount int
	errorCounts := map[string]int{}

	for _, e := range entries {
		summary.TotalByOutcome[e.Outcome]++
		summary.TotalByType[e.Type]++
		if e.Duration != nil {
			totalDuration += *e.Duration
			durationCount++
		}
		if e.ErrorMessage != "" {
			errorCounts[e.ErrorMessage]++
		}
	}
	if durationCount > 0 {
		summary.AverageDuration = totalDuration / time.Duration(durationCount)
	}

	type countedError struct {
		message string
		count   int
	}
	var ranked []countedError
	for msg, count := range errorCounts {
		ranked = append(ranked, countedError{msg, count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].message < ranked[j].message
	})
	for i := 0; i < len(ranked) && i < 5; i++ {
		summary.TopErrors = append(summary.TopErrors, ranked[i].message)
	}

	return summary, nil
}

// Export materializes a Query's results to path in the given format
// ("json" or "csv").
func (l *Logger) Export(path string, filter Filter, format string) error {
	entries, err := l.Query(filter)
	if err != nil {
		return err
	}

	switch format {
	case "", "json":
		raw, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("audit: %w: marshal export: %v", core.ErrIO, err)
		}
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return fmt.Errorf("audit: %w: write export %s: %v", core.ErrIO, path, err)
		}
		return nil
	case "csv":
		return exportCSV(path, entries)
	default:
		return fmt.Errorf("audit: unsupported export format %q", format)
	}
}

func exportCSV(path string, entries []types.AuditEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: %w: create export %s: %v", core.ErrIO, path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"id", "timestamp", "type", "severity", "action", "outcome", "duration", "session_id", "backup_id", "error_message"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, e := range entries {
		duration := ""
		if e.Duration != nil {
			duration = strconv.FormatInt(e.Duration.Milliseconds(), 10)
		}
		row := []string{
			e.ID,
			e.Timestamp.Format(time.RFC3339Nano),
			string(e.Type),
			string(e.Severity),
			e.Action,
			string(e.Outcome),
			duration,
			e.SessionID,
			e.BackupID,
			e.ErrorMessage,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// Violation is one integrity defect VerifyIntegrity found.
type Violation struct {
	EntryID string
	File    string
	Reason  string
}

// VerifyIntegrity re-walks every persisted entry in chronological order,
// recomputing hashes and checking previous_hash continuity.
func (l *Logger) VerifyIntegrity() ([]Violation, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	files, err := l.shardFiles()
	if err != nil {
		return nil, err
	}
	sort.Strings(files) // chronological ascending for chain verification

	var violations []Violation
	expectedPrev := ""
	for _, f := range files {
		entries, err := readShard(f)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		for _, e := range entries {
			if e.Integrity.PreviousHash != expectedPrev {
				violations = append(violations, Violation{EntryID: e.ID, File: f, Reason: "previous_hash does not match preceding entry's hash"})
			}
			recomputed, err := hashEntry(e)
			if err == nil && recomputed != e.Integrity.Hash {
				violations = append(violations, Violation{EntryID: e.ID, File: f, Reason: "hash does not match entry contents"})
			}
			expectedPrev = e.Integrity.Hash
		}
	}
	return violations, nil
}

// Cleanup deletes log files (primary shards and rotated backups) whose
// day is older than daysToKeep.
func (l *Logger) Cleanup(daysToKeep int) error {
	cutoff := l.clock.Now().AddDate(0, 0, -daysToKeep)

	matches, err := filepath.Glob(filepath.Join(l.cfg.Root, "recovery-log-*.json*"))
	if err != nil {
		return fmt.Errorf("audit: %w: list %s: %v", core.ErrIO, l.cfg.Root, err)
	}
	for _, m := range matches {
		day, ok := dayFromFilename(m)
		if !ok {
			continue
		}
		if day.Before(cutoff) {
			os.Remove(m)
		}
	}
	return nil
}

func dayFromFilename(name string) (time.Time, bool) {
	base := filepath.Base(name)
	idx := strings.Index(base, "recovery-log-")
	if idx == -1 || len(base) < idx+len("recovery-log-")+10 {
		return time.Time{}, false
	}
	datePart := base[idx+len("recovery-log-") : idx+len("recovery-log-")+10]
	day, err := time.Parse("2006-01-02", datePart)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}
