package rotation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/durability-core/pkg/backupstore"
	"github.com/cuemby/durability-core/pkg/core"
	"github.com/cuemby/durability-core/pkg/types"
)

// Class is a retention bucket a record is classified into by age.
type Class string

const (
	ClassHourly  Class = "hourly"
	ClassDaily   Class = "daily"
	ClassWeekly  Class = "weekly"
	ClassMonthly Class = "monthly"
)

// ClassPolicy controls pruning of one retention class.
type ClassPolicy struct {
	Enabled     bool
	RetainCount int
}

// Config controls a full rotation pass.
type Config struct {
	Hourly            ClassPolicy
	Daily             ClassPolicy
	Weekly            ClassPolicy
	Monthly           ClassPolicy
	MaxTotalSizeBytes int64
	MaxAge            time.Duration
	Interval          time.Duration
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		Hourly:            ClassPolicy{Enabled: true, RetainCount: 24},
		Daily:             ClassPolicy{Enabled: true, RetainCount: 30},
		Weekly:            ClassPolicy{Enabled: true, RetainCount: 12},
		Monthly:           ClassPolicy{Enabled: true, RetainCount: 12},
		MaxTotalSizeBytes: 5000 * 1024 * 1024,
		MaxAge:            365 * 24 * time.Hour,
		Interval:          6 * time.Hour,
	}
}

// RotationResult accumulates the outcome of one pass.
type RotationResult struct {
	Kept       []string
	Deleted    []string
	BytesFreed int64
	Failures   map[string]error
}

// Engine runs rotation passes against a backup store on a timer.
type Engine struct {
	store     *backupstore.Store
	clock     core.Clock
	scheduler core.Scheduler

	mu   sync.Mutex
	cfg  Config
	stop chan struct{}
}

// New creates an Engine. clock/scheduler default to their production
// implementations if nil.
func New(store *backupstore.Store, clock core.Clock, scheduler core.Scheduler, cfg Config) *Engine {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if scheduler == nil {
		scheduler = core.TickerScheduler{}
	}
	return &Engine{store: store, clock: clock, scheduler: scheduler, cfg: cfg, stop: make(chan struct{})}
}

// Start begins the periodic rotation loop.
func (e *Engine) Start() {
	e.scheduler.Every(e.GetPolicy().Interval, e.stop, func() {
		_, _ = e.PerformRotation()
	})
}

// Stop halts the periodic rotation loop.
func (e *Engine) Stop() {
	close(e.stop)
}

// GetPolicy returns the engine's current configuration.
func (e *Engine) GetPolicy() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// UpdatePolicy replaces the engine's configuration.
func (e *Engine) UpdatePolicy(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

type classified struct {
	record *types.BackupRecord
	size   int64
	class  Class
}

// PerformRotation scans the store, prunes each retention class, then
// applies the global size and age ceilings. Deletion failures are
// accumulated rather than aborting the pass.
func (e *Engine) PerformRotation() (*RotationResult, error) {
	plan, sizes, err := e.plan()
	if err != nil {
		return nil, err
	}

	result := &RotationResult{Failures: map[string]error{}}
	for _, item := range plan.survivors {
		result.Kept = append(result.Kept, item.record.ID)
	}
	for _, item := range plan.deletions {
		if err := e.store.Delete(item.record.SessionID, item.record.ID); err != nil {
			result.Failures[item.record.ID] = err
			continue
		}
		result.Deleted = append(result.Deleted, item.record.ID)
		result.BytesFreed += sizes[item.record.ID]
	}
	return result, nil
}

// EstimatePostRotationUsage returns the total byte size that would remain
// if PerformRotation ran right now, without deleting anything.
func (e *Engine) EstimatePostRotationUsage() (int64, error) {
	plan, sizes, err := e.plan()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, item := range plan.survivors {
		total += sizes[item.record.ID]
	}
	return total, nil
}

type rotationPlan struct {
	survivors []classified
	deletions []classified
}

func (e *Engine) plan() (rotationPlan, map[string]int64, error) {
	cfg := e.GetPolicy()
	now := e.clock.Now()

	scanResults, err := e.store.Scan()
	if err != nil {
		return rotationPlan{}, nil, err
	}

	sizes := map[string]int64{}
	var buckets = map[Class][]classified{}
	for _, r := range scanResults {
		if r.Err != nil || r.Record == nil {
			continue // corrupt files are the health monitor's concern, not rotation's
		}
		sizes[r.Record.ID] = r.SizeBytes
		c := classify(r.Record.Timestamp, now)
		buckets[c] = append(buckets[c], classified{record: r.Record, size: r.SizeBytes, class: c})
	}

	var survivors, deletions []classified

	hourlySurvive, hourlyDelete := pruneHourly(buckets[ClassHourly], cfg.Hourly)
	survivors = append(survivors, hourlySurvive...)
	deletions = append(deletions, hourlyDelete...)

	dailySurvive, dailyDelete := pruneGrouped(buckets[ClassDaily], cfg.Daily, dayKey)
	survivors = append(survivors, dailySurvive...)
	deletions = append(deletions, dailyDelete...)

	weeklySurvive, weeklyDelete := pruneGrouped(buckets[ClassWeekly], cfg.Weekly, weekKey)
	survivors = append(survivors, weeklySurvive...)
	deletions = append(deletions, weeklyDelete...)

	monthlySurvive, monthlyDelete := pruneGrouped(buckets[ClassMonthly], cfg.Monthly, monthKey)
	survivors = append(survivors, monthlySurvive...)
	deletions = append(deletions, monthlyDelete...)

	survivors, sizeDeletions := enforceSizeCeiling(survivors, cfg.MaxTotalSizeBytes)
	deletions = append(deletions, sizeDeletions...)

	survivors, ageDeletions := enforceAgeCeiling(survivors, cfg.MaxAge, now)
	deletions = append(deletions, ageDeletions...)

	return rotationPlan{survivors: survivors, deletions: deletions}, sizes, nil
}

func classify(ts, now time.Time) Class {
	age := now.Sub(ts)
	switch {
	case age <= 24*time.Hour:
		return ClassHourly
	case age <= 7*24*time.Hour:
		return ClassDaily
	case age <= 28*24*time.Hour:
		return ClassWeekly
	default:
		return ClassMonthly
	}
}

func pruneHourly(items []classified, policy ClassPolicy) (survive, remove []classified) {
	if !policy.Enabled {
		return items, nil
	}
	sortByTimestampDesc(items)
	if len(items) <= policy.RetainCount {
		return items, nil
	}
	return items[:policy.RetainCount], items[policy.RetainCount:]
}

func pruneGrouped(items []classified, policy ClassPolicy, keyFn func(time.Time) string) (survive, remove []classified) {
	if !policy.Enabled {
		return items, nil
	}
	groups := map[string][]classified{}
	for _, it := range items {
		k := keyFn(it.record.Timestamp)
		groups[k] = append(groups[k], it)
	}

	type groupRep struct {
		key string
		rep classified
	}
	var reps []groupRep
	for k, g := range groups {
		sortByTimestampDesc(g)
		reps = append(reps, groupRep{key: k, rep: g[0]})
		remove = append(remove, g[1:]...)
	}
	sort.Slice(reps, func(i, j int) bool {
		return reps[i].rep.record.Timestamp.After(reps[j].rep.record.Timestamp)
	})

	for i, gr := range reps {
		if i < policy.RetainCount {
			survive = append(survive, gr.rep)
		} else {
			remove = append(remove, gr.rep)
		}
	}
	return survive, remove
}

func dayKey(t time.Time) string   { return t.Format("2006-01-02") }
func monthKey(t time.Time) string { return t.Format("2006-01") }
func weekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

func sortByTimestampDesc(items []classified) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].record.Timestamp.After(items[j].record.Timestamp)
	})
}

func enforceSizeCeiling(items []classified, maxBytes int64) (survive, remove []classified) {
	if maxBytes <= 0 {
		return items, nil
	}
	var total int64
	for _, it := range items {
		total += it.size
	}
	if total <= maxBytes {
		return items, nil
	}
	sortByTimestampDesc(items)
	// Walk newest-first keeping items until the first one that would exceed
	// the budget; it and every older item are deleted, so deletion runs
	// oldest-first.
	kept := make([]classified, 0, len(items))
	var runningSize int64
	full := false
	for _, it := range items {
		if !full && runningSize+it.size <= maxBytes {
			kept = append(kept, it)
			runningSize += it.size
		} else {
			full = true
			remove = append(remove, it)
		}
	}
	return kept, remove
}

func enforceAgeCeiling(items []classified, maxAge time.Duration, now time.Time) (survive, remove []classified) {
	if maxAge <= 0 {
		return items, nil
	}
	for _, it := range items {
		if now.Sub(it.record.Timestamp) > maxAge {
			remove = append(remove, it)
		} else {
			survive = append(survive, it)
		}
	}
	return survive, remove
}
