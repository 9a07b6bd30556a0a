package health

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/durability-core/pkg/backupstore"
	"github.com/cuemby/durability-core/pkg/core"
	"github.com/cuemby/durability-core/pkg/events"
	"github.com/cuemby/durability-core/pkg/types"
)

// Config controls a Checker's scan behaviour and thresholds.
type Config struct {
	// Roots are the backup-store directories to enumerate.
	Roots []string

	// Interval is the period between automatic scans.
	Interval time.Duration

	// MinBackupSize flags a file smaller than this as size-anomaly/high.
	MinBackupSize int64

	// MaxBackupSize flags a file larger than this as size-anomaly/medium.
	MaxBackupSize int64

	// MaxBackupAge flags a file whose mtime is older than this as
	// outdated/low, auto-fixable.
	MaxBackupAge time.Duration

	// AlertThreshold is the maximum tolerated unhealthy percentage; the
	// aggregate is healthy when healthy_count/total >= 100-AlertThreshold.
	AlertThreshold float64

	// AutoFix deletes each outdated file as the scan reaches it.
	AutoFix bool
}

// DefaultConfig returns the thresholds named by the durability core spec.
func DefaultConfig(roots ...string) Config {
	return Config{
		Roots:          roots,
		Interval:       time.Hour,
		MinBackupSize:  100,
		MaxBackupSize:  100 * 1024 * 1024,
		MaxBackupAge:   30 * 24 * time.Hour,
		AlertThreshold: 20,
		AutoFix:        true,
	}
}

// StatusEvent is the aggregate result of one scan.
type StatusEvent struct {
	CheckedAt    time.Time          `json:"checked_at"`
	Total        int                `json:"total"`
	HealthyCount int                `json:"healthy_count"`
	Healthy      bool               `json:"healthy"`
	Issues       []types.HealthIssue `json:"issues"`
	Removed      []string           `json:"removed,omitempty"`
}

// Checker enumerates backup files under Config.Roots on a timer and
// publishes a StatusEvent after each pass. It reads the files the store
// wrote and, when AutoFix is set, deletes the outdated ones.
type Checker struct {
	cfg       Config
	clock     core.Clock
	scheduler core.Scheduler
	publisher events.Publisher
	stop      chan struct{}
}

// New creates a Checker. publisher may be nil, in which case scan results
// are only returned from CheckNow and never broadcast.
func New(cfg Config, clock core.Clock, scheduler core.Scheduler, publisher events.Publisher) *Checker {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if scheduler == nil {
		scheduler = core.TickerScheduler{}
	}
	return &Checker{
		cfg:       cfg,
		clock:     clock,
		scheduler: scheduler,
		publisher: publisher,
		stop:      make(chan struct{}),
	}
}

// Start begins the periodic scan loop. Stop must be called to release the
// underlying ticker goroutine.
func (c *Checker) Start() {
	c.scheduler.Every(c.cfg.Interval, c.stop, func() {
		c.CheckNow()
	})
}

// Stop halts the periodic scan loop.
func (c *Checker) Stop() {
	close(c.stop)
}

// CheckNow runs one scan pass immediately, independent of the timer, and
// returns the resulting status.
func (c *Checker) CheckNow() StatusEvent {
	result := c.scan()
	if c.publisher != nil {
		c.publisher.Publish(&events.Event{
			Type:      events.TypeHealthChanged,
			Timestamp: result.CheckedAt,
			Message:   "health scan complete",
			Metadata: map[string]string{
				"healthy": strconv.FormatBool(result.Healthy),
				"total":   strconv.Itoa(result.Total),
			},
		})
	}
	return result
}

func (c *Checker) scan() StatusEvent {
	now := c.clock.Now()
	result := StatusEvent{CheckedAt: now}

	for _, root := range c.cfg.Roots {
		_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if filepath.Ext(path) != ".json" {
				return nil
			}
			result.Total++
			issue, outdated := c.checkFile(path, now)
			if issue == nil {
				result.HealthyCount++
			} else {
				result.Issues = append(result.Issues, *issue)
			}
			if outdated && c.cfg.AutoFix {
				if err := os.Remove(path); err == nil {
					result.Removed = append(result.Removed, path)
				}
			}
			return nil
		})
	}

	if result.Total == 0 {
		result.Healthy = true
	} else {
		healthyPct := float64(result.HealthyCount) / float64(result.Total) * 100
		result.Healthy = healthyPct >= (100 - c.cfg.AlertThreshold)
	}
	return result
}

// checkFile runs the ordered checks from the health-monitor component
// against a single backup file and returns the first issue found, plus
// whether the file is outdated (which applies independently of AutoFix
// eligibility for other issue kinds).
func (c *Checker) checkFile(path string, now time.Time) (*types.HealthIssue, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return &types.HealthIssue{
			Path:     path,
			Severity: types.SeverityCritical,
			Kind:     types.HealthIssueCorruption,
		}, false
	}

	backupID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	outdated := c.cfg.MaxBackupAge > 0 && now.Sub(info.ModTime()) > c.cfg.MaxBackupAge

	if info.Size() < c.cfg.MinBackupSize {
		return &types.HealthIssue{BackupID: backupID, Path: path, Severity: types.SeverityHigh, Kind: types.HealthIssueSizeAnomaly}, outdated
	}
	if info.Size() > c.cfg.MaxBackupSize {
		return &types.HealthIssue{BackupID: backupID, Path: path, Severity: types.SeverityMedium, Kind: types.HealthIssueSizeAnomaly}, outdated
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if outdated {
			return &types.HealthIssue{BackupID: backupID, Path: path, Severity: types.SeverityLow, Kind: types.HealthIssueOutdated, AutoFixable: true}, true
		}
		return &types.HealthIssue{BackupID: backupID, Path: path, Severity: types.SeverityCritical, Kind: types.HealthIssueCorruption}, false
	}

	var payload struct {
		ID        string               `json:"id"`
		Timestamp string               `json:"timestamp"`
		Kind      types.BackupKind     `json:"kind"`
		Metadata  types.BackupMetadata `json:"metadata"`
		Checksum  string               `json:"payload_checksum"`
		Changes   json.RawMessage      `json:"changes"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &types.HealthIssue{BackupID: backupID, Path: path, Severity: types.SeverityCritical, Kind: types.HealthIssueCorruption}, outdated
	}
	if payload.ID == "" || payload.Timestamp == "" {
		return &types.HealthIssue{BackupID: backupID, Path: path, Severity: types.SeverityHigh, Kind: types.HealthIssueCorruption}, outdated
	}
	if payload.Checksum != "" && len(payload.Changes) > 0 {
		entries, err := backupstore.DecodeChangesField(payload.Kind, payload.Metadata.Compressed, payload.Changes)
		if err != nil {
			return &types.HealthIssue{BackupID: backupID, Path: path, Severity: types.SeverityCritical, Kind: types.HealthIssueCorruption}, outdated
		}
		sum, err := backupstore.ChecksumChanges(entries)
		if err != nil || sum != payload.Checksum {
			return &types.HealthIssue{BackupID: backupID, Path: path, Severity: types.SeverityCritical, Kind: types.HealthIssueChecksumMismatch}, outdated
		}
	}

	if outdated {
		return &types.HealthIssue{BackupID: backupID, Path: path, Severity: types.SeverityLow, Kind: types.HealthIssueOutdated, AutoFixable: true}, true
	}
	return nil, false
}
