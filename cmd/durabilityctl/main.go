package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/durability-core/pkg/audit"
	"github.com/cuemby/durability-core/pkg/backupstore"
	"github.com/cuemby/durability-core/pkg/change"
	"github.com/cuemby/durability-core/pkg/conflict"
	"github.com/cuemby/durability-core/pkg/core"
	"github.com/cuemby/durability-core/pkg/events"
	"github.com/cuemby/durability-core/pkg/health"
	"github.com/cuemby/durability-core/pkg/incremental"
	"github.com/cuemby/durability-core/pkg/log"
	"github.com/cuemby/durability-core/pkg/recovery"
	"github.com/cuemby/durability-core/pkg/rotation"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "durabilityctl",
	Short: "Durability core — backup, rotation, health, and recovery operations",
	Long: `durabilityctl drives the durability core's backup lifecycle:
incremental snapshots, age/calendar-based rotation, health surveillance,
conflict-aware locking, and point-in-time recovery with a tamper-evident
audit trail.`,
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "./durability-data", "Root directory for backup records")
	rootCmd.PersistentFlags().String("audit-dir", "./durability-data/audit", "Root directory for audit log shards")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(rotationCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(conflictCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// components bundles together every durability-core package wired against
// one data directory, the way a long-running process would hold them.
type components struct {
	store     *backupstore.Store
	detector  *change.Detector
	incr      *incremental.Engine
	rotator   *rotation.Engine
	checker   *health.Checker
	lockMgr   *conflict.Manager
	auditLog  *audit.Logger
	planner   *recovery.Planner
	broker    *events.Broker
}

func wire(cmd *cobra.Command) (*components, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	auditDir, _ := cmd.Flags().GetString("audit-dir")
	if dataDir == "" {
		return nil, fmt.Errorf("--data-dir is required")
	}

	broker := events.NewBroker()
	broker.Start()

	store := backupstore.New(dataDir, backupstore.DefaultCompressionThreshold)
	detector := change.NewDetector(256)
	incr := incremental.New(store, detector, core.SystemClock{}, incremental.DefaultConfig())
	rotator := rotation.New(store, core.SystemClock{}, core.TickerScheduler{}, rotation.DefaultConfig())
	checker := health.New(health.DefaultConfig(dataDir), core.SystemClock{}, core.TickerScheduler{}, broker)
	lockMgr := conflict.New(conflict.DefaultConfig(), core.SystemClock{}, core.TickerScheduler{}, broker)
	auditLog := audit.New(audit.DefaultConfig(auditDir), core.SystemClock{}, core.TickerScheduler{}, broker)
	planner := recovery.New(store, incr, core.SystemClock{}, auditLog, broker)

	return &components{
		store: store, detector: detector, incr: incr, rotator: rotator,
		checker: checker, lockMgr: lockMgr, auditLog: auditLog, planner: planner,
		broker: broker,
	}, nil
}

// Backup commands

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create and inspect incremental backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create SESSION_ID",
	Short: "Create the next backup record for a session from a JSON state file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]
		stateFile, _ := cmd.Flags().GetString("state-file")
		forceBaseline, _ := cmd.Flags().GetBool("force-baseline")

		comp, err := wire(cmd)
		if err != nil {
			return err
		}

		raw, err := os.ReadFile(stateFile)
		if err != nil {
			return fmt.Errorf("read state file: %w", err)
		}
		var state map[string]any
		if err := json.Unmarshal(raw, &state); err != nil {
			return fmt.Errorf("parse state file: %w", err)
		}

		record, err := comp.incr.CreateIncremental(sessionID, state, forceBaseline)
		if err != nil {
			return fmt.Errorf("create incremental: %w", err)
		}

		fmt.Printf("Created %s record %s for session %s\n", record.Kind, record.ID, sessionID)
		fmt.Printf("  Changes: %d (%.1f%% of fields)\n", record.Metadata.TotalChanges, record.Metadata.ChangePercentage)
		fmt.Printf("  Path: %s\n", record.OnDiskPath)
		return nil
	},
}

var backupStatsCmd = &cobra.Command{
	Use:   "stats SESSION_ID",
	Short: "Report chain bookkeeping for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		comp, err := wire(cmd)
		if err != nil {
			return err
		}
		stats, err := comp.incr.Stats(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Session: %s\n", args[0])
		fmt.Printf("  Total records: %d\n", stats.TotalRecords)
		fmt.Printf("  Incrementals since baseline: %d\n", stats.IncrementalsSinceBaseline)
		fmt.Printf("  Next create forces baseline: %s\n", strconv.FormatBool(stats.NextCreateForcesBaseline))
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupStatsCmd)

	backupCreateCmd.Flags().String("state-file", "", "Path to a JSON file holding the session's full current state")
	backupCreateCmd.Flags().Bool("force-baseline", false, "Force this record to be a fresh baseline")
	backupCreateCmd.MarkFlagRequired("state-file")
}

// Rotation commands

var rotationCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Run or inspect the rotation policy",
}

var rotationRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one rotation pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		comp, err := wire(cmd)
		if err != nil {
			return err
		}
		result, err := comp.rotator.PerformRotation()
		if err != nil {
			return err
		}
		fmt.Printf("Kept %d records, deleted %d, freed %d bytes\n", len(result.Kept), len(result.Deleted), result.BytesFreed)
		if len(result.Failures) > 0 {
			fmt.Println("Failures:")
			for id, failErr := range result.Failures {
				fmt.Printf("  %s: %v\n", id, failErr)
			}
		}
		return nil
	},
}

var rotationEstimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate the post-rotation total size without deleting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		comp, err := wire(cmd)
		if err != nil {
			return err
		}
		usage, err := comp.rotator.EstimatePostRotationUsage()
		if err != nil {
			return err
		}
		fmt.Printf("Estimated post-rotation usage: %d bytes\n", usage)
		return nil
	},
}

func init() {
	rotationCmd.AddCommand(rotationRunCmd)
	rotationCmd.AddCommand(rotationEstimateCmd)
}

// Health commands

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Scan the backup store for health issues",
}

var healthCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one health scan now",
	RunE: func(cmd *cobra.Command, args []string) error {
		comp, err := wire(cmd)
		if err != nil {
			return err
		}
		status := comp.checker.CheckNow()
		fmt.Printf("Checked %d files at %s\n", status.Total, status.CheckedAt.Format(time.RFC3339))
		fmt.Printf("Healthy: %s (%d/%d)\n", strconv.FormatBool(status.Healthy), status.HealthyCount, status.Total)
		for _, issue := range status.Issues {
			fmt.Printf("  [%s/%s] %s (auto-fixable=%s)\n", issue.Severity, issue.Kind, issue.Path, strconv.FormatBool(issue.AutoFixable))
		}
		if len(status.Removed) > 0 {
			fmt.Printf("Auto-fix removed: %s\n", strings.Join(status.Removed, ", "))
		}
		return nil
	},
}

func init() {
	healthCmd.AddCommand(healthCheckCmd)
}

// Recovery commands

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Scan recovery points, preview, and execute restoration",
}

var recoverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the recovery point index",
	RunE: func(cmd *cobra.Command, args []string) error {
		comp, err := wire(cmd)
		if err != nil {
			return err
		}
		points, err := comp.planner.ScanForRecoveryPoints()
		if err != nil {
			return err
		}
		for _, p := range points {
			fmt.Printf("%-20s %-12s %-10s healthy=%s %s\n", p.ID, p.SessionID, p.Kind, strconv.FormatBool(p.Healthy), p.Timestamp.Format(time.RFC3339))
		}
		return nil
	},
}

var recoverToCmd = &cobra.Command{
	Use:   "to SESSION_ID",
	Short: "Recover a session to its most recent (or filtered) point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		skipCorrupted, _ := cmd.Flags().GetBool("skip-corrupted")
		autoRepair, _ := cmd.Flags().GetBool("auto-repair")
		mergePartials, _ := cmd.Flags().GetBool("merge-partials")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		comp, err := wire(cmd)
		if err != nil {
			return err
		}

		opts := recovery.Options{
			SessionID:         args[0],
			SkipCorrupted:     skipCorrupted,
			AttemptAutoRepair: autoRepair,
			MergePartialSaves: mergePartials,
		}

		var result *recovery.Result
		if dryRun {
			result, err = comp.planner.PreviewRecovery(opts)
		} else {
			result, err = comp.planner.RecoverToPoint(opts)
		}
		if err != nil {
			return err
		}

		fmt.Printf("Success: %s\n", strconv.FormatBool(result.Success))
		fmt.Printf("Integrity score: %d\n", result.Metadata.IntegrityScore)
		fmt.Printf("Duration: %s\n", result.Metadata.Duration)
		for _, w := range result.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
		for _, e := range result.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		if result.Success {
			raw, _ := json.MarshalIndent(result.State, "", "  ")
			fmt.Println(string(raw))
		}
		return nil
	},
}

var recoverCorruptionCmd = &cobra.Command{
	Use:   "detect-corruption",
	Short: "Scan the store and classify corruption severity",
	RunE: func(cmd *cobra.Command, args []string) error {
		comp, err := wire(cmd)
		if err != nil {
			return err
		}
		report, err := comp.planner.DetectCorruption()
		if err != nil {
			return err
		}
		fmt.Printf("Total points: %d, unhealthy: %d (%.1f%%)\n", report.TotalPoints, len(report.UnhealthyPoints), report.CorruptionPercentage)
		fmt.Printf("Severity: %s\n", report.Severity)
		fmt.Printf("Recommended action: %s\n", report.RecommendedAction)
		return nil
	},
}

func init() {
	recoverCmd.AddCommand(recoverListCmd)
	recoverCmd.AddCommand(recoverToCmd)
	recoverCmd.AddCommand(recoverCorruptionCmd)

	recoverToCmd.Flags().Bool("skip-corrupted", true, "Exclude corrupted candidates from selection")
	recoverToCmd.Flags().Bool("auto-repair", false, "Attempt to repair the selected point if unhealthy")
	recoverToCmd.Flags().Bool("merge-partials", false, "Overlay newer partial saves on the selected point")
	recoverToCmd.Flags().Bool("dry-run", false, "Preview the result without committing an audit entry")
}

// Audit commands

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query, summarize, export, and verify the recovery audit log",
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session-id")
		limit, _ := cmd.Flags().GetInt("limit")

		comp, err := wire(cmd)
		if err != nil {
			return err
		}
		entries, err := comp.auditLog.Query(audit.Filter{SessionID: sessionID, Limit: limit})
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s %-24s %-9s %-8s %s\n", e.Timestamp.Format(time.RFC3339), e.Type, e.Severity, e.Outcome, e.Action)
		}
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit log's hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		comp, err := wire(cmd)
		if err != nil {
			return err
		}
		violations, err := comp.auditLog.VerifyIntegrity()
		if err != nil {
			return err
		}
		if len(violations) == 0 {
			fmt.Println("Audit log integrity verified: no violations")
			return nil
		}
		fmt.Printf("Found %d integrity violations:\n", len(violations))
		for _, v := range violations {
			fmt.Printf("  %s (%s): %s\n", v.EntryID, v.File, v.Reason)
		}
		return nil
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export PATH",
	Short: "Export audit entries to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		comp, err := wire(cmd)
		if err != nil {
			return err
		}
		if err := comp.auditLog.Export(args[0], audit.Filter{}, format); err != nil {
			return err
		}
		fmt.Printf("Exported audit log to %s (%s)\n", args[0], format)
		return nil
	},
}

var auditCleanupCmd = &cobra.Command{
	Use:   "cleanup DAYS",
	Short: "Delete log shards older than DAYS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid days: %w", err)
		}
		comp, err := wire(cmd)
		if err != nil {
			return err
		}
		if err := comp.auditLog.Cleanup(days); err != nil {
			return err
		}
		fmt.Printf("Cleaned up log shards older than %d days\n", days)
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditCleanupCmd)

	auditQueryCmd.Flags().String("session-id", "", "Filter by session id")
	auditQueryCmd.Flags().Int("limit", 20, "Maximum number of entries to return")
	auditExportCmd.Flags().String("format", "json", "Export format: json or csv")
}

// Conflict/lock commands

var conflictCmd = &cobra.Command{
	Use:   "conflict",
	Short: "Inspect the conflict and lock manager",
}

var conflictStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report pending/running operation and lock counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		comp, err := wire(cmd)
		if err != nil {
			return err
		}
		stats := comp.lockMgr.Statistics()
		fmt.Printf("Pending operations: %d\n", stats.PendingOperations)
		fmt.Printf("Running operations: %d\n", stats.RunningOperations)
		fmt.Printf("Active locks: %d\n", stats.ActiveLocks)
		for kind, count := range stats.LocksByKind {
			fmt.Printf("  %s: %d\n", kind, count)
		}
		fmt.Printf("Conflicts recorded: %d\n", stats.ConflictsRecorded)
		fmt.Printf("Merges performed: %d\n", stats.MergesPerformed)
		fmt.Printf("Conflict history entries: %d\n", stats.HistorySize)
		return nil
	},
}

func init() {
	conflictCmd.AddCommand(conflictStatsCmd)
}
