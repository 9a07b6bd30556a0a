/*
Package log provides structured logging for the durability core using
zerolog, extended with an optional lumberjack-backed rotating file sink so a
long-running host process doesn't grow an unbounded log file.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Rotate: &log.RotatingFile{
			Path:       "/var/log/durability-core/core.log",
			MaxSizeMB:  100,
			MaxAgeDays: 28,
			MaxBackups: 10,
			Compress:   true,
		},
	})

	log.Info("recovery audit log opened")

	sessLog := log.WithSessionID("sess-abc123")
	sessLog.Info().Str("operation_id", op.ID).Msg("incremental backup created")

# Context Loggers

  - WithComponent: component name (e.g. "rotation", "conflict")
  - WithSessionID: the backup session a log line concerns
  - WithOperationID: the runtime Operation a log line concerns
  - WithBackupID: the BackupRecord a log line concerns

Never log full backup payloads or change values that might carry sensitive
application state; log IDs, checksums, and sizes instead.
*/
package log
