/*
Package health implements the durability core's health surveillance
component: a timer-driven scan of the backup store's on-disk files that
classifies issues by severity and kind, and publishes an aggregate
StatusEvent after each pass (spec.md §4.F).

A scan re-derives what it can (size, age, JSON validity, required fields,
checksum) from the same files pkg/backupstore writes. The checksum is
recomputed through pkg/backupstore's own decode and checksum helpers, so it
is taken over exactly the bytes the store hashed at write time.

	checker := health.New(health.DefaultConfig("/var/lib/durability-core/backups"), nil, nil, broker)
	checker.Start()
	defer checker.Stop()

	status := checker.CheckNow()
	if !status.Healthy {
		for _, issue := range status.Issues {
			logger := log.WithBackupID(issue.BackupID)
			logger.Warn().Str("kind", string(issue.Kind)).Msg("backup health issue")
		}
	}
*/
package health
