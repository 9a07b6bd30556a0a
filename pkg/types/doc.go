/*
Package types defines the core data structures shared across the durability
core: backup records, change entries, recovery points, runtime operations,
resource locks, audit entries, and health issues.

# Architecture

The types package is the foundation of the durability core's data model. It
defines:

  - Backup records and their change entries (pkg/backupstore, pkg/incremental)
  - Recovery points synthesized by scanning the store (pkg/recovery)
  - Runtime operations and resource locks (pkg/conflict)
  - Audit entries and their hash-chain integrity envelope (pkg/audit)
  - Health issues produced by periodic scans (pkg/health)

# Core Types

Backup:
  - BackupRecord: the persisted unit — baseline, incremental, or checkpoint
  - ChangeEntry: one add/modify/remove operation within a record
  - BackupMetadata: schema version, compression, size accounting

Recovery:
  - RecoveryPoint: an index entry synthesized by scanning the store
  - recover_to_point's request/response types are Options and Result in
    pkg/recovery, not in this package

Conflict & locking:
  - Operation: a runtime-only unit submitted to the Conflict/Lock Manager
  - ResourceLock: an in-memory reservation with a kind and an expiration

Audit:
  - AuditEntry: one hash-chained event in the recovery audit log
  - Integrity: the hash/previous_hash envelope

Health:
  - HealthIssue: one finding from a backup file scan

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants for safety and clarity:
	  type BackupKind string
	  const (
	      BackupKindBaseline BackupKind = "baseline"
	  )

Optional Fields:

	Optional or not-yet-known values use pointers so a zero value
	(empty string, zero time) is never confused with "unset":
	  - *string for ParentID (nil only for a baseline)
	  - *int64 for CompressedSize (nil when not compressed)

# Thread Safety

All types in this package are plain data: read-safe from multiple
goroutines, write-unsafe without caller-provided synchronization. The
owning component (pkg/backupstore, pkg/conflict, pkg/audit) is responsible
for synchronizing mutation.

# See Also

  - pkg/backupstore for on-disk record layout
  - pkg/conflict for Operation and ResourceLock lifecycle
  - pkg/audit for AuditEntry and the integrity envelope
*/
package types
