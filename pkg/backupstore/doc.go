/*
Package backupstore implements the durability core's backup store
(spec.md §4.B): the only component that writes backup records to disk, and
the sole authority on their on-disk layout.

Layout is compatibility-bearing (spec.md §6):

	<root>/<session_id>/<record_id>.json

Each file holds one pretty-printed (2-space indent) JSON-serialized
BackupRecord. When a record's logical payload reaches the configured
compression threshold (default 1 KiB), the store gzips it and stores it
base64-encoded in place: for a baseline, inside the single __BASELINE__
change entry's new_value; for an incremental, in place of the whole
changes array. Records below the threshold are stored uncompressed so
small records stay human-readable on disk.

Writes are atomic: put serializes to a temp file in the same directory and
renames it into place, so a reader never observes a half-written record.
Corrupt or unparsable records are never silently skipped by Scan — they
come back as a ScanResult with Err set, so the health monitor and recovery
planner can see and classify them.
*/
package backupstore
