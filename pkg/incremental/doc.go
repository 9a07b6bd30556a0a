/*
Package incremental implements the durability core's incremental backup
engine (spec.md §4.C): it decides, on every call, whether a session's next
record should be a fresh baseline or an incremental relative to the most
recent record, builds that record from pkg/change's diff output, and hands
it to pkg/backupstore to persist.

A baseline is created when any of: the caller forces one, the session has
no prior record, the chain has accumulated max_incrementals_per_chain
incrementals since its last baseline (default 50), or the latest diff
changed more than 70% of fields.

restore_chain walks a session's records forward from a baseline (the
latest one, or the one a target record's parent links lead back to),
applying each incremental's change entries to a deep clone of the running
state, and is the only place outside pkg/backupstore that reconstructs a
session's full state from its chain.
*/
package incremental
