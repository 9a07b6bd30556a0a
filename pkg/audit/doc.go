/*
Package audit implements the durability core's recovery audit log
(spec.md §4.H): an append-only, hash-chained record of every
recovery-relevant event, sharded into one JSON-array file per calendar
day.

Entries are buffered in memory and flushed to disk on a timer (default 5
seconds) or immediately when an entry is severity-critical or a
recovery-failed event, so a crash between two timer ticks loses at most
one flush interval's worth of low-severity entries rather than risking an
unflushed failure record.

Every flushed entry carries integrity.previous_hash, the hash of the
entry flushed immediately before it (across the whole log, not just its
day's shard), so VerifyIntegrity can walk the full chronological order and detect
both a tampered entry (hash mismatch) and a spliced-in or reordered one
(broken previous_hash link). A day shard that grows past its size ceiling
is rotated to a numbered sibling the way lumberjack rotates a single
stream, except keyed by day instead of by a single filename.
*/
package audit
