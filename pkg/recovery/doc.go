/*
Package recovery implements the durability core's recovery planner
(spec.md §4.G): it scans the backup store into an index of recovery
points, selects and optionally repairs a candidate, loads it through the
backup store or the incremental engine's chain replay, optionally merges
newer partial saves over it, and scores the result's integrity.

scan_for_recovery_points keeps its last index in an lru.Cache under a
single key so repeated lookups from a polling caller don't re-walk the
filesystem on every call. Only InvalidateIndex drops it; the planner calls
it after writing a repair sibling or a checkpoint. Writes and deletes made
through the backup store by other components do not invalidate it.

PreviewRecovery runs the same selection/repair/load/merge path as
RecoverToPoint without writing a repair sibling or returning anything
that looks committed — callers can inspect what a restore would produce
before paying its cost.
*/
package recovery
