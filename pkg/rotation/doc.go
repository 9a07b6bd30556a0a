/*
Package rotation implements the durability core's rotation engine (spec.md
§4.D): it classifies every backup record by age into hourly/daily/weekly/
monthly buckets, prunes each bucket per its retention policy, then applies
a global size ceiling (oldest-first) and a global age ceiling.

A rotation pass never aborts on a single failed deletion — per-file
failures are accumulated into a RotationResult so one locked or already-
missing file doesn't block the rest of the pass (spec.md §7's
accumulate-don't-abort propagation policy for rotation).
*/
package rotation
