// Package core holds the sentinel errors and the clock abstraction shared
// by every durability-core component, so none of them reach for the wall
// clock directly or invent a parallel error taxonomy.
package core

import "errors"

// Sentinel errors for the failure modes spec'd for the durability core.
// Components wrap these with fmt.Errorf("...: %w", ErrX) so callers can
// still errors.Is against the underlying kind.
var (
	// ErrIO covers filesystem or serialization failure.
	ErrIO = errors.New("io failure")

	// ErrCorrupt means a record failed to parse or its checksum didn't
	// match.
	ErrCorrupt = errors.New("corrupt record")

	// ErrNotFound means a requested record does not exist in the store.
	ErrNotFound = errors.New("record not found")

	// ErrNoBaseline means a chain walk found no baseline for a session.
	ErrNoBaseline = errors.New("no baseline for session")

	// ErrBrokenChain means a chain walk terminated before reaching a
	// requested target.
	ErrBrokenChain = errors.New("broken backup chain")

	// ErrLockBusy means lock acquisition failed because of an
	// incompatible holder.
	ErrLockBusy = errors.New("resource lock busy")

	// ErrConflict means operation registration was rejected because a
	// higher-priority operation already holds the session.
	ErrConflict = errors.New("conflicting operation")

	// ErrNoSuitablePoint means no recovery point matched the requested
	// filters.
	ErrNoSuitablePoint = errors.New("no suitable recovery point")

	// ErrIntegrityViolation means audit log verification found a hash
	// mismatch or a broken previous-hash link.
	ErrIntegrityViolation = errors.New("audit integrity violation")

	// ErrCyclicState means the change detector's flattener found a cycle
	// while walking the state tree; cyclic state is rejected rather than
	// tolerated (spec.md §9).
	ErrCyclicState = errors.New("cyclic state")
)
