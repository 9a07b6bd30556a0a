package incremental

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/durability-core/pkg/backupstore"
	"github.com/cuemby/durability-core/pkg/change"
	"github.com/cuemby/durability-core/pkg/core"
	"github.com/cuemby/durability-core/pkg/types"
)

// DefaultMaxIncrementalsPerChain is the chain length, in incrementals
// since the last baseline, that forces a fresh baseline.
const DefaultMaxIncrementalsPerChain = 50

// baselineChurnThreshold is the change percentage above which a new
// baseline is forced instead of another incremental.
const baselineChurnThreshold = 70.0

// Config controls the engine's baseline/incremental decision.
type Config struct {
	MaxIncrementalsPerChain int
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{MaxIncrementalsPerChain: DefaultMaxIncrementalsPerChain}
}

// Engine creates and replays incremental backup chains for sessions.
type Engine struct {
	store    *backupstore.Store
	detector *change.Detector
	clock    core.Clock
	cfg      Config
}

// New creates an Engine. clock defaults to core.SystemClock if nil.
func New(store *backupstore.Store, detector *change.Detector, clock core.Clock, cfg Config) *Engine {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if cfg.MaxIncrementalsPerChain <= 0 {
		cfg.MaxIncrementalsPerChain = DefaultMaxIncrementalsPerChain
	}
	return &Engine{store: store, detector: detector, clock: clock, cfg: cfg}
}

// CreateIncremental decides whether sessionID's next record is a baseline
// or an incremental relative to its most recent record, builds it from
// the diff against the session's last known state, and persists it.
func (e *Engine) CreateIncremental(sessionID string, currentState map[string]any, forceBaseline bool) (*types.BackupRecord, error) {
	diff, flat, err := e.detector.Compare(sessionID, currentState)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.ListSession(sessionID)
	if err != nil {
		return nil, err
	}

	makeBaseline := forceBaseline || len(existing) == 0 ||
		incrementalsSinceBaseline(existing) >= e.cfg.MaxIncrementalsPerChain ||
		diff.ChangePercentage > baselineChurnThreshold

	var record *types.BackupRecord
	if makeBaseline {
		record, err = e.buildBaseline(sessionID, currentState, diff)
	} else {
		parent := existing[len(existing)-1]
		record, err = e.buildIncremental(sessionID, parent.ID, diff, flat)
	}
	if err != nil {
		return nil, err
	}

	if err := e.store.Put(record); err != nil {
		return nil, err
	}
	e.detector.Commit(sessionID, flat)
	return record, nil
}

func incrementalsSinceBaseline(records []*types.BackupRecord) int {
	count := 0
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Kind == types.BackupKindBaseline {
			break
		}
		count++
	}
	return count
}

func (e *Engine) buildBaseline(sessionID string, state map[string]any, diff change.Diff) (*types.BackupRecord, error) {
	changes := []types.ChangeEntry{{Kind: types.ChangeKindAdd, Path: types.BaselineChangeField, NewValue: state}}
	checksum, err := backupstore.ChecksumChanges(changes)
	if err != nil {
		return nil, err
	}
	return &types.BackupRecord{
		ID:        "baseline_" + uuid.NewString(),
		SessionID: sessionID,
		ParentID:  nil,
		Timestamp: e.clock.Now(),
		Kind:      types.BackupKindBaseline,
		Changes:   changes,
		Metadata: types.BackupMetadata{
			SchemaVersion:    1,
			TotalChanges:     diff.TotalChanges,
			ChangePercentage: diff.ChangePercentage,
		},
		PayloadChecksum: checksum,
	}, nil
}

func (e *Engine) buildIncremental(sessionID, parentID string, diff change.Diff, flat map[string]any) (*types.BackupRecord, error) {
	var changes []types.ChangeEntry
	for _, path := range diff.AddedFields {
		changes = append(changes, entryFor(types.ChangeKindAdd, path, flat[path]))
	}
	for _, path := range diff.ChangedFields {
		changes = append(changes, entryFor(types.ChangeKindModify, path, flat[path]))
	}
	for _, path := range diff.RemovedFields {
		changes = append(changes, types.ChangeEntry{Kind: types.ChangeKindRemove, Path: path})
	}

	checksum, err := backupstore.ChecksumChanges(changes)
	if err != nil {
		return nil, err
	}

	return &types.BackupRecord{
		ID:        "incremental_" + uuid.NewString(),
		SessionID: sessionID,
		ParentID:  &parentID,
		Timestamp: e.clock.Now(),
		Kind:      types.BackupKindIncremental,
		Changes:   changes,
		Metadata: types.BackupMetadata{
			SchemaVersion:    1,
			TotalChanges:     diff.TotalChanges,
			ChangePercentage: diff.ChangePercentage,
		},
		PayloadChecksum: checksum,
	}, nil
}

func entryFor(kind types.ChangeKind, path string, value any) types.ChangeEntry {
	entry := types.ChangeEntry{Kind: kind, Path: path, NewValue: value}
	if raw, err := json.Marshal(value); err == nil {
		sum := sha256.Sum256(raw)
		entry.ValueChecksum = hex.EncodeToString(sum[:])
	}
	return entry
}

// RestoreResult is the outcome of walking and replaying a session's chain.
type RestoreResult struct {
	State       map[string]any
	Chain       []*types.BackupRecord
	Duration    time.Duration
	IntegrityOK bool
}

// RestoreChain loads every record for sessionID, walks a chain forward
// from a baseline, and replays change entries to reconstruct state. With
// an empty targetID the walk starts at the session's latest baseline and
// runs to the end of its chain; otherwise it starts at the baseline that
// targetID's parent links lead back to and stops at (and includes) that
// record.
func (e *Engine) RestoreChain(sessionID, targetID string) (*RestoreResult, error) {
	start := time.Now()

	records, err := e.store.ListSession(sessionID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("incremental: %w: session %s", core.ErrNoBaseline, sessionID)
	}

	byParent := map[string][]*types.BackupRecord{}
	byID := map[string]*types.BackupRecord{}
	var baseline *types.BackupRecord
	for _, r := range records {
		byID[r.ID] = r
		if r.Kind == types.BackupKindBaseline {
			baseline = r // records are timestamp-ordered, so this ends on the latest baseline
			continue
		}
		if r.ParentID != nil {
			byParent[*r.ParentID] = append(byParent[*r.ParentID], r)
		}
	}
	// A target is replayed from the baseline its parent links lead back to.
	for r, hops := byID[targetID], 0; r != nil && hops <= len(records); hops++ {
		if r.Kind == types.BackupKindBaseline {
			baseline = r
			break
		}
		if r.ParentID == nil {
			break
		}
		r = byID[*r.ParentID]
	}
	if baseline == nil {
		return nil, fmt.Errorf("incremental: %w: session %s", core.ErrNoBaseline, sessionID)
	}

	state, err := cloneJSON(baseline.Changes[0].NewValue)
	if err != nil {
		return nil, err
	}

	chain := []*types.BackupRecord{baseline}
	current := baseline
	reachedTarget := targetID != "" && targetID == baseline.ID
	for !reachedTarget {
		next := pickSuccessor(byParent[current.ID])
		if next == nil {
			if targetID == "" {
				break // walked the whole chain; nothing more to apply
			}
			return nil, fmt.Errorf("incremental: %w: session %s stopped at %s before reaching %s",
				core.ErrBrokenChain, sessionID, current.ID, targetID)
		}
		if err := applyChanges(state, next.Changes); err != nil {
			return nil, err
		}
		chain = append(chain, next)
		current = next
		if targetID != "" && next.ID == targetID {
			reachedTarget = true
		}
	}

	integrityOK := true
	if _, err := json.Marshal(state); err != nil {
		integrityOK = false
	}

	return &RestoreResult{
		State:       state,
		Chain:       chain,
		Duration:    time.Since(start),
		IntegrityOK: integrityOK,
	}, nil
}

// Stats summarizes a session's current chain without performing a
// restore: number of records, incrementals since the last baseline, and
// whether the next create_incremental call would be forced to a baseline.
type Stats struct {
	TotalRecords            int
	IncrementalsSinceBaseline int
	NextCreateForcesBaseline bool
}

// Stats reports chain bookkeeping for sessionID, used by operators and
// tests to reason about when the engine will next roll a baseline.
func (e *Engine) Stats(sessionID string) (Stats, error) {
	records, err := e.store.ListSession(sessionID)
	if err != nil {
		return Stats{}, err
	}
	since := incrementalsSinceBaseline(records)
	return Stats{
		TotalRecords:              len(records),
		IncrementalsSinceBaseline: since,
		NextCreateForcesBaseline:  len(records) == 0 || since >= e.cfg.MaxIncrementalsPerChain,
	}, nil
}

func pickSuccessor(candidates []*types.BackupRecord) *types.BackupRecord {
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Timestamp.Before(candidates[j].Timestamp)
	})
	return candidates[0]
}

// applyChanges mutates state in place according to entries: add/modify
// set the dotted path (creating missing intermediate objects), remove
// deletes it (a no-op if an intermediate is missing).
func applyChanges(state map[string]any, entries []types.ChangeEntry) error {
	for _, entry := range entries {
		parts := strings.Split(entry.Path, ".")
		switch entry.Kind {
		case types.ChangeKindAdd, types.ChangeKindModify:
			setPath(state, parts, entry.NewValue)
		case types.ChangeKindRemove:
			deletePath(state, parts)
		default:
			return fmt.Errorf("incremental: unknown change kind %q", entry.Kind)
		}
	}
	return nil
}

func setPath(root map[string]any, parts []string, value any) {
	node := root
	for i, part := range parts {
		if i == len(parts)-1 {
			node[part] = value
			return
		}
		child, ok := node[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[part] = child
		}
		node = child
	}
}

func deletePath(root map[string]any, parts []string) {
	node := root
	for i, part := range parts {
		if i == len(parts)-1 {
			delete(node, part)
			return
		}
		child, ok := node[part].(map[string]any)
		if !ok {
			return
		}
		node = child
	}
}

func cloneJSON(value any) (map[string]any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
