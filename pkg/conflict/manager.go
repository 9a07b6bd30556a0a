package conflict

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/durability-core/pkg/core"
	"github.com/cuemby/durability-core/pkg/events"
	"github.com/cuemby/durability-core/pkg/types"
)

// Config controls lock lifetime, sweep cadence, and conflict-history size.
type Config struct {
	LockTimeout     time.Duration
	CleanupInterval time.Duration
	HistoryCapacity int
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		LockTimeout:     5 * time.Minute,
		CleanupInterval: 60 * time.Second,
		HistoryCapacity: 1000,
	}
}

// Resolution names how Register handled a conflicting registration.
type Resolution string

const (
	ResolutionNone           Resolution = "none"
	ResolutionCancelExisting Resolution = "cancel-existing"
	ResolutionQueued         Resolution = "queued"
	ResolutionMerged         Resolution = "merged"
)

// ConflictRecord is one entry in the bounded conflict history ring.
type ConflictRecord struct {
	Timestamp    time.Time
	OperationID  string
	ConflictedWith []string
	Resolution   Resolution
}

// RegisterResult is the outcome of registering one operation.
type RegisterResult struct {
	Operation  *types.Operation
	Conflicts  []string
	Resolution Resolution
	Cancelled  []string
}

// Manager tracks operations and resource locks and resolves conflicts
// between concurrently registered operations.
type Manager struct {
	mu         sync.Mutex
	operations map[string]*types.Operation
	locks      map[string][]*types.ResourceLock
	history    []ConflictRecord

	conflictsRecorded uint64
	mergesPerformed   uint64

	cfg       Config
	clock     core.Clock
	scheduler core.Scheduler
	publisher events.Publisher
	stop      chan struct{}
}

// New creates a Manager. clock/scheduler default to production
// implementations if nil; publisher may be nil.
func New(cfg Config, clock core.Clock, scheduler core.Scheduler, publisher events.Publisher) *Manager {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if scheduler == nil {
		scheduler = core.TickerScheduler{}
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = DefaultConfig().HistoryCapacity
	}
	return &Manager{
		operations: map[string]*types.Operation{},
		locks:      map[string][]*types.ResourceLock{},
		cfg:        cfg,
		clock:      clock,
		scheduler:  scheduler,
		publisher:  publisher,
		stop:       make(chan struct{}),
	}
}

// Start begins the periodic lock sweeper.
func (m *Manager) Start() {
	m.scheduler.Every(m.cfg.CleanupInterval, m.stop, func() {
		m.sweepExpiredLocks()
	})
}

// Stop halts the periodic lock sweeper.
func (m *Manager) Stop() {
	close(m.stop)
}

// Register detects conflicts between op and every tracked pending or
// running operation, resolves them by priority, and enters op in the
// pending state.
func (m *Manager) Register(op *types.Operation) (*RegisterResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	op.RegisteredAt = now
	op.Status = types.OperationPending

	conflicts := m.detectConflictsLocked(op)
	resolution := ResolutionNone
	var cancelled []string

	if len(conflicts) > 0 {
		maxPriority := 0
		for _, c := range conflicts {
			if c.Priority.Rank() > maxPriority {
				maxPriority = c.Priority.Rank()
			}
		}

		switch {
		case op.Priority == types.PriorityCritical:
			cancelled = m.cancelLocked(conflicts)
			resolution = ResolutionCancelExisting
		case op.Priority.Rank() > maxPriority:
			cancelled = m.cancelLocked(conflicts)
			resolution = ResolutionCancelExisting
		case op.Priority.Rank() < maxPriority:
			resolution = ResolutionQueued
		default:
			yieldsToManual := op.Type == types.OperationAutoSave && anyType(conflicts, types.OperationManual)
			allAutoSaveSameSession := !yieldsToManual && allAutoSave(conflicts, op)
			switch {
			case yieldsToManual:
				resolution = ResolutionQueued
			case allAutoSaveSameSession:
				cancelled = m.cancelLocked(conflicts)
				resolution = ResolutionMerged
			default:
				resolution = ResolutionQueued
			}
		}
	}

	var conflictIDs []string
	for _, c := range conflicts {
		conflictIDs = append(conflictIDs, c.ID)
	}
	op.ConflictsWith = map[string]bool{}
	for _, id := range conflictIDs {
		op.ConflictsWith[id] = true
	}

	m.operations[op.ID] = op
	m.recordHistoryLocked(ConflictRecord{
		Timestamp:      now,
		OperationID:    op.ID,
		ConflictedWith: conflictIDs,
		Resolution:     resolution,
	})
	if len(conflicts) > 0 {
		m.conflictsRecorded++
	}
	if resolution == ResolutionMerged {
		m.mergesPerformed++
	}

	if m.publisher != nil {
		m.publisher.Publish(&events.Event{
			Type:      events.TypeOperationRegistered,
			Timestamp: now,
			Message:   fmt.Sprintf("operation %s registered (%s)", op.ID, resolution),
		})
		if len(conflicts) > 0 {
			m.publisher.Publish(&events.Event{
				Type:      events.TypeConflictResolved,
				Timestamp: now,
				Message:   fmt.Sprintf("operation %s conflicts resolved: %s", op.ID, resolution),
			})
		}
	}

	return &RegisterResult{Operation: op, Conflicts: conflictIDs, Resolution: resolution, Cancelled: cancelled}, nil
}

func (m *Manager) detectConflictsLocked(op *types.Operation) []*types.Operation {
	var conflicts []*types.Operation
	for _, other := range m.operations {
		if other.Status != types.OperationPending && other.Status != types.OperationRunning {
			continue
		}
		if conflictsWith(op, other) {
			conflicts = append(conflicts, other)
		}
	}
	return conflicts
}

func conflictsWith(a, b *types.Operation) bool {
	if a.SessionID == b.SessionID && a.IsWriter() && b.IsWriter() {
		return true
	}
	if (a.Type == types.OperationRestoration || b.Type == types.OperationRestoration) && a.SessionID == b.SessionID {
		return true
	}
	if sharedResources(a, b) && !lockKindFor(a).Compatible(lockKindFor(b)) {
		return true
	}
	if a.IsResourceIntensive() && b.IsResourceIntensive() {
		return true
	}
	return false
}

func sharedResources(a, b *types.Operation) bool {
	for r := range a.RequiredResources {
		if b.RequiredResources[r] {
			return true
		}
	}
	return false
}

func lockKindFor(op *types.Operation) types.LockKind {
	switch op.Type {
	case types.OperationRestoration:
		return types.LockExclusive
	case types.OperationFull, types.OperationManual, types.OperationIncremental, types.OperationAutoSave:
		return types.LockWrite
	default:
		return types.LockRead
	}
}

func anyType(ops []*types.Operation, t types.OperationType) bool {
	for _, o := range ops {
		if o.Type == t {
			return true
		}
	}
	return false
}

func allAutoSave(conflicts []*types.Operation, op *types.Operation) bool {
	if op.Type != types.OperationAutoSave {
		return false
	}
	for _, c := range conflicts {
		if c.Type != types.OperationAutoSave || c.SessionID != op.SessionID {
			return false
		}
	}
	return true
}

// cancelLocked marks every operation in ops as cancelled, releasing any
// locks it holds, and returns their ids. Caller must hold m.mu.
func (m *Manager) cancelLocked(ops []*types.Operation) []string {
	var ids []string
	for _, op := range ops {
		op.Status = types.OperationCancelled
		m.releaseLocksLocked(op.ID)
		ids = append(ids, op.ID)
	}
	return ids
}

func (m *Manager) recordHistoryLocked(rec ConflictRecord) {
	m.history = append(m.history, rec)
	if len(m.history) > m.cfg.HistoryCapacity {
		m.history = m.history[len(m.history)-m.cfg.HistoryCapacity:]
	}
}

// Start attempts to acquire locks for every one of op's required
// resources, all-or-nothing, and transitions it to running on success.
func (m *Manager) Start(operationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[operationID]
	if !ok {
		return fmt.Errorf("conflict: operation %s not found: %w", operationID, core.ErrNotFound)
	}

	now := m.clock.Now()
	kind := lockKindFor(op)

	var acquired []string
	for resource := range op.RequiredResources {
		if !m.tryAcquireLocked(resource, op.ID, op.SessionID, kind, now) {
			for _, r := range acquired {
				m.releaseResourceLocked(r, op.ID)
			}
			return fmt.Errorf("conflict: %w: resource %s held incompatibly", core.ErrLockBusy, resource)
		}
		acquired = append(acquired, resource)
	}

	op.Status = types.OperationRunning
	return nil
}

// tryAcquireLocked reclaims expired locks on resource, checks the
// remaining holders for compatibility with kind, and if compatible grants
// a new lock. Caller must hold m.mu.
func (m *Manager) tryAcquireLocked(resource, operationID, sessionID string, kind types.LockKind, now time.Time) bool {
	held := m.locks[resource][:0:0]
	for _, l := range m.locks[resource] {
		if !l.Expired(now) {
			held = append(held, l)
		}
	}
	m.locks[resource] = held

	for _, l := range held {
		if !l.Kind.Compatible(kind) {
			return false
		}
	}

	m.locks[resource] = append(m.locks[resource], &types.ResourceLock{
		ResourceID:  resource,
		OperationID: operationID,
		SessionID:   sessionID,
		Kind:        kind,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(m.cfg.LockTimeout),
	})
	return true
}

func (m *Manager) releaseResourceLocked(resource, operationID string) {
	var kept []*types.ResourceLock
	for _, l := range m.locks[resource] {
		if l.OperationID != operationID {
			kept = append(kept, l)
		}
	}
	m.locks[resource] = kept
}

func (m *Manager) releaseLocksLocked(operationID string) {
	for resource := range m.locks {
		m.releaseResourceLocked(resource, operationID)
	}
}

// Complete releases every lock op holds, removes it from the active
// table, and re-evaluates pending operations whose conflicts may have
// cleared.
func (m *Manager) Complete(operationID string, outcome types.OperationStatus) error {
	m.mu.Lock()
	op, ok := m.operations[operationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("conflict: operation %s not found: %w", operationID, core.ErrNotFound)
	}
	op.Status = outcome
	m.releaseLocksLocked(operationID)
	delete(m.operations, operationID)
	m.mu.Unlock()

	if m.publisher != nil {
		m.publisher.Publish(&events.Event{
			Type:      events.TypeOperationCompleted,
			Timestamp: m.clock.Now(),
			Message:   fmt.Sprintf("operation %s completed (%s)", operationID, outcome),
		})
	}

	m.rescanPending()
	return nil
}

// Cancel marks operationID cancelled, releasing its locks, without
// requiring a terminal outcome from the caller.
func (m *Manager) Cancel(operationID string) error {
	return m.Complete(operationID, types.OperationCancelled)
}

func (m *Manager) rescanPending() {
	m.mu.Lock()
	var pending []*types.Operation
	for _, op := range m.operations {
		if op.Status == types.OperationPending {
			pending = append(pending, op)
		}
	}
	m.mu.Unlock()

	for _, op := range pending {
		m.mu.Lock()
		conflicts := m.detectConflictsLocked(op)
		stillBlocked := false
		for _, c := range conflicts {
			if c.ID != op.ID && c.Status == types.OperationRunning {
				stillBlocked = true
				break
			}
		}
		m.mu.Unlock()
		if !stillBlocked {
			_ = m.Start(op.ID)
		}
	}
}

func (m *Manager) sweepExpiredLocks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for resource, locks := range m.locks {
		var kept []*types.ResourceLock
		for _, l := range locks {
			if !l.Expired(now) {
				kept = append(kept, l)
			}
		}
		m.locks[resource] = kept
	}
}

// Statistics summarizes the manager's current state: active operations,
// held locks broken down by kind, and lifetime conflict/merge counters.
type Statistics struct {
	PendingOperations int
	RunningOperations int
	ActiveLocks       int
	LocksByKind       map[types.LockKind]int
	ConflictsRecorded uint64
	MergesPerformed   uint64
	HistorySize       int
}

// Statistics returns a snapshot of operation and lock table sizes plus the
// manager's lifetime conflict/merge counters.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Statistics{
		HistorySize:       len(m.history),
		LocksByKind:       map[types.LockKind]int{},
		ConflictsRecorded: m.conflictsRecorded,
		MergesPerformed:   m.mergesPerformed,
	}
	for _, op := range m.operations {
		switch op.Status {
		case types.OperationPending:
			stats.PendingOperations++
		case types.OperationRunning:
			stats.RunningOperations++
		}
	}
	for _, locks := range m.locks {
		stats.ActiveLocks += len(locks)
		for _, l := range locks {
			stats.LocksByKind[l.Kind]++
		}
	}
	return stats
}
