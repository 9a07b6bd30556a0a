package change

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cuemby/durability-core/pkg/core"
)

// Diff is the result of comparing two flattened state trees.
type Diff struct {
	AddedFields      []string
	RemovedFields    []string
	ChangedFields    []string
	TotalChanges     int
	ChangePercentage float64
}

// Detector compares successive states per session, caching the last
// flattened snapshot so callers never need to pass the prior state
// themselves.
type Detector struct {
	mu    sync.Mutex
	cache *lru.Cache[string, map[string]any]
}

// NewDetector creates a Detector holding up to cacheSize session
// snapshots. A size of 0 defaults to 128.
func NewDetector(cacheSize int) *Detector {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	c, err := lru.New[string, map[string]any](cacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which is excluded
		// above.
		panic(err)
	}
	return &Detector{cache: c}
}

// Diff flattens newState, compares it against sessionID's last recorded
// snapshot (the empty tree if this is the first call), updates the cache
// to newState, and returns the comparison. Callers that must not advance
// the cache until a downstream write succeeds (the incremental engine)
// should use Compare and Commit instead.
func (d *Detector) Diff(sessionID string, newState any) (Diff, error) {
	diff, flat, err := d.Compare(sessionID, newState)
	if err != nil {
		return Diff{}, err
	}
	d.Commit(sessionID, flat)
	return diff, nil
}

// Compare flattens newState and compares it against sessionID's cached
// snapshot without advancing the cache. It returns the flattened state
// alongside the diff so a caller can pass it to Commit once whatever the
// diff is driving (e.g. a backup write) has succeeded.
func (d *Detector) Compare(sessionID string, newState any) (Diff, map[string]any, error) {
	newFlat, err := Flatten(newState)
	if err != nil {
		return Diff{}, nil, err
	}

	d.mu.Lock()
	prior, ok := d.cache.Get(sessionID)
	d.mu.Unlock()
	if !ok {
		prior = map[string]any{}
	}

	return compare(prior, newFlat), newFlat, nil
}

// Commit sets sessionID's cached snapshot to flat, as returned by Compare.
func (d *Detector) Commit(sessionID string, flat map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Add(sessionID, flat)
}

// Peek returns sessionID's cached snapshot without mutating it, for
// callers (the incremental engine) that need to know whether a prior
// snapshot exists.
func (d *Detector) Peek(sessionID string) (map[string]any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Get(sessionID)
}

// Forget drops sessionID's cached snapshot, e.g. after a baseline write
// makes the cached value authoritative again from a fresh source.
func (d *Detector) Forget(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Remove(sessionID)
}

func compare(prior, next map[string]any) Diff {
	var diff Diff

	union := make(map[string]struct{}, len(prior)+len(next))
	for k := range prior {
		union[k] = struct{}{}
	}
	for k := range next {
		union[k] = struct{}{}
	}

	for path := range union {
		oldVal, hadOld := prior[path]
		newVal, hasNew := next[path]
		switch {
		case !hadOld && hasNew:
			diff.AddedFields = append(diff.AddedFields, path)
		case hadOld && !hasNew:
			diff.RemovedFields = append(diff.RemovedFields, path)
		case hadOld && hasNew && !reflect.DeepEqual(oldVal, newVal):
			diff.ChangedFields = append(diff.ChangedFields, path)
		}
	}

	sort.Strings(diff.AddedFields)
	sort.Strings(diff.RemovedFields)
	sort.Strings(diff.ChangedFields)

	diff.TotalChanges = len(diff.AddedFields) + len(diff.RemovedFields) + len(diff.ChangedFields)
	denominator := len(union)
	if denominator == 0 {
		denominator = 1
	}
	diff.ChangePercentage = float64(diff.TotalChanges) / float64(denominator) * 100

	return diff
}

// Flatten walks state (a decoded-JSON-shaped tree: map[string]any,
// []any, or a scalar) and produces a flat map keyed by dotted path.
// Arrays are stored whole under their own path rather than expanded, per
// spec.md §9's documented limitation.
func Flatten(state any) (map[string]any, error) {
	out := map[string]any{}
	if state == nil {
		return out, nil
	}
	obj, ok := state.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("change: root state must be an object, got %T", state)
	}
	visiting := map[uintptr]bool{}
	if err := flattenInto(obj, "", out, visiting); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(node map[string]any, prefix string, out map[string]any, visiting map[uintptr]bool) error {
	ptr := reflect.ValueOf(node).Pointer()
	if visiting[ptr] {
		return core.ErrCyclicState
	}
	visiting[ptr] = true
	defer delete(visiting, ptr)

	for key, value := range node {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch v := value.(type) {
		case map[string]any:
			if err := flattenInto(v, path, out, visiting); err != nil {
				return err
			}
		default:
			out[path] = value
		}
	}
	return nil
}
