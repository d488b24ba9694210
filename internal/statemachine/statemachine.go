// Package statemachine holds the applied key-value map and applies
// committed LogEntries to it deterministically, one entry per Apply call
// with one Result per entry, keeping every read and write synchronous and
// in-process, matching spec.md's apply-loop contract.
package statemachine

import (
	"fmt"
	"sync"

	"github.com/raftkv/raftkv/internal/kvpb"
	"github.com/raftkv/raftkv/internal/value"
)

// Observer is notified, in commit order, whenever apply mutates a key. It
// runs synchronously inside Apply and must not block: the index subsystem
// is the only observer in this module, and it only touches in-memory data
// structures.
type Observer interface {
	OnApply(key string, newValue value.Value, tombstone bool, index uint64)
	// OnCreateIndex is called when a CREATE_INDEX entry commits, in the same
	// commit order as OnApply, so a field index always exists before any
	// later OnApply call that might want to index under it.
	OnCreateIndex(field string)
}

// Result is the outcome of applying a single entry. Err is non-nil only
// for ApplyError conditions such as an INCR on a non-integer value; those
// are reported to the dispatcher but the entry is still considered applied.
type Result struct {
	Index uint64
	Err   error
}

// ErrTypeMismatch is returned when INCR targets a key holding a non-integer value.
type ErrTypeMismatch struct {
	Key string
}

func (e *ErrTypeMismatch) Error() string {
	return fmt.Sprintf("statemachine: type mismatch: key %q does not hold an integer", e.Key)
}

// StateMachine holds the applied map and the last index it has applied.
type StateMachine struct {
	mu          sync.RWMutex
	data        map[string]value.Value
	lastApplied uint64
	observers   []Observer
}

// New returns an empty StateMachine.
func New() *StateMachine {
	return &StateMachine{data: make(map[string]value.Value)}
}

// AddObserver registers an observer to be called on every future mutation.
// Not safe to call concurrently with Apply.
func (sm *StateMachine) AddObserver(o Observer) {
	sm.observers = append(sm.observers, o)
}

// LastApplied returns the index of the most recently applied entry.
func (sm *StateMachine) LastApplied() uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastApplied
}

// Get returns the current value for key, or ok=false if absent.
func (sm *StateMachine) Get(key string) (value.Value, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	v, ok := sm.data[key]
	return v, ok
}

// Snapshot returns a deep-enough copy of the applied map, for tests and
// round-trip verification; there is no log compaction in scope so this is
// never used on the hot path.
func (sm *StateMachine) Snapshot() map[string]value.Value {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make(map[string]value.Value, len(sm.data))
	for k, v := range sm.data {
		out[k] = v
	}
	return out
}

// Apply applies entry to the map. It must be called strictly in increasing
// index order, exactly once per index; callers (the event loop) are
// responsible for that ordering guarantee.
func (sm *StateMachine) Apply(entry kvpb.LogEntry) Result {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	res := Result{Index: entry.Index}
	switch entry.Command.Type {
	case kvpb.CommandSet:
		sm.data[entry.Command.Key] = entry.Command.Value
		sm.notify(entry.Command.Key, entry.Command.Value, false, entry.Index)

	case kvpb.CommandDelete:
		if _, ok := sm.data[entry.Command.Key]; ok {
			delete(sm.data, entry.Command.Key)
			sm.notify(entry.Command.Key, value.Value{}, true, entry.Index)
		}

	case kvpb.CommandIncr:
		cur, ok := sm.data[entry.Command.Key]
		switch {
		case !ok:
			nv := value.NewInteger(entry.Command.Amount)
			sm.data[entry.Command.Key] = nv
			sm.notify(entry.Command.Key, nv, false, entry.Index)
		case cur.IsInteger():
			nv := value.NewInteger(cur.Int + entry.Command.Amount)
			sm.data[entry.Command.Key] = nv
			sm.notify(entry.Command.Key, nv, false, entry.Index)
		default:
			res.Err = &ErrTypeMismatch{Key: entry.Command.Key}
		}

	case kvpb.CommandBulkSet:
		for _, item := range entry.Command.Items {
			sm.data[item.Key] = item.Value
		}
		for _, item := range entry.Command.Items {
			sm.notify(item.Key, item.Value, false, entry.Index)
		}

	case kvpb.CommandNoop:
		// establishes commit ordering only; no state mutation.

	case kvpb.CommandCreateIndex:
		for _, o := range sm.observers {
			o.OnCreateIndex(entry.Command.Field)
		}

	default:
		res.Err = fmt.Errorf("statemachine: unknown command type %d", entry.Command.Type)
	}

	sm.lastApplied = entry.Index
	return res
}

func (sm *StateMachine) notify(key string, v value.Value, tombstone bool, index uint64) {
	for _, o := range sm.observers {
		o.OnApply(key, v, tombstone, index)
	}
}
