// Package index implements the store's secondary access paths: per-field
// value indexes, BM25 full-text search, and TF-IDF semantic search. Every
// node, leader or follower, runs its own Manager fed by its own state
// machine's apply callbacks, so the index is a deterministic local
// materialized view rather than a separately replicated log — it can
// never diverge from the replicated key-value state and needs no
// consensus of its own. Ported from the Python reference's IndexManager.
package index

import (
	"fmt"
	"sync"

	"github.com/raftkv/raftkv/internal/value"
)

// Manager owns every secondary index for one node and satisfies
// statemachine.Observer.
type Manager struct {
	mu sync.RWMutex

	valueIndexes map[string]*ValueIndex
	inverted     *InvertedIndex
	embedding    *EmbeddingIndex

	// last holds the most recently indexed value per key, so a future
	// mutation can remove the stale entry from every index before adding
	// the new one.
	last map[string]value.Value
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		valueIndexes: make(map[string]*ValueIndex),
		inverted:     newInvertedIndex(),
		embedding:    newEmbeddingIndex(),
		last:         make(map[string]value.Value),
	}
}

// CreateValueIndex registers a secondary index on field, a no-op if one
// already exists. It does not backfill existing keys: only values applied
// after the index exists are indexed under it. Because CREATE_INDEX is
// re-applied in log order on restart, replay rebuilds the same contents.
func (m *Manager) CreateValueIndex(field string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createValueIndexLocked(field)
}

func (m *Manager) createValueIndexLocked(field string) {
	if _, ok := m.valueIndexes[field]; !ok {
		m.valueIndexes[field] = newValueIndex(field)
	}
}

// OnCreateIndex implements statemachine.Observer. It runs in the same
// commit-ordered callback stream as OnApply, so by the time any later SET
// is applied the index already exists on every node.
func (m *Manager) OnCreateIndex(field string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createValueIndexLocked(field)
}

// HasValueIndex reports whether field has an index.
func (m *Manager) HasValueIndex(field string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.valueIndexes[field]
	return ok
}

// OnApply implements statemachine.Observer: it keeps every secondary index
// consistent with the key-value map, synchronously and without blocking.
func (m *Manager) OnApply(key string, newValue value.Value, tombstone bool, index uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, hadOld := m.last[key]

	if tombstone {
		if hadOld {
			for _, vi := range m.valueIndexes {
				vi.Remove(key, old)
			}
			m.inverted.Remove(key)
			m.embedding.Remove(key)
			delete(m.last, key)
		}
		return
	}

	if hadOld {
		for _, vi := range m.valueIndexes {
			vi.Remove(key, old)
		}
		m.inverted.Remove(key)
		m.embedding.Remove(key)
	}

	for _, vi := range m.valueIndexes {
		vi.Add(key, newValue)
	}
	m.inverted.Add(key, newValue)
	m.embedding.Add(key, newValue)
	m.last[key] = newValue
}

// QueryValueIndex returns the keys indexed under field == target.
func (m *Manager) QueryValueIndex(field string, target value.Value) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vi, ok := m.valueIndexes[field]
	if !ok {
		return nil, fmt.Errorf("index: no index on field %q", field)
	}
	return vi.Query(target), nil
}

// Search runs BM25 full-text search over the indexed values.
func (m *Manager) Search(query string, topK int) []ScoredKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inverted.Search(query, topK)
}

// SemanticSearch runs TF-IDF cosine-similarity search over the indexed values.
func (m *Manager) SemanticSearch(query string, topK int) []ScoredKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.embedding.SemanticSearch(query, topK)
}
