// Package cache implements the coordinator's CPU-resident index cache: an
// admission-controlled, capacity-bounded pool of loaded engine.IndexEngine
// instances keyed by file_id, so repeated queries against the same hot
// files skip re-reading their index off disk. Modeled on weaviate's
// page-cache, which wraps
// hashicorp/golang-lru/v2 with its own eviction bookkeeping
// (adapters/repos/db/lsmkv/contentReader/content_reader.go's Pread type).
package cache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/podcopic-labs/vectorcore/internal/engine"
)

// Manager is a byte-budgeted LRU over file_id -> loaded IndexEngine. Unlike
// a plain count-bounded LRU, eviction here is driven by a total byte
// budget: Insert rejects (rather than silently over-admits) an artifact
// that alone exceeds capacity.
type Manager struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	entries  *lru.Cache[int64, *entry]
}

type entry struct {
	engine engine.IndexEngine
	size   int64
}

// New builds a cache bounded by capacityBytes. maxEntries bounds how many
// distinct files can be tracked regardless of byte usage — golang-lru
// requires a fixed slot count up front; pass 0 for a generous default.
func New(capacityBytes int64, maxEntries int) (*Manager, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	m := &Manager{capacity: capacityBytes}

	onEvict := func(key int64, e *entry) {
		m.used -= e.size
		e.engine.Close()
	}
	c, err := lru.NewWithEvict[int64, *entry](maxEntries, onEvict)
	if err != nil {
		return nil, fmt.Errorf("cache: create lru: %w", err)
	}
	m.entries = c
	return m, nil
}

func (m *Manager) Capacity() int64 {
	return m.capacity
}

func (m *Manager) Usage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Get returns a cached engine for fileID, bumping its recency.
func (m *Manager) Get(fileID int64) (engine.IndexEngine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries.Get(fileID)
	if !ok {
		return nil, false
	}
	return e.engine, true
}

// Contains reports membership without affecting recency.
func (m *Manager) Contains(fileID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Contains(fileID)
}

// Insert admits eng into the cache under fileID, sized at sizeBytes.
// Refuses an artifact larger than the whole cache outright — admitting it
// would just evict everything else to hold one entry. Otherwise evicts
// least-recently-used entries with explicit RemoveOldest calls before Add
// until the new entry fits the byte budget.
func (m *Manager) Insert(fileID int64, eng engine.IndexEngine, sizeBytes int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capacity > 0 && sizeBytes > m.capacity {
		return false
	}

	// Remove fires onEvict, which subtracts the replaced entry's size.
	m.entries.Remove(fileID)

	for m.capacity > 0 && m.used+sizeBytes > m.capacity {
		if _, _, ok := m.entries.RemoveOldest(); !ok {
			break
		}
	}

	m.entries.Add(fileID, &entry{engine: eng, size: sizeBytes})
	m.used += sizeBytes
	return true
}

// Release evicts fileID explicitly — used when a file transitions away
// from a searchable state (e.g. TO_DELETE) and its cached index is no
// longer valid.
func (m *Manager) Release(fileID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Remove(fileID)
}

// Purge evicts everything, closing every cached engine. Called at
// shutdown.
func (m *Manager) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Purge()
}
