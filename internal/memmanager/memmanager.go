// Package memmanager buffers inserted vectors in memory, durable behind a
// per-table WAL, until the background serialize pass flushes them to a
// brand-new TableFile. Grounded on vector_storage.go's WAL-then-ingest
// discipline (InsertVector: WriteEntry, ingest, MarkCommitted) generalized
// from one whole-table FAISS index to many small per-flush buffers, since
// here the FAISS index itself belongs to the file artifact (internal/engine),
// not to the memory manager.
package memmanager

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/podcopic-labs/vectorcore/internal/engine"
	"github.com/podcopic-labs/vectorcore/internal/meta"
	"github.com/podcopic-labs/vectorcore/internal/wal"
)

// Manager buffers per-table inserts and periodically serializes them to
// new TableFiles through the metadata store and engine package.
type Manager struct {
	baseDir string
	store   *meta.Store

	mu      sync.Mutex
	tables  map[string]*tableBuffer
	autoIDs map[string]*int64
}

type tableBuffer struct {
	mu   sync.Mutex
	wal  *wal.WAL
	ids  []int64
	vecs []float32 // flattened, len == len(ids)*dimension
	dim  int
}

// New builds a memory manager rooted at baseDir, where each table's WAL
// lives at baseDir/<table_id>/mem.wal.
func New(baseDir string, store *meta.Store) *Manager {
	return &Manager{
		baseDir: baseDir,
		store:   store,
		tables:  make(map[string]*tableBuffer),
		autoIDs: make(map[string]*int64),
	}
}

func (m *Manager) bufferFor(tableID string, dim int) (*tableBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tb, ok := m.tables[tableID]; ok {
		return tb, nil
	}

	w, err := wal.OpenWAL(filepath.Join(m.baseDir, tableID, "mem.wal"))
	if err != nil {
		return nil, fmt.Errorf("memmanager: open wal for %s: %w", tableID, err)
	}
	tb := &tableBuffer{wal: w, dim: dim}
	if err := tb.replay(); err != nil {
		return nil, fmt.Errorf("memmanager: replay wal for %s: %w", tableID, err)
	}
	m.tables[tableID] = tb
	var seed int64
	m.autoIDs[tableID] = &seed
	return tb, nil
}

// InsertVectors buffers a batch of vectors for tableID, durable behind the
// table's WAL before this call returns. If ids is empty, monotonically
// increasing ids are generated and returned.
func (m *Manager) InsertVectors(tableID string, dimension int, ids []int64, vectors []float32) ([]int64, error) {
	if dimension <= 0 || len(vectors)%dimension != 0 {
		return nil, fmt.Errorf("memmanager: vector buffer not a multiple of dimension %d", dimension)
	}
	n := len(vectors) / dimension

	tb, err := m.bufferFor(tableID, dimension)
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		m.mu.Lock()
		counter := m.autoIDs[tableID]
		m.mu.Unlock()
		ids = make([]int64, n)
		for i := range ids {
			ids[i] = atomic.AddInt64(counter, 1)
		}
	} else if len(ids) != n {
		return nil, fmt.Errorf("memmanager: %d ids for %d vectors", len(ids), n)
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	key := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(key[i*8:], uint64(id))
	}
	if err := tb.wal.WriteEntry(string(key), string(float32sToBytes(vectors))); err != nil {
		return nil, fmt.Errorf("memmanager: wal write: %w", err)
	}

	tb.ids = append(tb.ids, ids...)
	tb.vecs = append(tb.vecs, vectors...)

	if err := tb.wal.MarkCommitted(); err != nil {
		return nil, fmt.Errorf("memmanager: wal commit: %w", err)
	}
	return ids, nil
}

// RowCount reports how many buffered (not yet serialized) vectors a table
// currently holds.
func (m *Manager) RowCount(tableID string) int64 {
	m.mu.Lock()
	tb, ok := m.tables[tableID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return int64(len(tb.ids))
}

// Serialize flushes a table's buffered vectors to a brand-new NEW
// TableFile and clears the WAL, under the caller's mem_serialize_mutex
// discipline — the coordinator, not this package, owns that
// lock, since a serialize pass spans both memmanager and meta/engine.
func (m *Manager) Serialize(tableID string, date int) error {
	m.mu.Lock()
	tb, ok := m.tables[tableID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	tb.mu.Lock()
	ids := tb.ids
	vecs := tb.vecs
	dimension := tb.dim
	tb.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	f := &meta.TableFile{TableID: tableID, Date: date, FileType: meta.FileTypeNew}
	if err := m.store.CreateTableFile(f); err != nil {
		return fmt.Errorf("memmanager: create file: %w", err)
	}

	eng, err := engine.Build(dimension, f.Location, f.EngineType, f.MetricType, f.NList)
	if err != nil {
		return fmt.Errorf("memmanager: build engine: %w", err)
	}
	defer eng.Close()

	if err := eng.AddVectors(ids, vecs); err != nil {
		return fmt.Errorf("memmanager: add buffered vectors: %w", err)
	}
	if err := eng.Serialize(); err != nil {
		return fmt.Errorf("memmanager: serialize engine: %w", err)
	}

	size, err := eng.PhysicalSize()
	if err != nil {
		return fmt.Errorf("memmanager: physical size: %w", err)
	}
	// Stays in NEW: the background compactor's merge step is what promotes
	// a file to RAW/TO_INDEX, not the flush itself.
	next := f.Clone()
	next.RowCount = int64(len(ids))
	next.FileSize = size
	if err := m.store.UpdateTableFile(next); err != nil {
		return fmt.Errorf("memmanager: commit flushed file: %w", err)
	}

	tb.mu.Lock()
	tb.ids = nil
	tb.vecs = nil
	tb.mu.Unlock()
	if err := tb.wal.Clear(); err != nil {
		return fmt.Errorf("memmanager: clear wal: %w", err)
	}
	return nil
}

// SerializeAll flushes every table with a non-empty buffer — the
// coordinator's periodic MemSerialize sweep.
func (m *Manager) SerializeAll() error {
	m.mu.Lock()
	tableIDs := make([]string, 0, len(m.tables))
	for id := range m.tables {
		tableIDs = append(tableIDs, id)
	}
	m.mu.Unlock()

	today := dateToday()
	for _, id := range tableIDs {
		if err := m.Serialize(id, today); err != nil {
			return err
		}
	}
	return nil
}

// EraseMemVector drops a table's buffer and closes its WAL without
// flushing — used by DeleteTable before it soft-deletes the table
// (DBImpl.cpp's mem_mgr_->EraseMemVector). It does not refuse later
// inserts: the next InsertVectors for tableID opens a fresh buffer.
func (m *Manager) EraseMemVector(tableID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tb, ok := m.tables[tableID]; ok {
		tb.wal.Close()
	}
	delete(m.tables, tableID)
	delete(m.autoIDs, tableID)
}

func (tb *tableBuffer) replay() error {
	entries, err := tb.wal.Replay()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		keyBytes := []byte(entry[0])
		if len(keyBytes)%8 != 0 {
			return fmt.Errorf("invalid wal key length %d", len(keyBytes))
		}
		n := len(keyBytes) / 8
		ids := make([]int64, n)
		for i := 0; i < n; i++ {
			ids[i] = int64(binary.LittleEndian.Uint64(keyBytes[i*8:]))
		}
		vecs, err := bytesToFloat32s([]byte(entry[1]))
		if err != nil {
			return err
		}
		tb.ids = append(tb.ids, ids...)
		tb.vecs = append(tb.vecs, vecs...)
	}
	return nil
}

func float32sToBytes(vs []float32) []byte {
	buf := make([]byte, len(vs)*4)
	for i, v := range vs {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func bytesToFloat32s(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("buffer size must be a multiple of 4")
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

func dateToday() int {
	now := time.Now().UTC()
	return now.Year()*10000 + int(now.Month())*100 + now.Day()
}
