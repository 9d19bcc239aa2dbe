// Package meta implements the metadata store consumed by the engine
// coordinator: table schemas, per-table index parameters, and
// the file table with its compaction/index state machine. It is the
// coordinator's only source of truth for what exists on disk — the
// coordinator never parses a location string or walks a directory itself.
package meta

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
)

var (
	ErrTableNotFound     = errors.New("meta: table not found")
	ErrTableExists       = errors.New("meta: table already exists")
	ErrIndexNotFound     = errors.New("meta: table index not found")
	ErrInvalidTransition = errors.New("meta: invalid file state transition")
)

// fileKey orders TableFile records by (table, date, file_id) so range
// scans (FilesToMerge, FilesToSearch) can walk a single table's files in
// file-listing order without touching unrelated tables. Adapted from
// internal/index/BTreeIndex.go's Item/Less, generalized from a single
// string key to this composite key.
type fileKey struct {
	TableID string
	Date    int
	FileID  int64
}

func (k fileKey) Less(other btree.Item) bool {
	o := other.(fileKey)
	if k.TableID != o.TableID {
		return k.TableID < o.TableID
	}
	if k.Date != o.Date {
		return k.Date < o.Date
	}
	return k.FileID < o.FileID
}

type persistedCatalog struct {
	Tables      map[string]*TableSchema `json:"tables"`
	Indexes     map[string]*TableIndex  `json:"indexes"`
	NextFileID  int64                   `json:"next_file_id"`
}

// Store is the concrete, file-backed metadata store.
type Store struct {
	baseDir      string
	catalogPath  string

	mu      sync.RWMutex
	tables  map[string]*TableSchema
	indexes map[string]*TableIndex
	files   map[int64]*TableFile
	order   *btree.BTree

	dropping map[string]bool // tables currently mid-DeleteTable(dates)

	nextFileID int64

	log *fileLog
}

// Open loads (or initializes) a metadata store rooted at baseDir.
func Open(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("meta: create base dir: %w", err)
	}

	s := &Store{
		baseDir:     baseDir,
		catalogPath: filepath.Join(baseDir, "catalog.json"),
		tables:      make(map[string]*TableSchema),
		indexes:     make(map[string]*TableIndex),
		files:       make(map[int64]*TableFile),
		order:       btree.New(32),
		dropping:    make(map[string]bool),
	}

	if err := s.loadCatalog(); err != nil {
		return nil, err
	}

	log, err := openFileLog(filepath.Join(baseDir, "files.log"))
	if err != nil {
		return nil, err
	}
	s.log = log

	records, err := log.loadAll()
	if err != nil {
		return nil, err
	}
	for id, f := range records {
		s.files[id] = f
		s.order.ReplaceOrInsert(fileKey{TableID: f.TableID, Date: f.Date, FileID: f.FileID})
		if id >= s.nextFileID {
			s.nextFileID = id + 1
		}
	}

	return s, nil
}

func (s *Store) loadCatalog() error {
	data, err := os.ReadFile(s.catalogPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("meta: read catalog: %w", err)
	}
	var pc persistedCatalog
	if err := json.Unmarshal(data, &pc); err != nil {
		return fmt.Errorf("meta: decode catalog: %w", err)
	}
	if pc.Tables != nil {
		s.tables = pc.Tables
	}
	if pc.Indexes != nil {
		s.indexes = pc.Indexes
	}
	s.nextFileID = pc.NextFileID
	return nil
}

// saveCatalog persists table schemas and index params. Called with mu held.
func (s *Store) saveCatalog() error {
	pc := persistedCatalog{Tables: s.tables, Indexes: s.indexes, NextFileID: s.nextFileID}
	data, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.catalogPath, data, 0644)
}

// ---- table schema operations ----

func (s *Store) CreateTable(schema TableSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tables[schema.TableID]; exists {
		return ErrTableExists
	}

	now := time.Now()
	schema.CreatedAt = now
	schema.UpdatedAt = now
	schema.Deleted = false
	s.tables[schema.TableID] = &schema

	if err := os.MkdirAll(filepath.Join(s.baseDir, schema.TableID), 0755); err != nil {
		return fmt.Errorf("meta: create table dir: %w", err)
	}
	return s.saveCatalog()
}

func (s *Store) DescribeTable(tableID string) (TableSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableID]
	if !ok || t.Deleted {
		return TableSchema{}, ErrTableNotFound
	}
	return *t, nil
}

func (s *Store) HasTable(tableID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableID]
	return ok && !t.Deleted, nil
}

func (s *Store) AllTables() ([]TableSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TableSchema, 0, len(s.tables))
	for _, t := range s.tables {
		if !t.Deleted {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableID < out[j].TableID })
	return out, nil
}

// DeleteTable soft-deletes a table's schema. File cleanup is the caller's
// (coordinator's) responsibility, via DropPartitionsByDates or the TTL
// sweep once files are flipped to TO_DELETE.
func (s *Store) DeleteTable(tableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableID]
	if !ok || t.Deleted {
		return ErrTableNotFound
	}
	t.Deleted = true
	t.UpdatedAt = time.Now()
	delete(s.indexes, tableID)
	return s.saveCatalog()
}

func (s *Store) DropAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = make(map[string]*TableSchema)
	s.indexes = make(map[string]*TableIndex)
	s.files = make(map[int64]*TableFile)
	s.order = btree.New(32)
	return s.saveCatalog()
}

func (s *Store) UpdateTableFlag(tableID string, flag int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableID]
	if !ok || t.Deleted {
		return ErrTableNotFound
	}
	t.Flag = flag
	t.UpdatedAt = time.Now()
	return s.saveCatalog()
}

// SetDropping marks (or clears) a table as mid-delete, so InsertVectors can
// refuse new writes while a date-ranged drop is in flight (an open
// question: this implementation rejects inserts rather than leaving the
// race unresolved).
func (s *Store) SetDropping(tableID string, dropping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dropping {
		s.dropping[tableID] = true
	} else {
		delete(s.dropping, tableID)
	}
}

func (s *Store) IsDropping(tableID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropping[tableID]
}

// ---- table index operations ----

func (s *Store) UpdateTableIndex(idx TableIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[idx.TableID]; !ok {
		return ErrTableNotFound
	}
	cp := idx
	s.indexes[idx.TableID] = &cp
	return s.saveCatalog()
}

func (s *Store) DescribeTableIndex(tableID string) (TableIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[tableID]
	if !ok {
		return TableIndex{}, ErrIndexNotFound
	}
	return *idx, nil
}

func (s *Store) DropTableIndex(tableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indexes, tableID)
	return s.saveCatalog()
}

// ---- table file operations ----

// CreateTableFile allocates a file_id and location and inherits dimension,
// metric, engine type, index_file_size and nlist from the table's current
// schema/index, then appends the record — the caller supplies TableID,
// Date and FileType only.
func (s *Store) CreateTableFile(f *TableFile) error {
	s.mu.Lock()
	t, ok := s.tables[f.TableID]
	if !ok || t.Deleted {
		s.mu.Unlock()
		return ErrTableNotFound
	}

	id := atomic.AddInt64(&s.nextFileID, 1) - 1
	f.FileID = id
	f.Dimension = t.Dimension
	f.MetricType = t.MetricType
	f.IndexFileSize = t.IndexFileSize
	f.EngineType = t.EngineType
	if idx, ok := s.indexes[f.TableID]; ok {
		f.EngineType = idx.EngineType
		f.NList = idx.NList
	}
	f.Location = filepath.Join(s.baseDir, f.TableID, fmt.Sprintf("%d.dat", id))
	f.CreatedAt = time.Now()

	s.files[id] = f
	s.order.ReplaceOrInsert(fileKey{TableID: f.TableID, Date: f.Date, FileID: f.FileID})
	s.mu.Unlock()

	return s.log.append(f)
}

// UpdateTableFile applies a single validated state transition.
func (s *Store) UpdateTableFile(f *TableFile) error {
	s.mu.Lock()
	cur, ok := s.files[f.FileID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("meta: file %d not found", f.FileID)
	}
	if !IsValidTransition(cur.EngineType, cur.FileType, f.FileType) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.FileType, f.FileType)
	}
	if f.FileType == FileTypeToDelete && f.MarkedDeleteAt.IsZero() {
		f.MarkedDeleteAt = time.Now()
	}
	s.files[f.FileID] = f
	s.mu.Unlock()

	return s.log.append(f)
}

// UpdateTableFiles commits a batch of file transitions atomically in
// memory: either all validate and are applied under one lock, or none are.
// The log records are then appended one at a time, so a failed append can
// leave only part of the batch on disk. Used by MergeFiles so a merged
// target and its consumed sources change state together (the merge
// invariant).
func (s *Store) UpdateTableFiles(fs []*TableFile) error {
	s.mu.Lock()
	for _, f := range fs {
		cur, ok := s.files[f.FileID]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("meta: file %d not found", f.FileID)
		}
		if !IsValidTransition(cur.EngineType, cur.FileType, f.FileType) {
			s.mu.Unlock()
			return fmt.Errorf("%w: file %d %s -> %s", ErrInvalidTransition, f.FileID, cur.FileType, f.FileType)
		}
	}
	for _, f := range fs {
		if f.FileType == FileTypeToDelete && f.MarkedDeleteAt.IsZero() {
			f.MarkedDeleteAt = time.Now()
		}
		s.files[f.FileID] = f
	}
	s.mu.Unlock()

	for _, f := range fs {
		if err := s.log.append(f); err != nil {
			return err
		}
	}
	return nil
}

// UpdateTableFilesToIndex flips every current RAW file of a table to
// TO_INDEX, so the background index builder picks it up.
func (s *Store) UpdateTableFilesToIndex(tableID string) error {
	s.mu.Lock()
	var toUpdate []*TableFile
	for _, f := range s.files {
		if f.TableID == tableID && f.FileType == FileTypeRaw {
			cp := f.clone()
			cp.FileType = FileTypeToIndex
			toUpdate = append(toUpdate, cp)
		}
	}
	s.mu.Unlock()
	if len(toUpdate) == 0 {
		return nil
	}
	return s.UpdateTableFiles(toUpdate)
}

// FilesToSearch returns the files that satisfy a query: filtered to
// searchable states, optionally restricted to an explicit id set and/or a
// date set, grouped by date in file-listing (btree ascending) order.
func (s *Store) FilesToSearch(tableID string, ids map[int64]bool, dates map[int]bool) (map[int][]*TableFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int][]*TableFile)
	s.order.AscendRange(fileKey{TableID: tableID}, fileKey{TableID: tableID + "\xff"}, func(item btree.Item) bool {
		k := item.(fileKey)
		f := s.files[k.FileID]
		if f == nil || !searchableStates[f.FileType] {
			return true
		}
		if len(dates) > 0 && !dates[f.Date] {
			return true
		}
		if len(ids) > 0 && !ids[f.FileID] {
			return true
		}
		out[f.Date] = append(out[f.Date], f)
		return true
	})
	return out, nil
}

// FilesToMerge groups a table's freshly-serialized NEW files by date, in
// file-listing order, for the background compactor.
func (s *Store) FilesToMerge(tableID string) (map[int][]*TableFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int][]*TableFile)
	s.order.AscendRange(fileKey{TableID: tableID}, fileKey{TableID: tableID + "\xff"}, func(item btree.Item) bool {
		k := item.(fileKey)
		f := s.files[k.FileID]
		if f != nil && f.FileType == mergeableState {
			out[f.Date] = append(out[f.Date], f)
		}
		return true
	})
	return out, nil
}

// FilesToIndex returns every TO_INDEX file across all tables.
func (s *Store) FilesToIndex() ([]*TableFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TableFile
	for _, f := range s.files {
		if f.FileType == FileTypeToIndex {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out, nil
}

// FilesByType returns the ids of a table's files currently in one of the
// given states — used by CreateIndex's polling loop.
func (s *Store) FilesByType(tableID string, types []FileType) ([]int64, error) {
	want := make(map[FileType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for _, f := range s.files {
		if f.TableID == tableID && want[f.FileType] {
			out = append(out, f.FileID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Count sums row_count across a table's files, excluding ones pending
// physical removal.
func (s *Store) Count(tableID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tables[tableID]; !ok || t.Deleted {
		return 0, ErrTableNotFound
	}
	var total int64
	for _, f := range s.files {
		if f.TableID == tableID && f.FileType != FileTypeToDelete {
			total += f.RowCount
		}
	}
	return total, nil
}

// Size sums on-disk bytes across every file of every table, including
// ones marked TO_DELETE but not yet TTL-reclaimed (they still occupy
// disk).
func (s *Store) Size() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, f := range s.files {
		total += f.FileSize
	}
	return total, nil
}

// DropPartitionsByDates marks a table's files for the given dates
// TO_DELETE, without touching the table schema itself. A nil/empty dates
// set matches every date for the table.
func (s *Store) DropPartitionsByDates(tableID string, dates map[int]bool) error {
	s.mu.Lock()
	var toUpdate []*TableFile
	for _, f := range s.files {
		if f.TableID != tableID || f.FileType == FileTypeToDelete {
			continue
		}
		if len(dates) > 0 && !dates[f.Date] {
			continue
		}
		cp := f.clone()
		cp.FileType = FileTypeToDelete
		cp.MarkedDeleteAt = time.Now()
		toUpdate = append(toUpdate, cp)
	}
	s.mu.Unlock()
	if len(toUpdate) == 0 {
		return nil
	}
	return s.UpdateTableFiles(toUpdate)
}

// MarkTableFilesDeleted flips every remaining file of a (soft-deleted)
// table to TO_DELETE — used by the DeleteJob once the scheduler has
// released any cached artifacts for the table.
func (s *Store) MarkTableFilesDeleted(tableID string) error {
	return s.DropPartitionsByDates(tableID, nil)
}

// Archive performs long-horizon housekeeping. The teacher's equivalent
// components don't keep cross-table history here either; this is a hook
// for future work (e.g. rewriting the file log to drop TO_DELETE rows
// long since reclaimed), left a no-op that always returns nil.
func (s *Store) Archive() error {
	return nil
}

// CleanUpFilesWithTTL physically removes files that have been TO_DELETE
// for at least ttl.
func (s *Store) CleanUpFilesWithTTL(ttl time.Duration) error {
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	var reclaimedLocations []string
	for id, f := range s.files {
		if f.FileType != FileTypeToDelete || f.MarkedDeleteAt.IsZero() || !f.MarkedDeleteAt.Before(cutoff) {
			continue
		}
		reclaimedLocations = append(reclaimedLocations, f.Location)
		delete(s.files, id)
		s.order.Delete(fileKey{TableID: f.TableID, Date: f.Date, FileID: f.FileID})
	}
	remaining := make(map[int64]*TableFile, len(s.files))
	for id, f := range s.files {
		remaining[id] = f
	}
	s.mu.Unlock()

	for _, loc := range reclaimedLocations {
		_ = os.Remove(loc) // best-effort: engine artifact may already be gone
	}
	return s.log.compact(remaining)
}

// CleanUp is called once at Stop() time: compact the file log so the next
// Open() doesn't have to replay superseded records.
func (s *Store) CleanUp() error {
	s.mu.RLock()
	snapshot := make(map[int64]*TableFile, len(s.files))
	for id, f := range s.files {
		snapshot[id] = f
	}
	s.mu.RUnlock()
	return s.log.compact(snapshot)
}

func (s *Store) Close() error {
	return s.log.close()
}
