// Package coordinator wires the metadata store, memory manager, index
// engine, CPU cache and scheduler into the single entry point client code
// drives: create tables, insert vectors, build indexes, and query. It is
// the direct descendant of DBImpl in original_source/core/src/db/DBImpl.cpp,
// generalized from Milvus's whole-table FAISS engine to the per-file
// IndexEngine abstraction internal/engine exposes.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/podcopic-labs/vectorcore/internal/cache"
	"github.com/podcopic-labs/vectorcore/internal/engine"
	"github.com/podcopic-labs/vectorcore/internal/memmanager"
	"github.com/podcopic-labs/vectorcore/internal/meta"
	"github.com/podcopic-labs/vectorcore/internal/scheduler"
)

// Coordinator is the engine coordinator. Every collaborator is
// injected at construction rather than reached through package-level state.
type Coordinator struct {
	opts Options

	meta   *meta.Store
	mem    *memmanager.Manager
	cache  *cache.Manager
	jobMgr *scheduler.JobMgr
	resMgr scheduler.ResourceManager

	shuttingDown atomic.Bool
	started      atomic.Bool

	buildIndexMu    sync.Mutex
	compactResultMu sync.Mutex
	indexResultMu   sync.Mutex
	memSerializeMu  sync.Mutex

	compactTableIDs map[string]bool // pending tables for the next compaction pass

	compactFuture *future
	indexFuture   *future

	timerStop chan struct{}
	timerDone chan struct{}
}

// future tracks one outstanding BackgroundCompaction/BackgroundBuildIndex
// pass, reaped by a short timed wait the way DBImpl polls std::future::wait_for.
type future struct {
	done chan struct{}
	err  error
}

func newFuture() *future { return &future{done: make(chan struct{})} }

func (f *future) finish(err error) {
	f.err = err
	close(f.done)
}

// New builds a coordinator over a metadata store rooted at opts.BaseDir.
// The coordinator owns the store, memory manager, cache and scheduler it
// constructs; callers call Start to begin background work and Stop before
// discarding it.
func New(opts Options) (*Coordinator, error) {
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("coordinator: %w: empty base dir", ErrInvalidArgument)
	}

	store, err := meta.Open(opts.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open meta store: %w", err)
	}

	cacheMgr, err := cache.New(opts.CacheCapacityBytes, opts.CacheMaxEntries)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("coordinator: create cache: %w", err)
	}

	c := &Coordinator{
		opts:            opts,
		meta:            store,
		mem:             memmanager.New(opts.BaseDir, store),
		cache:           cacheMgr,
		jobMgr:          scheduler.NewJobMgr(opts.NumWorkers),
		resMgr:          scheduler.NewStaticResourceManager(opts.NumWorkers),
		compactTableIDs: make(map[string]bool),
	}
	return c, nil
}

func (c *Coordinator) isShuttingDown() bool { return c.shuttingDown.Load() }

func wrapMeta(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrMetaError, err)
}

// ---- table operations ----

func (c *Coordinator) CreateTable(schema meta.TableSchema, indexFileSizeMB int64) error {
	if c.isShuttingDown() {
		return ErrShuttingDown
	}
	if schema.TableID == "" || schema.Dimension <= 0 {
		return fmt.Errorf("%w: table_id and positive dimension required", ErrInvalidArgument)
	}
	schema.IndexFileSize = indexFileSizeMB * bytesPerMB

	err := c.meta.CreateTable(schema)
	if err == meta.ErrTableExists {
		return ErrAlreadyExists
	}
	return wrapMeta(err)
}

func (c *Coordinator) DescribeTable(tableID string) (meta.TableSchema, error) {
	if c.isShuttingDown() {
		return meta.TableSchema{}, ErrShuttingDown
	}
	s, err := c.meta.DescribeTable(tableID)
	if err == meta.ErrTableNotFound {
		return meta.TableSchema{}, ErrNotFound
	}
	if err != nil {
		return meta.TableSchema{}, wrapMeta(err)
	}
	s.IndexFileSize /= bytesPerMB
	return s, nil
}

func (c *Coordinator) HasTable(tableID string) (bool, error) {
	if c.isShuttingDown() {
		return false, ErrShuttingDown
	}
	ok, err := c.meta.HasTable(tableID)
	return ok, wrapMeta(err)
}

func (c *Coordinator) AllTables() ([]meta.TableSchema, error) {
	if c.isShuttingDown() {
		return nil, ErrShuttingDown
	}
	ts, err := c.meta.AllTables()
	return ts, wrapMeta(err)
}

// DeleteTable follows DBImpl::DropTable: with no dates, it drops the table's
// in-memory buffer, soft-deletes the schema (after which inserts fail with
// ErrNotFound), then submits a DeleteJob and waits for it to release the
// table's cached artifacts and mark its files TO_DELETE for the TTL sweep.
// With dates, it only drops the named partitions and
// rejects inserts for the duration of that narrower drop (open question
// decision — see DESIGN.md).
func (c *Coordinator) DeleteTable(tableID string, dates map[int]bool) error {
	if c.isShuttingDown() {
		return ErrShuttingDown
	}

	if len(dates) == 0 {
		c.mem.EraseMemVector(tableID)
		if err := c.meta.DeleteTable(tableID); err != nil {
			if err == meta.ErrTableNotFound {
				return ErrNotFound
			}
			return wrapMeta(err)
		}

		job := scheduler.NewDeleteJob(tableID, c.resMgr.NumComputeResource(), func(j *scheduler.DeleteJob) error {
			// Release every file a query or preload may have cached before
			// the files are marked for deletion.
			cached, err := c.meta.FilesByType(j.TableID, []meta.FileType{meta.FileTypeRaw, meta.FileTypeToIndex, meta.FileTypeIndex})
			if err != nil {
				return err
			}
			for _, id := range cached {
				c.cache.Release(id)
			}
			return c.meta.MarkTableFilesDeleted(j.TableID)
		})
		if err := c.jobMgr.PutDelete(context.Background(), job); err != nil {
			return fmt.Errorf("%w: %v", ErrJobError, err)
		}
		if status := job.WaitAndDelete(); !status.OK() {
			return fmt.Errorf("%w: %v", ErrJobError, status.Err)
		}
		return nil
	}

	c.meta.SetDropping(tableID, true)
	defer c.meta.SetDropping(tableID, false)
	return wrapMeta(c.meta.DropPartitionsByDates(tableID, dates))
}

func (c *Coordinator) UpdateTableFlag(tableID string, flag int64) error {
	if c.isShuttingDown() {
		return ErrShuttingDown
	}
	err := c.meta.UpdateTableFlag(tableID, flag)
	if err == meta.ErrTableNotFound {
		return ErrNotFound
	}
	return wrapMeta(err)
}

func (c *Coordinator) GetTableRowCount(tableID string) (int64, error) {
	if c.isShuttingDown() {
		return 0, ErrShuttingDown
	}
	n, err := c.meta.Count(tableID)
	if err == meta.ErrTableNotFound {
		return 0, ErrNotFound
	}
	return n, wrapMeta(err)
}

// InsertVectors routes a batch to the memory manager, durable behind its
// WAL before this call returns. A table mid-date-ranged-drop
// refuses new inserts (open question decision).
func (c *Coordinator) InsertVectors(tableID string, n int, vectors []float32, ids []int64) ([]int64, error) {
	if c.isShuttingDown() {
		return nil, ErrShuttingDown
	}
	if n <= 0 || len(vectors) == 0 {
		return nil, fmt.Errorf("%w: empty vector batch", ErrInvalidArgument)
	}
	if c.meta.IsDropping(tableID) {
		return nil, fmt.Errorf("%w: table %s is mid-drop", ErrInvalidArgument, tableID)
	}

	schema, err := c.meta.DescribeTable(tableID)
	if err == meta.ErrTableNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapMeta(err)
	}
	if len(vectors) != n*schema.Dimension {
		return nil, fmt.Errorf("%w: expected %d floats for n=%d dim=%d, got %d",
			ErrInvalidArgument, n*schema.Dimension, n, schema.Dimension, len(vectors))
	}
	if len(ids) != 0 && len(ids) != n {
		return nil, fmt.Errorf("%w: %d ids for %d vectors", ErrInvalidArgument, len(ids), n)
	}

	defer func(start time.Time) {
		log.Printf("coordinator: insert table=%s n=%d took=%s", tableID, n, time.Since(start))
	}(time.Now())

	newIDs, err := c.mem.InsertVectors(tableID, schema.Dimension, ids, vectors)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetaError, err)
	}
	return newIDs, nil
}

// DescribeIndex / DropIndex read or clear a table's TableIndex in meta.
func (c *Coordinator) DescribeIndex(tableID string) (meta.TableIndex, error) {
	if c.isShuttingDown() {
		return meta.TableIndex{}, ErrShuttingDown
	}
	idx, err := c.meta.DescribeTableIndex(tableID)
	if err == meta.ErrIndexNotFound {
		return meta.TableIndex{}, ErrNotFound
	}
	return idx, wrapMeta(err)
}

func (c *Coordinator) DropIndex(tableID string) error {
	if c.isShuttingDown() {
		return ErrShuttingDown
	}
	return wrapMeta(c.meta.DropTableIndex(tableID))
}

// PreloadTable admits today's searchable files into the CPU
// cache in file-listing order, refusing to exceed the remaining budget.
func (c *Coordinator) PreloadTable(tableID string) error {
	if c.isShuttingDown() {
		return ErrShuttingDown
	}
	byDate, err := c.meta.FilesToSearch(tableID, nil, map[int]bool{dateToday(): true})
	if err != nil {
		return wrapMeta(err)
	}

	available := c.cache.Capacity() - c.cache.Usage()
	var cumulative int64
	for _, f := range byDate[dateToday()] {
		if c.cache.Capacity() > 0 && cumulative+f.FileSize > available {
			return ErrCacheFull
		}
		eng, err := engine.Load(f.Dimension, f.Location, f.EngineType, f.MetricType, f.NList)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEngineError, err)
		}
		if err := eng.Cache(); err != nil {
			eng.Close()
			return fmt.Errorf("%w: %v", ErrEngineError, err)
		}
		size, _ := eng.PhysicalSize()
		if !c.cache.Insert(f.FileID, eng, size) {
			eng.Close()
			return ErrCacheFull
		}
		cumulative += size
	}
	return nil
}

func (c *Coordinator) Size() (int64, error) {
	if c.isShuttingDown() {
		return 0, ErrShuttingDown
	}
	n, err := c.meta.Size()
	return n, wrapMeta(err)
}

func (c *Coordinator) DropAll() error {
	if c.isShuttingDown() {
		return ErrShuttingDown
	}
	c.cache.Purge()
	return wrapMeta(c.meta.DropAll())
}

func dateToday() int {
	now := time.Now().UTC()
	return now.Year()*10000 + int(now.Month())*100 + now.Day()
}
