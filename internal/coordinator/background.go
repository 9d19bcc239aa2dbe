package coordinator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/podcopic-labs/vectorcore/internal/engine"
	"github.com/podcopic-labs/vectorcore/internal/meta"
	"github.com/podcopic-labs/vectorcore/internal/scheduler"
)

// Start spawns the background timer thread (unless the coordinator runs
// read-only) and clears the shutdown flag. Idempotent.
func (c *Coordinator) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.shuttingDown.Store(false)
	if c.opts.Mode == ModeClusterReadonly {
		return
	}
	c.timerStop = make(chan struct{})
	c.timerDone = make(chan struct{})
	go c.timerLoop()
}

// Stop is idempotent: flushes buffered inserts, joins the timer thread, and
// finalizes the metadata log. Must be called before discarding the
// coordinator.
func (c *Coordinator) Stop() {
	if !c.started.CompareAndSwap(true, false) {
		return
	}
	c.shuttingDown.Store(true)

	if err := c.mem.SerializeAll(); err != nil {
		log.Printf("coordinator: stop: mem serialize: %v", err)
	}

	if c.timerStop != nil {
		close(c.timerStop)
		<-c.timerDone
	}

	if c.opts.Mode != ModeClusterReadonly {
		if err := c.meta.CleanUp(); err != nil {
			log.Printf("coordinator: stop: meta cleanup: %v", err)
		}
	}
}

// timerLoop is the dedicated timer thread: metrics, then compaction, then
// index, every tick, strictly in that order. On shutdown it drains
// the merge future before the index future, per DBImpl::BackgroundTimerTask.
func (c *Coordinator) timerLoop() {
	defer close(c.timerDone)
	ticker := time.NewTicker(c.opts.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.timerStop:
			c.waitMergeFileFinish()
			c.waitBuildIndexFinish()
			return
		case <-ticker.C:
			c.refreshMetrics()
			c.compactionStep()
			c.indexStep()
		}
	}
}

// refreshMetrics stands in for DBImpl's CollectMergeFilesMetrics-adjacent
// gauge refresh: no metrics framework is wired up yet, so this is
// just a log line reporting cache pressure each tick.
func (c *Coordinator) refreshMetrics() {
	log.Printf("coordinator: tick cache_usage=%d/%d", c.cache.Usage(), c.cache.Capacity())
}

// ---- compaction ----

// MemSerialize flushes every table's buffered inserts to NEW files under
// mem_serialize_mutex, then adds every live table id to compact_table_ids,
// whether or not that table had buffered rows; the set is not narrowed to
// the tables that were flushed.
func (c *Coordinator) MemSerialize() {
	c.memSerializeMu.Lock()
	defer c.memSerializeMu.Unlock()

	if err := c.mem.SerializeAll(); err != nil {
		log.Printf("coordinator: mem serialize: %v", err)
		return
	}
	ids, err := c.meta.AllTables()
	if err != nil {
		log.Printf("coordinator: mem serialize: list tables: %v", err)
		return
	}
	for _, t := range ids {
		c.compactTableIDs[t.TableID] = true
	}
}

func (c *Coordinator) compactionStep() {
	c.MemSerialize()

	c.compactResultMu.Lock()
	if f := c.compactFuture; f != nil {
		select {
		case <-f.done:
			if f.err != nil {
				log.Printf("coordinator: background compaction: %v", f.err)
			}
			c.compactFuture = nil
		case <-time.After(10 * time.Millisecond):
		}
	}
	running := c.compactFuture != nil
	c.compactResultMu.Unlock()
	if running {
		return
	}

	c.memSerializeMu.Lock()
	snapshot := make([]string, 0, len(c.compactTableIDs))
	for id := range c.compactTableIDs {
		snapshot = append(snapshot, id)
	}
	c.compactTableIDs = make(map[string]bool)
	c.memSerializeMu.Unlock()
	if len(snapshot) == 0 {
		return
	}
	sort.Strings(snapshot)

	f := newFuture()
	c.compactResultMu.Lock()
	c.compactFuture = f
	c.compactResultMu.Unlock()
	go func() {
		f.finish(c.backgroundCompaction(snapshot))
	}()
}

func (c *Coordinator) backgroundCompaction(tableIDs []string) error {
	for _, id := range tableIDs {
		if c.isShuttingDown() {
			break
		}
		if err := c.backgroundMergeFiles(id); err != nil {
			log.Printf("coordinator: background merge table=%s: %v", id, err)
		}
	}

	if err := c.meta.Archive(); err != nil {
		log.Printf("coordinator: archive: %v", err)
	}
	if err := c.meta.CleanUpFilesWithTTL(c.opts.ttl()); err != nil {
		log.Printf("coordinator: cleanup ttl: %v", err)
	}
	return nil
}

func (c *Coordinator) backgroundMergeFiles(tableID string) error {
	byDate, err := c.meta.FilesToMerge(tableID)
	if err != nil {
		return fmt.Errorf("files to merge: %w", err)
	}
	dates := make([]int, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Ints(dates)

	for _, date := range dates {
		if c.isShuttingDown() {
			break
		}
		files := byDate[date]
		if len(files) < c.opts.mergeTrigger() {
			continue
		}
		if err := c.mergeFiles(tableID, date, files); err != nil {
			log.Printf("coordinator: merge files table=%s date=%d: %v", tableID, date, err)
		}
	}
	return nil
}

// mergeFiles folds same-date NEW files into one
// NEW_MERGE target, stopping once the target reaches index_file_size, then
// commit the whole batch (target + consumed sources) atomically.
func (c *Coordinator) mergeFiles(tableID string, date int, files []*meta.TableFile) error {
	target := &meta.TableFile{TableID: tableID, Date: date, FileType: meta.FileTypeNewMerge}
	if err := c.meta.CreateTableFile(target); err != nil {
		return fmt.Errorf("create merge target: %w", err)
	}

	eng, err := engine.Build(target.Dimension, target.Location, target.EngineType, target.MetricType, target.NList)
	if err != nil {
		target.FileType = meta.FileTypeToDelete
		if uerr := c.meta.UpdateTableFile(target); uerr != nil {
			log.Printf("coordinator: merge: mark failed target deleted: %v", uerr)
		}
		return fmt.Errorf("build merge engine: %w", err)
	}
	defer eng.Close()

	var consumed []*meta.TableFile
	for _, f := range files {
		src, err := engine.Load(f.Dimension, f.Location, f.EngineType, f.MetricType, f.NList)
		if err != nil {
			log.Printf("coordinator: merge: load source file=%d: %v", f.FileID, err)
			continue
		}
		ids, vecs, err := src.All()
		src.Close()
		if err != nil {
			log.Printf("coordinator: merge: read source file=%d: %v", f.FileID, err)
			continue
		}
		if len(ids) > 0 {
			if err := eng.AddVectors(ids, vecs); err != nil {
				log.Printf("coordinator: merge: add source file=%d: %v", f.FileID, err)
				continue
			}
		}
		consumed = append(consumed, f)

		if eng.Size() >= target.IndexFileSize {
			break // leave the remaining files for the next tick
		}
	}

	if err := eng.Serialize(); err != nil {
		target.FileType = meta.FileTypeToDelete
		if uerr := c.meta.UpdateTableFile(target); uerr != nil {
			log.Printf("coordinator: merge: mark failed target deleted: %v", uerr)
		}
		return fmt.Errorf("serialize merge target: %w", err)
	}

	size, err := eng.PhysicalSize()
	if err != nil {
		return fmt.Errorf("merge target physical size: %w", err)
	}

	next := target.Clone()
	next.FileSize = size
	next.RowCount = eng.Count()
	if target.EngineType == meta.EngineIDMap {
		next.FileType = meta.FileTypeRaw
	} else if size >= target.IndexFileSize {
		next.FileType = meta.FileTypeToIndex
	} else {
		next.FileType = meta.FileTypeRaw
	}

	batch := make([]*meta.TableFile, 0, len(consumed)+1)
	batch = append(batch, next)
	for _, f := range consumed {
		del := f.Clone()
		del.FileType = meta.FileTypeToDelete
		batch = append(batch, del)
	}
	if err := c.meta.UpdateTableFiles(batch); err != nil {
		return fmt.Errorf("commit merge batch: %w", err)
	}

	if c.opts.InsertCacheImmediately {
		if cached, err := engine.Load(next.Dimension, next.Location, next.EngineType, next.MetricType, next.NList); err == nil {
			if err := cached.Cache(); err != nil {
				log.Printf("coordinator: merge: cache warm file=%d: %v", next.FileID, err)
			}
			c.cache.Insert(next.FileID, cached, size)
		}
	}
	return nil
}

// ---- index builder ----

func (c *Coordinator) waitBuildIndexFinish() {
	c.indexResultMu.Lock()
	f := c.indexFuture
	c.indexResultMu.Unlock()
	if f == nil {
		return
	}
	<-f.done
}

func (c *Coordinator) indexStep() {
	c.indexResultMu.Lock()
	if f := c.indexFuture; f != nil {
		select {
		case <-f.done:
			if f.err != nil {
				log.Printf("coordinator: background build index: %v", f.err)
			}
			c.indexFuture = nil
		case <-time.After(10 * time.Millisecond):
		}
	}
	running := c.indexFuture != nil
	c.indexResultMu.Unlock()
	if running {
		return
	}

	f := newFuture()
	c.indexResultMu.Lock()
	c.indexFuture = f
	c.indexResultMu.Unlock()
	go func() {
		f.finish(c.backgroundBuildIndex())
	}()
}

// backgroundBuildIndex holds build_index_mutex for the duration of the
// build so a concurrent CreateIndex observes the in-progress state and
// blocks briefly rather than racing a reordering of TableIndex.
func (c *Coordinator) backgroundBuildIndex() error {
	c.buildIndexMu.Lock()
	defer c.buildIndexMu.Unlock()

	files, err := c.meta.FilesToIndex()
	if err != nil {
		return fmt.Errorf("files to index: %w", err)
	}
	if len(files) == 0 {
		return nil
	}

	job := scheduler.NewBuildIndexJob(files, func(j *scheduler.BuildIndexJob) error {
		return c.buildIndexFiles(j.Files)
	})
	if err := c.jobMgr.PutBuildIndex(context.Background(), job); err != nil {
		return fmt.Errorf("submit build index job: %w", err)
	}
	if status := job.WaitBuildIndexFinish(); !status.OK() {
		log.Printf("coordinator: build index job: %v", status.Err)
	}
	return nil
}

// buildIndexFiles is the BuildIndexJob's Run closure: train each TO_INDEX
// file's engine in place and promote it to NEW_INDEX then INDEX. A single
// file's failure is logged and skipped, not propagated (this mirrors the
// policy) so one bad shard doesn't stall the rest of the batch.
func (c *Coordinator) buildIndexFiles(files []*meta.TableFile) error {
	for _, f := range files {
		if err := c.buildOneIndex(f); err != nil {
			log.Printf("coordinator: build index file=%d: %v", f.FileID, err)
		}
	}
	return nil
}

func (c *Coordinator) buildOneIndex(f *meta.TableFile) error {
	eng, err := engine.Load(f.Dimension, f.Location, f.EngineType, f.MetricType, f.NList)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	defer eng.Close()

	building := f.Clone()
	building.FileType = meta.FileTypeNewIndex
	if err := c.meta.UpdateTableFile(building); err != nil {
		return fmt.Errorf("mark new_index: %w", err)
	}

	if err := eng.BuildIndex(); err != nil {
		failed := building.Clone()
		failed.FileType = meta.FileTypeToDelete
		if uerr := c.meta.UpdateTableFile(failed); uerr != nil {
			log.Printf("coordinator: build index: mark failed file deleted: %v", uerr)
		}
		return fmt.Errorf("build: %w", err)
	}
	if err := eng.Serialize(); err != nil {
		return fmt.Errorf("serialize: %w", err)
	}

	done := building.Clone()
	done.FileType = meta.FileTypeIndex
	if size, err := eng.PhysicalSize(); err == nil {
		done.FileSize = size
	}
	return c.meta.UpdateTableFile(done)
}
