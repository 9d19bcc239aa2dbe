package coordinator

import (
	"time"

	"github.com/podcopic-labs/vectorcore/internal/meta"
)

// CreateIndex brings every non-index file of the table into
// INDEX (or RAW, for IDMAP tables) using the requested engine_type/nlist.
// It is level-triggered and idempotent — the caller just waits for the
// steady state; the background index builder does the actual work.
func (c *Coordinator) CreateIndex(tableID string, requested meta.TableIndex) error {
	if c.isShuttingDown() {
		return ErrShuttingDown
	}

	schema, err := c.meta.DescribeTable(tableID)
	if err == meta.ErrTableNotFound {
		return ErrNotFound
	}
	if err != nil {
		return wrapMeta(err)
	}

	c.buildIndexMu.Lock()
	effective := requested
	effective.TableID = tableID
	cur, describeErr := c.meta.DescribeTableIndex(tableID)
	if describeErr == nil {
		effective.MetricType = cur.MetricType // metric is immutable once set
	} else {
		effective.MetricType = schema.MetricType
	}

	changed := describeErr != nil || !meta.IsSameIndex(cur, effective)
	if changed {
		if err := c.meta.DropTableIndex(tableID); err != nil {
			c.buildIndexMu.Unlock()
			return wrapMeta(err)
		}
		if err := c.meta.UpdateTableIndex(effective); err != nil {
			c.buildIndexMu.Unlock()
			return wrapMeta(err)
		}
	}
	c.buildIndexMu.Unlock()

	c.waitMergeFileFinish()

	var watched []meta.FileType
	if effective.EngineType == meta.EngineIDMap {
		watched = []meta.FileType{meta.FileTypeNew, meta.FileTypeNewMerge}
	} else {
		watched = []meta.FileType{meta.FileTypeRaw, meta.FileTypeNew, meta.FileTypeNewMerge, meta.FileTypeNewIndex, meta.FileTypeToIndex}
	}

	attempts := 0
	for {
		if c.isShuttingDown() {
			return ErrShuttingDown
		}
		pending, err := c.meta.FilesByType(tableID, watched)
		if err != nil {
			return wrapMeta(err)
		}
		if len(pending) == 0 {
			return nil
		}
		if effective.EngineType != meta.EngineIDMap {
			if err := c.meta.UpdateTableFilesToIndex(tableID); err != nil {
				return wrapMeta(err)
			}
		}
		attempts++
		sleep := time.Duration(attempts) * 100 * time.Millisecond
		if sleep > 10*time.Second {
			sleep = 10 * time.Second
		}
		time.Sleep(sleep)
	}
}

// waitMergeFileFinish drains any outstanding compaction future so merges
// and a fresh CreateIndex call never race.
func (c *Coordinator) waitMergeFileFinish() {
	c.compactResultMu.Lock()
	f := c.compactFuture
	c.compactResultMu.Unlock()
	if f == nil {
		return
	}
	<-f.done
}
