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

// Query is the default overload: search today's date only.
func (c *Coordinator) Query(tableID string, k, nq, nprobe int, vectors []float32) ([]int64, []float32, error) {
	return c.QueryByDates(tableID, map[int]bool{dateToday(): true}, k, nq, nprobe, vectors)
}

// QueryByDates searches the file set FilesToSearch returns for the given
// dates, flattened in enumeration order.
func (c *Coordinator) QueryByDates(tableID string, dates map[int]bool, k, nq, nprobe int, vectors []float32) ([]int64, []float32, error) {
	if c.isShuttingDown() {
		return nil, nil, ErrShuttingDown
	}
	if err := validateQueryArgs(k, nq, vectors); err != nil {
		return nil, nil, err
	}
	byDate, err := c.meta.FilesToSearch(tableID, nil, dates)
	if err != nil {
		return nil, nil, wrapMeta(err)
	}
	return c.queryAsync(tableID, flattenByDate(byDate), k, nq, nprobe, vectors)
}

// QueryByFileIDs restricts the search to an explicit file id set.
// An empty resulting file set after filtering is an InvalidFileId failure.
func (c *Coordinator) QueryByFileIDs(tableID string, fileIDs []int64, dates map[int]bool, k, nq, nprobe int, vectors []float32) ([]int64, []float32, error) {
	if c.isShuttingDown() {
		return nil, nil, ErrShuttingDown
	}
	if err := validateQueryArgs(k, nq, vectors); err != nil {
		return nil, nil, err
	}
	idSet := make(map[int64]bool, len(fileIDs))
	for _, id := range fileIDs {
		idSet[id] = true
	}
	byDate, err := c.meta.FilesToSearch(tableID, idSet, dates)
	if err != nil {
		return nil, nil, wrapMeta(err)
	}
	files := flattenByDate(byDate)
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("%w: no matching file id", ErrInvalidArgument)
	}
	return c.queryAsync(tableID, files, k, nq, nprobe, vectors)
}

func validateQueryArgs(k, nq int, vectors []float32) error {
	if k <= 0 || nq <= 0 || len(vectors) == 0 {
		return fmt.Errorf("%w: k and nq must be positive and vectors non-empty", ErrInvalidArgument)
	}
	if len(vectors)%nq != 0 {
		return fmt.Errorf("%w: vectors length %d not a multiple of nq=%d", ErrInvalidArgument, len(vectors), nq)
	}
	return nil
}

func flattenByDate(byDate map[int][]*meta.TableFile) []*meta.TableFile {
	dates := make([]int, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Ints(dates)
	var out []*meta.TableFile
	for _, d := range dates {
		out = append(out, byDate[d]...)
	}
	return out
}

// queryAsync builds a SearchJob over files, submits it, and blocks for the
// result — the single reduction point all three Query overloads funnel
// through. nprobe is accepted for interface parity with the
// original Milvus signature but the faiss index wrapper this module builds
// on (internal/engine) exposes no runtime nprobe knob; see DESIGN.md.
func (c *Coordinator) queryAsync(tableID string, files []*meta.TableFile, k, nq, nprobe int, vectors []float32) ([]int64, []float32, error) {
	_ = nprobe
	log.Printf("coordinator: query table=%s files=%d nq=%d cache_usage=%d/%d", tableID, len(files), nq, c.cache.Usage(), c.cache.Capacity())

	start := time.Now()
	j := scheduler.NewSearchJob(vectors, k, nq, files, func(job *scheduler.SearchJob) ([]int64, []float32, error) {
		return c.runSearch(job.Query, job.K, job.NQ, job.Files)
	})
	if err := c.jobMgr.PutSearch(context.Background(), j); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrJobError, err)
	}
	status := j.WaitResult()
	log.Printf("coordinator: query table=%s done took=%s cache_usage=%d/%d", tableID, time.Since(start), c.cache.Usage(), c.cache.Capacity())
	if !status.OK() {
		return nil, nil, fmt.Errorf("%w: %v", ErrJobError, status.Err)
	}
	return j.GetResultIDs(), j.GetResultDistances(), nil
}

// runSearch is the SearchJob.Run closure: split the nq packed query
// vectors apart, search each one across every candidate file, merge each
// query's per-file hits into its own top-k list, and concatenate the nq
// lists into one ids[nq*k]/distances[nq*k] pair in query order.
func (c *Coordinator) runSearch(query []float32, k, nq int, files []*meta.TableFile) ([]int64, []float32, error) {
	if nq <= 0 {
		return nil, nil, fmt.Errorf("%w: nq must be positive", ErrInvalidArgument)
	}
	if len(query)%nq != 0 {
		return nil, nil, fmt.Errorf("%w: query length %d not a multiple of nq=%d", ErrInvalidArgument, len(query), nq)
	}
	dim := len(query) / nq

	engines := make([]engine.IndexEngine, len(files))
	for i, f := range files {
		eng, ok := c.cache.Get(f.FileID)
		if !ok {
			loaded, err := engine.Load(f.Dimension, f.Location, f.EngineType, f.MetricType, f.NList)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: load file %d: %v", ErrEngineError, f.FileID, err)
			}
			if err := loaded.Cache(); err != nil {
				loaded.Close()
				return nil, nil, fmt.Errorf("%w: cache warm file %d: %v", ErrEngineError, f.FileID, err)
			}
			if size, sizeErr := loaded.PhysicalSize(); sizeErr == nil {
				c.cache.Insert(f.FileID, loaded, size)
			}
			eng = loaded
		}
		engines[i] = eng
	}

	allIDs := make([]int64, 0, nq*k)
	allDists := make([]float32, 0, nq*k)
	for qi := 0; qi < nq; qi++ {
		sub := query[qi*dim : (qi+1)*dim]
		ids, dists, err := searchOneQuery(sub, k, files, engines)
		if err != nil {
			return nil, nil, err
		}
		for len(ids) < k {
			ids = append(ids, -1) // faiss's own unfilled-slot sentinel, kept for a fixed-width result
			dists = append(dists, 0)
		}
		allIDs = append(allIDs, ids...)
		allDists = append(allDists, dists...)
	}
	return allIDs, allDists, nil
}

// searchOneQuery merges one query vector's hits across every candidate
// file into a single top-k list.
func searchOneQuery(query []float32, k int, files []*meta.TableFile, engines []engine.IndexEngine) ([]int64, []float32, error) {
	type hit struct {
		id   int64
		dist float32
	}
	var hits []hit

	for fi, f := range files {
		ids, dists, err := engines[fi].Search(query, k)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: search file %d: %v", ErrEngineError, f.FileID, err)
		}
		for i, id := range ids {
			if id < 0 {
				continue // faiss returns -1 for unfilled slots when fewer than k match
			}
			hits = append(hits, hit{id: id, dist: dists[i]})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	if len(hits) > k {
		hits = hits[:k]
	}
	ids := make([]int64, len(hits))
	dists := make([]float32, len(hits))
	for i, h := range hits {
		ids[i] = h.id
		dists[i] = h.dist
	}
	return ids, dists, nil
}
