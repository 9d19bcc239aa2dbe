package scheduler

import (
	"sync"

	"github.com/podcopic-labs/vectorcore/internal/meta"
)

// Status is a job's lifecycle state, mirroring DBImpl.cpp's job->GetStatus()
// checks after WaitResult/WaitAndDelete/WaitBuildIndexFinish.
type Status struct {
	Err error
}

func (s Status) OK() bool { return s.Err == nil }

// SearchJob runs a top-k (or range) search across a fixed set of
// candidate files and collects merged results, mirroring
// scheduler::SearchJob's AddIndexFile/WaitResult/GetResultIds contract.
type SearchJob struct {
	Query []float32 // NQ query vectors, flattened
	K     int
	NQ    int
	Files []*meta.TableFile

	done   chan struct{}
	once   sync.Once
	status Status

	resultIDs  []int64 // NQ*K, flattened
	resultDist []float32

	// Run performs the actual per-file search and must be supplied by the
	// caller (the coordinator), since only it holds engine/cache access —
	// the scheduler package stays free of engine and cache imports.
	Run func(job *SearchJob) ([]int64, []float32, error)
}

// NewSearchJob builds a SearchJob against a fixed candidate file set,
// searching nq query vectors packed into query.
func NewSearchJob(query []float32, k, nq int, files []*meta.TableFile, run func(*SearchJob) ([]int64, []float32, error)) *SearchJob {
	return &SearchJob{Query: query, K: k, NQ: nq, Files: files, Run: run, done: make(chan struct{})}
}

func (j *SearchJob) execute() {
	ids, dists, err := j.Run(j)
	j.resultIDs, j.resultDist = ids, dists
	j.status = Status{Err: err}
	j.once.Do(func() { close(j.done) })
}

// WaitResult blocks until the job completes and returns its status.
func (j *SearchJob) WaitResult() Status {
	<-j.done
	return j.status
}

func (j *SearchJob) GetStatus() Status { return j.status }

func (j *SearchJob) GetResultIDs() []int64 { return j.resultIDs }

func (j *SearchJob) GetResultDistances() []float32 { return j.resultDist }

// BuildIndexJob converts a batch of TO_INDEX files to NEW_INDEX/INDEX,
// mirroring scheduler::BuildIndexJob's AddToIndexFiles/WaitBuildIndexFinish.
type BuildIndexJob struct {
	Files []*meta.TableFile

	done   chan struct{}
	once   sync.Once
	status Status

	Run func(job *BuildIndexJob) error
}

func NewBuildIndexJob(files []*meta.TableFile, run func(*BuildIndexJob) error) *BuildIndexJob {
	return &BuildIndexJob{Files: files, Run: run, done: make(chan struct{})}
}

func (j *BuildIndexJob) execute() {
	err := j.Run(j)
	j.status = Status{Err: err}
	j.once.Do(func() { close(j.done) })
}

func (j *BuildIndexJob) WaitBuildIndexFinish() Status {
	<-j.done
	return j.status
}

func (j *BuildIndexJob) GetStatus() Status { return j.status }

// DeleteJob runs a dropped table's teardown through the caller-supplied Run
// closure (the coordinator's releases the table's cached artifacts and marks
// its files TO_DELETE for the TTL sweep), mirroring scheduler::DeleteJob's
// WaitAndDelete. It carries numResources the way the original reads
// GetNumOfComputeResource().
type DeleteJob struct {
	TableID      string
	NumResources int

	done   chan struct{}
	once   sync.Once
	status Status

	Run func(job *DeleteJob) error
}

func NewDeleteJob(tableID string, numResources int, run func(*DeleteJob) error) *DeleteJob {
	return &DeleteJob{TableID: tableID, NumResources: numResources, Run: run, done: make(chan struct{})}
}

func (j *DeleteJob) execute() {
	err := j.Run(j)
	j.status = Status{Err: err}
	j.once.Do(func() { close(j.done) })
}

func (j *DeleteJob) WaitAndDelete() Status {
	<-j.done
	return j.status
}

func (j *DeleteJob) GetStatus() Status { return j.status }
