package scheduler

import "context"

// JobMgr replaces Milvus's process-wide JobMgrInst singleton with an
// instance the coordinator owns and injects, avoiding global
// collaborators. Put submits a job's execute method to the worker pool;
// callers then block on the job's own Wait* method.
type JobMgr struct {
	pool *workerPool
}

// NewJobMgr starts a job manager backed by numWorkers goroutines.
// numWorkers <= 0 defaults to GOMAXPROCS.
func NewJobMgr(numWorkers int) *JobMgr {
	return &JobMgr{pool: newWorkerPool(numWorkers)}
}

func (m *JobMgr) PutSearch(ctx context.Context, job *SearchJob) error {
	return m.pool.submit(ctx, job.execute)
}

func (m *JobMgr) PutBuildIndex(ctx context.Context, job *BuildIndexJob) error {
	return m.pool.submit(ctx, job.execute)
}

func (m *JobMgr) PutDelete(ctx context.Context, job *DeleteJob) error {
	return m.pool.submit(ctx, job.execute)
}

// Close drains in-flight jobs then shuts the pool down.
func (m *JobMgr) Close() {
	m.pool.close()
}

// ResourceManager reports how many compute resources (search executors)
// are available, standing in for scheduler::ResMgrInst::GetNumOfComputeResource.
type ResourceManager interface {
	NumComputeResource() int
}

// staticResourceManager is the simplest possible ResourceManager: a fixed
// count set at construction. Real deployments with GPU/CPU executor pools
// would implement ResourceManager themselves and inject it in place of
// this one.
type staticResourceManager struct {
	n int
}

// NewStaticResourceManager reports a fixed compute resource count.
func NewStaticResourceManager(n int) ResourceManager {
	if n <= 0 {
		n = 1
	}
	return staticResourceManager{n: n}
}

func (s staticResourceManager) NumComputeResource() int { return s.n }
