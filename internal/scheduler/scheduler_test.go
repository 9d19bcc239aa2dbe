package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/podcopic-labs/vectorcore/internal/meta"
)

func TestJobMgrSearchJob(t *testing.T) {
	mgr := NewJobMgr(2)
	defer mgr.Close()

	files := []*meta.TableFile{{FileID: 1}, {FileID: 2}}
	job := NewSearchJob([]float32{1, 2, 3}, 5, 1, files, func(j *SearchJob) ([]int64, []float32, error) {
		return []int64{1, 2}, []float32{0.1, 0.2}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mgr.PutSearch(ctx, job); err != nil {
		t.Fatalf("PutSearch failed: %v", err)
	}

	status := job.WaitResult()
	if !status.OK() {
		t.Fatalf("expected OK status, got %v", status.Err)
	}
	if len(job.GetResultIDs()) != 2 {
		t.Errorf("expected 2 result ids, got %v", job.GetResultIDs())
	}
}

func TestJobMgrSearchJobError(t *testing.T) {
	mgr := NewJobMgr(1)
	defer mgr.Close()

	wantErr := errors.New("search failed")
	job := NewSearchJob(nil, 1, 1, nil, func(j *SearchJob) ([]int64, []float32, error) {
		return nil, nil, wantErr
	})

	if err := mgr.PutSearch(context.Background(), job); err != nil {
		t.Fatalf("PutSearch failed: %v", err)
	}
	status := job.WaitResult()
	if status.OK() {
		t.Fatalf("expected failing status")
	}
}

func TestJobMgrBuildIndexJob(t *testing.T) {
	mgr := NewJobMgr(1)
	defer mgr.Close()

	files := []*meta.TableFile{{FileID: 1, FileType: meta.FileTypeToIndex}}
	var ran bool
	job := NewBuildIndexJob(files, func(j *BuildIndexJob) error {
		ran = true
		return nil
	})

	if err := mgr.PutBuildIndex(context.Background(), job); err != nil {
		t.Fatalf("PutBuildIndex failed: %v", err)
	}
	if status := job.WaitBuildIndexFinish(); !status.OK() {
		t.Fatalf("expected OK status, got %v", status.Err)
	}
	if !ran {
		t.Errorf("expected Run to be invoked")
	}
}

func TestJobMgrDeleteJob(t *testing.T) {
	mgr := NewJobMgr(1)
	defer mgr.Close()

	job := NewDeleteJob("t1", 4, func(j *DeleteJob) error {
		if j.NumResources != 4 {
			t.Errorf("expected NumResources 4, got %d", j.NumResources)
		}
		return nil
	})

	if err := mgr.PutDelete(context.Background(), job); err != nil {
		t.Fatalf("PutDelete failed: %v", err)
	}
	if status := job.WaitAndDelete(); !status.OK() {
		t.Fatalf("expected OK status, got %v", status.Err)
	}
}

func TestJobMgrClosedRejectsSubmit(t *testing.T) {
	mgr := NewJobMgr(1)
	mgr.Close()

	job := NewSearchJob(nil, 1, 1, nil, func(j *SearchJob) ([]int64, []float32, error) { return nil, nil, nil })
	if err := mgr.PutSearch(context.Background(), job); err != ErrSchedulerClosed {
		t.Errorf("expected ErrSchedulerClosed, got %v", err)
	}
}

func TestStaticResourceManager(t *testing.T) {
	rm := NewStaticResourceManager(0)
	if rm.NumComputeResource() != 1 {
		t.Errorf("expected default of 1, got %d", rm.NumComputeResource())
	}
	rm = NewStaticResourceManager(8)
	if rm.NumComputeResource() != 8 {
		t.Errorf("expected 8, got %d", rm.NumComputeResource())
	}
}
