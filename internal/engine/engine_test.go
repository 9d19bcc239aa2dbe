package engine

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/podcopic-labs/vectorcore/internal/meta"
)

func randomVector(dim int) []float32 {
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = rand.Float32()
	}
	return vec
}

func TestFileEngineFlatBuildAndSearch(t *testing.T) {
	dim := 4
	location := filepath.Join(t.TempDir(), "1.dat")

	e, err := Build(dim, location, meta.EngineFlat, meta.MetricL2, 0)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer e.Close()

	vec := randomVector(dim)

	t.Run("AddVectors", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			v := randomVector(dim)
			if i == 25 {
				v = vec
			}
			if err := e.AddVectors([]int64{int64(1000 + i)}, v); err != nil {
				t.Fatalf("AddVectors failed at i=%d: %v", i, err)
			}
		}
	})

	t.Run("IsTrained", func(t *testing.T) {
		if !e.IsTrained() {
			t.Errorf("Flat engine should never require training")
		}
	})

	t.Run("Search", func(t *testing.T) {
		ids, dists, err := e.Search(vec, 1)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(ids) != 1 || ids[0] != 1025 {
			t.Errorf("expected to find id 1025, got %v", ids)
		}
		if len(dists) != 1 {
			t.Errorf("expected 1 distance, got %d", len(dists))
		}
	})

	t.Run("GetVector", func(t *testing.T) {
		got, err := e.GetVector(1025)
		if err != nil {
			t.Fatalf("GetVector failed: %v", err)
		}
		if len(got) != dim {
			t.Errorf("expected vector of length %d, got %d", dim, len(got))
		}
	})

	t.Run("Count", func(t *testing.T) {
		if e.Count() != 50 {
			t.Errorf("expected count 50, got %d", e.Count())
		}
	})

	t.Run("Serialize", func(t *testing.T) {
		if err := e.Serialize(); err != nil {
			t.Fatalf("Serialize failed: %v", err)
		}
		size, err := e.PhysicalSize()
		if err != nil {
			t.Fatalf("PhysicalSize failed: %v", err)
		}
		if size <= 0 {
			t.Errorf("expected positive physical size, got %d", size)
		}
	})
}

func TestFileEngineLoadAfterSerialize(t *testing.T) {
	dim := 4
	location := filepath.Join(t.TempDir(), "1.dat")

	e, err := Build(dim, location, meta.EngineFlat, meta.MetricL2, 0)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	vec := randomVector(dim)
	if err := e.AddVectors([]int64{42}, vec); err != nil {
		t.Fatalf("AddVectors failed: %v", err)
	}
	if err := e.Serialize(); err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reloaded, err := Load(dim, location, meta.EngineFlat, meta.MetricL2, 0)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer reloaded.Close()

	got, err := reloaded.GetVector(42)
	if err != nil {
		t.Fatalf("GetVector after reload failed: %v", err)
	}
	if len(got) != dim {
		t.Errorf("expected vector of length %d, got %d", dim, len(got))
	}
}

func TestMergeCombinesSources(t *testing.T) {
	dim := 4
	dir := t.TempDir()

	src1, err := Build(dim, filepath.Join(dir, "1.dat"), meta.EngineFlat, meta.MetricL2, 0)
	if err != nil {
		t.Fatalf("Build src1 failed: %v", err)
	}
	defer src1.Close()
	src2, err := Build(dim, filepath.Join(dir, "2.dat"), meta.EngineFlat, meta.MetricL2, 0)
	if err != nil {
		t.Fatalf("Build src2 failed: %v", err)
	}
	defer src2.Close()

	if err := src1.AddVectors([]int64{1}, randomVector(dim)); err != nil {
		t.Fatalf("AddVectors src1 failed: %v", err)
	}
	if err := src2.AddVectors([]int64{2}, randomVector(dim)); err != nil {
		t.Fatalf("AddVectors src2 failed: %v", err)
	}

	merged, err := Merge(dim, filepath.Join(dir, "3.dat"), meta.EngineFlat, meta.MetricL2, 0, []IndexEngine{src1, src2})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	defer merged.Close()

	if merged.Count() != 2 {
		t.Errorf("expected merged count 2, got %d", merged.Count())
	}
	if _, err := merged.GetVector(1); err != nil {
		t.Errorf("expected merged engine to contain id 1: %v", err)
	}
	if _, err := merged.GetVector(2); err != nil {
		t.Errorf("expected merged engine to contain id 2: %v", err)
	}
}

func TestFileEngineDimensionMismatch(t *testing.T) {
	dim := 8
	location := filepath.Join(t.TempDir(), "1.dat")
	e, err := Build(dim, location, meta.EngineFlat, meta.MetricL2, 0)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer e.Close()

	if err := e.AddVectors([]int64{1}, []float32{1, 2, 3}); err == nil {
		t.Error("expected error for vector not matching dimension")
	}
	if _, _, err := e.Search([]float32{1, 2}, 1); err == nil {
		t.Error("expected error for query dimension mismatch")
	}
}
