package memmanager

import (
	"math/rand"
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

func openTestStore(t *testing.T) *meta.Store {
	t.Helper()
	s, err := meta.Open(t.TempDir())
	if err != nil {
		t.Fatalf("meta.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestManagerInsertAndRowCount(t *testing.T) {
	store := openTestStore(t)
	if err := store.CreateTable(meta.TableSchema{TableID: "t1", Dimension: 4, EngineType: meta.EngineFlat}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	m := New(t.TempDir(), store)

	ids, err := m.InsertVectors("t1", 4, nil, append(randomVector(4), randomVector(4)...))
	if err != nil {
		t.Fatalf("InsertVectors failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 generated ids, got %v", ids)
	}
	if ids[0] == ids[1] {
		t.Errorf("expected distinct generated ids, got %v", ids)
	}

	if got := m.RowCount("t1"); got != 2 {
		t.Errorf("expected row count 2, got %d", got)
	}
}

func TestManagerInsertExplicitIDs(t *testing.T) {
	store := openTestStore(t)
	if err := store.CreateTable(meta.TableSchema{TableID: "t1", Dimension: 4, EngineType: meta.EngineFlat}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	m := New(t.TempDir(), store)

	ids, err := m.InsertVectors("t1", 4, []int64{100, 200}, append(randomVector(4), randomVector(4)...))
	if err != nil {
		t.Fatalf("InsertVectors failed: %v", err)
	}
	if ids[0] != 100 || ids[1] != 200 {
		t.Errorf("expected explicit ids preserved, got %v", ids)
	}
}

func TestManagerInsertDimensionMismatch(t *testing.T) {
	store := openTestStore(t)
	m := New(t.TempDir(), store)

	if _, err := m.InsertVectors("t1", 4, nil, []float32{1, 2, 3}); err == nil {
		t.Error("expected error for vector buffer not a multiple of dimension")
	}
}

func TestManagerSerializeFlushesToTableFile(t *testing.T) {
	store := openTestStore(t)
	if err := store.CreateTable(meta.TableSchema{TableID: "t1", Dimension: 4, EngineType: meta.EngineFlat}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	m := New(t.TempDir(), store)

	vecs := append(randomVector(4), randomVector(4)...)
	if _, err := m.InsertVectors("t1", 4, nil, vecs); err != nil {
		t.Fatalf("InsertVectors failed: %v", err)
	}

	if err := m.Serialize("t1", 20260101); err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	if got := m.RowCount("t1"); got != 0 {
		t.Errorf("expected buffer drained after serialize, got row count %d", got)
	}

	ids, err := store.FilesByType("t1", []meta.FileType{meta.FileTypeNew})
	if err != nil {
		t.Fatalf("FilesByType failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 NEW file after serialize, got %v", ids)
	}

	count, err := store.Count("t1")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected row count 2 in meta store, got %d", count)
	}
}

func TestManagerSerializeNoopWithoutBuffer(t *testing.T) {
	store := openTestStore(t)
	m := New(t.TempDir(), store)

	if err := m.Serialize("unknown-table", 20260101); err != nil {
		t.Fatalf("expected Serialize on an unbuffered table to be a no-op, got %v", err)
	}
}

func TestManagerEraseMemVector(t *testing.T) {
	store := openTestStore(t)
	if err := store.CreateTable(meta.TableSchema{TableID: "t1", Dimension: 4, EngineType: meta.EngineFlat}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	m := New(t.TempDir(), store)

	if _, err := m.InsertVectors("t1", 4, nil, randomVector(4)); err != nil {
		t.Fatalf("InsertVectors failed: %v", err)
	}
	m.EraseMemVector("t1")
	if got := m.RowCount("t1"); got != 0 {
		t.Errorf("expected row count 0 after erase, got %d", got)
	}
}
