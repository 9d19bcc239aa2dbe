package meta

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreCreateTable(t *testing.T) {
	s := openTestStore(t)

	t.Run("CreateTable", func(t *testing.T) {
		err := s.CreateTable(TableSchema{
			TableID:    "t1",
			Dimension:  128,
			MetricType: MetricL2,
			EngineType: EngineFlat,
		})
		if err != nil {
			t.Fatalf("CreateTable failed: %v", err)
		}
	})

	t.Run("CreateTableDuplicate", func(t *testing.T) {
		err := s.CreateTable(TableSchema{TableID: "t1", Dimension: 128})
		if err != ErrTableExists {
			t.Errorf("expected ErrTableExists, got %v", err)
		}
	})

	t.Run("DescribeTable", func(t *testing.T) {
		schema, err := s.DescribeTable("t1")
		if err != nil {
			t.Fatalf("DescribeTable failed: %v", err)
		}
		if schema.Dimension != 128 {
			t.Errorf("expected dimension 128, got %d", schema.Dimension)
		}
	})

	t.Run("HasTable", func(t *testing.T) {
		has, err := s.HasTable("t1")
		if err != nil || !has {
			t.Errorf("expected t1 to exist, got has=%v err=%v", has, err)
		}
		has, err = s.HasTable("nope")
		if err != nil || has {
			t.Errorf("expected nope to not exist, got has=%v err=%v", has, err)
		}
	})

	t.Run("AllTables", func(t *testing.T) {
		if err := s.CreateTable(TableSchema{TableID: "t2", Dimension: 64}); err != nil {
			t.Fatalf("CreateTable failed: %v", err)
		}
		tables, err := s.AllTables()
		if err != nil {
			t.Fatalf("AllTables failed: %v", err)
		}
		if len(tables) != 2 {
			t.Errorf("expected 2 tables, got %d", len(tables))
		}
	})
}

func TestStoreDeleteTable(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTable(TableSchema{TableID: "t1", Dimension: 8}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	if err := s.DeleteTable("t1"); err != nil {
		t.Fatalf("DeleteTable failed: %v", err)
	}
	if _, err := s.DescribeTable("t1"); err != ErrTableNotFound {
		t.Errorf("expected ErrTableNotFound after delete, got %v", err)
	}
	if err := s.DeleteTable("t1"); err != ErrTableNotFound {
		t.Errorf("expected ErrTableNotFound on double delete, got %v", err)
	}
}

func TestStoreTableIndex(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTable(TableSchema{TableID: "t1", Dimension: 8}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	if _, err := s.DescribeTableIndex("t1"); err != ErrIndexNotFound {
		t.Errorf("expected ErrIndexNotFound before any index created, got %v", err)
	}

	idx := TableIndex{TableID: "t1", EngineType: EngineIVFFlat, MetricType: MetricL2, NList: 100}
	if err := s.UpdateTableIndex(idx); err != nil {
		t.Fatalf("UpdateTableIndex failed: %v", err)
	}

	got, err := s.DescribeTableIndex("t1")
	if err != nil {
		t.Fatalf("DescribeTableIndex failed: %v", err)
	}
	if !IsSameIndex(got, idx) {
		t.Errorf("expected %+v, got %+v", idx, got)
	}

	if err := s.DropTableIndex("t1"); err != nil {
		t.Fatalf("DropTableIndex failed: %v", err)
	}
	if _, err := s.DescribeTableIndex("t1"); err != ErrIndexNotFound {
		t.Errorf("expected ErrIndexNotFound after drop, got %v", err)
	}
}

func TestStoreFileLifecycle(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTable(TableSchema{TableID: "t1", Dimension: 8, EngineType: EngineFlat}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	f := &TableFile{TableID: "t1", Date: 20260101, FileType: FileTypeNew}
	if err := s.CreateTableFile(f); err != nil {
		t.Fatalf("CreateTableFile failed: %v", err)
	}
	if f.FileID < 0 {
		t.Fatalf("expected non-negative FileID, got %d", f.FileID)
	}
	if f.Location == "" {
		t.Errorf("expected a location to be assigned")
	}

	t.Run("ValidTransition", func(t *testing.T) {
		next := f.clone()
		next.FileType = FileTypeRaw
		next.RowCount = 10
		if err := s.UpdateTableFile(next); err != nil {
			t.Fatalf("UpdateTableFile failed: %v", err)
		}
	})

	t.Run("InvalidTransition", func(t *testing.T) {
		bad := f.clone()
		bad.FileType = FileTypeIndex // RAW -> INDEX is not a direct legal move
		err := s.UpdateTableFile(bad)
		if err == nil {
			t.Fatalf("expected error for invalid transition")
		}
	})

	t.Run("FilesToSearch", func(t *testing.T) {
		byDate, err := s.FilesToSearch("t1", nil, nil)
		if err != nil {
			t.Fatalf("FilesToSearch failed: %v", err)
		}
		files := byDate[20260101]
		if len(files) != 1 || files[0].FileType != FileTypeRaw {
			t.Errorf("expected one RAW file for the date, got %+v", files)
		}
	})

	t.Run("Count", func(t *testing.T) {
		count, err := s.Count("t1")
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if count != 10 {
			t.Errorf("expected count 10, got %d", count)
		}
	})
}

func TestStoreIDMapRejectsIndexing(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTable(TableSchema{TableID: "t1", Dimension: 8, EngineType: EngineIDMap}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	f := &TableFile{TableID: "t1", Date: 20260101, FileType: FileTypeNew}
	if err := s.CreateTableFile(f); err != nil {
		t.Fatalf("CreateTableFile failed: %v", err)
	}

	raw := f.clone()
	raw.FileType = FileTypeRaw
	if err := s.UpdateTableFile(raw); err != nil {
		t.Fatalf("UpdateTableFile to RAW failed: %v", err)
	}

	toIndex := raw.clone()
	toIndex.FileType = FileTypeToIndex
	if err := s.UpdateTableFile(toIndex); err == nil {
		t.Fatalf("expected IDMAP file to reject RAW -> TO_INDEX transition")
	}
}

func TestStoreFilesToMerge(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTable(TableSchema{TableID: "t1", Dimension: 8, EngineType: EngineFlat}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		f := &TableFile{TableID: "t1", Date: 20260101, FileType: FileTypeNew}
		if err := s.CreateTableFile(f); err != nil {
			t.Fatalf("CreateTableFile failed: %v", err)
		}
	}

	groups, err := s.FilesToMerge("t1")
	if err != nil {
		t.Fatalf("FilesToMerge failed: %v", err)
	}
	if len(groups[20260101]) != 3 {
		t.Errorf("expected 3 NEW files for the date, got %d", len(groups[20260101]))
	}
}

func TestStoreDropPartitionsByDates(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTable(TableSchema{TableID: "t1", Dimension: 8, EngineType: EngineFlat}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	f1 := &TableFile{TableID: "t1", Date: 20260101, FileType: FileTypeNew}
	f2 := &TableFile{TableID: "t1", Date: 20260102, FileType: FileTypeNew}
	if err := s.CreateTableFile(f1); err != nil {
		t.Fatalf("CreateTableFile failed: %v", err)
	}
	if err := s.CreateTableFile(f2); err != nil {
		t.Fatalf("CreateTableFile failed: %v", err)
	}

	if err := s.DropPartitionsByDates("t1", map[int]bool{20260101: true}); err != nil {
		t.Fatalf("DropPartitionsByDates failed: %v", err)
	}

	ids, err := s.FilesByType("t1", []FileType{FileTypeToDelete})
	if err != nil {
		t.Fatalf("FilesByType failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != f1.FileID {
		t.Errorf("expected only f1 marked TO_DELETE, got %v", ids)
	}
}

func TestStoreCleanUpFilesWithTTL(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTable(TableSchema{TableID: "t1", Dimension: 8, EngineType: EngineFlat}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	f := &TableFile{TableID: "t1", Date: 20260101, FileType: FileTypeNew}
	if err := s.CreateTableFile(f); err != nil {
		t.Fatalf("CreateTableFile failed: %v", err)
	}
	del := f.clone()
	del.FileType = FileTypeToDelete
	del.MarkedDeleteAt = time.Now().Add(-2 * time.Hour)
	if err := s.UpdateTableFile(del); err != nil {
		t.Fatalf("UpdateTableFile failed: %v", err)
	}

	if err := s.CleanUpFilesWithTTL(time.Hour); err != nil {
		t.Fatalf("CleanUpFilesWithTTL failed: %v", err)
	}

	ids, err := s.FilesByType("t1", []FileType{FileTypeToDelete})
	if err != nil {
		t.Fatalf("FilesByType failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected the TO_DELETE file to be reclaimed, got %v", ids)
	}
}

func TestStoreReopenReplaysFileLog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.CreateTable(TableSchema{TableID: "t1", Dimension: 8, EngineType: EngineFlat}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	f := &TableFile{TableID: "t1", Date: 20260101, FileType: FileTypeNew}
	if err := s.CreateTableFile(f); err != nil {
		t.Fatalf("CreateTableFile failed: %v", err)
	}
	raw := f.clone()
	raw.FileType = FileTypeRaw
	if err := s.UpdateTableFile(raw); err != nil {
		t.Fatalf("UpdateTableFile failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	ids, err := reopened.FilesByType("t1", []FileType{FileTypeRaw})
	if err != nil {
		t.Fatalf("FilesByType failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != f.FileID {
		t.Errorf("expected replayed RAW file %d, got %v", f.FileID, ids)
	}
}
