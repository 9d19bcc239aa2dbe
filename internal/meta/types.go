package meta

import "time"

// FileType is the state a TableFile occupies in the compaction/index
// state machine:
//
//	NEW ──serialize──► RAW                  (IDMAP engines)
//	NEW ──merge──►    NEW_MERGE ─► RAW  or  TO_INDEX
//	RAW ──size≥threshold──► TO_INDEX ──build──► NEW_INDEX ─► INDEX
//	any ──drop/ttl──► TO_DELETE ──reclaim──► (removed)
type FileType int

const (
	FileTypeNew FileType = iota
	FileTypeNewMerge
	FileTypeNewIndex
	FileTypeRaw
	FileTypeToIndex
	FileTypeIndex
	FileTypeBackup
	FileTypeToDelete
)

func (t FileType) String() string {
	switch t {
	case FileTypeNew:
		return "NEW"
	case FileTypeNewMerge:
		return "NEW_MERGE"
	case FileTypeNewIndex:
		return "NEW_INDEX"
	case FileTypeRaw:
		return "RAW"
	case FileTypeToIndex:
		return "TO_INDEX"
	case FileTypeIndex:
		return "INDEX"
	case FileTypeBackup:
		return "BACKUP"
	case FileTypeToDelete:
		return "TO_DELETE"
	default:
		return "UNKNOWN"
	}
}

// EngineType names an indexing algorithm family. IDMAP means "no secondary
// index, raw vectors only" — files of an IDMAP table never leave RAW.
type EngineType string

const (
	EngineIDMap   EngineType = "IDMAP"
	EngineFlat    EngineType = "FLAT"
	EngineIVFFlat EngineType = "IVFFLAT"
	EngineHNSW    EngineType = "HNSW"
	EnginePQ      EngineType = "PQ"
)

// MetricType is the distance measure a table was created with. Immutable
// after CreateTable.
type MetricType string

const (
	MetricL2 MetricType = "L2"
	MetricIP MetricType = "IP"
)

// TableSchema is the per-table record.
type TableSchema struct {
	TableID       string
	Dimension     int
	IndexFileSize int64 // bytes; client supplies MB, coordinator stores bytes
	MetricType    MetricType
	EngineType    EngineType
	Flag          int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Deleted       bool
}

// TableIndex is the per-table (engine_type, metric_type, nlist) triple.
type TableIndex struct {
	TableID    string
	EngineType EngineType
	MetricType MetricType
	NList      int
}

// IsSameIndex reports whether two TableIndex values describe the same
// built index, so a repeated CreateIndex call with identical parameters
// is a no-op rather than a pointless rebuild.
func IsSameIndex(a, b TableIndex) bool {
	return a.EngineType == b.EngineType && a.MetricType == b.MetricType && a.NList == b.NList
}

// TableFile is the unit of physical storage.
type TableFile struct {
	FileID        int64
	TableID       string
	Date          int // coarse partition key, YYYYMMDD
	Dimension     int
	FileSize      int64
	RowCount      int64
	Location      string
	EngineType    EngineType
	MetricType    MetricType
	NList         int
	IndexFileSize int64
	FileType      FileType
	CreatedAt     time.Time
	MarkedDeleteAt time.Time // set when FileType transitions to TO_DELETE
}

func (f *TableFile) clone() *TableFile {
	c := *f
	return &c
}

// Clone returns a copy of f, for callers outside this package building the
// next state of a file transition (UpdateTableFile takes the whole target
// record, not a diff).
func (f *TableFile) Clone() *TableFile {
	return f.clone()
}

// searchableStates are the file states a query or preload pass may read
// vectors from: anything that holds complete, committed vector data.
var searchableStates = map[FileType]bool{
	FileTypeRaw:     true,
	FileTypeToIndex: true,
	FileTypeIndex:   true,
}

// mergeableState is the state the background compactor pulls from: files
// freshly landed from memory serialization, not yet folded into a bigger
// shard.
const mergeableState = FileTypeNew

// validTransitions enumerates the file-type state diagram. A transition
// not listed here is rejected by UpdateTableFile/UpdateTableFiles — the
// meta store is the single place file-state invariants are enforced.
var validTransitions = map[FileType]map[FileType]bool{
	FileTypeNew:      {FileTypeRaw: true, FileTypeNewMerge: true, FileTypeToDelete: true},
	FileTypeNewMerge: {FileTypeRaw: true, FileTypeToIndex: true, FileTypeToDelete: true},
	FileTypeRaw:      {FileTypeToIndex: true, FileTypeToDelete: true},
	FileTypeToIndex:  {FileTypeNewIndex: true, FileTypeToDelete: true},
	FileTypeNewIndex: {FileTypeIndex: true, FileTypeToDelete: true},
	FileTypeIndex:    {FileTypeToDelete: true},
	FileTypeBackup:   {FileTypeToDelete: true},
	FileTypeToDelete: {},
}

// IsValidTransition reports whether from->to is a legal file_type move for
// the given table engine type (IDMAP files are never allowed into the
// index branch of the state machine).
func IsValidTransition(engine EngineType, from, to FileType) bool {
	if from == to {
		return true
	}
	if engine == EngineIDMap {
		switch to {
		case FileTypeToIndex, FileTypeNewIndex, FileTypeIndex:
			return false
		}
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}
