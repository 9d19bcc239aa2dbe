// Package engine wraps a single FAISS index instance bound to one on-disk
// TableFile artifact. Where vector_storage.go
// owns one FAISS index for an entire table's lifetime, an IndexEngine here
// owns exactly one file_id's worth of vectors — new files, merged files and
// built indexes are each a fresh IndexEngine instance, matching the
// coordinator's per-file state machine.
package engine

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/DataIntelligenceCrew/go-faiss"

	"github.com/podcopic-labs/vectorcore/internal/meta"
)

// IndexEngine is the contract the coordinator drives a file's vector data
// and FAISS index through. One instance is bound to one TableFile.Location.
type IndexEngine interface {
	// AddVectors stages (or, once trained, directly adds) vectors with
	// caller-supplied external IDs.
	AddVectors(ids []int64, vectors []float32) error
	// Search runs an exact or approximate top-k search depending on the
	// underlying index's training state. query holds nq query vectors
	// back-to-back (len(query) == nq*dimension); the returned ids/distances
	// are nq*k, flattened in query order.
	Search(query []float32, k int) (ids []int64, distances []float32, err error)
	// RangeSearch returns every vector within radius of query.
	RangeSearch(query []float32, radius float32) (ids []int64, distances []float32, err error)
	// GetVector fetches one previously-added vector by external id.
	GetVector(id int64) ([]float32, error)
	// All returns every resident (id, vector) pair, flattened. Used by
	// Merge to fold several files' vectors into one without going through
	// FAISS's own search/reconstruct path.
	All() (ids []int64, vectors []float32, err error)
	// BuildIndex trains the index in place from its currently resident
	// vectors, converting a flat/IDMap artifact into a trained IVF/PQ/HNSW
	// one. A no-op on engines that require no training.
	BuildIndex() error
	// IsTrained reports whether the index is ready to serve approximate
	// search, i.e. whether BuildIndex has run (or was never required).
	IsTrained() bool
	// Serialize flushes the index and vector data to the paths this engine
	// was opened or built with.
	Serialize() error
	// Count returns how many vectors are currently resident.
	Count() int64
	// Size returns the logical byte size of the vectors this engine
	// currently holds (resident vector count * dimension * 4), independent
	// of whether Serialize has run. The coordinator's merge pass uses this,
	// not PhysicalSize, to decide when a merge target is full: PhysicalSize reads bytes already
	// on disk, which during a merge pass is stale until the next Serialize.
	Size() int64
	// PhysicalSize returns the on-disk byte size of the index + data files.
	PhysicalSize() (int64, error)
	// Cache prepares the engine for residency in the coordinator's cache
	// (offset table and index structures loaded and ready for concurrent
	// reads). Called before an engine is handed to cache.Manager.Insert.
	Cache() error
	// Close releases native FAISS resources and closes open file handles.
	Close() error
}

// faissDesc translates a meta.EngineType + nlist into a go-faiss factory
// description string, the same "IDMap,<desc>" convention vector_storage.go
// uses.
func faissDesc(engineType meta.EngineType, nlist int) string {
	switch engineType {
	case meta.EngineFlat, meta.EngineIDMap:
		return "Flat"
	case meta.EngineIVFFlat:
		if nlist <= 0 {
			nlist = 100
		}
		return fmt.Sprintf("IVF%d,Flat", nlist)
	case meta.EngineHNSW:
		return "HNSW32"
	case meta.EnginePQ:
		return "PQ8"
	default:
		return "Flat"
	}
}

func faissMetric(m meta.MetricType) int {
	if m == meta.MetricIP {
		return faiss.MetricInnerProduct
	}
	return faiss.MetricL2
}

const vectorRecordHeaderSize = 8 // external id, little-endian uint64

type fileEngine struct {
	mu sync.RWMutex

	dataPath  string
	indexPath string
	dataFile  *os.File

	dimension int
	nlist     int
	metric    meta.MetricType
	kind      meta.EngineType

	base  faiss.Index
	idmap faiss.Index

	trainPool  [][]float32
	pendingAdd map[int64][]float32
	offsets    map[int64]int64
}

// Build creates a brand-new, untrained engine for a file that doesn't
// exist on disk yet — the NEW/NEW_MERGE state of a TableFile.
func Build(dimension int, location string, engineType meta.EngineType, metricType meta.MetricType, nlist int) (IndexEngine, error) {
	desc := "IDMap," + faissDesc(engineType, nlist)
	idmap, err := faiss.IndexFactory(dimension, desc, faissMetric(metricType))
	if err != nil {
		return nil, fmt.Errorf("engine: create faiss index: %w", err)
	}

	df, err := os.OpenFile(location, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		idmap.Delete()
		return nil, fmt.Errorf("engine: create data file: %w", err)
	}

	return &fileEngine{
		dataPath:   location,
		indexPath:  location + ".index",
		dataFile:   df,
		dimension:  dimension,
		nlist:      nlist,
		metric:     metricType,
		kind:       engineType,
		base:       idmap,
		idmap:      idmap,
		trainPool:  make([][]float32, 0, 1024),
		pendingAdd: make(map[int64][]float32),
		offsets:    make(map[int64]int64),
	}, nil
}

// Load opens an existing file artifact — index plus raw-vector data — for
// reading (and further appends, in the RAW/NEW_MERGE states).
func Load(dimension int, location string, engineType meta.EngineType, metricType meta.MetricType, nlist int) (IndexEngine, error) {
	indexPath := location + ".index"

	var idmap faiss.Index
	if _, err := os.Stat(indexPath); err == nil {
		idmap, err = faiss.ReadIndex(indexPath, 0)
		if err != nil {
			return nil, fmt.Errorf("engine: read faiss index: %w", err)
		}
	} else {
		desc := "IDMap," + faissDesc(engineType, nlist)
		idmap, err = faiss.IndexFactory(dimension, desc, faissMetric(metricType))
		if err != nil {
			return nil, fmt.Errorf("engine: create faiss index: %w", err)
		}
	}

	df, err := os.OpenFile(location, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		idmap.Delete()
		return nil, fmt.Errorf("engine: open data file: %w", err)
	}

	fe := &fileEngine{
		dataPath:   location,
		indexPath:  indexPath,
		dataFile:   df,
		dimension:  dimension,
		nlist:      nlist,
		metric:     metricType,
		kind:       engineType,
		base:       idmap,
		idmap:      idmap,
		trainPool:  make([][]float32, 0),
		pendingAdd: make(map[int64][]float32),
		offsets:    make(map[int64]int64),
	}

	if err := fe.rebuildOffsets(); err != nil {
		df.Close()
		idmap.Delete()
		return nil, err
	}
	return fe, nil
}

func (fe *fileEngine) requiredTrainCount() int {
	if fe.kind == meta.EngineFlat || fe.kind == meta.EngineIDMap || fe.kind == meta.EngineHNSW {
		return 0
	}
	if fe.kind == meta.EngineIVFFlat {
		if fe.nlist > 0 {
			return fe.nlist
		}
		return 100
	}
	if fe.kind == meta.EnginePQ {
		return 256
	}
	return 0
}

func (fe *fileEngine) AddVectors(ids []int64, vectors []float32) error {
	if fe.dimension == 0 {
		return fmt.Errorf("engine: zero dimension")
	}
	if len(vectors)%fe.dimension != 0 {
		return fmt.Errorf("engine: vector buffer not a multiple of dimension %d", fe.dimension)
	}
	n := len(vectors) / fe.dimension
	if n != len(ids) {
		return fmt.Errorf("engine: %d ids for %d vectors", len(ids), n)
	}

	fe.mu.Lock()
	defer fe.mu.Unlock()

	nTrain := fe.requiredTrainCount()
	trained := nTrain == 0 || fe.base.IsTrained()

	if trained {
		if err := fe.idmap.AddWithIDs(vectors, ids); err != nil {
			return fmt.Errorf("engine: add vectors: %w", err)
		}
		for i, id := range ids {
			vec := vectors[i*fe.dimension : (i+1)*fe.dimension]
			if err := fe.appendRecord(id, vec); err != nil {
				return err
			}
		}
		return nil
	}

	for i, id := range ids {
		vec := vectors[i*fe.dimension : (i+1)*fe.dimension]
		fe.pendingAdd[id] = vec
		fe.trainPool = append(fe.trainPool, vec)
	}

	if len(fe.trainPool) < nTrain {
		return nil
	}

	train := make([]float32, 0, len(fe.trainPool)*fe.dimension)
	for _, v := range fe.trainPool {
		train = append(train, v...)
	}
	if err := fe.base.Train(train); err != nil {
		return fmt.Errorf("engine: train index: %w", err)
	}

	flushIDs := make([]int64, 0, len(fe.pendingAdd))
	flushData := make([]float32, 0, len(fe.pendingAdd)*fe.dimension)
	for pid, pv := range fe.pendingAdd {
		flushIDs = append(flushIDs, pid)
		flushData = append(flushData, pv...)
	}
	if err := fe.idmap.AddWithIDs(flushData, flushIDs); err != nil {
		return fmt.Errorf("engine: bulk add after training: %w", err)
	}
	for pid, pv := range fe.pendingAdd {
		if err := fe.appendRecord(pid, pv); err != nil {
			return err
		}
	}
	fe.pendingAdd = make(map[int64][]float32)
	fe.trainPool = nil
	return fe.dataFile.Sync()
}

// BuildIndex trains an engine that's sitting on resident-but-untrained
// vectors — the TO_INDEX -> NEW_INDEX conversion.
func (fe *fileEngine) BuildIndex() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.base.IsTrained() {
		return nil
	}
	nTrain := fe.requiredTrainCount()
	if nTrain == 0 {
		return nil
	}
	if len(fe.pendingAdd) < nTrain {
		return fmt.Errorf("engine: insufficient vectors to train: have %d, need %d", len(fe.pendingAdd), nTrain)
	}

	train := make([]float32, 0, len(fe.pendingAdd)*fe.dimension)
	ids := make([]int64, 0, len(fe.pendingAdd))
	for id, v := range fe.pendingAdd {
		train = append(train, v...)
		ids = append(ids, id)
	}
	if err := fe.base.Train(train); err != nil {
		return fmt.Errorf("engine: train index: %w", err)
	}
	if err := fe.idmap.AddWithIDs(train, ids); err != nil {
		return fmt.Errorf("engine: add after train: %w", err)
	}
	fe.pendingAdd = make(map[int64][]float32)
	fe.trainPool = nil
	return nil
}

func (fe *fileEngine) IsTrained() bool {
	fe.mu.RLock()
	defer fe.mu.RUnlock()
	return fe.requiredTrainCount() == 0 || fe.base.IsTrained()
}

// Search runs a batch of nq query vectors (len(query) == nq*dimension)
// against the index and returns nq*k flattened labels/distances, the same
// batching go-faiss's own Search call does internally.
func (fe *fileEngine) Search(query []float32, k int) ([]int64, []float32, error) {
	if fe.dimension <= 0 || len(query)%fe.dimension != 0 {
		return nil, nil, fmt.Errorf("engine: query length %d not a multiple of dimension %d", len(query), fe.dimension)
	}
	fe.mu.RLock()
	defer fe.mu.RUnlock()
	labels, dists, err := fe.idmap.Search(query, int64(k))
	if err != nil {
		return nil, nil, err
	}
	return labels, dists, nil
}

func (fe *fileEngine) RangeSearch(query []float32, radius float32) ([]int64, []float32, error) {
	if len(query) != fe.dimension {
		return nil, nil, fmt.Errorf("engine: query dimension %d != %d", len(query), fe.dimension)
	}
	fe.mu.RLock()
	defer fe.mu.RUnlock()

	res, err := fe.idmap.RangeSearch(query, radius)
	if err != nil {
		return nil, nil, err
	}
	defer res.Delete()

	labels, distances := res.Labels()
	lims := res.Lims()
	if len(lims) != 2 {
		return nil, nil, fmt.Errorf("engine: expected 1 query, got %d", len(lims)-1)
	}
	start, end := int(lims[0]), int(lims[1])
	if start < 0 || end < start || end > len(labels) {
		return nil, nil, fmt.Errorf("engine: invalid lims [%d,%d) over %d labels", start, end, len(labels))
	}

	n := end - start
	outIDs := make([]int64, n)
	outD := make([]float32, n)
	copy(outIDs, labels[start:end])
	copy(outD, distances[start:end])

	type pair struct {
		id  int64
		dst float32
	}
	ps := make([]pair, n)
	for i := range ps {
		ps[i] = pair{outIDs[i], outD[i]}
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].dst < ps[j].dst })
	for i := range ps {
		outIDs[i], outD[i] = ps[i].id, ps[i].dst
	}
	return outIDs, outD, nil
}

func (fe *fileEngine) GetVector(id int64) ([]float32, error) {
	fe.mu.RLock()
	offset, ok := fe.offsets[id]
	fe.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine: id %d not found", id)
	}
	recordSize := vectorRecordHeaderSize + 4*fe.dimension
	buf := make([]byte, recordSize)
	if _, err := fe.dataFile.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("engine: read vector at offset %d: %w", offset, err)
	}
	return bytesToFloat32(buf[vectorRecordHeaderSize:])
}

func (fe *fileEngine) All() ([]int64, []float32, error) {
	fe.mu.RLock()
	defer fe.mu.RUnlock()

	ids := make([]int64, 0, len(fe.offsets)+len(fe.pendingAdd))
	vectors := make([]float32, 0, (len(fe.offsets)+len(fe.pendingAdd))*fe.dimension)
	for id, offset := range fe.offsets {
		recordSize := vectorRecordHeaderSize + 4*fe.dimension
		buf := make([]byte, recordSize)
		if _, err := fe.dataFile.ReadAt(buf, offset); err != nil {
			return nil, nil, fmt.Errorf("engine: read vector at offset %d: %w", offset, err)
		}
		vec, err := bytesToFloat32(buf[vectorRecordHeaderSize:])
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		vectors = append(vectors, vec...)
	}
	for id, v := range fe.pendingAdd {
		ids = append(ids, id)
		vectors = append(vectors, v...)
	}
	return ids, vectors, nil
}

func (fe *fileEngine) Count() int64 {
	fe.mu.RLock()
	defer fe.mu.RUnlock()
	return int64(len(fe.offsets)) + int64(len(fe.pendingAdd))
}

func (fe *fileEngine) Serialize() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if err := faiss.WriteIndex(fe.idmap, fe.indexPath); err != nil {
		return fmt.Errorf("engine: write index: %w", err)
	}
	return fe.dataFile.Sync()
}

func (fe *fileEngine) Size() int64 {
	fe.mu.RLock()
	defer fe.mu.RUnlock()
	n := int64(len(fe.offsets)) + int64(len(fe.pendingAdd))
	return n * int64(fe.dimension) * 4
}

func (fe *fileEngine) PhysicalSize() (int64, error) {
	fe.mu.RLock()
	defer fe.mu.RUnlock()
	var total int64
	if info, err := fe.dataFile.Stat(); err == nil {
		total += info.Size()
	}
	if info, err := os.Stat(fe.indexPath); err == nil {
		total += info.Size()
	}
	return total, nil
}

// Cache rebuilds the offset table from the data file on disk so a freshly
// cache-admitted engine serves GetVector/All without a lazy first-read
// penalty. A no-op once offsets are already populated, as they are for
// every engine opened through Load.
func (fe *fileEngine) Cache() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if len(fe.offsets) > 0 || len(fe.pendingAdd) > 0 {
		return nil
	}
	return fe.rebuildOffsets()
}

func (fe *fileEngine) Close() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	fe.idmap.Delete()
	return fe.dataFile.Close()
}

func (fe *fileEngine) appendRecord(id int64, vector []float32) error {
	pos, err := fe.dataFile.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	buf := make([]byte, vectorRecordHeaderSize+len(vector)*4)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(id))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[8+i*4:], math.Float32bits(v))
	}
	if _, err := fe.dataFile.Write(buf); err != nil {
		return err
	}
	fe.offsets[id] = pos
	return nil
}

func (fe *fileEngine) rebuildOffsets() error {
	if _, err := fe.dataFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	recordSize := vectorRecordHeaderSize + 4*fe.dimension
	offset := int64(0)
	for {
		buf := make([]byte, recordSize)
		n, err := io.ReadFull(fe.dataFile, buf)
		if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
			break
		}
		if err == io.ErrUnexpectedEOF {
			break // truncated tail, ignore
		}
		if err != nil {
			return fmt.Errorf("engine: read data file: %w", err)
		}
		id := int64(binary.LittleEndian.Uint64(buf[0:8]))
		fe.offsets[id] = offset
		offset += int64(recordSize)
	}
	return nil
}

func bytesToFloat32(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("engine: buffer size must be a multiple of 4")
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

// ParseIndexDesc is a small helper exposed for tests and diagnostics, not
// used on the AddVectors hot path: reports whether an engine_type string
// requires FAISS training before it can serve approximate search.
func ParseIndexDesc(engineType meta.EngineType) bool {
	return !(engineType == meta.EngineFlat || engineType == meta.EngineIDMap || engineType == meta.EngineHNSW)
}

// Merge folds several source engines' vectors into one freshly-built
// engine at location. Sources are left untouched; the caller closes
// and retires them. The coordinator's background compactor does not call
// Merge: it folds source files into its NEW_MERGE target itself.
func Merge(dimension int, location string, engineType meta.EngineType, metricType meta.MetricType, nlist int, sources []IndexEngine) (IndexEngine, error) {
	dst, err := Build(dimension, location, engineType, metricType, nlist)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		ids, vectors, err := src.All()
		if err != nil {
			dst.Close()
			return nil, fmt.Errorf("engine: read source for merge: %w", err)
		}
		if len(ids) == 0 {
			continue
		}
		if err := dst.AddVectors(ids, vectors); err != nil {
			dst.Close()
			return nil, fmt.Errorf("engine: merge add: %w", err)
		}
	}
	return dst, nil
}
