package meta

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// fileLog is an mmap-backed append log of TableFile records, one JSON
// record per append, framed with a 4-byte length prefix. A later record
// for the same FileID supersedes an earlier one on replay — the same
// "last write wins" discipline internal/index/BTreeIndex.go used for its
// key→offset entries, adapted here to whole TableFile rows instead of a
// single int64 value.
type fileLog struct {
	mu          sync.Mutex
	file        *os.File
	mmapData    []byte
	writeOffset int
}

const fileLogInitialSize = 4096

func openFileLog(path string) (*fileLog, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("open file log: %w", err)
	}

	size, err := file.Seek(0, 2)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		size = fileLogInitialSize
		if err := file.Truncate(size); err != nil {
			return nil, err
		}
	}

	data, err := syscall.Mmap(int(file.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap file log: %w", err)
	}

	return &fileLog{file: file, mmapData: data}, nil
}

// loadAll replays the log, returning the last recorded version of every
// FileID, and sets writeOffset to the offset new records are appended from.
func (fl *fileLog) loadAll() (map[int64]*TableFile, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	out := make(map[int64]*TableFile)
	offset := 0
	for offset+4 <= len(fl.mmapData) {
		size := binary.LittleEndian.Uint32(fl.mmapData[offset : offset+4])
		if size == 0 {
			break // untouched tail of a grown region
		}
		start := offset + 4
		end := start + int(size)
		if end > len(fl.mmapData) {
			break // truncated tail, ignore
		}
		var rec TableFile
		if err := json.Unmarshal(fl.mmapData[start:end], &rec); err != nil {
			break // corrupt tail entry, stop replay here
		}
		out[rec.FileID] = &rec
		offset = end
	}
	fl.writeOffset = offset
	return out, nil
}

func (fl *fileLog) append(f *TableFile) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()

	entrySize := 4 + len(data)
	if fl.writeOffset+entrySize > len(fl.mmapData) {
		if err := fl.grow(fl.writeOffset + entrySize); err != nil {
			return err
		}
	}

	off := fl.writeOffset
	binary.LittleEndian.PutUint32(fl.mmapData[off:off+4], uint32(len(data)))
	copy(fl.mmapData[off+4:off+4+len(data)], data)
	fl.writeOffset += entrySize

	return unix.Msync(fl.mmapData, unix.MS_SYNC)
}

func (fl *fileLog) grow(minSize int) error {
	newSize := len(fl.mmapData)*2 + fileLogInitialSize
	if newSize < minSize {
		newSize = minSize + fileLogInitialSize
	}
	if err := syscall.Munmap(fl.mmapData); err != nil {
		return err
	}
	if err := fl.file.Truncate(int64(newSize)); err != nil {
		return err
	}
	data, err := syscall.Mmap(int(fl.file.Fd()), 0, newSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}
	fl.mmapData = data
	return nil
}

// compact rewrites the log from a clean snapshot of current state, so the
// file on disk no longer grows without bound across superseded versions of
// the same FileID. Mirrors BTreeIndex.persistIndex's munmap/truncate/remap
// dance.
func (fl *fileLog) compact(current map[int64]*TableFile) error {
	fl.mu.Lock()
	if err := syscall.Munmap(fl.mmapData); err != nil {
		fl.mu.Unlock()
		return err
	}
	if err := fl.file.Truncate(0); err != nil {
		fl.mu.Unlock()
		return err
	}
	if err := fl.file.Truncate(fileLogInitialSize); err != nil {
		fl.mu.Unlock()
		return err
	}
	data, err := syscall.Mmap(int(fl.file.Fd()), 0, fileLogInitialSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		fl.mu.Unlock()
		return err
	}
	fl.mmapData = data
	fl.writeOffset = 0
	fl.mu.Unlock()

	ids := make([]int64, 0, len(current))
	for id := range current {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := fl.append(current[id]); err != nil {
			return err
		}
	}
	return nil
}

func (fl *fileLog) close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if err := syscall.Munmap(fl.mmapData); err != nil {
		return err
	}
	return fl.file.Close()
}
