package lsm

import (
	"errors"
	"fmt"
	"os"
)

// errEmptyBatch guards writeSSTable against ever producing a
// zero-record file; callers must skip the call instead (flushing an
// empty memtable is defined as a no-op).
var errEmptyBatch = errors.New("lsm: refusing to write an empty sstable")

// writeSSTable serializes a key-sorted, duplicate-free batch to disk
// as an immutable SST, then reopens it for reading. The file is
// staged at finalPath+tempSuffix, fsynced, and atomically renamed into
// place so a crash mid-write leaves no partially visible file at
// finalPath.
func writeSSTable(finalPath string, entries []memtableEntry, level int, fileID uint64) (*sstable, error) {
	if len(entries) == 0 {
		return nil, errEmptyBatch
	}

	tmpPath := finalPath + tempSuffix
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create sstable staging file: %w", err)
	}

	bf := newBloomFilter(len(entries), sstBloomHashes)
	index := make([]indexEntry, 0, len(entries)/indexGranularity+1)
	var offset int64

	for i, e := range entries {
		if i%indexGranularity == 0 {
			index = append(index, indexEntry{Key: e.Key, Offset: offset})
		}
		bf.add(e.Key)

		r := record{Key: e.Key, Value: e.Value, Tag: e.Tag}
		if err := writeRecord(f, r); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return nil, fmt.Errorf("write sstable record: %w", err)
		}
		offset += int64(r.encodedSize())
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("sync sstable staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("close sstable staging file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("publish sstable: %w", err)
	}

	rf, err := os.Open(finalPath)
	if err != nil {
		return nil, fmt.Errorf("reopen sstable: %w", err)
	}
	stat, err := rf.Stat()
	if err != nil {
		rf.Close()
		return nil, fmt.Errorf("stat sstable: %w", err)
	}

	return &sstable{
		file:   rf,
		path:   finalPath,
		level:  level,
		fileID: fileID,
		minKey: entries[0].Key,
		maxKey: entries[len(entries)-1].Key,
		size:   stat.Size(),
		index:  index,
		bloom:  bf,
	}, nil
}
