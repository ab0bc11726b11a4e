package lsm

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
)

// indexGranularity is the sparse-index sampling rate: one index entry
// is emitted for every this-many records.
const indexGranularity = 100

// indexEntry maps a key to the byte offset of the record it names,
// sampled every indexGranularity records.
type indexEntry struct {
	Key    []byte
	Offset int64
}

// sstable is an immutable, key-sorted on-disk run. Its sparse index and
// Bloom filter live only in memory, rebuilt by a linear scan whenever
// the file is opened — nothing but raw records is ever written to
// disk.
type sstable struct {
	file    *os.File
	path    string
	level   int
	fileID  uint64
	minKey  []byte
	maxKey  []byte
	size    int64
	index   []indexEntry
	bloom   *bloomFilter
}

// openSSTable opens path and rebuilds its index and Bloom filter by
// scanning every record, skipping value payloads via seek rather than
// reading them.
func openSSTable(path string, level int, fileID uint64) (*sstable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sstable: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat sstable: %w", err)
	}

	index, minKey, maxKey, count, err := loadIndex(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("load index for %s: %w", path, err)
	}

	bf := newBloomFilter(count, sstBloomHashes)
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek sstable: %w", err)
	}
	for {
		key, _, err := skipRecordValue(f)
		if err != nil {
			if err == io.EOF {
				break
			}
			f.Close()
			return nil, fmt.Errorf("rebuild bloom for %s: %w", path, err)
		}
		bf.add(key)
	}

	return &sstable{
		file:   f,
		path:   path,
		level:  level,
		fileID: fileID,
		minKey: minKey,
		maxKey: maxKey,
		size:   stat.Size(),
		index:  index,
		bloom:  bf,
	}, nil
}

// loadIndex scans the file linearly, skipping each value payload via a
// seek, and returns a sparse index sampled every indexGranularity
// records along with the file's min/max key and total record count.
func loadIndex(r io.ReadSeeker) (index []indexEntry, minKey, maxKey []byte, count int, err error) {
	var offset int64
	for {
		key, _, rerr := skipRecordValue(r)
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return nil, nil, nil, 0, rerr
		}

		if count%indexGranularity == 0 {
			index = append(index, indexEntry{Key: append([]byte(nil), key...), Offset: offset})
		}
		if count == 0 {
			minKey = append([]byte(nil), key...)
		}
		maxKey = append([]byte(nil), key...)

		cur, serr := r.Seek(0, io.SeekCurrent)
		if serr != nil {
			return nil, nil, nil, 0, serr
		}
		offset = cur
		count++
	}
	return index, minKey, maxKey, count, nil
}

// overlaps reports whether this SST's key range intersects [start, end].
// An empty bound on either side means unbounded.
func (s *sstable) overlaps(start, end []byte) bool {
	if len(start) > 0 && bytes.Compare(s.maxKey, start) < 0 {
		return false
	}
	if len(end) > 0 && bytes.Compare(s.minKey, end) > 0 {
		return false
	}
	return true
}

// search looks up key, narrowing the scan to one sparse-index window
// via binary search and a bounded forward scan within it. verbose, when
// set, traces which index window the search jumped to.
func (s *sstable) search(key []byte, verbose bool) ([]byte, lookupResult, error) {
	if len(s.index) == 0 {
		return nil, lookupAbsent, nil
	}
	if !s.bloom.contains(key) {
		return nil, lookupAbsent, nil
	}
	if bytes.Compare(key, s.minKey) < 0 || bytes.Compare(key, s.maxKey) > 0 {
		return nil, lookupAbsent, nil
	}

	i := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].Key, key) > 0
	})
	if i == 0 {
		return nil, lookupAbsent, nil
	}
	if verbose {
		log.Printf("lsm: search %s jumped to index window %d (offset %d) in %s", key, i-1, s.index[i-1].Offset, s.path)
	}
	start := s.index[i-1].Offset
	windowEnd := s.size
	if i < len(s.index) {
		windowEnd = s.index[i].Offset
	}

	// A section reader reads through ReadAt rather than the shared file
	// descriptor's seek position, so concurrent lookups against the same
	// open sstable never race with one another.
	window := io.NewSectionReader(s.file, start, windowEnd-start)

	for {
		r, err := readRecord(window)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, lookupAbsent, fmt.Errorf("scan sstable window: %w", err)
		}
		switch bytes.Compare(r.Key, key) {
		case 0:
			if r.deleted() {
				return nil, lookupTombstone, nil
			}
			return r.Value, lookupValue, nil
		case 1:
			return nil, lookupAbsent, nil
		}
	}
	return nil, lookupAbsent, nil
}

func (s *sstable) close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// remove closes and unlinks the underlying file. Callers must only
// call this after the SST has been removed from the levels metadata.
func (s *sstable) remove() error {
	s.close()
	return os.Remove(s.path)
}
