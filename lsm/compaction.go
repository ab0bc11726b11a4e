package lsm

import (
	"bytes"
	"container/heap"
	"fmt"
	"log"
	"path/filepath"
)

// mergeHeapItem wraps one input iterator for the k-way merge heap.
type mergeHeapItem struct {
	it *sstIterator
}

// mergeHeap orders iterators by current key ascending; ties are
// broken by recency — a lower level is newer, and within the same
// level a higher file id is newer — so the freshest record for a
// duplicated key always surfaces first.
type mergeHeap []*mergeHeapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].it, h[j].it
	if c := bytes.Compare(a.key(), b.key()); c != 0 {
		return c < 0
	}
	if a.level != b.level {
		return a.level < b.level
	}
	return a.fileID > b.fileID
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeHeapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// sstFilename builds the canonical on-disk name for an SST at (level,
// fileID): level_<L>_<file_id>.sst.
func sstFilename(dataDir string, level int, fileID uint64) string {
	return filepath.Join(dataDir, fmt.Sprintf("level_%d_%d.sst", level, fileID))
}

// mergeCompaction k-way merges inputs (already opened as iterators,
// one per source sstable) into a run of new SSTs at targetLevel,
// starting at startFileID. bottomLevel controls whether a tombstone
// is carried forward (non-bottom) or elided (bottom, since no lower
// level can still need it). Input files are left untouched; callers
// perform the levels metadata swap and file deletion afterward.
func mergeCompaction(dataDir string, inputs []*sstable, targetLevel int, bottomLevel bool, startFileID uint64) ([]*sstable, error) {
	its := make([]*sstIterator, 0, len(inputs))
	for _, s := range inputs {
		it, err := newSSTIterator(s)
		if err != nil {
			closeIterators(its)
			return nil, fmt.Errorf("open compaction input: %w", err)
		}
		its = append(its, it)
	}
	defer closeIterators(its)

	h := &mergeHeap{}
	heap.Init(h)
	for _, it := range its {
		if it.hasNext() {
			heap.Push(h, &mergeHeapItem{it: it})
		}
	}

	var (
		out         []*sstable
		batch       []memtableEntry
		batchBytes  int
		lastKey     []byte
		haveLastKey bool
		fileID      = startFileID
	)

	seal := func() error {
		if len(batch) == 0 {
			return nil
		}
		path := sstFilename(dataDir, targetLevel, fileID)
		s, err := writeSSTable(path, batch, targetLevel, fileID)
		if err != nil {
			return fmt.Errorf("seal compaction output: %w", err)
		}
		out = append(out, s)
		fileID++
		batch = nil
		batchBytes = 0
		return nil
	}

	for h.Len() > 0 {
		item := heap.Pop(h).(*mergeHeapItem)
		it := item.it

		key := append([]byte(nil), it.key()...)
		value := append([]byte(nil), it.value()...)
		deleted := it.deleted()

		it.advance()
		if it.hasNext() {
			heap.Push(h, item)
		}

		switch {
		case haveLastKey && bytes.Equal(key, lastKey):
			// Older duplicate of a key already emitted or elided this pass.
		case deleted && bottomLevel:
			lastKey = key
			haveLastKey = true
		default:
			t := tagLive
			if deleted {
				t = tagDead
			}
			e := memtableEntry{Key: key, Value: value, Tag: t}
			entrySize := (record{Key: key, Value: value, Tag: t}).encodedSize()

			if len(batch) > 0 && batchBytes+entrySize > maxSSTableSize {
				if err := seal(); err != nil {
					return nil, err
				}
			}
			batch = append(batch, e)
			batchBytes += entrySize
			lastKey = key
			haveLastKey = true
		}
	}

	if err := seal(); err != nil {
		return nil, err
	}
	return out, nil
}

// deleteSSTables unlinks a set of sstables already removed from the
// levels metadata. A failure here is logged, not propagated — the
// metadata swap already made these files unreachable from the store.
func deleteSSTables(sstables []*sstable) {
	for _, s := range sstables {
		if err := s.remove(); err != nil {
			log.Printf("lsm: failed to remove compacted sstable %s: %v", s.path, err)
		}
	}
}
