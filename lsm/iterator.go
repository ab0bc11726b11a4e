package lsm

import (
	"fmt"
	"os"
)

// sstIterator is a forward, single-pass cursor over one SST file. It
// is used only internally, by compaction's k-way merge — there is no
// public range-scan surface. Not safe for concurrent use, and cannot
// be restarted once exhausted.
type sstIterator struct {
	file    *os.File
	owned   bool
	valid   bool
	cur     record
	level   int
	fileID  uint64
}

// newSSTIterator opens its own handle on s's file so the iterator's
// seek position never interferes with concurrent point lookups against
// the same sstable.
func newSSTIterator(s *sstable) (*sstIterator, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open sstable for iteration: %w", err)
	}
	it := &sstIterator{file: f, owned: true, level: s.level, fileID: s.fileID}
	it.advance()
	return it, nil
}

// advance reads the next record. On short read or EOF it marks the
// iterator invalid; callers must check hasNext before key/value.
func (it *sstIterator) advance() {
	r, err := readRecord(it.file)
	if err != nil {
		it.valid = false
		return
	}
	it.cur = r
	it.valid = true
}

func (it *sstIterator) hasNext() bool { return it.valid }
func (it *sstIterator) key() []byte   { return it.cur.Key }
func (it *sstIterator) value() []byte { return it.cur.Value }
func (it *sstIterator) deleted() bool { return it.cur.deleted() }

func (it *sstIterator) close() error {
	if it.owned && it.file != nil {
		return it.file.Close()
	}
	return nil
}

// closeIterators is a defensive helper for error paths that want to close
// every open iterator in a set without short-circuiting on the first
// error.
func closeIterators(its []*sstIterator) {
	for _, it := range its {
		it.close()
	}
}
