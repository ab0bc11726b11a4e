package lsm

import (
	"bytes"
	"sort"
	"sync"
)

// defaultMemtableThreshold is the entry count at which a memtable is
// drained into an immutable batch and flushed to a level-0 SST.
const defaultMemtableThreshold = 1000

// memtableEntry is one live or tombstoned key held in memory.
type memtableEntry struct {
	Key   []byte
	Value []byte
	Tag   tag
}

func (e memtableEntry) deleted() bool { return e.Tag == tagDead }

// memtable is a sorted map from key to value, held as a slice kept in
// key order by binary-search insertion. put and remove always leave
// exactly one entry per key — last write wins.
type memtable struct {
	mu        sync.RWMutex
	entries   []memtableEntry
	threshold int
}

func newMemtable(threshold int) *memtable {
	if threshold <= 0 {
		threshold = defaultMemtableThreshold
	}
	return &memtable{entries: make([]memtableEntry, 0, threshold), threshold: threshold}
}

func (m *memtable) find(key []byte) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return bytes.Compare(m.entries[i].Key, key) >= 0
	})
}

// put records a live value for key, replacing any prior entry.
func (m *memtable) put(key, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsert(memtableEntry{Key: key, Value: value, Tag: tagLive})
}

// remove records a tombstone for key, shadowing any prior entry.
func (m *memtable) remove(key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsert(memtableEntry{Key: key, Tag: tagDead})
}

func (m *memtable) upsert(e memtableEntry) {
	idx := m.find(e.Key)
	if idx < len(m.entries) && bytes.Equal(m.entries[idx].Key, e.Key) {
		m.entries[idx] = e
		return
	}
	m.entries = append(m.entries, memtableEntry{})
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = e
}

// lookupResult distinguishes a live value, a tombstone, and absence —
// three outcomes a caller of get must tell apart.
type lookupResult int

const (
	lookupAbsent lookupResult = iota
	lookupTombstone
	lookupValue
)

// get reports whether key is absent, shadowed by a tombstone, or live
// with the returned value.
func (m *memtable) get(key []byte) ([]byte, lookupResult) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.find(key)
	if idx < len(m.entries) && bytes.Equal(m.entries[idx].Key, key) {
		e := m.entries[idx]
		if e.deleted() {
			return nil, lookupTombstone
		}
		return e.Value, lookupValue
	}
	return nil, lookupAbsent
}

// len returns the number of distinct keys currently held.
func (m *memtable) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// full reports whether the entry count has reached the flush threshold.
func (m *memtable) full() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries) >= m.threshold
}

// flush atomically returns every entry in key order and empties the
// map, in one critical section, so no concurrent put/remove can be
// lost between the snapshot and the clear.
func (m *memtable) flush() []memtableEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	drained := m.entries
	m.entries = make([]memtableEntry, 0, m.threshold)
	return drained
}
