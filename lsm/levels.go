package lsm

import (
	"bytes"
	"sort"
	"sync"
)

// Compaction trigger thresholds: L0 compacts once it holds more than
// 4 files; any level at or above L1 compacts once it holds more than
// 10.
const (
	l0CompactionTrigger = 4
	lnCompactionTrigger = 10
	maxSSTableSize      = 2 * 1024 * 1024 // output batch cap, bytes
)

// levelManager owns the levels vector and the active_compactions set,
// both guarded by a single reader/writer lock. get and compaction's
// input snapshot take the shared side; put's flush step, compaction
// scheduling (active_compactions) and compaction's swap step take the
// exclusive side. Levels grow dynamically — there is no fixed level
// count.
type levelManager struct {
	mu                sync.RWMutex
	levels            [][]*sstable
	activeCompactions map[int]bool
}

func newLevelManager() *levelManager {
	return &levelManager{
		levels:            make([][]*sstable, 1), // L0 always exists
		activeCompactions: make(map[int]bool),
	}
}

// ensureLevel grows the levels vector so that index n is addressable.
func (lm *levelManager) ensureLevel(n int) {
	for len(lm.levels) <= n {
		lm.levels = append(lm.levels, nil)
	}
}

// numLevels reports how many levels currently exist.
func (lm *levelManager) numLevels() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.levels)
}

// nextFileID returns the file id to assign to the next SST written
// into level, preserving the monotonicity invariant: once a file with
// id n exists in a level, no later file in that level gets an id ≤ n.
func (lm *levelManager) nextFileID(level int) uint64 {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.nextFileIDLocked(level)
}

func (lm *levelManager) nextFileIDLocked(level int) uint64 {
	if level >= len(lm.levels) {
		return 1
	}
	var max uint64
	for _, s := range lm.levels[level] {
		if s.fileID > max {
			max = s.fileID
		}
	}
	return max + 1
}

// add inserts sst into level and re-sorts it: L0 ascending by file id
// (so the read path can walk it newest-first), L ≥ 1 ascending by
// min_key (so the read path can binary-search it).
func (lm *levelManager) add(level int, sst *sstable) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.ensureLevel(level)
	lm.levels[level] = append(lm.levels[level], sst)
	lm.sortLocked(level)
}

func (lm *levelManager) sortLocked(level int) {
	tables := lm.levels[level]
	if level == 0 {
		sort.Slice(tables, func(i, j int) bool { return tables[i].fileID < tables[j].fileID })
		return
	}
	sort.Slice(tables, func(i, j int) bool { return bytes.Compare(tables[i].minKey, tables[j].minKey) < 0 })
}

// remove deletes every sstable in toRemove (matched by file id) from
// level. It does not touch the filesystem — callers unlink files only
// after this metadata swap has completed.
func (lm *levelManager) remove(level int, toRemove map[uint64]bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if level >= len(lm.levels) {
		return
	}
	kept := lm.levels[level][:0]
	for _, s := range lm.levels[level] {
		if !toRemove[s.fileID] {
			kept = append(kept, s)
		}
	}
	lm.levels[level] = kept
}

// applyCompactionSwap performs the whole post-merge metadata update —
// dropping the compacted inputs from sourceLevel and targetLevel and
// installing the merge's outputs into targetLevel — as one critical
// section, so a concurrent get never observes a window where a key is
// missing from both the old and new metadata.
func (lm *levelManager) applyCompactionSwap(sourceLevel int, sourceRemove map[uint64]bool, targetLevel int, targetRemove map[uint64]bool, newFiles []*sstable) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if sourceLevel < len(lm.levels) {
		kept := lm.levels[sourceLevel][:0]
		for _, s := range lm.levels[sourceLevel] {
			if !sourceRemove[s.fileID] {
				kept = append(kept, s)
			}
		}
		lm.levels[sourceLevel] = kept
	}

	lm.ensureLevel(targetLevel)
	kept := lm.levels[targetLevel][:0]
	for _, s := range lm.levels[targetLevel] {
		if !targetRemove[s.fileID] {
			kept = append(kept, s)
		}
	}
	lm.levels[targetLevel] = append(kept, newFiles...)
	lm.sortLocked(targetLevel)
}

// snapshot returns a copy of level's sstable slice, safe to read
// without holding the lock.
func (lm *levelManager) snapshot(level int) []*sstable {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if level >= len(lm.levels) {
		return nil
	}
	out := make([]*sstable, len(lm.levels[level]))
	copy(out, lm.levels[level])
	return out
}

// overlapping returns the sstables in level whose key range intersects
// [start, end].
func (lm *levelManager) overlapping(level int, start, end []byte) []*sstable {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	if level >= len(lm.levels) {
		return nil
	}
	var out []*sstable
	for _, s := range lm.levels[level] {
		if s.overlaps(start, end) {
			out = append(out, s)
		}
	}
	return out
}

// findL0NewestFirst returns L0's sstables ordered newest (largest
// file id) first, the order the read path consults them in.
func (lm *levelManager) findL0NewestFirst() []*sstable {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	if len(lm.levels) == 0 {
		return nil
	}
	src := lm.levels[0]
	out := make([]*sstable, len(src))
	for i, s := range src {
		out[len(src)-1-i] = s
	}
	return out
}

// findInLevel binary-searches a level ≥ 1, sorted by min_key ascending,
// for the unique sstable whose range could contain key.
func (lm *levelManager) findInLevel(level int, key []byte) *sstable {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	if level >= len(lm.levels) {
		return nil
	}
	tables := lm.levels[level]
	i := sort.Search(len(tables), func(i int) bool {
		return bytes.Compare(tables[i].minKey, key) > 0
	})
	if i == 0 {
		return nil
	}
	candidate := tables[i-1]
	if bytes.Compare(key, candidate.minKey) >= 0 && bytes.Compare(key, candidate.maxKey) <= 0 {
		return candidate
	}
	return nil
}

// shouldCompact reports whether level exceeds its trigger threshold.
func (lm *levelManager) shouldCompact(level int) bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	if level >= len(lm.levels) {
		return false
	}
	if level == 0 {
		return len(lm.levels[0]) > l0CompactionTrigger
	}
	return len(lm.levels[level]) > lnCompactionTrigger
}

// pickCompactionLevel applies the trigger policy: L0 first if over
// threshold, else the lowest L ≥ 1 over threshold. A level already in
// active_compactions is never picked twice.
func (lm *levelManager) pickCompactionLevel() (int, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if len(lm.levels) > 0 && len(lm.levels[0]) > l0CompactionTrigger && !lm.activeCompactions[0] {
		lm.activeCompactions[0] = true
		return 0, true
	}
	for level := 1; level < len(lm.levels); level++ {
		if len(lm.levels[level]) > lnCompactionTrigger && !lm.activeCompactions[level] {
			lm.activeCompactions[level] = true
			return level, true
		}
	}
	return 0, false
}

// finishCompaction releases level's slot in active_compactions.
func (lm *levelManager) finishCompaction(level int) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.activeCompactions, level)
}

// closeAll closes the file handle of every sstable across every level.
func (lm *levelManager) closeAll() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var firstErr error
	for _, level := range lm.levels {
		for _, s := range level {
			if err := s.close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// count returns the number of sstables currently in level, for
// metrics and tests — 0 for a level that does not yet exist.
func (lm *levelManager) count(level int) int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if level >= len(lm.levels) {
		return 0
	}
	return len(lm.levels[level])
}

// totalFiles returns the number of sstables across every level,
// exposed only for operator-visible metrics.
func (lm *levelManager) totalFiles() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	total := 0
	for _, level := range lm.levels {
		total += len(level)
	}
	return total
}
