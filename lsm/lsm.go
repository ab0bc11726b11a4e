package lsm

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Config configures a Store.
type Config struct {
	// DataDir holds the WAL and every SST file. Created if missing.
	DataDir string
	// WALPath overrides the write-ahead log's location. Defaults to
	// wal.log inside DataDir.
	WALPath string
	// MemtableThreshold is the entry count at which the active
	// memtable is frozen and flushed to a level-0 SST.
	MemtableThreshold int
	// Verbose traces which sparse-index window each Get's sstable scan
	// jumps to, at log.Printf verbosity.
	Verbose bool
}

// DefaultConfig returns a Config with the reference thresholds.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:           dataDir,
		WALPath:           filepath.Join(dataDir, "wal.log"),
		MemtableThreshold: defaultMemtableThreshold,
	}
}

// Store is the embedded LSM engine: a durable WAL, a mutable and an
// immutable memtable, and a dynamically growing set of levels of
// immutable SSTs, kept consistent under levelManager's lock and the
// memtable's own lock.
type Store struct {
	config Config

	mu                sync.RWMutex // guards which *memtable is active/immutable
	activeMemtable    *memtable
	immutableMemtable *memtable
	wal               *wal
	levels            *levelManager

	flushChan      chan struct{}
	compactionChan chan struct{}
	closeChan      chan struct{}
	wg             sync.WaitGroup

	closeOnce sync.Once
	closed    bool
}

// Open opens (or creates) the store rooted at config.DataDir: it
// replays the WAL into a fresh memtable, discovers and reopens every
// existing SST, and starts the background flush and compaction
// workers.
func Open(config Config) (*Store, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("lsm: DataDir must not be empty")
	}
	if config.WALPath == "" {
		config.WALPath = filepath.Join(config.DataDir, "wal.log")
	}
	if config.MemtableThreshold <= 0 {
		config.MemtableThreshold = defaultMemtableThreshold
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	w, err := openWAL(config.WALPath)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	s := &Store{
		config:         config,
		activeMemtable: newMemtable(config.MemtableThreshold),
		levels:         newLevelManager(),
		wal:            w,
		flushChan:      make(chan struct{}, 1),
		compactionChan: make(chan struct{}, 1),
		closeChan:      make(chan struct{}),
	}

	if err := s.recover(); err != nil {
		w.close()
		return nil, fmt.Errorf("recover wal: %w", err)
	}
	if err := s.loadSSTables(); err != nil {
		w.close()
		return nil, fmt.Errorf("load sstables: %w", err)
	}

	s.wg.Add(2)
	go s.flushWorker()
	go s.compactionWorker()

	return s, nil
}

// recover replays any staging WAL left by a crash between rotate and
// clear_temp, then the active WAL, into the fresh memtable, in that
// order — the staging log holds the older half of an in-flight flush.
func (s *Store) recover() error {
	staged, err := readAllFrom(s.config.WALPath + tempSuffix)
	if err != nil {
		return err
	}
	for _, r := range staged {
		s.applyRecoveredRecord(r)
	}

	active, err := s.wal.readAll()
	if err != nil {
		return err
	}
	for _, r := range active {
		s.applyRecoveredRecord(r)
	}

	return s.wal.clearTemp()
}

func (s *Store) applyRecoveredRecord(r record) {
	if r.deleted() {
		s.activeMemtable.remove(r.Key)
	} else {
		s.activeMemtable.put(r.Key, r.Value)
	}
}

// loadSSTables enumerates level_<L>_<id>.sst files in the data
// directory, rebuilding each one's index and Bloom filter by scanning
// it. Anything not matching the exact naming pattern is skipped.
func (s *Store) loadSSTables() error {
	entries, err := os.ReadDir(s.config.DataDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sst" {
			continue
		}

		var level int
		var fileID uint64
		if _, err := fmt.Sscanf(entry.Name(), "level_%d_%d.sst", &level, &fileID); err != nil {
			log.Printf("lsm: skipping unrecognized sstable filename %s", entry.Name())
			continue
		}
		if sstFilename(s.config.DataDir, level, fileID) != filepath.Join(s.config.DataDir, entry.Name()) {
			log.Printf("lsm: skipping unrecognized sstable filename %s", entry.Name())
			continue
		}

		path := filepath.Join(s.config.DataDir, entry.Name())
		sst, err := openSSTable(path, level, fileID)
		if err != nil {
			log.Printf("lsm: skipping corrupt sstable %s: %v", entry.Name(), err)
			continue
		}
		s.levels.add(level, sst)
	}

	return nil
}

// Put stores value under key, overwriting any prior value. The WAL
// append happens before the memtable insert; a WAL failure aborts the
// call without touching the memtable.
func (s *Store) Put(key, value []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.wal.write(key, value, tagLive); err != nil {
		return fmt.Errorf("put: %w", err)
	}

	s.mu.RLock()
	s.activeMemtable.put(key, value)
	full := s.activeMemtable.full()
	s.mu.RUnlock()

	if full {
		s.freezeActiveMemtable()
	}
	return nil
}

// Remove writes a tombstone for key, shadowing any earlier value. It
// is idempotent: removing an absent key is not an error.
func (s *Store) Remove(key []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.wal.write(key, nil, tagDead); err != nil {
		return fmt.Errorf("remove: %w", err)
	}

	s.mu.RLock()
	s.activeMemtable.remove(key)
	full := s.activeMemtable.full()
	s.mu.RUnlock()

	if full {
		s.freezeActiveMemtable()
	}
	return nil
}

// Get returns the current value for key, and false if it is absent or
// has been removed. The read path consults the active memtable, the
// immutable memtable, L0 newest-file-first, then L ≥ 1 via binary
// search — the first hit wins, since more recent writes always shadow
// older ones.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if s.isClosed() {
		return nil, false, ErrClosed
	}

	s.mu.RLock()
	if v, res := s.activeMemtable.get(key); res != lookupAbsent {
		s.mu.RUnlock()
		return translateLookup(v, res)
	}
	if s.immutableMemtable != nil {
		if v, res := s.immutableMemtable.get(key); res != lookupAbsent {
			s.mu.RUnlock()
			return translateLookup(v, res)
		}
	}
	s.mu.RUnlock()

	for _, sst := range s.levels.findL0NewestFirst() {
		v, res, err := sst.search(key, s.config.Verbose)
		if err != nil {
			return nil, false, fmt.Errorf("search %s: %w", sst.path, err)
		}
		if res != lookupAbsent {
			return translateLookup(v, res)
		}
	}

	for level := 1; level < s.levels.numLevels(); level++ {
		sst := s.levels.findInLevel(level, key)
		if sst == nil {
			continue
		}
		v, res, err := sst.search(key, s.config.Verbose)
		if err != nil {
			return nil, false, fmt.Errorf("search %s: %w", sst.path, err)
		}
		if res != lookupAbsent {
			return translateLookup(v, res)
		}
	}

	return nil, false, nil
}

func translateLookup(v []byte, res lookupResult) ([]byte, bool, error) {
	if res == lookupTombstone {
		return nil, false, nil
	}
	return v, true, nil
}

// freezeActiveMemtable swaps a full active memtable for a fresh one
// and wakes the flush worker. A second caller racing to freeze an
// already-frozen memtable is a no-op — only one flush is ever pending.
func (s *Store) freezeActiveMemtable() {
	s.mu.Lock()
	if s.activeMemtable.full() && s.immutableMemtable == nil {
		s.immutableMemtable = s.activeMemtable
		s.activeMemtable = newMemtable(s.config.MemtableThreshold)
		select {
		case s.flushChan <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Store) flushWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeChan:
			return
		case <-s.flushChan:
			s.flushImmutableMemtable()
			select {
			case s.compactionChan <- struct{}{}:
			default:
			}
		}
	}
}

// flushImmutableMemtable drains the frozen memtable to a new L0 SST,
// following the recovery ordering discipline: rotate the WAL before
// the flush, clear its staging copy only after the SST is durable.
func (s *Store) flushImmutableMemtable() {
	s.mu.Lock()
	imm := s.immutableMemtable
	s.mu.Unlock()
	if imm == nil {
		return
	}

	if err := s.wal.rotate(); err != nil {
		log.Printf("lsm: wal rotate failed, flush skipped: %v", err)
		return
	}

	entries := imm.flush()
	if len(entries) > 0 {
		fileID := s.levels.nextFileID(0)
		path := sstFilename(s.config.DataDir, 0, fileID)
		sst, err := writeSSTable(path, entries, 0, fileID)
		if err != nil {
			log.Printf("lsm: flush to sstable failed: %v", err)
			return
		}
		s.levels.add(0, sst)
	}

	if err := s.wal.clearTemp(); err != nil {
		log.Printf("lsm: clearing staging wal failed: %v", err)
	}

	s.mu.Lock()
	s.immutableMemtable = nil
	s.mu.Unlock()
}

func (s *Store) compactionWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeChan:
			return
		case <-s.compactionChan:
			s.runCompactionChecks()
		}
	}
}

// runCompactionChecks repeatedly applies the trigger policy (L0 first,
// then the lowest overflowing L ≥ 1) until no level qualifies — this
// is the recursive re-check a single compaction's output can demand.
func (s *Store) runCompactionChecks() {
	for {
		level, ok := s.levels.pickCompactionLevel()
		if !ok {
			return
		}
		s.compactLevel(level)
	}
}

// compactLevel merges every SST in level into level+1, deduplicating
// keys and eliding tombstones at the bottom level.
func (s *Store) compactLevel(level int) {
	defer s.levels.finishCompaction(level)

	toCompact := s.levels.snapshot(level)
	if len(toCompact) == 0 {
		return
	}

	targetLevel := level + 1
	numLevels := s.levels.numLevels()
	needNewLevel := targetLevel >= numLevels
	bottomLevel := needNewLevel || targetLevel == numLevels-1

	minKey, maxKey := keyRange(toCompact)
	var overlapping []*sstable
	if !needNewLevel {
		overlapping = s.levels.overlapping(targetLevel, minKey, maxKey)
	}

	startFileID := s.levels.nextFileID(targetLevel)
	inputs := make([]*sstable, 0, len(toCompact)+len(overlapping))
	inputs = append(inputs, toCompact...)
	inputs = append(inputs, overlapping...)

	newFiles, err := mergeCompaction(s.config.DataDir, inputs, targetLevel, bottomLevel, startFileID)
	if err != nil {
		log.Printf("lsm: compaction L%d->L%d failed: %v", level, targetLevel, err)
		return
	}

	s.levels.applyCompactionSwap(level, fileIDSet(toCompact), targetLevel, fileIDSet(overlapping), newFiles)

	deleteSSTables(toCompact)
	deleteSSTables(overlapping)
}

func fileIDSet(ssts []*sstable) map[uint64]bool {
	m := make(map[uint64]bool, len(ssts))
	for _, s := range ssts {
		m[s.fileID] = true
	}
	return m
}

func keyRange(ssts []*sstable) (minKey, maxKey []byte) {
	for _, s := range ssts {
		if minKey == nil || bytes.Compare(s.minKey, minKey) < 0 {
			minKey = s.minKey
		}
		if maxKey == nil || bytes.Compare(s.maxKey, maxKey) > 0 {
			maxKey = s.maxKey
		}
	}
	return minKey, maxKey
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops the background workers and closes the WAL and every
// open SST handle. It does not force the active memtable to flush —
// its contents are recovered from the WAL on next Open.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.closeChan)
		s.wg.Wait()

		if walErr := s.wal.close(); walErr != nil {
			err = fmt.Errorf("close wal: %w", walErr)
			return
		}
		if lvlErr := s.levels.closeAll(); lvlErr != nil {
			err = fmt.Errorf("close sstables: %w", lvlErr)
		}
	})
	return err
}
