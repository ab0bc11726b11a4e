package lsm

import (
	"fmt"
	"testing"
	"time"
)

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig(dir)

	s, err := Open(config)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	testData := map[string]string{
		"key1": "value1",
		"key2": "value2",
		"key3": "value3",
	}
	for key, value := range testData {
		if err := s.Put([]byte(key), []byte(value)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := Open(config)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	for key, expected := range testData {
		value, found, err := s2.Get([]byte(key))
		if err != nil {
			t.Fatalf("Get failed for %s: %v", key, err)
		}
		if !found {
			t.Fatalf("key %s not found after recovery", key)
		}
		if string(value) != expected {
			t.Fatalf("expected %s, got %s for key %s", expected, string(value), key)
		}
	}
}

func TestCrashBetweenRotateAndFlush(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig(dir)
	config.MemtableThreshold = 10

	s, err := Open(config)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key%d", i)
		if err := s.Put([]byte(key), []byte("v")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	// Simulate a crash mid-flush: rotate the WAL (as the flush worker
	// would) but never write or publish the SST, then reopen without a
	// clean Close. The staging log must still hold these records.
	if err := s.wal.rotate(); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	s2, err := Open(config)
	if err != nil {
		t.Fatalf("reopen after simulated crash failed: %v", err)
	}
	defer s2.Close()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key%d", i)
		_, found, err := s2.Get([]byte(key))
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !found {
			t.Fatalf("key %s lost across simulated crash", key)
		}
	}
}

func TestCompactionPreservesData(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig(dir)
	config.MemtableThreshold = 32

	s, err := Open(config)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	numKeys := 1000
	testData := make(map[string]string, numKeys)
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key%05d", i)
		value := fmt.Sprintf("value%05d", i)
		testData[key] = value
		if err := s.Put([]byte(key), []byte(value)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	waitForCondition(t, 5*time.Second, func() bool {
		return s.levels.count(0) <= l0CompactionTrigger
	})

	for key, expected := range testData {
		value, found, err := s.Get([]byte(key))
		if err != nil {
			t.Fatalf("Get failed for %s: %v", key, err)
		}
		if !found {
			t.Fatalf("key %s not found after compaction", key)
		}
		if string(value) != expected {
			t.Fatalf("expected %s, got %s for key %s", expected, string(value), key)
		}
	}

	t.Logf("L0 files: %d, L1 files: %d, L2 files: %d", s.levels.count(0), s.levels.count(1), s.levels.count(2))
}

func TestBloomFilterShortCircuitsMisses(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig(dir)
	config.MemtableThreshold = 16

	s, err := Open(config)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3000; i++ {
		key := fmt.Sprintf("key%05d", i)
		if err := s.Put([]byte(key), []byte(fmt.Sprintf("value%05d", i))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	waitForCondition(t, 5*time.Second, func() bool { return s.levels.totalFiles() > 0 })

	_, found, err := s.Get([]byte("ghost_key"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Fatal("ghost key unexpectedly found")
	}

	for _, sst := range s.levels.findL0NewestFirst() {
		if sst.bloom.contains([]byte("ghost_key")) && !sst.overlaps([]byte("ghost_key"), []byte("ghost_key")) {
			t.Fatalf("bloom filter reported a key outside the sstable's range")
		}
	}
}

func TestTombstoneElisionAtBottomLevel(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig(dir)
	config.MemtableThreshold = 4

	s, err := Open(config)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	fill := func(prefix string) {
		for i := 0; i < 20; i++ {
			key := fmt.Sprintf("%s%04d", prefix, i)
			s.Put([]byte(key), []byte("v"))
		}
	}

	s.Put([]byte("k"), []byte("v1"))
	fill("a")
	waitForCondition(t, 5*time.Second, func() bool { return s.levels.count(0) <= l0CompactionTrigger })

	s.Remove([]byte("k"))
	fill("b")
	waitForCondition(t, 5*time.Second, func() bool { return s.levels.count(0) <= l0CompactionTrigger })

	_, found, err := s.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Fatal("removed key k still visible")
	}

	for level := 1; level < s.levels.numLevels(); level++ {
		for _, sst := range s.levels.snapshot(level) {
			it, err := newSSTIterator(sst)
			if err != nil {
				t.Fatalf("iterate sstable: %v", err)
			}
			for it.hasNext() {
				if string(it.key()) == "k" {
					t.Fatalf("found key k (possibly a stray tombstone) in L%d after two bottom-level compactions", level)
				}
				it.advance()
			}
			it.close()
		}
	}
}

func TestUpdatesDuringCompaction(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig(dir)
	config.MemtableThreshold = 32

	s, err := Open(config)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key%04d", i)
		if err := s.Put([]byte(key), []byte(fmt.Sprintf("v1-%04d", i))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	waitForCondition(t, 2*time.Second, func() bool { return s.levels.count(0) > 0 })

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key%04d", i)
		if err := s.Put([]byte(key), []byte(fmt.Sprintf("v2-%04d", i))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	waitForCondition(t, 5*time.Second, func() bool { return s.levels.count(0) <= l0CompactionTrigger })

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key%04d", i)
		expected := fmt.Sprintf("v2-%04d", i)

		value, found, err := s.Get([]byte(key))
		if err != nil {
			t.Fatalf("Get failed for %s: %v", key, err)
		}
		if !found {
			t.Fatalf("key %s not found", key)
		}
		if string(value) != expected {
			t.Fatalf("expected %s, got %s for key %s", expected, string(value), key)
		}
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig(dir)
	config.MemtableThreshold = 32

	s1, err := Open(config)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key%04d", i)
		value := []byte(fmt.Sprintf("value%04d", i))
		if err := s1.Put([]byte(key), value); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	waitForCondition(t, 5*time.Second, func() bool { return s1.levels.totalFiles() > 0 })

	if err := s1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := Open(config)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key%04d", i)
		expected := fmt.Sprintf("value%04d", i)

		value, found, err := s2.Get([]byte(key))
		if err != nil {
			t.Fatalf("Get failed for %s: %v", key, err)
		}
		if !found {
			t.Fatalf("key %s not found after restart", key)
		}
		if string(value) != expected {
			t.Fatalf("expected %s, got %s for key %s", expected, string(value), key)
		}
	}

	t.Logf("after restart: L0 files: %d, L1 files: %d", s2.levels.count(0), s2.levels.count(1))
}
