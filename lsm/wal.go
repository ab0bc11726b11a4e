package lsm

import (
	"fmt"
	"os"
	"sync"
)

// tempSuffix names the staging WAL produced by rotate: rotate renames
// the active log aside before a flush writes the new SST, and
// clearTemp removes the staging copy only after that SST is durable
// on disk.
const tempSuffix = ".tmp"

// wal is an append-only, durable log of every mutation. Every put and
// remove appends exactly one record before touching the memtable, so a
// crash at any point leaves either the active log or the staging log
// (or both) holding the unflushed records.
//
// A single mutex serializes every append and the full-file scan done
// by readAll.
type wal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// openWAL opens the log at path, creating it if it does not exist.
func openWAL(path string) (*wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	return &wal{file: f, path: path}, nil
}

func (w *wal) lock()   { w.mu.Lock() }
func (w *wal) unlock() { w.mu.Unlock() }

// write appends one record and flushes it to the OS before returning.
// It reports failure, and only failure, by returning a non-nil error —
// callers must not mutate the memtable when this returns an error.
func (w *wal) write(key, value []byte, t tag) error {
	w.lock()
	defer w.unlock()

	if err := writeRecord(w.file, record{Key: key, Value: value, Tag: t}); err != nil {
		return fmt.Errorf("wal write: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal flush: %w", err)
	}
	return nil
}

// readAll seeks to the beginning and decodes every record in file
// order — the order used to replay the log into a fresh memtable.
func (w *wal) readAll() ([]record, error) {
	w.lock()
	defer w.unlock()

	if _, err := w.file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("seek wal: %w", err)
	}

	var records []record
	for {
		r, err := readRecord(w.file)
		if err != nil {
			if isEOF(err) {
				break
			}
			return nil, fmt.Errorf("read wal: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}

// rotate renames the active log to a staging name and opens a fresh,
// empty log at the original path for subsequent writes. Callers use
// this before writing a new SST from the memtable being flushed.
func (w *wal) rotate() error {
	w.lock()
	defer w.unlock()

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close wal before rotate: %w", err)
	}

	tmpPath := w.path + tempSuffix
	if err := os.Rename(w.path, tmpPath); err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("reopen wal after rotate: %w", err)
	}
	w.file = f
	return nil
}

// clearTemp removes the staging log left behind by rotate. Called only
// after the SST the staging log's records were flushed into is durable.
func (w *wal) clearTemp() error {
	if err := os.Remove(w.path + tempSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear staging wal: %w", err)
	}
	return nil
}

// readAllFrom replays a standalone WAL file (the staging copy) without
// needing a live wal handle — used during recovery when a crash left a
// staging log from an in-progress flush.
func readAllFrom(path string) ([]record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open staging wal: %w", err)
	}
	defer f.Close()

	var records []record
	for {
		r, err := readRecord(f)
		if err != nil {
			if isEOF(err) {
				break
			}
			return nil, fmt.Errorf("read staging wal: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}

func (w *wal) close() error {
	w.lock()
	defer w.unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func isEOF(err error) bool { return err != nil && err.Error() == "EOF" }
