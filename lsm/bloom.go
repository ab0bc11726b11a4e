package lsm

import (
	"github.com/bits-and-blooms/bloom/v3"
)

// sstBloomHashes is the hash-function count for every SST's presence
// filter.
const sstBloomHashes = 7

// bloomFilter is a probabilistic set with no false negatives, used to
// skip an SST that cannot contain a key without touching its data. It
// is never serialized to disk: the filter backing a flushed SST is
// built once at flush time from the batch being written, and rebuilt
// from scratch by scanning the file whenever an SST is (re)opened.
type bloomFilter struct {
	f *bloom.BloomFilter
}

// newBloomFilter sizes the bit array to 10*numKeys bits with k hash
// positions per key. numKeys < 1 is treated as 1 so the underlying bit
// array is never zero-width.
func newBloomFilter(numKeys int, k uint) *bloomFilter {
	if numKeys < 1 {
		numKeys = 1
	}
	return &bloomFilter{f: bloom.New(uint(10*numKeys), k)}
}

// add inserts a key into the filter.
func (b *bloomFilter) add(key []byte) {
	b.f.Add(key)
}

// contains reports whether a key may be present. false means the key
// is definitely absent; true may be a false positive.
func (b *bloomFilter) contains(key []byte) bool {
	return b.f.Test(key)
}
