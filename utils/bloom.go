package utils

import (
	"math"
	"sync"

	"github.com/twmb/murmur3"
)

// BloomFilter is a fixed-size probabilistic membership set. Lookups may
// report false positives but never false negatives, which makes it safe for
// skip-if-seen deduplication during a scan session.
type BloomFilter struct {
	mu     sync.Mutex
	bits   []uint64
	nbits  uint64
	hashes int
}

// NewBloomFilter sizes the filter for the expected number of entries at a
// target false-positive rate of about 1%.
func NewBloomFilter(expected int) *BloomFilter {
	if expected <= 0 {
		expected = 1024
	}
	nbits := uint64(math.Ceil(-float64(expected) * math.Log(0.01) / (math.Ln2 * math.Ln2)))
	if nbits < 64 {
		nbits = 64
	}
	hashes := int(math.Round(float64(nbits) / float64(expected) * math.Ln2))
	if hashes < 1 {
		hashes = 1
	}
	return &BloomFilter{
		bits:   make([]uint64, (nbits+63)/64),
		nbits:  nbits,
		hashes: hashes,
	}
}

// Add marks key as seen.
func (f *BloomFilter) Add(key []byte) {
	h1, h2 := murmur3.Sum128(key)
	f.mu.Lock()
	for i := 0; i < f.hashes; i++ {
		idx := (h1 + uint64(i)*h2) % f.nbits
		f.bits[idx/64] |= 1 << (idx % 64)
	}
	f.mu.Unlock()
}

// AddString is a convenience wrapper for string keys.
func (f *BloomFilter) AddString(key string) {
	f.Add([]byte(key))
}

// Contains reports whether key was possibly seen before. A false return is
// authoritative.
func (f *BloomFilter) Contains(key []byte) bool {
	h1, h2 := murmur3.Sum128(key)
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < f.hashes; i++ {
		idx := (h1 + uint64(i)*h2) % f.nbits
		if f.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// ContainsString is a convenience wrapper for string keys.
func (f *BloomFilter) ContainsString(key string) bool {
	return f.Contains([]byte(key))
}
