// Package bloom provides the probabilistic prefilter used by snapshots to
// answer definite domain misses without touching the name index.
package bloom

import (
	"math"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"
)

// Filter is the minimal interface a snapshot needs from a Bloom filter.
// Filters are populated once while a snapshot is built and only read after
// publication, so implementations need no write locking.
type Filter interface {
	Add(key []byte)
	MightContain(key []byte) bool
}

// Factory builds filters sized for a dataset.
type Factory interface {
	New(capacity uint64, fpRate float64) Filter
}

// Sizer computes m (bits) and k (hash functions) for n keys at a target
// false-positive rate p.
type Sizer interface {
	Size(n uint64, p float64) (m uint64, k uint8)
}

const defaultFPRate = 0.01

type factory struct {
	sizer Sizer
}

// NewFactory returns a Factory backed by bits-and-blooms filters.
func NewFactory() Factory { return factory{sizer: NewSizer()} }

func (f factory) New(capacity uint64, fpRate float64) Filter {
	m, k := f.sizer.Size(capacity, fpRate)
	return &filter{bf: bitsbloom.New(uint(m), uint(k))}
}

type filter struct {
	bf *bitsbloom.BloomFilter
}

func (f *filter) Add(key []byte) { f.bf.Add(key) }

func (f *filter) MightContain(key []byte) bool { return f.bf.Test(key) }

// sizer uses the standard formulas
//
//	m = -(n * ln p) / (ln 2)^2
//	k = (m / n) * ln 2
//
// clamped to at least 1.
type sizer struct{}

// NewSizer returns the default Sizer.
func NewSizer() Sizer { return sizer{} }

func (sizer) Size(n uint64, p float64) (uint64, uint8) {
	if n == 0 {
		n = 1
	}
	if !(p > 0 && p < 1) {
		p = defaultFPRate
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m == 0 {
		m = 1
	}
	k := math.Max(1, math.Round(float64(m)/float64(n)*math.Ln2))
	if k > math.MaxUint8 {
		k = math.MaxUint8
	}
	return m, uint8(k)
}

// Nop is a Filter that always answers "maybe"; it disables prefiltering.
type Nop struct{}

func (Nop) Add([]byte) {}

func (Nop) MightContain([]byte) bool { return true }

var (
	_ Factory = factory{}
	_ Filter  = (*filter)(nil)
	_ Filter  = Nop{}
)
