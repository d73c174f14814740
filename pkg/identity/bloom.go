package identity

import (
	"math"
	"sync"
	"sync/atomic"
)

const (
	DefaultBloomCapacity = 1 << 22
	DefaultBloomFPP      = 0.001
	DefaultResetFPP      = 0.01

	bloomStripes    = 64
	bloomStripeMask = bloomStripes - 1
)

type bitset struct {
	words    []atomic.Uint64
	inserted atomic.Uint64
}

func newBitset(bits uint64) *bitset {
	return &bitset{words: make([]atomic.Uint64, (bits+63)/64)}
}

func (b *bitset) test(i uint64) bool {
	return b.words[i>>6].Load()&(1<<(i&63)) != 0
}

func (b *bitset) set(i uint64) {
	w := &b.words[i>>6]
	mask := uint64(1) << (i & 63)
	for {
		old := w.Load()
		if old&mask != 0 || w.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

// Bloom is a concurrent bloom filter over pre-hashed keys. Lookups are lock free;
// inserts are serialized per stripe so two threads racing to insert the same key
// agree on which one saw it first.
//
// Once the estimated false positive probability passes the reset threshold the
// bit array is swapped for an empty one and a new epoch begins.
type Bloom struct {
	bits     atomic.Pointer[bitset]
	m        uint64
	k        uint64
	resetFPP float64
	epoch    atomic.Uint64
	stripes  [bloomStripes]sync.Mutex
}

// NewBloom sizes a filter for capacity keys at the target false positive rate.
func NewBloom(capacity uint64, fpp, resetFPP float64) *Bloom {
	if capacity == 0 {
		capacity = DefaultBloomCapacity
	}
	if fpp <= 0 || fpp >= 1 {
		fpp = DefaultBloomFPP
	}
	if resetFPP <= 0 || resetFPP >= 1 {
		resetFPP = DefaultResetFPP
	}
	m := uint64(math.Ceil(-float64(capacity) * math.Log(fpp) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint64(math.Round(float64(m) / float64(capacity) * math.Ln2))
	if k < 1 {
		k = 1
	}
	b := &Bloom{m: m, k: k, resetFPP: resetFPP}
	b.bits.Store(newBitset(m))
	return b
}

// Contains reports whether the key may have been added in the current epoch.
func (b *Bloom) Contains(h1, h2 uint64) bool {
	return b.contains(b.bits.Load(), h1, h2)
}

func (b *Bloom) contains(bs *bitset, h1, h2 uint64) bool {
	for i := uint64(0); i < b.k; i++ {
		if !bs.test((h1 + i*h2) % b.m) {
			return false
		}
	}
	return true
}

// AddIfAbsent inserts the key unless it is already present. onAdd runs before the
// bits are set, while the stripe is held, so no other caller can observe the key
// as present until onAdd has returned. When onAdd returns false the key is left
// out and the next call tries again. It reports whether the key was added.
func (b *Bloom) AddIfAbsent(h1, h2 uint64, onAdd func() bool) bool {
	if b.Contains(h1, h2) {
		return false
	}

	stripe := &b.stripes[h1&bloomStripeMask]
	stripe.Lock()
	defer stripe.Unlock()

	bs := b.bits.Load()
	if b.contains(bs, h1, h2) {
		return false
	}
	if b.estimate(bs.inserted.Load()+1) > b.resetFPP {
		bs = b.reset(bs)
	}
	if onAdd != nil && !onAdd() {
		return false
	}
	for i := uint64(0); i < b.k; i++ {
		bs.set((h1 + i*h2) % b.m)
	}
	bs.inserted.Add(1)
	return true
}

// reset installs an empty bit array unless another stripe already did.
func (b *Bloom) reset(old *bitset) *bitset {
	fresh := newBitset(b.m)
	if b.bits.CompareAndSwap(old, fresh) {
		b.epoch.Add(1)
		return fresh
	}
	return b.bits.Load()
}

// estimate returns the false positive probability after n insertions.
func (b *Bloom) estimate(n uint64) float64 {
	return math.Pow(1-math.Exp(-float64(b.k)*float64(n)/float64(b.m)), float64(b.k))
}

// FalsePositiveRate returns the current estimated false positive probability.
func (b *Bloom) FalsePositiveRate() float64 {
	return b.estimate(b.bits.Load().inserted.Load())
}

// Epoch returns the number of resets so far.
func (b *Bloom) Epoch() uint64 {
	return b.epoch.Load()
}

// Inserted returns the number of keys added in the current epoch.
func (b *Bloom) Inserted() uint64 {
	return b.bits.Load().inserted.Load()
}

// Params returns the bit count and hash count.
func (b *Bloom) Params() (m, k uint64) {
	return b.m, b.k
}
