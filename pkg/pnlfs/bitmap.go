package pnlfs

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// bitsPerWord is the width of the on-disk bitmap word format mandated by
// §9: bits are packed little-endian, 64 bits at a time, regardless of the
// host's native word size.
const bitsPerWord = 64

// Bitmap is the in-memory free-space allocator for either the inode
// table or the block area. Convention, per §4.C: bit set means free, bit
// clear means allocated. It is backed by github.com/bits-and-blooms/bitset,
// whose internal []uint64 word representation already matches the
// on-disk word format, so Words/LoadBitmap round-trip without reshuffling
// bits.
type Bitmap struct {
	mu     sync.Mutex
	bits   *bitset.BitSet
	size   uint
	cursor uint
}

// NewBitmap allocates a Bitmap of size bits, all initially free.
func NewBitmap(size uint) *Bitmap {
	bm := &Bitmap{bits: bitset.New(size), size: size}
	for i := uint(0); i < size; i++ {
		bm.bits.Set(i)
	}
	return bm
}

// LoadBitmap reconstructs a Bitmap from on-disk 64-bit little-endian
// words already decoded into host uint64s (component G does the
// endian conversion on read).
func LoadBitmap(words []uint64, size uint) *Bitmap {
	bm := &Bitmap{bits: bitset.From(words), size: size}
	return bm
}

// Words returns the bitmap's backing words for serialization. The
// caller is responsible for the little-endian byte conversion on write.
func (bm *Bitmap) Words() []uint64 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bits.Bytes()
}

// NrWordBlocks reports how many BlockSize blocks size bits occupy on
// disk, matching nr_ifree_blocks/nr_bfree_blocks in the superblock.
func NrWordBlocks(size uint) uint32 {
	wordsPerBlock := uint(BlockSize / 8)
	return uint32((size + wordsPerBlock*bitsPerWord - 1) / (wordsPerBlock * bitsPerWord))
}

// Count returns the number of free bits, the popcount invariant checked
// in §8 property 1.
func (bm *Bitmap) Count() uint {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bits.Count()
}

// Test reports whether bit i is free.
func (bm *Bitmap) Test(i uint) bool {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bits.Test(i)
}

// Alloc finds the lowest-indexed free bit at or after the circular
// cursor, clears it and returns its index. The cursor amortizes scan
// cost the way the original module's get_next_ifree/get_next_bfree
// do, continuing from where the last allocation left off and wrapping
// once around the bitmap before giving up.
func (bm *Bitmap) Alloc() (uint, bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if idx, ok := bm.bits.NextSet(bm.cursor); ok && idx < bm.size {
		bm.bits.Clear(idx)
		bm.cursor = idx + 1
		if bm.cursor >= bm.size {
			bm.cursor = 0
		}
		return idx, true
	}
	if bm.cursor == 0 {
		return 0, false
	}
	if idx, ok := bm.bits.NextSet(0); ok && idx < bm.cursor {
		bm.bits.Clear(idx)
		bm.cursor = idx + 1
		if bm.cursor >= bm.size {
			bm.cursor = 0
		}
		return idx, true
	}
	return 0, false
}

// Reserve marks bit i allocated without going through the cursor scan.
// It does not report whether bit i was already allocated.
func (bm *Bitmap) Reserve(i uint) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bits.Clear(i)
}

// Free marks bit i free again. Per §4.C, freeing an already-free
// resource is a release-mode no-op that reports InconsistentBitmap
// rather than corrupting the counters a caller maintains alongside it.
func (bm *Bitmap) Free(i uint) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.bits.Test(i) {
		return InconsistentBitmap
	}
	bm.bits.Set(i)
	return nil
}
