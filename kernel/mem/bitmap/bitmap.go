// Package bitmap implements the fixed-length, counted bit array used by
// the heap layer to track slot occupancy inside a memory pool.
package bitmap

// Bitmap is a fixed-length bit array with running free/used counts. It
// holds no storage of its own; Init wires it up to a byte slice supplied
// by the caller, which is how a pool places its bitmap directly inside
// its own backing pages (in-band) or inside a slot of another pool
// (out-of-band).
type Bitmap struct {
	TotalCnt uint64
	FreeCnt  uint64
	UseCnt   uint64
	Bits     []byte
}

// ByteLen returns the number of bytes required to hold totalCnt bits,
// rounded up.
func ByteLen(totalCnt uint64) uint64 {
	return (totalCnt + 7) / 8
}

// Init wires the bitmap to back bits (which must be at least
// ByteLen(totalCnt) bytes long) and seeds its counters. The first
// preOccupied bit indices (0..preOccupied) are pre-marked as occupied;
// this is how an in-band pool header reserves the slots it physically
// overlaps without the scan in Alloc ever needing to special-case them.
func (b *Bitmap) Init(bits []byte, totalCnt, preOccupied uint64) {
	b.Bits = bits
	for i := range b.Bits {
		b.Bits[i] = 0
	}

	b.TotalCnt = totalCnt
	b.UseCnt = 0
	b.FreeCnt = totalCnt

	for i := uint64(0); i < preOccupied; i++ {
		b.set(i)
		b.UseCnt++
		b.FreeCnt--
	}
}

func (b *Bitmap) set(idx uint64)        { b.Bits[idx>>3] |= 1 << (idx & 7) }
func (b *Bitmap) clear(idx uint64)      { b.Bits[idx>>3] &^= 1 << (idx & 7) }
func (b *Bitmap) isSet(idx uint64) bool { return b.Bits[idx>>3]&(1<<(idx&7)) != 0 }

// Alloc scans for the first clear bit in order, sets it, and returns its
// index. It returns ok=false without scanning if FreeCnt is already 0.
func (b *Bitmap) Alloc() (idx uint64, ok bool) {
	if b.FreeCnt == 0 {
		return 0, false
	}

	for i := uint64(0); i < b.TotalCnt; i++ {
		if !b.isSet(i) {
			b.set(i)
			b.UseCnt++
			b.FreeCnt--
			return i, true
		}
	}

	return 0, false
}

// Free clears bit idx. It returns false (and leaves the bitmap untouched)
// if the bit was already clear, which the caller should treat as a
// double-free: the bitmap itself has no notion of which caller owns a
// slot, so it can only detect the 1->0 transition that a legitimate free
// always produces.
func (b *Bitmap) Free(idx uint64) bool {
	if !b.isSet(idx) {
		return false
	}

	b.clear(idx)
	b.UseCnt--
	b.FreeCnt++
	return true
}
