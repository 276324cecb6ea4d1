// Package heap implements the slab-style heap allocator: per-region
// pools of power-of-two size classes, backed by page-layer frame runs
// and tracked with a bitmap.
//
// A pool's header never lives on the Go heap. It is written directly into
// the physical memory the page layer hands back, either inside its own
// backing run (in-band, for small classes) or inside a slot borrowed from
// a smaller pool (out-of-band, for large classes). The pool list's
// "pointers" are just addresses (uintptr) recast on demand with
// headerAt, not Go-managed references.
package heap

import (
	"reflect"
	"unsafe"

	"github.com/oskernel/kmem/kernel"
	"github.com/oskernel/kmem/kernel/errors"
	"github.com/oskernel/kmem/kernel/kfmt/early"
	"github.com/oskernel/kmem/kernel/mem"
	"github.com/oskernel/kmem/kernel/mem/bitmap"
	"github.com/oskernel/kmem/kernel/mem/lock"
)

// Size-class thresholds governing pool shape: classes above MemoryTooBig
// get exactly-fit page runs (at-or-below get 4x over-allocation), and
// classes strictly below MemorySizeInside keep their pool header in-band.
const (
	MemoryTooBig     = 4096
	MemorySizeInside = 256
)

var (
	// ErrOutOfMemory is returned by Alloc when no pool can be created or
	// extended to satisfy the request.
	ErrOutOfMemory = errors.KernelError("heap: out of memory")

	errFreeNotContained = &kernel.Error{Module: "heap", Message: "free: address not contained in any pool"}
	errDoubleFree       = &kernel.Error{Module: "heap", Message: "free: double free detected"}

	// panicFn reports a fatal contract violation. Package variable so
	// tests can intercept it, following the same pattern as
	// kernel/mem/page.panicFn.
	panicFn = func(err *kernel.Error) { kernel.Panic(err) }
)

// pages is the minimal page-layer capability the heap depends on: one
// region's worth of alloc/free plus the frame size, nothing more.
type pages interface {
	Alloc(n uint64) (uintptr, error)
	Free(addr uintptr)
	PageSize() mem.Size
}

// poolHeader is the on-disk (in-arena) layout of a MemoryPool. Every
// field is a plain integer so the struct can be safely overlaid on raw
// memory with headerAt; there are no Go-managed pointers or slices to
// confuse the garbage collector.
type poolHeader struct {
	physicBase uintptr
	size       uint64
	totalCnt   uint64
	freeCnt    uint64
	useCnt     uint64
	// reserved is the number of leading slots an in-band header overlaps.
	// Their bits are pre-marked at creation and never cleared, so they
	// count toward useCnt for the whole life of the pool; zero for
	// out-of-band pools.
	reserved   uint64
	bitmapAddr uintptr
	bitmapLen  uint64
	next       uintptr
}

var poolHeaderSize = uint64(unsafe.Sizeof(poolHeader{}))

func headerAt(addr uintptr) *poolHeader {
	return (*poolHeader)(unsafe.Pointer(addr))
}

func castBytes(addr uintptr, n uint64) []byte {
	if n == 0 {
		return nil
	}
	var hdr reflect.SliceHeader
	hdr.Data = addr
	hdr.Len = int(n)
	hdr.Cap = int(n)
	return *(*[]byte)(unsafe.Pointer(&hdr))
}

func (h *poolHeader) bits() []byte { return castBytes(h.bitmapAddr, h.bitmapLen) }

func (h *poolHeader) isInside() bool { return h.size < MemorySizeInside }

func (h *poolHeader) contains(addr uintptr) bool {
	return addr >= h.physicBase && addr < h.physicBase+uintptr(h.totalCnt*h.size)
}

func (h *poolHeader) initBitmap(preOccupied uint64) {
	var bm bitmap.Bitmap
	bm.Init(h.bits(), h.totalCnt, preOccupied)
	h.freeCnt, h.useCnt = bm.FreeCnt, bm.UseCnt
	h.reserved = preOccupied
}

// isEmpty reports whether the pool holds no live allocations. The slots
// reserved for an in-band header stay marked used until the pool itself
// is retired, so emptiness is useCnt falling back to that floor, not to
// zero.
func (h *poolHeader) isEmpty() bool { return h.useCnt == h.reserved }

func (h *poolHeader) allocSlot() (idx uint64, ok bool) {
	bm := bitmap.Bitmap{TotalCnt: h.totalCnt, FreeCnt: h.freeCnt, UseCnt: h.useCnt, Bits: h.bits()}
	idx, ok = bm.Alloc()
	h.freeCnt, h.useCnt = bm.FreeCnt, bm.UseCnt
	return idx, ok
}

func (h *poolHeader) freeSlot(idx uint64) bool {
	bm := bitmap.Bitmap{TotalCnt: h.totalCnt, FreeCnt: h.freeCnt, UseCnt: h.useCnt, Bits: h.bits()}
	ok := bm.Free(idx)
	h.freeCnt, h.useCnt = bm.FreeCnt, bm.UseCnt
	return ok
}

// align rounds size up to the smallest power of two >= size, minimum 2.
func align(size uint64) uint64 {
	if size < 2 {
		size = 2
	}
	class := uint64(2)
	for class < size {
		class <<= 1
	}
	return class
}

func decidePageNum(class uint64, pageSize mem.Size) uint64 {
	ps := uint64(pageSize)
	if class > MemoryTooBig {
		return (class + ps - 1) / ps
	}
	return (class*4 + ps - 1) / ps
}

// Heap is one region's pool list: either the kernel region's or the user
// region's. A Manager wires one Heap per region to the shared page
// layer. Heap owns its region's lock: Alloc and Free acquire it, and the
// recursive calls inside createPool/free (out-of-band header placement
// and retirement) go through the unexported, lock-free helpers directly
// rather than re-entering Alloc/Free.
type Heap struct {
	mu    lock.SpinMask
	pages pages
	head  uintptr
}

// New creates an empty heap over the given page-layer capability.
func New(p pages) *Heap {
	return &Heap{pages: p}
}

// Alloc returns the address of a zeroed slot big enough for size bytes,
// or ErrOutOfMemory if no pool could be found or created. It acquires
// the region lock once; any recursive allocation needed to place a pool
// header out-of-band happens through the unexported alloc method, which
// never re-acquires it.
func (h *Heap) Alloc(size uint64) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alloc(size)
}

// Free releases the slot at addr. Addresses not contained in any pool of
// this region, and double frees, are fatal contract violations. Like
// Alloc, it acquires the region lock once; pool retirement's recursive
// free of an out-of-band header uses the unexported free method.
func (h *Heap) Free(addr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.free(addr)
}

// Lock acquires this heap's region lock. The manager facade uses it to
// serialize its own direct page-frame requests (KernelPage/UserPage/
// FreePage) against the same lock that guards this region's pool list
// and, through the page-layer capability, its page-state array: a
// single region mutex covers both.
func (h *Heap) Lock() { h.mu.Lock() }

// Unlock releases the region lock acquired by Lock.
func (h *Heap) Unlock() { h.mu.Unlock() }

func (h *Heap) alloc(size uint64) (uintptr, error) {
	class := align(size)

	node := h.findFirstContain(class)
	if node == 0 {
		var err error
		node, err = h.createPool(class)
		if err != nil {
			return 0, err
		}
	}

	hdr := headerAt(node)
	idx, ok := hdr.allocSlot()
	if !ok {
		return 0, ErrOutOfMemory
	}

	// Zero the whole slot, not just the requested class: the pool that
	// served the request may have a larger slot size (findFirstContain
	// accepts any class >= the requested one).
	addr := hdr.physicBase + uintptr(idx*hdr.size)
	mem.Memset(addr, 0, mem.Size(hdr.size))
	return addr, nil
}

// findFirstContain returns the first pool whose class is >= class and
// that has a free slot. Accepting an oversized class is deliberate:
// reusing a larger pool trades wasted bytes for fewer pools.
func (h *Heap) findFirstContain(class uint64) uintptr {
	cur := h.head
	for cur != 0 {
		hdr := headerAt(cur)
		if hdr.size >= class && hdr.freeCnt > 0 {
			return cur
		}
		cur = hdr.next
	}
	return 0
}

func (h *Heap) createPool(class uint64) (uintptr, error) {
	pageSize := h.pages.PageSize()
	numPages := decidePageNum(class, pageSize)

	physicBase, err := h.pages.Alloc(numPages)
	if err != nil {
		return 0, ErrOutOfMemory
	}

	totalBytes := numPages * uint64(pageSize)
	totalCnt := totalBytes / class
	headerBytes := bitmap.ByteLen(totalCnt) + poolHeaderSize

	var structAddr uintptr
	var preOccupied uint64

	if class > 2*headerBytes {
		structAddr, err = h.alloc(headerBytes)
		if err != nil {
			h.pages.Free(physicBase)
			return 0, ErrOutOfMemory
		}
	} else {
		structAddr = physicBase
		preOccupied = (headerBytes + class - 1) / class
	}

	hdr := headerAt(structAddr)
	hdr.physicBase = physicBase
	hdr.size = class
	hdr.totalCnt = totalCnt
	hdr.bitmapAddr = structAddr + uintptr(poolHeaderSize)
	hdr.bitmapLen = bitmap.ByteLen(totalCnt)
	hdr.next = 0
	hdr.initBitmap(preOccupied)

	h.insertSorted(structAddr)
	return structAddr, nil
}

// insertSorted inserts addr immediately before the first node whose size
// is >= the new pool's size, keeping the list in strict non-decreasing
// order.
func (h *Heap) insertSorted(addr uintptr) {
	size := headerAt(addr).size

	if h.head == 0 || headerAt(h.head).size >= size {
		headerAt(addr).next = h.head
		h.head = addr
		return
	}

	cur := h.head
	for headerAt(cur).next != 0 && headerAt(headerAt(cur).next).size < size {
		cur = headerAt(cur).next
	}
	headerAt(addr).next = headerAt(cur).next
	headerAt(cur).next = addr
}

func (h *Heap) free(addr uintptr) {
	var prev uintptr
	cur := h.head
	for cur != 0 && !headerAt(cur).contains(addr) {
		prev = cur
		cur = headerAt(cur).next
	}
	if cur == 0 {
		errFreeNotContained.Addr = addr
		panicFn(errFreeNotContained)
		return
	}

	hdr := headerAt(cur)
	idx := uint64(addr-hdr.physicBase) / hdr.size
	if !hdr.freeSlot(idx) {
		errDoubleFree.Addr = addr
		panicFn(errDoubleFree)
		return
	}

	if hdr.isEmpty() {
		h.maybeRetire(prev, cur)
	}
}

// maybeRetire applies the free-time pool retirement heuristic: retire
// only if more than one pool of this class is fully empty and twice the
// empty count exceeds the used count, otherwise keep the empty pool as
// a hot cache.
func (h *Heap) maybeRetire(prev, cur uintptr) {
	hdr := headerAt(cur)
	size := hdr.size
	// An in-band header sits at the start of its own backing run.
	inside := cur == hdr.physicBase
	physicBase := hdr.physicBase

	freePools, usedPools := h.countPoolsOfSize(size)
	if !(freePools > 1 && freePools*2 > usedPools) {
		return
	}

	h.unlink(prev, cur)

	if inside {
		h.pages.Free(cur)
	} else {
		h.pages.Free(physicBase)
		h.free(cur)
	}
}

func (h *Heap) countPoolsOfSize(size uint64) (free, used uint64) {
	cur := h.head
	for cur != 0 && headerAt(cur).size < size {
		cur = headerAt(cur).next
	}
	for cur != 0 && headerAt(cur).size == size {
		if headerAt(cur).isEmpty() {
			free++
		} else {
			used++
		}
		cur = headerAt(cur).next
	}
	return free, used
}

func (h *Heap) unlink(prev, cur uintptr) {
	next := headerAt(cur).next
	if prev == 0 {
		h.head = next
	} else {
		headerAt(prev).next = next
	}
}

// Stats summarizes one region's pool list. UsedSlot counts live
// allocations only; the slots an in-band header overlaps are reported
// separately as Reserved.
type Stats struct {
	Pools    uint64
	Slots    uint64
	FreeSlot uint64
	UsedSlot uint64
	Reserved uint64
}

// Snapshot walks the pool list and reports aggregate slot utilization.
func (h *Heap) Snapshot() Stats {
	var s Stats
	for cur := h.head; cur != 0; cur = headerAt(cur).next {
		hdr := headerAt(cur)
		s.Pools++
		s.Slots += hdr.totalCnt
		s.FreeSlot += hdr.freeCnt
		s.UsedSlot += hdr.useCnt - hdr.reserved
		s.Reserved += hdr.reserved
	}
	return s
}

// Print writes one line per pool in this region's list (its class and
// its free/total slot counts) through the early logger.
func (h *Heap) Print() {
	for cur := h.head; cur != 0; cur = headerAt(cur).next {
		hdr := headerAt(cur)
		early.Printf("[heap] class %d: %d/%d free\n", hdr.size, hdr.freeCnt, hdr.totalCnt)
	}
}
