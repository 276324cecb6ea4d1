// Package page implements the page allocator: a first-fit,
// forward-scanning frame allocator over a contiguous physical range
// split into a kernel region and a user region.
//
// The underlying physical range is modeled as a single in-process byte
// arena. Addresses handed out by Manager are real, dereferenceable
// addresses into that arena, translated from the caller-supplied logical
// address space (kernelStart/userStart/memoryEnd) the same way a real
// bootloader's physical memory map would be: every logical address is
// just an offset plus a fixed base.
package page

import (
	"reflect"
	"unsafe"

	"github.com/oskernel/kmem/kernel"
	"github.com/oskernel/kmem/kernel/errors"
	"github.com/oskernel/kmem/kernel/kfmt/early"
	"github.com/oskernel/kmem/kernel/mem"
)

const (
	flagTaken uint8 = 1 << 0
	flagEnd   uint8 = 1 << 1
)

// Page is the one-byte-per-frame bookkeeping entry: two bit flags,
// Taken and End. A frame with both clear is free.
type Page struct {
	flag uint8
}

func (p *Page) take()        { p.flag = flagTaken }
func (p *Page) markEnd()     { p.flag |= flagEnd }
func (p *Page) free()        { p.flag = 0 }
func (p *Page) isFree() bool { return p.flag == 0 }
func (p *Page) isEnd() bool  { return p.flag&flagEnd != 0 }

var (
	// ErrOutOfPages is returned by Alloc* when no run of the requested
	// length is available.
	ErrOutOfPages  = errors.KernelError("page: out of pages")
	errBadPageSize = errors.KernelError("page: page size must be a power of two >= 256")
	errBadRange    = errors.KernelError("page: memory range is not ordered")

	// errFreeOutOfRange is the fatal error reported through panicFn when
	// FreePage is given an address outside any managed region. It is a
	// static global rather than built per-call, since the allocator that
	// would back a dynamically formatted message is exactly what this
	// package implements.
	errFreeOutOfRange = &kernel.Error{Module: "page", Message: "free_page: address out of range"}

	// panicFn reports a fatal contract violation (e.g. freeing an
	// out-of-range address). Package variable so tests can observe the
	// call without the process actually halting.
	panicFn = func(err *kernel.Error) { kernel.Panic(err) }
)

// Manager is the page-layer allocator: two independent page-state arrays
// (kernel, user) over one physical arena.
type Manager struct {
	arena []byte
	base  uintptr // translation: real address = logical address + base

	kernelPage []Page
	userPage   []Page

	kernelStart, userStart, memoryEnd uintptr
	kernelPageNum, userPageNum        uint64
	totalNum                          uint64
	pageSize                          mem.Size
}

// New creates a page manager over the logical range [kernelStart,
// memoryEnd), split into a kernel region [kernelStart, userStart) and a
// user region [userStart, memoryEnd). Both start addresses are rounded up
// to a multiple of pageSize. The frames backing the page-state arrays
// themselves are reserved (marked Taken) at the start of the kernel
// region.
func New(kernelStart, userStart, memoryEnd uintptr, pageSize mem.Size) (*Manager, error) {
	if pageSize < 256 || pageSize&(pageSize-1) != 0 {
		return nil, errBadPageSize
	}

	ps := uintptr(pageSize)
	kernelStart = mem.AlignUp(kernelStart, pageSize)
	userStart = mem.AlignUp(userStart, pageSize)

	if userStart < kernelStart || memoryEnd < userStart {
		return nil, errBadRange
	}

	totalNum := uint64(memoryEnd-kernelStart) / uint64(ps)
	kernelPageNum := uint64(userStart-kernelStart) / uint64(ps)
	userPageNum := totalNum - kernelPageNum

	arena := make([]byte, memoryEnd-kernelStart)
	base := uintptr(unsafe.Pointer(&arena[0])) - kernelStart

	m := &Manager{
		arena:         arena,
		base:          base,
		kernelStart:   kernelStart,
		userStart:     userStart,
		memoryEnd:     memoryEnd,
		kernelPageNum: kernelPageNum,
		userPageNum:   userPageNum,
		totalNum:      totalNum,
		pageSize:      pageSize,
	}

	m.kernelPage = castPages(m.real(kernelStart), kernelPageNum)
	m.userPage = castPages(m.real(kernelStart)+uintptr(kernelPageNum), userPageNum)

	m.initPages()

	return m, nil
}

// castPages reinterprets the byte range starting at addr as a []Page
// slice without copying, so the page-state arrays can live inside the
// arena they describe.
func castPages(addr uintptr, count uint64) []Page {
	if count == 0 {
		return nil
	}
	var hdr reflect.SliceHeader
	hdr.Data = addr
	hdr.Len = int(count)
	hdr.Cap = int(count)
	return *(*[]Page)(unsafe.Pointer(&hdr))
}

func (m *Manager) real(logical uintptr) uintptr { return logical + m.base }

// initPages reserves the frames that back the page-state arrays
// themselves and marks everything else free.
func (m *Manager) initPages() {
	revNum := (m.totalNum + uint64(m.pageSize) - 1) / uint64(m.pageSize)
	if revNum > m.kernelPageNum {
		revNum = m.kernelPageNum
	}

	for i := uint64(0); i < revNum; i++ {
		m.kernelPage[i].take()
	}
	for i := revNum; i < m.kernelPageNum; i++ {
		m.kernelPage[i].free()
	}
	for i := uint64(0); i < m.userPageNum; i++ {
		m.userPage[i].free()
	}
}

func (m *Manager) clear(addr uintptr, n uint64) {
	mem.Memset(addr, 0, mem.Size(n)*m.pageSize)
}

// AllocKernelPage reserves num contiguous free frames from the kernel
// region and returns the address of the first frame. Returned memory is
// zeroed.
func (m *Manager) AllocKernelPage(num uint64) (uintptr, error) {
	return m.allocRun(m.kernelPage, m.kernelPageNum, m.kernelStart, num)
}

// AllocUserPage reserves num contiguous free frames from the user region.
func (m *Manager) AllocUserPage(num uint64) (uintptr, error) {
	return m.allocRun(m.userPage, m.userPageNum, m.userStart, num)
}

// allocRun implements the first-fit, forward-scanning selection policy:
// walk the region maintaining a running count of consecutive free
// frames, and on reaching num, take the run.
func (m *Manager) allocRun(pages []Page, pageNum uint64, regionStart uintptr, num uint64) (uintptr, error) {
	if num == 0 {
		return 0, errors.ErrInvalidParamValue
	}

	cnt := uint64(0)
	for i := uint64(0); i < pageNum; i++ {
		if pages[i].isFree() {
			cnt++
		} else {
			cnt = 0
		}

		if cnt >= num {
			first := i + 1 - cnt
			for idx := first; idx <= i; idx++ {
				pages[idx].take()
			}
			pages[i].markEnd()

			logicalAddr := regionStart + uintptr(first)*uintptr(m.pageSize)
			realAddr := m.real(logicalAddr)
			m.clear(realAddr, num)
			return realAddr, nil
		}
	}

	return 0, ErrOutOfPages
}

// FreePage releases the run of frames starting at addr, walking forward
// from the frame containing addr until the frame carrying End (inclusive).
// addr must be a value previously returned by AllocKernelPage/
// AllocUserPage; an out-of-range address is a fatal contract violation.
func (m *Manager) FreePage(addr uintptr) {
	logical := addr - m.base

	switch {
	case logical >= m.kernelStart && logical < m.userStart:
		idx := uint64(logical-m.kernelStart) / uint64(m.pageSize)
		freeRun(m.kernelPage, idx)
	case logical >= m.userStart && logical < m.memoryEnd:
		idx := uint64(logical-m.userStart) / uint64(m.pageSize)
		freeRun(m.userPage, idx)
	default:
		m.ReportOutOfRange(addr)
	}
}

func freeRun(pages []Page, idx uint64) {
	for !pages[idx].isEnd() {
		pages[idx].free()
		idx++
	}
	pages[idx].free()
}

// PageSize returns the configured frame size.
func (m *Manager) PageSize() mem.Size { return m.pageSize }

// IsKernelAddr reports whether addr (a real address previously returned
// by AllocKernelPage, AllocUserPage, or a heap allocation backed by this
// manager) falls in the kernel region. This is the translation-aware
// form of the "addr below userStart is kernel" dispatch rule: the
// comparison has to happen in logical address space, since real
// addresses are offset from their logical counterparts by the arena's
// base.
func (m *Manager) IsKernelAddr(addr uintptr) bool {
	logical := addr - m.base
	return logical >= m.kernelStart && logical < m.userStart
}

// InRange reports whether addr (real) falls within either managed
// region. The kernel and user regions are contiguous, so this is a
// single check against [kernelStart, memoryEnd).
func (m *Manager) InRange(addr uintptr) bool {
	logical := addr - m.base
	return logical >= m.kernelStart && logical < m.memoryEnd
}

// Logical translates a real address previously returned by this manager
// (directly, or indirectly through a heap layered on top of it) back to
// the logical address space passed to New. Callers outside this package
// use it to check region containment against the logical bounds, the
// same way FreePage does internally.
func (m *Manager) Logical(addr uintptr) uintptr { return addr - m.base }

// Bounds returns the logical start of the kernel region, the logical
// start of the user region, and the logical end of the managed range,
// the three bounds a fatal out-of-range diagnostic names.
func (m *Manager) Bounds() (kernelStart, userStart, memoryEnd uintptr) {
	return m.kernelStart, m.userStart, m.memoryEnd
}

// ReportOutOfRange emits the out-of-range diagnostic (the offending
// address and the three region bounds) and invokes the fatal-error
// path. It is exported so callers layered on
// top of the page manager (the heap-dispatch facade) can guard their
// own entry points with the same diagnostic FreePage uses internally.
func (m *Manager) ReportOutOfRange(addr uintptr) {
	logical := addr - m.base
	early.Printf("[page] address %x out of range (kernel %x, user %x, end %x)\n",
		logical, m.kernelStart, m.userStart, m.memoryEnd)
	errFreeOutOfRange.Addr = logical
	panicFn(errFreeOutOfRange)
}

// Stats summarizes frame utilization for one region.
type Stats struct {
	Total, Free, Taken uint64
}

// KernelStats reports kernel-region frame utilization.
func (m *Manager) KernelStats() Stats { return regionStats(m.kernelPage) }

// UserStats reports user-region frame utilization.
func (m *Manager) UserStats() Stats { return regionStats(m.userPage) }

func regionStats(pages []Page) Stats {
	s := Stats{Total: uint64(len(pages))}
	for i := range pages {
		if pages[i].isFree() {
			s.Free++
		} else {
			s.Taken++
		}
	}
	return s
}

// Print writes a one-line utilization summary for each region through the
// early logger.
func (m *Manager) Print() {
	ks, us := m.KernelStats(), m.UserStats()
	early.Printf("[page] kernel: %d/%d free, user: %d/%d free\n", ks.Free, ks.Total, us.Free, us.Total)
}
