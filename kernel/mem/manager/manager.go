// Package manager implements the top-level allocator facade: it wires
// the page layer and two region heaps together, dispatches free calls
// to the right region by translating the address back to logical space
// and comparing it against userStart, and lets kernel and user traffic
// proceed without serializing against each other. Each region's mutual
// exclusion is the single lock owned by that region's heap.Heap, which
// guards both the page-state array and the pool list; direct page-frame
// requests (KernelPage/UserPage/FreePage) acquire that same lock rather
// than going around it.
package manager

import (
	"github.com/oskernel/kmem/kernel/mem"
	"github.com/oskernel/kmem/kernel/mem/heap"
	"github.com/oskernel/kmem/kernel/mem/page"
)

// Manager is the top-level allocator facade: one page.Manager shared by
// both regions, and one heap.Heap per region.
type Manager struct {
	pages      *page.Manager
	kernelHeap *heap.Heap
	userHeap   *heap.Heap
}

// regionPages adapts one region of *page.Manager to the heap package's
// pages capability, so each heap.Heap only ever allocates/frees frames
// in its own region.
type regionPages struct {
	m        *page.Manager
	isKernel bool
}

func (r regionPages) Alloc(n uint64) (uintptr, error) {
	if r.isKernel {
		return r.m.AllocKernelPage(n)
	}
	return r.m.AllocUserPage(n)
}

func (r regionPages) Free(addr uintptr) { r.m.FreePage(addr) }

func (r regionPages) PageSize() mem.Size { return r.m.PageSize() }

// New creates a manager over the logical range [heapStart, memoryEnd).
// The first kernelPageNum frames form the kernel region, so the user
// region starts at heapStart + kernelPageNum*pageSize; one heap is built
// over each region.
func New(heapStart uintptr, kernelPageNum uint64, pageSize mem.Size, memoryEnd uintptr) (*Manager, error) {
	userStart := heapStart + uintptr(kernelPageNum)*uintptr(pageSize)
	pages, err := page.New(heapStart, userStart, memoryEnd, pageSize)
	if err != nil {
		return nil, err
	}

	m := &Manager{pages: pages}
	m.kernelHeap = heap.New(regionPages{m: pages, isKernel: true})
	m.userHeap = heap.New(regionPages{m: pages, isKernel: false})
	return m, nil
}

// KernelPage allocates n contiguous frames from the kernel region. It
// serializes against the kernel region lock -- the same lock
// kernelHeap.Alloc/Free hold while they ask the page layer for backing
// frames -- so a direct caller of KernelPage can never race the heap's
// own page-frame requests: the page-state arrays are protected by the
// region mutex.
func (m *Manager) KernelPage(n uint64) (uintptr, error) {
	m.kernelHeap.Lock()
	defer m.kernelHeap.Unlock()
	return m.pages.AllocKernelPage(n)
}

// UserPage allocates n contiguous frames from the user region, under
// the same lock as userHeap's own page-frame requests.
func (m *Manager) UserPage(n uint64) (uintptr, error) {
	m.userHeap.Lock()
	defer m.userHeap.Unlock()
	return m.pages.AllocUserPage(n)
}

// FreePage releases a frame run previously returned by KernelPage or
// UserPage, under the lock of whichever region addr falls in. An
// out-of-range address is a fatal contract violation, detected and
// reported by the page layer.
func (m *Manager) FreePage(addr uintptr) {
	if m.pages.IsKernelAddr(addr) {
		m.kernelHeap.Lock()
		defer m.kernelHeap.Unlock()
	} else {
		m.userHeap.Lock()
		defer m.userHeap.Unlock()
	}
	m.pages.FreePage(addr)
}

// Logical translates a real address previously returned by this manager
// back to the logical address space passed to New, the space the region
// bounds are defined over.
func (m *Manager) Logical(addr uintptr) uintptr {
	return m.pages.Logical(addr)
}

// AllocMemory returns a zeroed slot of the requested size from the
// kernel or user heap.
func (m *Manager) AllocMemory(size uint64, isKernel bool) (uintptr, error) {
	if isKernel {
		return m.kernelHeap.Alloc(size)
	}
	return m.userHeap.Alloc(size)
}

// FreeMemory routes addr to the kernel or user heap: addr below
// userStart is kernel, otherwise user. An out-of-region address is a
// fatal contract violation; it is rejected here, before either heap's
// own "not contained in any pool" check would fire, so the diagnostic
// names the offending address and the three region bounds.
func (m *Manager) FreeMemory(addr uintptr) {
	if !m.pages.InRange(addr) {
		m.pages.ReportOutOfRange(addr)
		return
	}
	if m.pages.IsKernelAddr(addr) {
		m.kernelHeap.Free(addr)
		return
	}
	m.userHeap.Free(addr)
}

// Stats bundles the page and heap utilization snapshots for one region.
type Stats struct {
	Pages page.Stats
	Heap  heap.Stats
}

// KernelStats reports kernel-region frame and pool utilization.
func (m *Manager) KernelStats() Stats {
	return Stats{Pages: m.pages.KernelStats(), Heap: m.kernelHeap.Snapshot()}
}

// UserStats reports user-region frame and pool utilization.
func (m *Manager) UserStats() Stats {
	return Stats{Pages: m.pages.UserStats(), Heap: m.userHeap.Snapshot()}
}

// Print writes a diagnostic summary of both regions through the early
// logger: frame utilization from the page layer, followed by the pool
// list from each region's heap.
func (m *Manager) Print() {
	m.pages.Print()
	m.kernelHeap.Print()
	m.userHeap.Print()
}
