// Package lock implements the mutex guarding each allocator region: a
// spin lock that masks interrupts for the duration it is held, so that
// an interrupt handler invoked while the lock is held cannot re-enter the
// same region and deadlock against itself.
package lock

import (
	"sync/atomic"

	"github.com/oskernel/kmem/kernel/cpu"
)

// SpinMask is an interrupt-masking spin lock. The zero value is an
// unlocked lock, ready to use.
type SpinMask struct {
	state int32
}

// Lock disables interrupts on the current execution context and then
// spins until it acquires the lock. Interrupts stay masked for as long as
// the lock is held, which is what makes heap operations safe to invoke
// from an interrupt handler: the handler cannot be preempted back into
// the same region while it holds the lock.
func (l *SpinMask) Lock() {
	cpu.DisableInterrupts()
	for !atomic.CompareAndSwapInt32(&l.state, 0, 1) {
	}
}

// Unlock releases the lock and restores interrupts to their prior state.
func (l *SpinMask) Unlock() {
	atomic.StoreInt32(&l.state, 0)
	cpu.EnableInterrupts()
}
