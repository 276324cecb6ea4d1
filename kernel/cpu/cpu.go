// Package cpu models the execution-context primitives the allocator core
// depends on for interrupt-safe locking: masking/unmasking interrupt
// delivery and halting. On real hardware these compile to single
// instructions (cli/sti/hlt and their equivalents); here they are plain Go
// so the allocator can be exercised under `go test`.
package cpu

import "sync/atomic"

var maskDepth int32

// DisableInterrupts masks interrupt delivery on the current execution
// context. Calls nest: interrupts are only unmasked once EnableInterrupts
// has been called a matching number of times. This is what lets a region
// lock spin without the spinning context being preempted into a nested
// allocator entry.
func DisableInterrupts() {
	atomic.AddInt32(&maskDepth, 1)
}

// EnableInterrupts unmasks interrupt delivery once the nesting count drops
// to zero.
func EnableInterrupts() {
	if atomic.AddInt32(&maskDepth, -1) < 0 {
		atomic.StoreInt32(&maskDepth, 0)
	}
}

// InterruptsMasked reports whether the current execution context currently
// has interrupts masked.
func InterruptsMasked() bool {
	return atomic.LoadInt32(&maskDepth) > 0
}

// Halt stops instruction execution. It is invoked by the panic runtime
// after a fatal, unrecoverable error has been reported and never returns.
func Halt() {
	select {}
}
