// Package kernel provides the error and fatal-fault plumbing shared by
// the allocator layers built on top of it.
package kernel

// Error is a diagnostic raised by one of the allocator layers. Values
// are declared as package-level *Error globals: the heap this tree
// implements is the allocator that would otherwise back errors.New, so
// nothing on the fault path may allocate.
type Error struct {
	// Module is the layer that raised the fault ("page", "heap").
	Module string

	// Message states the violated contract.
	Message string

	// Addr is the offending address for faults that concern one
	// (out-of-range or double frees); zero otherwise. The raising layer
	// fills it in just before reporting, which is safe on a global
	// because reporting never returns.
	Addr uintptr
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
