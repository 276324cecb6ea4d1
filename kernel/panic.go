package kernel

import (
	"github.com/oskernel/kmem/kernel/cpu"
	"github.com/oskernel/kmem/kernel/kfmt/early"
)

var (
	// haltFn is swapped by tests so a reported fault does not stop the
	// test binary.
	haltFn = cpu.Halt

	errUnknownFault = &Error{Module: "kernel", Message: "unknown fault"}
)

// Panic reports an unrecoverable error through the early logger and
// halts the CPU. It accepts the *Error values the allocator layers
// raise; plain strings and error values funneled in from other panic
// sources are folded into a generic kernel fault. Panic never returns.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errUnknownFault.Message = t
		err = errUnknownFault
	case error:
		errUnknownFault.Message = t.Error()
		err = errUnknownFault
	}

	early.Printf("\n*** memory fault ***\n")
	if err != nil {
		early.Printf("%s: %s\n", err.Module, err.Message)
		if err.Addr != 0 {
			early.Printf("offending address: %x\n", err.Addr)
		}
	}
	early.Printf("system halted\n")

	haltFn()
}
