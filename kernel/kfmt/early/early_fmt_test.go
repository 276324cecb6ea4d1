package early

import (
	"testing"

	"github.com/oskernel/kmem/kernel/hal"
)

func TestPrintf(t *testing.T) {
	origTerm := hal.ActiveTerminal
	defer func() {
		hal.ActiveTerminal = origTerm
	}()

	// mute vet warnings about malformed printf formatting strings
	printfn := Printf

	specs := []struct {
		fn        func()
		expOutput string
	}{
		{
			func() { printfn("no args") },
			"no args",
		},
		// strings and byte slices
		{
			func() { printfn("%s arg", "STRING") },
			"STRING arg",
		},
		{
			func() { printfn("%s arg", []byte("BYTE SLICE")) },
			"BYTE SLICE arg",
		},
		{
			func() { printfn("'%4s' arg with padding", "ABC") },
			"' ABC' arg with padding",
		},
		{
			func() { printfn("'%4s' arg longer than padding", "ABCDE") },
			"'ABCDE' arg longer than padding",
		},
		// uints
		{
			func() { printfn("uint arg: %d", uint8(10)) },
			"uint arg: 10",
		},
		{
			func() { printfn("uint arg: %x", uint32(0xbadf00d)) },
			"uint arg: 0xbadf00d",
		},
		{
			func() { printfn("uint arg with padding: '%10d'", uint64(123)) },
			"uint arg with padding: '       123'",
		},
		{
			func() { printfn("uint arg with padding: '%10x'", uint64(0xbadf00d)) },
			"uint arg with padding: '0x000badf00d'",
		},
		// pointers
		{
			func() { printfn("uintptr %x", uintptr(0xb8000)) },
			"uintptr 0xb8000",
		},
		// ints
		{
			func() { printfn("int arg: %d", int8(-10)) },
			"int arg: -10",
		},
		{
			func() { printfn("int arg with padding: '%10d'", int64(-12345678)) },
			"int arg with padding: ' -12345678'",
		},
		// literal % and malformed input
		{
			func() { printfn("100%%") },
			"100%",
		},
		{
			func() { printfn("%d") },
			"(MISSING)",
		},
		{
			func() { printfn("%d", "not an int") },
			"%!(WRONGTYPE)",
		},
		{
			func() { printfn("no verbs", 1) },
			"no verbs%!(EXTRA)",
		},
	}

	for specIndex, spec := range specs {
		sink := hal.NewRingSink(128)
		hal.ActiveTerminal = sink
		spec.fn()
		if got := string(sink.Contents()); got != spec.expOutput {
			t.Errorf("[spec %d] expected output %q; got %q", specIndex, spec.expOutput, got)
		}
	}
}
