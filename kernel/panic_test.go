package kernel

import (
	"testing"

	"github.com/oskernel/kmem/kernel/cpu"
	"github.com/oskernel/kmem/kernel/hal"
)

func TestPanic(t *testing.T) {
	defer func() {
		haltFn = cpu.Halt
	}()

	var halted bool
	haltFn = func() {
		halted = true
	}

	t.Run("with address", func(t *testing.T) {
		halted = false
		sink := mockSink()
		err := &Error{Module: "heap", Message: "free: double free detected", Addr: 0x2040}

		Panic(err)

		exp := "\n*** memory fault ***\nheap: free: double free detected\noffending address: 0x2040\nsystem halted\n"
		if got := string(sink.Contents()); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !halted {
			t.Fatal("expected Panic to halt the CPU")
		}
	})

	t.Run("without address", func(t *testing.T) {
		halted = false
		sink := mockSink()
		err := &Error{Module: "page", Message: "out of pages"}

		Panic(err)

		exp := "\n*** memory fault ***\npage: out of pages\nsystem halted\n"
		if got := string(sink.Contents()); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !halted {
			t.Fatal("expected Panic to halt the CPU")
		}
	})

	t.Run("nil cause", func(t *testing.T) {
		halted = false
		sink := mockSink()

		Panic(nil)

		exp := "\n*** memory fault ***\nsystem halted\n"
		if got := string(sink.Contents()); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !halted {
			t.Fatal("expected Panic to halt the CPU")
		}
	})

	t.Run("string cause", func(t *testing.T) {
		halted = false
		sink := mockSink()

		Panic("bitmap state corrupted")

		exp := "\n*** memory fault ***\nkernel: bitmap state corrupted\nsystem halted\n"
		if got := string(sink.Contents()); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !halted {
			t.Fatal("expected Panic to halt the CPU")
		}
	})
}

func mockSink() *hal.RingSink {
	sink := hal.NewRingSink(4096)
	hal.ActiveTerminal = sink
	return sink
}
