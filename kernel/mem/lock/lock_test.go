package lock

import (
	"testing"

	"github.com/oskernel/kmem/kernel/cpu"
)

func TestLockMasksInterrupts(t *testing.T) {
	var l SpinMask

	l.Lock()
	if !cpu.InterruptsMasked() {
		t.Fatal("expected interrupts to be masked while the lock is held")
	}

	l.Unlock()
	if cpu.InterruptsMasked() {
		t.Fatal("expected interrupts to be unmasked after Unlock")
	}
}

func TestLockMutualExclusion(t *testing.T) {
	var l SpinMask
	var counter int

	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func() {
			for i := 0; i < 1000; i++ {
				l.Lock()
				counter++
				l.Unlock()
			}
			done <- struct{}{}
		}()
	}
	for g := 0; g < 4; g++ {
		<-done
	}

	if counter != 4000 {
		t.Fatalf("expected 4000 increments; got %d", counter)
	}
}
