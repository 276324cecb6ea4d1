package mem

import (
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	// zero size is a no-op, whatever the address
	Memset(0, 0x00, 0)

	// Offsets and lengths chosen to exercise the unaligned head, the
	// word-wide body, and the byte tail in every combination.
	specs := []struct {
		off, size int
		value     byte
	}{
		{0, 4096, 0x00},
		{0, 3, 0xFF},
		{1, 333, 0xAA},
		{7, 57, 0x5A},
		{8, 4096, 0x00},
		{3, 8, 0x11},
	}

	buf := make([]byte, 4096+64)
	for _, s := range specs {
		for i := range buf {
			buf[i] = 0xFE
		}

		Memset(uintptr(unsafe.Pointer(&buf[s.off])), s.value, Size(s.size))

		for i := range buf {
			want := byte(0xFE)
			if i >= s.off && i < s.off+s.size {
				want = s.value
			}
			if buf[i] != want {
				t.Fatalf("[off %d size %d value 0x%x] byte %d: expected 0x%x; got 0x%x",
					s.off, s.size, s.value, i, want, buf[i])
			}
		}
	}
}
