package bitmap

import "testing"

func TestAllocFree(t *testing.T) {
	var b Bitmap
	bits := make([]byte, ByteLen(10))
	b.Init(bits, 10, 0)

	if b.FreeCnt != 10 || b.UseCnt != 0 {
		t.Fatalf("expected 10 free, 0 used; got free=%d used=%d", b.FreeCnt, b.UseCnt)
	}

	seen := map[uint64]bool{}
	for i := 0; i < 10; i++ {
		idx, ok := b.Alloc()
		if !ok {
			t.Fatalf("alloc %d: expected success", i)
		}
		if seen[idx] {
			t.Fatalf("alloc returned duplicate index %d", idx)
		}
		seen[idx] = true
	}

	if _, ok := b.Alloc(); ok {
		t.Fatal("expected alloc to fail once the bitmap is full")
	}

	if !b.Free(3) {
		t.Fatal("expected free of an allocated slot to succeed")
	}
	if b.FreeCnt != 1 || b.UseCnt != 9 {
		t.Fatalf("expected free=1 used=9; got free=%d used=%d", b.FreeCnt, b.UseCnt)
	}

	if b.Free(3) {
		t.Fatal("expected double free of slot 3 to be detected")
	}
}

func TestInitPreOccupied(t *testing.T) {
	var b Bitmap
	bits := make([]byte, ByteLen(16))
	b.Init(bits, 16, 5)

	if b.UseCnt != 5 || b.FreeCnt != 11 {
		t.Fatalf("expected use=5 free=11; got use=%d free=%d", b.UseCnt, b.FreeCnt)
	}

	idx, ok := b.Alloc()
	if !ok || idx != 5 {
		t.Fatalf("expected first free slot to be index 5; got idx=%d ok=%v", idx, ok)
	}
}

func TestByteLen(t *testing.T) {
	specs := []struct {
		total uint64
		exp   uint64
	}{
		{0, 0},
		{1, 1},
		{8, 1},
		{9, 2},
		{64, 8},
		{65, 9},
	}

	for _, s := range specs {
		if got := ByteLen(s.total); got != s.exp {
			t.Errorf("ByteLen(%d): expected %d; got %d", s.total, s.exp, got)
		}
	}
}
