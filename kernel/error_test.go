package kernel

import "testing"

func TestErrorInterface(t *testing.T) {
	err := &Error{
		Module:  "page",
		Message: "free_page: address out of range",
		Addr:    0xDEADBEEF,
	}

	if got := err.Error(); got != err.Message {
		t.Fatalf("expected Error() to return %q; got %q", err.Message, got)
	}
}
