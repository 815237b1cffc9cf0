package guuid

import "testing"

func TestNewProducesDistinctIDs(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a == (GUUID{}) || b == (GUUID{}) {
		t.Fatal("New returned a zero-valued GUUID")
	}
	if a == b {
		t.Fatal("two calls to New returned the same GUUID")
	}
}

func TestStringIsStableAndHex(t *testing.T) {
	g, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := g.String()
	if len(s) != 32 {
		t.Fatalf("String() length = %d, want 32", len(s))
	}
	if s != g.String() {
		t.Fatal("String() is not stable across calls")
	}
}
