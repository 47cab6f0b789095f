package transport

import "testing"

type stubRoom struct{ Room }

func TestFactoryFunc_ReturnsFreshRooms(t *testing.T) {
	n := 0
	f := FactoryFunc(func() Room {
		n++
		return &stubRoom{}
	})
	a, b := f.NewRoom(), f.NewRoom()
	if a == b {
		t.Fatalf("expected distinct rooms")
	}
	if n != 2 {
		t.Fatalf("expected 2 constructions, got %d", n)
	}
}
