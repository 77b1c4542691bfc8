package slot

import (
	"errors"
	"fmt"
	"testing"
)

func TestAllocateLowestFree(t *testing.T) {
	tab := NewTable(4)
	for i := 0; i < 4; i++ {
		idx, err := tab.Allocate(fmt.Sprintf("10.0.0.%d:4000", i))
		if err != nil {
			t.Fatalf("allocate %d failed: %v", i, err)
		}
		if idx != i {
			t.Fatalf("allocate %d got index %d", i, idx)
		}
	}
	if tab.Count() != 4 {
		t.Fatalf("count %d, want 4", tab.Count())
	}
	tab.Free(1)
	if tab.Count() != 3 {
		t.Fatalf("count %d after free, want 3", tab.Count())
	}
	idx, err := tab.Allocate("10.0.0.9:4000")
	if err != nil {
		t.Fatalf("allocate after free failed: %v", err)
	}
	if idx != 1 {
		t.Fatalf("reused index %d, want 1", idx)
	}
}

func TestAllocateFull(t *testing.T) {
	tab := NewTable(2)
	tab.Allocate("a")
	tab.Allocate("b")
	if _, err := tab.Allocate("c"); !errors.Is(err, ErrFull) {
		t.Fatalf("allocate on full table: %v", err)
	}
	// Failed allocation must not change occupancy.
	if tab.Count() != 2 {
		t.Fatalf("count %d after failed allocate", tab.Count())
	}
}

func TestAllocateIdempotent(t *testing.T) {
	tab := NewTable(4)
	first, err := tab.Allocate("a")
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	again, err := tab.Allocate("a")
	if err != nil {
		t.Fatalf("re-allocate failed: %v", err)
	}
	if again != first {
		t.Fatalf("same address got two indices: %d and %d", first, again)
	}
	if tab.Count() != 1 {
		t.Fatalf("count %d, want 1", tab.Count())
	}
}

func TestLookupAddrBijection(t *testing.T) {
	tab := NewTable(3)
	idx, _ := tab.Allocate("a")
	got, ok := tab.Lookup("a")
	if !ok || got != idx {
		t.Fatalf("lookup mismatch: %d %v", got, ok)
	}
	addr, ok := tab.Addr(idx)
	if !ok || addr != "a" {
		t.Fatalf("addr mismatch: %q %v", addr, ok)
	}
	if _, ok := tab.Lookup("b"); ok {
		t.Fatalf("lookup hit for unknown address")
	}
	if _, ok := tab.Addr(2); ok {
		t.Fatalf("addr hit for free index")
	}
}

func TestFreeNoOp(t *testing.T) {
	tab := NewTable(2)
	tab.Allocate("a")
	tab.Free(-1)
	tab.Free(5)
	tab.Free(1) // free slot
	if tab.Count() != 1 {
		t.Fatalf("count %d after no-op frees", tab.Count())
	}
	tab.Free(0)
	tab.Free(0)
	if tab.Count() != 0 {
		t.Fatalf("count %d after double free", tab.Count())
	}
	if _, ok := tab.Lookup("a"); ok {
		t.Fatalf("freed address still mapped")
	}
}
