package tlb

import (
	"testing"

	"github.com/fcellamare/vmc1/mem"
)

func TestFlushAllInvalidatesEverything(t *testing.T) {
	tb := New()
	tb.Refill(0x1000, mem.PA(0x2000), false)
	if _, _, ok := tb.Lookup(0x1000); !ok {
		t.Fatal("expected entry to be present before flush")
	}
	tb.FlushAll()
	for i, e := range tb.entries {
		if e.Valid {
			t.Fatalf("entry %d still valid after FlushAll", i)
		}
	}
	if _, _, ok := tb.Lookup(0x1000); ok {
		t.Fatal("lookup succeeded after FlushAll")
	}
}

func TestRefillReportsFreeSlotThenReplace(t *testing.T) {
	tb := New()
	for i := 0; i < NumTLB; i++ {
		if used := tb.Refill(uintptr(i)*uintptr(mem.PGSIZE), mem.PA(i), false); !used {
			t.Fatalf("entry %d: expected a free slot to still be available", i)
		}
	}
	// every slot is now occupied; the next Refill must report a replace.
	if used := tb.Refill(uintptr(NumTLB)*uintptr(mem.PGSIZE), mem.PA(NumTLB), false); used {
		t.Fatal("expected Refill to report a replacement once every slot is full")
	}
}

func TestRoundRobinVictimWraps(t *testing.T) {
	tb := New()
	for i := 0; i < NumTLB; i++ {
		tb.Refill(uintptr(i)*uintptr(mem.PGSIZE), mem.PA(i), false)
	}
	first := tb.rrVictim()
	if first != 0 {
		t.Fatalf("first victim = %d, want 0", first)
	}
	for i := uint(1); i < NumTLB; i++ {
		if v := tb.rrVictim(); v != i {
			t.Fatalf("victim %d = %d, want %d", i, v, i)
		}
	}
	if v := tb.rrVictim(); v != 0 {
		t.Fatalf("victim did not wrap: got %d, want 0", v)
	}
}

func TestRemoveByVAOnlyTouchesMatchingEntry(t *testing.T) {
	tb := New()
	tb.Refill(0x1000, mem.PA(1), false)
	tb.Refill(0x2000, mem.PA(2), false)
	tb.RemoveByVA(0x1000)
	if _, _, ok := tb.Lookup(0x1000); ok {
		t.Fatal("entry for 0x1000 still present")
	}
	if _, _, ok := tb.Lookup(0x2000); !ok {
		t.Fatal("unrelated entry for 0x2000 was removed")
	}
}

func TestDirtyBitCarriedThrough(t *testing.T) {
	tb := New()
	tb.Refill(0x4000, mem.PA(4), true)
	_, dirty, ok := tb.Lookup(0x4000)
	if !ok || !dirty {
		t.Fatalf("expected dirty=true, got ok=%v dirty=%v", ok, dirty)
	}
}
