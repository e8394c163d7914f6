// Package tlb simulates the software-managed translation lookaside
// buffer of a MIPS-class processor. There is no hardware page-table
// walker: every miss traps into the fault handler, which installs a
// single translation here. Eviction when the TLB is full is
// round-robin, matching the reference kernel's tlb_get_rr_victim.
package tlb

import (
	"sync"

	"github.com/fcellamare/vmc1/mem"
)

/// NumTLB is the number of hardware TLB entries, matching the
/// reference MIPS core's NUM_TLB.
const NumTLB = 64

/// Entry is one TLB slot: a virtual page number mapped to a physical
/// frame, with a dirty (writable) bit and a valid bit.
type Entry struct {
	Valid bool
	VPN   uintptr
	Frame mem.PA
	Dirty bool
}

/// TLB is the simulated translation buffer. It is per-CPU state in
/// spirit, but the core models a single CPU, so one TLB suffices. The
/// reference kernel protects every TLB access with splhigh(), a
/// single-CPU interrupt-disable critical section; mu is its Go
/// equivalent, since more than one goroutine may be servicing faults
/// for the simulated CPU concurrently.
type TLB struct {
	mu      sync.Mutex
	entries [NumTLB]Entry
	victim  uint
}

/// New returns a TLB with every entry invalid.
func New() *TLB {
	return &TLB{}
}

/// FlushAll invalidates every entry. Called on address-space
/// activate/deactivate: translations never cross address spaces since
/// the core has no ASID tagging.
func (t *TLB) FlushAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		t.entries[i] = Entry{}
	}
	t.victim = 0
}

/// Probe returns the index of the entry translating vpn, or -1 if
/// none is resident.
func (t *TLB) Probe(vpn uintptr) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.probeLocked(vpn)
}

func (t *TLB) probeLocked(vpn uintptr) int {
	for i := range t.entries {
		if t.entries[i].Valid && t.entries[i].VPN == vpn {
			return i
		}
	}
	return -1
}

/// RemoveByVA invalidates the entry translating vpn, if any. Used
/// when the fault handler evicts the underlying physical frame so a
/// stale TLB entry can never outlive its page-table mapping.
func (t *TLB) RemoveByVA(vpn uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.probeLocked(vpn); i >= 0 {
		t.entries[i] = Entry{}
	}
}

// rrVictim picks the next slot to evict in round-robin order,
// matching tlb_get_rr_victim: a bare counter that wraps at NumTLB,
// with no regard for an entry's valid bit.
func (t *TLB) rrVictim() uint {
	v := t.victim
	t.victim = (t.victim + 1) % NumTLB
	return v
}

/// Refill installs a vpn -> frame translation, evicting a round-robin
/// victim if every slot is occupied, and reports which happened: true
/// if a free slot was used, false if a victim had to be replaced -
/// the same distinction the reference kernel's statistics track as
/// STATISTICS_TLB_FAULT_FREE vs STATISTICS_TLB_FAULT_REPLACE. dirty
/// marks the page writable, matching the reference policy of setting
/// TLBLO_DIRTY exactly when the owning segment is read-write or is
/// the stack.
func (t *TLB) Refill(vpn uintptr, frame mem.PA, dirty bool) (usedFreeSlot bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if !t.entries[i].Valid {
			t.entries[i] = Entry{Valid: true, VPN: vpn, Frame: frame, Dirty: dirty}
			return true
		}
	}
	idx := t.rrVictim()
	t.entries[idx] = Entry{Valid: true, VPN: vpn, Frame: frame, Dirty: dirty}
	return false
}

/// Lookup returns the translation for vpn, if resident.
func (t *TLB) Lookup(vpn uintptr) (frame mem.PA, dirty bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.probeLocked(vpn)
	if i < 0 {
		return 0, false, false
	}
	e := t.entries[i]
	return e.Frame, e.Dirty, true
}
