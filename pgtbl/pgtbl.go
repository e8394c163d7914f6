// Package pgtbl implements the per-address-space two-level page
// table: a 10-bit outer index, a 10-bit inner index, and a 12-bit
// page offset, matching a 4KB page on a 32-bit virtual address space.
// Outer directories are allocated eagerly; inner tables (and the
// leaves within them) are allocated lazily, the first time a virtual
// page in that 4MB region is mapped.
package pgtbl

import "github.com/fcellamare/vmc1/mem"

const (
	// p1Shift/p2Shift split a 32-bit virtual address into outer index
	// (bits 31:22), inner index (bits 21:12), and a 12-bit page offset.
	p1Shift = 22
	p2Shift = 12

	p1Bits = 10
	p2Bits = 10

	/// OuterSize is the number of entries in the outer directory.
	OuterSize = 1 << p1Bits
	/// InnerSize is the number of entries in each inner table.
	InnerSize = 1 << p2Bits
)

func getP1(va uintptr) int { return int((va >> p1Shift) & (1<<p1Bits - 1)) }
func getP2(va uintptr) int { return int((va >> p2Shift) & (1<<p2Bits - 1)) }

/// NoSwap is the sentinel offset meaning "this leaf has never been
/// written to swap".
const NoSwap int64 = -1

// leaf is one page's worth of translation state. valid is false until
// the first SetFrame/SetSwapOffset call touches it; a valid leaf is
// resident (frame holds mem.PGMASK's complement of 0, i.e. any PA) or
// swapped out (swapOffset >= 0), never both, matching the tri-state
// exclusivity the fault handler relies on.
type leaf struct {
	valid      bool
	resident   bool
	frame      mem.PA
	swapOffset int64
}

type outer struct {
	defined bool
	leaves  []leaf
}

/// Table is one address space's page table: an outer directory of
/// lazily-allocated inner tables. The zero value is not valid; use
/// New.
type Table struct {
	dirs []outer
}

/// New returns an empty page table with every outer entry undefined.
func New() *Table {
	return &Table{dirs: make([]outer, OuterSize)}
}

func (t *Table) defineInner(p1 int) {
	t.dirs[p1] = outer{defined: true, leaves: make([]leaf, InnerSize)}
}

/// GetFrame returns the physical frame mapped at va and true, or
/// (0, false) if no resident mapping exists (either the leaf was
/// never touched, or it currently holds a swap offset instead).
func (t *Table) GetFrame(va uintptr) (mem.PA, bool) {
	p1, p2 := getP1(va), getP2(va)
	d := &t.dirs[p1]
	if !d.defined {
		return 0, false
	}
	l := &d.leaves[p2]
	if !l.valid || !l.resident {
		return 0, false
	}
	return l.frame, true
}

/// GetSwapOffset returns the swap offset for va and true, or
/// (NoSwap, false) if va's leaf is undefined, resident, or has never
/// been swapped out.
func (t *Table) GetSwapOffset(va uintptr) (int64, bool) {
	p1, p2 := getP1(va), getP2(va)
	d := &t.dirs[p1]
	if !d.defined {
		return NoSwap, false
	}
	l := &d.leaves[p2]
	if !l.valid || l.resident {
		return NoSwap, false
	}
	return l.swapOffset, true
}

/// SetFrame installs pa as the resident translation for va, lazily
/// allocating the inner table if necessary. It clears any prior swap
/// offset: a leaf is either resident or swapped, never both.
func (t *Table) SetFrame(va uintptr, pa mem.PA) {
	p1, p2 := getP1(va), getP2(va)
	if !t.dirs[p1].defined {
		t.defineInner(p1)
	}
	l := &t.dirs[p1].leaves[p2]
	l.valid = true
	l.resident = true
	l.frame = pa
	l.swapOffset = NoSwap
}

/// SetSwapOffset records that va's page now lives at the given swap
/// offset instead of a physical frame, lazily allocating the inner
/// table if necessary.
func (t *Table) SetSwapOffset(va uintptr, offset int64) {
	p1, p2 := getP1(va), getP2(va)
	if !t.dirs[p1].defined {
		t.defineInner(p1)
	}
	l := &t.dirs[p1].leaves[p2]
	l.valid = true
	l.resident = false
	l.swapOffset = offset
}

/// Clear invalidates va's leaf entirely: neither resident nor
/// swapped. Used when a page is freed outright (e.g. address space
/// teardown) rather than evicted.
func (t *Table) Clear(va uintptr) {
	p1, p2 := getP1(va), getP2(va)
	if !t.dirs[p1].defined {
		return
	}
	t.dirs[p1].leaves[p2] = leaf{}
}

/// IsValid reports whether va has ever been touched by SetFrame or
/// SetSwapOffset (resident or swapped, either counts).
func (t *Table) IsValid(va uintptr) bool {
	p1, p2 := getP1(va), getP2(va)
	d := &t.dirs[p1]
	if !d.defined {
		return false
	}
	return d.leaves[p2].valid
}

/// Destroy walks every valid, resident leaf and hands its frame to
/// freeFrame, then drops all inner tables. Swapped-out leaves are
/// skipped: their swap slots are the caller's responsibility (the
/// swap area is released by address-space teardown, not here).
func (t *Table) Destroy(freeFrame func(mem.PA)) {
	for i := range t.dirs {
		d := &t.dirs[i]
		if !d.defined {
			continue
		}
		for j := range d.leaves {
			l := &d.leaves[j]
			if l.valid && l.resident {
				freeFrame(l.frame)
			}
		}
		d.leaves = nil
		d.defined = false
	}
}

/// Clone deep-copies t: every resident leaf's frame is duplicated via
/// copyFrame (which must allocate a fresh physical frame, copy the
/// source frame's bytes into it, and return the new frame), and every
/// swapped-out leaf's offset is carried over unchanged. The two
/// tables share no outer, inner, or leaf storage afterward - this is
/// the fix for the original allocator's as_copy, which aliased the
/// entire page table between parent and child.
func (t *Table) Clone(copyFrame func(va uintptr, oldFrame mem.PA) (mem.PA, error)) (*Table, error) {
	nt := New()
	for i := range t.dirs {
		d := &t.dirs[i]
		if !d.defined {
			continue
		}
		nt.defineInner(i)
		for j := range d.leaves {
			l := d.leaves[j]
			if !l.valid {
				continue
			}
			nl := leaf{valid: true, resident: l.resident, swapOffset: l.swapOffset}
			if l.resident {
				va := uintptr(i)<<p1Shift | uintptr(j)<<p2Shift
				newFrame, err := copyFrame(va, l.frame)
				if err != nil {
					return nil, err
				}
				nl.frame = newFrame
			}
			nt.dirs[i].leaves[j] = nl
		}
	}
	return nt, nil
}

/// Walk invokes fn for every valid leaf in the table, passing the
/// virtual address it covers. Used by address-space teardown to find
/// swapped-out leaves; it does not allocate and never mutates the table.
func (t *Table) Walk(fn func(va uintptr, resident bool, frame mem.PA, swapOffset int64)) {
	for p1 := range t.dirs {
		d := &t.dirs[p1]
		if !d.defined {
			continue
		}
		for p2 := range d.leaves {
			l := d.leaves[p2]
			if !l.valid {
				continue
			}
			va := uintptr(p1)<<p1Shift | uintptr(p2)<<p2Shift
			fn(va, l.resident, l.frame, l.swapOffset)
		}
	}
}
