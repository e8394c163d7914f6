// Package vm ties the coremap, page table, TLB, swap area, and
// segment table together into the fault handler: the orchestrator
// that owns every process address space and resolves every TLB miss.
package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fcellamare/vmc1/caller"
	"github.com/fcellamare/vmc1/defs"
	"github.com/fcellamare/vmc1/mem"
	"github.com/fcellamare/vmc1/pgtbl"
	"github.com/fcellamare/vmc1/segment"
	"github.com/fcellamare/vmc1/stats"
	"github.com/fcellamare/vmc1/swap"
	"github.com/fcellamare/vmc1/tlb"
)

/// UserStackTop is the highest user virtual address, the fixed base
/// every address space's stack segment grows down from.
const UserStackTop uintptr = 0x80000000

/// StackPages is the number of pages reserved for the stack segment,
/// matching the reference kernel's VMC1_STACKPAGES.
const StackPages = 18

/// Machine is the process-independent VM state shared by every
/// address space: the physical frame allocator, the swap area, the
/// simulated TLB, and the running statistics. There is exactly one of
/// these per booted kernel.
type Machine struct {
	Coremap *mem.CoreMap
	Swap    *swap.Area
	TLB     *tlb.TLB
	Stats   *stats.Counters

	// Profiler, if non-nil, records one pprof sample per serviced
	// fault. Left nil by NewMachine; callers that want profiling set
	// it explicitly after construction.
	Profiler *FaultProfiler
}

/// NewMachine assembles a Machine from its already-constructed parts.
func NewMachine(coremap *mem.CoreMap, swapArea *swap.Area, t *tlb.TLB, st *stats.Counters) *Machine {
	return &Machine{Coremap: coremap, Swap: swapArea, TLB: t, Stats: st}
}

/// AddressSpace is one process's virtual memory: its segment table,
/// its page table, and the lock that serializes page-table access by
/// page-fault handling against concurrent mutation (Copy, Destroy,
/// EvictPage) of the same address space. The embedded mutex and pgfltaken bookkeeping mirror
/// the reference Vm_t's Lock_pmap/Unlock_pmap/Lockassert_pmap idiom.
type AddressSpace struct {
	sync.Mutex
	pgfltaken bool

	machine *Machine
	segs    *segment.Table
	pt      *pgtbl.Table
}

/// Lock_pmap acquires the address space lock and marks that page-table
/// manipulation is in progress.
func (as *AddressSpace) Lock_pmap() {
	as.Lock()
	as.pgfltaken = true
}

/// Unlock_pmap releases the address space lock.
func (as *AddressSpace) Unlock_pmap() {
	as.pgfltaken = false
	as.Unlock()
}

/// Lockassert_pmap panics if the address space lock is not held by
/// the calling goroutine's page-fault path.
func (as *AddressSpace) Lockassert_pmap() {
	if !as.pgfltaken {
		panic("vm: pgfl lock must be held")
	}
}

/// Create allocates an empty address space: no segments defined, an
/// empty page table, backed by m.
func Create(m *Machine) *AddressSpace {
	return &AddressSpace{
		machine: m,
		segs:    &segment.Table{},
		pt:      pgtbl.New(),
	}
}

/// Copy deep-copies old: a new segment table, a new page table with
/// every resident frame physically duplicated onto a freshly
/// allocated frame owned by the new address space. This is the fix
/// for the reference as_copy, which assigned newas->pt = old->pt and
/// left parent and child sharing one page table - any fault in either
/// process after fork would corrupt the other's mappings.
func (old *AddressSpace) Copy() (*AddressSpace, error) {
	old.Lock_pmap()
	defer old.Unlock_pmap()

	nas := Create(old.machine)
	nas.segs = old.segs.Clone()

	newpt, err := old.pt.Clone(func(va uintptr, oldFrame mem.PA) (mem.PA, error) {
		newFrame, evictErr := nas.machine.Coremap.AllocUser(nas, va)
		if evictErr != nil {
			return 0, fmt.Errorf("vm: Copy: %w", evictErr)
		}
		copy(nas.machine.Coremap.FrameBytes(newFrame), old.machine.Coremap.FrameBytes(oldFrame))
		return newFrame, nil
	})
	if err != nil {
		return nil, err
	}
	nas.pt = newpt
	return nas, nil
}

/// Destroy releases every resource the address space owns: every
/// resident frame goes back to the coremap, every swapped-out slot
/// goes back to the swap area, and the page table itself is dropped.
/// It is idempotent in the sense that a second call simply frees
/// nothing (the page table is already empty).
func (as *AddressSpace) Destroy() {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	as.pt.Walk(func(va uintptr, resident bool, frame mem.PA, swapOffset int64) {
		if !resident && swapOffset != pgtbl.NoSwap {
			as.machine.Swap.Free(swap.Offset(swapOffset))
		}
	})
	as.pt.Destroy(func(pa mem.PA) {
		as.machine.Coremap.FreeUser(pa)
	})
}

/// Activate installs as as the running address space: every TLB entry
/// is invalidated, since the core has no ASID tagging and a stale
/// entry from the previous address space would otherwise translate
/// through to the wrong process's memory.
func (as *AddressSpace) Activate() {
	as.machine.TLB.FlushAll()
	as.machine.Stats.Inc(stats.TLBInvalidate)
}

/// Deactivate flushes the TLB on the way out, matching Activate - the
/// reference kernel performs the identical flush in both directions.
func (as *AddressSpace) Deactivate() {
	as.machine.TLB.FlushAll()
	as.machine.Stats.Inc(stats.TLBInvalidate)
}

/// DefineRegion installs the code or data segment loaded from file at
/// the given file offset/size, mapped at base for memSize bytes with
/// the given permissions.
func (as *AddressSpace) DefineRegion(kind segment.Kind, base uintptr, fileOffset, fileSize, memSize uint32, perm defs.Perm, file segment.Vnode) error {
	return as.segs.Define(kind, base, fileOffset, fileSize, memSize, perm, file)
}

/// DefineStack installs the stack segment and returns the initial
/// user stack pointer.
func (as *AddressSpace) DefineStack() uintptr {
	as.segs.DefineStack(UserStackTop, StackPages, mem.PGSIZE)
	return UserStackTop
}

/// GetSegment returns the segment containing va, or nil if va falls
/// outside every defined segment. The boundary check is exclusive at
/// the top of each segment - see segment.Segment.Contains - unlike
/// the reference as_get_segment, which treats the byte immediately
/// past a segment's end as still belonging to it.
func (as *AddressSpace) GetSegment(va uintptr) *segment.Segment {
	return as.segs.Lookup(va)
}

/// EvictPage implements mem.Owner: the coremap calls this when it
/// needs to reclaim the frame at pa, currently mapping vpn in this
/// address space, to satisfy someone else's allocation. It writes the
/// frame to swap (the coremap only evicts Dirty frames), records the
/// swap offset in the page table,
/// and removes any stale TLB entry - the same three steps the
/// reference coremap's get_victim_coremap performs inline
/// (swap_out, pt_set_offset+pt_set_pa, tlb_remove_by_va), done here
/// without holding any coremap lock, since EvictPage's caller always
/// releases the coremap lock before invoking it.
func (as *AddressSpace) EvictPage(pa mem.PA, vpn uintptr) error {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	bytes := as.machine.Coremap.FrameBytes(pa)
	off, err := as.machine.Swap.Out(bytes)
	if errors.Is(err, swap.ErrFull) {
		caller.Fatal("out of swap space", as.machine.Stats)
	}
	if err != nil {
		return fmt.Errorf("vm: EvictPage: %w", err)
	}
	as.machine.Stats.Inc(stats.SwapFileWrite)
	as.pt.SetSwapOffset(vpn, int64(off))
	as.machine.TLB.RemoveByVA(vpn)
	return nil
}
