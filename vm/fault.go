package vm

import (
	"fmt"
	"time"

	"github.com/fcellamare/vmc1/defs"
	"github.com/fcellamare/vmc1/mem"
	"github.com/fcellamare/vmc1/segment"
	"github.com/fcellamare/vmc1/stats"
	"github.com/fcellamare/vmc1/swap"
)

/// Fault resolves a TLB miss or protection exception at faultAddress,
/// of the given kind. It is the direct successor of the reference
/// vm_fault's decision table:
//
//	kind == FaultReadOnly                -> EACCES, no state touched
//	kind not in {READONLY, READ, WRITE}  -> EINVAL, no state touched
//	address outside every segment        -> EFAULT
//	leaf never touched                   -> first-touch: allocate + zero-or-load
//	leaf holds a swap offset              -> swap-in: allocate + read back
//	leaf already resident                 -> already-resident: just reinstall the TLB
//
// On success the faulting page is installed in the TLB with its
// segment's dirty bit and Fault returns nil. TLBFault is incremented
// exactly once per call, only once the fault has committed to
// installing a TLB entry - never on an EACCES/EFAULT/EINVAL/ENOMEM
// early return - so stats.Counters.CheckConsistency holds at every
// return, not only on the happy path.
func (as *AddressSpace) Fault(kind defs.FaultKind, faultAddress uintptr) error {
	switch kind {
	case defs.FaultReadOnly:
		return defs.EACCES
	case defs.FaultRead, defs.FaultWrite:
		// handled below
	default:
		return defs.EINVAL
	}

	start := time.Now()

	pageVA := faultAddress &^ (uintptr(mem.PGSIZE) - 1)

	seg := as.GetSegment(pageVA)
	if seg == nil {
		return defs.EFAULT
	}

	// Read the leaf's current state, then release the lock before any
	// call that may evict a victim frame. AllocUser can call back into
	// this very address space's EvictPage when the chosen victim is
	// one of as's own pages, and EvictPage takes as.Lock_pmap itself -
	// holding it here across that call would deadlock a non-reentrant
	// mutex against itself.
	as.Lock_pmap()
	frame, resident := as.pt.GetFrame(pageVA)
	swapOff, swapped := as.pt.GetSwapOffset(pageVA)
	as.Unlock_pmap()

	switch {
	case !resident && !swapped:
		pa, evictErr := as.machine.Coremap.AllocUser(as, pageVA)
		if evictErr != nil {
			return fmt.Errorf("vm: Fault: %w: %v", defs.ENOMEM, evictErr)
		}

		if seg.Kind == segment.Stack {
			buf := as.machine.Coremap.FrameBytes(pa)
			for i := range buf {
				buf[i] = 0
			}
		} else {
			if err := seg.LoadPage(faultAddress, mem.PGSIZE, as.machine.Coremap.FrameBytes(pa)); err != nil {
				as.machine.Coremap.FreeUser(pa)
				return fmt.Errorf("vm: Fault: %w: %v", defs.EFAULT, err)
			}
		}

		as.Lock_pmap()
		as.pt.SetFrame(pageVA, pa)
		as.Unlock_pmap()

		if kind == defs.FaultRead {
			as.machine.Coremap.MarkClean(pa)
		}

		if seg.Kind == segment.Stack {
			as.machine.Stats.Inc(stats.PageFaultZero)
		} else {
			as.machine.Stats.Inc(stats.PageFaultDisk)
			as.machine.Stats.Inc(stats.ELFFileRead)
		}
		as.machine.Stats.Inc(stats.TLBFault)
		frame = pa

	case swapped:
		pa, evictErr := as.machine.Coremap.AllocUser(as, pageVA)
		if evictErr != nil {
			return fmt.Errorf("vm: Fault: %w: %v", defs.ENOMEM, evictErr)
		}
		if err := as.machine.Swap.In(swap.Offset(swapOff), as.machine.Coremap.FrameBytes(pa)); err != nil {
			as.machine.Coremap.FreeUser(pa)
			return fmt.Errorf("vm: Fault: %w: %v", defs.EFAULT, err)
		}

		as.Lock_pmap()
		as.pt.SetFrame(pageVA, pa)
		as.Unlock_pmap()

		if kind == defs.FaultRead {
			as.machine.Coremap.MarkClean(pa)
		}

		as.machine.Stats.Inc(stats.PageFaultDisk)
		as.machine.Stats.Inc(stats.SwapFileRead)
		as.machine.Stats.Inc(stats.TLBFault)
		frame = pa

	default:
		// already resident: a bare TLB reload, no page fault serviced.
		if kind == defs.FaultWrite {
			as.machine.Coremap.MarkDirty(frame)
		}
		as.machine.Stats.Inc(stats.TLBFault)
		as.machine.Stats.Inc(stats.TLBReload)
	}

	dirty := seg.Perm.Writable()
	if usedFreeSlot := as.machine.TLB.Refill(pageVA, frame, dirty); usedFreeSlot {
		as.machine.Stats.Inc(stats.TLBFaultFree)
	} else {
		as.machine.Stats.Inc(stats.TLBFaultReplace)
	}

	if as.machine.Profiler != nil {
		as.machine.Profiler.Record(faultPath(kind, resident, swapped, seg.Kind.String()), time.Since(start))
	}
	return nil
}
