// Package mem implements the physical frame allocator: the coremap.
//
// The coremap is the lowest layer of the VM subsystem. It owns every
// physical frame, hands them out to the kernel (fixed, never evicted)
// and to user address spaces (evictable), and runs the clock-style
// victim search that the fault handler falls back on when the machine
// is out of free frames. Nothing above it is visible here: a frame's
// owning address space is reachable only through the Owner interface,
// never a concrete type, so this package never imports vm or pgtbl.
package mem

import (
	"fmt"
	"sync"
)

/// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single physical frame in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks the byte offset within a page.
const PGOFFSET PA = (1 << PGSHIFT) - 1

/// PGMASK masks the frame number portion of an address.
const PGMASK PA = ^PGOFFSET

/// PA is a physical address, or (when right-shifted by PGSHIFT) a
/// physical frame number. The core targets a 32-bit physical address
/// space, matching the MIPS-class machine the spec describes.
type PA uint32

/// Frame returns the frame number containing pa.
func (pa PA) Frame() uint32 { return uint32(pa) >> PGSHIFT }

/// FrameState is the tri-state (plus free) lifecycle of a coremap
/// entry. Exactly one of Free, Fixed, Clean, Dirty holds at any time;
/// Clean and Dirty both imply the frame backs a user page-table leaf.
type FrameState int

const (
	Free FrameState = iota /// on the free list, contents undefined
	Fixed                  /// allocated to the kernel, never evicted
	Clean                  /// backs a user page, matches its swap copy (or is unmodified since load)
	Dirty                  /// backs a user page, swap copy (if any) is stale
)

func (s FrameState) String() string {
	switch s {
	case Free:
		return "free"
	case Fixed:
		return "fixed"
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	default:
		return "???"
	}
}

/// Owner is the non-owning handle a coremap entry keeps on the address
/// space that mapped a user frame. It lets the coremap evict a victim
/// page without holding a strong pointer into vm, which would form an
/// import cycle between mem and vm. Implementations must not block
/// while any coremap lock is held by the calling goroutine; EvictPage
/// is invoked with the coremap's locks already released.
type Owner interface {
	// EvictPage writes the frame at pa back to swap (only Dirty frames
	// are ever chosen as victims) and clears the page-table leaf that
	// maps vpn to pa. It is called
	// exactly once per eviction, after the coremap has already marked
	// the frame reserved for the new allocation.
	EvictPage(pa PA, vpn uintptr) error
}

/// entry is one coremap slot, one per physical frame.
type entry struct {
	state FrameState
	// run is the number of contiguous Fixed frames starting at this
	// entry, nonzero only on the head of a kernel allocation run; every
	// other frame in the run carries run == 0. A lone kernel frame has
	// run == 1.
	run   int
	owner Owner
	vpn   uintptr
}

/// RawRAM is the byte-addressable backing store the coremap carves
/// into frames. A real port backs this with a direct map over
/// physical DRAM; a hosted build backs it with anonymous memory.
type RawRAM interface {
	// Bytes returns the PGSIZE-byte slice backing the frame at pa. The
	// slice aliases the underlying storage; writes are visible to
	// every other holder of the same frame.
	Bytes(pa PA) []byte
	// NumFrames reports the number of frames RawRAM backs, starting at
	// frame 0.
	NumFrames() int
}

/// CoreMap is the physical frame allocator. Two locks protect it,
/// matching the lock hierarchy the fault handler assumes: mu (the
/// coremap/freemem lock) guards entry state and the free/victim
/// search, while stealMu (the stealmem lock) is a separate lock exposed
/// only through StealLock/StealUnlock; no CoreMap method acquires it
/// itself. mu is always acquired before stealMu when both are
/// needed; nothing below this package ever acquires either.
type CoreMap struct {
	mu      sync.Mutex
	stealMu sync.Mutex

	ram     RawRAM
	entries []entry
	victim  int /// next frame the clock hand will examine

	stats struct {
		free, fixed, clean, dirty int
	}
}

/// New creates a coremap over every frame ram exposes. Every frame
/// starts Free.
func New(ram RawRAM) *CoreMap {
	n := ram.NumFrames()
	cm := &CoreMap{
		ram:     ram,
		entries: make([]entry, n),
	}
	cm.stats.free = n
	return cm
}

/// NumFrames returns the total number of frames under management.
func (cm *CoreMap) NumFrames() int {
	return len(cm.entries)
}

/// FrameBytes returns the PGSIZE-byte slice backing pa. The caller
/// must hold a reference to pa that is not concurrently evicted (i.e.
/// it owns the frame, or the coremap lock, while reading or writing).
func (cm *CoreMap) FrameBytes(pa PA) []byte {
	return cm.ram.Bytes(pa)
}

func (cm *CoreMap) setState(idx int, s FrameState) {
	old := cm.entries[idx].state
	switch old {
	case Free:
		cm.stats.free--
	case Fixed:
		cm.stats.fixed--
	case Clean:
		cm.stats.clean--
	case Dirty:
		cm.stats.dirty--
	}
	switch s {
	case Free:
		cm.stats.free++
	case Fixed:
		cm.stats.fixed++
	case Clean:
		cm.stats.clean++
	case Dirty:
		cm.stats.dirty++
	}
	cm.entries[idx].state = s
}

/// AllocKernel reserves n contiguous Fixed frames for the kernel and
/// returns the physical address of the first. It never evicts: if no
/// contiguous run of n free frames exists, it reports false. The
/// returned run's head carries run == n and every other frame in it
/// run == 0, per the coremap's run-length invariant.
func (cm *CoreMap) AllocKernel(n int) (PA, bool) {
	if n <= 0 {
		panic("mem: AllocKernel: n <= 0")
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()

	start, ok := cm.findFreeRun(n)
	if !ok {
		return 0, false
	}
	for i := 0; i < n; i++ {
		cm.setState(start+i, Fixed)
		cm.entries[start+i].run = 0
	}
	cm.entries[start].run = n
	return PA(start) << PGSHIFT, true
}

// findFreeRun scans for n contiguous Free frames. Called with mu held.
func (cm *CoreMap) findFreeRun(n int) (int, bool) {
	run := 0
	for i := 0; i < len(cm.entries); i++ {
		if cm.entries[i].state == Free {
			run++
			if run == n {
				return i - n + 1, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

/// FreeKernel releases a kernel run previously returned by AllocKernel.
/// pa must be the exact address AllocKernel returned; passing any
/// other frame in the run panics, matching the original coremap's
/// assumption that only run heads are ever freed directly.
func (cm *CoreMap) FreeKernel(pa PA) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	start := int(pa.Frame())
	n := cm.entries[start].run
	if n == 0 {
		panic("mem: FreeKernel: not a run head")
	}
	for i := 0; i < n; i++ {
		if cm.entries[start+i].state != Fixed {
			panic("mem: FreeKernel: frame in run is not fixed")
		}
		cm.setState(start+i, Free)
		cm.entries[start+i].run = 0
		cm.entries[start+i].owner = nil
	}
}

/// AllocUser reserves a single frame for a user mapping, evicting a
/// clock-selected victim if no frame is free. On success the frame is
/// marked Dirty (freshly mapped pages are presumed written at least
/// once by their zero-fill or load) and owner/vpn are recorded so a
/// later eviction can find the page table leaf to clear. evictErr is
/// non-nil when no frame is free or evictable (pa is then 0), or when
/// the victim owner's EvictPage fails; in that second case pa is
/// returned still reserved for owner.
func (cm *CoreMap) AllocUser(owner Owner, vpn uintptr) (pa PA, evictErr error) {
	cm.mu.Lock()
	if idx, ok := cm.findFreeRun(1); ok {
		cm.setState(idx, Dirty)
		cm.entries[idx].owner = owner
		cm.entries[idx].vpn = vpn
		cm.mu.Unlock()
		return PA(idx) << PGSHIFT, nil
	}

	idx, victimOwner, victimVPN, ok := cm.pickVictimLocked()
	if !ok {
		cm.mu.Unlock()
		return 0, fmt.Errorf("mem: no free or evictable frame")
	}
	// Reserve the slot before releasing the lock so no other caller
	// can race onto the same frame while eviction's blocking I/O runs.
	cm.entries[idx].owner = owner
	cm.entries[idx].vpn = vpn
	cm.setState(idx, Dirty)
	cm.mu.Unlock()

	pa = PA(idx) << PGSHIFT
	if err := victimOwner.EvictPage(pa, victimVPN); err != nil {
		return pa, err
	}
	return pa, nil
}

// pickVictimLocked runs the round-robin clock search starting at
// cm.victim, accepting the first frame that is Dirty. Fixed frames
// are never evicted; Free frames are handled by findFreeRun instead;
// Clean frames already match their backing store but are left alone
// here too - only a Dirty frame is an acceptable victim. Called with
// mu held; returns the frame index and its current owner/vpn so the
// caller can evict after releasing the lock.
func (cm *CoreMap) pickVictimLocked() (idx int, owner Owner, vpn uintptr, ok bool) {
	n := len(cm.entries)
	if n == 0 {
		return 0, nil, 0, false
	}
	start := cm.victim
	for i := 0; i < n; i++ {
		c := (start + i) % n
		s := cm.entries[c].state
		if s == Dirty {
			cm.victim = c + 1
			if cm.victim >= n {
				cm.victim = 1
			}
			return c, cm.entries[c].owner, cm.entries[c].vpn, true
		}
	}
	return 0, nil, 0, false
}

/// FreeUser releases a user frame back to the free list, regardless of
/// its Clean/Dirty state.
func (cm *CoreMap) FreeUser(pa PA) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	idx := int(pa.Frame())
	cm.setState(idx, Free)
	cm.entries[idx].owner = nil
	cm.entries[idx].vpn = 0
}

/// MarkClean demotes a Dirty user frame to Clean, e.g. after its
/// contents have been written out to swap.
func (cm *CoreMap) MarkClean(pa PA) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	idx := int(pa.Frame())
	if cm.entries[idx].state != Dirty && cm.entries[idx].state != Clean {
		panic("mem: MarkClean: frame is not a user page")
	}
	cm.setState(idx, Clean)
}

/// MarkDirty promotes a frame to Dirty, e.g. after a write fault.
func (cm *CoreMap) MarkDirty(pa PA) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	idx := int(pa.Frame())
	if cm.entries[idx].state != Dirty && cm.entries[idx].state != Clean {
		panic("mem: MarkDirty: frame is not a user page")
	}
	cm.setState(idx, Dirty)
}

/// State reports the current lifecycle state of the frame at pa.
func (cm *CoreMap) State(pa PA) FrameState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.entries[pa.Frame()].state
}

/// Counts returns the number of frames in each state, for frame
/// accounting checks.
func (cm *CoreMap) Counts() (free, fixed, clean, dirty int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.stats.free, cm.stats.fixed, cm.stats.clean, cm.stats.dirty
}

// StealLock/StealUnlock expose the distinct stealmem-lock that the
// original coremap uses around its bootstrap frame-stealing path, so
// that path never contends with steady-state allocation. This package
// has no such path of its own; the lock is only taken by callers.
/// StealLock acquires the bootstrap stealmem lock.
func (cm *CoreMap) StealLock() { cm.stealMu.Lock() }

/// StealUnlock releases the bootstrap stealmem lock.
func (cm *CoreMap) StealUnlock() { cm.stealMu.Unlock() }
