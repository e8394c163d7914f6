// Package swap implements the fixed-capacity swap area: a flat file
// of page-sized slots that the fault handler writes evicted frames to
// and reads them back from. Capacity is fixed at creation time, like
// the reference swapfile's NUM_PAGES; running out is a fatal
// condition for the allocator above, not a recoverable one here.
package swap

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

/// ErrFull is returned by Out when every slot is occupied. Unlike a
/// transient I/O error, this is the condition the reference kernel
/// treats as unrecoverable (panic("swapfile.c : Out of swap space")):
/// the caller is expected to halt rather than retry.
var ErrFull = errors.New("swap: out of swap space")

/// PageSize is the size in bytes of one swap slot. It must match the
/// frame size the coremap hands Out/In.
const PageSize = 4096

/// DefaultFileSize is the reference swap area's capacity (9MiB),
/// giving DefaultFileSize/PageSize slots.
const DefaultFileSize = 9 * 1024 * 1024

/// Backing is the narrow I/O surface the swap area needs: a single
/// file big enough to hold every slot, addressable by byte offset.
// Keeping this an interface (rather than *os.File) is what lets tests
// swap in an in-memory fake without touching a real filesystem.
type Backing interface {
	io.WriterAt
	io.ReaderAt
}

/// Offset identifies a slot in the swap area, in bytes from the start
/// of the backing file. It is always a multiple of PageSize.
type Offset int64

/// NoOffset is the sentinel meaning "not swapped".
const NoOffset Offset = -1

/// Area is the swap area: a fixed number of page-sized slots backed
/// by a single file. mu protects only the slot free-list; it is never
/// held while Out or In perform their blocking file I/O, so a slow
/// disk cannot stall unrelated faults indefinitely the way it would
/// if the lock were held across the VOP_WRITE/VOP_READ call.
type Area struct {
	backing Backing
	slots   int

	mu   sync.Mutex
	free []bool // free[i] true means slot i is unused
}

/// Open creates a swap area of the given capacity (in bytes, rounded
/// down to a whole number of slots) over backing. Every slot starts
/// free.
func Open(backing Backing, capacityBytes int) *Area {
	n := capacityBytes / PageSize
	a := &Area{
		backing: backing,
		slots:   n,
		free:    make([]bool, n),
	}
	for i := range a.free {
		a.free[i] = true
	}
	return a
}

/// Slots reports the swap area's total capacity in slots.
func (a *Area) Slots() int { return a.slots }

// reserve claims the lowest-indexed free slot, matching the reference
// swap_out's linear scan for a free entry, and returns false if the
// area is full.
func (a *Area) reserve() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, free := range a.free {
		if free {
			a.free[i] = false
			return i, true
		}
	}
	return 0, false
}

func (a *Area) release(slot int) {
	a.mu.Lock()
	a.free[slot] = true
	a.mu.Unlock()
}

/// Out writes page (exactly PageSize bytes) to a freshly reserved
/// slot and returns its offset. The free-list lock is released before
/// the write begins, so a concurrent Out/In for an unrelated slot is
/// never blocked behind this one's disk I/O - the fix for the
/// reference implementation, which holds its single filelock for the
/// duration of the write.
func (a *Area) Out(page []byte) (Offset, error) {
	if len(page) != PageSize {
		return NoOffset, fmt.Errorf("swap: Out: page must be exactly %d bytes", PageSize)
	}
	slot, ok := a.reserve()
	if !ok {
		return NoOffset, ErrFull
	}
	off := int64(slot) * PageSize
	if _, err := a.backing.WriteAt(page, off); err != nil {
		a.release(slot)
		return NoOffset, fmt.Errorf("swap: write slot %d: %w", slot, err)
	}
	return Offset(off), nil
}

/// In reads the slot at offset into dst (which must be exactly
/// PageSize bytes) and frees the slot. The slot is marked free before
/// the read completes - matching the ordering guarantee that a
/// concurrent Out can reuse the slot number as soon as In has
/// committed to reading its old contents, without waiting on the disk
/// - rather than after, as the reference implementation does by
/// clearing metadata first but not releasing its lock until the read
/// returns.
func (a *Area) In(off Offset, dst []byte) error {
	if len(dst) != PageSize {
		return fmt.Errorf("swap: In: dst must be exactly %d bytes", PageSize)
	}
	slot := int(off) / PageSize
	if slot < 0 || slot >= a.slots {
		return fmt.Errorf("swap: In: offset %d out of range", off)
	}
	a.release(slot)
	if _, err := a.backing.ReadAt(dst, int64(off)); err != nil {
		return fmt.Errorf("swap: read slot %d: %w", slot, err)
	}
	return nil
}

/// Free releases the slot at off without reading it back. Used when
/// an address space tears down: its swapped-out pages are discarded,
/// not reclaimed.
func (a *Area) Free(off Offset) {
	slot := int(off) / PageSize
	a.release(slot)
}

/// Used reports how many slots are currently occupied, so callers can
/// compare it with the number of swapped-out page-table leaves.
func (a *Area) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, free := range a.free {
		if !free {
			n++
		}
	}
	return n
}
