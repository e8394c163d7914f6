package mem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

/// MmapRAM backs RawRAM with an anonymous mmap region rather than a
/// plain Go slice, so frame contents live outside the garbage
/// collector's scanned heap - closer to how a real port's direct map
/// exposes physical DRAM as raw bytes than a []byte ever can.
type MmapRAM struct {
	mem    []byte
	frames int
}

/// NewMmapRAM reserves nframes page-sized frames via mmap.
func NewMmapRAM(nframes int) (*MmapRAM, error) {
	if nframes <= 0 {
		return nil, fmt.Errorf("mem: NewMmapRAM: nframes must be positive")
	}
	size := nframes * PGSIZE
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mem: mmap %d bytes: %w", size, err)
	}
	return &MmapRAM{mem: b, frames: nframes}, nil
}

/// Bytes implements RawRAM.
func (r *MmapRAM) Bytes(pa PA) []byte {
	f := int(pa.Frame())
	off := f * PGSIZE
	return r.mem[off : off+PGSIZE]
}

/// NumFrames implements RawRAM.
func (r *MmapRAM) NumFrames() int { return r.frames }

/// Close unmaps the backing region. Safe to call once; a second call
/// returns the error munmap reports for a stale mapping.
func (r *MmapRAM) Close() error {
	return unix.Munmap(r.mem)
}
