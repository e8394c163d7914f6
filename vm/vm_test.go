package vm

import (
	"bytes"
	"testing"

	"github.com/fcellamare/vmc1/defs"
	"github.com/fcellamare/vmc1/mem"
	"github.com/fcellamare/vmc1/segment"
	"github.com/fcellamare/vmc1/stats"
	"github.com/fcellamare/vmc1/swap"
	"github.com/fcellamare/vmc1/tlb"
)

type memBacking struct{ buf []byte }

func newMemBacking(n int) *memBacking { return &memBacking{buf: make([]byte, n)} }

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:], p), nil
}
func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}

type fakeVnode struct{ data []byte }

func (f *fakeVnode) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, f.data[off:]), nil
}

func newTestMachine(nframes, swapBytes int) *Machine {
	cm := mem.New(mem.NewHeapRAM(nframes))
	sw := swap.Open(newMemBacking(swapBytes), swapBytes)
	return NewMachine(cm, sw, tlb.New(), &stats.Counters{})
}

func TestFaultZeroFillsStack(t *testing.T) {
	m := newTestMachine(4, 4*swap.PageSize)
	as := Create(m)
	top := as.DefineStack()
	as.Activate()

	faultVA := top - uintptr(mem.PGSIZE)
	if err := as.Fault(defs.FaultWrite, faultVA); err != nil {
		t.Fatal(err)
	}
	if err := m.Stats.CheckConsistency(); err != nil {
		t.Fatal(err)
	}
	if got := m.Stats.Get(stats.PageFaultZero); got != 1 {
		t.Fatalf("PageFaultZero = %d, want 1", got)
	}
}

func TestFaultLoadsFromFile(t *testing.T) {
	m := newTestMachine(4, 4*swap.PageSize)
	as := Create(m)
	fileData := bytes.Repeat([]byte{0x11}, 50)
	if err := as.DefineRegion(segment.Code, 0x1000, 0, 50, uint32(mem.PGSIZE), defs.PF_R|defs.PF_X, &fakeVnode{data: fileData}); err != nil {
		t.Fatal(err)
	}
	as.Activate()

	if err := as.Fault(defs.FaultRead, 0x1000); err != nil {
		t.Fatal(err)
	}
	if got := m.Stats.Get(stats.PageFaultDisk); got != 1 {
		t.Fatalf("PageFaultDisk = %d, want 1", got)
	}
	if got := m.Stats.Get(stats.ELFFileRead); got != 1 {
		t.Fatalf("ELFFileRead = %d, want 1", got)
	}
	if err := m.Stats.CheckConsistency(); err != nil {
		t.Fatal(err)
	}
}

func TestFaultOnAlreadyResidentPageIsAReload(t *testing.T) {
	m := newTestMachine(4, 4*swap.PageSize)
	as := Create(m)
	top := as.DefineStack()
	as.Activate()
	faultVA := top - uintptr(mem.PGSIZE)

	if err := as.Fault(defs.FaultWrite, faultVA); err != nil {
		t.Fatal(err)
	}
	as.machine.TLB.RemoveByVA(faultVA &^ (uintptr(mem.PGSIZE) - 1))
	if err := as.Fault(defs.FaultWrite, faultVA); err != nil {
		t.Fatal(err)
	}
	if got := m.Stats.Get(stats.TLBReload); got != 1 {
		t.Fatalf("TLBReload = %d, want 1", got)
	}
	if err := m.Stats.CheckConsistency(); err != nil {
		t.Fatal(err)
	}
}

func TestFaultReadOnlyIsRejected(t *testing.T) {
	m := newTestMachine(4, 4*swap.PageSize)
	as := Create(m)
	as.DefineStack()
	as.Activate()
	if err := as.Fault(defs.FaultReadOnly, 0x80000000-uintptr(mem.PGSIZE)); err != defs.EACCES {
		t.Fatalf("got %v, want EACCES", err)
	}
	if err := m.Stats.CheckConsistency(); err != nil {
		t.Fatal(err)
	}
}

func TestFaultOutsideEverySegmentIsEFAULT(t *testing.T) {
	m := newTestMachine(4, 4*swap.PageSize)
	as := Create(m)
	as.Activate()
	if err := as.Fault(defs.FaultRead, 0xdeadb000); err != defs.EFAULT {
		t.Fatalf("got %v, want EFAULT", err)
	}
	if err := m.Stats.CheckConsistency(); err != nil {
		t.Fatal(err)
	}
}

func TestFaultInvalidKindIsEINVAL(t *testing.T) {
	m := newTestMachine(4, 4*swap.PageSize)
	as := Create(m)
	as.DefineStack()
	as.Activate()
	if err := as.Fault(defs.FaultKind(99), 0x80000000-uintptr(mem.PGSIZE)); err != defs.EINVAL {
		t.Fatalf("got %v, want EINVAL", err)
	}
	if err := m.Stats.CheckConsistency(); err != nil {
		t.Fatal(err)
	}
}

func TestEvictionWritesToSwapAndDestroyReclaims(t *testing.T) {
	m := newTestMachine(1, 4*swap.PageSize)
	as := Create(m)
	top := as.DefineStack()
	as.Activate()

	// touch two distinct stack pages with only one physical frame
	// available: the second fault must evict the first to swap.
	if err := as.Fault(defs.FaultWrite, top-uintptr(mem.PGSIZE)); err != nil {
		t.Fatal(err)
	}
	if err := as.Fault(defs.FaultWrite, top-2*uintptr(mem.PGSIZE)); err != nil {
		t.Fatal(err)
	}
	if got := m.Stats.Get(stats.SwapFileWrite); got != 1 {
		t.Fatalf("SwapFileWrite = %d, want 1", got)
	}

	// faulting the evicted page back in must read it from swap.
	if err := as.Fault(defs.FaultWrite, top-uintptr(mem.PGSIZE)); err != nil {
		t.Fatal(err)
	}
	if got := m.Stats.Get(stats.SwapFileRead); got != 1 {
		t.Fatalf("SwapFileRead = %d, want 1", got)
	}
	if err := m.Stats.CheckConsistency(); err != nil {
		t.Fatal(err)
	}

	as.Destroy()
	if used := m.Swap.Used(); used != 0 {
		t.Fatalf("swap area still has %d slots used after Destroy", used)
	}
	free, _, _, _ := m.Coremap.Counts()
	if free != 1 {
		t.Fatalf("coremap free frames after Destroy = %d, want 1", free)
	}
}

func TestCopyDuplicatesFramesIndependently(t *testing.T) {
	m := newTestMachine(4, 4*swap.PageSize)
	as := Create(m)
	top := as.DefineStack()
	as.Activate()
	faultVA := top - uintptr(mem.PGSIZE)
	if err := as.Fault(defs.FaultWrite, faultVA); err != nil {
		t.Fatal(err)
	}

	pageVA := faultVA &^ (uintptr(mem.PGSIZE) - 1)
	origFrame, _ := as.pt.GetFrame(pageVA)
	copy(m.Coremap.FrameBytes(origFrame), []byte{1, 2, 3, 4})

	child, err := as.Copy()
	if err != nil {
		t.Fatal(err)
	}
	childFrame, ok := child.pt.GetFrame(pageVA)
	if !ok {
		t.Fatal("child page table missing the copied leaf")
	}
	if childFrame == origFrame {
		t.Fatal("child must own a distinct physical frame")
	}
	if !bytes.Equal(m.Coremap.FrameBytes(childFrame)[:4], []byte{1, 2, 3, 4}) {
		t.Fatal("child frame does not contain the parent's bytes")
	}

	// mutating the child's frame must not affect the parent's.
	m.Coremap.FrameBytes(childFrame)[0] = 0xff
	if m.Coremap.FrameBytes(origFrame)[0] == 0xff {
		t.Fatal("child mutation leaked into parent frame")
	}

	as.Destroy()
	child.Destroy()
}

func TestActivateFlushesTLB(t *testing.T) {
	m := newTestMachine(4, 4*swap.PageSize)
	as := Create(m)
	top := as.DefineStack()
	as.Activate()
	faultVA := top - uintptr(mem.PGSIZE)
	if err := as.Fault(defs.FaultWrite, faultVA); err != nil {
		t.Fatal(err)
	}
	pageVA := faultVA &^ (uintptr(mem.PGSIZE) - 1)
	if _, _, ok := m.TLB.Lookup(pageVA); !ok {
		t.Fatal("expected a TLB entry after the fault")
	}
	as.Activate()
	if _, _, ok := m.TLB.Lookup(pageVA); ok {
		t.Fatal("Activate must flush every TLB entry")
	}
}
