package segment

import (
	"bytes"
	"testing"

	"github.com/fcellamare/vmc1/defs"
)

type fakeVnode struct {
	data []byte
}

func (f *fakeVnode) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, f.data[off:])
	return n, nil
}

func TestContainsIsExclusiveAtTop(t *testing.T) {
	s := &Segment{Base: 0x1000, MemSize: 0x1000}
	if !s.Contains(0x1000) {
		t.Fatal("base address should be contained")
	}
	if !s.Contains(0x1fff) {
		t.Fatal("last byte should be contained")
	}
	if s.Contains(0x2000) {
		t.Fatal("one byte past the end must not be contained")
	}
}

func TestLookupPicksCorrectSegment(t *testing.T) {
	tbl := &Table{}
	tbl.Define(Code, 0x0, 0, 0x100, 0x100, defs.PF_R|defs.PF_X, nil)
	tbl.Define(Data, 0x1000, 0, 0x10, 0x2000, defs.PF_R|defs.PF_W, nil)
	tbl.DefineStack(0x80000000, 4, 4096)

	if s := tbl.Lookup(0x50); s == nil || s.Kind != Code {
		t.Fatalf("expected Code segment at 0x50, got %v", s)
	}
	if s := tbl.Lookup(0x1500); s == nil || s.Kind != Data {
		t.Fatalf("expected Data segment at 0x1500, got %v", s)
	}
	if s := tbl.Lookup(0x80000000 - 4096); s == nil || s.Kind != Stack {
		t.Fatalf("expected Stack segment, got %v", s)
	}
	if s := tbl.Lookup(0x9999999); s != nil {
		t.Fatalf("expected no segment for an unmapped address, got %v", s)
	}
}

func TestLoadPageZeroFillsPastFileSize(t *testing.T) {
	s := &Segment{Base: 0, FileSize: 10, MemSize: 4096, File: &fakeVnode{data: bytes.Repeat([]byte{0x7f}, 10)}}
	dst := make([]byte, 4096)
	if err := s.LoadPage(0, 4096, dst); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if dst[i] != 0x7f {
			t.Fatalf("byte %d = %#x, want 0x7f", i, dst[i])
		}
	}
	for i := 10; i < 4096; i++ {
		if dst[i] != 0 {
			t.Fatalf("byte %d = %#x, want 0 (zero-fill tail)", i, dst[i])
		}
	}
}

func TestLoadPageZeroFileSizeIsAllZero(t *testing.T) {
	s := &Segment{Base: 0x2000, FileSize: 0, MemSize: 4096}
	dst := bytes.Repeat([]byte{0xff}, 4096)
	if err := s.LoadPage(0x2000, 4096, dst); err != nil {
		t.Fatal(err)
	}
	for i, b := range dst {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestLoadPageHandlesUnalignedBase(t *testing.T) {
	// base is not page-aligned; the first page straddles base-100..base+?
	fileBytes := bytes.Repeat([]byte{0x42}, 200)
	s := &Segment{Base: 0x1064, FileSize: 200, MemSize: 4096, File: &fakeVnode{data: fileBytes}}
	dst := make([]byte, 4096)
	if err := s.LoadPage(0x1064, 4096, dst); err != nil {
		t.Fatal(err)
	}
	// bytes [0x64, 0x1000) of the page correspond to the file's first
	// (0x1000-0x64) bytes; everything before 0x64 is leading slop that
	// precedes Base and must stay zero.
	for i := 0; i < 0x64; i++ {
		if dst[i] != 0 {
			t.Fatalf("leading slop byte %d = %#x, want 0", i, dst[i])
		}
	}
	if dst[0x64] != 0x42 {
		t.Fatalf("first in-segment byte = %#x, want 0x42", dst[0x64])
	}
}

func TestCloneIsIndependent(t *testing.T) {
	tbl := &Table{}
	tbl.Define(Code, 0, 0, 0, 0x1000, defs.PF_R|defs.PF_X, nil)
	clone := tbl.Clone()
	clone.Code.Perm = defs.PF_W
	if tbl.Code.Perm == defs.PF_W {
		t.Fatal("mutating clone leaked into original")
	}
}

func TestDefineRejectsStackKind(t *testing.T) {
	tbl := &Table{}
	if err := tbl.Define(Stack, 0, 0, 0, 0x1000, defs.PF_R, nil); err == nil {
		t.Fatal("expected an error defining a Stack segment via Define")
	}
}
