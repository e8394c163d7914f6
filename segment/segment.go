// Package segment implements the segment table: the record of which
// ranges of a process's virtual address space are code, data, or
// stack, their permissions, and - for code and data - the executable
// file region they load from.
package segment

import (
	"fmt"
	"io"

	"github.com/fcellamare/vmc1/defs"
	"github.com/fcellamare/vmc1/util"
)

/// Kind tags which region of the address space a segment describes.
type Kind int

const (
	Code Kind = iota
	Data
	Stack
)

func (k Kind) String() string {
	switch k {
	case Code:
		return "code"
	case Data:
		return "data"
	case Stack:
		return "stack"
	default:
		return "???"
	}
}

/// Vnode is the narrow file-access surface a segment needs to load
/// its backing bytes - just enough of *os.File's behavior to read a
/// region, without pulling a full filesystem package into this leaf
/// package.
type Vnode interface {
	ReadAt(p []byte, off int64) (int, error)
}

/// Segment describes one contiguous virtual region: its base address,
/// the number of bytes backed by the executable file (FileSize, zero
/// for the stack and for any zero-fill tail of data/bss), the total
/// mapped size (MemSize), its permissions, and - for file-backed
/// segments - the vnode and the file offset its first byte loads
/// from.
type Segment struct {
	Kind       Kind
	Base       uintptr
	FileOffset uint32
	FileSize   uint32
	MemSize    uint32
	Perm       defs.Perm
	File       Vnode
}

/// Contains reports whether va falls within the segment. The upper
/// bound is exclusive: va == Base+MemSize belongs to whatever segment
/// follows, not this one. The reference implementation compares
/// inclusively at the top (va <= base+memsz), which lets a fault one
/// byte past a segment's end resolve against it instead of failing;
/// this port deliberately does not reproduce that.
func (s *Segment) Contains(va uintptr) bool {
	return va >= s.Base && va < s.Base+uintptr(s.MemSize)
}

/// PageIndex returns which page of the segment va falls in, counting
/// from the segment's page-aligned base.
func (s *Segment) PageIndex(va uintptr, pageSize uintptr) uintptr {
	alignedBase := s.Base &^ (pageSize - 1)
	return (va - alignedBase) / pageSize
}

/// LoadPage fills the PageSize-byte frame dst with the contents va's
/// page should have: zeroed first, then - if any part of this page
/// falls within FileSize - overwritten with the corresponding bytes
/// read from the segment's backing file. It correctly accounts for a
/// segment base that is not page-aligned, unlike a naive page-index*
/// PageSize computation.
func (s *Segment) LoadPage(va uintptr, pageSize int, dst []byte) error {
	if len(dst) != pageSize {
		return fmt.Errorf("segment: LoadPage: dst must be exactly %d bytes", pageSize)
	}
	for i := range dst {
		dst[i] = 0
	}
	if s.File == nil || s.FileSize == 0 {
		return nil
	}

	alignedBase := util.Rounddown(s.Base, uintptr(pageSize))
	pageBase := alignedBase + (va-alignedBase)/uintptr(pageSize)*uintptr(pageSize)
	// segOff is the offset within the segment's logical byte stream
	// where this page's first byte lives, measured from Base - which
	// may be negative-in-spirit (before Base) when pageBase precedes a
	// non-page-aligned Base; clamp that leading slop out of the copy.
	var leadingSlop uintptr
	segOff := int64(0)
	if pageBase >= s.Base {
		segOff = int64(pageBase - s.Base)
	} else {
		leadingSlop = s.Base - pageBase
	}

	if segOff >= int64(s.FileSize) {
		return nil // this page is entirely past the file-backed region: zero-fill only
	}
	n := util.Min(int64(s.FileSize)-segOff, int64(pageSize)-int64(leadingSlop))
	if n <= 0 {
		return nil
	}
	buf := dst[leadingSlop : int64(leadingSlop)+n]
	nRead, err := s.File.ReadAt(buf, int64(s.FileOffset)+segOff)
	if err != nil && err != io.EOF {
		return fmt.Errorf("segment: load page at va %#x: %w", va, err)
	}
	if int64(nRead) != n {
		return fmt.Errorf("segment: load page at va %#x: short read: got %d of %d bytes", va, nRead, n)
	}
	return nil
}

/// Table holds the (at most three) segments of one address space:
/// code, data, and stack.
type Table struct {
	Code  *Segment
	Data  *Segment
	Stack *Segment
}

/// Define installs a code or data segment. Kind must be Code or Data;
/// use DefineStack for the stack.
func (t *Table) Define(kind Kind, base uintptr, fileOffset, fileSize, memSize uint32, perm defs.Perm, file Vnode) error {
	seg := &Segment{Kind: kind, Base: base, FileOffset: fileOffset, FileSize: fileSize, MemSize: memSize, Perm: perm, File: file}
	switch kind {
	case Code:
		t.Code = seg
	case Data:
		t.Data = seg
	default:
		return fmt.Errorf("segment: Define: kind must be Code or Data, got %v", kind)
	}
	return nil
}

/// DefineStack installs the stack segment: numPages pages immediately
/// below userStackTop, read-write via the disjoint PF_S permission
/// rather than the real ELF bits, with no file backing.
func (t *Table) DefineStack(userStackTop uintptr, numPages int, pageSize int) {
	size := uint32(numPages * pageSize)
	t.Stack = &Segment{
		Kind:    Stack,
		Base:    userStackTop - uintptr(size),
		MemSize: size,
		Perm:    defs.PF_S,
	}
}

/// Lookup returns the segment containing va, or nil if none does.
func (t *Table) Lookup(va uintptr) *Segment {
	for _, s := range []*Segment{t.Code, t.Data, t.Stack} {
		if s != nil && s.Contains(va) {
			return s
		}
	}
	return nil
}

/// Clone deep-copies the table. Segments share their (read-only)
/// Vnode but never their Segment struct, so permission or bookkeeping
/// changes to one address space's table can never leak into another's
/// - segments themselves are treated as immutable once defined, so
/// this is a shallow struct copy per segment, not a deep copy of file
/// contents.
func (t *Table) Clone() *Table {
	clone := func(s *Segment) *Segment {
		if s == nil {
			return nil
		}
		cp := *s
		return &cp
	}
	return &Table{Code: clone(t.Code), Data: clone(t.Data), Stack: clone(t.Stack)}
}
