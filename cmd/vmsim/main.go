// Command vmsim loads an ELF executable's PT_LOAD segments into a
// simulated address space and walks its entry page through the fault
// handler, exercising the same segment-definition and page-fault path
// a real exec() would drive through as_define_region/as_complete_load.
//
// It is boot glue for demonstration and manual testing, not a full
// loader: it does not start executing the target's instructions, it
// only proves the VM subsystem resolves the target's first
// instruction and stack faults correctly.
package main

import (
	"debug/elf"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fcellamare/vmc1/defs"
	"github.com/fcellamare/vmc1/mem"
	"github.com/fcellamare/vmc1/segment"
	"github.com/fcellamare/vmc1/stats"
	"github.com/fcellamare/vmc1/swap"
	"github.com/fcellamare/vmc1/tlb"
	"github.com/fcellamare/vmc1/vm"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <elf-binary>\n", os.Args[0])
	os.Exit(1)
}

func main() {
	frames := flag.Int("frames", 64, "number of physical frames to simulate")
	swapFile := flag.String("swapfile", "", "path to the swap file (default: a temp file)")
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		log.Fatal(err)
	}
	if ef.Type != elf.ET_EXEC {
		log.Fatal("not an executable ELF")
	}
	fmt.Printf("entry point: 0x%x\n", ef.Entry)

	ram := mem.NewHeapRAM(*frames)
	coremap := mem.New(ram)

	path := *swapFile
	if path == "" {
		tmp, err := os.CreateTemp("", "vmsim-swap-*")
		if err != nil {
			log.Fatal(err)
		}
		path = tmp.Name()
		tmp.Close()
		defer os.Remove(path)
	}
	swapArea, swapFileHandle, err := swap.OpenFile(path, swap.DefaultFileSize)
	if err != nil {
		log.Fatal(err)
	}
	defer swapFileHandle.Close()

	machine := vm.NewMachine(coremap, swapArea, tlb.New(), &stats.Counters{})
	as := vm.Create(machine)

	var loaded int
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		kind := segment.Data
		if prog.Flags&elf.PF_X != 0 {
			kind = segment.Code
		}
		perm := elfPerm(prog.Flags)
		if err := as.DefineRegion(kind, uintptr(prog.Vaddr), uint32(prog.Off), uint32(prog.Filesz), uint32(prog.Memsz), perm, f); err != nil {
			log.Fatalf("defining %v segment: %v", kind, err)
		}
		fmt.Printf("%-4s base=0x%08x filesz=%d memsz=%d perm=%v\n", kind, prog.Vaddr, prog.Filesz, prog.Memsz, perm)
		loaded++
	}
	if loaded == 0 {
		log.Fatal("no PT_LOAD segments found")
	}
	sp := as.DefineStack()
	fmt.Printf("stack base=0x%08x top=0x%08x\n", sp-uintptr(vm.StackPages*mem.PGSIZE), sp)

	as.Activate()
	if err := as.Fault(defs.FaultRead, uintptr(ef.Entry)); err != nil {
		log.Fatalf("faulting in entry page: %v", err)
	}
	if err := as.Fault(defs.FaultWrite, sp-1); err != nil {
		log.Fatalf("faulting in stack page: %v", err)
	}
	fmt.Print(machine.Stats.String())
	if err := machine.Stats.CheckConsistency(); err != nil {
		log.Fatalf("statistics inconsistent: %v", err)
	}
	as.Destroy()
}

func elfPerm(f elf.ProgFlag) defs.Perm {
	var p defs.Perm
	if f&elf.PF_R != 0 {
		p |= defs.PF_R
	}
	if f&elf.PF_W != 0 {
		p |= defs.PF_W
	}
	if f&elf.PF_X != 0 {
		p |= defs.PF_X
	}
	return p
}
