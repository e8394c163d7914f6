// Package stats implements the VM subsystem's named counters and the
// consistency laws that must hold across them at every observation
// point, not merely at shutdown.
package stats

import (
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

/// Stat identifies one named counter, in the same order the reference
/// kernel prints them.
type Stat int

const (
	TLBFault Stat = iota
	TLBFaultFree
	TLBFaultReplace
	TLBInvalidate
	TLBReload
	PageFaultZero
	PageFaultDisk
	ELFFileRead
	SwapFileRead
	SwapFileWrite
	numStats
)

var names = [numStats]string{
	TLBFault:        "TLB Faults",
	TLBFaultFree:    "TLB Faults with Free",
	TLBFaultReplace: "TLB Faults with Replace",
	TLBInvalidate:   "TLB Invalidations",
	TLBReload:       "TLB Reloads",
	PageFaultZero:   "Page Faults (Zeroed)",
	PageFaultDisk:   "Page Faults (Disk)",
	ELFFileRead:     "Page Faults from ELF",
	SwapFileRead:    "Page Faults from Swapfile",
	SwapFileWrite:   "Swapfile Writes",
}

func (s Stat) String() string { return names[s] }

/// Counters holds one atomic counter per Stat. The zero value is
/// ready to use.
type Counters struct {
	n [numStats]int64
}

/// Inc atomically increments the named counter.
func (c *Counters) Inc(s Stat) { atomic.AddInt64(&c.n[s], 1) }

/// Get atomically reads the named counter.
func (c *Counters) Get(s Stat) int64 { return atomic.LoadInt64(&c.n[s]) }

// printer formats counter values with thousands separators so a long
// VM run's statistics dump stays readable; print_all_statistics's
// plain %10d has no equivalent grouping.
var printer = message.NewPrinter(language.English)

/// String renders every counter, one per line, in declaration order -
/// the Go equivalent of print_all_statistics's table.
func (c *Counters) String() string {
	var b strings.Builder
	for i := Stat(0); i < numStats; i++ {
		b.WriteString(printer.Sprintf("%25s = %10d\n", names[i], c.Get(i)))
	}
	return b.String()
}

/// CheckConsistency verifies the three invariants the reference
/// kernel checks only once, at shutdown, but that must hold after
/// every fault: total TLB faults equal the free+replace split, equal
/// reload+disk+zero, and disk faults equal ELF+swap reads. It returns
/// the first violated law, or nil if all three hold.
func (c *Counters) CheckConsistency() error {
	tlbFaults := c.Get(TLBFault)

	freeReplace := c.Get(TLBFaultFree) + c.Get(TLBFaultReplace)
	if tlbFaults != freeReplace {
		return fmt.Errorf("stats: TLB faults (%d) != free+replace (%d)", tlbFaults, freeReplace)
	}

	reloadDiskZero := c.Get(TLBReload) + c.Get(PageFaultDisk) + c.Get(PageFaultZero)
	if tlbFaults != reloadDiskZero {
		return fmt.Errorf("stats: TLB faults (%d) != reload+disk+zero (%d)", tlbFaults, reloadDiskZero)
	}

	elfSwap := c.Get(ELFFileRead) + c.Get(SwapFileRead)
	pfDisk := c.Get(PageFaultDisk)
	if pfDisk != elfSwap {
		return fmt.Errorf("stats: page faults (disk) (%d) != ELF+swap reads (%d)", pfDisk, elfSwap)
	}
	return nil
}
