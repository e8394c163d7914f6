package vm

import (
	"fmt"
	"io"
	"time"

	"github.com/google/pprof/profile"

	"github.com/fcellamare/vmc1/defs"
)

/// FaultProfiler accumulates one pprof sample per serviced fault,
/// tagged by the path it took through the decision table (zero-fill,
/// ELF load, swap-in, or TLB reload) and its service latency. The
/// result can be written in the standard pprof wire format and
/// inspected with `go tool pprof` - useful for seeing which fault
/// path dominates a workload without instrumenting the fault handler
/// by hand each time.
type FaultProfiler struct {
	valueType *profile.ValueType
	pathIdx   map[string]int64 // interned path label -> string table index
	strings   []string
	samples   []*profile.Sample
}

/// NewFaultProfiler returns an empty profiler.
func NewFaultProfiler() *FaultProfiler {
	fp := &FaultProfiler{
		pathIdx: make(map[string]int64),
		strings: []string{""},
	}
	return fp
}

func (fp *FaultProfiler) intern(s string) int64 {
	if idx, ok := fp.pathIdx[s]; ok {
		return idx
	}
	idx := int64(len(fp.strings))
	fp.strings = append(fp.strings, s)
	fp.pathIdx[s] = idx
	return idx
}

/// Record adds one sample: the decision-table path taken and how long
/// servicing the fault took.
func (fp *FaultProfiler) Record(path string, elapsed time.Duration) {
	fp.samples = append(fp.samples, &profile.Sample{
		Value: []int64{1, elapsed.Nanoseconds()},
		Label: map[string][]string{"path": {path}},
	})
}

/// Write emits the accumulated samples as a pprof profile.
func (fp *FaultProfiler) Write(w io.Writer) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "faults", Unit: "count"},
			{Type: "latency", Unit: "nanoseconds"},
		},
		Sample:     fp.samples,
		TimeNanos:  time.Now().UnixNano(),
		PeriodType: &profile.ValueType{Type: "fault", Unit: "count"},
		Period:     1,
	}
	if err := p.CheckValid(); err != nil {
		return fmt.Errorf("vm: FaultProfiler: %w", err)
	}
	return p.Write(w)
}

// faultPath names the decision-table branch a Fault call took, for
// FaultProfiler labeling.
func faultPath(kind defs.FaultKind, resident, swapped bool, segKind string) string {
	switch {
	case !resident && !swapped && segKind == "stack":
		return "zero-fill"
	case !resident && !swapped:
		return "elf-load"
	case swapped:
		return "swap-in"
	default:
		return "reload"
	}
}
