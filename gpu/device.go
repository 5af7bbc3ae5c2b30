package gpu

import (
	"context"
	"strings"
)

// Device submits work in order. Work that reads what an earlier dispatch wrote must be
// separated from it by a Barrier.
type Device interface {
	// Name identifies the device in logs.
	Name() string
	// Compile bakes defines into an entry point of a registered program.
	Compile(path, entry string, defines Defines) (*Kernel, error)
	// Dispatch runs groups thread groups of k.
	Dispatch(ctx context.Context, k *Kernel, groups Dim3, b *Bindings) error
	// DispatchIndirect runs k with the group count stored at wordOffset of args.
	DispatchIndirect(ctx context.Context, k *Kernel, args *IndirectArgs, wordOffset int, b *Bindings) error
	// Draw runs k once per vertex and instance.
	Draw(ctx context.Context, k *Kernel, args DrawArgs, b *Bindings) error
	// DrawIndirect runs a draw whose arguments are stored at wordOffset of args.
	DrawIndirect(ctx context.Context, k *Kernel, args *IndirectArgs, wordOffset int, b *Bindings) error
	// Barrier makes all previous writes visible to subsequent work.
	Barrier()
	// Upload publishes host writes to r's mapped storage.
	Upload(r Resource)
	// Readback waits for all previous work and makes r's mapped storage current on the host.
	Readback(r Resource)
	// Stats returns a snapshot of the submission counters.
	Stats() Stats
}

// Stats counts submitted work.
type Stats struct {
	Dispatches map[string]int
	Draws      map[string]int
	Barriers   int
	Uploads    int
	Readbacks  int
	// Hazards counts reads of resources written by earlier work with no barrier in between.
	Hazards int
}

// Copy returns a deep copy.
func (s Stats) Copy() Stats {
	out := s
	out.Dispatches = make(map[string]int, len(s.Dispatches))
	for k, v := range s.Dispatches {
		out.Dispatches[k] = v
	}
	out.Draws = make(map[string]int, len(s.Draws))
	for k, v := range s.Draws {
		out.Draws[k] = v
	}
	return out
}

// TotalDispatches sums dispatches of all kernels whose name has the given program prefix; an
// empty program counts everything.
func (s Stats) TotalDispatches(program string) int {
	total := 0
	for name, n := range s.Dispatches {
		if program == "" || strings.HasPrefix(name, program+":") {
			total += n
		}
	}
	return total
}
