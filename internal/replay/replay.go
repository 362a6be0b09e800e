// Package replay re-executes the governor from recorded observations with
// no kernel or clock involvement and proves the determinism law: identical
// inputs reconstruct a byte-identical decision sequence.
package replay

import (
	"fmt"
	"log/slog"

	"github.com/rgov/rgov/internal/enforce"
	"github.com/rgov/rgov/internal/governor"
	"github.com/rgov/rgov/internal/observe"
	"github.com/rgov/rgov/internal/record"
)

// Input is everything a replay needs: the workload set, the window size,
// and each workload's recorded usage sequence indexed by window.
type Input struct {
	WindowUsec uint64
	Workloads  []governor.Workload
	Frames     map[string][]uint64
	Windows    uint64
}

// FromDecisions reconstructs a replay input from a recorded decision
// sequence. Workload registration order is taken from first appearance,
// which is the original registration order by construction of the log.
func FromDecisions(decisions []record.Decision) (Input, error) {
	if len(decisions) == 0 {
		return Input{}, fmt.Errorf("replay: empty decision sequence")
	}

	in := Input{
		WindowUsec: decisions[0].WindowSize,
		Frames:     make(map[string][]uint64),
	}

	budgets := make(map[string]uint64)
	for _, d := range decisions {
		if d.WindowSize != in.WindowUsec {
			return Input{}, fmt.Errorf("replay: window size changed mid-log (%d then %d)", in.WindowUsec, d.WindowSize)
		}
		if prev, ok := budgets[d.WorkloadID]; ok && prev != d.Budget {
			return Input{}, fmt.Errorf("replay: budget changed mid-log for workload %q", d.WorkloadID)
		}
		if _, seen := budgets[d.WorkloadID]; !seen {
			budgets[d.WorkloadID] = d.Budget
			in.Workloads = append(in.Workloads, governor.Workload{ID: d.WorkloadID, BudgetUsec: d.Budget})
		}

		seq := in.Frames[d.WorkloadID]
		if d.Window != uint64(len(seq)) {
			return Input{}, fmt.Errorf("replay: workload %q has gap at window %d (expected %d)",
				d.WorkloadID, d.Window, len(seq))
		}
		in.Frames[d.WorkloadID] = append(seq, d.Usage)
		if d.Window+1 > in.Windows {
			in.Windows = d.Window + 1
		}
	}

	for id, seq := range in.Frames {
		if uint64(len(seq)) != in.Windows {
			return Input{}, fmt.Errorf("replay: workload %q covers %d windows, run has %d", id, len(seq), in.Windows)
		}
	}

	return in, nil
}

// Run drives a fresh governor through every recorded window with a recorded
// sampler and a null sink, and returns the produced decision sequence.
func (in Input) Run() ([]record.Decision, error) {
	var capacity uint64
	for _, wl := range in.Workloads {
		capacity += wl.BudgetUsec
	}

	g, err := governor.New(governor.Options{
		WindowUsec:   in.WindowUsec,
		CapacityUsec: capacity,
		Workloads:    in.Workloads,
		Sampler:      observe.NewRecordedSampler(in.Frames),
		Sink:         enforce.NewMemorySink(),
		RunID:        "replay",
		Logger:       slog.New(slog.DiscardHandler),
	})
	if err != nil {
		return nil, err
	}

	var out []record.Decision
	for w := uint64(0); w < in.Windows; w++ {
		ds, err := g.Tick()
		if err != nil {
			return nil, err
		}
		out = append(out, ds...)
	}
	return out, nil
}

// Report is the outcome of verifying a recorded log against its replay.
type Report struct {
	Windows     uint64
	Workloads   int
	Decisions   int
	Match       bool
	DivergentAt int // index into the decision sequence; -1 when Match
}

// VerifyLog replays the decision log at path and compares the reconstruction
// byte for byte against the recording. Any divergence means the recording
// and the engine disagree: either the engine is not deterministic or a
// recorded output was altered.
func VerifyLog(path string) (*Report, error) {
	recorded, err := record.ReadLog(path)
	if err != nil {
		return nil, err
	}
	return Verify(recorded)
}

// Verify replays a recorded decision sequence and compares.
func Verify(recorded []record.Decision) (*Report, error) {
	in, err := FromDecisions(recorded)
	if err != nil {
		return nil, err
	}

	replayed, err := in.Run()
	if err != nil {
		return nil, err
	}

	match, at := record.Equal(recorded, replayed)
	return &Report{
		Windows:     in.Windows,
		Workloads:   len(in.Workloads),
		Decisions:   len(recorded),
		Match:       match,
		DivergentAt: at,
	}, nil
}
