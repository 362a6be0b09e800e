package replay

import (
	"path/filepath"
	"testing"

	"github.com/rgov/rgov/internal/enforce"
	"github.com/rgov/rgov/internal/governor"
	"github.com/rgov/rgov/internal/observe"
	"github.com/rgov/rgov/internal/record"
)

func recordRun(t *testing.T, path string, workloads []governor.Workload, frames map[string][]uint64, windows int) []record.Decision {
	t.Helper()
	log, err := record.OpenLog(path)
	if err != nil {
		t.Fatalf("OpenLog() error: %v", err)
	}
	g, err := governor.New(governor.Options{
		WindowUsec:   100_000,
		CapacityUsec: 1_000_000,
		Workloads:    workloads,
		Sampler:      observe.NewRecordedSampler(frames),
		Sink:         enforce.NewMemorySink(),
		Log:          log,
		RunID:        "run_test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	var all []record.Decision
	for i := 0; i < windows; i++ {
		ds, err := g.Tick()
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		all = append(all, ds...)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	return all
}

func TestReplayReconstructsRecordedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	recordRun(t, path,
		[]governor.Workload{
			{ID: "web", BudgetUsec: 100_000},
			{ID: "batch", BudgetUsec: 50_000},
		},
		map[string][]uint64{
			"web":   {150_000, 0, 200_000, 0},
			"batch": {25_000, 60_000, 25_000, 25_000},
		}, 4)

	report, err := VerifyLog(path)
	if err != nil {
		t.Fatalf("VerifyLog() error: %v", err)
	}
	if !report.Match {
		t.Fatalf("replay diverged at decision %d", report.DivergentAt)
	}
	if report.Windows != 4 || report.Workloads != 2 || report.Decisions != 8 {
		t.Errorf("report = %+v, want 4 windows, 2 workloads, 8 decisions", report)
	}
}

func TestReplayDetectsTamperedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	recorded := recordRun(t, path,
		[]governor.Workload{{ID: "web", BudgetUsec: 100_000}},
		map[string][]uint64{"web": {150_000, 0, 0}}, 3)

	// Falsify the committed debt at window 1: the replayed engine cannot
	// produce this record from the recorded inputs.
	recorded[1].DebtOut = 99_999

	report, err := Verify(recorded)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if report.Match {
		t.Fatal("tampered record verified clean")
	}
	if report.DivergentAt != 1 {
		t.Errorf("divergence at %d, want 1", report.DivergentAt)
	}
}

func TestReplayIsRepeatable(t *testing.T) {
	in := Input{
		WindowUsec: 100_000,
		Workloads:  []governor.Workload{{ID: "web", BudgetUsec: 100_000}},
		Frames:     map[string][]uint64{"web": {200_000, 0, 200_000, 0}},
		Windows:    4,
	}

	first, err := in.Run()
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	second, err := in.Run()
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if ok, idx := record.Equal(first, second); !ok {
		t.Fatalf("replays diverged at %d", idx)
	}
}

func TestFromDecisionsRejectsGaps(t *testing.T) {
	decisions := []record.Decision{
		{Window: 0, WorkloadID: "web", WindowSize: 100_000, Budget: 100_000, RuleID: "R-UNDER",
			ModeIn: "normal", ModeOut: "normal"},
		{Window: 2, WorkloadID: "web", WindowSize: 100_000, Budget: 100_000, RuleID: "R-UNDER",
			ModeIn: "normal", ModeOut: "normal"},
	}
	if _, err := FromDecisions(decisions); err == nil {
		t.Fatal("FromDecisions() accepted a log with a window gap")
	}
}

func TestFromDecisionsRejectsBudgetChange(t *testing.T) {
	decisions := []record.Decision{
		{Window: 0, WorkloadID: "web", WindowSize: 100_000, Budget: 100_000, RuleID: "R-UNDER",
			ModeIn: "normal", ModeOut: "normal"},
		{Window: 1, WorkloadID: "web", WindowSize: 100_000, Budget: 90_000, RuleID: "R-UNDER",
			ModeIn: "normal", ModeOut: "normal"},
	}
	if _, err := FromDecisions(decisions); err == nil {
		t.Fatal("FromDecisions() accepted a mid-log budget change")
	}
}
