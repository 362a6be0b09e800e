package record

import (
	"bytes"
	"path/filepath"
	"testing"
)

func sampleDecision(w uint64, id string) Decision {
	return Decision{
		Window:     w,
		WorkloadID: id,
		ModeIn:     "normal",
		DebtIn:     0,
		Usage:      150_000,
		Budget:     100_000,
		WindowSize: 100_000,
		ModeOut:    "throttled",
		DebtOut:    50_000,
		Quota:      50_000,
		RuleID:     "R-OVER",
	}
}

func TestEncodeIsStable(t *testing.T) {
	d := sampleDecision(3, "web")
	first := d.Encode()
	for i := 0; i < 50; i++ {
		if !bytes.Equal(d.Encode(), first) {
			t.Fatalf("encoding diverged on iteration %d", i)
		}
	}
	want := `{"w":3,"workload_id":"web","mode_in":"normal","debt_in":0,` +
		`"usage_usec":150000,"budget_usec":100000,"window_usec":100000,` +
		`"mode_out":"throttled","debt_out":50000,"quota_usec":50000,"rule_id":"R-OVER"}`
	if string(first) != want {
		t.Errorf("Encode() = %s, want %s", first, want)
	}
}

func TestEqual(t *testing.T) {
	a := []Decision{sampleDecision(0, "web"), sampleDecision(1, "web")}
	b := []Decision{sampleDecision(0, "web"), sampleDecision(1, "web")}

	if ok, idx := Equal(a, b); !ok {
		t.Fatalf("Equal() = false at %d, want true", idx)
	}

	b[1].DebtOut = 51_000
	if ok, idx := Equal(a, b); ok || idx != 1 {
		t.Errorf("Equal() = (%v, %d), want (false, 1)", ok, idx)
	}

	if ok, idx := Equal(a, a[:1]); ok || idx != 1 {
		t.Errorf("Equal() length mismatch = (%v, %d), want (false, 1)", ok, idx)
	}
}

func TestLogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	log, err := OpenLog(path)
	if err != nil {
		t.Fatalf("OpenLog() error: %v", err)
	}

	want := []Decision{sampleDecision(0, "web"), sampleDecision(1, "web"), sampleDecision(1, "batch")}
	for _, d := range want {
		if err := log.Append(d); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	got, err := ReadLog(path)
	if err != nil {
		t.Fatalf("ReadLog() error: %v", err)
	}
	if ok, idx := Equal(want, got); !ok {
		t.Fatalf("round trip diverged at %d", idx)
	}
}

func TestLogAppendsAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")

	for i := uint64(0); i < 2; i++ {
		log, err := OpenLog(path)
		if err != nil {
			t.Fatalf("OpenLog() error: %v", err)
		}
		if err := log.Append(sampleDecision(i, "web")); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		if err := log.Close(); err != nil {
			t.Fatalf("Close() error: %v", err)
		}
	}

	got, err := ReadLog(path)
	if err != nil {
		t.Fatalf("ReadLog() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Window != 0 || got[1].Window != 1 {
		t.Errorf("windows = %d,%d, want 0,1", got[0].Window, got[1].Window)
	}
}

func TestHashChain(t *testing.T) {
	runID := "run_test"
	prev := ChainSeed(runID, "web")
	var entries []ChainEntry
	for w := uint64(0); w < 5; w++ {
		d := sampleDecision(w, "web")
		h := ComputeHash(prev, d)
		entries = append(entries, ChainEntry{Decision: d, PrevHash: prev, Hash: h})
		prev = h
	}

	if ok, at := VerifyChain(runID, "web", entries); !ok {
		t.Fatalf("VerifyChain() broken at %d, want intact", at)
	}

	// Tampering with a recorded field breaks the chain at that entry.
	entries[2].Decision.Usage = 1
	if ok, at := VerifyChain(runID, "web", entries); ok || at != 2 {
		t.Errorf("tampered chain = (%v, %d), want (false, 2)", ok, at)
	}
	entries[2].Decision.Usage = 150_000

	// Truncation from the front breaks linkage immediately.
	if ok, at := VerifyChain(runID, "web", entries[1:]); ok || at != 0 {
		t.Errorf("truncated chain = (%v, %d), want (false, 0)", ok, at)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rgov.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	run := Run{ID: "run_01", WindowUsec: 100_000, CapacityUsec: 800_000, WorkloadCount: 2}
	if err := store.InsertRun(run); err != nil {
		t.Fatalf("InsertRun() error: %v", err)
	}

	prev := ChainSeed(run.ID, "web")
	for w := uint64(0); w < 3; w++ {
		d := sampleDecision(w, "web")
		h := ComputeHash(prev, d)
		if err := store.InsertDecision(run.ID, d, prev, h); err != nil {
			t.Fatalf("InsertDecision() error: %v", err)
		}
		prev = h
	}

	latest, err := store.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun() error: %v", err)
	}
	if latest == nil || latest.ID != "run_01" {
		t.Fatalf("LatestRun() = %+v, want run_01", latest)
	}

	decisions, err := store.ListDecisions(DecisionFilter{RunID: run.ID, WorkloadID: "web"})
	if err != nil {
		t.Fatalf("ListDecisions() error: %v", err)
	}
	if len(decisions) != 3 {
		t.Fatalf("len(decisions) = %d, want 3", len(decisions))
	}
	for w, d := range decisions {
		if d.Window != uint64(w) {
			t.Errorf("decision %d: window = %d, want %d", w, d.Window, w)
		}
	}

	byRule, err := store.ListDecisions(DecisionFilter{RunID: run.ID, RuleID: "R-UNDER"})
	if err != nil {
		t.Fatalf("ListDecisions(rule) error: %v", err)
	}
	if len(byRule) != 0 {
		t.Errorf("R-UNDER decisions = %d, want 0", len(byRule))
	}

	chain, err := store.ChainForWorkload(run.ID, "web")
	if err != nil {
		t.Fatalf("ChainForWorkload() error: %v", err)
	}
	if ok, at := VerifyChain(run.ID, "web", chain); !ok {
		t.Errorf("stored chain broken at %d", at)
	}

	ids, err := store.WorkloadIDs(run.ID)
	if err != nil {
		t.Fatalf("WorkloadIDs() error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "web" {
		t.Errorf("WorkloadIDs() = %v, want [web]", ids)
	}
}
