package observe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writeCPUStat(t *testing.T, dir string, usageUsec uint64) {
	t.Helper()
	content := fmt.Sprintf("usage_usec %d\nuser_usec %d\nsystem_usec 0\n", usageUsec, usageUsec)
	if err := os.WriteFile(filepath.Join(dir, "cpu.stat"), []byte(content), 0o644); err != nil {
		t.Fatalf("write cpu.stat: %v", err)
	}
}

func TestCgroupSamplerSeedsThenDeltas(t *testing.T) {
	dir := t.TempDir()
	writeCPUStat(t, dir, 1_000_000)

	s := NewCgroupSampler(map[string]string{"web": dir})

	// First sample seeds the baseline and reports zero.
	got, err := s.Sample("web", 0)
	if err != nil {
		t.Fatalf("Sample() error: %v", err)
	}
	if got != 0 {
		t.Errorf("first sample = %d, want 0", got)
	}

	writeCPUStat(t, dir, 1_060_000)
	got, err = s.Sample("web", 1)
	if err != nil {
		t.Fatalf("Sample() error: %v", err)
	}
	if got != 60_000 {
		t.Errorf("delta = %d, want 60000", got)
	}

	// Unchanged counter is a zero-usage window, not an error.
	got, err = s.Sample("web", 2)
	if err != nil {
		t.Fatalf("Sample() error: %v", err)
	}
	if got != 0 {
		t.Errorf("delta = %d, want 0", got)
	}
}

func TestCgroupSamplerRejectsNonMonotonic(t *testing.T) {
	dir := t.TempDir()
	writeCPUStat(t, dir, 500_000)

	s := NewCgroupSampler(map[string]string{"web": dir})
	if _, err := s.Sample("web", 0); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	writeCPUStat(t, dir, 400_000)
	_, err := s.Sample("web", 1)
	var obsErr *ObservationError
	if !errors.As(err, &obsErr) {
		t.Fatalf("err = %v, want *ObservationError", err)
	}
	if !errors.Is(err, ErrNonMonotonic) {
		t.Errorf("err = %v, want ErrNonMonotonic", err)
	}
	if obsErr.WorkloadID != "web" || obsErr.Window != 1 {
		t.Errorf("error context = (%s, %d), want (web, 1)", obsErr.WorkloadID, obsErr.Window)
	}
}

func TestCgroupSamplerUnreadableCounter(t *testing.T) {
	s := NewCgroupSampler(map[string]string{"web": filepath.Join(t.TempDir(), "missing")})
	_, err := s.Sample("web", 0)
	var obsErr *ObservationError
	if !errors.As(err, &obsErr) {
		t.Fatalf("err = %v, want *ObservationError", err)
	}
}

func TestCgroupSamplerMalformedCounter(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cpu.stat"), []byte("user_usec 100\n"), 0o644); err != nil {
		t.Fatalf("write cpu.stat: %v", err)
	}
	s := NewCgroupSampler(map[string]string{"web": dir})
	if _, err := s.Sample("web", 0); err == nil {
		t.Fatal("Sample() = nil error, want failure on missing usage_usec")
	}
}

func TestRecordedSampler(t *testing.T) {
	s := NewRecordedSampler(map[string][]uint64{
		"web": {0, 150_000, 20_000},
	})

	for w, want := range []uint64{0, 150_000, 20_000} {
		got, err := s.Sample("web", uint64(w))
		if err != nil {
			t.Fatalf("Sample(%d) error: %v", w, err)
		}
		if got != want {
			t.Errorf("Sample(%d) = %d, want %d", w, got, want)
		}
	}

	// Off the end of the recording.
	_, err := s.Sample("web", 3)
	if !errors.Is(err, ErrNoSample) {
		t.Errorf("err = %v, want ErrNoSample", err)
	}

	// Unknown workload.
	_, err = s.Sample("batch", 0)
	if !errors.Is(err, ErrNoSample) {
		t.Errorf("err = %v, want ErrNoSample", err)
	}
}
