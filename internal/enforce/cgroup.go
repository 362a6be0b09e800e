package enforce

import (
	"fmt"
	"os"
	"path/filepath"
)

type quotaPeriod struct {
	quota  uint64
	window uint64
}

// CgroupSink writes quota/period pairs to cgroup v2 cpu.max files. A
// write-through cache keyed on the last successful write suppresses
// redundant kernel writes; a failed write is not cached, so the next window
// retries it.
//
// The cpu.max sentinel "max" (unlimited) is never written: every decided
// quota is an explicit integer at or below the declared budget.
type CgroupSink struct {
	dirs    map[string]string // workloadID → cgroup directory
	applied map[string]quotaPeriod
}

// NewCgroupSink creates a sink over workloadID → cgroup directory mappings.
func NewCgroupSink(dirs map[string]string) *CgroupSink {
	return &CgroupSink{
		dirs:    dirs,
		applied: make(map[string]quotaPeriod),
	}
}

func (c *CgroupSink) Apply(workloadID string, quota, window uint64) error {
	dir, ok := c.dirs[workloadID]
	if !ok {
		return &EnforcementError{WorkloadID: workloadID, Quota: quota, Window: window,
			Cause: fmt.Errorf("workload not registered")}
	}

	pair := quotaPeriod{quota: quota, window: window}
	if c.applied[workloadID] == pair {
		return nil
	}

	line := fmt.Sprintf("%d %d\n", quota, window)
	if err := os.WriteFile(filepath.Join(dir, "cpu.max"), []byte(line), 0o644); err != nil {
		return &EnforcementError{WorkloadID: workloadID, Quota: quota, Window: window, Cause: err}
	}
	c.applied[workloadID] = pair
	return nil
}
