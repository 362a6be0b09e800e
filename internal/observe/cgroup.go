package observe

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CgroupSampler reads the cgroup v2 cpu.stat usage_usec counter for each
// registered workload. The counter is cumulative and monotonically
// non-decreasing; Sample returns the delta since the previous boundary.
//
// The first sample after registration seeds the baseline and reports zero,
// so window 0 never charges a workload for CPU consumed before governance
// began.
type CgroupSampler struct {
	dirs     map[string]string // workloadID → cgroup directory
	lastSeen map[string]uint64
	seeded   map[string]bool
}

// NewCgroupSampler creates a sampler over workloadID → cgroup directory
// mappings. Paths are used as given; callers join them against the cgroup
// root beforehand.
func NewCgroupSampler(dirs map[string]string) *CgroupSampler {
	return &CgroupSampler{
		dirs:     dirs,
		lastSeen: make(map[string]uint64),
		seeded:   make(map[string]bool),
	}
}

func (c *CgroupSampler) Sample(workloadID string, w uint64) (uint64, error) {
	dir, ok := c.dirs[workloadID]
	if !ok {
		return 0, &ObservationError{WorkloadID: workloadID, Window: w,
			Cause: fmt.Errorf("workload not registered")}
	}

	cur, err := readUsageUsec(filepath.Join(dir, "cpu.stat"))
	if err != nil {
		return 0, &ObservationError{WorkloadID: workloadID, Window: w, Cause: err}
	}

	if !c.seeded[workloadID] {
		c.seeded[workloadID] = true
		c.lastSeen[workloadID] = cur
		return 0, nil
	}

	last := c.lastSeen[workloadID]
	if cur < last {
		return 0, &ObservationError{WorkloadID: workloadID, Window: w,
			Cause: fmt.Errorf("%w: %d after %d", ErrNonMonotonic, cur, last)}
	}
	c.lastSeen[workloadID] = cur
	return cur - last, nil
}

// readUsageUsec parses the usage_usec field from a cgroup v2 cpu.stat file.
func readUsageUsec(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open cpu.stat: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[0] == "usage_usec" {
			v, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse usage_usec: %w", err)
			}
			return v, nil
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("scan cpu.stat: %w", err)
	}
	return 0, fmt.Errorf("usage_usec not found in %s", path)
}
