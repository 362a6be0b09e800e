package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ValidationError is a configuration fault. Fatal at startup: the process
// refuses to start on an invalid declaration.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// Loader loads and validates the YAML config.
type Loader struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewLoader creates a Loader holding the defaults.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads path over the defaults and validates the result.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return err
	}

	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// Get returns the current config.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Validate checks the declaration invariants: a positive window, unique
// workload ids, cgroup paths present, and declared budgets within host
// capacity.
func Validate(cfg *Config) error {
	if cfg.Governor.WindowUsec == 0 {
		return &ValidationError{Field: "governor.window_usec", Reason: "must be positive"}
	}

	seen := make(map[string]bool, len(cfg.Workloads))
	var total uint64
	for i, wl := range cfg.Workloads {
		field := fmt.Sprintf("workloads[%d]", i)
		if wl.ID == "" {
			return &ValidationError{Field: field + ".id", Reason: "must not be empty"}
		}
		if seen[wl.ID] {
			return &ValidationError{Field: field + ".id", Reason: fmt.Sprintf("duplicate workload id %q", wl.ID)}
		}
		seen[wl.ID] = true
		if wl.Cgroup == "" {
			return &ValidationError{Field: field + ".cgroup", Reason: "must not be empty"}
		}
		if wl.BudgetUsec > ^uint64(0)-total {
			return &ValidationError{Field: field + ".budget_usec", Reason: "budget sum overflows"}
		}
		total += wl.BudgetUsec
	}

	if capacity := cfg.Governor.DeriveCapacity(); total > capacity {
		return &ValidationError{
			Field:  "workloads",
			Reason: fmt.Sprintf("declared budgets total %d usec/window exceed capacity %d", total, capacity),
		}
	}
	return nil
}
