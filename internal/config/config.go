package config

import (
	"fmt"
	"os"
	"runtime"
)

// Config is the top-level rgov configuration.
type Config struct {
	Governor  GovernorConfig   `yaml:"governor"`
	Storage   StorageConfig    `yaml:"storage"`
	Server    ServerConfig     `yaml:"server"`
	Workloads []WorkloadConfig `yaml:"workloads"`
}

type GovernorConfig struct {
	// WindowUsec is the enforcement window size in microseconds.
	// Process-wide, immutable after start.
	WindowUsec uint64 `yaml:"window_usec"`

	// CapacityUsec is the host CPU capacity per window in microseconds,
	// used only for startup admission. Zero means derive from the CPU
	// count at validation time.
	CapacityUsec uint64 `yaml:"capacity_usec"`

	// CgroupRoot is joined with each workload's relative cgroup path.
	CgroupRoot string `yaml:"cgroup_root"`

	// KillFile is the emergency stop sentinel path.
	KillFile string `yaml:"kill_file"`

	// RestoreOnExit applies each declared budget on shutdown.
	RestoreOnExit bool `yaml:"restore_on_exit"`

	LogLevel string `yaml:"log_level"`
}

type StorageConfig struct {
	// DecisionLog is the canonical JSONL decision log path.
	DecisionLog string `yaml:"decision_log"`

	// Path is the SQLite decision store. Empty disables the store.
	Path string `yaml:"path"`
}

type ServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
	CORS    bool `yaml:"cors"`
}

// WorkloadConfig declares one governed cgroup.
type WorkloadConfig struct {
	ID         string `yaml:"id"`
	BudgetUsec uint64 `yaml:"budget_usec"`
	Cgroup     string `yaml:"cgroup"`
}

// DefaultConfig returns a config with sensible defaults; workloads must
// still be declared explicitly.
func DefaultConfig() *Config {
	return &Config{
		Governor: GovernorConfig{
			WindowUsec:    100_000,
			CgroupRoot:    "/sys/fs/cgroup",
			KillFile:      "./rgov.KILL",
			RestoreOnExit: true,
			LogLevel:      "info",
		},
		Storage: StorageConfig{
			DecisionLog: "./decisions.jsonl",
			Path:        "./rgov.db",
		},
		Server: ServerConfig{
			Enabled: false,
			Port:    6810,
		},
	}
}

// DeriveCapacity returns the admission capacity in microseconds per window:
// the configured value, or CPU count times the window size when unset.
func (g GovernorConfig) DeriveCapacity() uint64 {
	if g.CapacityUsec > 0 {
		return g.CapacityUsec
	}
	return uint64(runtime.NumCPU()) * g.WindowUsec
}

// GenerateDefault writes a commented starter config to path.
func GenerateDefault(path string) error {
	const starter = `# rgov configuration

governor:
  # Enforcement window size in microseconds. 100ms default.
  window_usec: 100000
  # Host capacity per window for startup admission. 0 = cpus * window.
  capacity_usec: 0
  cgroup_root: /sys/fs/cgroup
  kill_file: ./rgov.KILL
  restore_on_exit: true
  log_level: info

storage:
  # Canonical append-only decision log (JSONL). Replay-authoritative.
  decision_log: ./decisions.jsonl
  # SQLite query store for 'rgov log' and the status API. Empty disables.
  path: ./rgov.db

server:
  enabled: false
  port: 6810
  cors: false

workloads:
  # - id: web
  #   budget_usec: 50000
  #   cgroup: web.slice
`
	if err := os.WriteFile(path, []byte(starter), 0o644); err != nil {
		return fmt.Errorf("write starter config: %w", err)
	}
	return nil
}
