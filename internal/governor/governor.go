// Package governor owns the window index, the workload registry, and the
// per-window sequencing contract: for every registered workload, in
// registration order, observation precedes policy precedes enforcement
// precedes commit precedes log append. No decision logic lives here; the
// governor is plumbing around the pure policy step.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rgov/rgov/internal/enforce"
	"github.com/rgov/rgov/internal/observe"
	"github.com/rgov/rgov/internal/policy"
	"github.com/rgov/rgov/internal/record"
)

// Workload is one governed cgroup with its declared budget.
type Workload struct {
	ID         string
	BudgetUsec uint64
	CgroupPath string
}

// AdmissionError reports a startup precondition failure. The process
// refuses to start.
type AdmissionError struct {
	Reason string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission refused: %s", e.Reason)
}

// DecisionStore is the narrow persistence surface the governor writes
// committed decisions through. Implemented by record.SQLiteStore.
type DecisionStore interface {
	InsertRun(r record.Run) error
	InsertDecision(runID string, d record.Decision, prevHash, hash string) error
}

// Options configures a Governor.
type Options struct {
	WindowUsec   uint64
	CapacityUsec uint64
	Workloads    []Workload

	Sampler observe.Sampler
	Sink    enforce.Sink

	// Log is the canonical JSONL decision log. Optional: the replay
	// harness collects decisions from Tick instead.
	Log *record.Log

	// Store mirrors decisions into a query surface. Optional. Store
	// failures are logged and never affect decision history.
	Store DecisionStore

	// Notify is invoked after each decision is committed and logged.
	// Optional. It must not feed back into any decision.
	Notify func(record.Decision)

	// RunID labels this process lifetime in the store. Generated when
	// empty.
	RunID string

	Logger *slog.Logger
}

// Governor sequences observation, policy, enforcement, commit, and logging
// for every workload at every window boundary. It is single-threaded: Tick
// runs to completion, and only the read-only Status surface is safe to call
// concurrently.
type Governor struct {
	mu sync.RWMutex

	windowUsec   uint64
	capacityUsec uint64
	runID        string

	order   []string
	budgets map[string]uint64
	states  map[string]policy.State
	chain   map[string]string // workloadID → last hash

	window uint64

	sampler observe.Sampler
	sink    enforce.Sink
	log     *record.Log
	store   DecisionStore
	notify  func(record.Decision)
	logger  *slog.Logger
}

// New validates the workload set against the capacity precondition and
// registers every workload at its initial state. It performs no kernel
// writes; Start does.
func New(opts Options) (*Governor, error) {
	if opts.WindowUsec == 0 {
		return nil, &AdmissionError{Reason: "window size must be positive"}
	}
	if opts.Sampler == nil || opts.Sink == nil {
		return nil, &AdmissionError{Reason: "sampler and sink are required"}
	}
	if len(opts.Workloads) == 0 {
		return nil, &AdmissionError{Reason: "no workloads configured"}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runID := opts.RunID
	if runID == "" {
		runID = "run_" + ulid.Make().String()
	}

	g := &Governor{
		windowUsec:   opts.WindowUsec,
		capacityUsec: opts.CapacityUsec,
		runID:        runID,
		budgets:      make(map[string]uint64, len(opts.Workloads)),
		states:       make(map[string]policy.State, len(opts.Workloads)),
		chain:        make(map[string]string, len(opts.Workloads)),
		sampler:      opts.Sampler,
		sink:         opts.Sink,
		log:          opts.Log,
		store:        opts.Store,
		notify:       opts.Notify,
		logger:       logger.With("component", "governor"),
	}

	var total uint64
	for _, wl := range opts.Workloads {
		if wl.ID == "" {
			return nil, &AdmissionError{Reason: "workload with empty id"}
		}
		if _, dup := g.budgets[wl.ID]; dup {
			return nil, &AdmissionError{Reason: fmt.Sprintf("duplicate workload id %q", wl.ID)}
		}
		if wl.BudgetUsec > ^uint64(0)-total {
			return nil, &AdmissionError{Reason: "budget sum overflows"}
		}
		total += wl.BudgetUsec

		g.order = append(g.order, wl.ID)
		g.budgets[wl.ID] = wl.BudgetUsec
		g.states[wl.ID] = policy.Initial(wl.BudgetUsec)
		g.chain[wl.ID] = record.ChainSeed(runID, wl.ID)
	}

	if opts.CapacityUsec > 0 && total > opts.CapacityUsec {
		return nil, &AdmissionError{
			Reason: fmt.Sprintf("declared budgets total %d usec/window exceed capacity %d", total, opts.CapacityUsec),
		}
	}

	return g, nil
}

// RunID returns the identifier labeling this process lifetime.
func (g *Governor) RunID() string { return g.runID }

// Window returns the index of the next window boundary.
func (g *Governor) Window() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.window
}

// Start records the run and applies every workload's declared budget as the
// initial quota. A failed initial apply is fatal: the governor refuses to
// begin ticking against unknown kernel state.
func (g *Governor) Start() error {
	if g.store != nil {
		if err := g.store.InsertRun(record.Run{
			ID:            g.runID,
			WindowUsec:    g.windowUsec,
			CapacityUsec:  g.capacityUsec,
			WorkloadCount: len(g.order),
		}); err != nil {
			g.logger.Error("decision store rejected run", "run_id", g.runID, "error", err)
		}
	}

	for _, id := range g.order {
		if err := g.sink.Apply(id, g.budgets[id], g.windowUsec); err != nil {
			return err
		}
	}

	g.logger.Info("governor started",
		"run_id", g.runID,
		"workloads", len(g.order),
		"window_usec", g.windowUsec,
		"capacity_usec", g.capacityUsec,
	)
	return nil
}

// Tick advances one window boundary: it samples, steps, asserts, enforces,
// commits, and logs every workload in registration order, then increments
// the window index. The returned decisions are value snapshots.
//
// Observation, overflow, invariant, and log-append failures are fatal and
// leave the window index unadvanced. Enforcement failures are logged; the
// decided state commits regardless and the next window retries the write.
func (g *Governor) Tick() ([]record.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.window
	decisions := make([]record.Decision, 0, len(g.order))

	for _, id := range g.order {
		budget := g.budgets[id]
		in := g.states[id]

		usage, err := g.sampler.Sample(id, w)
		if err != nil {
			return nil, err
		}

		out, quota, rule, err := policy.Step(in, usage, budget, g.windowUsec)
		if err != nil {
			return nil, fmt.Errorf("workload %q at window %d: %w", id, w, err)
		}

		if err := policy.CheckStep(id, w, in, out, usage, budget, quota, rule); err != nil {
			g.logger.Error("invariant violation",
				"workload_id", id,
				"window", w,
				"rule", rule,
				"state_in", in,
				"state_out", out,
				"usage_usec", usage,
				"budget_usec", budget,
				"quota_usec", quota,
				"error", err,
			)
			return nil, err
		}

		if err := g.sink.Apply(id, quota, g.windowUsec); err != nil {
			// State is committed below regardless: a transient kernel
			// write failure must not alter deterministic decision history.
			g.logger.Error("enforcement failed", "workload_id", id, "window", w, "error", err)
		}

		g.states[id] = out

		d := record.Decision{
			Window:     w,
			WorkloadID: id,
			ModeIn:     string(in.Mode),
			DebtIn:     in.Debt,
			Usage:      usage,
			Budget:     budget,
			WindowSize: g.windowUsec,
			ModeOut:    string(out.Mode),
			DebtOut:    out.Debt,
			Quota:      quota,
			RuleID:     rule,
		}

		if g.log != nil {
			if err := g.log.Append(d); err != nil {
				return nil, err
			}
		}

		prev := g.chain[id]
		hash := record.ComputeHash(prev, d)
		g.chain[id] = hash
		if g.store != nil {
			if err := g.store.InsertDecision(g.runID, d, prev, hash); err != nil {
				g.logger.Error("decision store rejected decision", "workload_id", id, "window", w, "error", err)
			}
		}

		if g.notify != nil {
			g.notify(d)
		}

		decisions = append(decisions, d)
	}

	g.window++
	return decisions, nil
}

// Run drives Tick once per window of wall time until ctx is canceled or a
// tick fails. The sleep lives here, outside the core: Tick itself never
// consults a clock.
func (g *Governor) Run(ctx context.Context) error {
	interval := time.Duration(g.windowUsec) * time.Microsecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := g.Tick(); err != nil {
				return err
			}
		}
	}
}

// Shutdown flushes the decision log and, when restore is set, best-effort
// resets every workload's quota to its declared budget. Restore never
// touches policy state.
func (g *Governor) Shutdown(restore bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if restore {
		for _, id := range g.order {
			if err := g.sink.Apply(id, g.budgets[id], g.windowUsec); err != nil {
				g.logger.Warn("restore failed", "workload_id", id, "error", err)
			}
		}
	}

	if g.log != nil {
		if err := g.log.Flush(); err != nil {
			g.logger.Error("decision log flush failed", "error", err)
		}
	}

	g.logger.Info("governor stopped", "run_id", g.runID, "windows", g.window)
}

// WorkloadStatus is a read-only snapshot of one workload's current state.
type WorkloadStatus struct {
	ID         string `json:"id"`
	BudgetUsec uint64 `json:"budget_usec"`
	Mode       string `json:"mode"`
	DebtUsec   uint64 `json:"debt_usec"`
	QuotaUsec  uint64 `json:"quota_usec"`
}

// Status is the governor's observable state for the status surface.
type Status struct {
	RunID        string           `json:"run_id"`
	Window       uint64           `json:"window"`
	WindowUsec   uint64           `json:"window_usec"`
	CapacityUsec uint64           `json:"capacity_usec"`
	Workloads    []WorkloadStatus `json:"workloads"`
}

// Status returns a snapshot in registration order. Safe for concurrent use
// with Tick.
func (g *Governor) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()

	st := Status{
		RunID:        g.runID,
		Window:       g.window,
		WindowUsec:   g.windowUsec,
		CapacityUsec: g.capacityUsec,
	}
	for _, id := range g.order {
		s := g.states[id]
		st.Workloads = append(st.Workloads, WorkloadStatus{
			ID:         id,
			BudgetUsec: g.budgets[id],
			Mode:       string(s.Mode),
			DebtUsec:   s.Debt,
			QuotaUsec:  s.LastQuota,
		})
	}
	return st
}
