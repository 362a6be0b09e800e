package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/rgov/rgov/internal/api"
	"github.com/rgov/rgov/internal/config"
	"github.com/rgov/rgov/internal/enforce"
	"github.com/rgov/rgov/internal/governor"
	"github.com/rgov/rgov/internal/killfile"
	"github.com/rgov/rgov/internal/observe"
	"github.com/rgov/rgov/internal/policy"
	"github.com/rgov/rgov/internal/record"
	"github.com/rgov/rgov/internal/replay"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// Exit codes are the machine-readable half of the CLI contract: one code
// per error class, with a reason slug logged before exit.
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfig      = 2
	exitObservation = 3
	exitEnforcement = 4
	exitInvariant   = 5
	exitOverflow    = 6
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "rgov",
		Short:         "Deterministic user-space CPU governor for Linux cgroups",
		Long:          "rgov enforces declared CPU budgets per window with deterministic,\nreplayable, explainable decisions. It governs; it never guesses.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configFile string
	var devMode bool

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start governing the configured workloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runStart(configFile, devMode); err != nil {
				slog.Error("rgov failed", "reason", reasonSlug(err), "error", err)
				os.Exit(exitCode(err))
			}
			return nil
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: rgov.yaml)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: pretty logs, debug level, CORS *")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "rgov.yaml"
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("  %s already exists (skipping)\n", path)
				return nil
			}
			if err := config.GenerateDefault(path); err != nil {
				return err
			}
			fmt.Printf("  Generated %s\n", path)
			fmt.Println("  Declare your workloads, then run 'rgov validate' and 'rgov start'.")
			return nil
		},
	}

	// ─── validate ───
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config and the capacity admission check",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runValidate(configFile); err != nil {
				slog.Error("validation failed", "reason", reasonSlug(err), "error", err)
				os.Exit(exitCode(err))
			}
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")

	// ─── replay ───
	replayCmd := &cobra.Command{
		Use:   "replay [decision-log]",
		Short: "Replay a decision log and verify byte-equal reconstruction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(args[0])
		},
	}

	// ─── log ───
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Decision log inspection commands",
	}

	var logWorkload, logRule, logRun string
	var logLimit int
	logListCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent decisions from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogList(configFile, logRun, logWorkload, logRule, logLimit)
		},
	}
	logListCmd.Flags().StringVar(&logWorkload, "workload", "", "Filter by workload id")
	logListCmd.Flags().StringVar(&logRule, "rule", "", "Filter by rule id (R-UNDER, R-EXACT, R-OVER)")
	logListCmd.Flags().StringVar(&logRun, "run", "", "Run id (default: latest)")
	logListCmd.Flags().IntVar(&logLimit, "limit", 20, "Maximum decisions to show")

	logVerifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify hash chain integrity for every workload in a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogVerify(configFile, logRun)
		},
	}
	logVerifyCmd.Flags().StringVar(&logRun, "run", "", "Run id (default: latest)")

	logCmd.AddCommand(logListCmd, logVerifyCmd)
	logCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file")

	// ─── status ───
	var statusPort int
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running governor's window and workload states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(statusPort)
		},
	}
	statusCmd.Flags().IntVarP(&statusPort, "port", "p", 6810, "Status API port")

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rgov %s\n", version)
			fmt.Printf("  Commit: %s\n", commit)
			fmt.Printf("  Built:  %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(startCmd, initCmd, validateCmd, replayCmd, logCmd, statusCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailure)
	}
}

func runStart(configFile string, devMode bool) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile == "" {
		return &config.ValidationError{Field: "config", Reason: "no config file found, run 'rgov init'"}
	}
	if err := cfgLoader.Load(configFile); err != nil {
		return err
	}
	cfg := cfgLoader.Get()

	if devMode {
		cfg.Governor.LogLevel = "debug"
		cfg.Server.CORS = true
	}
	logger := newLogger(cfg.Governor.LogLevel, devMode)
	slog.SetDefault(logger)

	// Canonical JSONL decision log.
	log, err := record.OpenLog(cfg.Storage.DecisionLog)
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	// Derived SQLite query store.
	var store *record.SQLiteStore
	if cfg.Storage.Path != "" {
		store, err = record.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return err
		}
		if err := store.Initialize(); err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
	}

	dirs := make(map[string]string, len(cfg.Workloads))
	workloads := make([]governor.Workload, 0, len(cfg.Workloads))
	for _, wl := range cfg.Workloads {
		dir := filepath.Join(cfg.Governor.CgroupRoot, wl.Cgroup)
		dirs[wl.ID] = dir
		workloads = append(workloads, governor.Workload{
			ID:         wl.ID,
			BudgetUsec: wl.BudgetUsec,
			CgroupPath: dir,
		})
	}

	var apiServer *api.Server

	opts := governor.Options{
		WindowUsec:   cfg.Governor.WindowUsec,
		CapacityUsec: cfg.Governor.DeriveCapacity(),
		Workloads:    workloads,
		Sampler:      observe.NewCgroupSampler(dirs),
		Sink:         enforce.NewCgroupSink(dirs),
		Log:          log,
		Logger:       logger,
		Notify: func(d record.Decision) {
			if apiServer != nil {
				apiServer.Broadcast(d)
			}
		},
	}
	if store != nil {
		opts.Store = store
	}

	gov, err := governor.New(opts)
	if err != nil {
		return err
	}

	if err := gov.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Emergency stop sentinel.
	if cfg.Governor.KillFile != "" {
		watcher, err := killfile.New(cfg.Governor.KillFile, cancel, logger)
		if err != nil {
			logger.Warn("failed to create kill sentinel watcher", "error", err)
		} else if err := watcher.Start(); err != nil {
			logger.Warn("failed to start kill sentinel watcher", "error", err)
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	// Status API.
	var httpServer *http.Server
	if cfg.Server.Enabled {
		var reader api.DecisionReader
		if store != nil {
			reader = store
		}
		apiServer = api.NewServer(gov, reader, cfg.Server.CORS, logger)
		defer apiServer.Close()
		httpServer = &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:     apiServer.Handler(),
			ReadTimeout: 30 * time.Second,
		}
		go func() {
			logger.Info("status API listening", "port", cfg.Server.Port)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status API error", "error", err)
			}
		}()
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
	}()

	logger.Info("rgov started",
		"config", configFile,
		"run_id", gov.RunID(),
		"workloads", len(workloads),
		"window_usec", cfg.Governor.WindowUsec,
	)

	runErr := gov.Run(ctx)

	gov.Shutdown(cfg.Governor.RestoreOnExit)
	if httpServer != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = httpServer.Shutdown(shutCtx)
	}

	return runErr
}

func runValidate(configFile string) error {
	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	if path == "" {
		return &config.ValidationError{Field: "config", Reason: "no config file found, run 'rgov init'"}
	}

	loader := config.NewLoader()
	if err := loader.Load(path); err != nil {
		return err
	}

	cfg := loader.Get()
	var total uint64
	for _, wl := range cfg.Workloads {
		total += wl.BudgetUsec
	}
	capacity := cfg.Governor.DeriveCapacity()

	fmt.Printf("Config file valid: %s\n", path)
	fmt.Printf("  Window:    %d usec\n", cfg.Governor.WindowUsec)
	fmt.Printf("  Capacity:  %d usec/window\n", capacity)
	fmt.Printf("  Workloads: %d (budgets total %d usec/window)\n", len(cfg.Workloads), total)
	for _, wl := range cfg.Workloads {
		fmt.Printf("    %-20s budget %-10d %s\n", wl.ID, wl.BudgetUsec, wl.Cgroup)
	}
	return nil
}

func runReplay(path string) error {
	report, err := replay.VerifyLog(path)
	if err != nil {
		return err
	}
	if report.Match {
		fmt.Printf("Replay verified: %d decisions across %d windows, %d workloads, byte-equal\n",
			report.Decisions, report.Windows, report.Workloads)
		return nil
	}
	fmt.Printf("Replay DIVERGED at decision %d of %d\n", report.DivergentAt, report.Decisions)
	os.Exit(exitFailure)
	return nil
}

func openStore(configFile string) (*record.SQLiteStore, error) {
	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	loader := config.NewLoader()
	if path != "" {
		if err := loader.Load(path); err != nil {
			return nil, err
		}
	}
	dbPath := loader.Get().Storage.Path
	if dbPath == "" {
		return nil, fmt.Errorf("decision store disabled in config")
	}
	store, err := record.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func resolveRun(store *record.SQLiteStore, runID string) (string, error) {
	if runID != "" {
		return runID, nil
	}
	latest, err := store.LatestRun()
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "", fmt.Errorf("no runs recorded yet")
	}
	return latest.ID, nil
}

func runLogList(configFile, runID, workload, rule string, limit int) error {
	store, err := openStore(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runID, err = resolveRun(store, runID)
	if err != nil {
		return err
	}

	decisions, err := store.ListDecisions(record.DecisionFilter{
		RunID:      runID,
		WorkloadID: workload,
		RuleID:     rule,
		Limit:      limit,
	})
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		fmt.Println("No decisions found.")
		return nil
	}

	fmt.Printf("Run %s\n", runID)
	fmt.Printf("%-8s %-16s %-10s %-10s %-10s %-10s %-10s %s\n",
		"WINDOW", "WORKLOAD", "USAGE", "BUDGET", "DEBT", "QUOTA", "MODE", "RULE")
	fmt.Println(strings.Repeat("-", 92))
	for _, d := range decisions {
		fmt.Printf("%-8d %-16s %-10d %-10d %-10d %-10d %-10s %s\n",
			d.Window, d.WorkloadID, d.Usage, d.Budget, d.DebtOut, d.Quota, d.ModeOut, d.RuleID)
	}
	return nil
}

func runLogVerify(configFile, runID string) error {
	store, err := openStore(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runID, err = resolveRun(store, runID)
	if err != nil {
		return err
	}

	ids, err := store.WorkloadIDs(runID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No decisions recorded for run.")
		return nil
	}

	broken := false
	for _, id := range ids {
		chain, err := store.ChainForWorkload(runID, id)
		if err != nil {
			return err
		}
		if ok, at := record.VerifyChain(runID, id, chain); ok {
			fmt.Printf("  ok   %-16s %d decisions, chain intact\n", id, len(chain))
		} else {
			fmt.Printf("  FAIL %-16s chain broken at window %d\n", id, chain[at].Decision.Window)
			broken = true
		}
	}
	if broken {
		os.Exit(exitFailure)
	}
	return nil
}

func runStatus(port int) error {
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/status", port))
	if err != nil {
		fmt.Printf("rgov is not running on port %d (or the status API is disabled)\n", port)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var st struct {
		RunID      string `json:"run_id"`
		Window     uint64 `json:"window"`
		WindowUsec uint64 `json:"window_usec"`
		Workloads  []struct {
			ID         string `json:"id"`
			BudgetUsec uint64 `json:"budget_usec"`
			Mode       string `json:"mode"`
			DebtUsec   uint64 `json:"debt_usec"`
			QuotaUsec  uint64 `json:"quota_usec"`
		} `json:"workloads"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Println("rgov Status")
	fmt.Printf("  Run:    %s\n", st.RunID)
	fmt.Printf("  Window: %d (%d usec each)\n", st.Window, st.WindowUsec)
	fmt.Printf("%-16s %-10s %-10s %-10s %s\n", "WORKLOAD", "BUDGET", "DEBT", "QUOTA", "MODE")
	fmt.Println(strings.Repeat("-", 60))
	for _, wl := range st.Workloads {
		fmt.Printf("%-16s %-10d %-10d %-10d %s\n", wl.ID, wl.BudgetUsec, wl.DebtUsec, wl.QuotaUsec, wl.Mode)
	}
	return nil
}

// ─── Shared Helpers ───

func newLogger(level string, devMode bool) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	if devMode {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      logLevel,
			TimeFormat: "15:04:05",
		}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func findConfigFile() string {
	candidates := []string{
		"rgov.yaml",
		"rgov.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "rgov", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func exitCode(err error) int {
	var cfgErr *config.ValidationError
	var admErr *governor.AdmissionError
	var obsErr *observe.ObservationError
	var enfErr *enforce.EnforcementError
	var invErr *policy.Violation
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &admErr):
		return exitConfig
	case errors.As(err, &obsErr):
		return exitObservation
	case errors.As(err, &enfErr):
		return exitEnforcement
	case errors.As(err, &invErr):
		return exitInvariant
	case errors.Is(err, policy.ErrOverflow):
		return exitOverflow
	default:
		return exitFailure
	}
}

func reasonSlug(err error) string {
	switch exitCode(err) {
	case exitConfig:
		return "config_error"
	case exitObservation:
		return "observation_error"
	case exitEnforcement:
		return "enforcement_error"
	case exitInvariant:
		return "invariant_violation"
	case exitOverflow:
		return "overflow_error"
	default:
		return "error"
	}
}
