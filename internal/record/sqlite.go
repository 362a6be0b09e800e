package record

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore mirrors committed decisions into SQLite for querying by the
// CLI and the status API. It is write-only from the governor's point of
// view; a store failure is logged and never affects decision history.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the decision store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id              TEXT PRIMARY KEY,
		started_at      DATETIME NOT NULL,
		window_usec     INTEGER NOT NULL,
		capacity_usec   INTEGER NOT NULL,
		workload_count  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS decisions (
		run_id          TEXT NOT NULL,
		w               INTEGER NOT NULL,
		workload_id     TEXT NOT NULL,
		mode_in         TEXT NOT NULL,
		debt_in         INTEGER NOT NULL,
		usage_usec      INTEGER NOT NULL,
		budget_usec     INTEGER NOT NULL,
		window_usec     INTEGER NOT NULL,
		mode_out        TEXT NOT NULL,
		debt_out        INTEGER NOT NULL,
		quota_usec      INTEGER NOT NULL,
		rule_id         TEXT NOT NULL,
		prev_hash       TEXT NOT NULL,
		hash            TEXT NOT NULL,
		PRIMARY KEY (run_id, w, workload_id)
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_workload ON decisions(run_id, workload_id, w);
	CREATE INDEX IF NOT EXISTS idx_decisions_rule ON decisions(rule_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertRun registers a governor process lifetime.
func (s *SQLiteStore) InsertRun(r Run) error {
	if r.StartedAt == "" {
		r.StartedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`INSERT INTO runs (id, started_at, window_usec, capacity_usec, workload_count)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt, r.WindowUsec, r.CapacityUsec, r.WorkloadCount)
	return err
}

// InsertDecision stores one committed decision with its chain hashes.
func (s *SQLiteStore) InsertDecision(runID string, d Decision, prevHash, hash string) error {
	_, err := s.db.Exec(`INSERT INTO decisions (run_id, w, workload_id, mode_in, debt_in,
		usage_usec, budget_usec, window_usec, mode_out, debt_out, quota_usec, rule_id, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, d.Window, d.WorkloadID, d.ModeIn, d.DebtIn,
		d.Usage, d.Budget, d.WindowSize, d.ModeOut, d.DebtOut, d.Quota, d.RuleID, prevHash, hash)
	return err
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT id, started_at, window_usec, capacity_usec, workload_count
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.WindowUsec, &r.CapacityUsec, &r.WorkloadCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRun returns the most recently started run, or nil if none exist.
func (s *SQLiteStore) LatestRun() (*Run, error) {
	runs, err := s.ListRuns(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// ListDecisions returns decisions matching the filter, ordered by window
// then workload registration implied by insertion order.
func (s *SQLiteStore) ListDecisions(f DecisionFilter) ([]Decision, error) {
	query := `SELECT w, workload_id, mode_in, debt_in, usage_usec, budget_usec,
		window_usec, mode_out, debt_out, quota_usec, rule_id FROM decisions`
	var conds []string
	var args []any
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.WorkloadID != "" {
		conds = append(conds, "workload_id = ?")
		args = append(args, f.WorkloadID)
	}
	if f.RuleID != "" {
		conds = append(conds, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY w ASC, rowid ASC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.Window, &d.WorkloadID, &d.ModeIn, &d.DebtIn, &d.Usage,
			&d.Budget, &d.WindowSize, &d.ModeOut, &d.DebtOut, &d.Quota, &d.RuleID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ChainForWorkload returns one workload's decision sequence with stored
// hashes, ordered by window, for chain verification.
func (s *SQLiteStore) ChainForWorkload(runID, workloadID string) ([]ChainEntry, error) {
	rows, err := s.db.Query(`SELECT w, workload_id, mode_in, debt_in, usage_usec, budget_usec,
		window_usec, mode_out, debt_out, quota_usec, rule_id, prev_hash, hash
		FROM decisions WHERE run_id = ? AND workload_id = ? ORDER BY w ASC`, runID, workloadID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ChainEntry
	for rows.Next() {
		var e ChainEntry
		d := &e.Decision
		if err := rows.Scan(&d.Window, &d.WorkloadID, &d.ModeIn, &d.DebtIn, &d.Usage,
			&d.Budget, &d.WindowSize, &d.ModeOut, &d.DebtOut, &d.Quota, &d.RuleID,
			&e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// WorkloadIDs returns the distinct workload ids recorded for a run.
func (s *SQLiteStore) WorkloadIDs(runID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT workload_id FROM decisions WHERE run_id = ? ORDER BY workload_id`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
