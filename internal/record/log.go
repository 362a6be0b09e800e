package record

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// Log is the append-only JSONL decision log. One canonical line per
// decision, appended strictly after the governor commits the state the
// decision produced. Nothing reads the log back at runtime.
type Log struct {
	f *os.File
	w *bufio.Writer
}

// OpenLog opens (or creates) the decision log at path for appending.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	return &Log{f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one decision as a canonical JSONL line.
func (l *Log) Append(d Decision) error {
	if _, err := l.w.Write(d.Encode()); err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

// Flush drains buffered lines to the file.
func (l *Log) Flush() error {
	return l.w.Flush()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	if err := l.w.Flush(); err != nil {
		_ = l.f.Close()
		return err
	}
	return l.f.Close()
}

// ReadLog parses a JSONL decision log back into ordered decisions.
func ReadLog(path string) ([]Decision, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Decision
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var d Decision
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			return nil, fmt.Errorf("decision log line %d: %w", line, err)
		}
		out = append(out, d)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read decision log: %w", err)
	}
	return out, nil
}
