// Package record defines the decision record, its canonical serialization,
// the append-only JSONL decision log, the SQLite query store, and the
// per-workload hash chain. The JSONL stream is the authoritative artifact:
// replay reconstructs it byte for byte. SQLite is a derived query surface
// and is never read back by the governor.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Decision captures all inputs and outputs of one policy step for one
// workload at one window boundary. All numeric fields are integers: the
// window index, and microseconds for the rest; field order is fixed and is
// part of the canonical encoding.
type Decision struct {
	Window     uint64 `json:"w"`
	WorkloadID string `json:"workload_id"`
	ModeIn     string `json:"mode_in"`
	DebtIn     uint64 `json:"debt_in"`
	Usage      uint64 `json:"usage_usec"`
	Budget     uint64 `json:"budget_usec"`
	WindowSize uint64 `json:"window_usec"`
	ModeOut    string `json:"mode_out"`
	DebtOut    uint64 `json:"debt_out"`
	Quota      uint64 `json:"quota_usec"`
	RuleID     string `json:"rule_id"`
}

// Encode returns the canonical single-line serialization of d, without a
// trailing newline. Struct field order makes the output stable; there are
// no floats and no maps anywhere in the record.
func (d Decision) Encode() []byte {
	b, err := json.Marshal(d)
	if err != nil {
		// Decision contains only integers and strings; Marshal cannot fail.
		panic(fmt.Sprintf("record: encode decision: %v", err))
	}
	return b
}

// Equal reports whether two decision sequences are byte-equal under
// canonical encoding. It returns the index of the first divergence, or -1.
func Equal(a, b []Decision) (bool, int) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if !bytes.Equal(a[i].Encode(), b[i].Encode()) {
			return false, i
		}
	}
	if len(a) != len(b) {
		return false, n
	}
	return true, -1
}

// DecisionFilter defines query parameters for listing stored decisions.
type DecisionFilter struct {
	RunID      string
	WorkloadID string
	RuleID     string
	Limit      int
	Offset     int
}

// Run identifies one governor process lifetime in the store. Decisions from
// different runs never mix in a chain.
type Run struct {
	ID            string `json:"id"`
	StartedAt     string `json:"started_at"`
	WindowUsec    uint64 `json:"window_usec"`
	CapacityUsec  uint64 `json:"capacity_usec"`
	WorkloadCount int    `json:"workload_count"`
}
