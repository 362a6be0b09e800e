package record

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeHash computes the SHA-256 hash for a decision, chaining to the
// previous hash in the same workload's sequence. The hash covers the
// canonical encoding, so any edit to any recorded field breaks the chain.
func ComputeHash(prevHash string, d Decision) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{'|'})
	h.Write(d.Encode())
	return hex.EncodeToString(h.Sum(nil))
}

// ChainSeed computes the initial prev_hash for a workload's first decision
// within a run.
func ChainSeed(runID, workloadID string) string {
	h := sha256.Sum256([]byte(runID + "|" + workloadID))
	return hex.EncodeToString(h[:])
}

// ChainEntry pairs a decision with its stored chain hashes for verification.
type ChainEntry struct {
	Decision Decision
	PrevHash string
	Hash     string
}

// VerifyChain walks one workload's ordered decision sequence and checks
// hash integrity. Returns (valid, brokenAtIndex); brokenAtIndex is -1 when
// the chain is intact.
func VerifyChain(runID, workloadID string, entries []ChainEntry) (bool, int) {
	prev := ChainSeed(runID, workloadID)
	for i, e := range entries {
		if e.PrevHash != prev {
			return false, i
		}
		if ComputeHash(e.PrevHash, e.Decision) != e.Hash {
			return false, i
		}
		prev = e.Hash
	}
	return true, -1
}
