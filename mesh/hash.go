package mesh

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// All hash-driven decisions (task ids, execution ids, checksum inputs,
// deterministic routing and parameter derivation) use xxhash64. It is an
// integrity and distribution hash, not an authentication mechanism.

// SumParts hashes the given parts joined by '|' separators.
func SumParts(parts ...string) uint64 {
	d := xxhash.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = d.WriteString("|")
		}
		_, _ = d.WriteString(p)
	}
	return d.Sum64()
}

// Hex16 renders a 64-bit sum as exactly 16 lowercase hex digits.
func Hex16(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

// Hex8 renders the high 32 bits of a sum as 8 hex digits.
func Hex8(sum uint64) string {
	return Hex16(sum)[:8]
}

// PickIndex reduces a sum to an index in [0, n). n must be positive.
func PickIndex(sum uint64, n int) int {
	return int(sum % uint64(n))
}

// DeriveExecutionID computes the reproducible execution id for a workflow
// run: "exec-" plus the first 16 hex digits of
// hash(workflowID || initialContext || submissionEpoch). The context map is
// canonicalized through JSON encoding, which orders keys.
func DeriveExecutionID(workflowID string, initialContext map[string]any, submissionEpoch int64) (string, error) {
	ctxJSON, err := json.Marshal(initialContext)
	if err != nil {
		return "", fmt.Errorf("canonicalize initial context: %w", err)
	}
	h := SumParts(workflowID, string(ctxJSON), strconv.FormatInt(submissionEpoch, 10))
	return "exec-" + Hex16(h), nil
}

// DeriveSeed produces a fresh 64-hex-char seed. Used once at first startup
// when no seed is configured; the result is persisted so replays keep the
// same hash-driven decisions.
func DeriveSeed() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("derive seed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SortedCopy returns the input strings sorted lexicographically without
// mutating the original slice. Selection functions sort candidates this way
// before reducing a hash mod the candidate count, which keeps deterministic
// picks stable across map iteration order.
func SortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
