package calibration

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Snapshot is the set of calibration answers for one program at a point in
// time: an ordered mapping from question key to answer value. Snapshots are
// immutable once used for generation; cache keys are derived from them.
type Snapshot struct {
	ProgramID string
	Answers   map[string]string
}

// Keys returns the answer keys in sorted order. All snapshot iteration goes
// through this so that derived artifacts (prompts, cache keys) are stable.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Answers))
	for k := range s.Answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Hash derives the content-addressed cache key for this snapshot and model
// pair: sha256 over the sorted-key JSON encoding of the answers plus the
// model identifier.
func (s *Snapshot) Hash(modelID string) (string, error) {
	ordered := make(map[string]string, len(s.Answers))
	for k, v := range s.Answers {
		ordered[k] = v
	}
	// encoding/json sorts map keys, which is what makes this stable.
	encoded, err := json.Marshal(ordered)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	hasher := sha256.New()
	hasher.Write(encoded)
	hasher.Write([]byte(":"))
	hasher.Write([]byte(modelID))
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
