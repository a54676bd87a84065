package model

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Snapshot is an immutable view of every policy as of one store version.
// Policies are ordered by id. Nothing may mutate a Snapshot once published.
type Snapshot struct {
	Version  int64
	Hash     string
	TakenAt  time.Time
	Policies []*Policy
}

// NewSnapshot builds a snapshot over policies, which must already be ordered by id
// and must not be shared with any writer.
func NewSnapshot(version int64, policies []*Policy) *Snapshot {
	return &Snapshot{
		Version:  version,
		Hash:     HashPolicies(policies),
		TakenAt:  time.Now().UTC(),
		Policies: policies,
	}
}

// Len returns the number of policies in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Policies)
}

// Find returns the policy with the given id.
func (s *Snapshot) Find(id string) (*Policy, bool) {
	if s == nil {
		return nil, false
	}
	lo, hi := 0, len(s.Policies)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if s.Policies[mid].ID < id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(s.Policies) && s.Policies[lo].ID == id {
		return s.Policies[lo], true
	}
	return nil, false
}

// HashPolicies returns the hex blake2b-256 digest of the policies' JSON encoding.
// encoding/json sorts map keys, so the digest is stable for equal content.
func HashPolicies(policies []*Policy) string {
	h, _ := blake2b.New256(nil)
	enc := json.NewEncoder(h)
	for _, p := range policies {
		_ = enc.Encode(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
