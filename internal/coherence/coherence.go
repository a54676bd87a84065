// Package coherence answers cache-validity checks for callers holding a
// previously fetched policy listing.
package coherence

import "github.com/triage-ai/arbiter/internal/model"

// SnapshotSource exposes the current policy snapshot.
type SnapshotSource interface {
	Snapshot() *model.Snapshot
}

// Info describes the current policy set.
type Info struct {
	Version      int64  `json:"version"`
	SnapshotHash string `json:"snapshot_hash"`
	PolicyCount  int    `json:"policy_count"`
}

// Validity is the answer to a cache check.
type Validity struct {
	Valid          bool  `json:"valid"`
	CurrentVersion int64 `json:"current_version"`
	NeedsRefresh   bool  `json:"needs_refresh"`
}

// Gateway compares client versions with the store. It never writes.
type Gateway struct {
	source SnapshotSource
}

func New(source SnapshotSource) *Gateway {
	return &Gateway{source: source}
}

// Version returns the current version and content hash.
func (g *Gateway) Version() Info {
	snap := g.source.Snapshot()
	return Info{
		Version:      snap.Version,
		SnapshotHash: snap.Hash,
		PolicyCount:  snap.Len(),
	}
}

// Check reports whether clientVersion is still current. The comparison is
// against a single snapshot load so Valid and CurrentVersion always agree.
func (g *Gateway) Check(clientVersion int64) Validity {
	current := g.source.Snapshot().Version
	return Validity{
		Valid:          clientVersion == current,
		CurrentVersion: current,
		NeedsRefresh:   clientVersion != current,
	}
}
