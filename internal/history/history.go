// Package history keeps the append-only record of policy store mutations.
package history

import (
	"sync"

	"github.com/triage-ai/arbiter/internal/model"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Query filters and paginates history. Empty fields match everything.
type Query struct {
	PolicyID string
	Action   model.HistoryAction
	Limit    int
	Offset   int
}

// Page is one page of history, newest first.
type Page struct {
	Entries    []model.HistoryEntry `json:"entries"`
	TotalCount int                  `json:"total_count"`
	Limit      int                  `json:"limit"`
	Offset     int                  `json:"offset"`
}

// Recorder is the history sink used by the policy store.
// Record is only called from inside a store mutation's critical section.
type Recorder interface {
	Record(entry model.HistoryEntry)
	Query(q Query) Page
}

// MemoryRecorder holds history entries in version order.
type MemoryRecorder struct {
	mu      sync.RWMutex
	entries []model.HistoryEntry
}

// NewMemoryRecorder returns a recorder seeded with entries, which must be in
// ascending version order (as loaded from the persister).
func NewMemoryRecorder(entries ...model.HistoryEntry) *MemoryRecorder {
	r := &MemoryRecorder{entries: make([]model.HistoryEntry, 0, len(entries))}
	for _, e := range entries {
		r.entries = append(r.entries, e.Clone())
	}
	return r
}

// Record appends entry.
func (r *MemoryRecorder) Record(entry model.HistoryEntry) {
	r.mu.Lock()
	r.entries = append(r.entries, entry.Clone())
	r.mu.Unlock()
}

// Replace swaps the full history, used when the store reloads from its persister.
func (r *MemoryRecorder) Replace(entries []model.HistoryEntry) {
	cp := make([]model.HistoryEntry, len(entries))
	for i, e := range entries {
		cp[i] = e.Clone()
	}
	r.mu.Lock()
	r.entries = cp
	r.mu.Unlock()
}

// Entries returns copies of every entry in ascending version order.
func (r *MemoryRecorder) Entries() []model.HistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.HistoryEntry, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Clone()
	}
	return out
}

// Len returns the number of recorded entries.
func (r *MemoryRecorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Query returns matching entries, most recent first, with the total match count.
func (r *MemoryRecorder) Query(q Query) Page {
	q = normalize(q)

	r.mu.RLock()
	defer r.mu.RUnlock()

	page := Page{Entries: make([]model.HistoryEntry, 0), Limit: q.Limit, Offset: q.Offset}
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if q.PolicyID != "" && e.PolicyID != q.PolicyID {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if page.TotalCount >= q.Offset && len(page.Entries) < q.Limit {
			page.Entries = append(page.Entries, e.Clone())
		}
		page.TotalCount++
	}
	return page
}

func normalize(q Query) Query {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
