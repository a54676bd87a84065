package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/triage-ai/arbiter/internal/model"
)

// Change is one committed mutation: the new version, the policy row to write
// (or the id to remove) and the history entry describing it.
type Change struct {
	Version  int64
	Put      *model.Policy // nil for deletes
	DeleteID string
	Entry    model.HistoryEntry
}

// State is the full durable state read at boot.
type State struct {
	Version  int64
	Policies []*model.Policy     // any order
	History  []model.HistoryEntry // ascending version
}

// Persister durably stores policies, history and the version counter.
// Commit must apply the whole Change or nothing, and must be safe to retry
// after an ambiguous failure.
type Persister interface {
	Load(ctx context.Context) (*State, error)
	Commit(ctx context.Context, ch Change) error
	Ping(ctx context.Context) error
	Close() error
}

// MemoryPersister keeps state in process memory. State does not survive a
// restart; it backs local development and tests.
type MemoryPersister struct {
	mu       sync.Mutex
	version  int64
	policies map[string]*model.Policy
	history  []model.HistoryEntry

	failures []error // consumed one per Commit call
	pingErr  error
}

// NewMemoryPersister returns an empty persister at version 0.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{policies: make(map[string]*model.Policy)}
}

// FailNext makes the next len(errs) Commit calls fail with the given errors in order.
func (m *MemoryPersister) FailNext(errs ...error) {
	m.mu.Lock()
	m.failures = append(m.failures, errs...)
	m.mu.Unlock()
}

// SetPingError sets the error returned by Ping.
func (m *MemoryPersister) SetPingError(err error) {
	m.mu.Lock()
	m.pingErr = err
	m.mu.Unlock()
}

func (m *MemoryPersister) Load(_ context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &State{Version: m.version, Policies: make([]*model.Policy, 0, len(m.policies))}
	for _, p := range m.policies {
		st.Policies = append(st.Policies, p.Clone())
	}
	sort.Slice(st.Policies, func(i, j int) bool { return st.Policies[i].ID < st.Policies[j].ID })
	for _, e := range m.history {
		st.History = append(st.History, e.Clone())
	}
	return st, nil
}

func (m *MemoryPersister) Commit(_ context.Context, ch Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}
	if ch.Version == m.version && len(m.history) > 0 && m.history[len(m.history)-1].ID == ch.Entry.ID {
		return nil // already applied
	}
	if ch.Version != m.version+1 {
		return errVersionConflict
	}

	if ch.Put != nil {
		m.policies[ch.Put.ID] = ch.Put.Clone()
	}
	if ch.DeleteID != "" {
		delete(m.policies, ch.DeleteID)
	}
	m.history = append(m.history, ch.Entry.Clone())
	m.version = ch.Version
	return nil
}

func (m *MemoryPersister) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *MemoryPersister) Close() error { return nil }

var errVersionConflict = errors.New("persisted version does not match expected predecessor")
