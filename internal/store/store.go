package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/arbiter/internal/engine"
	"github.com/triage-ai/arbiter/internal/model"
	"github.com/triage-ai/arbiter/internal/retry"
	"go.uber.org/zap"
)

// HistorySink receives committed history entries in version order.
type HistorySink interface {
	Record(entry model.HistoryEntry)
	Replace(entries []model.HistoryEntry)
}

// CommitHook observes a committed mutation. Hooks run inside the writer's
// critical section, in commit order, and must not block.
type CommitHook func(entry model.HistoryEntry, snap *model.Snapshot)

// ListOptions filters List.
type ListOptions struct {
	Type string
}

// UpdateOptions controls optimistic concurrency on Update.
type UpdateOptions struct {
	// ExpectedVersion, when set, must equal the current store version.
	ExpectedVersion *int64
}

// Store is the policy store. Mutations are serialized by a single writer lock;
// readers load an immutable snapshot and never wait on writers.
type Store struct {
	mu        sync.Mutex
	snap      atomic.Pointer[model.Snapshot]
	ready     atomic.Bool
	persister Persister
	history   HistorySink
	retry     retry.Policy
	hooks     []CommitHook
	logger    *zap.Logger
	now       func() time.Time

	commitTimeout time.Duration
}

const defaultCommitTimeout = 10 * time.Second

// Option configures a Store.
type Option func(*Store)

// WithRetry sets the retry policy for persister calls.
func WithRetry(p retry.Policy) Option {
	return func(s *Store) { s.retry = p }
}

// WithCommitTimeout bounds a single mutation's persister work, retries included.
func WithCommitTimeout(d time.Duration) Option {
	return func(s *Store) { s.commitTimeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store. It serves no requests until Load succeeds.
func New(p Persister, history HistorySink, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		persister: p,
		history:   history,
		retry:     retry.DefaultPolicy(),
		logger:    logger,
		now:       time.Now,

		commitTimeout: defaultCommitTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	s.snap.Store(model.NewSnapshot(0, nil))
	return s
}

// OnCommit registers a hook called after every successful mutation.
func (s *Store) OnCommit(h CommitHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// Load reads the durable state and publishes it as the first snapshot.
// It may be called again to resynchronize with the persister.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.loadLocked(ctx); err != nil {
		s.logger.Error("policy store load failed", zap.Error(err))
		return model.StorageErr("load policy store", err)
	}
	return nil
}

// loadLocked replaces the snapshot and history with the persisted state.
// Callers hold s.mu.
func (s *Store) loadLocked(ctx context.Context) (*State, error) {
	st, err := s.readState(ctx)
	if err != nil {
		return nil, err
	}
	s.publishState(st)
	return st, nil
}

func (s *Store) readState(ctx context.Context) (*State, error) {
	var st *State
	err := retry.Do(ctx, s.retry, s.logger, "load", func(ctx context.Context) error {
		var err error
		st, err = s.persister.Load(ctx)
		return err
	})
	return st, err
}

func (s *Store) publishState(st *State) {
	policies := make([]*model.Policy, len(st.Policies))
	copy(policies, st.Policies)
	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })

	s.snap.Store(model.NewSnapshot(st.Version, policies))
	s.history.Replace(st.History)
	s.ready.Store(true)

	s.logger.Info("policy store loaded",
		zap.Int64("version", st.Version),
		zap.Int("policies", len(policies)),
		zap.Int("history_entries", len(st.History)),
	)
}

// Ready reports whether Load has completed.
func (s *Store) Ready() bool {
	return s.ready.Load()
}

// Ping checks the persister.
func (s *Store) Ping(ctx context.Context) error {
	return s.persister.Ping(ctx)
}

// Snapshot returns the current immutable snapshot.
func (s *Store) Snapshot() *model.Snapshot {
	return s.snap.Load()
}

// CurrentVersion returns the current store version.
func (s *Store) CurrentVersion() int64 {
	return s.snap.Load().Version
}

// Get returns a copy of the policy with the given id.
func (s *Store) Get(id string) (*model.Policy, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	p, ok := s.snap.Load().Find(id)
	if !ok {
		return nil, model.NotFound(id)
	}
	return p.Clone(), nil
}

// List returns copies of all policies, ordered by id, optionally filtered by type.
func (s *Store) List(opts ListOptions) ([]*model.Policy, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	snap := s.snap.Load()
	out := make([]*model.Policy, 0, snap.Len())
	for _, p := range snap.Policies {
		if opts.Type != "" && p.Type != opts.Type {
			continue
		}
		out = append(out, p.Clone())
	}
	return out, nil
}

// Create validates and stores a new policy. A missing id is generated and a
// missing status defaults to active.
func (s *Store) Create(ctx context.Context, in *model.Policy) (*model.Policy, error) {
	p := in.Clone()
	if p == nil {
		return nil, model.Validationf("policy is required")
	}
	if err := engine.ValidatePolicy(p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = model.StatusActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	cur := s.snap.Load()
	if _, exists := cur.Find(p.ID); exists {
		return nil, model.Conflictf("policy %q already exists", p.ID)
	}
	now := s.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	if err := s.commit(ctx, cur, model.ActionCreate, nil, p); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// Update replaces the mutable fields (name, type, description, priority, rules)
// of an existing policy. Status and created_at are preserved.
func (s *Store) Update(ctx context.Context, id string, in *model.Policy, opts UpdateOptions) (*model.Policy, error) {
	if in == nil {
		return nil, model.Validationf("policy is required")
	}
	if in.ID != "" && in.ID != id {
		return nil, model.Validationf("body id %q does not match path id %q", in.ID, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	cur := s.snap.Load()
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != cur.Version {
		return nil, model.Conflictf("policy store is at version %d, request expected %d", cur.Version, *opts.ExpectedVersion)
	}
	old, ok := cur.Find(id)
	if !ok {
		return nil, model.NotFound(id)
	}

	p := in.Clone()
	p.ID = id
	p.Status = old.Status
	if err := engine.ValidatePolicy(p); err != nil {
		return nil, err
	}
	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = s.now().UTC()

	if err := s.commit(ctx, cur, model.ActionUpdate, old, p); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// Delete removes a policy. Its history is kept.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}

	cur := s.snap.Load()
	old, ok := cur.Find(id)
	if !ok {
		return model.NotFound(id)
	}
	return s.commit(ctx, cur, model.ActionDelete, old, nil)
}

// SetStatus enables or disables a policy. Every call is a mutation, even when
// the status does not change.
func (s *Store) SetStatus(ctx context.Context, id string, active bool) (*model.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	cur := s.snap.Load()
	old, ok := cur.Find(id)
	if !ok {
		return nil, model.NotFound(id)
	}

	p := old.Clone()
	action := model.ActionEnable
	p.Status = model.StatusActive
	if !active {
		action = model.ActionDisable
		p.Status = model.StatusInactive
	}
	p.UpdatedAt = s.now().UTC()

	if err := s.commit(ctx, cur, action, old, p); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// commit persists one mutation and publishes the resulting snapshot.
// Callers hold s.mu. On error nothing observable changes.
func (s *Store) commit(ctx context.Context, cur *model.Snapshot, action model.HistoryAction, old, next *model.Policy) error {
	subject := next
	if subject == nil {
		subject = old
	}
	ch := Change{
		Version: cur.Version + 1,
		Put:     next,
		Entry: model.HistoryEntry{
			ID:         uuid.New().String(),
			Action:     action,
			PolicyID:   subject.ID,
			PolicyName: subject.Name,
			PolicyType: subject.Type,
			Version:    cur.Version + 1,
			Timestamp:  s.now().UTC(),
			OldData:    old.Clone(),
			NewData:    next.Clone(),
		},
	}
	if next == nil {
		ch.DeleteID = old.ID
	}

	// The write must not be cut short by the caller going away.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.commitTimeout)
	defer cancel()

	err := retry.Do(commitCtx, s.retry, s.logger, "commit", func(ctx context.Context) error {
		err := s.persister.Commit(ctx, ch)
		if errors.Is(err, errVersionConflict) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		s.logger.Error("policy mutation failed",
			zap.String("policy_id", subject.ID),
			zap.String("action", string(action)),
			zap.Int64("version", cur.Version),
			zap.Error(err),
		)
		committed, rerr := s.resync(ctx, ch.Entry.ID)
		if rerr != nil {
			s.logger.Error("policy store resync failed", zap.Error(rerr))
		}
		if !committed {
			return model.StorageErr("commit policy change", err)
		}
		s.logger.Warn("policy mutation found committed after failed acknowledgement",
			zap.String("policy_id", subject.ID),
			zap.Int64("version", ch.Version),
		)
		snap := s.snap.Load()
		for _, h := range s.hooks {
			h(ch.Entry, snap)
		}
		return nil
	}

	snap := model.NewSnapshot(ch.Version, applyChange(cur.Policies, ch))
	s.snap.Store(snap)
	s.history.Record(ch.Entry)

	s.logger.Info("policy mutation committed",
		zap.String("policy_id", subject.ID),
		zap.String("action", string(action)),
		zap.Int64("version", ch.Version),
	)
	for _, h := range s.hooks {
		h(ch.Entry, snap)
	}
	return nil
}

// resync reloads the persisted state after a failed commit so the snapshot
// never lags behind a write that landed without an acknowledgement. It
// reports whether the entry with entryID is part of the persisted history.
func (s *Store) resync(ctx context.Context, entryID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.commitTimeout)
	defer cancel()

	st, err := s.readState(ctx)
	if err != nil {
		return false, err
	}
	if st.Version == s.snap.Load().Version {
		return false, nil
	}
	s.publishState(st)
	for i := len(st.History) - 1; i >= 0; i-- {
		if st.History[i].ID == entryID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) checkReady() error {
	if !s.ready.Load() {
		return model.Unavailablef("policy store is not loaded")
	}
	return nil
}

// applyChange returns a new id-ordered policy slice with ch applied.
// Unchanged policies are shared with the previous snapshot.
func applyChange(cur []*model.Policy, ch Change) []*model.Policy {
	out := make([]*model.Policy, 0, len(cur)+1)
	for _, p := range cur {
		if p.ID == ch.DeleteID || (ch.Put != nil && p.ID == ch.Put.ID) {
			continue
		}
		out = append(out, p)
	}
	if ch.Put != nil {
		put := ch.Put.Clone()
		i := sort.Search(len(out), func(i int) bool { return out[i].ID >= put.ID })
		out = append(out, nil)
		copy(out[i+1:], out[i:])
		out[i] = put
	}
	return out
}
