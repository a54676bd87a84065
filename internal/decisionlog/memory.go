package decisionlog

import (
	"context"
	"sort"
	"sync"

	"github.com/triage-ai/arbiter/internal/model"
	"go.uber.org/zap"
)

type record struct {
	seq uint64
	d   *model.Decision
	raw []byte
}

// MemoryLog is an append-only in-process decision log. Records are kept in
// encoded form so nothing handed out can alias stored state.
type MemoryLog struct {
	mu       sync.RWMutex
	seq      uint64
	records  []record
	byID     map[string]int
	maxBytes int
	logger   *zap.Logger
}

// NewMemoryLog creates an empty log. maxBytes <= 0 disables the size limit.
func NewMemoryLog(maxBytes int, logger *zap.Logger) *MemoryLog {
	return &MemoryLog{byID: make(map[string]int), maxBytes: maxBytes, logger: logger}
}

func (l *MemoryLog) Append(_ context.Context, d *model.Decision) error {
	raw, err := encode(d, l.maxBytes)
	if err != nil {
		return err
	}
	stored, err := decode(raw)
	if err != nil {
		return model.StorageErr("append decision", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.byID[d.ID]; dup {
		return model.StorageErr("append decision", errDuplicate(d.ID))
	}
	l.seq++
	l.byID[d.ID] = len(l.records)
	l.records = append(l.records, record{seq: l.seq, d: stored, raw: raw})

	l.logger.Debug("decision appended",
		zap.String("decision_id", d.ID),
		zap.String("result", string(d.Result)),
		zap.Uint64("seq", l.seq),
	)
	return nil
}

func (l *MemoryLog) Query(_ context.Context, q Query) ([]*model.Decision, error) {
	q = q.normalize()

	l.mu.RLock()
	matched := make([]record, 0)
	for _, r := range l.records {
		if q.matches(r.d) {
			matched = append(matched, r)
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		ti, tj := matched[i].d.Timestamp, matched[j].d.Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return matched[i].seq < matched[j].seq
	})
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]*model.Decision, 0, len(matched))
	for _, r := range matched {
		d, err := decode(r.raw)
		if err != nil {
			return nil, model.StorageErr("query decisions", err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (l *MemoryLog) Get(_ context.Context, id string) (*model.Decision, error) {
	l.mu.RLock()
	i, ok := l.byID[id]
	var raw []byte
	if ok {
		raw = l.records[i].raw
	}
	l.mu.RUnlock()
	if !ok {
		return nil, decisionNotFound(id)
	}
	d, err := decode(raw)
	if err != nil {
		return nil, model.StorageErr("get decision", err)
	}
	return d, nil
}

// Len returns the number of stored decisions.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func (l *MemoryLog) Ping(context.Context) error { return nil }

func (l *MemoryLog) Close() error { return nil }

type errDuplicate string

func (e errDuplicate) Error() string { return "decision " + string(e) + " already logged" }
