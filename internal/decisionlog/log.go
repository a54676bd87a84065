// Package decisionlog is the write-once record of every decision.
package decisionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/triage-ai/arbiter/internal/model"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000

	// DefaultMaxDecisionBytes bounds the encoded size of one decision.
	DefaultMaxDecisionBytes = 1 << 20
)

// Query selects decisions within [Start, End]. Zero times leave that side open.
type Query struct {
	Start     time.Time
	End       time.Time
	PolicyID  string // decisions whose decision_path contains this policy
	Component string
	Result    model.Result
	Limit     int
}

func (q Query) normalize() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}
	return q
}

func (q Query) matches(d *model.Decision) bool {
	if !q.Start.IsZero() && d.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && d.Timestamp.After(q.End) {
		return false
	}
	if q.Component != "" && d.Component != q.Component {
		return false
	}
	if q.Result != "" && d.Result != q.Result {
		return false
	}
	if q.PolicyID != "" && !d.Matches(q.PolicyID) {
		return false
	}
	return true
}

// Log stores decisions. Append either stores the complete decision or fails
// with a storage error; it never stores a truncated record.
// Query returns decisions ordered by timestamp ascending.
type Log interface {
	Append(ctx context.Context, d *model.Decision) error
	Query(ctx context.Context, q Query) ([]*model.Decision, error)
	Get(ctx context.Context, id string) (*model.Decision, error)
	Ping(ctx context.Context) error
	Close() error
}

// encode serializes d and enforces the size limit.
func encode(d *model.Decision, maxBytes int) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, model.StorageErr("encode decision", err)
	}
	if maxBytes > 0 && len(raw) > maxBytes {
		return nil, model.StorageErr("append decision",
			fmt.Errorf("encoded decision %s is %d bytes, limit is %d", d.ID, len(raw), maxBytes))
	}
	return raw, nil
}

func decode(raw []byte) (*model.Decision, error) {
	var d model.Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	return &d, nil
}

func decisionNotFound(id string) error {
	return model.NotFoundf("decision %q not found", id)
}
