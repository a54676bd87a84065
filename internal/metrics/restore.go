package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/triage-ai/arbiter/internal/decisionlog"
	"github.com/triage-ai/arbiter/internal/model"
)

// restorePageSize is the page size used when replaying the decision log.
const restorePageSize = decisionlog.MaxQueryLimit

// DecisionSource is the read side of the decision log.
type DecisionSource interface {
	Query(ctx context.Context, q decisionlog.Query) ([]*model.Decision, error)
}

// Restore replays the decisions logged in [start, end] into the aggregator
// and returns how many it observed. It must run before live decisions are
// observed, otherwise they are counted twice.
//
// The log is paged by timestamp. Each page starts at the newest timestamp of
// the previous one; ids already observed at that timestamp are skipped.
func (a *Aggregator) Restore(ctx context.Context, src DecisionSource, start, end time.Time) (int, error) {
	observed := 0
	cursor := start
	seen := make(map[string]struct{})

	for {
		page, err := src.Query(ctx, decisionlog.Query{Start: cursor, End: end, Limit: restorePageSize})
		if err != nil {
			return observed, fmt.Errorf("restore metrics: %w", err)
		}

		fresh := 0
		for _, d := range page {
			if _, ok := seen[d.ID]; ok && d.Timestamp.Equal(cursor) {
				continue
			}
			if d.Timestamp.After(cursor) {
				cursor = d.Timestamp
				seen = make(map[string]struct{})
			}
			seen[d.ID] = struct{}{}
			a.ObserveDecision(d)
			observed++
			fresh++
		}

		if len(page) < restorePageSize {
			return observed, nil
		}
		if fresh == 0 {
			// More than a page of decisions share one timestamp.
			cursor = cursor.Add(time.Nanosecond)
			seen = make(map[string]struct{})
		}
	}
}

// RestorePolicyCounts replays history entries (ascending by version) into the
// policy_count series. Entries before since only advance the running count.
func (a *Aggregator) RestorePolicyCounts(entries []model.HistoryEntry, since time.Time) {
	count := 0
	for _, e := range entries {
		switch e.Action {
		case model.ActionCreate:
			count++
		case model.ActionDelete:
			count--
		}
		if !e.Timestamp.Before(since) {
			a.ObservePolicyCount(e.Timestamp, count)
		}
	}
}
