package history

import (
	"testing"
	"time"

	"github.com/triage-ai/arbiter/internal/model"
)

func entry(v int64, id string, action model.HistoryAction) model.HistoryEntry {
	return model.HistoryEntry{
		ID:        "h" + string(rune('0'+v%10)),
		Action:    action,
		PolicyID:  id,
		Version:   v,
		Timestamp: time.Unix(v, 0).UTC(),
		NewData:   &model.Policy{ID: id, Name: id},
	}
}

func TestQuery_PaginationNewestFirst(t *testing.T) {
	r := NewMemoryRecorder()
	r.Record(entry(1, "x", model.ActionCreate))
	for v := int64(2); v <= 25; v++ {
		r.Record(entry(v, "x", model.ActionUpdate))
	}
	r.Record(entry(26, "other", model.ActionCreate))

	page := r.Query(Query{PolicyID: "x", Limit: 20})
	if page.TotalCount != 25 {
		t.Fatalf("expected total_count 25, got %d", page.TotalCount)
	}
	if len(page.Entries) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(page.Entries))
	}
	if page.Entries[0].Version != 25 || page.Entries[19].Version != 6 {
		t.Errorf("expected versions 25..6, got %d..%d", page.Entries[0].Version, page.Entries[19].Version)
	}

	page = r.Query(Query{PolicyID: "x", Limit: 20, Offset: 20})
	if len(page.Entries) != 5 || page.TotalCount != 25 {
		t.Fatalf("expected 5 remaining entries of 25, got %d of %d", len(page.Entries), page.TotalCount)
	}
	if page.Entries[4].Version != 1 || page.Entries[4].Action != model.ActionCreate {
		t.Errorf("expected the create entry last, got %+v", page.Entries[4])
	}
}

func TestQuery_FilterByAction(t *testing.T) {
	r := NewMemoryRecorder(
		entry(1, "a", model.ActionCreate),
		entry(2, "b", model.ActionCreate),
		entry(3, "a", model.ActionDisable),
	)
	page := r.Query(Query{Action: model.ActionCreate})
	if page.TotalCount != 2 || page.Entries[0].PolicyID != "b" {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestQuery_LimitDefaults(t *testing.T) {
	r := NewMemoryRecorder()
	for v := int64(1); v <= 600; v++ {
		r.Record(entry(v, "a", model.ActionUpdate))
	}
	if got := len(r.Query(Query{}).Entries); got != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, got)
	}
	if got := len(r.Query(Query{Limit: 10000}).Entries); got != MaxLimit {
		t.Errorf("expected max limit %d, got %d", MaxLimit, got)
	}
	if page := r.Query(Query{Offset: 700}); len(page.Entries) != 0 || page.TotalCount != 600 {
		t.Errorf("expected empty page past the end, got %d entries", len(page.Entries))
	}
}

func TestQuery_ReturnsCopies(t *testing.T) {
	r := NewMemoryRecorder(entry(1, "a", model.ActionCreate))
	page := r.Query(Query{})
	page.Entries[0].NewData.Name = "mutated"
	if r.Query(Query{}).Entries[0].NewData.Name != "a" {
		t.Error("query result shares storage with the recorder")
	}
}

func TestEntries_AscendingCopies(t *testing.T) {
	r := NewMemoryRecorder(entry(1, "a", model.ActionCreate), entry(2, "a", model.ActionUpdate))
	r.Record(entry(3, "a", model.ActionDelete))

	got := r.Entries()
	if len(got) != 3 || got[0].Version != 1 || got[2].Version != 3 {
		t.Fatalf("expected versions 1..3 ascending, got %+v", got)
	}
	got[0].NewData.Name = "mutated"
	if r.Entries()[0].NewData.Name != "a" {
		t.Error("entries share storage with the recorder")
	}
}
