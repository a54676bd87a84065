package model

import "time"

// HistoryAction names the kind of mutation a HistoryEntry records.
type HistoryAction string

const (
	ActionCreate  HistoryAction = "create"
	ActionUpdate  HistoryAction = "update"
	ActionDelete  HistoryAction = "delete"
	ActionEnable  HistoryAction = "enable"
	ActionDisable HistoryAction = "disable"
)

// Valid reports whether a is a known history action.
func (a HistoryAction) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionEnable, ActionDisable:
		return true
	}
	return false
}

// HistoryEntry is the permanent record of one Policy Store mutation.
// Version is the store version after the mutation; entries are totally ordered by it.
type HistoryEntry struct {
	ID         string        `json:"id"`
	Action     HistoryAction `json:"action"`
	PolicyID   string        `json:"policy_id"`
	PolicyName string        `json:"policy_name"`
	PolicyType string        `json:"policy_type"`
	Version    int64         `json:"version"`
	Timestamp  time.Time     `json:"timestamp"`
	OldData    *Policy       `json:"old_data,omitempty"`
	NewData    *Policy       `json:"new_data,omitempty"`
}

// Clone returns a copy of e with independent policy snapshots.
func (e HistoryEntry) Clone() HistoryEntry {
	e.OldData = e.OldData.Clone()
	e.NewData = e.NewData.Clone()
	return e
}
