package model

import (
	"strings"
	"time"
)

// Status is a policy's enablement state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// Rule is a single match-condition to action mapping within a Policy.
type Rule struct {
	Action      string         `json:"action" yaml:"action"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Match       map[string]any `json:"match,omitempty" yaml:"match"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters"`
}

// Policy is a named, prioritized collection of ordered rules.
// Rule order is significant: the first matching rule is the policy's contribution.
type Policy struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Type        string    `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Priority    int       `json:"priority" yaml:"priority"`
	Status      Status    `json:"status" yaml:"status"`
	Rules       []Rule    `json:"rules" yaml:"rules"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// IsActive reports whether the policy participates in evaluation.
func (p *Policy) IsActive() bool {
	return p.Status == StatusActive
}

// Validate checks the structural requirements of a policy.
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return Validationf("name is required")
	}
	if strings.TrimSpace(p.Type) == "" {
		return Validationf("type is required")
	}
	if p.Status != "" && !p.Status.Valid() {
		return Validationf("status must be 'active' or 'inactive', got %q", p.Status)
	}
	for i, r := range p.Rules {
		if strings.TrimSpace(r.Action) == "" {
			return Validationf("rules[%d].action is required", i)
		}
	}
	return nil
}

// Clone returns a deep copy of p. Snapshots share policies between readers,
// so every value crossing the store boundary is cloned.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	out := *p
	if p.Rules != nil {
		out.Rules = make([]Rule, len(p.Rules))
		for i, r := range p.Rules {
			out.Rules[i] = Rule{
				Action:      r.Action,
				Description: r.Description,
				Match:       CloneMap(r.Match),
				Parameters:  CloneMap(r.Parameters),
			}
		}
	}
	return &out
}

// CloneMap deep-copies a JSON-shaped map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
