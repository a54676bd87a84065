package model

import (
	"encoding/json"
	"time"
)

// Result is the aggregate outcome of a decision.
type Result string

const (
	ResultAllow  Result = "allow"
	ResultDeny   Result = "deny"
	ResultModify Result = "modify"
)

// Valid reports whether r is a known result.
func (r Result) Valid() bool {
	return r == ResultAllow || r == ResultDeny || r == ResultModify
}

// Complexity classifies how much of the policy set an evaluation touched.
type Complexity string

const (
	ComplexitySimple      Complexity = "simple"
	ComplexityModerate    Complexity = "moderate"
	ComplexityComplex     Complexity = "complex"
	ComplexityVeryComplex Complexity = "very_complex"
)

// MatchDetail records how one condition of a rule fared against the context.
type MatchDetail struct {
	Field     string `json:"field"`
	Operator  string `json:"operator"`
	Expected  any    `json:"expected,omitempty"`
	Actual    any    `json:"actual,omitempty"`
	Present   bool   `json:"present"`
	Satisfied bool   `json:"satisfied"`
}

// RuleEvaluation is one entry of a decision's audit trace.
type RuleEvaluation struct {
	PolicyID     string        `json:"policy_id"`
	PolicyName   string        `json:"policy_name"`
	RuleIndex    int           `json:"rule_index"`
	Matched      bool          `json:"matched"`
	Action       string        `json:"action"`
	Reason       string        `json:"reason"`
	MatchDetails []MatchDetail `json:"match_details"`
}

// AppliedAction is the contribution of a matched rule.
type AppliedAction struct {
	PolicyID    string         `json:"policy_id"`
	PolicyName  string         `json:"policy_name"`
	PolicyType  string         `json:"policy_type"`
	Priority    int            `json:"priority"`
	RuleIndex   int            `json:"rule_index"`
	Action      string         `json:"action"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Decision is the immutable record of one evaluation.
type Decision struct {
	ID                string           `json:"id"`
	Timestamp         time.Time        `json:"timestamp"`
	Component         string           `json:"component"`
	Context           map[string]any   `json:"context"`
	Result            Result           `json:"result"`
	Reason            string           `json:"reason"`
	PolicyVersion     int64            `json:"policy_version"`
	SnapshotHash      string           `json:"snapshot_hash"`
	RuleEvaluations   []RuleEvaluation `json:"rule_evaluations"`
	AppliedActions    []AppliedAction  `json:"applied_actions"`
	Violations        []AppliedAction  `json:"violations"`
	PrimaryAction     *AppliedAction   `json:"primary_action,omitempty"`
	DecisionPath      []string         `json:"decision_path"`
	PoliciesEvaluated int              `json:"policies_evaluated"`
	ExecutionTime     time.Duration    `json:"-"`
	Complexity        Complexity       `json:"complexity"`
}

type decisionJSON Decision

// MarshalJSON renders execution_time in milliseconds.
func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		decisionJSON
		ExecutionTimeMs float64 `json:"execution_time_ms"`
	}{
		decisionJSON:    decisionJSON(d),
		ExecutionTimeMs: float64(d.ExecutionTime) / float64(time.Millisecond),
	})
}

// UnmarshalJSON reads execution_time_ms back into ExecutionTime.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var aux struct {
		decisionJSON
		ExecutionTimeMs float64 `json:"execution_time_ms"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*d = Decision(aux.decisionJSON)
	d.ExecutionTime = time.Duration(aux.ExecutionTimeMs * float64(time.Millisecond))
	return nil
}

// Matches reports whether the decision involved the given policy.
func (d *Decision) Matches(policyID string) bool {
	for _, id := range d.DecisionPath {
		if id == policyID {
			return true
		}
	}
	return false
}
