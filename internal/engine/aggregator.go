package engine

import (
	"strings"

	"github.com/triage-ai/arbiter/internal/model"
)

// AggregateResult holds the final result and its supporting actions.
type AggregateResult struct {
	Result     model.Result
	Violations []model.AppliedAction
	Primary    *model.AppliedAction
	Reason     string
}

// Aggregate combines the applied actions of every matched policy into one result.
//
// Rules (applied in order):
//  1. If ANY applied action is deny-class → DENY
//  2. If ANY applied action is modify-class → MODIFY
//  3. Otherwise (including no matches at all) → ALLOW
//
// Violations are the deny-class actions. Primary is the first action, in
// evaluation order, whose class equals the result; nil when nothing matched.
func Aggregate(applied []model.AppliedAction, c *Classifier) AggregateResult {
	best := ClassAllow
	violations := make([]model.AppliedAction, 0)
	var names []string

	for _, a := range applied {
		class := c.Classify(a.Action)
		if class > best {
			best = class
		}
		if class == ClassDeny {
			violations = append(violations, a)
		}
		names = append(names, a.PolicyName+":"+a.Action)
	}

	var primary *model.AppliedAction
	for i := range applied {
		if c.Classify(applied[i].Action) == best {
			p := applied[i]
			primary = &p
			break
		}
	}

	reason := "no policy matched; default allow"
	if len(names) > 0 {
		reason = "matched: " + strings.Join(names, ", ")
	}

	return AggregateResult{
		Result:     best.Result(),
		Violations: violations,
		Primary:    primary,
		Reason:     reason,
	}
}
