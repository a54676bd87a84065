package engine

import (
	"strings"

	"github.com/triage-ai/arbiter/internal/model"
)

// ActionClass is the precedence class of a rule action.
// Higher values win when several policies match.
type ActionClass int

const (
	ClassAllow ActionClass = iota + 1
	ClassModify
	ClassDeny
)

// String returns the lowercase class name.
func (c ActionClass) String() string {
	switch c {
	case ClassAllow:
		return "allow"
	case ClassModify:
		return "modify"
	case ClassDeny:
		return "deny"
	default:
		return "unspecified"
	}
}

// Result maps the class onto a decision result.
func (c ActionClass) Result() model.Result {
	switch c {
	case ClassDeny:
		return model.ResultDeny
	case ClassModify:
		return model.ResultModify
	default:
		return model.ResultAllow
	}
}

// DefaultDenyActions and DefaultModifyActions are the built-in action vocabularies.
// Any action in neither list is allow-class.
var (
	DefaultDenyActions   = []string{"deny", "block", "reject", "forbid"}
	DefaultModifyActions = []string{"modify", "throttle", "require_validation", "rate_limit", "quarantine", "redirect"}
)

// Classifier maps action strings to their class. Matching is case-insensitive.
type Classifier struct {
	deny   map[string]struct{}
	modify map[string]struct{}
}

// NewClassifier builds a classifier. Nil lists fall back to the defaults.
// An action listed as both deny and modify is deny-class.
func NewClassifier(deny, modify []string) *Classifier {
	if deny == nil {
		deny = DefaultDenyActions
	}
	if modify == nil {
		modify = DefaultModifyActions
	}
	return &Classifier{deny: toSet(deny), modify: toSet(modify)}
}

// Classify returns the class of action.
func (c *Classifier) Classify(action string) ActionClass {
	key := normalizeAction(action)
	if _, ok := c.deny[key]; ok {
		return ClassDeny
	}
	if _, ok := c.modify[key]; ok {
		return ClassModify
	}
	return ClassAllow
}

func toSet(actions []string) map[string]struct{} {
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		if k := normalizeAction(a); k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

func normalizeAction(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

// Config holds the engine's tunables.
type Config struct {
	DenyActions   []string
	ModifyActions []string

	// Complexity upper bounds, by number of active policies evaluated.
	// Anything at most 1 is simple; above ComplexMaxPolicies is very complex.
	ModerateMaxPolicies int
	ComplexMaxPolicies  int
}

// DefaultConfig returns the built-in classification and complexity thresholds.
func DefaultConfig() Config {
	return Config{
		DenyActions:         DefaultDenyActions,
		ModifyActions:       DefaultModifyActions,
		ModerateMaxPolicies: 3,
		ComplexMaxPolicies:  10,
	}
}
