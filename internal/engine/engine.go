package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/arbiter/internal/model"
)

// Engine evaluates a context against a policy snapshot.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	classifier *Classifier
	cfg        Config
	now        func() time.Time
}

// New creates an engine. Zero complexity thresholds fall back to the defaults.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.ModerateMaxPolicies <= 0 {
		cfg.ModerateMaxPolicies = def.ModerateMaxPolicies
	}
	if cfg.ComplexMaxPolicies < cfg.ModerateMaxPolicies {
		cfg.ComplexMaxPolicies = max(def.ComplexMaxPolicies, cfg.ModerateMaxPolicies)
	}
	return &Engine{
		classifier: NewClassifier(cfg.DenyActions, cfg.ModifyActions),
		cfg:        cfg,
		now:        time.Now,
	}
}

// Classifier returns the engine's action classifier.
func (e *Engine) Classifier() *Classifier {
	return e.classifier
}

// Evaluate produces a decision for ctx against snap.
//
// Active policies are considered in descending priority, ties broken by id.
// Within a policy, rules are tried in order and the first match is the
// policy's contribution; later rules of that policy are not traced.
// The snapshot is never modified.
func (e *Engine) Evaluate(snap *model.Snapshot, ctx map[string]any, component string) *model.Decision {
	start := e.now()

	active := activePolicies(snap)

	evals := make([]model.RuleEvaluation, 0)
	applied := make([]model.AppliedAction, 0)
	path := make([]string, 0)

	for _, p := range active {
		trace, hit := e.evaluatePolicy(p, ctx)
		evals = append(evals, trace...)
		if hit != nil {
			applied = append(applied, *hit)
			path = append(path, p.ID)
		}
	}

	agg := Aggregate(applied, e.classifier)
	elapsed := e.now().Sub(start)

	d := &model.Decision{
		ID:                uuid.New().String(),
		Timestamp:         start.UTC(),
		Component:         component,
		Context:           model.CloneMap(ctx),
		Result:            agg.Result,
		Reason:            agg.Reason,
		RuleEvaluations:   evals,
		AppliedActions:    applied,
		Violations:        agg.Violations,
		PrimaryAction:     agg.Primary,
		DecisionPath:      path,
		PoliciesEvaluated: len(active),
		ExecutionTime:     elapsed,
		Complexity:        e.complexity(len(active), len(applied)),
	}
	if d.Context == nil {
		d.Context = map[string]any{}
	}
	if snap != nil {
		d.PolicyVersion = snap.Version
		d.SnapshotHash = snap.Hash
	}
	return d
}

// PolicyResult is the outcome of evaluating a single policy in isolation.
type PolicyResult struct {
	PolicyID        string                 `json:"policy_id"`
	PolicyName      string                 `json:"policy_name"`
	Status          model.Status           `json:"status"`
	Matched         bool                   `json:"matched"`
	Result          model.Result           `json:"result"`
	AppliedAction   *model.AppliedAction   `json:"applied_action,omitempty"`
	RuleEvaluations []model.RuleEvaluation `json:"rule_evaluations"`
}

// EvaluatePolicy runs one policy against ctx regardless of its status.
func (e *Engine) EvaluatePolicy(p *model.Policy, ctx map[string]any) PolicyResult {
	trace, hit := e.evaluatePolicy(p, ctx)
	res := PolicyResult{
		PolicyID:        p.ID,
		PolicyName:      p.Name,
		Status:          p.Status,
		Matched:         hit != nil,
		Result:          model.ResultAllow,
		AppliedAction:   hit,
		RuleEvaluations: trace,
	}
	if hit != nil {
		res.Result = e.classifier.Classify(hit.Action).Result()
	}
	return res
}

// ValidatePolicy checks structure and that every rule's match compiles.
func ValidatePolicy(p *model.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	for i, r := range p.Rules {
		if _, err := ParseConditions(r.Match); err != nil {
			return model.Validationf("rules[%d]: %s", i, model.Message(err))
		}
	}
	return nil
}

func (e *Engine) evaluatePolicy(p *model.Policy, ctx map[string]any) ([]model.RuleEvaluation, *model.AppliedAction) {
	trace := make([]model.RuleEvaluation, 0, len(p.Rules))
	for i, r := range p.Rules {
		ev := model.RuleEvaluation{
			PolicyID:     p.ID,
			PolicyName:   p.Name,
			RuleIndex:    i,
			Action:       r.Action,
			MatchDetails: make([]model.MatchDetail, 0),
		}

		conds, err := ParseConditions(r.Match)
		if err != nil {
			ev.Reason = "invalid match: " + model.Message(err)
			trace = append(trace, ev)
			continue
		}

		ev.Matched = true
		firstMiss := -1
		for _, c := range conds {
			md := c.Eval(ctx)
			if !md.Satisfied {
				ev.Matched = false
				if firstMiss < 0 {
					firstMiss = len(ev.MatchDetails)
				}
			}
			ev.MatchDetails = append(ev.MatchDetails, md)
		}

		switch {
		case firstMiss >= 0:
			ev.Reason = describe(ev.MatchDetails[firstMiss])
		case len(conds) == 0:
			ev.Reason = "empty match; applies to every context"
		default:
			ev.Reason = fmt.Sprintf("all %d conditions satisfied", len(conds))
		}
		trace = append(trace, ev)

		if ev.Matched {
			return trace, &model.AppliedAction{
				PolicyID:    p.ID,
				PolicyName:  p.Name,
				PolicyType:  p.Type,
				Priority:    p.Priority,
				RuleIndex:   i,
				Action:      r.Action,
				Description: r.Description,
				Parameters:  model.CloneMap(r.Parameters),
			}
		}
	}
	return trace, nil
}

func (e *Engine) complexity(evaluated, matched int) model.Complexity {
	switch {
	case evaluated <= 1 && matched <= 1:
		return model.ComplexitySimple
	case evaluated <= e.cfg.ModerateMaxPolicies:
		return model.ComplexityModerate
	case evaluated <= e.cfg.ComplexMaxPolicies:
		return model.ComplexityComplex
	default:
		return model.ComplexityVeryComplex
	}
}

// activePolicies returns the active policies of snap in evaluation order.
func activePolicies(snap *model.Snapshot) []*model.Policy {
	if snap == nil {
		return nil
	}
	out := make([]*model.Policy, 0, len(snap.Policies))
	for _, p := range snap.Policies {
		if p.IsActive() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}
