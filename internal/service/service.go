// Package service runs the decision request flow: snapshot, evaluate, log,
// then observe.
package service

import (
	"context"
	"strings"

	"github.com/triage-ai/arbiter/internal/decisionlog"
	"github.com/triage-ai/arbiter/internal/engine"
	"github.com/triage-ai/arbiter/internal/events"
	"github.com/triage-ai/arbiter/internal/metrics"
	"github.com/triage-ai/arbiter/internal/model"
	"go.uber.org/zap"
)

// PolicySource is the read side of the policy store.
type PolicySource interface {
	Ready() bool
	Snapshot() *model.Snapshot
}

// Deps are the collaborators of a Service. Prom and Events may be nil.
type Deps struct {
	Policies   PolicySource
	Engine     *engine.Engine
	Log        decisionlog.Log
	Aggregator *metrics.Aggregator
	Prom       *metrics.Prom
	Events     events.Publisher
	Logger     *zap.Logger
}

// Service answers decision requests.
type Service struct {
	Deps
}

func New(d Deps) *Service {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{Deps: d}
}

// Decide evaluates ctx against the current snapshot and logs the decision.
// The decision is returned only once it is durably logged; if the log write
// fails the caller gets a storage error and no metrics or events are emitted.
func (s *Service) Decide(ctx context.Context, component string, input map[string]any) (*model.Decision, error) {
	component = strings.TrimSpace(component)
	if component == "" {
		return nil, model.Validationf("component is required")
	}
	if input == nil {
		return nil, model.Validationf("context must be a JSON object")
	}
	if !s.Policies.Ready() {
		return nil, model.Unavailablef("policy store is not loaded")
	}

	d := s.Engine.Evaluate(s.Policies.Snapshot(), input, component)

	if err := s.Log.Append(ctx, d); err != nil {
		if s.Prom != nil {
			s.Prom.IncDecisionLogFailure()
		}
		return nil, err
	}

	s.Aggregator.ObserveDecision(d)
	if s.Prom != nil {
		s.Prom.ObserveDecision(d)
	}
	s.Events.PublishDecision(d)

	s.Logger.Debug("decision made",
		zap.String("decision_id", d.ID),
		zap.String("component", d.Component),
		zap.String("result", string(d.Result)),
		zap.Int64("policy_version", d.PolicyVersion),
		zap.Duration("execution_time", d.ExecutionTime),
	)
	return d, nil
}

// TestPolicy dry-runs a single stored policy against input, whatever its
// status. Nothing is logged.
func (s *Service) TestPolicy(_ context.Context, id string, input map[string]any) (engine.PolicyResult, error) {
	if input == nil {
		return engine.PolicyResult{}, model.Validationf("context must be a JSON object")
	}
	if !s.Policies.Ready() {
		return engine.PolicyResult{}, model.Unavailablef("policy store is not loaded")
	}
	p, ok := s.Policies.Snapshot().Find(id)
	if !ok {
		return engine.PolicyResult{}, model.NotFound(id)
	}
	return s.Engine.EvaluatePolicy(p, input), nil
}
