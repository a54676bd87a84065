package service

import (
	"context"
	"fmt"

	"github.com/triage-ai/arbiter/internal/model"
)

// Pinger is a dependency whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NamedPinger labels a Pinger for error messages.
type NamedPinger struct {
	Name string
	Pinger
}

// Probe decides whether the service can serve requests.
type Probe struct {
	Policies PolicySource
	Deps     []NamedPinger
}

// Check returns nil when the policy store is loaded and every dependency answers.
func (p *Probe) Check(ctx context.Context) error {
	if !p.Policies.Ready() {
		return model.Unavailablef("policy store is not loaded")
	}
	for _, d := range p.Deps {
		if err := d.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", d.Name, err)
		}
	}
	return nil
}
