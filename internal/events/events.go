// Package events publishes informational policy and decision events to NATS.
// Publishing is fire-and-forget; callers still rely on the version check for
// cache coherence.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/triage-ai/arbiter/internal/model"
	"go.uber.org/zap"
)

const (
	SubjectPolicyChanged = "arbiter.policy.changed"
	SubjectDecisionMade  = "arbiter.decision.made"
)

// Publisher emits events. Implementations must not block the caller on
// delivery and must not return errors; failures are logged.
type Publisher interface {
	PublishPolicyChange(entry model.HistoryEntry)
	PublishDecision(d *model.Decision)
	Close()
}

// PolicyChanged is the payload of SubjectPolicyChanged.
type PolicyChanged struct {
	Action     model.HistoryAction `json:"action"`
	PolicyID   string              `json:"policy_id"`
	PolicyName string              `json:"policy_name"`
	PolicyType string              `json:"policy_type"`
	Version    int64               `json:"version"`
	Timestamp  time.Time           `json:"timestamp"`
}

// DecisionMade is the payload of SubjectDecisionMade. The full decision is
// available from the decision log by id.
type DecisionMade struct {
	DecisionID    string       `json:"decision_id"`
	Component     string       `json:"component"`
	Result        model.Result `json:"result"`
	PolicyVersion int64        `json:"policy_version"`
	DecisionPath  []string     `json:"decision_path"`
	Timestamp     time.Time    `json:"timestamp"`
}

type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes JSON events on a NATS connection.
type NATSPublisher struct {
	nc     conn
	logger *zap.Logger
}

// NewNATSPublisher dials url with unlimited reconnects.
func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("arbiter"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc, logger: logger}, nil
}

func (p *NATSPublisher) PublishPolicyChange(entry model.HistoryEntry) {
	p.publish(SubjectPolicyChanged, PolicyChanged{
		Action:     entry.Action,
		PolicyID:   entry.PolicyID,
		PolicyName: entry.PolicyName,
		PolicyType: entry.PolicyType,
		Version:    entry.Version,
		Timestamp:  entry.Timestamp,
	})
}

func (p *NATSPublisher) PublishDecision(d *model.Decision) {
	p.publish(SubjectDecisionMade, DecisionMade{
		DecisionID:    d.ID,
		Component:     d.Component,
		Result:        d.Result,
		PolicyVersion: d.PolicyVersion,
		DecisionPath:  d.DecisionPath,
		Timestamp:     d.Timestamp,
	})
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("nats drain failed", zap.Error(err))
	}
}

func (p *NATSPublisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("event encode failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	// nats.Conn.Publish only buffers; it does not wait for the server.
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) PublishPolicyChange(model.HistoryEntry) {}
func (Nop) PublishDecision(*model.Decision)        {}
func (Nop) Close()                                 {}
