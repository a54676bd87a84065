package api

import (
	"context"
	"net/http"

	"github.com/triage-ai/arbiter/internal/coherence"
	"github.com/triage-ai/arbiter/internal/decisionlog"
	"github.com/triage-ai/arbiter/internal/history"
	"github.com/triage-ai/arbiter/internal/listcache"
	"github.com/triage-ai/arbiter/internal/metrics"
	"github.com/triage-ai/arbiter/internal/service"
	"github.com/triage-ai/arbiter/internal/store"
	"go.uber.org/zap"
)

const defaultMaxBodyBytes = 4 << 20

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Store      *store.Store
	Service    *service.Service
	Log        decisionlog.Log
	History    history.Recorder
	Aggregator *metrics.Aggregator
	Prom       *metrics.Prom // nil disables /metrics and request metrics
	Coherence  *coherence.Gateway
	ListCache  listcache.Cache // nil means no listing cache
	Probe      interface{ Check(ctx context.Context) error }
	PublicURL  string
	Logger     *zap.Logger

	MaxBodyBytes int64
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.ListCache == nil {
		deps.ListCache = listcache.Nop{}
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}

	mux := http.NewServeMux()

	// Policy CRUD
	mux.HandleFunc("GET /policies", deps.handleListPolicies)
	mux.HandleFunc("POST /policies", deps.handleCreatePolicy)
	mux.HandleFunc("GET /policies/{id}", deps.handleGetPolicy)
	mux.HandleFunc("PUT /policies/{id}", deps.handleUpdatePolicy)
	mux.HandleFunc("DELETE /policies/{id}", deps.handleDeletePolicy)
	mux.HandleFunc("POST /policies/{id}/enable", deps.handleSetStatus(true))
	mux.HandleFunc("POST /policies/{id}/disable", deps.handleSetStatus(false))
	mux.HandleFunc("POST /policies/{id}/test", deps.handleTestPolicy)

	// Decisions
	mux.HandleFunc("POST /decisions", deps.handleDecide)
	mux.HandleFunc("POST /evaluate", deps.handleDecide)
	mux.HandleFunc("GET /decisions", deps.handleListDecisions)
	mux.HandleFunc("GET /decisions/{id}", deps.handleGetDecision)

	// History & metrics
	mux.HandleFunc("GET /history", deps.handleHistory)
	mux.HandleFunc("GET /metrics/timeseries", deps.handleTimeseries)
	mux.HandleFunc("GET /metrics/summary", deps.handleSummary)
	if deps.Prom != nil {
		mux.Handle("GET /metrics", deps.Prom.Handler())
	}

	// Cache coherence
	mux.HandleFunc("GET /version", deps.handleVersion)
	mux.HandleFunc("POST /cache-check", deps.handleCacheCheck)

	// Health check
	mux.HandleFunc("GET /status", deps.handleStatus)
	mux.HandleFunc("GET /health", deps.handleStatus)
	mux.HandleFunc("GET /healthz", deps.handleStatus)

	var h http.Handler = bodyLimit(mux, deps.MaxBodyBytes)
	h = requestMetrics(h, deps.Prom)
	return corsMiddleware(requestLogging(h, deps.Logger))
}
