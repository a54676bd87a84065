package api

import (
	"time"

	"github.com/triage-ai/arbiter/internal/metrics"
	"github.com/triage-ai/arbiter/internal/model"
)

// --- POST /decisions ---

// DecisionRequest is the JSON body for POST /decisions and POST /evaluate.
type DecisionRequest struct {
	Component string         `json:"component"`
	Context   map[string]any `json:"context"`
}

// PolicyTestRequest is the JSON body for POST /policies/{id}/test.
type PolicyTestRequest struct {
	Context map[string]any `json:"context"`
}

// DecisionListResp is returned by GET /decisions.
type DecisionListResp struct {
	Decisions []*model.Decision `json:"decisions"`
	Count     int               `json:"count"`
}

// --- Policy CRUD ---

// PolicyListResp is returned by GET /policies. Version is the store version
// the listing was taken at.
type PolicyListResp struct {
	Policies []*model.Policy `json:"policies"`
	Version  int64           `json:"version"`
	Count    int             `json:"count"`
}

// updateFields carries the optimistic concurrency field of PUT /policies/{id}.
type updateFields struct {
	ExpectedVersion *int64 `json:"expected_version"`
}

// --- Cache coherence ---

// CacheCheckReq is the JSON body for POST /cache-check.
type CacheCheckReq struct {
	PolicyVersion *int64 `json:"policy_version"`
}

// --- Metrics ---

// TimeseriesResp is returned by GET /metrics/timeseries.
type TimeseriesResp struct {
	MetricType    metrics.MetricType `json:"metric_type"`
	StartTime     time.Time          `json:"start_time"`
	EndTime       time.Time          `json:"end_time"`
	BucketSeconds int                `json:"bucket_seconds"`
	Points        []metrics.Point    `json:"points"`
}

// --- Health ---

// StatusResp is returned by GET /status, /health and /healthz.
type StatusResp struct {
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
	URL       string `json:"url"`
	Version   int64  `json:"version"`
	Error     string `json:"error,omitempty"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
	Kind   string `json:"kind,omitempty"`
}
