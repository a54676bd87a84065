// Package client is a Go SDK for the arbiter policy decision API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FailMode selects the decision synthesized when the service cannot answer.
type FailMode int

const (
	// FailClosed denies when the service is unreachable.
	FailClosed FailMode = iota
	// FailOpen allows when the service is unreachable.
	FailOpen
)

// ErrDegraded marks a decision that was synthesized locally.
var ErrDegraded = errors.New("arbiter unavailable, decision synthesized locally")

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Detail     string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("arbiter: %d %s: %s", e.StatusCode, e.Kind, e.Detail)
	}
	return fmt.Sprintf("arbiter: %d: %s", e.StatusCode, e.Detail)
}

// Client is a minimal HTTP client for the decision service.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	FailMode   FailMode

	// CheckInterval bounds how often Policies revalidates a cached listing.
	// Zero revalidates on every call.
	CheckInterval time.Duration

	cache listingCache
}

// New returns a fail-closed client with a default HTTP timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Decision mirrors the service's decision record.
type Decision struct {
	ID                string           `json:"id"`
	Timestamp         time.Time        `json:"timestamp"`
	Component         string           `json:"component"`
	Result            string           `json:"result"`
	Reason            string           `json:"reason"`
	PolicyVersion     int64            `json:"policy_version"`
	SnapshotHash      string           `json:"snapshot_hash"`
	AppliedActions    []AppliedAction  `json:"applied_actions"`
	Violations        []AppliedAction  `json:"violations"`
	PrimaryAction     *AppliedAction   `json:"primary_action,omitempty"`
	DecisionPath      []string         `json:"decision_path"`
	PoliciesEvaluated int              `json:"policies_evaluated"`
	ExecutionTimeMs   float64          `json:"execution_time_ms"`
	Complexity        string           `json:"complexity"`
	RuleEvaluations   []map[string]any `json:"rule_evaluations,omitempty"`

	// Degraded is set on decisions synthesized from FailMode.
	Degraded bool `json:"-"`
}

// AppliedAction is the contribution of one matched rule.
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

// Policy mirrors a stored policy.
type Policy struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Type        string           `json:"type"`
	Description string           `json:"description,omitempty"`
	Priority    int              `json:"priority"`
	Status      string           `json:"status"`
	Rules       []map[string]any `json:"rules"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Listing is a policy listing taken at one store version.
type Listing struct {
	Policies []Policy `json:"policies"`
	Version  int64    `json:"version"`
	Count    int      `json:"count"`
}

// VersionInfo is the answer of GET /version.
type VersionInfo struct {
	Version      int64  `json:"version"`
	SnapshotHash string `json:"snapshot_hash"`
	PolicyCount  int    `json:"policy_count"`
}

// Validity is the answer of POST /cache-check.
type Validity struct {
	Valid          bool  `json:"valid"`
	CurrentVersion int64 `json:"current_version"`
	NeedsRefresh   bool  `json:"needs_refresh"`
}

// Decide asks for a decision. When the service is unreachable or answers
// with a 5xx, it returns a decision synthesized from FailMode together with
// an error wrapping ErrDegraded. Client errors (4xx) return no decision.
func (c *Client) Decide(ctx context.Context, component string, input map[string]any) (*Decision, error) {
	body := map[string]any{"component": component, "context": input}
	var out Decision
	err := c.doJSON(ctx, http.MethodPost, "/decisions", body, &out)
	if err == nil {
		return &out, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
		return nil, err
	}
	return c.degraded(component, err), fmt.Errorf("%w: %w", ErrDegraded, err)
}

func (c *Client) degraded(component string, cause error) *Decision {
	d := &Decision{
		Timestamp: time.Now().UTC(),
		Component: component,
		Degraded:  true,
	}
	if c.FailMode == FailOpen {
		d.Result = "allow"
		d.Reason = "fail-open: " + cause.Error()
	} else {
		d.Result = "deny"
		d.Reason = "fail-closed: " + cause.Error()
	}
	return d
}

// Version returns the current store version and snapshot hash.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	var out VersionInfo
	if err := c.doJSON(ctx, http.MethodGet, "/version", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckCache asks whether a listing taken at version is still current.
func (c *Client) CheckCache(ctx context.Context, version int64) (*Validity, error) {
	var out Validity
	body := map[string]int64{"policy_version": version}
	if err := c.doJSON(ctx, http.MethodPost, "/cache-check", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPolicies fetches the listing without touching the cache.
func (c *Client) ListPolicies(ctx context.Context) (*Listing, error) {
	var out Listing
	if err := c.doJSON(ctx, http.MethodGet, "/policies", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		payload = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), payload)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e struct {
			Detail string `json:"detail"`
			Kind   string `json:"kind"`
		}
		if json.Unmarshal(data, &e) == nil && e.Detail != "" {
			apiErr.Detail, apiErr.Kind = e.Detail, e.Kind
		} else {
			apiErr.Detail = strings.TrimSpace(string(data))
			if apiErr.Detail == "" {
				apiErr.Detail = resp.Status
			}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
