// Package metrics keeps time-bucketed decision statistics and exports
// Prometheus metrics.
package metrics

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/triage-ai/arbiter/internal/model"
)

// MetricType names a series that Query can return.
type MetricType string

const (
	DecisionCount    MetricType = "decision_count"
	AllowCount       MetricType = "allow_count"
	DenyCount        MetricType = "deny_count"
	ModifyCount      MetricType = "modify_count"
	ExecutionTimeAvg MetricType = "execution_time_avg"
	ExecutionTimeP50 MetricType = "execution_time_p50"
	ExecutionTimeP95 MetricType = "execution_time_p95"
	ExecutionTimeP99 MetricType = "execution_time_p99"
	PolicyCount      MetricType = "policy_count"
)

// MetricTypes lists every supported metric type.
var MetricTypes = []MetricType{
	DecisionCount, AllowCount, DenyCount, ModifyCount,
	ExecutionTimeAvg, ExecutionTimeP50, ExecutionTimeP95, ExecutionTimeP99,
	PolicyCount,
}

// ParseMetricType validates s.
func ParseMetricType(s string) (MetricType, error) {
	for _, m := range MetricTypes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", model.Validationf("unknown metric_type %q", s)
}

// Point is one bucket's value. Timestamp is the bucket start.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// maxSamples caps the latency samples kept per bucket; beyond it samples are
// reservoir-sampled. Counts and means stay exact.
const maxSamples = 4096

type bucket struct {
	start               time.Time
	total               int
	allow, deny, modify int
	latencySumMs        float64
	samples             []float64
	policyCount         int
	hasPolicyCount      bool
}

// Aggregator maintains fixed-width buckets over a retention window.
// It is safe for concurrent use.
type Aggregator struct {
	mu        sync.Mutex
	width     time.Duration
	retention time.Duration
	buckets   map[int64]*bucket
	lastPrune time.Time
	now       func() time.Time
}

// NewAggregator creates an aggregator. Non-positive values fall back to one
// minute buckets and 24 hours of retention.
func NewAggregator(width, retention time.Duration) *Aggregator {
	if width <= 0 {
		width = time.Minute
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Aggregator{
		width:     width,
		retention: retention,
		buckets:   make(map[int64]*bucket),
		now:       time.Now,
	}
}

// BucketWidth returns the bucket width.
func (a *Aggregator) BucketWidth() time.Duration {
	return a.width
}

// Retention returns how far back buckets are kept.
func (a *Aggregator) Retention() time.Duration {
	return a.retention
}

// ObserveDecision adds d to the bucket of its timestamp.
func (a *Aggregator) ObserveDecision(d *model.Decision) {
	ms := float64(d.ExecutionTime) / float64(time.Millisecond)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune()

	b := a.bucketFor(d.Timestamp)
	b.total++
	switch d.Result {
	case model.ResultAllow:
		b.allow++
	case model.ResultDeny:
		b.deny++
	case model.ResultModify:
		b.modify++
	}
	b.latencySumMs += ms
	if len(b.samples) < maxSamples {
		b.samples = append(b.samples, ms)
	} else if i := rand.IntN(b.total); i < maxSamples {
		b.samples[i] = ms
	}
}

// ObservePolicyCount records the number of policies at ts. The last value
// observed in a bucket wins.
func (a *Aggregator) ObservePolicyCount(ts time.Time, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune()

	b := a.bucketFor(ts)
	b.policyCount = n
	b.hasPolicyCount = true
}

// Query returns one point per non-empty bucket whose start lies in
// [start, end], ascending by time.
func (a *Aggregator) Query(metric MetricType, start, end time.Time) ([]Point, error) {
	if _, err := ParseMetricType(string(metric)); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, model.Validationf("end_time must not be before start_time")
	}
	from := start.Truncate(a.width)

	a.mu.Lock()
	defer a.mu.Unlock()

	points := make([]Point, 0)
	for _, b := range a.buckets {
		if b.start.Before(from) || b.start.After(end) {
			continue
		}
		v, ok := b.value(metric)
		if !ok {
			continue
		}
		points = append(points, Point{Timestamp: b.start, Value: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points, nil
}

// Summary totals decision statistics over a window.
type Summary struct {
	Start              time.Time `json:"start_time"`
	End                time.Time `json:"end_time"`
	TotalDecisions     int       `json:"total_decisions"`
	Allow              int       `json:"allow"`
	Deny               int       `json:"deny"`
	Modify             int       `json:"modify"`
	AvgExecutionTimeMs float64   `json:"avg_execution_time_ms"`
	P95ExecutionTimeMs float64   `json:"p95_execution_time_ms"`
	PolicyCount        int       `json:"policy_count"`
}

// Summary aggregates all buckets in [start, end].
func (a *Aggregator) Summary(start, end time.Time) Summary {
	from := start.Truncate(a.width)
	s := Summary{Start: start, End: end}

	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		sum      float64
		samples  []float64
		latestPC time.Time
	)
	for _, b := range a.buckets {
		if b.start.Before(from) || b.start.After(end) {
			continue
		}
		s.TotalDecisions += b.total
		s.Allow += b.allow
		s.Deny += b.deny
		s.Modify += b.modify
		sum += b.latencySumMs
		samples = append(samples, b.samples...)
		if b.hasPolicyCount && !b.start.Before(latestPC) {
			latestPC = b.start
			s.PolicyCount = b.policyCount
		}
	}
	if s.TotalDecisions > 0 {
		s.AvgExecutionTimeMs = sum / float64(s.TotalDecisions)
	}
	sort.Float64s(samples)
	s.P95ExecutionTimeMs = percentile(samples, 0.95)
	return s
}

func (a *Aggregator) bucketFor(ts time.Time) *bucket {
	start := ts.UTC().Truncate(a.width)
	key := start.UnixNano()
	b, ok := a.buckets[key]
	if !ok {
		b = &bucket{start: start}
		a.buckets[key] = b
	}
	return b
}

// prune drops buckets older than the retention window, at most once per bucket width.
func (a *Aggregator) prune() {
	now := a.now()
	if now.Sub(a.lastPrune) < a.width {
		return
	}
	a.lastPrune = now
	cutoff := now.Add(-a.retention).Truncate(a.width)
	for k, b := range a.buckets {
		if b.start.Before(cutoff) {
			delete(a.buckets, k)
		}
	}
}

func (b *bucket) value(metric MetricType) (float64, bool) {
	if metric == PolicyCount {
		return float64(b.policyCount), b.hasPolicyCount
	}
	if b.total == 0 {
		return 0, false
	}
	switch metric {
	case DecisionCount:
		return float64(b.total), true
	case AllowCount:
		return float64(b.allow), true
	case DenyCount:
		return float64(b.deny), true
	case ModifyCount:
		return float64(b.modify), true
	case ExecutionTimeAvg:
		return b.latencySumMs / float64(b.total), true
	}

	sorted := make([]float64, len(b.samples))
	copy(sorted, b.samples)
	sort.Float64s(sorted)
	switch metric {
	case ExecutionTimeP50:
		return percentile(sorted, 0.50), true
	case ExecutionTimeP95:
		return percentile(sorted, 0.95), true
	case ExecutionTimeP99:
		return percentile(sorted, 0.99), true
	}
	return 0, false
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}
