package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/triage-ai/arbiter/internal/decisionlog"
	"github.com/triage-ai/arbiter/internal/history"
	"github.com/triage-ai/arbiter/internal/metrics"
	"github.com/triage-ai/arbiter/internal/model"
)

const defaultMetricsWindow = time.Hour

func (d *Dependencies) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := decisionlog.Query{
		PolicyID:  q.Get("policy_id"),
		Component: q.Get("component"),
		Limit:     queryInt(q, "limit", decisionlog.DefaultQueryLimit),
	}

	var err error
	if params.Start, err = queryTime(q, "start_time"); err != nil {
		d.writeError(w, r, err)
		return
	}
	if params.End, err = queryTime(q, "end_time"); err != nil {
		d.writeError(w, r, err)
		return
	}
	if !params.Start.IsZero() && !params.End.IsZero() && params.End.Before(params.Start) {
		d.writeError(w, r, model.Validationf("end_time must not be before start_time"))
		return
	}
	if v := q.Get("result"); v != "" {
		params.Result = model.Result(v)
		if !params.Result.Valid() {
			d.writeError(w, r, model.Validationf("result must be one of allow, deny, modify"))
			return
		}
	}

	decisions, err := d.Log.Query(r.Context(), params)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DecisionListResp{Decisions: decisions, Count: len(decisions)})
}

func (d *Dependencies) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	dec, err := d.Log.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (d *Dependencies) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := history.Query{
		PolicyID: q.Get("policy_id"),
		Limit:    queryInt(q, "limit", history.DefaultLimit),
		Offset:   queryInt(q, "offset", 0),
	}
	if v := q.Get("action"); v != "" {
		params.Action = model.HistoryAction(v)
		if !params.Action.Valid() {
			d.writeError(w, r, model.Validationf("action must be one of create, update, delete, enable, disable"))
			return
		}
	}
	if params.Offset < 0 {
		d.writeError(w, r, model.Validationf("offset must not be negative"))
		return
	}
	writeJSON(w, http.StatusOK, d.History.Query(params))
}

func (d *Dependencies) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metric, err := metrics.ParseMetricType(q.Get("metric_type"))
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	start, end, err := metricsWindow(q)
	if err != nil {
		d.writeError(w, r, err)
		return
	}

	points, err := d.Aggregator.Query(metric, start, end)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TimeseriesResp{
		MetricType:    metric,
		StartTime:     start,
		EndTime:       end,
		BucketSeconds: int(d.Aggregator.BucketWidth() / time.Second),
		Points:        points,
	})
}

func (d *Dependencies) handleSummary(w http.ResponseWriter, r *http.Request) {
	start, end, err := metricsWindow(r.URL.Query())
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Aggregator.Summary(start, end))
}

// metricsWindow reads start_time/end_time, defaulting to the last hour.
func metricsWindow(q url.Values) (time.Time, time.Time, error) {
	start, err := queryTime(q, "start_time")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := queryTime(q, "end_time")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-defaultMetricsWindow)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, model.Validationf("end_time must not be before start_time")
	}
	return start, end, nil
}

// queryTime parses an optional RFC3339 parameter.
func queryTime(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, model.Validationf("%s must be an RFC3339 timestamp", key)
	}
	return t, nil
}

func queryInt(q url.Values, key string, defaultVal int) int {
	v := q.Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
