package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/triage-ai/arbiter/internal/model"
	"github.com/triage-ai/arbiter/internal/store"
	"go.uber.org/zap"
)

// handleListPolicies serves the listing from the version-keyed cache when it
// can. The cached body and the X-Policy-Version header always come from the
// same snapshot.
func (d *Dependencies) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	if !d.Store.Ready() {
		d.writeError(w, r, model.Unavailablef("policy store is not loaded"))
		return
	}
	policyType := r.URL.Query().Get("type")
	snap := d.Store.Snapshot()
	version := strconv.FormatInt(snap.Version, 10)

	if body, ok := d.ListCache.Get(r.Context(), snap.Version, policyType); ok {
		w.Header().Set("X-Policy-Version", version)
		w.Header().Set("X-Cache", "hit")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}

	resp := PolicyListResp{Policies: make([]*model.Policy, 0, snap.Len()), Version: snap.Version}
	for _, p := range snap.Policies {
		if policyType != "" && p.Type != policyType {
			continue
		}
		resp.Policies = append(resp.Policies, p)
	}
	resp.Count = len(resp.Policies)

	body, err := json.Marshal(resp)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	body = append(body, '\n')
	d.ListCache.Put(r.Context(), snap.Version, policyType, body)

	w.Header().Set("X-Policy-Version", version)
	w.Header().Set("X-Cache", "miss")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (d *Dependencies) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	raw, ok := d.readPolicyDocument(w, r)
	if !ok {
		return
	}
	var p model.Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body", Kind: "validation_error"})
		return
	}

	created, err := d.Store.Create(r.Context(), &p)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Policy-Version", strconv.FormatInt(d.Store.CurrentVersion(), 10))
	writeJSON(w, http.StatusCreated, created)
}

func (d *Dependencies) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := d.Store.Get(r.PathValue("id"))
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleUpdatePolicy replaces a policy. The If-Match header or the body's
// expected_version field, when present, must equal the current store version.
func (d *Dependencies) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	raw, ok := d.readPolicyDocument(w, r)
	if !ok {
		return
	}
	var (
		p      model.Policy
		fields updateFields
	)
	if err := json.Unmarshal(raw, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body", Kind: "validation_error"})
		return
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "expected_version must be a policy store version", Kind: "validation_error"})
		return
	}

	opts := store.UpdateOptions{ExpectedVersion: fields.ExpectedVersion}
	if h := r.Header.Get("If-Match"); h != "" {
		v, err := strconv.ParseInt(strings.Trim(strings.TrimPrefix(h, "W/"), `"`), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "If-Match must be a policy store version", Kind: "validation_error"})
			return
		}
		opts.ExpectedVersion = &v
	}

	updated, err := d.Store.Update(r.Context(), r.PathValue("id"), &p, opts)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Policy-Version", strconv.FormatInt(d.Store.CurrentVersion(), 10))
	writeJSON(w, http.StatusOK, updated)
}

func (d *Dependencies) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := d.Store.Delete(r.Context(), r.PathValue("id")); err != nil {
		d.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Policy-Version", strconv.FormatInt(d.Store.CurrentVersion(), 10))
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dependencies) handleSetStatus(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := d.Store.SetStatus(r.Context(), r.PathValue("id"), active)
		if err != nil {
			d.writeError(w, r, err)
			return
		}
		w.Header().Set("X-Policy-Version", strconv.FormatInt(d.Store.CurrentVersion(), 10))
		writeJSON(w, http.StatusOK, p)
	}
}

// handleTestPolicy dry-runs one policy against a context. Nothing is logged.
func (d *Dependencies) handleTestPolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyTestRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body", Kind: "validation_error"})
		return
	}
	res, err := d.Service.TestPolicy(r.Context(), r.PathValue("id"), req.Context)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// readPolicyDocument reads the body and checks it against the policy schema.
func (d *Dependencies) readPolicyDocument(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer func() { _ = r.Body.Close() }()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		d.Logger.Warn("failed to read request body", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Could not read request body", Kind: "validation_error"})
		return nil, false
	}
	if err := model.ValidatePolicyDocument(raw); err != nil {
		d.writeError(w, r, err)
		return nil, false
	}
	return raw, true
}
