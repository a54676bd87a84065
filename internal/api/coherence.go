package api

import (
	"net/http"
	"strconv"

	"github.com/triage-ai/arbiter/internal/model"
)

func (d *Dependencies) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !d.Store.Ready() {
		d.writeError(w, r, model.Unavailablef("policy store is not loaded"))
		return
	}
	info := d.Coherence.Version()
	w.Header().Set("X-Policy-Version", strconv.FormatInt(info.Version, 10))
	writeJSON(w, http.StatusOK, info)
}

func (d *Dependencies) handleCacheCheck(w http.ResponseWriter, r *http.Request) {
	var req CacheCheckReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body", Kind: "validation_error"})
		return
	}
	if req.PolicyVersion == nil {
		d.writeError(w, r, model.Validationf("policy_version is required"))
		return
	}
	if !d.Store.Ready() {
		d.writeError(w, r, model.Unavailablef("policy store is not loaded"))
		return
	}
	writeJSON(w, http.StatusOK, d.Coherence.Check(*req.PolicyVersion))
}

// handleStatus reports readiness. It answers 503 until the policy store is
// loaded and while any storage dependency fails its ping.
func (d *Dependencies) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResp{
		Connected: true,
		Status:    "ok",
		URL:       d.PublicURL,
		Version:   d.Store.CurrentVersion(),
	}
	if err := d.Probe.Check(r.Context()); err != nil {
		resp.Connected = false
		resp.Status = "unavailable"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
