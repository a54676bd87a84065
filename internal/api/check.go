package api

import (
	"net/http"
)

// handleDecide implements POST /decisions and POST /evaluate.
// A decision is only returned once it is in the decision log.
func (d *Dependencies) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body", Kind: "validation_error"})
		return
	}

	dec, err := d.Service.Decide(r.Context(), req.Component, req.Context)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}
