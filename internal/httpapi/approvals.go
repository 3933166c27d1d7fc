package httpapi

import (
	"net/http"

	"github.com/mcp-router/gateway/internal/apperr"
)

type respondApprovalBody struct {
	Approved    bool   `json:"approved"`
	RespondedBy string `json:"respondedBy"`
	Note        string `json:"note,omitempty"`
}

func (h *Handler) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.approvals.List())
}

func (h *Handler) handleRespondApproval(w http.ResponseWriter, r *http.Request) {
	var body respondApprovalBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if body.RespondedBy == "" {
		writeErr(w, apperr.Validationf("respondedBy is required"))
		return
	}

	id := r.PathValue("id")
	if err := h.approvals.Respond(r.Context(), id, body.Approved, body.RespondedBy, body.Note); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
