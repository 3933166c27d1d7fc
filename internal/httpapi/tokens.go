package httpapi

import (
	"net/http"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/token"
)

type createTokenBody struct {
	ClientID     string          `json:"clientId" validate:"required"`
	Name         string          `json:"name" validate:"required"`
	TTLSeconds   int64           `json:"ttl,omitempty"`
	Scopes       []string        `json:"scopes,omitempty"`
	ServerAccess map[string]bool `json:"serverAccess,omitempty"`
}

func (h *Handler) handleListTokens(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		writeErr(w, apperr.Validationf("clientId query parameter is required"))
		return
	}
	rows, err := h.tokens.ListByClient(r.Context(), clientID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleCreateToken returns the full token id exactly once (spec §6:
// "Token (id included exactly once)") — every subsequent listing only shows
// metadata, never the bearer value itself.
func (h *Handler) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var body createTokenBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if body.ClientID == "" {
		body.ClientID = clientIDFrom(r.Context())
	}
	if err := h.validate.Struct(body); err != nil {
		writeErr(w, apperr.Validationf("%v", err))
		return
	}

	tok, err := h.tokens.Generate(r.Context(), token.GenerateOptions{
		ClientID:     body.ClientID,
		Name:         body.Name,
		TTLSeconds:   body.TTLSeconds,
		Scopes:       body.Scopes,
		ServerAccess: body.ServerAccess,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (h *Handler) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.Revoke(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
