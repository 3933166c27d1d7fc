package httpapi

import (
	"net/http"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/idgen"
	"github.com/mcp-router/gateway/internal/store"
)

type policyBody struct {
	Name         string            `json:"name" validate:"required"`
	Enabled      bool              `json:"enabled"`
	Scope        string            `json:"scope" validate:"required,oneof=global workspace server client"`
	ScopeID      string            `json:"scopeId,omitempty"`
	ResourceType string            `json:"resourceType" validate:"required,oneof=tool server resource"`
	Pattern      string            `json:"pattern" validate:"required"`
	Action       string            `json:"action" validate:"required,oneof=allow deny require_approval redact"`
	Priority     int               `json:"priority"`
	Conditions   []store.Condition `json:"conditions,omitempty"`
	RedactFields []string          `json:"redactFields,omitempty"`
}

func (h *Handler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	rows, err := h.policies.List(r.Context(), nil, nil)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var body policyBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeErr(w, apperr.Validationf("%v", err))
		return
	}

	rule := &store.PolicyRule{
		ID: idgen.New("policy"), Name: body.Name, Enabled: body.Enabled,
		Scope: store.PolicyScope(body.Scope), ScopeID: body.ScopeID,
		ResourceType: store.ResourceType(body.ResourceType), Pattern: body.Pattern,
		Action: store.PolicyAction(body.Action), Priority: body.Priority,
		Conditions: body.Conditions, RedactFields: body.RedactFields,
	}
	created, err := h.policies.Add(r.Context(), rule)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeJSON(w, r, &body); err != nil {
		writeErr(w, err)
		return
	}

	patch := store.PolicyPatch{}
	if v, ok := body["name"].(string); ok {
		patch.Name = &v
	}
	if v, ok := body["enabled"].(bool); ok {
		patch.Enabled = &v
	}
	if v, ok := body["scope"].(string); ok {
		s := store.PolicyScope(v)
		patch.Scope = &s
	}
	if v, ok := body["scopeId"].(string); ok {
		patch.ScopeID = &v
	}
	if v, ok := body["resourceType"].(string); ok {
		rt := store.ResourceType(v)
		patch.ResourceType = &rt
	}
	if v, ok := body["pattern"].(string); ok {
		patch.Pattern = &v
	}
	if v, ok := body["action"].(string); ok {
		a := store.PolicyAction(v)
		patch.Action = &a
	}
	if v, ok := body["priority"].(float64); ok {
		p := int(v)
		patch.Priority = &p
	}

	updated, err := h.policies.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.policies.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
