package httpapi

import (
	"net/http"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/store"
)

// serverBody is the add/update request shape. handleAddServer validates it
// with struct tags (SPEC_FULL §11.9) before translating it into a
// store.Server; handleUpdateServer runs no validation.
type serverBody struct {
	Name      string            `json:"name" validate:"required"`
	Transport string            `json:"transport" validate:"required,oneof=stdio sse http"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	ProjectID string            `json:"projectId,omitempty"`
}

// redactServer strips the command, args, env, and URL before a Server is
// ever written to an HTTP response (spec §6: `GET /api/servers` → `Server[]
// (redacted)`) — the router exposes that a server exists and its
// status/tool permissions, never the subprocess invocation or endpoint
// secrets that produced it.
func redactServer(s store.Server) store.Server {
	s.Command = ""
	s.Args = nil
	s.Env = nil
	s.URL = ""
	return s
}

func (h *Handler) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers := h.servers.List(r.Context())
	out := make([]store.Server, len(servers))
	for i, s := range servers {
		out[i] = redactServer(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetServer(w http.ResponseWriter, r *http.Request) {
	s, err := h.servers.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	red := redactServer(*s)
	writeJSON(w, http.StatusOK, red)
}

func (h *Handler) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var body serverBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeErr(w, apperr.Validationf("%v", err))
		return
	}

	s, err := h.servers.Add(r.Context(), store.Server{
		Name:      body.Name,
		Transport: store.Transport(body.Transport),
		Command:   body.Command,
		Args:      body.Args,
		Env:       body.Env,
		URL:       body.URL,
		ProjectID: body.ProjectID,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, redactServer(*s))
}

func (h *Handler) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var body serverBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeErr(w, err)
		return
	}

	patch := store.ServerPatch{Args: body.Args, Env: body.Env}
	if body.Name != "" {
		patch.Name = &body.Name
	}
	if body.Command != "" {
		patch.Command = &body.Command
	}
	if body.URL != "" {
		patch.URL = &body.URL
	}
	if body.ProjectID != "" {
		patch.ProjectID = &body.ProjectID
	}

	s, err := h.servers.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactServer(*s))
}

func (h *Handler) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	if err := h.servers.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handler) handleStartServer(w http.ResponseWriter, r *http.Request) {
	if err := h.servers.Start(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handler) handleStopServer(w http.ResponseWriter, r *http.Request) {
	if err := h.servers.Stop(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handler) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	if err := h.servers.Restart(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
