package httpapi

import (
	"net/http"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/catalog"
	"github.com/mcp-router/gateway/internal/pipeline"
)

func (h *Handler) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.catalog.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tools)
}

func (h *Handler) handleListServerTools(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	all, err := h.catalog.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]catalog.Tool, 0, len(all))
	for _, t := range all {
		if t.ServerID == id {
			out = append(out, t)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type callToolBody struct {
	Arguments map[string]any `json:"arguments"`
}

// toolResult is spec §6's `ToolResult {content[], isError?}` wire shape.
type toolResult struct {
	Content []map[string]any `json:"content"`
	IsError bool             `json:"isError,omitempty"`
}

func (h *Handler) callAndRespond(w http.ResponseWriter, r *http.Request, exposedName string) {
	var body callToolBody
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeErr(w, err)
			return
		}
	}

	resp, err := h.pipeline.CallTool(r.Context(), pipeline.Request{
		TokenID:         extractBearerToken(r),
		ExposedToolName: exposedName,
		Arguments:       body.Arguments,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toolResult{
		Content: []map[string]any{{"type": "text", "text": resp.Content}},
		IsError: resp.IsError,
	})
}

func (h *Handler) handleCallExposedTool(w http.ResponseWriter, r *http.Request) {
	h.callAndRespond(w, r, r.PathValue("exposedName"))
}

func (h *Handler) handleCallServerTool(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	raw := r.PathValue("raw")

	s, err := h.servers.Get(r.Context(), id)
	if err != nil {
		writeErr(w, apperr.NotFoundf("server %q not found", id))
		return
	}
	exposed := catalog.ExposedName(catalog.Slug(s.Name), raw)
	h.callAndRespond(w, r, exposed)
}
