// Package httpapi exposes the request pipeline and every management
// component over HTTP (spec §6): a small REST-ish JSON API on the stdlib
// 1.22+ ServeMux, grounded on the teacher's internal/http/custom_tools.go
// (bearer-auth middleware, http.MaxBytesReader body caps, writeJSON/writeErr
// helpers, PathValue routing) — the teacher's own admin surface has the
// same shape, so this is a stdlib-is-correct case rather than reaching for
// an HTTP framework (SPEC_FULL §11.12).
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/approval"
	"github.com/mcp-router/gateway/internal/catalog"
	"github.com/mcp-router/gateway/internal/eventbus"
	"github.com/mcp-router/gateway/internal/hooks"
	"github.com/mcp-router/gateway/internal/mcp"
	"github.com/mcp-router/gateway/internal/pipeline"
	"github.com/mcp-router/gateway/internal/policy"
	"github.com/mcp-router/gateway/internal/store"
	"github.com/mcp-router/gateway/internal/token"
)

// Handler wires every management component plus the request pipeline into
// one mux. Construct with New, then call Handler.Mux() for the root
// http.Handler.
type Handler struct {
	pipeline  *pipeline.Pipeline
	servers   *mcp.Manager
	catalog   *catalog.Catalog
	tokens    *token.Service
	policies  *policy.Engine
	approvals *approval.Queue
	hooks     *hooks.Registry
	audit     store.AuditStore
	events    *eventbus.Hub

	adminBearer string
	validate    *validator.Validate
	log         *slog.Logger
}

// New constructs a Handler. adminBearer, if non-empty, is accepted in
// addition to any issued token id (config §10.3's bootstrap bearer). events
// may be nil, in which case GET /api/events responds with an internal error
// (500) rather than panicking — a router can run with the UI push channel disabled.
func New(
	pl *pipeline.Pipeline,
	servers *mcp.Manager,
	cat *catalog.Catalog,
	tokens *token.Service,
	policies *policy.Engine,
	approvals *approval.Queue,
	hookRegistry *hooks.Registry,
	audit store.AuditStore,
	events *eventbus.Hub,
	adminBearer string,
	log *slog.Logger,
) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		pipeline: pl, servers: servers, catalog: cat, tokens: tokens,
		policies: policies, approvals: approvals, hooks: hookRegistry, audit: audit,
		events: events, adminBearer: adminBearer, validate: validator.New(), log: log,
	}
}

// Mux builds the full route table (spec §6).
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/info", h.handleInfo)

	mux.HandleFunc("GET /api/servers", h.auth(h.handleListServers))
	mux.HandleFunc("POST /api/servers", h.auth(h.handleAddServer))
	mux.HandleFunc("GET /api/servers/{id}", h.auth(h.handleGetServer))
	mux.HandleFunc("PUT /api/servers/{id}", h.auth(h.handleUpdateServer))
	mux.HandleFunc("DELETE /api/servers/{id}", h.auth(h.handleRemoveServer))
	mux.HandleFunc("POST /api/servers/{id}/start", h.auth(h.handleStartServer))
	mux.HandleFunc("POST /api/servers/{id}/stop", h.auth(h.handleStopServer))
	mux.HandleFunc("POST /api/servers/{id}/restart", h.auth(h.handleRestartServer))

	mux.HandleFunc("GET /api/tools", h.auth(h.handleListTools))
	mux.HandleFunc("GET /api/servers/{id}/tools", h.auth(h.handleListServerTools))
	mux.HandleFunc("POST /api/tools/{exposedName}/call", h.auth(h.handleCallExposedTool))
	mux.HandleFunc("POST /api/servers/{id}/tools/{raw}/call", h.auth(h.handleCallServerTool))

	mux.HandleFunc("GET /api/tokens", h.auth(h.handleListTokens))
	mux.HandleFunc("POST /api/tokens", h.auth(h.handleCreateToken))
	mux.HandleFunc("DELETE /api/tokens/{id}", h.auth(h.handleDeleteToken))

	mux.HandleFunc("GET /api/policies", h.auth(h.handleListPolicies))
	mux.HandleFunc("POST /api/policies", h.auth(h.handleCreatePolicy))
	mux.HandleFunc("PUT /api/policies/{id}", h.auth(h.handleUpdatePolicy))
	mux.HandleFunc("DELETE /api/policies/{id}", h.auth(h.handleDeletePolicy))

	mux.HandleFunc("GET /api/approvals", h.auth(h.handleListApprovals))
	mux.HandleFunc("POST /api/approvals/{id}/respond", h.auth(h.handleRespondApproval))

	mux.HandleFunc("GET /api/audit", h.auth(h.handleQueryAudit))

	mux.HandleFunc("GET /api/events", h.authEvents(h.handleEvents))

	return mux
}

// handleEvents upgrades to the UI push channel (internal/eventbus). Unlike
// every other route, a WebSocket handshake can't carry an Authorization
// header from a browser's native WebSocket client, so authEvents accepts the
// token via a ?token= query parameter instead of auth's bearer header.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeErr(w, apperr.Internalf("the UI event bus is not enabled on this router"))
		return
	}
	h.events.ServeHTTP(w, r)
}

func (h *Handler) authEvents(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("token")
		if raw == "" {
			writeErr(w, apperr.Unauthenticatedf("missing token query parameter"))
			return
		}
		if h.adminBearer != "" && raw == h.adminBearer {
			next(w, r)
			return
		}
		if _, err := h.tokens.Validate(r.Context(), raw); err != nil {
			writeErr(w, apperr.Unauthenticatedf("invalid or expired token"))
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     "1.0.0",
		"serverCount": len(h.servers.List(r.Context())),
	})
}

// ctxClientID stores the authenticated token's clientId on the request
// context, for handlers (e.g. token creation defaults, audit attribution)
// that need the caller's identity.
type ctxKey int

const ctxClientID ctxKey = iota

// auth validates the bearer token against the Token Service before every
// protected route (spec §6: "All endpoints require Authorization: Bearer
// <tokenId> except /api/info"). A configured adminBearer is accepted
// verbatim, bypassing token validation, so the CLI can bootstrap before any
// token has been issued.
func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearerToken(r)
		if raw == "" {
			writeErr(w, apperr.Unauthenticatedf("missing bearer token"))
			return
		}
		if h.adminBearer != "" && raw == h.adminBearer {
			next(w, r)
			return
		}
		tok, err := h.tokens.Validate(r.Context(), raw)
		if err != nil {
			h.log.Warn("httpapi: rejected request with invalid bearer token", "path", r.URL.Path)
			writeErr(w, apperr.Unauthenticatedf("invalid or expired token"))
			return
		}
		ctx := withClientID(r.Context(), tok.ClientID)
		next(w, r.WithContext(ctx))
	}
}

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ctxClientID, clientID)
}

func clientIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxClientID).(string)
	return v
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}

// maxBodyBytes caps every request body the way custom_tools.go caps its
// JSON bodies, generalized to one shared constant across every handler.
const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Validationf("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpapi: failed to encode response", "error", err)
	}
}

// writeErr maps an apperr.Kind onto its HTTP status (spec §7's error
// taxonomy → status code table) and writes an apperr.Body:
// {"error": {"kind", "message", "ruleId"?, "retryAfter"?}}.
func writeErr(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Internalf("%v", err)
	}
	status := statusForKind(appErr.Kind)
	_, body := apperr.ToBody(appErr)
	if appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After-Ms", strconv.FormatInt(appErr.RetryAfter, 10))
	}
	writeJSON(w, status, body)
}

func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Unauthenticated:
		return http.StatusUnauthorized
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Capacity:
		return http.StatusServiceUnavailable
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	case apperr.Transport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
