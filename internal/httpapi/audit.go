package httpapi

import (
	"net/http"
	"strconv"

	"github.com/mcp-router/gateway/internal/store"
)

// auditPageSize is the default page size for GET /api/audit; a limit query
// parameter from 1 to 200 overrides it.
const auditPageSize = 50

func (h *Handler) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.AuditFilter{
		Type:     q.Get("type"),
		ClientID: q.Get("clientId"),
		ServerID: q.Get("serverId"),
	}
	if v := q.Get("startTime"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.StartTime = n
		}
	}
	if v := q.Get("endTime"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.EndTime = n
		}
	}

	limit := auditPageSize
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	var cursor *int64
	if v := q.Get("cursor"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cursor = &n
		}
	}

	orderDir := q.Get("orderDir")
	if orderDir == "" {
		orderDir = "desc"
	}

	rows, err := h.audit.QueryPaginated(r.Context(), filter, cursor, orderDir, limit)
	if err != nil {
		writeErr(w, err)
		return
	}

	// QueryPaginated fetches limit+1 rows (spec §4.8's cursor contract); the
	// extra row, if present, determines hasMore/nextCursor and is trimmed
	// from the page itself.
	hasMore := len(rows) > limit
	items := rows
	var nextCursor *int64
	if hasMore {
		items = rows[:limit]
		nextCursor = &items[len(items)-1].Timestamp
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"hasMore":    hasMore,
		"nextCursor": nextCursor,
	})
}
