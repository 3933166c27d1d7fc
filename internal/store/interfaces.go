package store

import "context"

// ServerStore persists Server rows. Grounded on the teacher's
// store interface shape (internal/store/custom_tool_store.go).
type ServerStore interface {
	Create(ctx context.Context, s *Server) error
	Get(ctx context.Context, id string) (*Server, error)
	Update(ctx context.Context, id string, patch ServerPatch) (*Server, error)
	// UpdateStatus is separate from Update because status transitions are
	// owned exclusively by the Server Manager's lifecycle operations, never
	// by a generic patch (spec §4.1).
	UpdateStatus(ctx context.Context, id string, status ServerStatus, lastError string, updatedAt int64) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Server, error)
}

// TokenStore persists TokenMeta rows. The token secret never touches this
// store (spec §4.6) — see internal/token's Keychain interface.
type TokenStore interface {
	Create(ctx context.Context, t *TokenMeta) error
	Get(ctx context.Context, id string) (*TokenMeta, error)
	// UpdateLastUsed stamps lastUsedAt without a full read-modify-write.
	UpdateLastUsed(ctx context.Context, id string, at int64) error
	UpdateExpiresAt(ctx context.Context, id string, expiresAt int64) error
	UpdateServerAccess(ctx context.Context, id string, serverAccess map[string]bool) error
	Delete(ctx context.Context, id string) error
	ListByClient(ctx context.Context, clientID string) ([]*TokenMeta, error)
	// DeleteExpiredBefore deletes rows with expiresAt < cutoff(seconds);
	// returns the count deleted. Used by cleanupExpired (spec §4.6).
	DeleteExpiredBefore(ctx context.Context, cutoff int64) (int, error)
}

// PolicyStore persists PolicyRule rows.
type PolicyStore interface {
	Create(ctx context.Context, p *PolicyRule) error
	Get(ctx context.Context, id string) (*PolicyRule, error)
	Update(ctx context.Context, id string, patch PolicyPatch) (*PolicyRule, error)
	Delete(ctx context.Context, id string) error
	// List returns all enabled rules, optionally filtered by scope+scopeId;
	// the Policy Engine applies the rest of the matching logic in memory.
	List(ctx context.Context, scope *PolicyScope, scopeID *string) ([]*PolicyRule, error)
}

// ApprovalStore persists a write-through record of approval requests for
// inspection; the authoritative in-flight state lives in the in-memory
// queue (internal/approval), never here (spec §4.5).
type ApprovalStore interface {
	Create(ctx context.Context, a *ApprovalRequest) error
	UpdateStatus(ctx context.Context, id string, status ApprovalStatus, respondedBy, note string, respondedAt int64) error
	Get(ctx context.Context, id string) (*ApprovalRequest, error)
	List(ctx context.Context, status *ApprovalStatus) ([]*ApprovalRequest, error)
}

// AuditStore is append-only; there is no Update.
type AuditStore interface {
	Create(ctx context.Context, e *AuditEvent) error
	Query(ctx context.Context, filter AuditFilter, limit, offset int) ([]*AuditEvent, error)
	// QueryPaginated implements the cursor contract from spec §4.8: fetches
	// limit+1 rows ordered by timestamp (desc unless orderDir=="asc"), and
	// the caller determines hasMore/nextCursor from the extra row.
	QueryPaginated(ctx context.Context, filter AuditFilter, cursor *int64, orderDir string, limit int) ([]*AuditEvent, error)
	Count(ctx context.Context, filter AuditFilter) (int, error)
	DeleteOlderThan(ctx context.Context, ts int64) (int, error)
}
