// Package token implements the Token Service and Validator (spec §4.6):
// OS-keychain-backed secrets, TTL clamping/expiry, and per-server access
// pattern matching. The relational store holds queryable metadata only; the
// full serialized token — the actual bearer secret — lives exclusively in
// the OS keychain, grounded on the same "sensitive material never touches
// the relational row in the clear" idea the teacher applies to provider
// credentials in internal/config, generalized here to the real OS keychain
// the teacher's go.mod already carries (zalando/go-keyring) rather than an
// internal crypto-at-rest column.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/clock"
	"github.com/mcp-router/gateway/internal/idgen"
	"github.com/mcp-router/gateway/internal/store"
)

// ErrSecretNotFound is returned by a Keychain when no secret is filed under
// the given id.
var ErrSecretNotFound = errors.New("token: secret not found in keychain")

const (
	// DefaultTTL and MaxTTL are spec §4.6's defaults, in seconds.
	DefaultTTL = 86_400
	MaxTTL     = 2_592_000
)

var idPattern = regexp.MustCompile(`^mcpr_[A-Za-z0-9_-]{43}$`)

// Token is the full object the keychain stores as JSON under its id; the
// relational store.TokenMeta row mirrors everything but the secret itself
// (there is no separate secret value to mirror — the Token IS the secret).
type Token struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"clientId"`
	Name         string          `json:"name"`
	IssuedAt     int64           `json:"issuedAt"`
	ExpiresAt    int64           `json:"expiresAt"`
	LastUsedAt   int64           `json:"lastUsedAt,omitempty"`
	Scopes       []string        `json:"scopes,omitempty"`
	ServerAccess map[string]bool `json:"serverAccess,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

func (t *Token) meta() *store.TokenMeta {
	return &store.TokenMeta{
		ID: t.ID, ClientID: t.ClientID, Name: t.Name,
		IssuedAt: t.IssuedAt, ExpiresAt: t.ExpiresAt, LastUsedAt: t.LastUsedAt,
		Scopes: t.Scopes, ServerAccess: t.ServerAccess, Metadata: t.Metadata,
	}
}

// GenerateOptions is generate()'s argument shape.
type GenerateOptions struct {
	ClientID     string
	Name         string
	TTLSeconds   int64 // 0 uses DefaultTTL
	Scopes       []string
	ServerAccess map[string]bool
	Metadata     map[string]any
}

// Service is the Token Service (spec §4.6).
type Service struct {
	meta     store.TokenStore
	keychain Keychain
	audit    store.AuditStore
	clock    clock.Clock
}

func NewService(meta store.TokenStore, kc Keychain, audit store.AuditStore, c clock.Clock) *Service {
	return &Service{meta: meta, keychain: kc, audit: audit, clock: c}
}

func newTokenID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand failing is unrecoverable
	}
	return "mcpr_" + base64.RawURLEncoding.EncodeToString(buf)
}

func (s *Service) nowSec() int64 { return s.clock.Now().Unix() }

func (s *Service) recordAudit(ctx context.Context, eventType string, success bool, clientID string, meta map[string]any) {
	ev := &store.AuditEvent{
		ID:        idgen.New("audit"),
		Type:      eventType,
		ClientID:  clientID,
		Success:   success,
		Metadata:  meta,
		Timestamp: s.clock.Now().UnixMilli(),
	}
	if err := s.audit.Create(ctx, ev); err != nil {
		slog.Warn("token: failed to write audit event", "type", eventType, "error", err)
	}
}

// redactID implements spec §4.6's revoke-audit redaction: id[0..5] + "..." + id[-4..].
func redactID(id string) string {
	if len(id) <= 9 {
		return id
	}
	return id[:5] + "..." + id[len(id)-4:]
}

// Generate persists metadata, writes the full serialized token to the
// keychain, and audits token.create. TTLs above MaxTTL are silently clamped
// with a warning (spec §4.6).
func (s *Service) Generate(ctx context.Context, opts GenerateOptions) (*Token, error) {
	ttl := opts.TTLSeconds
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		slog.Warn("token: requested TTL exceeds MAX_TTL, clamping", "requested", ttl, "max", MaxTTL)
		ttl = MaxTTL
	}

	now := s.nowSec()
	tok := &Token{
		ID:           newTokenID(),
		ClientID:     opts.ClientID,
		Name:         opts.Name,
		IssuedAt:     now,
		ExpiresAt:    now + ttl,
		Scopes:       opts.Scopes,
		ServerAccess: opts.ServerAccess,
		Metadata:     opts.Metadata,
	}

	if err := s.meta.Create(ctx, tok.meta()); err != nil {
		return nil, apperr.Internalf("persist token metadata: %v", err)
	}
	if err := s.putKeychain(tok); err != nil {
		return nil, apperr.Internalf("write token secret: %v", err)
	}

	s.recordAudit(ctx, "token.create", true, tok.ClientID, map[string]any{"tokenId": redactID(tok.ID)})
	return tok, nil
}

func (s *Service) putKeychain(tok *Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return s.keychain.Set(tok.ID, string(raw))
}

func (s *Service) getKeychain(id string) (*Token, error) {
	raw, err := s.keychain.Get(id)
	if err != nil {
		return nil, err
	}
	var tok Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// Validate implements spec §4.6's four-step algorithm.
func (s *Service) Validate(ctx context.Context, id string) (*Token, error) {
	if !idPattern.MatchString(id) {
		return nil, apperr.Unauthenticatedf("invalid token format")
	}

	tok, err := s.getKeychain(id)
	if errors.Is(err, ErrSecretNotFound) {
		return nil, apperr.Unauthenticatedf("Token not found")
	}
	if err != nil {
		return nil, apperr.Internalf("keychain lookup: %v", err)
	}

	if tok.ExpiresAt < s.nowSec() {
		_ = s.Revoke(ctx, id)
		return nil, apperr.Unauthenticatedf("Token expired")
	}

	tok.LastUsedAt = s.nowSec()
	if err := s.meta.UpdateLastUsed(ctx, id, tok.LastUsedAt); err != nil {
		slog.Warn("token: failed to stamp lastUsedAt", "id", redactID(id), "error", err)
	}
	s.recordAudit(ctx, "token.validate", true, tok.ClientID, map[string]any{"tokenId": redactID(id)})
	return tok, nil
}

// Revoke deletes the token from both stores and audits token.revoke with a
// redacted id.
func (s *Service) Revoke(ctx context.Context, id string) error {
	if err := s.keychain.Delete(id); err != nil {
		slog.Warn("token: keychain delete failed", "id", redactID(id), "error", err)
	}
	if err := s.meta.Delete(ctx, id); err != nil {
		slog.Warn("token: metadata delete failed", "id", redactID(id), "error", err)
	}
	s.recordAudit(ctx, "token.revoke", true, "", map[string]any{"tokenId": redactID(id)})
	return nil
}

// Refresh preserves the original TTL window, sliding expiresAt forward from
// now (spec §4.6).
func (s *Service) Refresh(ctx context.Context, id string) (*Token, error) {
	tok, err := s.Validate(ctx, id)
	if err != nil {
		return nil, err
	}
	originalTTL := tok.ExpiresAt - tok.IssuedAt
	tok.ExpiresAt = s.nowSec() + originalTTL

	if err := s.meta.UpdateExpiresAt(ctx, id, tok.ExpiresAt); err != nil {
		return nil, apperr.Internalf("persist refreshed expiry: %v", err)
	}
	if err := s.putKeychain(tok); err != nil {
		return nil, apperr.Internalf("persist refreshed secret: %v", err)
	}
	return tok, nil
}

// UpdateServerAccess merges patch into the token's serverAccess map and
// persists to both stores.
func (s *Service) UpdateServerAccess(ctx context.Context, id string, patch map[string]bool) (*Token, error) {
	tok, err := s.getKeychain(id)
	if errors.Is(err, ErrSecretNotFound) {
		return nil, apperr.NotFoundf("token %q not found", id)
	}
	if err != nil {
		return nil, apperr.Internalf("keychain lookup: %v", err)
	}

	if tok.ServerAccess == nil {
		tok.ServerAccess = make(map[string]bool, len(patch))
	}
	for pattern, allow := range patch {
		tok.ServerAccess[pattern] = allow
	}

	if err := s.meta.UpdateServerAccess(ctx, id, tok.ServerAccess); err != nil {
		return nil, apperr.Internalf("persist server access: %v", err)
	}
	if err := s.putKeychain(tok); err != nil {
		return nil, apperr.Internalf("persist server access secret: %v", err)
	}
	return tok, nil
}

// CleanupExpired deletes metadata rows with expiresAt < now and returns the
// count (spec §4.6 — keychain entries for expired tokens are reaped lazily
// on their next Validate, not here).
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	n, err := s.meta.DeleteExpiredBefore(ctx, s.nowSec())
	if err != nil {
		return 0, apperr.Internalf("cleanup expired tokens: %v", err)
	}
	return n, nil
}

// ListByClient returns metadata-only rows for a client's tokens (spec §6's
// `GET /api/tokens?clientId=…` → `Token[]` metadata only — the keychain is
// never consulted here, so no secret can leak through a listing).
func (s *Service) ListByClient(ctx context.Context, clientID string) ([]*store.TokenMeta, error) {
	rows, err := s.meta.ListByClient(ctx, clientID)
	if err != nil {
		return nil, apperr.Internalf("list tokens: %v", err)
	}
	return rows, nil
}
