package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/approval"
	"github.com/mcp-router/gateway/internal/catalog"
	"github.com/mcp-router/gateway/internal/clock"
	"github.com/mcp-router/gateway/internal/hooks"
	"github.com/mcp-router/gateway/internal/mcp"
	"github.com/mcp-router/gateway/internal/policy"
	"github.com/mcp-router/gateway/internal/ratelimit"
	"github.com/mcp-router/gateway/internal/store"
	"github.com/mcp-router/gateway/internal/token"
)

// --- fakes: token store + keychain ---

type fakeKeychain struct {
	mu      sync.Mutex
	secrets map[string]string
}

func newFakeKeychain() *fakeKeychain { return &fakeKeychain{secrets: make(map[string]string)} }
func (k *fakeKeychain) Set(id, secret string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.secrets[id] = secret
	return nil
}
func (k *fakeKeychain) Get(id string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.secrets[id]
	if !ok {
		return "", token.ErrSecretNotFound
	}
	return s, nil
}
func (k *fakeKeychain) Delete(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.secrets, id)
	return nil
}

type fakeTokenStore struct {
	mu   sync.Mutex
	rows map[string]*store.TokenMeta
}

func newFakeTokenStore() *fakeTokenStore { return &fakeTokenStore{rows: make(map[string]*store.TokenMeta)} }
func (f *fakeTokenStore) Create(_ context.Context, t *store.TokenMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.rows[t.ID] = &cp
	return nil
}
func (f *fakeTokenStore) Get(_ context.Context, id string) (*store.TokenMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return nil, apperr.NotFoundf("not found")
	}
	return r, nil
}
func (f *fakeTokenStore) UpdateLastUsed(_ context.Context, id string, at int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[id]; ok {
		r.LastUsedAt = at
	}
	return nil
}
func (f *fakeTokenStore) UpdateExpiresAt(_ context.Context, id string, expiresAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[id]; ok {
		r.ExpiresAt = expiresAt
	}
	return nil
}
func (f *fakeTokenStore) UpdateServerAccess(_ context.Context, id string, sa map[string]bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[id]; ok {
		r.ServerAccess = sa
	}
	return nil
}
func (f *fakeTokenStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}
func (f *fakeTokenStore) ListByClient(_ context.Context, clientID string) ([]*store.TokenMeta, error) {
	return nil, nil
}
func (f *fakeTokenStore) DeleteExpiredBefore(_ context.Context, cutoff int64) (int, error) {
	return 0, nil
}

// --- fakes: generic audit store ---

type fakeAuditStore struct {
	mu     sync.Mutex
	events []*store.AuditEvent
}

func (f *fakeAuditStore) Create(_ context.Context, e *store.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}
func (f *fakeAuditStore) Query(context.Context, store.AuditFilter, int, int) ([]*store.AuditEvent, error) {
	return nil, nil
}
func (f *fakeAuditStore) QueryPaginated(context.Context, store.AuditFilter, *int64, string, int) ([]*store.AuditEvent, error) {
	return nil, nil
}
func (f *fakeAuditStore) Count(context.Context, store.AuditFilter) (int, error) { return 0, nil }
func (f *fakeAuditStore) DeleteOlderThan(context.Context, int64) (int, error)   { return 0, nil }
func (f *fakeAuditStore) has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

// --- fakes: policy store ---

type fakePolicyStore struct {
	mu    sync.Mutex
	rules []*store.PolicyRule
}

func (f *fakePolicyStore) Create(_ context.Context, p *store.PolicyRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, p)
	return nil
}
func (f *fakePolicyStore) Get(_ context.Context, id string) (*store.PolicyRule, error) {
	for _, r := range f.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, apperr.NotFoundf("not found")
}
func (f *fakePolicyStore) Update(_ context.Context, id string, patch store.PolicyPatch) (*store.PolicyRule, error) {
	return nil, apperr.NotFoundf("not implemented")
}
func (f *fakePolicyStore) Delete(_ context.Context, id string) error { return nil }
func (f *fakePolicyStore) List(_ context.Context, scope *store.PolicyScope, scopeID *string) ([]*store.PolicyRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.PolicyRule, len(f.rules))
	copy(out, f.rules)
	return out, nil
}

// --- fakes: approval store ---

type fakeApprovalStore struct{ mu sync.Mutex }

func (f *fakeApprovalStore) Create(context.Context, *store.ApprovalRequest) error { return nil }
func (f *fakeApprovalStore) UpdateStatus(context.Context, string, store.ApprovalStatus, string, string, int64) error {
	return nil
}
func (f *fakeApprovalStore) Get(context.Context, string) (*store.ApprovalRequest, error) {
	return nil, apperr.NotFoundf("not found")
}
func (f *fakeApprovalStore) List(context.Context, *store.ApprovalStatus) ([]*store.ApprovalRequest, error) {
	return nil, nil
}

// --- fakes: catalog server source + dispatch ---

type fakeSource struct {
	mu      sync.Mutex
	servers map[string]string
	tools   map[string][]catalog.RawTool
	perms   map[string]map[string]bool
}

func (f *fakeSource) RunningServerIDs(context.Context) ([]string, error) {
	ids := make([]string, 0, len(f.servers))
	for id := range f.servers {
		ids = append(ids, id)
	}
	return ids, nil
}
func (f *fakeSource) ServerName(_ context.Context, id string) (string, error) { return f.servers[id], nil }
func (f *fakeSource) ListTools(_ context.Context, id string) ([]catalog.RawTool, error) {
	return f.tools[id], nil
}
func (f *fakeSource) ToolPermissions(_ context.Context, id string) (map[string]bool, error) {
	return f.perms[id], nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	results  map[string]*mcp.CallResult
	callErr  error
	lastArgs map[string]any
	calls    int
}

func (f *fakeDispatcher) GetTools(_ context.Context, serverID string) ([]catalog.RawTool, error) {
	return nil, nil
}
func (f *fakeDispatcher) CallTool(_ context.Context, serverID, name string, args map[string]any, _ time.Duration) (*mcp.CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastArgs = args
	if f.callErr != nil {
		return nil, f.callErr
	}
	if r, ok := f.results[name]; ok {
		return r, nil
	}
	return &mcp.CallResult{Text: "ok"}, nil
}

// --- test harness ---

type harness struct {
	pipeline  *Pipeline
	tokenSvc  *token.Service
	policyEng *policy.Engine
	approvals *approval.Queue
	hookReg   *hooks.Registry
	cat       *catalog.Catalog
	dispatch  *fakeDispatcher
	audit     *fakeAuditStore
	clock     *clock.Fixed
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fc := &clock.Fixed{T: time.Unix(1_700_000_000, 0)}

	audit := &fakeAuditStore{}
	tokenSvc := token.NewService(newFakeTokenStore(), newFakeKeychain(), audit, fc)
	policyEng := policy.NewEngine(&fakePolicyStore{}, fc)
	approvals := approval.New(&fakeApprovalStore{}, fc, nil)
	t.Cleanup(approvals.Stop)

	hookReg, err := hooks.NewRegistry(fc, nil)
	if err != nil {
		t.Fatalf("new hook registry: %v", err)
	}

	src := &fakeSource{
		servers: map[string]string{"server-1": "GitHub"},
		tools: map[string][]catalog.RawTool{
			"server-1": {{Name: "read_file", Description: "reads a file"}},
		},
	}
	cat := catalog.New(src, fc)

	dispatch := &fakeDispatcher{results: map[string]*mcp.CallResult{}}
	limiter := ratelimit.New(ratelimit.DefaultConfig(), fc)

	p := New(tokenSvc, cat, policyEng, limiter, approvals, hookReg, dispatch, audit, fc, noop.NewTracerProvider().Tracer("test"))

	return &harness{
		pipeline: p, tokenSvc: tokenSvc, policyEng: policyEng, approvals: approvals,
		hookReg: hookReg, cat: cat, dispatch: dispatch, audit: audit, clock: fc,
	}
}

func (h *harness) issueToken(t *testing.T, serverAccess map[string]bool) string {
	t.Helper()
	tok, err := h.tokenSvc.Generate(context.Background(), token.GenerateOptions{
		ClientID: "client-1", ServerAccess: serverAccess,
	})
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok.ID
}

func exposedName() string { return catalog.ExposedName(catalog.Slug("GitHub"), "read_file") }

// --- tests ---

func TestCallTool_HappyPath(t *testing.T) {
	h := newHarness(t)
	tokenID := h.issueToken(t, nil)

	resp, err := h.pipeline.CallTool(context.Background(), Request{
		TokenID: tokenID, ExposedToolName: exposedName(), Arguments: map[string]any{"path": "/tmp/a"},
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if resp.IsError {
		t.Fatalf("unexpected error response: %+v", resp)
	}
	if h.dispatch.calls != 1 {
		t.Fatalf("expected exactly one dispatch call, got %d", h.dispatch.calls)
	}
	if !h.audit.has("tool.call") {
		t.Fatal("expected a tool.call audit event")
	}
}

func TestCallTool_RejectsInvalidToken(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline.CallTool(context.Background(), Request{
		TokenID: "not-a-real-token", ExposedToolName: exposedName(),
	})
	if err == nil {
		t.Fatal("expected unauthenticated error")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.Unauthenticated {
		t.Fatalf("expected unauthenticated kind, got %v", err)
	}
}

func TestCallTool_UnknownToolIsNotFound(t *testing.T) {
	h := newHarness(t)
	tokenID := h.issueToken(t, nil)
	_, err := h.pipeline.CallTool(context.Background(), Request{
		TokenID: tokenID, ExposedToolName: "github__does_not_exist",
	})
	if err == nil {
		t.Fatal("expected not_found error")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.NotFound {
		t.Fatalf("expected not_found kind, got %v", err)
	}
	if h.dispatch.calls != 0 {
		t.Fatal("a name-resolution failure must never reach dispatch")
	}
}

func TestCallTool_DeniedServerAccessNeverDispatches(t *testing.T) {
	h := newHarness(t)
	tokenID := h.issueToken(t, map[string]bool{"server-1": false})

	_, err := h.pipeline.CallTool(context.Background(), Request{
		TokenID: tokenID, ExposedToolName: exposedName(),
	})
	if err == nil {
		t.Fatal("expected forbidden error")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.Forbidden {
		t.Fatalf("expected forbidden kind, got %v", err)
	}
	if h.dispatch.calls != 0 {
		t.Fatal("a denied authz step must never reach dispatch")
	}
}

func TestCallTool_PolicyDenyBlocksDispatch(t *testing.T) {
	h := newHarness(t)
	tokenID := h.issueToken(t, nil)

	_, err := h.policyEng.Add(context.Background(), &store.PolicyRule{
		Name: "block-reads", Enabled: true, Scope: store.ScopeGlobal,
		ResourceType: store.ResourceTool, Pattern: "read_*", Action: store.ActionDeny, Priority: 10,
	})
	if err != nil {
		t.Fatalf("add policy: %v", err)
	}

	_, err = h.pipeline.CallTool(context.Background(), Request{
		TokenID: tokenID, ExposedToolName: exposedName(),
	})
	if err == nil {
		t.Fatal("expected policy-denied error")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.Forbidden {
		t.Fatalf("expected forbidden kind, got %v", err)
	}
	if h.dispatch.calls != 0 {
		t.Fatal("a policy deny must never reach dispatch")
	}
	if !h.audit.has("policy.deny") {
		t.Fatal("expected a policy.deny audit event")
	}
}

func TestCallTool_HookPreCallCanSubstituteArguments(t *testing.T) {
	h := newHarness(t)
	tokenID := h.issueToken(t, nil)

	if _, err := h.hookReg.Register(hooks.BeforeToolCall, "", "", `{"canModify": true, "arguments": {"path": "/sandboxed"}}`); err != nil {
		t.Fatalf("register hook: %v", err)
	}

	_, err := h.pipeline.CallTool(context.Background(), Request{
		TokenID: tokenID, ExposedToolName: exposedName(), Arguments: map[string]any{"path": "/etc/passwd"},
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if h.dispatch.lastArgs["path"] != "/sandboxed" {
		t.Fatalf("expected hook-substituted arguments, got %+v", h.dispatch.lastArgs)
	}
}

func TestCallTool_DispatchErrorReturnsErrorResponseNotGoError(t *testing.T) {
	h := newHarness(t)
	tokenID := h.issueToken(t, nil)
	h.dispatch.callErr = apperr.Transportf("subprocess crashed")

	resp, err := h.pipeline.CallTool(context.Background(), Request{
		TokenID: tokenID, ExposedToolName: exposedName(),
	})
	if err != nil {
		t.Fatalf("expected a well-formed error response, not a returned error: %v", err)
	}
	if !resp.IsError {
		t.Fatal("expected IsError=true in the response")
	}
	if !h.audit.has("tool.call") {
		t.Fatal("expected tool.call audit event even on dispatch failure")
	}
}

func TestCallTool_RateLimitExhaustionDenies(t *testing.T) {
	h := newHarness(t)
	tokenID := h.issueToken(t, nil)

	var lastErr error
	for i := 0; i < ratelimit.DefaultConfig().Capacity+1; i++ {
		_, lastErr = h.pipeline.CallTool(context.Background(), Request{
			TokenID: tokenID, ExposedToolName: exposedName(),
		})
	}
	if lastErr == nil {
		t.Fatal("expected the bucket to exhaust and deny the final call")
	}
	appErr, ok := apperr.As(lastErr)
	if !ok || appErr.Kind != apperr.Capacity {
		t.Fatalf("expected capacity (rate-limited) kind, got %v", lastErr)
	}
}
