package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/catalog"
	"github.com/mcp-router/gateway/internal/clock"
	"github.com/mcp-router/gateway/internal/idgen"
	"github.com/mcp-router/gateway/internal/store"
)

// var _ ensures Manager satisfies catalog's ServerSource without either
// package importing the other's concrete type.
var _ catalog.ServerSource = (*Manager)(nil)

type fakeServerStore struct {
	mu   sync.Mutex
	rows map[string]*store.Server
}

func newFakeServerStore() *fakeServerStore {
	return &fakeServerStore{rows: make(map[string]*store.Server)}
}

func (f *fakeServerStore) Create(_ context.Context, s *store.Server) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.rows[s.ID] = &cp
	return nil
}

func (f *fakeServerStore) Get(_ context.Context, id string) (*store.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, apperr.NotFoundf("server %q not found", id)
	}
	cp := *row
	return &cp, nil
}

func (f *fakeServerStore) Update(_ context.Context, id string, patch store.ServerPatch) (*store.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, apperr.NotFoundf("server %q not found", id)
	}
	if patch.Name != nil {
		row.Name = *patch.Name
	}
	if patch.Command != nil {
		row.Command = *patch.Command
	}
	if patch.URL != nil {
		row.URL = *patch.URL
	}
	if patch.ToolPermissions != nil {
		row.ToolPermissions = patch.ToolPermissions
	}
	cp := *row
	return &cp, nil
}

func (f *fakeServerStore) UpdateStatus(_ context.Context, id string, status store.ServerStatus, lastError string, updatedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return apperr.NotFoundf("server %q not found", id)
	}
	row.Status = status
	row.LastError = lastError
	row.UpdatedAt = updatedAt
	return nil
}

func (f *fakeServerStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeServerStore) List(_ context.Context) ([]*store.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Server, 0, len(f.rows))
	for _, row := range f.rows {
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

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

// fakeProtocolClient stands in for *Client so tests never spawn a real
// subprocess/transport through mcp-go.
type fakeProtocolClient struct {
	mu          sync.Mutex
	connectErr  error
	pingErr     error
	tools       []catalog.RawTool
	connectCall int
	closed      bool
}

func (f *fakeProtocolClient) Connect(context.Context, string, []string, map[string]string, string, map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCall++
	return f.connectErr
}

func (f *fakeProtocolClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeProtocolClient) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeProtocolClient) ListTools(context.Context, time.Duration) ([]catalog.RawTool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools, nil
}

func (f *fakeProtocolClient) CallTool(_ context.Context, name string, args map[string]any, _ time.Duration) (*CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &CallResult{Text: "ok:" + name}, nil
}

func newTestManager() (*Manager, *fakeServerStore, *fakeAuditStore, *fakeProtocolClient) {
	st := newFakeServerStore()
	audit := &fakeAuditStore{}
	fc := &clock.Fixed{T: time.Unix(1_700_000_000, 0)}
	m := NewManager(st, audit, fc)

	fake := &fakeProtocolClient{tools: []catalog.RawTool{{Name: "read_file", Description: "reads a file"}}}
	m.dial = func(string, store.Transport) protocolClient { return fake }
	return m, st, audit, fake
}

func TestAdd_RejectsStdioWithoutCommand(t *testing.T) {
	m, _, _, _ := newTestManager()
	_, err := m.Add(context.Background(), store.Server{Name: "broken", Transport: store.TransportStdio})
	if err == nil {
		t.Fatal("expected validation error")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.Validation {
		t.Fatalf("expected validation kind, got %v", err)
	}
}

func TestAdd_RejectsSSEWithUnparseableURL(t *testing.T) {
	m, _, _, _ := newTestManager()
	_, err := m.Add(context.Background(), store.Server{Name: "broken", Transport: store.TransportSSE, URL: "not-a-url"})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestAdd_PersistsAndCachesStopped(t *testing.T) {
	m, st, _, _ := newTestManager()
	sv, err := m.Add(context.Background(), store.Server{Name: "github", Transport: store.TransportStdio, Command: "github-mcp"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if sv.Status != store.StatusStopped {
		t.Fatalf("expected new server stopped, got %s", sv.Status)
	}
	if _, err := st.Get(context.Background(), sv.ID); err != nil {
		t.Fatalf("expected row persisted: %v", err)
	}
}

func TestStart_TransitionsToRunningAndAudits(t *testing.T) {
	m, _, audit, fake := newTestManager()
	sv, _ := m.Add(context.Background(), store.Server{Name: "github", Transport: store.TransportStdio, Command: "github-mcp"})

	if err := m.Start(context.Background(), sv.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	got, _ := m.Get(context.Background(), sv.ID)
	if got.Status != store.StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
	if fake.connectCall != 1 {
		t.Fatalf("expected Connect called once, got %d", fake.connectCall)
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	found := false
	for _, e := range audit.events {
		if e.Type == "server.start" && e.Success {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a successful server.start audit event")
	}
}

func TestStart_FailsWhenConnectErrors(t *testing.T) {
	m, _, _, fake := newTestManager()
	fake.connectErr = errors.New("boom")
	sv, _ := m.Add(context.Background(), store.Server{Name: "flaky", Transport: store.TransportStdio, Command: "flaky-mcp"})

	if err := m.Start(context.Background(), sv.ID); err == nil {
		t.Fatal("expected start to fail")
	}
	got, _ := m.Get(context.Background(), sv.ID)
	if got.Status != store.StatusError {
		t.Fatalf("expected error status, got %s", got.Status)
	}
}

func TestStart_FailsAtMaxRunningCapacity(t *testing.T) {
	m, _, _, _ := newTestManager()
	ctx := context.Background()

	for i := 0; i < MaxRunning; i++ {
		sv, err := m.Add(ctx, store.Server{Name: idgen.New("name"), Transport: store.TransportStdio, Command: "cmd"})
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		if err := m.Start(ctx, sv.ID); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}

	sv, err := m.Add(ctx, store.Server{Name: "one-too-many", Transport: store.TransportStdio, Command: "cmd"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	err = m.Start(ctx, sv.ID)
	if err == nil {
		t.Fatal("expected capacity error")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.Capacity {
		t.Fatalf("expected capacity kind, got %v", err)
	}
}

func TestStop_TransitionsToStoppedAndDisconnects(t *testing.T) {
	m, _, audit, fake := newTestManager()
	ctx := context.Background()
	sv, _ := m.Add(ctx, store.Server{Name: "github", Transport: store.TransportStdio, Command: "github-mcp"})
	if err := m.Start(ctx, sv.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.Stop(ctx, sv.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got, _ := m.Get(ctx, sv.ID)
	if got.Status != store.StatusStopped {
		t.Fatalf("expected stopped, got %s", got.Status)
	}
	if !fake.closed {
		t.Fatal("expected Disconnect to have been called")
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	found := false
	for _, e := range audit.events {
		if e.Type == "server.stop" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a server.stop audit event")
	}
}

func TestStop_OnStoppedServerIsNoop(t *testing.T) {
	m, _, _, _ := newTestManager()
	ctx := context.Background()
	sv, _ := m.Add(ctx, store.Server{Name: "idle", Transport: store.TransportStdio, Command: "idle-mcp"})
	if err := m.Stop(ctx, sv.ID); err != nil {
		t.Fatalf("stop on never-started server should be a no-op, got: %v", err)
	}
}

func TestRestart_StopsThenStarts(t *testing.T) {
	m, _, _, fake := newTestManager()
	ctx := context.Background()
	sv, _ := m.Add(ctx, store.Server{Name: "github", Transport: store.TransportStdio, Command: "github-mcp"})
	if err := m.Start(ctx, sv.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.Restart(ctx, sv.ID); err != nil {
		t.Fatalf("restart: %v", err)
	}

	got, _ := m.Get(ctx, sv.ID)
	if got.Status != store.StatusRunning {
		t.Fatalf("expected running after restart, got %s", got.Status)
	}
	if fake.connectCall != 2 {
		t.Fatalf("expected Connect called twice (start, restart), got %d", fake.connectCall)
	}
}

func TestGetTools_RequiresRunning(t *testing.T) {
	m, _, _, _ := newTestManager()
	ctx := context.Background()
	sv, _ := m.Add(ctx, store.Server{Name: "github", Transport: store.TransportStdio, Command: "github-mcp"})

	if _, err := m.GetTools(ctx, sv.ID); err == nil {
		t.Fatal("expected error fetching tools from a stopped server")
	}

	if err := m.Start(ctx, sv.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	tools, err := m.GetTools(ctx, sv.ID)
	if err != nil {
		t.Fatalf("get tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "read_file" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestRemove_StopsRunningServerFirst(t *testing.T) {
	m, st, _, fake := newTestManager()
	ctx := context.Background()
	sv, _ := m.Add(ctx, store.Server{Name: "github", Transport: store.TransportStdio, Command: "github-mcp"})
	if err := m.Start(ctx, sv.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.Remove(ctx, sv.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !fake.closed {
		t.Fatal("expected remove to stop the running server first")
	}
	if _, err := st.Get(ctx, sv.ID); err == nil {
		t.Fatal("expected row deleted")
	}
	if _, err := m.Get(ctx, sv.ID); err == nil {
		t.Fatal("expected server evicted from cache")
	}
}

func TestUpdate_RejectsUnknownServer(t *testing.T) {
	m, _, _, _ := newTestManager()
	_, err := m.Update(context.Background(), "server-missing", store.ServerPatch{})
	if err == nil {
		t.Fatal("expected not_found")
	}
}

func TestServerSource_RunningServerIDsReflectsStartStop(t *testing.T) {
	m, _, _, _ := newTestManager()
	ctx := context.Background()
	sv, _ := m.Add(ctx, store.Server{Name: "github", Transport: store.TransportStdio, Command: "github-mcp"})

	ids, _ := m.RunningServerIDs(ctx)
	if len(ids) != 0 {
		t.Fatalf("expected no running servers yet, got %v", ids)
	}

	if err := m.Start(ctx, sv.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	ids, _ = m.RunningServerIDs(ctx)
	if len(ids) != 1 || ids[0] != sv.ID {
		t.Fatalf("expected [%s], got %v", sv.ID, ids)
	}

	if err := m.Stop(ctx, sv.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ids, _ = m.RunningServerIDs(ctx)
	if len(ids) != 0 {
		t.Fatalf("expected no running servers after stop, got %v", ids)
	}
}

func TestEvictIfNeeded_OnlyEvictsStoppedEntries(t *testing.T) {
	m, _, _, _ := newTestManager()
	ctx := context.Background()

	var runningID string
	for i := 0; i <= MaxServers; i++ {
		sv, err := m.Add(ctx, store.Server{Name: idgen.New("name"), Transport: store.TransportStdio, Command: "cmd"})
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		if i == 0 {
			if err := m.Start(ctx, sv.ID); err != nil {
				t.Fatalf("start: %v", err)
			}
			runningID = sv.ID
		}
	}

	// Plain Add (no Start) must itself trigger eviction once the cap is
	// crossed, not just Start — otherwise adding MaxServers+1 never-started
	// servers would leave the cache unbounded.
	m.mu.RLock()
	count := len(m.entries)
	m.mu.RUnlock()
	if count != MaxServers {
		t.Fatalf("expected the cache to stay capped at %d entries after plain Add, got %d", MaxServers, count)
	}

	if _, err := m.Get(ctx, runningID); err != nil {
		t.Fatalf("expected the running entry to survive eviction: %v", err)
	}
}

func TestGet_CacheMissRehydratesFromStoreAndEvicts(t *testing.T) {
	m, _, _, _ := newTestManager()
	ctx := context.Background()

	var firstID string
	for i := 0; i < MaxServers; i++ {
		sv, err := m.Add(ctx, store.Server{Name: idgen.New("name"), Transport: store.TransportStdio, Command: "cmd"})
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		if i == 0 {
			firstID = sv.ID
		}
	}

	m.mu.Lock()
	delete(m.entries, firstID)
	m.lru.Remove(firstID)
	m.mu.Unlock()

	sv, err := m.Add(ctx, store.Server{Name: idgen.New("name"), Transport: store.TransportStdio, Command: "cmd"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := m.Get(ctx, firstID)
	if err != nil {
		t.Fatalf("expected a store fallback to re-hydrate the evicted-but-persisted row: %v", err)
	}
	if got.ID != firstID {
		t.Fatalf("expected the rehydrated row to match %q, got %q", firstID, got.ID)
	}

	m.mu.RLock()
	_, stillCached := m.entries[sv.ID]
	count := len(m.entries)
	m.mu.RUnlock()
	if count != MaxServers {
		t.Fatalf("expected the cache to remain capped at %d after rehydration, got %d", MaxServers, count)
	}
	if !stillCached {
		t.Fatalf("expected the most recently added entry to still be cached; rehydration should have evicted an older stopped entry instead")
	}
}
