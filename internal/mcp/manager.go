package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	shellwords "github.com/mattn/go-shellwords"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/catalog"
	"github.com/mcp-router/gateway/internal/clock"
	"github.com/mcp-router/gateway/internal/idgen"
	"github.com/mcp-router/gateway/internal/store"
)

// Limits and timings (spec §4.1).
const (
	MaxServers  = 100
	MaxRunning  = 20
	StopTimeout = 5 * time.Second

	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10

	diagRingSize = 64
)

// entry is the Server Manager's in-memory handle for one configured server:
// its persisted row, live client, lifecycle goroutine, and diagnostics.
// Grounded on manager.go's serverState, generalized with a per-entry mutex
// (opMu) so start/stop/restart against the same id are never interleaved
// (spec §4.1 restart: "monotone sequence, never interleaved").
type entry struct {
	opMu sync.Mutex // serializes start/stop/restart for this id

	mu        sync.Mutex // guards the fields below
	row       store.Server
	client    protocolClient
	cancel    context.CancelFunc // stops the health-check goroutine
	reconnN   int
	diag      *ringBuffer
	connected bool
}

func (e *entry) snapshot() store.Server {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.row
}

// ringBuffer tees the last N diagnostic lines for a server. mcp-go owns the
// child process's stdio pipes internally (its stdio transport constructs
// and manages the subprocess itself), so the router cannot tee raw
// stdout/stderr bytes the way a hand-rolled exec.Cmd wrapper could; instead
// this records structured lifecycle lines (connect attempts, health
// failures, reconnect backoff, exit reasons) — the diagnostic signal
// spec §4.1 actually cares about ("tee last-N lines... for diagnostics").
// Grounded on docker.go's limitedBuffer, adapted from a byte-capped buffer
// to a fixed-size line ring.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newRingBuffer(n int) *ringBuffer {
	return &ringBuffer{lines: make([]string, n)}
}

func (r *ringBuffer) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ringBuffer) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// Manager is the Server Manager (spec §4.1): the authoritative in-memory
// view of every configured MCP server, bounded by a conditional-eviction
// LRU, backed by persisted Server rows as the source of truth at startup.
type Manager struct {
	store store.ServerStore
	audit store.AuditStore
	clock clock.Clock

	mu      sync.RWMutex
	entries map[string]*entry
	lru     *simplelru.LRU[string, struct{}]
	running map[string]struct{}

	// dial constructs the protocol client for a server; overridden in tests
	// to avoid spawning real subprocesses/transports through mcp-go.
	dial func(serverID string, transport store.Transport) protocolClient

	publisher Publisher
}

// Publisher is the UI event bus's producer seam (spec §8's
// "server.status-changed"); internal/eventbus.Hub satisfies this without
// this package importing it. A Manager with no publisher set is a no-op.
type Publisher interface {
	Publish(event string, payload any)
}

// SetPublisher wires the UI event bus after construction, since the
// composition root builds the Hub and the Manager in either order.
func (m *Manager) SetPublisher(pub Publisher) { m.publisher = pub }

// NewManager constructs a Manager with an empty in-memory view; callers
// call LoadAll to hydrate from the persisted rows at startup.
func NewManager(st store.ServerStore, audit store.AuditStore, c clock.Clock) *Manager {
	// Sized generously (math.MaxInt32) rather than MaxServers: eviction is
	// conditional ("only evict stopped entries... skip eviction entirely if
	// every entry is running", spec §4.1), which simplelru's built-in
	// capacity callback cannot express, so capacity-triggered auto-eviction
	// is disabled and the bounded check runs explicitly after each insert
	// (see evictIfNeeded). SPEC_FULL §11.7.
	lru, _ := simplelru.NewLRU[string, struct{}](math.MaxInt32, nil)
	return &Manager{
		store:   st,
		audit:   audit,
		clock:   c,
		entries: make(map[string]*entry),
		lru:     lru,
		running: make(map[string]struct{}),
		dial: func(serverID string, transport store.Transport) protocolClient {
			return NewClient(serverID, transport)
		},
	}
}

// LoadAll hydrates the in-memory cache from every persisted Server row.
// Running rows left over from a previous process are loaded as stopped —
// no subprocess survives a restart of the router itself.
func (m *Manager) LoadAll(ctx context.Context) error {
	rows, err := m.store.List(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "load servers")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		row.Status = store.StatusStopped
		e := &entry{row: *row, diag: newRingBuffer(diagRingSize)}
		m.entries[row.ID] = e
		m.lru.Add(row.ID, struct{}{})
	}
	return nil
}

func (m *Manager) nowMs() int64 { return m.clock.Now().UnixMilli() }

func (m *Manager) recordAudit(ctx context.Context, eventType, serverID string, success bool, meta map[string]any) {
	_ = m.audit.Create(ctx, &store.AuditEvent{
		ID:        idgen.New("audit"),
		Type:      eventType,
		ServerID:  serverID,
		Success:   success,
		Metadata:  meta,
		Timestamp: m.nowMs(),
	})
}

// Add validates and persists a new Server, then inserts it into the cache
// (spec §4.1 add).
func (m *Manager) Add(ctx context.Context, cfg store.Server) (*store.Server, error) {
	if err := validateServerConfig(cfg); err != nil {
		return nil, err
	}

	now := m.nowMs()
	row := store.Server{
		ID:              idgen.New("server"),
		Name:            cfg.Name,
		Transport:       cfg.Transport,
		Command:         cfg.Command,
		Args:            cfg.Args,
		Env:             cfg.Env,
		URL:             cfg.URL,
		ProjectID:       cfg.ProjectID,
		Status:          store.StatusStopped,
		ToolPermissions: cfg.ToolPermissions,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.Create(ctx, &row); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "persist server")
	}

	m.mu.Lock()
	m.entries[row.ID] = &entry{row: row, diag: newRingBuffer(diagRingSize)}
	m.lru.Add(row.ID, struct{}{})
	m.mu.Unlock()

	m.evictIfNeeded()

	cp := row
	return &cp, nil
}

func validateServerConfig(cfg store.Server) error {
	switch cfg.Transport {
	case store.TransportStdio:
		if strings.TrimSpace(cfg.Command) == "" {
			return apperr.Validationf("stdio server requires a non-empty command")
		}
	case store.TransportSSE, store.TransportHTTP:
		if _, err := parseURL(cfg.URL); err != nil {
			return apperr.Validationf("%s server requires a parseable url: %v", cfg.Transport, err)
		}
	default:
		return apperr.Validationf("unsupported transport %q", cfg.Transport)
	}
	return nil
}

// Update disallows patching id/createdAt/status (spec §4.1 update).
func (m *Manager) Update(ctx context.Context, id string, patch store.ServerPatch) (*store.Server, error) {
	e := m.touch(id)
	if e == nil {
		return nil, apperr.NotFoundf("server %q not found", id)
	}

	row, err := m.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	row.UpdatedAt = m.nowMs()

	e.mu.Lock()
	status := e.row.Status
	row.Status = status
	e.row = *row
	e.mu.Unlock()

	cp := *row
	return &cp, nil
}

// Remove stops the server if running, then deletes its row and evicts it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return apperr.NotFoundf("server %q not found", id)
	}

	if e.snapshot().Status == store.StatusRunning {
		if err := m.Stop(ctx, id); err != nil {
			return err
		}
	}

	if err := m.store.Delete(ctx, id); err != nil {
		return apperr.Wrap(apperr.Internal, err, "delete server")
	}

	m.mu.Lock()
	delete(m.entries, id)
	delete(m.running, id)
	m.lru.Remove(id)
	m.mu.Unlock()
	return nil
}

// touch records an access for LRU recency purposes (spec §4.1: "an access
// is any get/update/getTools") and returns the entry, or nil if unknown.
func (m *Manager) touch(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	m.lru.Get(id) // bump recency
	return e
}

// Get returns a snapshot of one server's persisted view. On a cache miss —
// the row was evicted from the in-memory LRU but is still persisted — it
// re-reads the row from the store and reinserts it (spec §4.1: persistent
// rows are the source of truth; the in-memory map is a bounded LRU cache
// over them), which may in turn evict the current oldest stopped entry.
func (m *Manager) Get(ctx context.Context, id string) (*store.Server, error) {
	if e := m.touch(id); e != nil {
		row := e.snapshot()
		return &row, nil
	}

	row, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, apperr.NotFoundf("server %q not found", id)
	}

	m.mu.Lock()
	m.entries[id] = &entry{row: *row, diag: newRingBuffer(diagRingSize)}
	m.lru.Add(id, struct{}{})
	m.mu.Unlock()

	m.evictIfNeeded()

	cp := *row
	return &cp, nil
}

// List returns every known server's persisted view.
func (m *Manager) List(_ context.Context) []store.Server {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.Server, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.snapshot())
	}
	return out
}

func (m *Manager) setStatus(ctx context.Context, e *entry, status store.ServerStatus, lastErr string) {
	now := m.nowMs()
	if err := m.store.UpdateStatus(ctx, e.snapshot().ID, status, lastErr, now); err != nil {
		slog.Warn("mcp.server.persist_status_failed", "error", err)
	}
	e.mu.Lock()
	e.row.Status = status
	e.row.LastError = lastErr
	e.row.UpdatedAt = now
	row := e.row
	e.mu.Unlock()

	if m.publisher != nil {
		m.publisher.Publish("server.status-changed", row)
	}
}

// Start transitions stopped→starting→running, connecting the MCP client
// for the configured transport (spec §4.1 start).
func (m *Manager) Start(ctx context.Context, id string) error {
	e := m.touch(id)
	if e == nil {
		return apperr.NotFoundf("server %q not found", id)
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	row := e.snapshot()
	if row.Status == store.StatusRunning {
		return nil
	}

	m.mu.Lock()
	if len(m.running) >= MaxRunning {
		m.mu.Unlock()
		return apperr.Capacityf("server manager at MAX_RUNNING=%d", MaxRunning)
	}
	m.mu.Unlock()

	m.setStatus(ctx, e, store.StatusStarting, "")
	e.diag.Add("starting")

	command, args := row.Command, row.Args
	if row.Transport == store.TransportStdio && len(args) == 0 {
		parsed, err := shellwords.Parse(command)
		if err == nil && len(parsed) > 0 {
			command, args = parsed[0], parsed[1:]
		}
	}

	client := m.dial(row.ID, row.Transport)
	if err := client.Connect(ctx, command, args, row.Env, row.URL, nil); err != nil {
		m.setStatus(ctx, e, store.StatusError, err.Error())
		e.diag.Add("connect failed: " + err.Error())
		m.recordAudit(ctx, "server.start", row.ID, false, map[string]any{"error": err.Error()})
		return err
	}

	hctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.client = client
	e.cancel = cancel
	e.connected = true
	e.reconnN = 0
	e.mu.Unlock()

	m.mu.Lock()
	m.running[row.ID] = struct{}{}
	m.mu.Unlock()

	m.setStatus(ctx, e, store.StatusRunning, "")
	e.diag.Add("running")
	m.recordAudit(ctx, "server.start", row.ID, true, nil)

	go m.healthLoop(hctx, e)

	m.evictIfNeeded()
	return nil
}

// Stop transitions running→stopping→stopped, requesting a graceful
// disconnect and waiting up to StopTimeout for it (spec §4.1 stop). Past
// StopTimeout it records a diagnostic line and marks the server stopped
// while that Disconnect call is still running; no separate kill of the
// child process is issued.
func (m *Manager) Stop(ctx context.Context, id string) error {
	e := m.touch(id)
	if e == nil {
		return apperr.NotFoundf("server %q not found", id)
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	row := e.snapshot()
	if row.Status != store.StatusRunning && row.Status != store.StatusError {
		return nil
	}

	m.setStatus(ctx, e, store.StatusStopping, "")
	e.diag.Add("stopping")

	e.mu.Lock()
	client := e.client
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel() // stop the health-check goroutine first
	}

	if client != nil {
		done := make(chan error, 1)
		go func() { done <- client.Disconnect() }()

		select {
		case <-done:
		case <-time.After(StopTimeout):
			// The Disconnect goroutine keeps running; the router never
			// holds the *exec.Cmd itself, so nothing further is done to
			// the child process here.
			e.diag.Add(fmt.Sprintf("stop exceeded %s, forcing close", StopTimeout))
		}
	}

	e.mu.Lock()
	e.client = nil
	e.connected = false
	e.cancel = nil
	e.mu.Unlock()

	m.mu.Lock()
	delete(m.running, row.ID)
	m.mu.Unlock()

	m.setStatus(ctx, e, store.StatusStopped, "")
	e.diag.Add("stopped")
	m.recordAudit(ctx, "server.stop", row.ID, true, nil)
	return nil
}

// Restart is stop-then-start; entry.opMu (held across both by each call in
// turn, never simultaneously) guarantees the sequence is never interleaved
// with a concurrent start/stop/restart for the same id (spec §4.1, §5).
func (m *Manager) Restart(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	return m.Start(ctx, id)
}

// GetTools requires running and delegates to the server's MCP client
// (spec §4.1 getTools).
func (m *Manager) GetTools(ctx context.Context, id string) ([]catalog.RawTool, error) {
	e := m.touch(id)
	if e == nil {
		return nil, apperr.NotFoundf("server %q not found", id)
	}
	e.mu.Lock()
	client := e.client
	connected := e.connected
	e.mu.Unlock()
	if !connected || client == nil {
		return nil, apperr.Transportf("server %q is not running", id)
	}
	return client.ListTools(ctx, 0)
}

// CallTool dispatches a tool call to the running server's connected client
// (spec §4.9 step 7: "ServerManager.getTools(serverId) validates the tool
// still exists; then the per-server MCP client calls the tool"). The
// pipeline is responsible for the getTools existence check; CallTool itself
// only requires the server to currently be connected.
func (m *Manager) CallTool(ctx context.Context, id, name string, args map[string]any, timeout time.Duration) (*CallResult, error) {
	e := m.touch(id)
	if e == nil {
		return nil, apperr.NotFoundf("server %q not found", id)
	}
	e.mu.Lock()
	client := e.client
	connected := e.connected
	e.mu.Unlock()
	if !connected || client == nil {
		return nil, apperr.Transportf("server %q is not running", id)
	}
	return client.CallTool(ctx, name, args, timeout)
}

// evictIfNeeded implements spec §4.1's conditional LRU eviction: above
// MaxServers, walk recency order oldest-first and evict the first stopped
// entry; if every entry is running, skip eviction entirely rather than
// refuse the insert.
func (m *Manager) evictIfNeeded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lru.Len() <= MaxServers {
		return
	}
	for _, id := range m.lru.Keys() {
		e, ok := m.entries[id]
		if !ok {
			continue
		}
		if e.snapshot().Status == store.StatusStopped {
			m.lru.Remove(id)
			delete(m.entries, id)
			return
		}
	}
	// every entry running: cap is a soft target, not enforced by refusal.
}

// healthLoop periodically pings the server and attempts reconnection on
// failure with exponential backoff, exactly mirroring manager.go's
// healthLoop/tryReconnect shape.
func (m *Manager) healthLoop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			client := e.client
			e.mu.Unlock()
			if client == nil {
				return
			}

			if err := client.Ping(ctx); err != nil {
				e.mu.Lock()
				e.connected = false
				e.mu.Unlock()
				e.diag.Add("health check failed: " + err.Error())
				slog.Warn("mcp.server.health_failed", "server", e.snapshot().ID, "error", err)
				m.tryReconnect(ctx, e, client)
			} else {
				e.mu.Lock()
				e.connected = true
				e.reconnN = 0
				e.mu.Unlock()
			}
		}
	}
}

func (m *Manager) tryReconnect(ctx context.Context, e *entry, client protocolClient) {
	e.mu.Lock()
	if e.reconnN >= maxReconnectAttempts {
		e.mu.Unlock()
		e.diag.Add(fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts))
		slog.Error("mcp.server.reconnect_exhausted", "server", e.snapshot().ID)
		return
	}
	e.reconnN++
	attempt := e.reconnN
	e.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	e.diag.Add(fmt.Sprintf("reconnecting, attempt %d, backoff %s", attempt, backoff))

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := client.Ping(ctx); err == nil {
		e.mu.Lock()
		e.connected = true
		e.reconnN = 0
		e.mu.Unlock()
		e.diag.Add("reconnected")
	}
}

// Diagnostics returns the tail of diagnostic lines recorded for id.
func (m *Manager) Diagnostics(id string) []string {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.diag.Lines()
}

// --- catalog.ServerSource ---
//
// Manager implements internal/catalog's ServerSource interface directly so
// the Tool Catalog can refresh against it without either package importing
// the other's concrete type.

func (m *Manager) RunningServerIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Manager) ServerName(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return "", apperr.NotFoundf("server %q not found", id)
	}
	return e.snapshot().Name, nil
}

func (m *Manager) ListTools(ctx context.Context, id string) ([]catalog.RawTool, error) {
	return m.GetTools(ctx, id)
}

func (m *Manager) ToolPermissions(_ context.Context, id string) (map[string]bool, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFoundf("server %q not found", id)
	}
	return e.snapshot().ToolPermissions, nil
}

// parseURL validates url is parseable without pulling net/url into the
// exported surface; validateServerConfig is the only caller.
func parseURL(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("empty url")
	}
	if !strings.Contains(raw, "://") {
		return "", fmt.Errorf("missing scheme")
	}
	return raw, nil
}

// commandExists reports whether name resolves on PATH.
func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
