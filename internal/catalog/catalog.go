// Package catalog implements the Tool Catalog + BM25 Search (spec §4.3): a
// 60s-TTL aggregated view of every running server's tools, name-mangled
// into a flat exposed namespace, plus a full-text search index rebuilt
// alongside the view.
package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/clock"
)

// TTL is the cache freshness window (spec §4.3).
const TTL = 60 * time.Second

// DefaultSearchLimit is the hard cap on search results (spec §4.3).
const DefaultSearchLimit = 20

// RawTool is what a server's listTools call returns before catalog mangling.
type RawTool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Tool is the catalog view (spec §3 "Tool (Catalog view)").
type Tool struct {
	ServerID     string         `json:"serverId"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	ExposedName  string         `json:"exposedName"`
	Enabled      bool           `json:"enabled"`
	RiskLevel    RiskLevel      `json:"riskLevel"`
	UsageCount   int64          `json:"usageCount"`
}

// ServerSource is the catalog's view into the Server Manager: which
// servers are currently running, their display names (for slugging), and
// their tool lists. The catalog depends on this narrow interface instead of
// importing the Server Manager package directly, so internal/mcp can depend
// on internal/catalog (for exposed-name resolution during dispatch) without
// a cycle.
type ServerSource interface {
	RunningServerIDs(ctx context.Context) ([]string, error)
	ServerName(ctx context.Context, serverID string) (string, error)
	ListTools(ctx context.Context, serverID string) ([]RawTool, error)
	// ToolPermissions reports the server's toolName→enabled overrides
	// (spec §3 "Server.toolPermissions"); absent entries default enabled.
	ToolPermissions(ctx context.Context, serverID string) (map[string]bool, error)
}

// Catalog is the aggregated, TTL-cached tool view plus its search index.
type Catalog struct {
	source ServerSource
	clock  clock.Clock

	mu          sync.RWMutex
	lastRefresh time.Time
	byServer    map[string][]Tool
	byExposed   map[string]*Tool
	index       *Index
	usageCounts map[string]int64
}

func New(source ServerSource, c clock.Clock) *Catalog {
	return &Catalog{
		source:      source,
		clock:       c,
		byServer:    make(map[string][]Tool),
		byExposed:   make(map[string]*Tool),
		usageCounts: make(map[string]int64),
	}
}

func (c *Catalog) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh.IsZero() || c.clock.Now().Sub(c.lastRefresh) >= TTL
}

// ensureFresh refreshes the view if the TTL has elapsed.
func (c *Catalog) ensureFresh(ctx context.Context) error {
	if !c.stale() {
		return nil
	}
	return c.Refresh(ctx)
}

// Refresh unconditionally rebuilds the catalog from every running server.
func (c *Catalog) Refresh(ctx context.Context) error {
	serverIDs, err := c.source.RunningServerIDs(ctx)
	if err != nil {
		return apperr.Transportf("list running servers: %v", err)
	}

	byServer := make(map[string][]Tool, len(serverIDs))
	byExposed := make(map[string]*Tool)
	var entries []IndexEntry

	for _, serverID := range serverIDs {
		name, err := c.source.ServerName(ctx, serverID)
		if err != nil {
			continue
		}
		perms, err := c.source.ToolPermissions(ctx, serverID)
		if err != nil {
			perms = nil
		}
		raw, err := c.source.ListTools(ctx, serverID)
		if err != nil {
			continue // one unreachable server doesn't fail the whole refresh
		}

		slug := Slug(name)
		tools := make([]Tool, 0, len(raw))
		for _, rt := range raw {
			exposed := ExposedName(slug, rt.Name)
			enabled := true
			if perms != nil {
				if v, ok := perms[rt.Name]; ok {
					enabled = v
				}
			}
			t := Tool{
				ServerID:    serverID,
				Name:        rt.Name,
				Description: rt.Description,
				InputSchema: rt.InputSchema,
				ExposedName: exposed,
				Enabled:     enabled,
				RiskLevel:   DeriveRiskLevel(rt.Name),
			}
			tools = append(tools, t)
			entries = append(entries, IndexEntry{DocID: exposed, Name: rt.Name, Description: rt.Description, ServerID: serverID})
		}
		byServer[serverID] = tools
		for i := range tools {
			byExposed[tools[i].ExposedName] = &tools[i]
		}
	}

	idx := NewIndex(entries)

	c.mu.Lock()
	for exposed, t := range byExposed {
		t.UsageCount = c.usageCounts[exposed]
	}
	c.byServer = byServer
	c.byExposed = byExposed
	c.index = idx
	c.lastRefresh = c.clock.Now()
	c.mu.Unlock()
	return nil
}

// List returns every tool across every running server, refreshing first if
// the TTL has elapsed.
func (c *Catalog) List(ctx context.Context) ([]Tool, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, 0, len(c.byExposed))
	for _, serverID := range sortedKeys(c.byServer) {
		out = append(out, c.byServer[serverID]...)
	}
	return out, nil
}

func sortedKeys(m map[string][]Tool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get resolves one exposed name to its Tool, refreshing first if stale.
func (c *Catalog) Get(ctx context.Context, exposedName string) (*Tool, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byExposed[exposedName]
	if !ok {
		return nil, apperr.NotFoundf("tool %q not found", exposedName)
	}
	cp := *t
	return &cp, nil
}

// RecordUsage increments a tool's usageCount; called by the Request
// Pipeline after a successful dispatch.
func (c *Catalog) RecordUsage(exposedName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usageCounts[exposedName]++
	if t, ok := c.byExposed[exposedName]; ok {
		t.UsageCount = c.usageCounts[exposedName]
	}
}

// SearchResult pairs a Tool with its BM25 score.
type SearchResult struct {
	Tool  Tool
	Score float64
}

// Search runs the BM25 query and sorts by score desc, tie-broken by exposed
// name lex (spec §4.3), hard-capped at limit (0 uses DefaultSearchLimit).
func (c *Catalog) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	c.mu.RLock()
	idx := c.index
	byExposed := c.byExposed
	c.mu.RUnlock()

	if idx == nil {
		return nil, nil
	}

	// Over-fetch from the index itself unbounded, then apply the
	// spec's tie-break (exposed name lex) across equal scores before
	// truncating — the index only breaks ties by docID, which happens to
	// equal exposed name here, so no second pass is actually needed, but
	// the result is re-sorted explicitly to keep that invariant visible
	// rather than implicit in the index's internals.
	hits := idx.Search(query, 0)

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		t, ok := byExposed[h.DocID]
		if !ok {
			continue
		}
		results = append(results, SearchResult{Tool: *t, Score: h.Score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Tool.ExposedName < results[j].Tool.ExposedName
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
