// Package policy implements the Policy Engine (spec §4.4): scoped,
// priority-ordered glob-matched decisions with conditional predicates and
// field-level redaction.
package policy

import (
	"context"
	"sort"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/clock"
	"github.com/mcp-router/gateway/internal/idgen"
	"github.com/mcp-router/gateway/internal/store"
)

// Decision is the engine's evaluate() result.
type Decision struct {
	Action       store.PolicyAction
	RuleID       string
	RuleName     string
	Reason       string
	RedactFields []string
}

// Engine evaluates contexts against the PolicyStore's rule set.
type Engine struct {
	store store.PolicyStore
	clock clock.Clock
}

func NewEngine(s store.PolicyStore, c clock.Clock) *Engine {
	return &Engine{store: s, clock: c}
}

func specificity(scope store.PolicyScope) int {
	switch scope {
	case store.ScopeClient:
		return 3
	case store.ScopeServer, store.ScopeWorkspace:
		return 2
	case store.ScopeGlobal:
		return 1
	default:
		return 0
	}
}

// scopeMatches implements spec §4.4 step 1: global always applies; client/
// server/workspace apply only when scopeId matches the corresponding
// context id.
func scopeMatches(rule *store.PolicyRule, ctx EvalContext) bool {
	switch rule.Scope {
	case store.ScopeGlobal:
		return true
	case store.ScopeClient:
		return rule.ScopeID == ctx.ClientID
	case store.ScopeServer:
		return rule.ScopeID == ctx.ServerID
	case store.ScopeWorkspace:
		return rule.ScopeID == ctx.WorkspaceID
	default:
		return false
	}
}

// Evaluate runs spec §4.4's full algorithm and returns the winning decision.
func (e *Engine) Evaluate(ctx context.Context, ec EvalContext) (Decision, error) {
	rules, err := e.store.List(ctx, nil, nil)
	if err != nil {
		return Decision{}, apperr.Internalf("list policy rules: %v", err)
	}

	var candidates []*store.PolicyRule
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if !scopeMatches(r, ec) {
			continue
		}
		if r.ResourceType != ec.ResourceType {
			continue
		}
		if !matchPattern(r.Pattern, ec.ResourceName) {
			continue
		}
		if !evalConditions(ec, r.Conditions) {
			continue
		}
		candidates = append(candidates, r)
	}

	if len(candidates) == 0 {
		return Decision{Action: store.ActionAllow, Reason: "default"}, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := specificity(candidates[i].Scope), specificity(candidates[j].Scope)
		if si != sj {
			return si > sj
		}
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt > candidates[j].CreatedAt
	})

	top := candidates[0]
	return Decision{
		Action:       top.Action,
		RuleID:       top.ID,
		RuleName:     top.Name,
		Reason:       top.Name,
		RedactFields: top.RedactFields,
	}, nil
}

// Add, Update, Delete, List, Get are the CRUD surface (spec §4.4).
func (e *Engine) Add(ctx context.Context, p *store.PolicyRule) (*store.PolicyRule, error) {
	p.ID = idgen.New("policy")
	p.CreatedAt = e.clock.Now().UnixMilli()
	if err := e.store.Create(ctx, p); err != nil {
		return nil, apperr.Internalf("create policy: %v", err)
	}
	return p, nil
}

func (e *Engine) Update(ctx context.Context, id string, patch store.PolicyPatch) (*store.PolicyRule, error) {
	p, err := e.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}

func (e *Engine) Get(ctx context.Context, id string) (*store.PolicyRule, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) List(ctx context.Context, scope *store.PolicyScope, scopeID *string) ([]*store.PolicyRule, error) {
	return e.store.List(ctx, scope, scopeID)
}
