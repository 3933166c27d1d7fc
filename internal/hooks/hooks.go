// Package hooks implements the request pipeline's beforeToolCall/
// afterToolCall hook sandbox (spec §4.9 step 6/9, redesign note in §9): a
// restricted expression evaluator in place of a dynamic-code sandbox, so a
// hook has no filesystem, network, or host handles and no way to reach for
// reflection or dynamic loading — the restriction is structural (the
// language itself cannot express those things), not policed at runtime.
//
// A hook is registered with a google/cel-go expression compiled once,
// against a declared environment exposing only a `payload` map and CEL's
// built-in string/number/date/JSON-safe operators. Compilation failure
// rejects registration (spec: "a hook that fails validation is rejected at
// registration"); a runtime failure is logged and the pipeline continues
// (spec: "at runtime, failures are logged, never abort the pipeline").
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/clock"
	"github.com/mcp-router/gateway/internal/idgen"
)

var reflectMapType = reflect.TypeOf(map[string]any{})

// Event identifies which pipeline stage a hook fires on.
type Event string

const (
	BeforeToolCall Event = "beforeToolCall"
	AfterToolCall  Event = "afterToolCall"
)

// DefaultBudget is spec §4.9's "bounded CPU/wall-time budget (default 5s)".
const DefaultBudget = 5 * time.Second

// evalCostLimit approximates the wall-time cap as a CEL evaluation-cost
// ceiling; real elapsed time (via context, see Run) is the backstop that
// actually enforces the 5s budget, since cost units don't map 1:1 to wall
// clock for every expression shape.
const evalCostLimit = 1_000_000

// Hook is one compiled, registered expression. ProjectID/ServerID empty
// means "matches any" for that dimension, per spec §4.9's "matching
// (projectId, serverId)".
type Hook struct {
	ID         string
	Event      Event
	ProjectID  string
	ServerID   string
	Expression string
	CreatedAt  int64

	program cel.Program
}

// Result is what a hook run yields. CanModify mirrors spec §4.9's "a
// successful hook that declares canModify may substitute arguments; others
// are advisory." Err is non-nil only when the hook itself failed
// (compile-time errors are rejected at Register, not here); callers log it
// and proceed, never treating it as pipeline failure.
type Result struct {
	CanModify bool
	Payload   map[string]any
	Err       error
}

// Registry holds the set of registered hooks and the restricted CEL
// environment they all compile against.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]*Hook
	env   *cel.Env
	clock clock.Clock
	log   *slog.Logger
}

// NewRegistry builds the restricted environment: one declared variable,
// `payload`, typed as a dynamic map. No functions beyond CEL's own standard
// library are declared, so a hook can reach arithmetic, string ops,
// timestamps/durations, and JSON-shaped map/list literals, but never a host
// function, file, or network call — those simply don't exist in the
// environment.
func NewRegistry(c clock.Clock, log *slog.Logger) (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("hooks: building cel environment: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		hooks: make(map[string]*Hook),
		env:   env,
		clock: c,
		log:   log,
	}, nil
}

// Register compiles expression against the restricted environment and, on
// success, adds the hook. Compilation or type-check failure returns a
// validation error and the hook is never stored — spec §4.9's "rejected at
// registration."
func (r *Registry) Register(event Event, projectID, serverID, expression string) (*Hook, error) {
	if event != BeforeToolCall && event != AfterToolCall {
		return nil, apperr.Validationf("hooks: unknown event %q", event)
	}
	ast, iss := r.env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, apperr.Validationf("hooks: expression does not compile: %v", iss.Err())
	}
	prg, err := r.env.Program(ast, cel.CostLimit(evalCostLimit))
	if err != nil {
		return nil, apperr.Validationf("hooks: building program: %v", err)
	}

	h := &Hook{
		ID:         idgen.New("hook"),
		Event:      event,
		ProjectID:  projectID,
		ServerID:   serverID,
		Expression: expression,
		CreatedAt:  r.clock.Now().UnixMilli(),
		program:    prg,
	}

	r.mu.Lock()
	r.hooks[h.ID] = h
	r.mu.Unlock()
	return h, nil
}

// Remove deletes a registered hook. A no-op if id is unknown, matching the
// other registries' idempotent-delete convention.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hooks, id)
}

// List returns the registered hooks, for inspection endpoints.
func (r *Registry) List() []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		out = append(out, *h)
	}
	return out
}

func (r *Registry) matching(event Event, projectID, serverID string) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Hook
	for _, h := range r.hooks {
		if h.Event != event {
			continue
		}
		if h.ProjectID != "" && h.ProjectID != projectID {
			continue
		}
		if h.ServerID != "" && h.ServerID != serverID {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Run evaluates every hook registered for (event, projectID, serverID)
// against payload. Matching hooks are collected from the registry's map, so
// the order they run in is not defined. Each run is bounded by budget
// (falling back to DefaultBudget); a hook that times out, errors, or whose
// result isn't a map is logged and skipped — it never aborts the caller's
// pipeline (spec §4.9). The first hook result with CanModify set, in that
// run order, is returned for the caller to splice in; later hooks still run
// (for their side-effect-free advisory value) but cannot override it. When
// several matching hooks set CanModify, which one wins is not defined.
func (r *Registry) Run(ctx context.Context, event Event, projectID, serverID string, payload map[string]any, budget time.Duration) Result {
	if budget <= 0 {
		budget = DefaultBudget
	}
	matched := r.matching(event, projectID, serverID)

	var final Result
	for _, h := range matched {
		res := r.runOne(ctx, h, payload, budget)
		if res.Err != nil {
			r.log.Warn("hook run failed, continuing pipeline",
				"hookId", h.ID, "event", string(event), "err", res.Err)
			continue
		}
		if res.CanModify && !final.CanModify {
			final = res
		}
	}
	return final
}

func (r *Registry) runOne(ctx context.Context, h *Hook, payload map[string]any, budget time.Duration) Result {
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type outcome struct {
		val ref.Val
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		val, _, err := h.program.ContextEval(runCtx, map[string]any{"payload": payload})
		done <- outcome{val, err}
	}()

	select {
	case <-runCtx.Done():
		return Result{Err: fmt.Errorf("hook %s exceeded %s budget", h.ID, budget)}
	case o := <-done:
		if o.err != nil {
			return Result{Err: o.err}
		}
		return decodeResult(o.val)
	}
}

// decodeResult interprets a hook's CEL output. A map result with
// canModify==true and an arguments field substitutes the payload; anything
// else (bool, plain map without canModify, etc.) is advisory-only.
func decodeResult(val ref.Val) Result {
	m, ok := val.(traits.Mapper)
	if !ok {
		return Result{}
	}
	canModifyVal, found := m.Find(types.String("canModify"))
	if !found {
		return Result{}
	}
	canModify, ok := canModifyVal.(types.Bool)
	if !ok || !bool(canModify) {
		return Result{}
	}
	argsVal, found := m.Find(types.String("arguments"))
	if !found {
		return Result{CanModify: true}
	}
	native, err := argsVal.ConvertToNative(reflectMapType)
	if err != nil {
		return Result{Err: fmt.Errorf("hook declared canModify but arguments did not convert: %w", err)}
	}
	args, ok := native.(map[string]any)
	if !ok {
		return Result{CanModify: true}
	}
	return Result{CanModify: true, Payload: args}
}
