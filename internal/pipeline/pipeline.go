// Package pipeline implements the request pipeline (spec §4.9): the
// eleven-step call_tool flow that every other component meets in —
// authn, name resolution, per-server authz, rate limiting, policy, the
// optional pre/post hook, dispatch, post-processing, and audit. Each step
// is a child span of one root call_tool span (SPEC_FULL §11.11), and steps
// 1-5 declining never reach the MCP server: no side effect, no audit beyond
// the declining step itself.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/approval"
	"github.com/mcp-router/gateway/internal/catalog"
	"github.com/mcp-router/gateway/internal/clock"
	"github.com/mcp-router/gateway/internal/hooks"
	"github.com/mcp-router/gateway/internal/idgen"
	"github.com/mcp-router/gateway/internal/mcp"
	"github.com/mcp-router/gateway/internal/policy"
	"github.com/mcp-router/gateway/internal/ratelimit"
	"github.com/mcp-router/gateway/internal/store"
	"github.com/mcp-router/gateway/internal/token"
)

// DefaultDeadline is spec §5's "each request carries a deadline (header or
// default 30s)".
const DefaultDeadline = 30 * time.Second

// Request is call_tool's input shape (spec §4.9).
type Request struct {
	TokenID          string
	ExposedToolName  string
	Arguments        map[string]any
	ProjectID        string
	ClientSuppliedID string
	Deadline         time.Duration // 0 means DefaultDeadline
}

// Response is call_tool's output shape: {content, isError} (spec §4.9 step 11).
type Response struct {
	Content string
	IsError bool
}

// ServerCaller is the subset of the Server Manager the pipeline dispatches
// through (spec §4.9 step 7). internal/mcp's *Manager satisfies this.
type ServerCaller interface {
	GetTools(ctx context.Context, serverID string) ([]catalog.RawTool, error)
	CallTool(ctx context.Context, serverID, name string, args map[string]any, timeout time.Duration) (*mcp.CallResult, error)
}

// Pipeline wires every request-path component into the call_tool flow.
type Pipeline struct {
	tokens    *token.Service
	catalog   *catalog.Catalog
	policy    *policy.Engine
	limiter   *ratelimit.Limiter
	approvals *approval.Queue
	hooks     *hooks.Registry
	servers   ServerCaller
	audit     store.AuditStore
	clock     clock.Clock
	tracer    trace.Tracer
}

// New constructs a Pipeline. tracer may be a no-op tracer (see
// internal/tracing); every call still compiles the same either way.
func New(
	tokens *token.Service,
	cat *catalog.Catalog,
	eng *policy.Engine,
	limiter *ratelimit.Limiter,
	approvals *approval.Queue,
	hookRegistry *hooks.Registry,
	servers ServerCaller,
	audit store.AuditStore,
	c clock.Clock,
	tracer trace.Tracer,
) *Pipeline {
	return &Pipeline{
		tokens: tokens, catalog: cat, policy: eng, limiter: limiter,
		approvals: approvals, hooks: hookRegistry, servers: servers,
		audit: audit, clock: c, tracer: tracer,
	}
}

func (p *Pipeline) nowMs() int64 { return p.clock.Now().UnixMilli() }

func (p *Pipeline) recordAudit(ctx context.Context, eventType, clientID, serverID, toolName string, success bool, durationMs int64, meta map[string]any) {
	ev := &store.AuditEvent{
		ID:        idgen.New("audit"),
		Type:      eventType,
		ClientID:  clientID,
		ServerID:  serverID,
		ToolName:  toolName,
		Success:   success,
		Duration:  durationMs,
		Metadata:  meta,
		Timestamp: p.nowMs(),
	}
	_ = p.audit.Create(ctx, ev)
}

// CallTool runs the full eleven-step flow.
func (p *Pipeline) CallTool(ctx context.Context, req Request) (*Response, error) {
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ctx, root := p.tracer.Start(ctx, "call_tool")
	defer root.End()
	start := p.clock.Now()
	root.SetAttributes(attribute.String("exposed_tool_name", req.ExposedToolName))

	// Step 1: authn.
	_, authnSpan := p.tracer.Start(ctx, "authn")
	tok, err := p.tokens.Validate(ctx, req.TokenID)
	authnSpan.End()
	if err != nil {
		root.SetStatus(codes.Error, "unauthenticated")
		return nil, apperr.Unauthenticatedf("token validation failed: %v", err)
	}
	clientID := tok.ClientID
	root.SetAttributes(attribute.String("client_id", clientID))

	// Step 2: name resolution.
	_, nameSpan := p.tracer.Start(ctx, "name_resolution")
	tool, err := p.catalog.Get(ctx, req.ExposedToolName)
	nameSpan.End()
	if err != nil || !tool.Enabled {
		root.SetStatus(codes.Error, "not_found")
		return nil, apperr.NotFoundf("tool %q not found or disabled", req.ExposedToolName)
	}
	serverID := tool.ServerID
	root.SetAttributes(attribute.String("server_id", serverID))

	// Step 3: per-server authz.
	_, authzSpan := p.tracer.Start(ctx, "authz")
	allowed := token.ServerAccessAllowed(tok.ServerAccess, serverID)
	authzSpan.End()
	if !allowed {
		root.SetStatus(codes.Error, "forbidden")
		return nil, apperr.Forbiddenf("token not permitted to access server %s", serverID)
	}

	// Step 4: rate limit.
	_, rlSpan := p.tracer.Start(ctx, "rate_limit")
	clientCheck := p.limiter.Consume(clientID, 1)
	serverCheck := p.limiter.Consume(clientID+":"+serverID, 1)
	rlSpan.End()
	if !clientCheck.Allowed {
		root.SetStatus(codes.Error, "rate_limited")
		return nil, apperr.Capacityf("rate limited").WithRetryAfter(clientCheck.RetryAfter)
	}
	if !serverCheck.Allowed {
		root.SetStatus(codes.Error, "rate_limited")
		return nil, apperr.Capacityf("rate limited for server %s", serverID).WithRetryAfter(serverCheck.RetryAfter)
	}

	// Step 5: policy.
	_, polSpan := p.tracer.Start(ctx, "policy")
	decision, err := p.policy.Evaluate(ctx, policy.EvalContext{
		ClientID:     clientID,
		ServerID:     serverID,
		ResourceType: store.ResourceTool,
		ResourceName: tool.Name,
		Metadata:     map[string]any{"args": req.Arguments, "risk": string(tool.RiskLevel)},
	})
	polSpan.End()
	if err != nil {
		root.SetStatus(codes.Error, "policy_error")
		return nil, err
	}

	var redactFields []string
	switch decision.Action {
	case store.ActionDeny:
		p.recordAudit(ctx, "policy.deny", clientID, serverID, tool.Name, false, 0, map[string]any{"policyRuleId": decision.RuleID})
		root.SetStatus(codes.Error, "policy_denied")
		return nil, apperr.Forbiddenf("denied by policy rule %s", decision.RuleName).WithRuleID(decision.RuleID)
	case store.ActionRequireApproval:
		if err := p.awaitApproval(ctx, clientID, serverID, tool.Name, req.Arguments, decision.RuleID, deadline); err != nil {
			root.SetStatus(codes.Error, "approval_declined")
			return nil, err
		}
	case store.ActionRedact:
		redactFields = decision.RedactFields
	}

	// Step 6: hook pre-call (advisory unless canModify).
	_, hookPreSpan := p.tracer.Start(ctx, "hook_pre")
	args := req.Arguments
	if p.hooks != nil {
		res := p.hooks.Run(ctx, hooks.BeforeToolCall, req.ProjectID, serverID, map[string]any{
			"clientId": clientID, "serverId": serverID, "toolName": tool.Name, "arguments": req.Arguments,
		}, 0)
		if res.CanModify && res.Payload != nil {
			args = res.Payload
		}
	}
	hookPreSpan.End()

	// Step 7: dispatch.
	_, dispatchSpan := p.tracer.Start(ctx, "dispatch")
	if _, err := p.servers.GetTools(ctx, serverID); err != nil {
		dispatchSpan.End()
		p.recordAudit(ctx, "tool.call", clientID, serverID, tool.Name, false, p.elapsedMs(start), nil)
		root.SetStatus(codes.Error, "transport_error")
		return &Response{IsError: true, Content: err.Error()}, nil
	}
	result, callErr := p.servers.CallTool(ctx, serverID, tool.Name, args, deadlineRemaining(ctx))
	dispatchSpan.End()

	duration := p.elapsedMs(start)

	if callErr != nil {
		p.recordAudit(ctx, "tool.call", clientID, serverID, tool.Name, false, duration, nil)
		root.SetStatus(codes.Error, "dispatch_error")
		return &Response{IsError: true, Content: callErr.Error()}, nil
	}

	// Step 8: post-processing.
	_, postSpan := p.tracer.Start(ctx, "post_process")
	content := result.Text
	redacted := false
	if len(redactFields) > 0 {
		content = applyRedactionsToText(content, redactFields)
		redacted = true
	}
	postSpan.End()

	// Step 9: hook post-call.
	_, hookPostSpan := p.tracer.Start(ctx, "hook_post")
	if p.hooks != nil {
		res := p.hooks.Run(ctx, hooks.AfterToolCall, req.ProjectID, serverID, map[string]any{
			"clientId": clientID, "serverId": serverID, "toolName": tool.Name, "content": content, "isError": result.IsError,
		}, 0)
		if res.CanModify && res.Payload != nil {
			if text, ok := res.Payload["content"].(string); ok {
				content = text
			}
		}
	}
	hookPostSpan.End()

	// Step 10: audit.
	p.recordAudit(ctx, "tool.call", clientID, serverID, tool.Name, !result.IsError, duration, map[string]any{
		"policyRuleId": decision.RuleID,
		"redacted":     redacted,
	})
	p.catalog.RecordUsage(req.ExposedToolName)

	root.SetStatus(codes.Ok, "")
	return &Response{Content: content, IsError: result.IsError}, nil
}

// applyRedactionsToText applies spec §4.4's field-level redaction to a
// tool's text response. MCP tool results are opaque text, not a typed
// object, so the best-effort contract is: if the text parses as a JSON
// object, redact matching fields inside it with policy.ApplyRedactions and
// re-encode; otherwise treat the entire response as one field named
// "content" and redact it wholesale if that name is among redactFields.
func applyRedactionsToText(text string, redactFields []string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		redacted := policy.ApplyRedactions(obj, redactFields)
		if out, err := json.Marshal(redacted); err == nil {
			return string(out)
		}
		return text
	}
	for _, f := range redactFields {
		if f == "content" {
			return "[REDACTED]"
		}
	}
	return text
}

func (p *Pipeline) elapsedMs(start time.Time) int64 {
	return p.clock.Now().Sub(start).Milliseconds()
}

func deadlineRemaining(ctx context.Context) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	remaining := time.Until(dl)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// awaitApproval implements spec §4.9 step 5's require_approval branch: create
// the request, wait with a budget that's the min of the request deadline and
// the queue's own default timeout, and translate every non-approved outcome
// to the taxonomy's forbidden kind with the matching reason.
func (p *Pipeline) awaitApproval(ctx context.Context, clientID, serverID, toolName string, args map[string]any, ruleID string, requestDeadline time.Duration) error {
	reqRow, err := p.approvals.Create(ctx, approval.CreateInput{
		ClientID: clientID, ServerID: serverID, ToolName: toolName,
		ToolArguments: args, PolicyRuleID: ruleID,
	})
	if err != nil {
		return apperr.Internalf("create approval request: %v", err)
	}

	budget := requestDeadline
	if approval.DefaultTimeout < budget {
		budget = approval.DefaultTimeout
	}

	res, err := p.approvals.WaitFor(ctx, reqRow.ID, budget.Milliseconds())
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.Timeout:
			return apperr.Forbiddenf("approval request expired").WithRuleID(ruleID)
		case apperr.Forbidden:
			return apperr.Forbiddenf("approval request cancelled").WithRuleID(ruleID)
		default:
			return apperr.Forbiddenf("approval request failed: %v", err).WithRuleID(ruleID)
		}
	}
	if !res.Approved {
		return apperr.Forbiddenf("approval request rejected: %s", res.Reason).WithRuleID(ruleID)
	}
	return nil
}
