package hooks

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mcp-router/gateway/internal/clock"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(clock.System, slog.Default())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func TestRegister_RejectsUncompilableExpression(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(BeforeToolCall, "", "", "payload.arguments.(((")
	if err == nil {
		t.Fatal("expected a compile-time validation error")
	}
}

func TestRegister_RejectsUnknownEvent(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(Event("onDemand"), "", "", "true")
	if err == nil {
		t.Fatal("expected unknown-event validation error")
	}
}

func TestRun_AdvisoryHookNeverModifiesPayload(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Register(BeforeToolCall, "", "", `payload.arguments.size() > 0`); err != nil {
		t.Fatalf("register: %v", err)
	}

	payload := map[string]any{"arguments": map[string]any{"path": "/tmp/x"}}
	res := r.Run(context.Background(), BeforeToolCall, "proj-1", "server-1", payload, 0)
	if res.CanModify {
		t.Fatal("a bare boolean result should never be treated as canModify")
	}
}

func TestRun_CanModifyHookSubstitutesArguments(t *testing.T) {
	r := newTestRegistry(t)
	expr := `{"canModify": true, "arguments": {"path": "/sandboxed" + payload.arguments.path}}`
	if _, err := r.Register(BeforeToolCall, "", "", expr); err != nil {
		t.Fatalf("register: %v", err)
	}

	payload := map[string]any{"arguments": map[string]any{"path": "/etc/passwd"}}
	res := r.Run(context.Background(), BeforeToolCall, "proj-1", "server-1", payload, 0)
	if !res.CanModify {
		t.Fatal("expected canModify=true")
	}
	if res.Payload["path"] != "/sandboxed/etc/passwd" {
		t.Fatalf("unexpected substituted arguments: %+v", res.Payload)
	}
}

func TestRun_ScopesByProjectAndServer(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Register(BeforeToolCall, "proj-only", "", `{"canModify": true, "arguments": {"scoped": true}}`); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Different project: should not match, payload untouched.
	res := r.Run(context.Background(), BeforeToolCall, "other-proj", "server-1", map[string]any{}, 0)
	if res.CanModify {
		t.Fatal("hook scoped to proj-only should not fire for other-proj")
	}

	// Matching project: fires.
	res = r.Run(context.Background(), BeforeToolCall, "proj-only", "server-1", map[string]any{}, 0)
	if !res.CanModify {
		t.Fatal("hook scoped to proj-only should fire for proj-only")
	}
}

func TestRun_EventMismatchNeverFires(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Register(AfterToolCall, "", "", `{"canModify": true, "arguments": {}}`); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := r.Run(context.Background(), BeforeToolCall, "proj-1", "server-1", map[string]any{}, 0)
	if res.CanModify {
		t.Fatal("an afterToolCall hook must not fire on beforeToolCall")
	}
}

func TestRun_TimeoutIsLoggedNotFatal(t *testing.T) {
	r := newTestRegistry(t)
	// A trivial expression with an absurdly small budget still completes
	// synchronously in practice, so this only exercises that Run never
	// panics or blocks past the deadline; exact timeout triggering for a
	// genuinely slow hook is covered by runOne's select against a cancelled
	// context, not re-derived here with a real sleep.
	if _, err := r.Register(BeforeToolCall, "", "", `true`); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := r.Run(context.Background(), BeforeToolCall, "", "", map[string]any{}, time.Nanosecond)
	if res.CanModify {
		t.Fatal("bare boolean result is never canModify regardless of timing")
	}
}

func TestRemove_StopsHookFromFiring(t *testing.T) {
	r := newTestRegistry(t)
	h, err := r.Register(BeforeToolCall, "", "", `{"canModify": true, "arguments": {}}`)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Remove(h.ID)
	res := r.Run(context.Background(), BeforeToolCall, "", "", map[string]any{}, 0)
	if res.CanModify {
		t.Fatal("removed hook should not fire")
	}
	if got := len(r.List()); got != 0 {
		t.Fatalf("expected empty registry after remove, got %d", got)
	}
}
