// Package approval implements the Approval Queue (spec §4.5): an in-memory
// pending-request table with fan-in waiters, at-most-once resolution, and a
// background expiry sweep. The queue is deliberately volatile — a restart
// discards pending requests — but every create/respond/cancel/expire is
// mirrored to a store.ApprovalStore for inspection, the same
// write-through-history split the teacher uses for session state
// (internal/store/pg/cron_scheduler.go's in-memory cache backed by a
// relational table).
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/clock"
	"github.com/mcp-router/gateway/internal/idgen"
	"github.com/mcp-router/gateway/internal/store"
)

// DefaultTimeout is spec §4.5's DEFAULT_TIMEOUT.
const DefaultTimeout = 5 * time.Minute

// sweepInterval mirrors the teacher's PGCronStore.runLoop 1s tick
// (internal/store/pg/cron_scheduler.go).
const sweepInterval = 1 * time.Second

// Publisher fans events out to the external UI bus (spec §4.5: "the queue
// emits three events"). The queue takes a reference to this interface rather
// than importing internal/eventbus directly, per the composition root's
// "every component receives references, never reaches for a global" rule.
type Publisher interface {
	Publish(event string, payload any)
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, any) {}

// CreateInput is create()'s argument shape.
type CreateInput struct {
	ClientID      string
	ServerID      string
	ToolName      string
	ToolArguments map[string]any
	PolicyRuleID  string
}

// Result is waitFor()'s settled outcome.
type Result struct {
	Approved bool
	Reason   string
}

// entry is one pending-or-resolved request plus its fan-in waiters. Once
// closed is true, result is immutable and done is closed — any number of
// late waitFor callers can read it without blocking.
type entry struct {
	mu     sync.Mutex
	req    store.ApprovalRequest
	done   chan struct{}
	result Result
	resErr error
	timer  *time.Timer
	closed bool
}

// Queue is the live in-memory Approval Queue.
type Queue struct {
	clock     clock.Clock
	store     store.ApprovalStore
	publisher Publisher

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Queue and starts its background expiry sweep. Call Stop
// during graceful shutdown.
func New(s store.ApprovalStore, c clock.Clock, pub Publisher) *Queue {
	if pub == nil {
		pub = noopPublisher{}
	}
	q := &Queue{
		clock:     c,
		store:     s,
		publisher: pub,
		entries:   make(map[string]*entry),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go q.runLoop()
	return q
}

// Stop halts the sweep goroutine. Idempotent.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	<-q.doneCh
}

func (q *Queue) runLoop() {
	defer close(q.doneCh)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.sweepExpired()
		}
	}
}

// Create generates an id, sets status=pending with expiresAt=now+DefaultTimeout,
// persists a history row, and notifies "new request" subscribers.
func (q *Queue) Create(ctx context.Context, in CreateInput) (*store.ApprovalRequest, error) {
	now := q.clock.Now().UnixMilli()
	req := store.ApprovalRequest{
		ID:            idgen.New("approval"),
		ClientID:      in.ClientID,
		ServerID:      in.ServerID,
		ToolName:      in.ToolName,
		ToolArguments: in.ToolArguments,
		PolicyRuleID:  in.PolicyRuleID,
		Status:        store.ApprovalPending,
		RequestedAt:   now,
		ExpiresAt:     now + DefaultTimeout.Milliseconds(),
	}

	e := &entry{req: req, done: make(chan struct{})}
	// Idempotent TTL safety net, matching the typing controller's
	// forceStop/closed guard (internal/channels/typing/controller.go):
	// fires once at expiresAt unless respond/cancel stops it first. The
	// 1s sweep tick is the backstop in case this timer is ever starved.
	e.timer = time.AfterFunc(DefaultTimeout, func() { q.expireOne(e) })

	q.mu.Lock()
	q.entries[req.ID] = e
	q.mu.Unlock()

	if err := q.store.Create(ctx, &req); err != nil {
		slog.Warn("approval: failed to persist history row", "id", req.ID, "error", err)
	}

	q.publisher.Publish("approval.new", req)
	return &req, nil
}

// WaitFor blocks until respond, cancel, or timeout resolves the request.
// Multiple concurrent waiters on the same id multiplex onto the same
// decision (spec §4.5 "fan-in"): each reads the same closed done channel.
func (q *Queue) WaitFor(ctx context.Context, id string, timeoutMs int64) (Result, error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return Result{}, apperr.NotFoundf("approval request %q not found", id)
	}

	e.mu.Lock()
	if e.closed {
		res, err := e.result, e.resErr
		e.mu.Unlock()
		return res, err
	}
	remaining := e.req.ExpiresAt - q.clock.Now().UnixMilli()
	e.mu.Unlock()

	wait := time.Duration(remaining) * time.Millisecond
	if timeoutMs > 0 {
		if t := time.Duration(timeoutMs) * time.Millisecond; t < wait {
			wait = t
		}
	}
	if wait < 0 {
		wait = 0
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-e.done:
		e.mu.Lock()
		res, err := e.result, e.resErr
		e.mu.Unlock()
		return res, err
	case <-timer.C:
		q.expireOne(e)
		e.mu.Lock()
		res, err := e.result, e.resErr
		e.mu.Unlock()
		return res, err
	case <-ctx.Done():
		// The caller (e.g. the HTTP client) disconnected. Spec §5: mark the
		// request cancelled and emit approval.resolved rather than leaving it
		// pending — use a background context since ctx is already done.
		if err := q.Cancel(context.Background(), id); err != nil {
			slog.Warn("approval: cancel-on-disconnect failed", "id", id, "error", err)
		}
		e.mu.Lock()
		res, err := e.result, e.resErr
		e.mu.Unlock()
		return res, err
	}
}

// Respond is only valid while pending; it transitions to approved/rejected
// and wakes every waiter with {approved, reason: note}.
func (q *Queue) Respond(ctx context.Context, id string, approved bool, respondedBy, note string) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return apperr.NotFoundf("approval request %q not found", id)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return apperr.Conflictf("approval %q already %s", id, e.req.Status)
	}
	status := store.ApprovalRejected
	if approved {
		status = store.ApprovalApproved
	}
	now := q.clock.Now().UnixMilli()
	e.req.Status = status
	e.req.RespondedAt = now
	e.req.RespondedBy = respondedBy
	e.req.ResponseNote = note
	e.result = Result{Approved: approved, Reason: note}
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
	}
	req := e.req
	close(e.done)
	e.mu.Unlock()

	if err := q.store.UpdateStatus(ctx, id, status, respondedBy, note, now); err != nil {
		slog.Warn("approval: failed to persist resolution", "id", id, "error", err)
	}
	q.publisher.Publish("approval.resolved", req)
	return nil
}

// Cancel is valid regardless of current state; it is idempotent, matching
// the typing controller's forceStop guard
// (internal/channels/typing/controller.go) — a second cancel on an already
// resolved request is a no-op, not an error.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return apperr.NotFoundf("approval request %q not found", id)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	now := q.clock.Now().UnixMilli()
	e.req.Status = store.ApprovalCancelled
	e.req.RespondedAt = now
	e.result = Result{}
	e.resErr = apperr.Forbiddenf("approval request cancelled")
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
	}
	req := e.req
	close(e.done)
	e.mu.Unlock()

	if err := q.store.UpdateStatus(ctx, id, store.ApprovalCancelled, "", "", now); err != nil {
		slog.Warn("approval: failed to persist cancellation", "id", id, "error", err)
	}
	q.publisher.Publish("approval.resolved", req)
	return nil
}

// List returns every currently pending request.
func (q *Queue) List() []*store.ApprovalRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*store.ApprovalRequest, 0, len(q.entries))
	for _, e := range q.entries {
		e.mu.Lock()
		if !e.closed {
			req := e.req
			out = append(out, &req)
		}
		e.mu.Unlock()
	}
	return out
}

// sweepExpired finds pending requests whose expiresAt has passed, rejects
// them, and emits approval.expired. Runs on the background ticker, but
// WaitFor's own timer also calls expireOne directly so a blocked waiter
// doesn't have to wait for the next tick.
func (q *Queue) sweepExpired() {
	now := q.clock.Now().UnixMilli()

	q.mu.Lock()
	var due []*entry
	for _, e := range q.entries {
		e.mu.Lock()
		if !e.closed && e.req.ExpiresAt <= now {
			due = append(due, e)
		}
		e.mu.Unlock()
	}
	q.mu.Unlock()

	for _, e := range due {
		q.expireOne(e)
	}
}

func (q *Queue) expireOne(e *entry) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	now := q.clock.Now().UnixMilli()
	e.req.Status = store.ApprovalExpired
	e.req.RespondedAt = now
	e.result = Result{}
	e.resErr = apperr.Timeoutf("approval request expired")
	e.closed = true
	req := e.req
	close(e.done)
	e.mu.Unlock()

	if err := q.store.UpdateStatus(context.Background(), req.ID, store.ApprovalExpired, "", "", now); err != nil {
		slog.Warn("approval: failed to persist expiry", "id", req.ID, "error", err)
	}
	q.publisher.Publish("approval.expired", req)
}
