package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mcp-router/gateway/internal/clock"
	"github.com/mcp-router/gateway/internal/store"
)

type fakeStore struct {
	mu   sync.Mutex
	rows map[string]*store.ApprovalRequest
}

func newFakeStore() *fakeStore { return &fakeStore{rows: make(map[string]*store.ApprovalRequest)} }

func (f *fakeStore) Create(_ context.Context, a *store.ApprovalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.rows[a.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id string, status store.ApprovalStatus, respondedBy, note string, respondedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[id]; ok {
		r.Status = status
		r.RespondedBy = respondedBy
		r.ResponseNote = note
		r.RespondedAt = respondedAt
	}
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*store.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id], nil
}

func (f *fakeStore) List(_ context.Context, status *store.ApprovalStatus) ([]*store.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.ApprovalRequest
	for _, r := range f.rows {
		if status == nil || r.Status == *status {
			out = append(out, r)
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(event string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) seen(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == event {
			return true
		}
	}
	return false
}

func newTestQueue(t *testing.T) (*Queue, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	q := New(newFakeStore(), clock.System, pub)
	t.Cleanup(q.Stop)
	return q, pub
}

func TestCreateAndRespond_Approved(t *testing.T) {
	q, pub := newTestQueue(t)
	ctx := context.Background()

	req, err := q.Create(ctx, CreateInput{ClientID: "client-1", ServerID: "server-1", ToolName: "fs.read"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != store.ApprovalPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}
	if !pub.seen("approval.new") {
		t.Fatal("expected approval.new event")
	}

	resultCh := make(chan Result, 1)
	go func() {
		res, err := q.WaitFor(ctx, req.ID, 2000)
		if err != nil {
			t.Errorf("waitFor: %v", err)
		}
		resultCh <- res
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Respond(ctx, req.ID, true, "admin", "looks fine"); err != nil {
		t.Fatalf("respond: %v", err)
	}

	select {
	case res := <-resultCh:
		if !res.Approved {
			t.Fatal("expected approved result")
		}
	case <-time.After(time.Second):
		t.Fatal("waitFor did not return in time")
	}
	if !pub.seen("approval.resolved") {
		t.Fatal("expected approval.resolved event")
	}
}

func TestWaitFor_FansInMultipleWaiters(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	req, _ := q.Create(ctx, CreateInput{ClientID: "c", ServerID: "s", ToolName: "t"})

	var wg sync.WaitGroup
	results := make([]Result, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = q.WaitFor(ctx, req.ID, 2000)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	if err := q.Respond(ctx, req.ID, false, "admin", "denied"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	wg.Wait()

	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("waiter %d: unexpected error %v", i, errs[i])
		}
		if res.Approved {
			t.Fatalf("waiter %d: expected denial", i)
		}
	}
}

func TestRespond_SecondCallConflicts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	req, _ := q.Create(ctx, CreateInput{ClientID: "c", ServerID: "s", ToolName: "t"})
	if err := q.Respond(ctx, req.ID, true, "admin", ""); err != nil {
		t.Fatalf("first respond: %v", err)
	}
	if err := q.Respond(ctx, req.ID, true, "admin", ""); err == nil {
		t.Fatal("expected second respond to fail")
	}
}

func TestCancel_IsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	req, _ := q.Create(ctx, CreateInput{ClientID: "c", ServerID: "s", ToolName: "t"})
	if err := q.Cancel(ctx, req.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := q.Cancel(ctx, req.ID); err != nil {
		t.Fatalf("second cancel should be a no-op, got: %v", err)
	}

	res, err := q.WaitFor(ctx, req.ID, 1000)
	if err == nil {
		t.Fatal("expected waitFor on a cancelled request to return an error")
	}
	if res.Approved {
		t.Fatal("expected zero-value result on cancellation")
	}
}

func TestList_OnlyReturnsPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	a, _ := q.Create(ctx, CreateInput{ClientID: "c", ServerID: "s", ToolName: "t1"})
	_, _ = q.Create(ctx, CreateInput{ClientID: "c", ServerID: "s", ToolName: "t2"})
	_ = q.Respond(ctx, a.ID, true, "admin", "")

	pending := q.List()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending request, got %d", len(pending))
	}
	if pending[0].ToolName != "t2" {
		t.Fatalf("expected t2 still pending, got %s", pending[0].ToolName)
	}
}

func TestSweepExpired_RejectsPastDeadline(t *testing.T) {
	fc := &clock.Fixed{T: time.Unix(0, 0)}
	pub := &recordingPublisher{}
	q := New(newFakeStore(), fc, pub)
	defer q.Stop()
	ctx := context.Background()

	req, _ := q.Create(ctx, CreateInput{ClientID: "c", ServerID: "s", ToolName: "t"})
	fc.Advance(DefaultTimeout + time.Second)
	q.sweepExpired()

	if len(q.List()) != 0 {
		t.Fatal("expected no pending requests after sweep")
	}
	if !pub.seen("approval.expired") {
		t.Fatal("expected approval.expired event")
	}

	_, err := q.WaitFor(ctx, req.ID, 0)
	if err == nil {
		t.Fatal("expected waitFor on expired request to return an error")
	}
}
