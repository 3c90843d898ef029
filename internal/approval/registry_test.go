package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seqora/cadence/internal/events"
	"github.com/seqora/cadence/internal/notify"
	"github.com/seqora/cadence/internal/store"
	"github.com/seqora/cadence/model"
)

// recordingNotifier captures delivered notifications.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	return nil
}

// fakeClock is a manually advanced clock shared by a test and its registry.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testRegistry(t *testing.T) (*Registry, *fakeClock, *store.MemoryApprovalStore, *events.Broker) {
	t.Helper()
	clock := newFakeClock()
	st := store.NewMemoryApprovalStore()
	broker := events.NewBroker(zap.NewNop())
	reg := NewRegistry(Options{
		Store:  st,
		Broker: broker,
		Logger: zap.NewNop(),
		Now:    clock.Now,
	})
	return reg, clock, st, broker
}

func newRequest(workflowID string) model.ApprovalRequest {
	return model.ApprovalRequest{
		WorkflowID: workflowID,
		Kind:       model.ApprovalKindMessageToSend,
		Reason:     "outbound message review",
	}
}

func TestRequest_defaults(t *testing.T) {
	reg, clock, st, _ := testRegistry(t)
	ctx := context.Background()

	req, err := reg.Request(ctx, newRequest("wf-1"), nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if req.ApprovalID == "" {
		t.Error("expected generated approval id")
	}
	if req.Priority != 5 {
		t.Errorf("Priority = %d, want 5", req.Priority)
	}
	if req.Status != model.ApprovalPending {
		t.Errorf("Status = %q, want pending", req.Status)
	}
	if want := clock.Now().Add(24 * time.Hour); !req.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", req.ExpiresAt, want)
	}

	row, err := st.Get(ctx, req.ApprovalID)
	if err != nil {
		t.Fatalf("durable row missing: %v", err)
	}
	if row.Status != "pending" || row.WorkflowID != "wf-1" {
		t.Errorf("row = %+v", row)
	}
}

func TestRequest_validation(t *testing.T) {
	reg, _, _, _ := testRegistry(t)
	ctx := context.Background()

	if _, err := reg.Request(ctx, model.ApprovalRequest{Kind: model.ApprovalKindEscalation}, nil); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("missing workflow id: %v", err)
	}
	if _, err := reg.Request(ctx, model.ApprovalRequest{WorkflowID: "wf-1"}, nil); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("missing kind: %v", err)
	}

	past := newRequest("wf-1")
	past.ExpiresAt = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := reg.Request(ctx, past, nil); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("past expiry: %v", err)
	}
}

func TestDecide_approve(t *testing.T) {
	reg, _, st, _ := testRegistry(t)
	ctx := context.Background()

	var cbReq model.ApprovalRequest
	var cbCalls int
	req, err := reg.Request(ctx, newRequest("wf-1"), func(r model.ApprovalRequest) {
		cbCalls++
		cbReq = r
	})
	if err != nil {
		t.Fatal(err)
	}

	decided, err := reg.Decide(ctx, req.ApprovalID, model.Decision{
		Approved:  true,
		DecidedBy: "sdr-lead",
		Notes:     "looks good",
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decided.Status != model.ApprovalApproved {
		t.Errorf("Status = %q, want approved", decided.Status)
	}
	if decided.RespondedAt == nil || decided.DecidedBy != "sdr-lead" {
		t.Errorf("decided = %+v", decided)
	}
	if cbCalls != 1 || cbReq.Status != model.ApprovalApproved {
		t.Errorf("callback calls = %d, req = %+v", cbCalls, cbReq)
	}
	if reg.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", reg.PendingCount())
	}

	row, _ := st.Get(ctx, req.ApprovalID)
	if row.Status != "approved" {
		t.Errorf("durable status = %q, want approved", row.Status)
	}

	// A second decision loses.
	if _, err := reg.Decide(ctx, req.ApprovalID, model.Decision{}); !model.IsCode(err, model.ErrAlreadyExpired) {
		t.Errorf("second decide = %v, want ALREADY_EXPIRED", err)
	}
}

func TestDecide_reject(t *testing.T) {
	reg, _, _, _ := testRegistry(t)
	ctx := context.Background()

	req, _ := reg.Request(ctx, newRequest("wf-1"), nil)
	decided, err := reg.Decide(ctx, req.ApprovalID, model.Decision{Approved: false})
	if err != nil {
		t.Fatal(err)
	}
	if decided.Status != model.ApprovalRejected {
		t.Errorf("Status = %q, want rejected", decided.Status)
	}
}

func TestDecide_unknown(t *testing.T) {
	reg, _, _, _ := testRegistry(t)
	if _, err := reg.Decide(context.Background(), "nope", model.Decision{}); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestDecide_pastDeadline(t *testing.T) {
	reg, clock, _, _ := testRegistry(t)
	ctx := context.Background()

	req, _ := reg.Request(ctx, newRequest("wf-1"), nil)
	clock.Advance(25 * time.Hour)

	if _, err := reg.Decide(ctx, req.ApprovalID, model.Decision{Approved: true}); !model.IsCode(err, model.ErrAlreadyExpired) {
		t.Errorf("error = %v, want ALREADY_EXPIRED", err)
	}
}

func TestSweepExpired_singleWinner(t *testing.T) {
	reg, clock, st, _ := testRegistry(t)
	ctx := context.Background()

	var cbCalls int
	req, _ := reg.Request(ctx, newRequest("wf-1"), func(model.ApprovalRequest) { cbCalls++ })
	if _, err := reg.Request(ctx, newRequest("wf-2"), nil); err != nil {
		t.Fatal(err)
	}

	clock.Advance(25 * time.Hour)
	// Both requests share the default expiry, so both are past deadline.
	if n := reg.SweepExpired(ctx); n != 2 {
		t.Fatalf("SweepExpired = %d, want 2", n)
	}
	if cbCalls != 0 {
		t.Error("expiry must discard the callback, not invoke it")
	}
	if reg.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", reg.PendingCount())
	}

	row, _ := st.Get(ctx, req.ApprovalID)
	if row.Status != "expired" {
		t.Errorf("durable status = %q, want expired", row.Status)
	}

	// Deciding after the sweep reports the terminal status.
	if _, err := reg.Decide(ctx, req.ApprovalID, model.Decision{Approved: true}); !model.IsCode(err, model.ErrAlreadyExpired) {
		t.Errorf("decide after sweep = %v, want ALREADY_EXPIRED", err)
	}

	// Idempotent: nothing left to expire.
	if n := reg.SweepExpired(ctx); n != 0 {
		t.Errorf("second sweep = %d, want 0", n)
	}
}

func TestCancel(t *testing.T) {
	reg, _, st, _ := testRegistry(t)
	ctx := context.Background()

	var cbCalls int
	req, _ := reg.Request(ctx, newRequest("wf-1"), func(model.ApprovalRequest) { cbCalls++ })

	if err := reg.Cancel(ctx, req.ApprovalID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cbCalls != 0 {
		t.Error("cancel must not invoke the callback")
	}
	row, _ := st.Get(ctx, req.ApprovalID)
	if row.Status != "cancelled" {
		t.Errorf("durable status = %q, want cancelled", row.Status)
	}

	// Cancelling an already-resolved request is a no-op.
	if err := reg.Cancel(ctx, req.ApprovalID); err != nil {
		t.Errorf("repeat cancel = %v, want nil", err)
	}
	// Unknown ids are still reported.
	if err := reg.Cancel(ctx, "nope"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("cancel unknown = %v, want NOT_FOUND", err)
	}
}

func TestListPending_orderAndFilter(t *testing.T) {
	reg, clock, _, _ := testRegistry(t)
	ctx := context.Background()

	low := newRequest("wf-1")
	low.Priority = 2
	if _, err := reg.Request(ctx, low, nil); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	high := newRequest("wf-2")
	high.Priority = 9
	high.AssignedTo = "sdr-lead"
	if _, err := reg.Request(ctx, high, nil); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	alsoHigh := newRequest("wf-3")
	alsoHigh.Priority = 9
	alsoHigh.Kind = model.ApprovalKindEscalation
	if _, err := reg.Request(ctx, alsoHigh, nil); err != nil {
		t.Fatal(err)
	}

	all := reg.ListPending(Filter{})
	if len(all) != 3 {
		t.Fatalf("ListPending = %d, want 3", len(all))
	}
	// Highest priority first, ties broken by request time.
	if all[0].WorkflowID != "wf-2" || all[1].WorkflowID != "wf-3" || all[2].WorkflowID != "wf-1" {
		t.Errorf("order = %s, %s, %s", all[0].WorkflowID, all[1].WorkflowID, all[2].WorkflowID)
	}

	if got := reg.ListPending(Filter{AssignedTo: "sdr-lead"}); len(got) != 1 || got[0].WorkflowID != "wf-2" {
		t.Errorf("assignee filter = %v", got)
	}
	if got := reg.ListPending(Filter{Kind: model.ApprovalKindEscalation}); len(got) != 1 {
		t.Errorf("kind filter = %v", got)
	}
	if got := reg.ListPending(Filter{WorkflowID: "wf-1"}); len(got) != 1 {
		t.Errorf("workflow filter = %v", got)
	}
}

func TestRecover(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemoryApprovalStore()
	ctx := context.Background()

	first := NewRegistry(Options{Store: st, Logger: zap.NewNop(), Now: clock.Now})
	kept, err := first.Request(ctx, newRequest("wf-keep"), nil)
	if err != nil {
		t.Fatal(err)
	}
	resolved, _ := first.Request(ctx, newRequest("wf-done"), nil)
	if _, err := first.Decide(ctx, resolved.ApprovalID, model.Decision{Approved: true}); err != nil {
		t.Fatal(err)
	}

	// Simulated restart: a fresh registry over the same store.
	second := NewRegistry(Options{Store: st, Logger: zap.NewNop(), Now: clock.Now})
	if err := second.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if second.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", second.PendingCount())
	}

	// A recovered request is decidable; its callback did not survive.
	decided, err := second.Decide(ctx, kept.ApprovalID, model.Decision{Approved: true})
	if err != nil {
		t.Fatalf("Decide after recover: %v", err)
	}
	if decided.Status != model.ApprovalApproved {
		t.Errorf("Status = %q", decided.Status)
	}
}

func TestSweepReminders(t *testing.T) {
	reg, clock, _, broker := testRegistry(t)
	ctx := context.Background()

	var mu sync.Mutex
	var reminders int
	broker.Subscribe(events.SubscriberFunc(func(evt model.Event) error {
		if evt.EventType == model.EventApprovalReminder {
			mu.Lock()
			reminders++
			mu.Unlock()
		}
		return nil
	}))

	urgent := newRequest("wf-urgent")
	urgent.Priority = 9
	urgent.AssignedTo = "sdr-lead"
	if _, err := reg.Request(ctx, urgent, nil); err != nil {
		t.Fatal(err)
	}
	routine := newRequest("wf-routine")
	routine.Priority = 4
	if _, err := reg.Request(ctx, routine, nil); err != nil {
		t.Fatal(err)
	}

	// Too soon for any reminder.
	if n := reg.SweepReminders(ctx); n != 0 {
		t.Fatalf("early sweep = %d, want 0", n)
	}

	clock.Advance(31 * time.Minute)
	if n := reg.SweepReminders(ctx); n != 1 {
		t.Fatalf("sweep = %d, want only the high-priority request", n)
	}
	// Reminder bookkeeping suppresses an immediate repeat.
	if n := reg.SweepReminders(ctx); n != 0 {
		t.Fatalf("repeat sweep = %d, want 0", n)
	}
	clock.Advance(31 * time.Minute)
	if n := reg.SweepReminders(ctx); n != 1 {
		t.Fatalf("later sweep = %d, want 1", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if reminders != 2 {
		t.Errorf("reminder events = %d, want 2", reminders)
	}
}

func TestRequest_notifiesAssignee(t *testing.T) {
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	reg := NewRegistry(Options{
		Store:    store.NewMemoryApprovalStore(),
		Notifier: notifier,
		Logger:   zap.NewNop(),
		Now:      clock.Now,
	})
	ctx := context.Background()

	unassigned := newRequest("wf-1")
	if _, err := reg.Request(ctx, unassigned, nil); err != nil {
		t.Fatal(err)
	}

	assigned := newRequest("wf-2")
	assigned.AssignedTo = "sdr-lead"
	req, err := reg.Request(ctx, assigned, nil)
	if err != nil {
		t.Fatal(err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.msgs) != 1 {
		t.Fatalf("notifications = %d, want only the assigned request", len(notifier.msgs))
	}
	msg := notifier.msgs[0]
	if msg.Kind != notify.KindAssignment || msg.Recipient != "sdr-lead" || msg.ApprovalID != req.ApprovalID {
		t.Errorf("notification = %+v", msg)
	}
}

func TestRequest_publishesEvent(t *testing.T) {
	reg, _, _, broker := testRegistry(t)

	var mu sync.Mutex
	var got []model.Event
	broker.Subscribe(events.SubscriberFunc(func(evt model.Event) error {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		return nil
	}))

	req, err := reg.Request(context.Background(), newRequest("wf-1"), nil)
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	evt := got[0]
	if evt.EventType != model.EventApprovalRequested || evt.ApprovalID != req.ApprovalID || evt.WorkflowID != "wf-1" {
		t.Errorf("event = %+v", evt)
	}
}
