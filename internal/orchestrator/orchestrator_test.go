package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seqora/cadence/internal/approval"
	"github.com/seqora/cadence/internal/events"
	"github.com/seqora/cadence/internal/persist"
	"github.com/seqora/cadence/internal/state"
	"github.com/seqora/cadence/internal/store"
	"github.com/seqora/cadence/model"
)

type processorFunc func(ctx context.Context, ws model.WorkflowState) (model.WorkflowState, error)

func (f processorFunc) Process(ctx context.Context, ws model.WorkflowState) (model.WorkflowState, error) {
	return f(ctx, ws)
}

// passThrough succeeds at every stage without touching the state.
var passThrough = processorFunc(func(_ context.Context, ws model.WorkflowState) (model.WorkflowState, error) {
	return ws, nil
})

type testHarness struct {
	orch    *Orchestrator
	persist *persist.Service
	reg     *approval.Registry
	broker  *events.Broker

	mu     sync.Mutex
	events []model.Event
}

func (h *testHarness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	types := make([]string, 0, len(h.events))
	for _, evt := range h.events {
		types = append(types, evt.EventType)
	}
	return types
}

func (h *testHarness) sawEvent(eventType string) bool {
	for _, et := range h.eventTypes() {
		if et == eventType {
			return true
		}
	}
	return false
}

func newHarness(t *testing.T, proc StageProcessor, opts ...func(*Options)) *testHarness {
	t.Helper()

	broker := events.NewBroker(zap.NewNop())
	svc := persist.NewService(store.NewMemoryWorkflowStore(), zap.NewNop())
	reg := approval.NewRegistry(approval.Options{
		Store:  store.NewMemoryApprovalStore(),
		Broker: broker,
		Logger: zap.NewNop(),
	})

	h := &testHarness{persist: svc, reg: reg, broker: broker}
	broker.Subscribe(events.SubscriberFunc(func(evt model.Event) error {
		h.mu.Lock()
		h.events = append(h.events, evt)
		h.mu.Unlock()
		return nil
	}))

	o := Options{
		Persist:   svc,
		Approvals: reg,
		Broker:    broker,
		Logger:    zap.NewNop(),
		Processor: proc,
	}
	for _, opt := range opts {
		opt(&o)
	}
	h.orch = New(o)
	t.Cleanup(h.orch.Stop)
	return h
}

// waitFor polls until the condition holds or the test deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *testHarness) waitForStage(t *testing.T, workflowID string, stage model.Stage) {
	t.Helper()
	waitFor(t, string(stage), func() bool {
		view, err := h.orch.Status(context.Background(), workflowID)
		return err == nil && view.CurrentStage == stage
	})
}

func TestStartWorkflow_runsToCompletion(t *testing.T) {
	h := newHarness(t, passThrough)
	ctx := context.Background()

	id, err := h.orch.StartWorkflow(ctx, model.SubjectRef{ID: "p-1", DisplayName: "Acme"}, "", 0)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated workflow id")
	}

	h.waitForStage(t, id, model.StageCompleted)

	view, err := h.orch.Status(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.CompletedStages) != 5 {
		t.Errorf("CompletedStages = %v, want all five working stages", view.CompletedStages)
	}

	// The terminal state is durable.
	loaded, err := h.persist.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.CurrentStage != model.StageCompleted {
		t.Errorf("persisted stage = %q, want completed", loaded.CurrentStage)
	}

	if !h.sawEvent(model.EventWorkflowStarted) || !h.sawEvent(model.EventWorkflowCompleted) {
		t.Errorf("events = %v", h.eventTypes())
	}

	stats := h.orch.Snapshot()
	if stats.Started != 1 || stats.Completed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestStartWorkflow_duplicateID(t *testing.T) {
	h := newHarness(t, passThrough)
	ctx := context.Background()

	if _, err := h.orch.StartWorkflow(ctx, model.SubjectRef{ID: "p-1"}, "wf-dup", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.StartWorkflow(ctx, model.SubjectRef{ID: "p-2"}, "wf-dup", 0); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("error = %v, want CONFLICT", err)
	}
	if _, err := h.orch.StartWorkflow(ctx, model.SubjectRef{}, "", 0); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("missing subject = %v, want BAD_REQUEST", err)
	}
}

func TestProcessorFailure(t *testing.T) {
	proc := processorFunc(func(_ context.Context, ws model.WorkflowState) (model.WorkflowState, error) {
		if ws.CurrentStage == model.StageOutreach {
			return ws, errors.New("smtp relay unavailable")
		}
		return ws, nil
	})
	h := newHarness(t, proc)
	ctx := context.Background()

	id, err := h.orch.StartWorkflow(ctx, model.SubjectRef{ID: "p-1"}, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	h.waitForStage(t, id, model.StageFailed)

	loaded, err := h.persist.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.ErrorLog) != 1 || loaded.ErrorLog[0].Message != "smtp relay unavailable" {
		t.Errorf("ErrorLog = %+v", loaded.ErrorLog)
	}
	// The interrupted stage is not recorded as completed.
	for _, s := range loaded.CompletedStages {
		if s == model.StageOutreach {
			t.Error("outreach recorded as completed despite failing")
		}
	}

	if !h.sawEvent(model.EventWorkflowError) || !h.sawEvent(model.EventWorkflowFailed) {
		t.Errorf("events = %v", h.eventTypes())
	}
	if stats := h.orch.Snapshot(); stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, passThrough)
	ctx := context.Background()

	// Seed a mid-pipeline workflow directly; Pause rehydrates it.
	ws := state.CreateInitial(model.SubjectRef{ID: "p-1"}, "wf-pause")
	ws.CurrentStage = model.StageOutreach
	ws.CompletedStages = []model.Stage{model.StageDiscovery, model.StageEnrichment}
	if _, err := h.persist.Save(ctx, ws); err != nil {
		t.Fatal(err)
	}

	paused, err := h.orch.Pause(ctx, "wf-pause")
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.CurrentStage != model.StagePaused || !paused.Paused || paused.PausedAt == nil {
		t.Errorf("paused = %+v", paused)
	}
	// The interrupted stage was not completed.
	if len(paused.CompletedStages) != 2 {
		t.Errorf("CompletedStages = %v", paused.CompletedStages)
	}

	// Pausing again is rejected.
	if _, err := h.orch.Pause(ctx, "wf-pause"); !model.IsCode(err, model.ErrInvalidTransition) {
		t.Errorf("double pause = %v, want INVALID_TRANSITION", err)
	}

	resumed, err := h.orch.Resume(ctx, "wf-pause")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.CurrentStage != model.StageOutreach {
		t.Errorf("resumed into %q, want the interrupted stage outreach", resumed.CurrentStage)
	}
	if resumed.Paused || resumed.PausedAt != nil {
		t.Errorf("resumed = %+v", resumed)
	}

	// Execution continues to completion after the resume.
	h.waitForStage(t, "wf-pause", model.StageCompleted)
	if !h.sawEvent(model.EventWorkflowPaused) || !h.sawEvent(model.EventWorkflowResumed) {
		t.Errorf("events = %v", h.eventTypes())
	}
}

func TestResume_notPaused(t *testing.T) {
	h := newHarness(t, passThrough)
	ctx := context.Background()

	ws := state.CreateInitial(model.SubjectRef{ID: "p-1"}, "wf-running")
	if _, err := h.persist.Save(ctx, ws); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.Resume(ctx, "wf-running"); !model.IsCode(err, model.ErrNotPaused) {
		t.Errorf("error = %v, want NOT_PAUSED", err)
	}
	if _, err := h.orch.Resume(ctx, "missing"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("unknown id = %v, want NOT_FOUND", err)
	}
}

func seedFailed(t *testing.T, h *testHarness, id string) {
	t.Helper()
	ws := state.CreateInitial(model.SubjectRef{ID: "p-1"}, id)
	ws.CurrentStage = model.StageFailed
	ws.CompletedStages = []model.Stage{model.StageDiscovery, model.StageEnrichment}
	ws.HumanInterventionNeeded = true
	ws = state.AppendError(ws, "stage_processor", "outreach", "boom")
	if _, err := h.persist.Save(context.Background(), ws); err != nil {
		t.Fatal(err)
	}
}

func TestRetry(t *testing.T) {
	h := newHarness(t, passThrough)
	ctx := context.Background()
	seedFailed(t, h, "wf-retry")

	retried, err := h.orch.Retry(ctx, "wf-retry", "")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	// Default target is the first incomplete pipeline stage.
	if retried.CurrentStage != model.StageOutreach {
		t.Errorf("CurrentStage = %q, want outreach", retried.CurrentStage)
	}
	if retried.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", retried.RetryCount)
	}
	if retried.HumanInterventionNeeded || retried.ApprovalPending || retried.Paused {
		t.Errorf("intervention flags not reset: %+v", retried)
	}
	// The error log survives the retry.
	if len(retried.ErrorLog) != 1 {
		t.Errorf("ErrorLog = %v", retried.ErrorLog)
	}

	h.waitForStage(t, "wf-retry", model.StageCompleted)
	if !h.sawEvent(model.EventWorkflowRetrying) {
		t.Errorf("events = %v", h.eventTypes())
	}
}

func TestRetry_explicitStage(t *testing.T) {
	h := newHarness(t, passThrough)
	ctx := context.Background()
	seedFailed(t, h, "wf-retry")

	retried, err := h.orch.Retry(ctx, "wf-retry", model.StageEnrichment)
	if err != nil {
		t.Fatal(err)
	}
	if retried.CurrentStage != model.StageEnrichment {
		t.Errorf("CurrentStage = %q, want enrichment", retried.CurrentStage)
	}
	// The re-opened stage is no longer listed as completed.
	for _, s := range retried.CompletedStages {
		if s == model.StageEnrichment {
			t.Error("enrichment still listed as completed")
		}
	}
}

func TestRetry_invalidTargets(t *testing.T) {
	h := newHarness(t, passThrough)
	ctx := context.Background()
	seedFailed(t, h, "wf-retry")

	if _, err := h.orch.Retry(ctx, "wf-retry", model.StageCompleted); !model.IsCode(err, model.ErrInvalidTransition) {
		t.Errorf("retry into completed = %v, want INVALID_TRANSITION", err)
	}
	if _, err := h.orch.Retry(ctx, "wf-retry", "cold_calling"); !model.IsCode(err, model.ErrInvalidTransition) {
		t.Errorf("retry into unknown stage = %v, want INVALID_TRANSITION", err)
	}

	// Only failed workflows can be retried.
	ws := state.CreateInitial(model.SubjectRef{ID: "p-2"}, "wf-live")
	if _, err := h.persist.Save(ctx, ws); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.Retry(ctx, "wf-live", ""); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("retry of running workflow = %v, want CONFLICT", err)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, passThrough)
	ctx := context.Background()

	ws := state.CreateInitial(model.SubjectRef{ID: "p-1"}, "wf-cancel")
	ws.CurrentStage = model.StageProposal
	ws.CompletedStages = []model.Stage{
		model.StageDiscovery, model.StageEnrichment, model.StageOutreach,
	}
	if _, err := h.persist.Save(ctx, ws); err != nil {
		t.Fatal(err)
	}
	// A pending approval tied to the workflow is cancelled with it.
	req, err := h.reg.Request(ctx, model.ApprovalRequest{
		WorkflowID: "wf-cancel",
		Kind:       model.ApprovalKindMessageToSend,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := h.orch.Cancel(ctx, "wf-cancel", "prospect opted out")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.CurrentStage != model.StageFailed || cancelled.CancelReason != "prospect opted out" {
		t.Errorf("cancelled = %+v", cancelled)
	}

	if h.reg.PendingCount() != 0 {
		t.Error("pending approval survived the cancellation")
	}
	got, err := h.reg.Get(ctx, req.ApprovalID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.ApprovalCancelled {
		t.Errorf("approval status = %q, want cancelled", got.Status)
	}

	// Cancelling a terminal workflow is rejected.
	if _, err := h.orch.Cancel(ctx, "wf-cancel", "again"); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("second cancel = %v, want CONFLICT", err)
	}
	if !h.sawEvent(model.EventWorkflowCancelled) {
		t.Errorf("events = %v", h.eventTypes())
	}
}

func TestStatus_rehydrates(t *testing.T) {
	h := newHarness(t, passThrough)
	ctx := context.Background()

	ws := state.CreateInitial(model.SubjectRef{ID: "p-1"}, "wf-cold")
	ws.CurrentStage = model.StageMeeting
	ws.CompletedStages = []model.Stage{
		model.StageDiscovery, model.StageEnrichment, model.StageOutreach, model.StageProposal,
	}
	if _, err := h.persist.Save(ctx, ws); err != nil {
		t.Fatal(err)
	}

	if h.orch.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d before first touch", h.orch.ActiveCount())
	}
	view, err := h.orch.Status(ctx, "wf-cold")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if view.CurrentStage != model.StageMeeting || view.Subject != "p-1" {
		t.Errorf("view = %+v", view)
	}
	if h.orch.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want rehydrated entry", h.orch.ActiveCount())
	}

	if _, err := h.orch.Status(ctx, "missing"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("unknown id = %v, want NOT_FOUND", err)
	}
}

func TestActiveWorkflows_priorityOrder(t *testing.T) {
	h := newHarness(t, passThrough)
	ctx := context.Background()

	for _, tc := range []struct {
		id       string
		priority int
	}{
		{"wf-low", 2}, {"wf-high", 9}, {"wf-mid", 5},
	} {
		ws := state.CreateInitial(model.SubjectRef{ID: tc.id}, tc.id)
		ws.Priority = tc.priority
		if _, err := h.persist.Save(ctx, ws); err != nil {
			t.Fatal(err)
		}
		if _, err := h.orch.Status(ctx, tc.id); err != nil {
			t.Fatal(err)
		}
	}

	views := h.orch.ActiveWorkflows()
	if len(views) != 3 {
		t.Fatalf("ActiveWorkflows = %d, want 3", len(views))
	}
	if views[0].WorkflowID != "wf-high" || views[2].WorkflowID != "wf-low" {
		t.Errorf("order = %s, %s, %s", views[0].WorkflowID, views[1].WorkflowID, views[2].WorkflowID)
	}
}

func TestReapOnce(t *testing.T) {
	clock := struct {
		mu  sync.Mutex
		now time.Time
	}{now: time.Now().UTC()}
	nowFn := func() time.Time {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		return clock.now
	}

	h := newHarness(t, passThrough, func(o *Options) {
		o.Now = nowFn
		o.Retention = time.Hour
	})
	ctx := context.Background()

	stale := state.CreateInitial(model.SubjectRef{ID: "p-1"}, "wf-done")
	stale.CurrentStage = model.StageCompleted
	stale.CompletedStages = []model.Stage{
		model.StageDiscovery, model.StageEnrichment, model.StageOutreach,
		model.StageProposal, model.StageMeeting,
	}
	if _, err := h.persist.Save(ctx, stale); err != nil {
		t.Fatal(err)
	}
	running := state.CreateInitial(model.SubjectRef{ID: "p-2"}, "wf-live")
	if _, err := h.persist.Save(ctx, running); err != nil {
		t.Fatal(err)
	}
	// Pull both into the active map.
	for _, id := range []string{"wf-done", "wf-live"} {
		if _, err := h.orch.Status(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	// Within retention: nothing reaped.
	if n := h.orch.ReapOnce(ctx); n != 0 {
		t.Fatalf("early reap = %d, want 0", n)
	}

	clock.mu.Lock()
	clock.now = clock.now.Add(2 * time.Hour)
	clock.mu.Unlock()

	if n := h.orch.ReapOnce(ctx); n != 1 {
		t.Fatalf("reap = %d, want only the terminal workflow", n)
	}
	if h.orch.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", h.orch.ActiveCount())
	}

	// Archived but still loadable; excluded from the default listing.
	if _, err := h.persist.Load(ctx, "wf-done"); err != nil {
		t.Errorf("Load archived: %v", err)
	}
	summaries, _ := h.persist.List(ctx, persist.ListFilter{})
	for _, s := range summaries {
		if s.WorkflowID == "wf-done" {
			t.Error("archived workflow still in default listing")
		}
	}
	if !h.sawEvent(model.EventWorkflowArchived) {
		t.Errorf("events = %v", h.eventTypes())
	}
}

func TestApprovalGate(t *testing.T) {
	var gated sync.Once
	proc := processorFunc(func(_ context.Context, ws model.WorkflowState) (model.WorkflowState, error) {
		if ws.CurrentStage == model.StageOutreach {
			var first bool
			gated.Do(func() { first = true })
			if first {
				ws.ApprovalPending = true
				return ws, nil
			}
		}
		return ws, nil
	})
	h := newHarness(t, proc)
	ctx := context.Background()

	id, err := h.orch.StartWorkflow(ctx, model.SubjectRef{ID: "p-1"}, "", 0)
	if err != nil {
		t.Fatal(err)
	}

	// Execution stops at the gate with a filed approval request.
	waitFor(t, "approval request", func() bool { return h.reg.PendingCount() == 1 })
	view, err := h.orch.Status(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !view.ApprovalPending || view.CurrentStage != model.StageOutreach {
		t.Errorf("view = %+v", view)
	}

	pending := h.reg.ListPending(approval.Filter{WorkflowID: id})
	if len(pending) != 1 || pending[0].Kind != model.ApprovalKindMessageToSend {
		t.Fatalf("pending = %+v", pending)
	}

	if _, err := h.reg.Decide(ctx, pending[0].ApprovalID, model.Decision{
		Approved:  true,
		DecidedBy: "sdr-lead",
	}); err != nil {
		t.Fatal(err)
	}

	// The approval unblocks the workflow through to completion.
	h.waitForStage(t, id, model.StageCompleted)
}

func TestApprovalGate_rejection(t *testing.T) {
	proc := processorFunc(func(_ context.Context, ws model.WorkflowState) (model.WorkflowState, error) {
		if ws.CurrentStage == model.StageOutreach {
			ws.ApprovalPending = true
		}
		return ws, nil
	})
	h := newHarness(t, proc)
	ctx := context.Background()

	id, err := h.orch.StartWorkflow(ctx, model.SubjectRef{ID: "p-1"}, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "approval request", func() bool { return h.reg.PendingCount() == 1 })

	pending := h.reg.ListPending(approval.Filter{WorkflowID: id})
	if _, err := h.reg.Decide(ctx, pending[0].ApprovalID, model.Decision{Approved: false}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "intervention flag", func() bool {
		view, verr := h.orch.Status(ctx, id)
		return verr == nil && view.HumanInterventionNeeded
	})
	view, _ := h.orch.Status(ctx, id)
	if view.ApprovalPending {
		t.Error("approval flag not cleared after rejection")
	}
	if view.CurrentStage != model.StageOutreach {
		t.Errorf("stage = %q, want workflow held at outreach", view.CurrentStage)
	}
}

func TestRetry_waitsForInFlightExecute(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	proc := processorFunc(func(_ context.Context, ws model.WorkflowState) (model.WorkflowState, error) {
		var first bool
		once.Do(func() { first = true })
		if first {
			close(entered)
			<-release
			return ws, errors.New("lead source offline")
		}
		return ws, nil
	})
	h := newHarness(t, proc)
	ctx := context.Background()

	id, err := h.orch.StartWorkflow(ctx, model.SubjectRef{ID: "p-1"}, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	// Discovery is executing and holds the workflow lock.
	<-entered

	type retryResult struct {
		ws  model.WorkflowState
		err error
	}
	done := make(chan retryResult, 1)
	go func() {
		ws, rerr := h.orch.Retry(ctx, id, "")
		done <- retryResult{ws, rerr}
	}()

	// The retry must wait for the in-flight stage, not interleave with it.
	select {
	case res := <-done:
		close(release)
		t.Fatalf("Retry returned mid-execution: %+v, %v", res.ws, res.err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	res := <-done
	if res.err != nil {
		t.Fatalf("Retry: %v", res.err)
	}
	// The retry saw the failure write whole: the error record landed and the
	// target derives from the committed failed state.
	if res.ws.CurrentStage != model.StageDiscovery {
		t.Errorf("retry stage = %q, want discovery", res.ws.CurrentStage)
	}
	if res.ws.RetryCount != 1 || len(res.ws.ErrorLog) != 1 {
		t.Errorf("retried = %+v", res.ws)
	}
	if err := state.Validate(res.ws); err != nil {
		t.Errorf("retried state invalid: %v", err)
	}

	h.waitForStage(t, id, model.StageCompleted)
}

func TestRetry_concurrentSingleWinner(t *testing.T) {
	h := newHarness(t, passThrough)
	ctx := context.Background()
	seedFailed(t, h, "wf-race")

	const callers = 4
	results := make(chan error, callers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			_, err := h.orch.Retry(ctx, "wf-race", "")
			results <- err
		}()
	}
	start.Done()

	wins := 0
	for i := 0; i < callers; i++ {
		err := <-results
		switch {
		case err == nil:
			wins++
		case model.IsCode(err, model.ErrConflict):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly one retry to land", wins)
	}

	h.waitForStage(t, "wf-race", model.StageCompleted)
	loaded, err := h.persist.Load(ctx, "wf-race")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", loaded.RetryCount)
	}
}

func TestActiveWorkflows_notBlockedByInFlightStage(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	proc := processorFunc(func(_ context.Context, ws model.WorkflowState) (model.WorkflowState, error) {
		once.Do(func() {
			close(entered)
			<-release
		})
		return ws, nil
	})
	h := newHarness(t, proc)
	ctx := context.Background()

	id, err := h.orch.StartWorkflow(ctx, model.SubjectRef{ID: "p-1"}, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	<-entered

	// The listing serves the last committed view while the stage call is
	// still holding the workflow lock.
	done := make(chan []model.WorkflowStatusView, 1)
	go func() { done <- h.orch.ActiveWorkflows() }()
	select {
	case views := <-done:
		if len(views) != 1 || views[0].WorkflowID != id {
			t.Errorf("views = %+v", views)
		} else if views[0].CurrentStage != model.StageDiscovery {
			t.Errorf("stage = %q, want the committed pre-call view", views[0].CurrentStage)
		}
	case <-time.After(time.Second):
		t.Error("ActiveWorkflows blocked behind an in-flight stage call")
	}

	close(release)
	h.waitForStage(t, id, model.StageCompleted)
}

func TestSnapshot_retriedFailureCountedOnce(t *testing.T) {
	var failOnce sync.Once
	proc := processorFunc(func(_ context.Context, ws model.WorkflowState) (model.WorkflowState, error) {
		var fail bool
		if ws.CurrentStage == model.StageOutreach {
			failOnce.Do(func() { fail = true })
		}
		if fail {
			return ws, errors.New("smtp relay unavailable")
		}
		return ws, nil
	})
	h := newHarness(t, proc)
	ctx := context.Background()

	id, err := h.orch.StartWorkflow(ctx, model.SubjectRef{ID: "p-1"}, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	h.waitForStage(t, id, model.StageFailed)

	if _, err := h.orch.Retry(ctx, id, ""); err != nil {
		t.Fatal(err)
	}
	h.waitForStage(t, id, model.StageCompleted)

	stats := h.orch.Snapshot()
	if stats.Failed != 1 || stats.Retried != 1 || stats.Completed != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	// The re-opened failure gave its average contribution back; only the
	// completion counts.
	h.orch.statsMu.Lock()
	finished := h.orch.finished
	total := h.orch.totalDuration
	h.orch.statsMu.Unlock()
	if finished != 1 {
		t.Errorf("finished = %d, want the workflow counted once", finished)
	}
	if stats.AverageDuration != total {
		t.Errorf("AverageDuration = %v, want the single completion's %v", stats.AverageDuration, total)
	}
}

func TestRetry_gatedWorkflowRecoversViaCancel(t *testing.T) {
	var gated sync.Once
	proc := processorFunc(func(_ context.Context, ws model.WorkflowState) (model.WorkflowState, error) {
		if ws.CurrentStage == model.StageOutreach {
			var first bool
			gated.Do(func() { first = true })
			if first {
				ws.ApprovalPending = true
			}
		}
		return ws, nil
	})
	h := newHarness(t, proc)
	ctx := context.Background()

	id, err := h.orch.StartWorkflow(ctx, model.SubjectRef{ID: "p-1"}, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "approval request", func() bool { return h.reg.PendingCount() == 1 })

	pending := h.reg.ListPending(approval.Filter{WorkflowID: id})
	if _, err := h.reg.Decide(ctx, pending[0].ApprovalID, model.Decision{Approved: false}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "intervention flag", func() bool {
		view, verr := h.orch.Status(ctx, id)
		return verr == nil && view.HumanInterventionNeeded
	})

	// A rejected gate leaves the workflow live, so Retry refuses it.
	if _, err := h.orch.Retry(ctx, id, ""); !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("retry of gated workflow = %v, want CONFLICT", err)
	}

	// Recovery is cancel, then retry the resulting failed state.
	if _, err := h.orch.Cancel(ctx, id, "restarting outreach"); err != nil {
		t.Fatal(err)
	}
	retried, err := h.orch.Retry(ctx, id, "")
	if err != nil {
		t.Fatalf("Retry after cancel: %v", err)
	}
	if retried.CurrentStage != model.StageOutreach {
		t.Errorf("retry stage = %q, want the interrupted outreach", retried.CurrentStage)
	}
	if retried.HumanInterventionNeeded || retried.CancelReason != "" {
		t.Errorf("flags not reset: %+v", retried)
	}

	h.waitForStage(t, id, model.StageCompleted)
}
