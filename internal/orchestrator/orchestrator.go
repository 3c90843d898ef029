// Package orchestrator drives workflows through the outreach pipeline. Each
// workflow has an entry in the active map guarding its state with a dedicated
// mutex, so mutations of one workflow serialize while distinct workflows
// proceed in parallel.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/seqora/cadence/internal/approval"
	"github.com/seqora/cadence/internal/events"
	"github.com/seqora/cadence/internal/observability"
	"github.com/seqora/cadence/internal/persist"
	"github.com/seqora/cadence/internal/state"
	"github.com/seqora/cadence/model"
)

// Defaults applied when the corresponding Options field is zero.
const (
	DefaultRetention  = 24 * time.Hour
	DefaultReapEvery  = time.Hour
	approvalPriority  = 7
	processorErrorSrc = "stage_processor"
)

// StageProcessor executes the work of the workflow's current stage and
// returns the updated state. It must not change the current stage; advancing
// is the orchestrator's job. Setting ApprovalPending on the returned state
// requests a human gate before the workflow advances.
type StageProcessor interface {
	Process(ctx context.Context, ws model.WorkflowState) (model.WorkflowState, error)
}

// Stats is an aggregate snapshot of orchestrator activity since start.
type Stats struct {
	Active          int           `json:"active"`
	Started         int           `json:"started"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Retried         int           `json:"retried"`
	Cancelled       int           `json:"cancelled"`
	AverageDuration time.Duration `json:"average_duration"`
}

// Options configures an Orchestrator.
type Options struct {
	Persist   *persist.Service
	Approvals *approval.Registry
	Broker    *events.Broker
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	Processor StageProcessor

	// Retention is how long a terminal workflow stays un-archived.
	Retention time.Duration
	// ReapEvery is the reaper ticker interval.
	ReapEvery time.Duration

	// Now overrides the clock. Tests inject a fake.
	Now func() time.Time
}

type entry struct {
	mu    sync.Mutex
	state model.WorkflowState

	// snap is the last committed status view, readable without e.mu so a
	// slow in-flight stage call cannot block listings.
	snap atomic.Pointer[model.WorkflowStatusView]
}

// setState replaces the entry's state and refreshes the lock-free snapshot.
// Callers must hold e.mu unless the entry is not yet shared.
func (e *entry) setState(ws model.WorkflowState) {
	e.state = ws
	v := statusView(ws)
	e.snap.Store(&v)
}

// Orchestrator owns the active map and the workflow lifecycle operations.
type Orchestrator struct {
	persist   *persist.Service
	approvals *approval.Registry
	broker    *events.Broker
	metrics   *observability.Metrics
	logger    *zap.Logger
	processor StageProcessor
	now       func() time.Time

	retention time.Duration
	reapEvery time.Duration

	mu     sync.Mutex
	active map[string]*entry

	statsMu       sync.Mutex
	stats         Stats
	totalDuration time.Duration
	finished      int
	// failedDurations remembers what each failed workflow contributed to the
	// running average, so a retry can take the contribution back. A workflow
	// counts once per terminal outcome, not once per failed attempt.
	failedDurations map[string]time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// New creates an orchestrator. The reaper does not run until StartReaper.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.ReapEvery <= 0 {
		opts.ReapEvery = DefaultReapEvery
	}
	return &Orchestrator{
		persist:         opts.Persist,
		approvals:       opts.Approvals,
		broker:          opts.Broker,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		processor:       opts.Processor,
		now:             opts.Now,
		retention:       opts.Retention,
		reapEvery:       opts.ReapEvery,
		active:          make(map[string]*entry),
		failedDurations: make(map[string]time.Duration),
		stop:            make(chan struct{}),
	}
}

// StartWorkflow creates a workflow for the subject, persists its initial
// state, and schedules asynchronous execution of the first stage. It returns
// the workflow id immediately; execution progress is observed via Status and
// the event stream.
func (o *Orchestrator) StartWorkflow(ctx context.Context, subject model.SubjectRef, workflowID string, priority int) (string, error) {
	if subject.ID == "" {
		return "", model.NewBadRequestError("subject id is required")
	}

	if workflowID != "" {
		// A caller-supplied id must not clobber an existing workflow.
		if _, err := o.persist.Load(ctx, workflowID); err == nil {
			return "", model.NewConflictError(
				fmt.Sprintf("workflow %q already exists", workflowID),
			)
		} else if !model.IsCode(err, model.ErrNotFound) {
			return "", err
		}
	}

	ws := state.CreateInitial(subject, workflowID)
	if priority != 0 {
		ws.Priority = priority
	}

	o.mu.Lock()
	if _, exists := o.active[ws.WorkflowID]; exists {
		o.mu.Unlock()
		return "", model.NewConflictError(
			fmt.Sprintf("workflow %q already active", ws.WorkflowID),
		)
	}
	e := &entry{}
	o.active[ws.WorkflowID] = e
	o.mu.Unlock()

	e.mu.Lock()
	saved, err := o.persist.Save(ctx, ws)
	if err != nil {
		e.mu.Unlock()
		o.dropEntry(ws.WorkflowID)
		return "", err
	}
	e.setState(saved)
	e.mu.Unlock()

	o.statsMu.Lock()
	o.stats.Started++
	o.statsMu.Unlock()
	if o.metrics != nil {
		o.metrics.RecordWorkflowStart(string(saved.CurrentStage))
		o.metrics.SetWorkflowsActive(float64(o.ActiveCount()))
	}
	o.logger.Info("workflow started",
		zap.String("workflow_id", saved.WorkflowID),
		zap.String("subject", subject.ID),
		zap.Int("priority", saved.Priority))
	o.publish(model.EventWorkflowStarted, saved.WorkflowID, map[string]any{
		"stage":   string(saved.CurrentStage),
		"subject": subject.ID,
	})

	o.schedule(saved.WorkflowID)
	return saved.WorkflowID, nil
}

// schedule queues one asynchronous execution pass for the workflow.
func (o *Orchestrator) schedule(workflowID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-o.stop:
			return
		default:
		}
		o.execute(context.Background(), workflowID)
	}()
}

// execute runs one stage under the workflow's lock: invoke the processor,
// adopt its result, advance the pipeline, and schedule the next pass when the
// workflow is still runnable.
func (o *Orchestrator) execute(ctx context.Context, workflowID string) {
	o.mu.Lock()
	e, ok := o.active[workflowID]
	o.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	ws := e.state
	if ws.Paused || ws.ApprovalPending || ws.CurrentStage.Terminal() {
		e.mu.Unlock()
		return
	}
	stage := ws.CurrentStage

	started := o.now()
	result, err := o.processor.Process(ctx, ws)
	elapsed := o.now().Sub(started)
	if o.metrics != nil {
		o.metrics.RecordStageDuration(string(stage), elapsed)
	}

	if err != nil {
		ws = state.AppendError(ws, processorErrorSrc, string(stage), err.Error())
		ws = state.ForceFail(ws)
		if saved, perr := o.persist.Save(ctx, ws); perr == nil {
			ws = saved
		} else {
			// In-memory copy stays authoritative; the next mutation retries.
			o.logger.Error("failed workflow state not persisted",
				zap.String("workflow_id", workflowID), zap.Error(perr))
		}
		e.setState(ws)
		e.mu.Unlock()

		o.recordFailure(ws, stage)
		o.logger.Warn("stage processor failed",
			zap.String("workflow_id", workflowID),
			zap.String("stage", string(stage)),
			zap.Error(err))
		o.publish(model.EventWorkflowError, workflowID, map[string]any{
			"stage": string(stage),
			"error": err.Error(),
		})
		o.publish(model.EventWorkflowFailed, workflowID, map[string]any{
			"stage": string(stage),
		})
		return
	}

	ws = state.Sanitize(result)
	ws.WorkflowID = workflowID
	ws.CurrentStage = stage

	if ws.ApprovalPending {
		if saved, perr := o.persist.Save(ctx, ws); perr == nil {
			ws = saved
		}
		e.setState(ws)
		e.mu.Unlock()
		o.fileApproval(ctx, ws)
		return
	}

	next := nextPipelineStage(stage)
	advanced, aerr := state.AdvanceStage(ws, next)
	if aerr != nil {
		e.setState(ws)
		e.mu.Unlock()
		o.logger.Error("stage advance rejected",
			zap.String("workflow_id", workflowID),
			zap.String("from", string(stage)),
			zap.String("to", string(next)),
			zap.Error(aerr))
		return
	}
	ws = advanced
	if saved, perr := o.persist.Save(ctx, ws); perr == nil {
		ws = saved
	} else {
		o.logger.Error("workflow state not persisted",
			zap.String("workflow_id", workflowID), zap.Error(perr))
	}
	e.setState(ws)
	e.mu.Unlock()

	if ws.CurrentStage == model.StageCompleted {
		o.recordCompletion(ws)
		o.logger.Info("workflow completed", zap.String("workflow_id", workflowID))
		o.publish(model.EventWorkflowCompleted, workflowID, map[string]any{
			"completed_stages": len(ws.CompletedStages),
		})
		return
	}

	o.publish(model.EventWorkflowStageAdvanced, workflowID, map[string]any{
		"from": string(stage),
		"to":   string(ws.CurrentStage),
	})
	o.schedule(workflowID)
}

// fileApproval opens a human gate for the workflow's current stage. Approval
// clears the gate and resumes execution; rejection flags the workflow for
// human intervention.
func (o *Orchestrator) fileApproval(ctx context.Context, ws model.WorkflowState) {
	if o.approvals == nil {
		return
	}

	req := model.ApprovalRequest{
		WorkflowID: ws.WorkflowID,
		Kind:       approvalKindForStage(ws.CurrentStage),
		Reason:     fmt.Sprintf("stage %s awaiting approval", ws.CurrentStage),
		Priority:   approvalPriority,
	}
	workflowID := ws.WorkflowID
	_, err := o.approvals.Request(ctx, req, func(resolved model.ApprovalRequest) {
		o.onApprovalResolved(workflowID, resolved)
	})
	if err != nil {
		o.logger.Error("approval request failed",
			zap.String("workflow_id", ws.WorkflowID), zap.Error(err))
	}
}

func (o *Orchestrator) onApprovalResolved(workflowID string, resolved model.ApprovalRequest) {
	ctx := context.Background()
	e, err := o.entryFor(ctx, workflowID)
	if err != nil {
		o.logger.Warn("approval resolved for unknown workflow",
			zap.String("workflow_id", workflowID), zap.Error(err))
		return
	}

	e.mu.Lock()
	ws := e.state
	ws.ApprovalPending = false
	if resolved.Status != model.ApprovalApproved {
		ws.HumanInterventionNeeded = true
	}
	if saved, perr := o.persist.Save(ctx, ws); perr == nil {
		ws = saved
	}
	e.setState(ws)
	e.mu.Unlock()

	if resolved.Status == model.ApprovalApproved {
		o.schedule(workflowID)
	}
}

// Pause interrupts a running workflow. The interrupted stage is not recorded
// as completed; Resume returns to it.
func (o *Orchestrator) Pause(ctx context.Context, workflowID string) (model.WorkflowState, error) {
	e, err := o.entryFor(ctx, workflowID)
	if err != nil {
		return model.WorkflowState{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ws, aerr := state.AdvanceStage(e.state, model.StagePaused)
	if aerr != nil {
		return model.WorkflowState{}, aerr
	}
	now := o.now()
	ws.Paused = true
	ws.PausedAt = &now

	saved, perr := o.persist.Save(ctx, ws)
	if perr != nil {
		return model.WorkflowState{}, perr
	}
	e.setState(saved)

	o.logger.Info("workflow paused", zap.String("workflow_id", workflowID))
	o.publish(model.EventWorkflowPaused, workflowID, nil)
	return saved, nil
}

// Resume returns a paused workflow to the first pipeline stage it has not
// completed and schedules execution.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) (model.WorkflowState, error) {
	e, err := o.entryFor(ctx, workflowID)
	if err != nil {
		return model.WorkflowState{}, err
	}

	e.mu.Lock()
	if !e.state.Paused || e.state.CurrentStage != model.StagePaused {
		e.mu.Unlock()
		return model.WorkflowState{}, model.NewNotPausedError(
			fmt.Sprintf("workflow %q is not paused", workflowID),
		)
	}

	target := firstIncompleteStage(e.state)
	ws, aerr := state.AdvanceStage(e.state, target)
	if aerr != nil {
		e.mu.Unlock()
		return model.WorkflowState{}, aerr
	}
	ws.Paused = false
	ws.PausedAt = nil

	saved, perr := o.persist.Save(ctx, ws)
	if perr != nil {
		e.mu.Unlock()
		return model.WorkflowState{}, perr
	}
	e.setState(saved)
	e.mu.Unlock()

	o.logger.Info("workflow resumed",
		zap.String("workflow_id", workflowID),
		zap.String("stage", string(saved.CurrentStage)))
	o.publish(model.EventWorkflowResumed, workflowID, map[string]any{
		"stage": string(saved.CurrentStage),
	})
	o.schedule(workflowID)
	return saved, nil
}

// Retry re-opens a failed workflow at fromStage, or at its first incomplete
// pipeline stage when fromStage is empty. Intervention flags are reset and
// the retry counter incremented. Only failed workflows qualify: a workflow
// parked by a rejected or expired approval gate is still live, so recovering
// it means cancelling first and retrying the resulting failed state.
func (o *Orchestrator) Retry(ctx context.Context, workflowID string, fromStage model.Stage) (model.WorkflowState, error) {
	e, err := o.entryFor(ctx, workflowID)
	if err != nil {
		return model.WorkflowState{}, err
	}

	e.mu.Lock()
	if e.state.CurrentStage != model.StageFailed {
		e.mu.Unlock()
		return model.WorkflowState{}, model.NewConflictError(
			fmt.Sprintf("workflow %q is %s, only failed workflows can be retried",
				workflowID, e.state.CurrentStage),
		)
	}

	ws := e.state
	target := fromStage
	if target == "" {
		target = firstIncompleteStage(ws)
	}
	if !isWorkStage(target) {
		e.mu.Unlock()
		return model.WorkflowState{}, model.NewInvalidTransitionError(
			fmt.Sprintf("cannot retry into stage %q", target),
		)
	}

	// Retry is the one move that bypasses the stage graph: failed is terminal
	// for every other path.
	ws.CompletedStages = dropStage(ws.CompletedStages, target)
	ws.CurrentStage = target
	ws.RetryCount++
	ws.HumanInterventionNeeded = false
	ws.ApprovalPending = false
	ws.Paused = false
	ws.PausedAt = nil
	ws.CancelReason = ""
	ws.LastUpdatedAt = o.now()

	saved, perr := o.persist.Save(ctx, ws)
	if perr != nil {
		e.mu.Unlock()
		return model.WorkflowState{}, perr
	}
	e.setState(saved)
	e.mu.Unlock()

	o.statsMu.Lock()
	o.stats.Retried++
	// The failure this retry re-opens is no longer a terminal outcome; take
	// its contribution to the running average back.
	if d, ok := o.failedDurations[workflowID]; ok {
		o.totalDuration -= d
		o.finished--
		delete(o.failedDurations, workflowID)
	}
	o.statsMu.Unlock()
	if o.metrics != nil {
		o.metrics.RecordWorkflowRetry()
	}
	o.logger.Info("workflow retrying",
		zap.String("workflow_id", workflowID),
		zap.String("stage", string(target)),
		zap.Int("retry_count", saved.RetryCount))
	o.publish(model.EventWorkflowRetrying, workflowID, map[string]any{
		"stage":       string(target),
		"retry_count": saved.RetryCount,
	})
	o.schedule(workflowID)
	return saved, nil
}

// Cancel fails a non-terminal workflow with a reason and cancels its pending
// approval requests.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID, reason string) (model.WorkflowState, error) {
	e, err := o.entryFor(ctx, workflowID)
	if err != nil {
		return model.WorkflowState{}, err
	}

	e.mu.Lock()
	if e.state.CurrentStage.Terminal() {
		e.mu.Unlock()
		return model.WorkflowState{}, model.NewConflictError(
			fmt.Sprintf("workflow %q is already %s", workflowID, e.state.CurrentStage),
		)
	}

	ws := state.ForceFail(e.state)
	ws.CancelReason = reason
	ws.Paused = false
	ws.PausedAt = nil
	ws.ApprovalPending = false

	saved, perr := o.persist.Save(ctx, ws)
	if perr != nil {
		e.mu.Unlock()
		return model.WorkflowState{}, perr
	}
	e.setState(saved)
	e.mu.Unlock()

	if o.approvals != nil {
		for _, req := range o.approvals.ListPending(approval.Filter{WorkflowID: workflowID}) {
			if cerr := o.approvals.Cancel(ctx, req.ApprovalID); cerr != nil {
				o.logger.Warn("pending approval not cancelled",
					zap.String("approval_id", req.ApprovalID), zap.Error(cerr))
			}
		}
	}

	o.statsMu.Lock()
	o.stats.Cancelled++
	o.statsMu.Unlock()
	if o.metrics != nil {
		o.metrics.RecordWorkflowCancellation()
	}
	o.logger.Info("workflow cancelled",
		zap.String("workflow_id", workflowID),
		zap.String("reason", reason))
	o.publish(model.EventWorkflowCancelled, workflowID, map[string]any{
		"reason": reason,
	})
	return saved, nil
}

// Status returns a snapshot of one workflow, rehydrating it from storage when
// it is not in the active map.
func (o *Orchestrator) Status(ctx context.Context, workflowID string) (model.WorkflowStatusView, error) {
	e, err := o.entryFor(ctx, workflowID)
	if err != nil {
		return model.WorkflowStatusView{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return statusView(e.state), nil
}

// ActiveWorkflows returns status snapshots for every workflow in the active
// map, highest priority first. It reads each entry's last committed view
// rather than taking the entry lock, so one workflow stuck in a slow stage
// call cannot hold up the listing.
func (o *Orchestrator) ActiveWorkflows() []model.WorkflowStatusView {
	o.mu.Lock()
	entries := make([]*entry, 0, len(o.active))
	for _, e := range o.active {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	views := make([]model.WorkflowStatusView, 0, len(entries))
	for _, e := range entries {
		if v := e.snap.Load(); v != nil {
			views = append(views, *v)
		}
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Priority != views[j].Priority {
			return views[i].Priority > views[j].Priority
		}
		return views[i].StartedAt.Before(views[j].StartedAt)
	})
	return views
}

// ActiveCount returns the active map size.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Snapshot returns an aggregate activity snapshot.
func (o *Orchestrator) Snapshot() Stats {
	o.statsMu.Lock()
	s := o.stats
	if o.finished > 0 {
		s.AverageDuration = o.totalDuration / time.Duration(o.finished)
	}
	o.statsMu.Unlock()
	s.Active = o.ActiveCount()
	return s
}

// ReapOnce archives terminal workflows idle past retention and evicts them
// from the active map. Returns how many were archived.
func (o *Orchestrator) ReapOnce(ctx context.Context) int {
	cutoff := o.now().Add(-o.retention)

	o.mu.Lock()
	candidates := make(map[string]*entry, len(o.active))
	for id, e := range o.active {
		candidates[id] = e
	}
	o.mu.Unlock()

	reaped := 0
	for id, e := range candidates {
		e.mu.Lock()
		terminal := e.state.CurrentStage.Terminal()
		idle := e.state.LastUpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if !terminal || !idle {
			continue
		}

		if err := o.persist.Archive(ctx, id); err != nil {
			o.logger.Error("workflow not archived",
				zap.String("workflow_id", id), zap.Error(err))
			continue
		}
		o.dropEntry(id)
		reaped++
		o.publish(model.EventWorkflowArchived, id, nil)
	}

	if reaped > 0 && o.metrics != nil {
		o.metrics.SetWorkflowsActive(float64(o.ActiveCount()))
	}
	return reaped
}

// StartReaper launches the hourly reaper ticker.
func (o *Orchestrator) StartReaper(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.reapEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.ReapOnce(ctx)
			case <-o.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the reaper, blocks new execution passes, and waits for in-flight
// ones to finish.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	o.wg.Wait()
}

// entryFor returns the active entry for the workflow, lazily rehydrating it
// from the persistence service on first touch after a restart.
func (o *Orchestrator) entryFor(ctx context.Context, workflowID string) (*entry, error) {
	o.mu.Lock()
	if e, ok := o.active[workflowID]; ok {
		o.mu.Unlock()
		return e, nil
	}
	o.mu.Unlock()

	ws, err := o.persist.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	// Another caller may have rehydrated while we were loading.
	if e, ok := o.active[workflowID]; ok {
		return e, nil
	}
	e := &entry{}
	e.setState(ws)
	o.active[workflowID] = e
	if o.metrics != nil {
		o.metrics.SetWorkflowsActive(float64(len(o.active)))
	}
	return e, nil
}

func (o *Orchestrator) dropEntry(workflowID string) {
	o.mu.Lock()
	delete(o.active, workflowID)
	o.mu.Unlock()

	// An evicted failure keeps its terminal outcome; the bookkeeping for a
	// possible retry is no longer needed.
	o.statsMu.Lock()
	delete(o.failedDurations, workflowID)
	o.statsMu.Unlock()
}

func (o *Orchestrator) recordCompletion(ws model.WorkflowState) {
	o.statsMu.Lock()
	o.stats.Completed++
	o.totalDuration += ws.LastUpdatedAt.Sub(ws.StartedAt)
	o.finished++
	o.statsMu.Unlock()
	if o.metrics != nil {
		o.metrics.RecordWorkflowCompletion(string(model.StageCompleted))
	}
}

func (o *Orchestrator) recordFailure(ws model.WorkflowState, stage model.Stage) {
	d := ws.LastUpdatedAt.Sub(ws.StartedAt)
	o.statsMu.Lock()
	o.stats.Failed++
	o.totalDuration += d
	o.finished++
	o.failedDurations[ws.WorkflowID] = d
	o.statsMu.Unlock()
	if o.metrics != nil {
		o.metrics.RecordWorkflowError(string(stage))
		o.metrics.RecordWorkflowCompletion(string(model.StageFailed))
	}
}

func (o *Orchestrator) publish(eventType, workflowID string, data map[string]any) {
	if o.broker == nil {
		return
	}
	o.broker.PublishWorkflow(eventType, workflowID, data)
	if o.metrics != nil {
		o.metrics.RecordEventPublished(eventType)
	}
}

func statusView(ws model.WorkflowState) model.WorkflowStatusView {
	return model.WorkflowStatusView{
		WorkflowID:              ws.WorkflowID,
		CurrentStage:            ws.CurrentStage,
		CompletedStages:         ws.CompletedStages,
		Subject:                 ws.Subject.ID,
		Priority:                ws.Priority,
		RetryCount:              ws.RetryCount,
		ErrorCount:              len(ws.ErrorLog),
		Paused:                  ws.Paused,
		ApprovalPending:         ws.ApprovalPending,
		HumanInterventionNeeded: ws.HumanInterventionNeeded,
		StartedAt:               ws.StartedAt,
		LastUpdatedAt:           ws.LastUpdatedAt,
	}
}

// approvalKindForStage maps a gated stage to what the human is being asked
// to sign off on.
func approvalKindForStage(s model.Stage) model.ApprovalKind {
	switch s {
	case model.StageOutreach, model.StageProposal:
		return model.ApprovalKindMessageToSend
	case model.StageMeeting:
		return model.ApprovalKindScheduleChange
	case model.StageDiscovery, model.StageEnrichment:
		return model.ApprovalKindDataQuality
	default:
		return model.ApprovalKindEscalation
	}
}

// nextPipelineStage returns the declared successor of a working stage.
func nextPipelineStage(s model.Stage) model.Stage {
	for i, stage := range state.PipelineStages {
		if stage == s && i+1 < len(state.PipelineStages) {
			return state.PipelineStages[i+1]
		}
	}
	return model.StageCompleted
}

// firstIncompleteStage returns the earliest pipeline stage the workflow has
// not completed. This is the stage that was active before a pause or failure,
// since interruption never records the stage as completed.
func firstIncompleteStage(ws model.WorkflowState) model.Stage {
	done := make(map[model.Stage]bool, len(ws.CompletedStages))
	for _, s := range ws.CompletedStages {
		done[s] = true
	}
	for _, s := range state.PipelineStages {
		if s == model.StageCompleted {
			break
		}
		if !done[s] {
			return s
		}
	}
	return model.StageMeeting
}

// isWorkStage reports whether s is a pipeline stage that performs work.
func isWorkStage(s model.Stage) bool {
	for _, stage := range state.PipelineStages {
		if s == stage {
			return s != model.StageCompleted
		}
	}
	return false
}

func dropStage(stages []model.Stage, s model.Stage) []model.Stage {
	out := make([]model.Stage, 0, len(stages))
	for _, existing := range stages {
		if existing != s {
			out = append(out, existing)
		}
	}
	return out
}
