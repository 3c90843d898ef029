// Package approval manages human decision points: time-bounded approval
// requests tied to workflows, with durable storage, an in-memory pending
// index, expiry and reminder sweeps, and in-process decision callbacks.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seqora/cadence/internal/events"
	"github.com/seqora/cadence/internal/notify"
	"github.com/seqora/cadence/internal/observability"
	"github.com/seqora/cadence/internal/store"
	"github.com/seqora/cadence/model"
)

// Defaults applied when the corresponding Options field is zero.
const (
	DefaultExpiry         = 24 * time.Hour
	DefaultExpirySweep    = 5 * time.Minute
	DefaultReminderSweep  = time.Hour
	DefaultReminderAfter  = 30 * time.Minute
	DefaultReminderMinPri = 8
	defaultPriority       = 5
)

// Callback is invoked exactly once when a pending request is resolved by a
// human decision. It runs outside the registry lock. Callbacks are in-process
// only: they do not survive a restart.
type Callback func(req model.ApprovalRequest)

// Filter narrows a pending listing.
type Filter struct {
	WorkflowID string
	Kind       model.ApprovalKind
	AssignedTo string
}

// Options configures a Registry.
type Options struct {
	Store    store.ApprovalStore
	Broker   *events.Broker
	Notifier notify.Notifier
	Metrics  *observability.Metrics
	Logger   *zap.Logger

	DefaultExpiry       time.Duration
	ExpirySweepEvery    time.Duration
	ReminderSweepEvery  time.Duration
	ReminderAfter       time.Duration
	ReminderMinPriority int

	// Now overrides the clock. Tests inject a fake.
	Now func() time.Time
}

type pendingEntry struct {
	req          model.ApprovalRequest
	callback     Callback
	lastReminder time.Time
}

// Registry tracks approval requests. The durable store is the source of truth;
// the pending index exists so decisions, sweeps, and listings do not round-trip
// through storage.
type Registry struct {
	store    store.ApprovalStore
	broker   *events.Broker
	notifier notify.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time

	defaultExpiry  time.Duration
	expiryEvery    time.Duration
	reminderEvery  time.Duration
	reminderAfter  time.Duration
	reminderMinPri int

	mu      sync.Mutex
	pending map[string]*pendingEntry

	stopOnce sync.Once
	stop     chan struct{}
	done     sync.WaitGroup
}

// NewRegistry creates a registry. Sweeps do not run until Start is called.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.DefaultExpiry <= 0 {
		opts.DefaultExpiry = DefaultExpiry
	}
	if opts.ExpirySweepEvery <= 0 {
		opts.ExpirySweepEvery = DefaultExpirySweep
	}
	if opts.ReminderSweepEvery <= 0 {
		opts.ReminderSweepEvery = DefaultReminderSweep
	}
	if opts.ReminderAfter <= 0 {
		opts.ReminderAfter = DefaultReminderAfter
	}
	if opts.ReminderMinPriority <= 0 {
		opts.ReminderMinPriority = DefaultReminderMinPri
	}
	return &Registry{
		store:          opts.Store,
		broker:         opts.Broker,
		notifier:       opts.Notifier,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		now:            opts.Now,
		defaultExpiry:  opts.DefaultExpiry,
		expiryEvery:    opts.ExpirySweepEvery,
		reminderEvery:  opts.ReminderSweepEvery,
		reminderAfter:  opts.ReminderAfter,
		reminderMinPri: opts.ReminderMinPriority,
		pending:        make(map[string]*pendingEntry),
		stop:           make(chan struct{}),
	}
}

// Request files a new approval request. Zero priority defaults to 5, zero
// expiry to 24 hours from now. The callback, if any, fires once when a human
// decides; expiry and cancellation discard it.
func (r *Registry) Request(ctx context.Context, req model.ApprovalRequest, cb Callback) (model.ApprovalRequest, error) {
	if req.WorkflowID == "" {
		return model.ApprovalRequest{}, model.NewBadRequestError("workflow_id is required")
	}
	if req.Kind == "" {
		return model.ApprovalRequest{}, model.NewBadRequestError("kind is required")
	}

	now := r.now()
	if req.ApprovalID == "" {
		req.ApprovalID = uuid.New().String()
	}
	if req.Priority == 0 {
		req.Priority = defaultPriority
	}
	if req.Priority < 1 {
		req.Priority = 1
	}
	if req.Priority > 10 {
		req.Priority = 10
	}
	req.Status = model.ApprovalPending
	req.RequestedAt = now
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = now.Add(r.defaultExpiry)
	}
	if !req.ExpiresAt.After(now) {
		return model.ApprovalRequest{}, model.NewBadRequestError("expires_at must be in the future")
	}
	req.RespondedAt = nil
	req.ResponsePayload = nil
	req.DecidedBy = ""

	if err := r.persist(ctx, req); err != nil {
		return model.ApprovalRequest{}, err
	}

	r.mu.Lock()
	r.pending[req.ApprovalID] = &pendingEntry{req: req, callback: cb}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordApprovalRequest(string(req.Kind))
	}
	r.logger.Info("approval requested",
		zap.String("approval_id", req.ApprovalID),
		zap.String("workflow_id", req.WorkflowID),
		zap.String("kind", string(req.Kind)),
		zap.Int("priority", req.Priority))

	if req.AssignedTo != "" && r.notifier != nil {
		r.sendNotification(ctx, notify.KindAssignment, req)
	}
	r.publish(model.EventApprovalRequested, req, map[string]any{
		"kind":     string(req.Kind),
		"priority": req.Priority,
	})
	return req, nil
}

// Decide applies a human decision to a pending request. Exactly one resolver
// wins: a concurrent decide or expiry sweep that arrives second gets
// ALREADY_EXPIRED. The callback fires after the registry lock is released.
func (r *Registry) Decide(ctx context.Context, approvalID string, d model.Decision) (model.ApprovalRequest, error) {
	now := r.now()

	r.mu.Lock()
	entry, ok := r.pending[approvalID]
	if !ok {
		r.mu.Unlock()
		return r.resolveAbsent(ctx, approvalID)
	}
	if !now.Before(entry.req.ExpiresAt) {
		// Past deadline: the expiry sweep owns this request.
		r.mu.Unlock()
		return model.ApprovalRequest{}, model.NewAlreadyExpiredError(
			fmt.Sprintf("approval %q deadline has passed", approvalID),
		)
	}

	req := entry.req
	if d.Approved {
		req.Status = model.ApprovalApproved
	} else {
		req.Status = model.ApprovalRejected
	}
	req.RespondedAt = &now
	req.ResponsePayload = d.ResponsePayload
	req.Notes = d.Notes
	req.DecidedBy = d.DecidedBy

	cb := entry.callback
	delete(r.pending, approvalID)
	r.mu.Unlock()

	if err := r.persist(ctx, req); err != nil {
		// The in-memory resolution stands; the decision is not re-runnable.
		r.logger.Error("approval decision not persisted",
			zap.String("approval_id", approvalID), zap.Error(err))
		return model.ApprovalRequest{}, err
	}

	if r.metrics != nil {
		r.metrics.RecordApprovalDecision(string(req.Status))
	}
	r.logger.Info("approval decided",
		zap.String("approval_id", approvalID),
		zap.String("workflow_id", req.WorkflowID),
		zap.String("status", string(req.Status)),
		zap.String("decided_by", req.DecidedBy))

	if cb != nil {
		cb(req)
	}
	r.publish(model.EventApprovalDecided, req, map[string]any{
		"status":     string(req.Status),
		"decided_by": req.DecidedBy,
	})
	return req, nil
}

// resolveAbsent classifies a decide against an id missing from the pending
// index: unknown ids are NOT_FOUND, already-resolved ones ALREADY_EXPIRED.
func (r *Registry) resolveAbsent(ctx context.Context, approvalID string) (model.ApprovalRequest, error) {
	row, err := r.store.Get(ctx, approvalID)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	return model.ApprovalRequest{}, model.NewAlreadyExpiredError(
		fmt.Sprintf("approval %q is already %s", approvalID, row.Status),
	)
}

// Cancel resolves a request as CANCELLED without invoking its callback.
// Cancelling an already-resolved request is a no-op.
func (r *Registry) Cancel(ctx context.Context, approvalID string) error {
	now := r.now()

	r.mu.Lock()
	entry, ok := r.pending[approvalID]
	if !ok {
		r.mu.Unlock()
		if _, err := r.store.Get(ctx, approvalID); err != nil {
			return err
		}
		return nil
	}

	req := entry.req
	req.Status = model.ApprovalCancelled
	req.RespondedAt = &now
	delete(r.pending, approvalID)
	r.mu.Unlock()

	if err := r.persist(ctx, req); err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.RecordApprovalDecision(string(model.ApprovalCancelled))
	}
	r.logger.Info("approval cancelled",
		zap.String("approval_id", approvalID),
		zap.String("workflow_id", req.WorkflowID))
	r.publish(model.EventApprovalCancelled, req, nil)
	return nil
}

// Get returns a request by id, consulting the pending index before storage.
func (r *Registry) Get(ctx context.Context, approvalID string) (model.ApprovalRequest, error) {
	r.mu.Lock()
	if entry, ok := r.pending[approvalID]; ok {
		req := entry.req
		r.mu.Unlock()
		return req, nil
	}
	r.mu.Unlock()

	row, err := r.store.Get(ctx, approvalID)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	var req model.ApprovalRequest
	if err := json.Unmarshal(row.Document, &req); err != nil {
		return model.ApprovalRequest{}, model.NewPersistenceError(
			"decode approval document: " + err.Error(),
		)
	}
	return req, nil
}

// ListPending returns pending requests matching the filter, ordered by
// priority descending then requested_at ascending.
func (r *Registry) ListPending(filter Filter) []model.ApprovalRequest {
	r.mu.Lock()
	result := make([]model.ApprovalRequest, 0, len(r.pending))
	for _, entry := range r.pending {
		req := entry.req
		if filter.WorkflowID != "" && req.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Kind != "" && req.Kind != filter.Kind {
			continue
		}
		if filter.AssignedTo != "" && req.AssignedTo != filter.AssignedTo {
			continue
		}
		result = append(result, req)
	}
	r.mu.Unlock()

	sortRequests(result)
	return result
}

// PendingCount returns the size of the pending index.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Recover rebuilds the pending index from storage. Callbacks are in-process
// state and do not survive a restart; recovered requests expire or are decided
// without one. Call before Start.
func (r *Registry) Recover(ctx context.Context) error {
	rows, err := r.store.ListPending(ctx, r.now())
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, row := range rows {
		var req model.ApprovalRequest
		if err := json.Unmarshal(row.Document, &req); err != nil {
			r.logger.Warn("skipping undecodable approval document",
				zap.String("approval_id", row.ApprovalID), zap.Error(err))
			continue
		}
		r.pending[req.ApprovalID] = &pendingEntry{req: req}
	}
	count := len(r.pending)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetApprovalsPending(float64(count))
	}
	r.logger.Info("approval index recovered", zap.Int("pending", count))
	return nil
}

// SweepExpired resolves every pending request whose deadline has passed and
// returns how many were expired. Callbacks are discarded, not invoked.
func (r *Registry) SweepExpired(ctx context.Context) int {
	now := r.now()

	r.mu.Lock()
	var expired []model.ApprovalRequest
	for id, entry := range r.pending {
		if now.Before(entry.req.ExpiresAt) {
			continue
		}
		req := entry.req
		req.Status = model.ApprovalExpired
		req.RespondedAt = &now
		expired = append(expired, req)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	for _, req := range expired {
		if err := r.persist(ctx, req); err != nil {
			r.logger.Error("expired approval not persisted",
				zap.String("approval_id", req.ApprovalID), zap.Error(err))
		}
		if r.metrics != nil {
			r.metrics.RecordApprovalExpiry()
		}
		r.logger.Info("approval expired",
			zap.String("approval_id", req.ApprovalID),
			zap.String("workflow_id", req.WorkflowID))
		r.publish(model.EventApprovalExpired, req, nil)
	}
	return len(expired)
}

// SweepReminders re-notifies assignees of high-priority requests that have
// been pending longer than the reminder threshold. State is unchanged; only
// in-memory reminder bookkeeping advances.
func (r *Registry) SweepReminders(ctx context.Context) int {
	now := r.now()

	r.mu.Lock()
	var due []model.ApprovalRequest
	for _, entry := range r.pending {
		if entry.req.Priority < r.reminderMinPri {
			continue
		}
		if now.Sub(entry.req.RequestedAt) < r.reminderAfter {
			continue
		}
		if !entry.lastReminder.IsZero() && now.Sub(entry.lastReminder) < r.reminderAfter {
			continue
		}
		entry.lastReminder = now
		due = append(due, entry.req)
	}
	r.mu.Unlock()

	for _, req := range due {
		if r.notifier != nil {
			r.sendNotification(ctx, notify.KindReminder, req)
		}
		if r.metrics != nil {
			r.metrics.RecordApprovalReminder()
		}
		r.publish(model.EventApprovalReminder, req, map[string]any{
			"priority": req.Priority,
		})
	}
	return len(due)
}

// Start launches the expiry and reminder sweep tickers.
func (r *Registry) Start(ctx context.Context) {
	r.done.Add(2)
	go r.runTicker(ctx, r.expiryEvery, func() { r.SweepExpired(ctx) })
	go r.runTicker(ctx, r.reminderEvery, func() { r.SweepReminders(ctx) })
}

// Stop halts the sweep tickers and waits for them to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.done.Wait()
}

func (r *Registry) runTicker(ctx context.Context, every time.Duration, tick func()) {
	defer r.done.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tick()
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) persist(ctx context.Context, req model.ApprovalRequest) error {
	doc, err := json.Marshal(req)
	if err != nil {
		return model.NewPersistenceError("encode approval document: " + err.Error())
	}
	return r.store.Upsert(ctx, store.ApprovalRow{
		ApprovalID:  req.ApprovalID,
		WorkflowID:  req.WorkflowID,
		Kind:        string(req.Kind),
		Status:      string(req.Status),
		Priority:    req.Priority,
		AssignedTo:  req.AssignedTo,
		Document:    doc,
		RequestedAt: req.RequestedAt,
		ExpiresAt:   req.ExpiresAt,
	})
}

func (r *Registry) publish(eventType string, req model.ApprovalRequest, data map[string]any) {
	if r.broker == nil {
		return
	}
	r.broker.PublishApproval(eventType, req.ApprovalID, req.WorkflowID, data)
	if r.metrics != nil {
		r.metrics.RecordEventPublished(eventType)
	}
}

func (r *Registry) sendNotification(ctx context.Context, kind string, req model.ApprovalRequest) {
	err := r.notifier.Notify(ctx, notify.Notification{
		Kind:       kind,
		Recipient:  req.AssignedTo,
		ApprovalID: req.ApprovalID,
		WorkflowID: req.WorkflowID,
		Subject:    req.Reason,
		Priority:   req.Priority,
		ExpiresAt:  req.ExpiresAt,
		Payload:    req.Payload,
	})
	if err != nil {
		r.logger.Warn("approval notification failed",
			zap.String("approval_id", req.ApprovalID),
			zap.String("recipient", req.AssignedTo),
			zap.Error(err))
	}
}

func sortRequests(reqs []model.ApprovalRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Priority != reqs[j].Priority {
			return reqs[i].Priority > reqs[j].Priority
		}
		return reqs[i].RequestedAt.Before(reqs[j].RequestedAt)
	})
}
