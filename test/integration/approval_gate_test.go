package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/seqora/cadence/model"
)

func TestApprovalGate_approvalResumesWorkflow(t *testing.T) {
	h := NewTestHarness(t)
	token := h.TokenFor(ApproverClaims())

	h.Processor.GateOnce(model.StageProposal)

	id := h.StartWorkflow(token, "prospect-200")
	h.WaitFor(token, id, "approval pending", func(v model.WorkflowStatusView) bool {
		return v.ApprovalPending
	})
	pending := waitForPendingApproval(t, h, token, id)

	if pending.Kind != model.ApprovalKindMessageToSend {
		t.Errorf("kind = %s, want message_to_send for a proposal gate", pending.Kind)
	}
	if pending.Status != model.ApprovalPending {
		t.Errorf("status = %s, want pending", pending.Status)
	}

	var resolved model.ApprovalRequest
	h.AssertJSON(t, h.POST("/v1/approvals/"+pending.ApprovalID+"/decide", map[string]any{
		"approved": true,
		"notes":    "proposal content reviewed",
	}, token), http.StatusOK, &resolved)
	if resolved.Status != model.ApprovalApproved {
		t.Errorf("status = %s, want approved", resolved.Status)
	}
	if resolved.DecidedBy != "user-approver" {
		t.Errorf("decided_by = %q, want the token subject", resolved.DecidedBy)
	}

	view := h.WaitForStage(token, id, model.StageCompleted)
	if view.ApprovalPending {
		t.Error("approval flag should clear after the decision")
	}
	if got := h.Processor.Calls(model.StageProposal); got != 2 {
		t.Errorf("proposal called %d times, want 2 (gate plus re-run)", got)
	}
}

func TestApprovalGate_rejectionFlagsIntervention(t *testing.T) {
	h := NewTestHarness(t)
	token := h.Token()

	h.Processor.GateOnce(model.StageOutreach)

	id := h.StartWorkflow(token, "prospect-201")
	h.WaitFor(token, id, "approval pending", func(v model.WorkflowStatusView) bool {
		return v.ApprovalPending
	})
	pending := waitForPendingApproval(t, h, token, id)

	h.AssertStatus(t, h.POST("/v1/approvals/"+pending.ApprovalID+"/decide", map[string]any{
		"approved": false,
		"notes":    "message tone is off",
	}, token), http.StatusOK)

	view := h.WaitFor(token, id, "human intervention flag", func(v model.WorkflowStatusView) bool {
		return v.HumanInterventionNeeded
	})
	if view.ApprovalPending {
		t.Error("approval flag should clear after rejection")
	}
	if view.CurrentStage != model.StageOutreach {
		t.Errorf("stage = %s, want workflow parked at outreach", view.CurrentStage)
	}
	if got := h.Processor.Calls(model.StageOutreach); got != 1 {
		t.Errorf("outreach called %d times, rejection must not re-run the stage", got)
	}
}

func TestApprovalGate_expiryDiscardsCallback(t *testing.T) {
	h := NewTestHarness(t, WithApprovalExpiry(50*time.Millisecond))
	token := h.Token()

	h.Processor.GateOnce(model.StageOutreach)

	id := h.StartWorkflow(token, "prospect-202")
	h.WaitFor(token, id, "approval pending", func(v model.WorkflowStatusView) bool {
		return v.ApprovalPending
	})
	pending := waitForPendingApproval(t, h, token, id)

	time.Sleep(80 * time.Millisecond)
	if swept := h.Registry.SweepExpired(context.Background()); swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	var expired model.ApprovalRequest
	h.AssertJSON(t, h.GET("/v1/approvals/"+pending.ApprovalID, token), http.StatusOK, &expired)
	if expired.Status != model.ApprovalExpired {
		t.Errorf("status = %s, want expired", expired.Status)
	}

	// A late decision loses against the sweep.
	resp := h.POST("/v1/approvals/"+pending.ApprovalID+"/decide", map[string]any{
		"approved": true,
	}, token)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("late decide status = %d, want 409", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrAlreadyExpired {
		t.Errorf("code = %q, want ALREADY_EXPIRED", code)
	}

	// The workflow keeps waiting; expiry never forges a human decision.
	if view := h.Status(token, id); !view.ApprovalPending {
		t.Error("workflow should still be gated after expiry")
	}
}

func TestApprovalRequest_filedOverHTTP(t *testing.T) {
	h := NewTestHarness(t)
	token := h.Token()

	var filed model.ApprovalRequest
	h.AssertJSON(t, h.POST("/v1/approvals", map[string]any{
		"workflow_id": "wf-manual",
		"kind":        "escalation",
		"reason":      "account flagged for review",
	}, token), http.StatusCreated, &filed)

	if filed.RequestedBy != "user-ops" {
		t.Errorf("requested_by = %q, want the token subject", filed.RequestedBy)
	}
	if filed.ExpiresAt.Before(filed.RequestedAt) {
		t.Errorf("expires_at %v before requested_at %v", filed.ExpiresAt, filed.RequestedAt)
	}
}
