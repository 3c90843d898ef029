package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seqora/cadence/internal/approval"
	"github.com/seqora/cadence/model"
)

func handleApprovalRequest(reg *approval.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.ApprovalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil && req.RequestedBy == "" {
			req.RequestedBy = rctx.ActorID
		}

		// Requests filed over HTTP have no in-process callback; the caller
		// observes the outcome through the events stream or by polling.
		filed, err := reg.Request(r.Context(), req, nil)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, filed)
	}
}

func handleApprovalList(reg *approval.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := approval.Filter{
			WorkflowID: r.URL.Query().Get("workflow_id"),
			Kind:       model.ApprovalKind(r.URL.Query().Get("kind")),
			AssignedTo: r.URL.Query().Get("assigned_to"),
		}

		pending := reg.ListPending(filter)
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":  pending,
			"count": len(pending),
		})
	}
}

func handleApprovalGet(reg *approval.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := reg.Get(r.Context(), chi.URLParam(r, "approvalId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleApprovalDecide(reg *approval.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var d model.Decision
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil && d.DecidedBy == "" {
			d.DecidedBy = rctx.ActorID
		}

		resolved, err := reg.Decide(r.Context(), chi.URLParam(r, "approvalId"), d)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resolved)
	}
}

func handleApprovalCancel(reg *approval.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Cancel(r.Context(), chi.URLParam(r, "approvalId")); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}
