package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seqora/cadence/internal/orchestrator"
	"github.com/seqora/cadence/internal/persist"
	"github.com/seqora/cadence/model"
)

func handleWorkflowStart(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			WorkflowID string           `json:"workflow_id"`
			Subject    model.SubjectRef `json:"subject"`
			Priority   int              `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		id, err := orch.StartWorkflow(r.Context(), body.Subject, body.WorkflowID, body.Priority)
		if err != nil {
			WriteError(w, err)
			return
		}
		// Execution is asynchronous; the id is the only thing ready now.
		WriteJSON(w, http.StatusAccepted, map[string]string{"workflow_id": id})
	}
}

func handleWorkflowList(svc *persist.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := persist.ListFilter{
			Stage:           model.Stage(r.URL.Query().Get("stage")),
			IncludeArchived: r.URL.Query().Get("include_archived") == "true",
			Limit:           queryInt(r, "limit", 0),
		}

		summaries, err := svc.List(r.Context(), filter)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":  summaries,
			"count": len(summaries),
		})
	}
}

func handleWorkflowActive(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		views := orch.ActiveWorkflows()
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":  views,
			"count": len(views),
		})
	}
}

func handleWorkflowStats(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, orch.Snapshot())
	}
}

func handleWorkflowStatus(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := orch.Status(r.Context(), chi.URLParam(r, "workflowId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleWorkflowPause(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := orch.Pause(r.Context(), chi.URLParam(r, "workflowId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ws)
	}
}

func handleWorkflowResume(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := orch.Resume(r.Context(), chi.URLParam(r, "workflowId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ws)
	}
}

func handleWorkflowRetry(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FromStage model.Stage `json:"from_stage"`
		}
		// An empty body means retry from the first incomplete stage.
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				WriteError(w, model.NewBadRequestError("invalid JSON body"))
				return
			}
		}

		ws, err := orch.Retry(r.Context(), chi.URLParam(r, "workflowId"), body.FromStage)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ws)
	}
}

func handleWorkflowCancel(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				WriteError(w, model.NewBadRequestError("invalid JSON body"))
				return
			}
		}

		ws, err := orch.Cancel(r.Context(), chi.URLParam(r, "workflowId"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ws)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
