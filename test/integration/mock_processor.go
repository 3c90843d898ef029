package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/seqora/cadence/internal/state"
	"github.com/seqora/cadence/model"
)

// StageHook customizes how the mock processor handles one stage. It receives
// the 1-based call count for that stage and the posted state, and returns the
// state to respond with plus an HTTP status code.
type StageHook func(call int, ws model.WorkflowState) (model.WorkflowState, int)

// MockProcessor is an HTTP server standing in for the external stage
// processor fleet. Every pipeline work stage gets an endpoint; by default
// each stage echoes the posted state, which lets a workflow run to
// completion without doing real work.
type MockProcessor struct {
	t      *testing.T
	server *httptest.Server

	mu    sync.Mutex
	calls map[model.Stage]int
	hooks map[model.Stage]StageHook
}

func newMockProcessor(t *testing.T) *MockProcessor {
	t.Helper()

	m := &MockProcessor{
		t:     t,
		calls: make(map[model.Stage]int),
		hooks: make(map[model.Stage]StageHook),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

func (m *MockProcessor) handle(w http.ResponseWriter, r *http.Request) {
	stage := model.Stage(strings.TrimPrefix(r.URL.Path, "/stages/"))

	var ws model.WorkflowState
	if err := json.NewDecoder(r.Body).Decode(&ws); err != nil {
		http.Error(w, "bad state document: "+err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.calls[stage]++
	call := m.calls[stage]
	hook := m.hooks[stage]
	m.mu.Unlock()

	status := http.StatusOK
	if hook != nil {
		ws, status = hook(call, ws)
	}
	if status < 200 || status >= 300 {
		http.Error(w, "stage failure injected", status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ws)
}

// Endpoints returns a per-stage endpoint map covering every pipeline work
// stage, suitable for the HTTP processor's configuration.
func (m *MockProcessor) Endpoints() map[model.Stage]string {
	endpoints := make(map[model.Stage]string, len(state.PipelineStages))
	for _, s := range state.PipelineStages {
		if s == model.StageCompleted {
			continue
		}
		endpoints[s] = m.server.URL + "/stages/" + string(s)
	}
	return endpoints
}

// Calls returns how many times the stage endpoint has been invoked.
func (m *MockProcessor) Calls(stage model.Stage) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[stage]
}

// SetHook installs a hook for the stage, replacing any existing one.
func (m *MockProcessor) SetHook(stage model.Stage, hook StageHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[stage] = hook
}

// ClearHook removes the stage's hook, restoring echo behavior.
func (m *MockProcessor) ClearHook(stage model.Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hooks, stage)
}

// FailAlways makes the stage endpoint answer 500 until the hook is cleared.
func (m *MockProcessor) FailAlways(stage model.Stage) {
	m.SetHook(stage, func(_ int, ws model.WorkflowState) (model.WorkflowState, int) {
		return ws, http.StatusInternalServerError
	})
}

// GateOnce makes the stage request a human approval gate on its first call
// and echo on subsequent ones.
func (m *MockProcessor) GateOnce(stage model.Stage) {
	m.SetHook(stage, func(call int, ws model.WorkflowState) (model.WorkflowState, int) {
		if call == 1 {
			ws.ApprovalPending = true
		}
		return ws, http.StatusOK
	})
}
