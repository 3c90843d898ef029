// Package integration provides a reusable test harness for end-to-end
// integration testing of the cadence engine. It starts a full HTTP server
// with mock stage processors, in-memory stores, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seqora/cadence/internal/approval"
	"github.com/seqora/cadence/internal/config"
	"github.com/seqora/cadence/internal/events"
	"github.com/seqora/cadence/internal/notify"
	"github.com/seqora/cadence/internal/orchestrator"
	"github.com/seqora/cadence/internal/persist"
	"github.com/seqora/cadence/internal/processor"
	"github.com/seqora/cadence/internal/store"
	"github.com/seqora/cadence/internal/transport"
	"github.com/seqora/cadence/model"
)

// TestHarness encapsulates a fully wired engine instance with mock stage
// processors for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Broker       *events.Broker
	Registry     *approval.Registry
	Orchestrator *orchestrator.Orchestrator
	Persist      *persist.Service
	Processor    *MockProcessor

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout time.Duration
	approvalExpiry time.Duration
	maxAttempts    int
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithApprovalExpiry sets the default approval expiry window.
func WithApprovalExpiry(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.approvalExpiry = d
	}
}

// WithProcessorRetries sets the stage processor attempt budget.
func WithProcessorRetries(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.maxAttempts = n
	}
}

// NewTestHarness creates and starts a full engine test instance. The server
// and all background loops are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		maxAttempts:    1,
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zap.NewNop()

	h := &TestHarness{
		t:      t,
		issuer: newTokenIssuer(),
	}

	h.Broker = events.NewBroker(logger)
	h.Persist = persist.NewService(store.NewMemoryWorkflowStore(), logger)

	h.Registry = approval.NewRegistry(approval.Options{
		Store:         store.NewMemoryApprovalStore(),
		Broker:        h.Broker,
		Notifier:      notify.NewLogNotifier(logger),
		Logger:        logger,
		DefaultExpiry: hc.approvalExpiry,
	})

	h.Processor = newMockProcessor(t)

	httpProc := processor.NewHTTPProcessor(processor.HTTPOptions{
		Endpoints:   h.Processor.Endpoints(),
		Timeout:     5 * time.Second,
		MaxAttempts: hc.maxAttempts,
		Backoff:     10 * time.Millisecond,
		Logger:      logger,
	})

	h.Orchestrator = orchestrator.New(orchestrator.Options{
		Persist:   h.Persist,
		Approvals: h.Registry,
		Broker:    h.Broker,
		Logger:    logger,
		Processor: httpProc,
	})
	t.Cleanup(h.Orchestrator.Stop)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Auth.Issuer = h.issuer.issuer
	h.cfg.Auth.Audience = h.issuer.audience

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Orchestrator: h.Orchestrator,
		Approvals:    h.Registry,
		Persist:      h.Persist,
		Broker:       h.Broker,
		Authenticate: transport.JWTAuthenticator(h.cfg.Auth, h.issuer.secret),
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Token creates a valid JWT for the default operations user.
func (h *TestHarness) Token() string {
	return h.issuer.GenerateToken(OpsClaims())
}

// TokenFor creates a valid JWT with the given claims.
func (h *TestHarness) TokenFor(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// ExpiredToken creates a JWT that expired in the past.
func (h *TestHarness) ExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// ForgedToken creates a JWT signed with a key the server does not trust.
func (h *TestHarness) ForgedToken(claims TestClaims) string {
	return h.issuer.GenerateForgedToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
// A nil body sends an empty request.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorCode parses the error envelope from the response and returns its code.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var payload struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.ParseJSON(resp, &payload)
	return payload.Error.Code
}

// StartWorkflow starts a workflow for the subject and returns its id.
func (h *TestHarness) StartWorkflow(token, subjectID string) string {
	h.t.Helper()

	resp := h.POST("/v1/workflows", map[string]any{
		"subject": map[string]any{"id": subjectID},
	}, token)
	var created map[string]string
	h.AssertJSON(h.t, resp, http.StatusAccepted, &created)
	if created["workflow_id"] == "" {
		h.t.Fatal("workflow_id missing in start response")
	}
	return created["workflow_id"]
}

// Status fetches the status view of a workflow.
func (h *TestHarness) Status(token, workflowID string) model.WorkflowStatusView {
	h.t.Helper()
	var view model.WorkflowStatusView
	h.AssertJSON(h.t, h.GET("/v1/workflows/"+workflowID, token), http.StatusOK, &view)
	return view
}

// WaitForStage polls the status endpoint until the workflow reaches the
// wanted stage or the deadline passes.
func (h *TestHarness) WaitForStage(token, workflowID string, want model.Stage) model.WorkflowStatusView {
	h.t.Helper()
	return h.WaitFor(token, workflowID, "stage "+string(want), func(v model.WorkflowStatusView) bool {
		return v.CurrentStage == want
	})
}

// WaitFor polls the status endpoint until the predicate holds.
func (h *TestHarness) WaitFor(token, workflowID, desc string, pred func(model.WorkflowStatusView) bool) model.WorkflowStatusView {
	h.t.Helper()

	var last model.WorkflowStatusView
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := h.GET("/v1/workflows/"+workflowID, token)
		if resp.StatusCode == http.StatusOK {
			h.ParseJSON(resp, &last)
			if pred(last) {
				return last
			}
		} else {
			resp.Body.Close()
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("workflow %s never reached %s, last view: %+v", workflowID, desc, last)
	return last
}
