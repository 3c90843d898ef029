// Package processor provides stage-processor implementations for the
// orchestrator: a function adapter for in-process stages and an HTTP client
// that delegates stage work to external services.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/seqora/cadence/model"
)

// Func adapts a function to the orchestrator's StageProcessor contract.
type Func func(ctx context.Context, ws model.WorkflowState) (model.WorkflowState, error)

// Process implements the stage processor contract.
func (f Func) Process(ctx context.Context, ws model.WorkflowState) (model.WorkflowState, error) {
	return f(ctx, ws)
}

// HTTPOptions configures an HTTPProcessor.
type HTTPOptions struct {
	// Endpoints maps each working stage to the URL its state is POSTed to.
	Endpoints map[model.Stage]string
	// Timeout bounds one attempt. Defaults to 30s.
	Timeout time.Duration
	// MaxAttempts bounds retries per stage execution. Defaults to 3; stage
	// processing is at-least-once, so endpoints must tolerate replays.
	MaxAttempts int
	// Backoff is the base delay between attempts, doubled each retry.
	// Defaults to 500ms.
	Backoff time.Duration

	Client *http.Client
	Logger *zap.Logger

	// Breaker guards the endpoints. Nil disables circuit breaking.
	Breaker *CircuitBreaker
}

// HTTPProcessor POSTs workflow state as JSON to a per-stage endpoint and
// adopts the state document the endpoint returns.
type HTTPProcessor struct {
	endpoints   map[model.Stage]string
	client      *http.Client
	logger      *zap.Logger
	breaker     *CircuitBreaker
	maxAttempts int
	backoff     time.Duration
}

// NewHTTPProcessor creates an HTTP stage processor.
func NewHTTPProcessor(opts HTTPOptions) *HTTPProcessor {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Client == nil {
		opts.Client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &HTTPProcessor{
		endpoints:   opts.Endpoints,
		client:      opts.Client,
		logger:      opts.Logger,
		breaker:     opts.Breaker,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
	}
}

// Process implements the stage processor contract.
func (p *HTTPProcessor) Process(ctx context.Context, ws model.WorkflowState) (model.WorkflowState, error) {
	endpoint, ok := p.endpoints[ws.CurrentStage]
	if !ok {
		return ws, model.NewStageProcessorError(
			fmt.Sprintf("no endpoint configured for stage %q", ws.CurrentStage),
		)
	}

	body, err := json.Marshal(ws)
	if err != nil {
		return ws, model.NewStageProcessorError("encode state: " + err.Error())
	}

	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return ws, model.NewStageProcessorError(ctx.Err().Error())
			case <-time.After(delay):
			}
			p.logger.Debug("retrying stage processor",
				zap.String("workflow_id", ws.WorkflowID),
				zap.String("stage", string(ws.CurrentStage)),
				zap.Int("attempt", attempt+1))
		}

		result, rerr := p.attempt(ctx, endpoint, body)
		if rerr == nil {
			return result, nil
		}
		lastErr = rerr
	}
	return ws, model.NewStageProcessorError(lastErr.Error())
}

func (p *HTTPProcessor) attempt(ctx context.Context, endpoint string, body []byte) (model.WorkflowState, error) {
	if p.breaker != nil {
		if err := p.breaker.Allow(); err != nil {
			return model.WorkflowState{}, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return model.WorkflowState{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.recordFailure()
		return model.WorkflowState{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.recordFailure()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.WorkflowState{}, fmt.Errorf(
			"stage endpoint returned %d: %s", resp.StatusCode, string(payload),
		)
	}

	var result model.WorkflowState
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		p.recordFailure()
		return model.WorkflowState{}, fmt.Errorf("decode stage response: %w", err)
	}

	if p.breaker != nil {
		p.breaker.RecordSuccess()
	}
	return result, nil
}

func (p *HTTPProcessor) recordFailure() {
	if p.breaker != nil {
		p.breaker.RecordFailure()
	}
}
