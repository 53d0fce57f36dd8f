package core

// Tool-call loop controller (C7). Grounded on the teacher's
// connection_pool.go reaper loop style (a bounded iteration loop with
// explicit termination conditions) plus hashicorp/golang-lru/v2 for the
// idempotency cache named in SPEC_FULL.md's domain-stack table.

import (
	"context"
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultMaxIterations             = 8
	defaultAbortOnConsecutiveFailures = 3
	idempotencyCacheSize             = 512
)

// ToolExecutor runs one tool call and returns its result payload, or an
// error if execution failed. Kept narrow so tests can supply a fake.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (ToolResult, error)
}

type ToolResult struct {
	ToolCallID string
	Content    string
}

// ToolLoopConfig mirrors spec §4.7's named defaults.
type ToolLoopConfig struct {
	MaxIterations              int
	AbortOnConsecutiveFailures int
}

func DefaultToolLoopConfig() ToolLoopConfig {
	return ToolLoopConfig{MaxIterations: defaultMaxIterations, AbortOnConsecutiveFailures: defaultAbortOnConsecutiveFailures}
}

// ToolLoop drives the model/tool-exec cycle for one request. Not safe for
// concurrent use by multiple goroutines on the same instance; one loop per
// in-flight request.
type ToolLoop struct {
	cfg      ToolLoopConfig
	executor ToolExecutor
	provider ProviderClient
	cache    *lru.Cache[string, ToolResult]
}

func NewToolLoop(cfg ToolLoopConfig, provider ProviderClient, executor ToolExecutor) (*ToolLoop, error) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.AbortOnConsecutiveFailures <= 0 {
		cfg.AbortOnConsecutiveFailures = defaultAbortOnConsecutiveFailures
	}
	cache, err := lru.New[string, ToolResult](idempotencyCacheSize)
	if err != nil {
		return nil, NewGatewayError(CodeConfigInvalid, "failed to allocate tool-call idempotency cache")
	}
	return &ToolLoop{cfg: cfg, provider: provider, executor: executor, cache: cache}, nil
}

// Run drives the loop to completion: a final model turn with no tool calls,
// TOOL_CALL_MAX_ITERATIONS, or TOOL_CALL_CONSECUTIVE_FAILURES.
func (tl *ToolLoop) Run(ctx context.Context, req ProviderInvokeRequest) (ProviderInvokeResponse, error) {
	consecutiveFailures := 0
	messages := append([]ProviderMessage(nil), req.Messages...)

	for iteration := 1; iteration <= tl.cfg.MaxIterations; iteration++ {
		turnReq := req
		turnReq.Messages = messages
		resp, err := tl.provider.Invoke(ctx, turnReq)
		if err != nil {
			return ProviderInvokeResponse{}, err
		}
		if len(resp.ToolCalls) == 0 {
			return resp, nil
		}

		for _, call := range resp.ToolCalls {
			result, failed, err := tl.executeOne(ctx, call)
			if err != nil {
				return ProviderInvokeResponse{}, err
			}
			if failed {
				consecutiveFailures++
				if consecutiveFailures >= tl.cfg.AbortOnConsecutiveFailures {
					return ProviderInvokeResponse{}, NewGatewayError(CodeToolCallConsecFailures, "too many consecutive tool execution failures").
						WithDetail("consecutive_failures", consecutiveFailures)
				}
			} else {
				consecutiveFailures = 0
			}
			messages = append(messages, ProviderMessage{Role: "tool", Content: result.Content, ToolID: result.ToolCallID})
		}
	}
	return ProviderInvokeResponse{}, NewGatewayError(CodeToolCallMaxIterations, "tool-call loop exceeded max iterations").
		WithDetail("max_iterations", tl.cfg.MaxIterations)
}

// executeOne replays a cached result for a repeated tool_call_id, repairs
// malformed arguments without executing, or runs the tool. The bool return
// reports whether this call counts toward the consecutive-failure streak.
func (tl *ToolLoop) executeOne(ctx context.Context, call ToolCall) (ToolResult, bool, error) {
	if cached, ok := tl.cache.Get(call.ID); ok {
		return cached, false, nil
	}

	if !json.Valid([]byte(call.ArgsJSON)) {
		repaired := ToolResult{ToolCallID: call.ID, Content: `{"error":"malformed tool call arguments, please retry with valid JSON"}`}
		// Malformed calls are fed back to the model, not executed, and do
		// not count toward the consecutive-failure streak (spec §4.7).
		return repaired, false, nil
	}

	result, err := tl.executor.Execute(ctx, call)
	if err != nil {
		failure := ToolResult{ToolCallID: call.ID, Content: `{"error":"tool execution failed"}`}
		return failure, true, nil
	}
	tl.cache.Add(call.ID, result)
	return result, false, nil
}
