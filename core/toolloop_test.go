package core

import (
	"context"
	"testing"
)

type scriptedProvider struct {
	turns []ProviderInvokeResponse
	calls int
}

func (s *scriptedProvider) Invoke(ctx context.Context, req ProviderInvokeRequest) (ProviderInvokeResponse, error) {
	resp := s.turns[s.calls]
	if s.calls < len(s.turns)-1 {
		s.calls++
	}
	return resp, nil
}

type countingExecutor struct {
	execCount map[string]int
	fail      map[string]bool
}

func newCountingExecutor() *countingExecutor {
	return &countingExecutor{execCount: map[string]int{}, fail: map[string]bool{}}
}

func (c *countingExecutor) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	c.execCount[call.ID]++
	if c.fail[call.ID] {
		return ToolResult{}, NewGatewayError(CodeConfigInvalid, "boom")
	}
	return ToolResult{ToolCallID: call.ID, Content: "ok"}, nil
}

func TestToolLoopFinalAnswerOnNoToolCalls(t *testing.T) {
	provider := &scriptedProvider{turns: []ProviderInvokeResponse{
		{Message: ProviderMessage{Content: "final"}},
	}}
	loop, err := NewToolLoop(DefaultToolLoopConfig(), provider, newCountingExecutor())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := loop.Run(context.Background(), ProviderInvokeRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "final" {
		t.Fatalf("expected final answer, got %+v", resp)
	}
}

func TestToolLoopIdempotencyCacheReplaysRepeatedId(t *testing.T) {
	provider := &scriptedProvider{turns: []ProviderInvokeResponse{
		{ToolCalls: []ToolCall{{ID: "tc-1", ArgsJSON: "{}"}}},
		{ToolCalls: []ToolCall{{ID: "tc-1", ArgsJSON: "{}"}}},
		{Message: ProviderMessage{Content: "done"}},
	}}
	executor := newCountingExecutor()
	loop, _ := NewToolLoop(DefaultToolLoopConfig(), provider, executor)
	_, err := loop.Run(context.Background(), ProviderInvokeRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if executor.execCount["tc-1"] != 1 {
		t.Fatalf("expected tool to execute exactly once for a repeated id, got %d", executor.execCount["tc-1"])
	}
}

func TestToolLoopMalformedArgumentsAreNotExecuted(t *testing.T) {
	provider := &scriptedProvider{turns: []ProviderInvokeResponse{
		{ToolCalls: []ToolCall{{ID: "tc-1", ArgsJSON: "{not json"}}},
		{Message: ProviderMessage{Content: "done"}},
	}}
	executor := newCountingExecutor()
	loop, _ := NewToolLoop(DefaultToolLoopConfig(), provider, executor)
	_, err := loop.Run(context.Background(), ProviderInvokeRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if executor.execCount["tc-1"] != 0 {
		t.Fatalf("expected malformed call to never execute, got %d calls", executor.execCount["tc-1"])
	}
}

func TestToolLoopConsecutiveFailureAbort(t *testing.T) {
	turns := make([]ProviderInvokeResponse, 0)
	for i := 0; i < 5; i++ {
		turns = append(turns, ProviderInvokeResponse{ToolCalls: []ToolCall{{ID: idFor(i), ArgsJSON: "{}"}}})
	}
	provider := &scriptedProvider{turns: turns}
	executor := newCountingExecutor()
	executor.fail[idFor(0)] = true
	executor.fail[idFor(1)] = true
	executor.fail[idFor(2)] = true

	cfg := DefaultToolLoopConfig()
	cfg.AbortOnConsecutiveFailures = 3
	loop, _ := NewToolLoop(cfg, provider, executor)
	_, err := loop.Run(context.Background(), ProviderInvokeRequest{})
	gwErr, ok := AsGatewayError(err)
	if !ok || gwErr.Code() != CodeToolCallConsecFailures {
		t.Fatalf("expected TOOL_CALL_CONSECUTIVE_FAILURES, got %v", err)
	}
}

func TestToolLoopMaxIterationsExceeded(t *testing.T) {
	turns := make([]ProviderInvokeResponse, 0)
	for i := 0; i < 10; i++ {
		turns = append(turns, ProviderInvokeResponse{ToolCalls: []ToolCall{{ID: idFor(i), ArgsJSON: "{}"}}})
	}
	provider := &scriptedProvider{turns: turns}
	cfg := DefaultToolLoopConfig()
	cfg.MaxIterations = 3
	loop, _ := NewToolLoop(cfg, provider, newCountingExecutor())
	_, err := loop.Run(context.Background(), ProviderInvokeRequest{})
	gwErr, ok := AsGatewayError(err)
	if !ok || gwErr.Code() != CodeToolCallMaxIterations {
		t.Fatalf("expected TOOL_CALL_MAX_ITERATIONS, got %v", err)
	}
}

func idFor(i int) string {
	return "tc-" + string(rune('a'+i))
}
