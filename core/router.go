package core

// Router / resolver (C6): binds an agent name to a capability-checked,
// health-filtered candidate chain, then drives the full invoke pipeline.
// Grounded on the teacher's xchainserver routing handlers, which resolve a
// request through a chain of named steps and return a single terminal
// error rather than a partial result.

import (
	"context"
	"encoding/json"
)

// AgentBinding declares an agent's alias and the capabilities its calls
// require; the static set is loaded once, like the pool registry.
type AgentBinding struct {
	Name         string
	Alias        string
	Capabilities CapabilityRequirements
}

var agentBindings = map[string]AgentBinding{
	"chat-agent":     {Name: "chat-agent", Alias: "chat", Capabilities: CapabilityRequirements{ToolCalling: true, ThinkingTraces: ThinkingOff}},
	"code-agent":     {Name: "code-agent", Alias: "code", Capabilities: CapabilityRequirements{ToolCalling: true, ThinkingTraces: ThinkingOptional}},
	"review-agent":   {Name: "review-agent", Alias: "review", Capabilities: CapabilityRequirements{ToolCalling: true, ThinkingTraces: ThinkingOptional}},
	"reason-agent":   {Name: "reason-agent", Alias: "reason", Capabilities: CapabilityRequirements{ToolCalling: true, ThinkingTraces: ThinkingRequired}},
	"architect-agent": {Name: "architect-agent", Alias: "architect", Capabilities: CapabilityRequirements{ToolCalling: true, ThinkingTraces: ThinkingRequired, Vision: true}},
}

// fallbackChains maps a (provider, model) pair to its configured ordered
// fallback candidates, consulted after the primary pool's resolution.
var fallbackChains = map[string][]PoolDefinition{}

func fallbackKey(provider, model string) string { return provider + ":" + model }

func init() {
	fallbackChains[fallbackKey("openai", "gpt-4o")] = []PoolDefinition{
		mustPool("cheap"),
	}
	fallbackChains[fallbackKey("anthropic", "claude-3-7-sonnet")] = []PoolDefinition{
		mustPool("reviewer"),
		mustPool("cheap"),
	}
}

func mustPool(id string) PoolDefinition {
	d, ok := poolDefinition(id)
	if !ok {
		panic("router: fallback chain references unknown pool " + id)
	}
	return d
}

// BindAgent resolves agentName to its declared capabilities; BINDING_INVALID
// when the name is not registered.
func BindAgent(agentName string) (AgentBinding, error) {
	b, ok := agentBindings[agentName]
	if !ok {
		return AgentBinding{}, NewGatewayError(CodeBindingInvalid, "unknown agent binding").WithDetail("agent", agentName)
	}
	return b, nil
}

// validateBindings iterates every agent binding and ensures a valid
// resolution exists under the default tier, per spec §4.6.
func validateBindings(defaultTier Tier) []error {
	var errs []error
	for name, b := range agentBindings {
		pool, err := resolvePool(defaultTier, b.Alias, nil)
		if err != nil || pool == "" || !isValidPoolId(pool) {
			errs = append(errs, NewGatewayError(CodeBindingInvalid, "binding has no valid resolution under default tier").WithDetail("agent", name))
			continue
		}
		def, _ := poolDefinition(pool)
		if err := checkCapabilities(b.Capabilities, def.Capabilities); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// checkCapabilities enforces the monotonic capability rules of spec §4.6:
// tool_calling/vision/native_runtime are simple boolean implications;
// thinking_traces required must never be served by a pool offering less.
func checkCapabilities(required, offered CapabilityRequirements) error {
	if required.ToolCalling && !offered.ToolCalling {
		return NewGatewayError(CodeBindingInvalid, "required tool_calling not offered by resolved pool")
	}
	if required.Vision && !offered.Vision {
		return NewGatewayError(CodeBindingInvalid, "required vision not offered by resolved pool")
	}
	if required.NativeRuntime && !offered.NativeRuntime {
		return NewGatewayError(CodeNativeRuntimeRequired, "native_runtime required but resolved pool has no local runtime adapter")
	}
	if required.ThinkingTraces == ThinkingRequired && offered.ThinkingTraces != ThinkingRequired {
		return NewGatewayError(CodeBindingInvalid, "thinking_traces required may not be downgraded")
	}
	return nil
}

// BudgetMode selects how the router reacts to a BUDGET_EXCEEDED precheck.
type BudgetMode string

const (
	BudgetModeDeny      BudgetMode = "deny"
	BudgetModeDowngrade BudgetMode = "downgrade"
)

// downgradeChains maps a primary pool to the pools to substitute when the
// budget enforcer reports exhaustion and mode is "downgrade".
var downgradeChains = map[string][]string{
	"architect": {"reasoning", "reviewer", "cheap"},
	"reasoning": {"reviewer", "cheap"},
	"reviewer":  {"fast-code", "cheap"},
	"fast-code": {"cheap"},
}

// RouterDeps bundles every collaborator the invoke pipeline calls through.
type RouterDeps struct {
	Health   HealthChecker
	RateLim  RateAcquirer
	Budget   BudgetEnforcer
	Guard    InvariantGuard
	Provider ProviderClient
}

// RouteRequest implements the full resolve->invoke pipeline of spec §4.6.
// correlationID scopes the mint/reserve/commit/refund posting set this call
// emits (spec §3's ledger conservation invariant, P3); callers derive it
// from the inbound request id so every posting this call makes can be
// traced back to exactly one client request.
func RouteRequest(ctx context.Context, deps RouterDeps, correlationID, agentName, taskType string, tenantCtx TenantContext, account AccountId, estimatedCost MicroUSD, mode BudgetMode, req ProviderInvokeRequest) (ProviderInvokeResponse, error) {
	binding, err := BindAgent(agentName)
	if err != nil {
		return ProviderInvokeResponse{}, err
	}

	primaryPool, err := selectAuthorizedPool(tenantCtx, taskType)
	if err != nil {
		return ProviderInvokeResponse{}, err
	}
	primaryDef, ok := poolDefinition(primaryPool.String())
	if !ok {
		return ProviderInvokeResponse{}, NewGatewayError(CodeUnknownPool, "resolved pool missing from registry").WithDetail("pool", primaryPool.String())
	}

	candidates := buildCandidateChain(primaryDef)

	if precheckErr := deps.Budget.Precheck(ctx, account, estimatedCost); precheckErr != nil {
		if gwErr, ok := AsGatewayError(precheckErr); ok && gwErr.Code() == CodeBudgetExceeded && mode == BudgetModeDowngrade {
			candidates = buildDowngradeChain(primaryDef)
		} else {
			return ProviderInvokeResponse{}, precheckErr
		}
	}

	for _, cand := range candidates {
		if err := checkCapabilities(binding.Capabilities, cand.Capabilities); err != nil {
			continue
		}
		if !deps.Health.IsHealthy(cand.Provider, cand.Model) {
			continue
		}
		return invokeCandidate(ctx, deps, correlationID, cand, account, estimatedCost, req)
	}
	return ProviderInvokeResponse{}, NewGatewayError(CodeProviderUnavailable, "no healthy, capability-satisfying candidate remained")
}

func buildCandidateChain(primary PoolDefinition) []PoolDefinition {
	chain := []PoolDefinition{primary}
	chain = append(chain, fallbackChains[fallbackKey(primary.Provider, primary.Model)]...)
	return chain
}

func buildDowngradeChain(primary PoolDefinition) []PoolDefinition {
	var chain []PoolDefinition
	for _, id := range downgradeChains[primary.Pool] {
		if d, ok := poolDefinition(id); ok {
			chain = append(chain, d)
		}
	}
	if len(chain) == 0 {
		chain = []PoolDefinition{primary}
	}
	return chain
}

func invokeCandidate(ctx context.Context, deps RouterDeps, correlationID string, cand PoolDefinition, account AccountId, estimatedCost MicroUSD, req ProviderInvokeRequest) (ProviderInvokeResponse, error) {
	req.Provider = cand.Provider
	req.Model = cand.Model

	if !deps.RateLim.Acquire(ctx, cand.Provider, req.MaxTokens) {
		return ProviderInvokeResponse{}, NewGatewayError(CodeRateLimited, "provider rate limit exhausted").WithDetail("provider", cand.Provider)
	}

	if err := deps.Budget.Reserve(ctx, correlationID, account, estimatedCost); err != nil {
		return ProviderInvokeResponse{}, err
	}
	limit, spent, hasLimit := deps.Budget.LimitAndSpent(account)
	if !hasLimit {
		limit = MicroUSD{}.fromInt64(maxMicroUSD)
	}
	if err := deps.Guard.Precheck(ctx, account, estimatedCost, limit, spent); err != nil {
		_ = deps.Budget.Refund(ctx, correlationID, account)
		return ProviderInvokeResponse{}, err
	}

	resp, err := deps.Provider.Invoke(ctx, req)
	if err != nil {
		deps.Health.RecordFailure(cand.Provider, cand.Model)
		_ = deps.Budget.Refund(ctx, correlationID, account)
		return ProviderInvokeResponse{}, err
	}
	deps.Health.RecordSuccess(cand.Provider, cand.Model)

	rate := pricingFor(cand.Provider, cand.Model)
	actualCost := computeCost(UsageRecord{
		PromptTokens:               int64(resp.InputTokens),
		CompletionTokens:           int64(resp.OutputTokens),
		InputRateMicroUSDPerToken:  rate.InputRateMicroUSDPerToken,
		OutputRateMicroUSDPerToken: rate.OutputRateMicroUSDPerToken,
	})
	if err := deps.Budget.RecordCost(ctx, account, actualCost); err != nil {
		_ = deps.Budget.Refund(ctx, correlationID, account)
		return ProviderInvokeResponse{}, err
	}
	if err := deps.Budget.Commit(ctx, correlationID, account, actualCost); err != nil {
		return ProviderInvokeResponse{}, err
	}
	if err := deps.Guard.Postcheck(ctx, account, actualCost, estimatedCost, actualCost); err != nil {
		return ProviderInvokeResponse{}, err
	}
	return resp, nil
}

// maxMicroUSD stands in for "no limit configured" when feeding the guard's
// limit_gte_spent constraint: an account with no configured limit must
// never fail that constraint.
const maxMicroUSD = int64(1) << 60

// decodeToolArgs is used by the tool-call loop (C7) to surface malformed
// JSON as a structured error rather than panicking; kept here because it
// shares the router's ToolCall type.
func decodeToolArgs(call ToolCall, into any) error {
	if err := json.Unmarshal([]byte(call.ArgsJSON), into); err != nil {
		return NewGatewayError(CodeWireBoundaryViolation, "malformed tool call arguments").WithDetail("tool_call_id", call.ID)
	}
	return nil
}
