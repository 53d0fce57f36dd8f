package core

// Per-provider/model pricing table (C8 support). Grounded on the teacher's
// core/gas_table.go: a static map keyed by a closed set of symbols, a
// default fallback for anything missing from the table, read-only after
// init like the pool registry in pools.go.

// ProviderPricing names the per-token rate, in MicroUSD, a provider+model
// pair charges for prompt and completion tokens.
type ProviderPricing struct {
	InputRateMicroUSDPerToken  int64
	OutputRateMicroUSDPerToken int64
}

// defaultPricing is charged for any provider+model pair missing from
// pricingTable; deliberately non-zero so a missing entry cannot silently
// route cost to zero the way an un-priced opcode would under-charge gas.
var defaultPricing = ProviderPricing{InputRateMicroUSDPerToken: 5, OutputRateMicroUSDPerToken: 15}

// pricingTable mirrors the provider+model pairs named in pools.go's default
// registry. qwen-local is the free local runtime pool; the hosted models
// carry illustrative but realistic per-token MicroUSD rates.
var pricingTable = map[string]ProviderPricing{
	fallbackKey("qwen-local", "Qwen2.5-7B"):       {InputRateMicroUSDPerToken: 0, OutputRateMicroUSDPerToken: 0},
	fallbackKey("qwen-local", "Qwen2.5-Coder-7B"): {InputRateMicroUSDPerToken: 0, OutputRateMicroUSDPerToken: 0},
	fallbackKey("openai", "gpt-4o-mini"):          {InputRateMicroUSDPerToken: 15, OutputRateMicroUSDPerToken: 60},
	fallbackKey("openai", "gpt-4o"):               {InputRateMicroUSDPerToken: 250, OutputRateMicroUSDPerToken: 1000},
	fallbackKey("anthropic", "claude-3-7-sonnet"): {InputRateMicroUSDPerToken: 300, OutputRateMicroUSDPerToken: 1500},
	fallbackKey("anthropic", "claude-3-opus"):     {InputRateMicroUSDPerToken: 1500, OutputRateMicroUSDPerToken: 7500},
}

// pricingFor returns the configured rate for provider+model, falling back to
// defaultPricing (never zero-cost) for any pair the table doesn't name.
func pricingFor(provider, model string) ProviderPricing {
	if p, ok := pricingTable[fallbackKey(provider, model)]; ok {
		return p
	}
	return defaultPricing
}

// estimateOutputTokens bounds a precheck's worst-case completion token count
// to the request's own MaxTokens when set, else a conservative default that
// keeps an un-bounded request from precheck-ing against a zero estimate.
const defaultEstimatedOutputTokens = 512

func estimateOutputTokens(maxTokens int) int64 {
	if maxTokens > 0 {
		return int64(maxTokens)
	}
	return defaultEstimatedOutputTokens
}

// estimateInputTokens derives a rough prompt-token estimate from the
// request's message content; precheck only needs an order-of-magnitude
// figure since the real charge is recomputed from actual usage post-invoke.
func estimateInputTokens(messages []ProviderMessage) int64 {
	var chars int
	for _, m := range messages {
		chars += len(m.Content)
	}
	const charsPerToken = 4
	tokens := int64(chars / charsPerToken)
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// EstimatePrecheckCost gives HTTP/WS entrypoints a real, pricing-based
// estimate to pass as RouteRequest's estimatedCost, instead of a literal
// zero that would let every request sail through the budget/guard precheck
// gates regardless of its actual cost. It resolves the same pool
// selectAuthorizedPool would choose so the estimate reflects the model the
// request will actually be billed against.
func EstimatePrecheckCost(tenantCtx TenantContext, taskType string, req ProviderInvokeRequest) (MicroUSD, error) {
	pool, err := selectAuthorizedPool(tenantCtx, taskType)
	if err != nil {
		return MicroUSD{}, err
	}
	def, ok := poolDefinition(pool.String())
	if !ok {
		return MicroUSD{}, NewGatewayError(CodeUnknownPool, "resolved pool missing from registry").WithDetail("pool", pool.String())
	}
	rate := pricingFor(def.Provider, def.Model)
	usage := UsageRecord{
		PromptTokens:               estimateInputTokens(req.Messages),
		CompletionTokens:           estimateOutputTokens(req.MaxTokens),
		InputRateMicroUSDPerToken:  rate.InputRateMicroUSDPerToken,
		OutputRateMicroUSDPerToken: rate.OutputRateMicroUSDPerToken,
	}
	return computeCost(usage), nil
}
