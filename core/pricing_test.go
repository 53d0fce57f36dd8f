package core

import (
	"context"
	"testing"
)

func TestPricingForKnownPairReturnsTableRate(t *testing.T) {
	rate := pricingFor("openai", "gpt-4o")
	if rate.InputRateMicroUSDPerToken == 0 && rate.OutputRateMicroUSDPerToken == 0 {
		t.Fatalf("expected a configured non-zero rate for openai:gpt-4o")
	}
}

func TestPricingForUnknownPairFallsBackToDefault(t *testing.T) {
	rate := pricingFor("some-new-provider", "some-new-model")
	if rate != defaultPricing {
		t.Fatalf("expected unknown provider+model to fall back to defaultPricing, got %+v", rate)
	}
}

func TestEstimatePrecheckCostIsNonZeroForPaidPool(t *testing.T) {
	ctx := testTenantCtx(TierPro, map[string]string{"review": "reviewer"})
	req := ProviderInvokeRequest{
		Messages:  []ProviderMessage{{Role: "user", Content: "please review this pull request in detail"}},
		MaxTokens: 256,
	}
	cost, err := EstimatePrecheckCost(ctx, "review", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cost.Int64() <= 0 {
		t.Fatalf("expected a positive estimated cost for pool reviewer, got %d", cost.Int64())
	}
}

func TestEstimatePrecheckCostIsZeroForFreeLocalPool(t *testing.T) {
	ctx := testTenantCtx(TierFree, nil)
	cost, err := EstimatePrecheckCost(ctx, "chat", ProviderInvokeRequest{MaxTokens: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cost.Int64() != 0 {
		t.Fatalf("expected zero estimated cost for the free local pool, got %d", cost.Int64())
	}
}

// TestInvokeCandidateBillsActualUsageNotEstimate exercises the router's
// post-invoke cost computation end to end: a provider response reporting
// real token usage must be billed at the pool's real per-token rate, not at
// whatever estimatedCost the caller supplied for the precheck gates.
func TestInvokeCandidateBillsActualUsageNotEstimate(t *testing.T) {
	budget := &recordingBudget{}
	deps := RouterDeps{
		Health:  &fakeHealth{open: map[string]bool{}},
		RateLim: &fakeRateAcquirer{allow: true},
		Budget:  budget,
		Guard:   fakeGuard{},
		Provider: &fakeProvider{resp: ProviderInvokeResponse{
			Message:      ProviderMessage{Role: "assistant", Content: "done"},
			InputTokens:  1000,
			OutputTokens: 500,
		}},
	}
	tenantCtx := testTenantCtx(TierPro, map[string]string{"review": "reviewer"})
	acct, _ := ParseAccountId("acct-1")

	// A deliberately wrong, non-zero estimate: the commit must still reflect
	// real usage at the reviewer pool's configured rate, not this value.
	_, err := RouteRequest(context.Background(), deps, "corr-1", "review-agent", "review", tenantCtx, acct, MicroUSD{}.fromInt64(1), BudgetModeDeny, ProviderInvokeRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rate := pricingFor("openai", "gpt-4o")
	want := 1000*rate.InputRateMicroUSDPerToken + 500*rate.OutputRateMicroUSDPerToken
	if budget.recordedCost.Int64() != want {
		t.Fatalf("expected actual cost %d computed from usage, got %d", want, budget.recordedCost.Int64())
	}
}

type recordingBudget struct {
	recordedCost MicroUSD
}

func (b *recordingBudget) Precheck(ctx context.Context, account AccountId, estimatedCost MicroUSD) error {
	return nil
}
func (b *recordingBudget) RecordCost(ctx context.Context, account AccountId, actualCost MicroUSD) error {
	b.recordedCost = actualCost
	return nil
}
func (b *recordingBudget) LimitAndSpent(account AccountId) (MicroUSD, MicroUSD, bool) {
	return MicroUSD{}, MicroUSD{}, false
}
func (b *recordingBudget) Reserve(ctx context.Context, correlationID string, account AccountId, estimatedCost MicroUSD) error {
	return nil
}
func (b *recordingBudget) Commit(ctx context.Context, correlationID string, account AccountId, actualCost MicroUSD) error {
	return nil
}
func (b *recordingBudget) Refund(ctx context.Context, correlationID string, account AccountId) error {
	return nil
}
