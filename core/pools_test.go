package core

import "testing"

func TestGetAccessiblePoolsOrderedByTier(t *testing.T) {
	free := getAccessiblePools(TierFree)
	if len(free) != 1 || free[0] != "cheap" {
		t.Fatalf("expected free tier to only see cheap, got %v", free)
	}
	ent := getAccessiblePools(TierEnterprise)
	if len(ent) != 5 {
		t.Fatalf("expected enterprise tier to see all 5 pools, got %v", ent)
	}
}

func TestIsValidPoolIdAndTierHasAccess(t *testing.T) {
	if !isValidPoolId("architect") {
		t.Fatalf("expected architect to be a valid pool id")
	}
	if isValidPoolId("nonexistent") {
		t.Fatalf("expected unknown pool id to be invalid")
	}
	if tierHasAccess(TierFree, "architect") {
		t.Fatalf("expected free tier to lack architect access")
	}
	if !tierHasAccess(TierEnterprise, "architect") {
		t.Fatalf("expected enterprise tier to have architect access")
	}
}

func TestResolvePoolHonorsPreferenceWithinTier(t *testing.T) {
	got, err := resolvePool(TierPro, "code", map[string]string{"code": "fast-code"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "fast-code" {
		t.Fatalf("expected preference honored, got %q", got)
	}
}

func TestResolvePoolRejectsPreferenceOutsideTier(t *testing.T) {
	// spec §8 scenario 2: free tier requesting code via
	// model_preferences={code: fast-code} is a tier escalation attempt and
	// must fail closed with TIER_UNAUTHORIZED, never silently downgrade to
	// the task's default chain.
	_, err := resolvePool(TierFree, "code", map[string]string{"code": "fast-code"})
	ge, ok := AsGatewayError(err)
	if !ok || ge.Code() != CodeTierUnauthorized {
		t.Fatalf("expected CodeTierUnauthorized, got %v", err)
	}
}

func TestResolvePoolFallbackChain(t *testing.T) {
	got, err := resolvePool(TierPro, "architect", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// pro lacks architect and reasoning; chain falls through to cheap.
	if got != "cheap" {
		t.Fatalf("expected fallback chain to land on cheap for pro tier, got %q", got)
	}
}

func TestAllowedPoolsForTierIsAuthoritative(t *testing.T) {
	allowed := allowedPoolsForTier(TierFree)
	if _, ok := allowed["architect"]; ok {
		t.Fatalf("expected architect to be excluded from free tier's allowed set")
	}
}

func TestReloadRegistrySwapsAtomically(t *testing.T) {
	defer ReloadRegistry(defaultRegistry().pools, defaultRegistry().tierAccess, defaultRegistry().taskFallback)

	ReloadRegistry(
		map[string]PoolDefinition{"only": {Pool: "only", Provider: "x", Model: "y"}},
		map[Tier][]string{TierFree: {"only"}},
		map[string][]string{"chat": {"only"}},
	)
	if !isValidPoolId("only") {
		t.Fatalf("expected reloaded registry to take effect")
	}
	if isValidPoolId("cheap") {
		t.Fatalf("expected old pool to be gone after full-replace reload")
	}
}

func TestSortedCopyDedupesAndSorts(t *testing.T) {
	got := sortedCopy([]string{"b", "a", "b", "c", "a"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
