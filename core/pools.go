package core

// Pool registry and tier bridge (C4). Static, loaded-once data in the style
// of the teacher's common_structs.go constant tables: a read-only map
// initialized at package load, mutated only via an explicit full-replace
// reload under a lock (spec §7 shared-resource policy).

import (
	"sort"
	"sync"
)

type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// CapabilityRequirements names what a pool's backing model must support.
type CapabilityRequirements struct {
	ToolCalling     bool
	ThinkingTraces  ThinkingTraceLevel
	Vision          bool
	NativeRuntime   bool
}

type ThinkingTraceLevel string

const (
	ThinkingOff      ThinkingTraceLevel = "off"
	ThinkingOptional ThinkingTraceLevel = "optional"
	ThinkingRequired ThinkingTraceLevel = "required"
)

// PoolDefinition binds a pool to its preferred backend and capabilities.
type PoolDefinition struct {
	Pool         string
	Provider     string
	Model        string
	Capabilities CapabilityRequirements
}

// registry holds the closed set of pools and the tier->pools access table.
// Swappable wholesale via ReloadRegistry under regMu, never mutated in place.
type registry struct {
	pools         map[string]PoolDefinition
	tierAccess    map[Tier][]string // ordered, deterministic
	taskFallback  map[string][]string
}

var (
	regMu   sync.RWMutex
	reg     = defaultRegistry()
)

func defaultRegistry() *registry {
	return &registry{
		pools: map[string]PoolDefinition{
			"cheap": {
				Pool: "cheap", Provider: "qwen-local", Model: "Qwen2.5-7B",
				Capabilities: CapabilityRequirements{ToolCalling: true, ThinkingTraces: ThinkingOff},
			},
			"fast-code": {
				Pool: "fast-code", Provider: "openai", Model: "gpt-4o-mini",
				Capabilities: CapabilityRequirements{ToolCalling: true, ThinkingTraces: ThinkingOptional},
			},
			"reviewer": {
				Pool: "reviewer", Provider: "openai", Model: "gpt-4o",
				Capabilities: CapabilityRequirements{ToolCalling: true, ThinkingTraces: ThinkingOptional},
			},
			"reasoning": {
				Pool: "reasoning", Provider: "anthropic", Model: "claude-3-7-sonnet",
				Capabilities: CapabilityRequirements{ToolCalling: true, ThinkingTraces: ThinkingRequired},
			},
			"architect": {
				Pool: "architect", Provider: "anthropic", Model: "claude-3-opus",
				Capabilities: CapabilityRequirements{ToolCalling: true, ThinkingTraces: ThinkingRequired, Vision: true},
			},
		},
		tierAccess: map[Tier][]string{
			TierFree:       {"cheap"},
			TierPro:        {"cheap", "fast-code", "reviewer"},
			TierEnterprise: {"cheap", "fast-code", "reviewer", "reasoning", "architect"},
		},
		taskFallback: map[string][]string{
			"chat":     {"cheap"},
			"code":     {"fast-code", "cheap"},
			"review":   {"reviewer", "fast-code", "cheap"},
			"reason":   {"reasoning", "reviewer", "cheap"},
			"architect": {"architect", "reasoning", "cheap"},
		},
	}
}

// ReloadRegistry atomically replaces the pool/tier tables. Callers assemble
// a fresh registry (e.g. from YAML via pkg/config) and swap it in; readers
// never observe a partially-updated table.
func ReloadRegistry(pools map[string]PoolDefinition, tierAccess map[Tier][]string, taskFallback map[string][]string) {
	regMu.Lock()
	defer regMu.Unlock()
	reg = &registry{pools: pools, tierAccess: tierAccess, taskFallback: taskFallback}
}

// getAccessiblePools returns the deterministic, ordered pool list for tier.
func getAccessiblePools(tier Tier) []string {
	regMu.RLock()
	defer regMu.RUnlock()
	pools, ok := reg.tierAccess[tier]
	if !ok {
		return nil
	}
	out := make([]string, len(pools))
	copy(out, pools)
	return out
}

// isValidPoolId reports closed-set membership.
func isValidPoolId(s string) bool {
	regMu.RLock()
	defer regMu.RUnlock()
	_, ok := reg.pools[s]
	return ok
}

// tierHasAccess reports whether tier's accessible pools include pool.
func tierHasAccess(tier Tier, pool string) bool {
	for _, p := range getAccessiblePools(tier) {
		if p == pool {
			return true
		}
	}
	return false
}

// poolDefinition looks up the (provider, model, capabilities) for a pool.
func poolDefinition(pool string) (PoolDefinition, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	d, ok := reg.pools[pool]
	return d, ok
}

// resolvePool picks the pool for taskType honoring an explicit preference
// when the tier allows it, else the tier's ordered fallback chain for that
// task type, else the global final fallback "cheap" (spec §4.4). An
// explicit preference naming a pool outside the tier's access is a tier
// escalation attempt and fails closed with TIER_UNAUTHORIZED rather than
// silently falling through to the task's default chain (spec §8 scenario
// 2: free tier requesting code via model_preferences={code: fast-code}).
func resolvePool(tier Tier, taskType string, modelPreferences map[string]string) (string, error) {
	if pref, ok := modelPreferences[taskType]; ok && pref != "" {
		if !isValidPoolId(pref) {
			return "", NewGatewayError(CodeUnknownPool, "model preference names an unknown pool").WithDetail("pool", pref)
		}
		if !tierHasAccess(tier, pref) {
			return "", NewGatewayError(CodeTierUnauthorized, "tenant tier does not permit the requested model preference").
				WithDetail("tier", string(tier)).WithDetail("pool", pref).WithDetail("task_type", taskType)
		}
		return pref, nil
	}
	regMu.RLock()
	chain := reg.taskFallback[taskType]
	regMu.RUnlock()
	for _, p := range chain {
		if tierHasAccess(tier, p) {
			return p, nil
		}
	}
	if tierHasAccess(tier, "cheap") {
		return "cheap", nil
	}
	return "", nil
}

// allowedPoolsForTier is the authoritative source other components must use;
// routing must never fall back to a pool outside this set.
func allowedPoolsForTier(tier Tier) map[string]struct{} {
	out := make(map[string]struct{})
	for _, p := range getAccessiblePools(tier) {
		out[p] = struct{}{}
	}
	return out
}

// ResolvePool exports resolvePool for operator tooling (gatewayctl pools
// resolve); production routing goes through RouteRequest instead.
func ResolvePool(tier Tier, taskType string, modelPreferences map[string]string) (string, error) {
	pool, err := resolvePool(tier, taskType, modelPreferences)
	if err != nil {
		return "", err
	}
	if pool == "" {
		return "", NewGatewayError(CodeNoEligiblePool, "no pool reachable for tier/task combination")
	}
	return pool, nil
}

// AllowedPoolsForTier exports the tier's ordered accessible pool list for
// operator tooling.
func AllowedPoolsForTier(tier Tier) []string {
	return getAccessiblePools(tier)
}

// sortedCopy returns a deduplicated, ascending-sorted copy of ids, used by
// selectAffinityRankedPools and the claims mismatch detector for
// deterministic tie-breaking and stable hashing (spec §4.5).
func sortedCopy(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
