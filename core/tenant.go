package core

// Tenant authorization and pool enforcement (C5). Grounded on the teacher's
// audit_management.go pattern of pure validation functions that return a
// structured result plus a graduated-severity log line, rather than
// returning bare booleans.

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Claims mirrors the signed tenant claim set named in spec §3.3. Decoding
// the JWT envelope itself is an external collaborator's job (spec §6); this
// struct is what the verifier is expected to hand back.
type Claims struct {
	Issuer           string
	Audience         string
	Subject          string
	TenantId         string
	Tier             Tier
	NFTId            string
	PoolId           string
	AllowedPools     []string
	ModelPreferences map[string]string
	BYOK             bool
	IssuedAt         int64
	ExpiresAt        int64
	RequestHash      string
}

// TenantContext is immutable for the lifetime of one request once built.
type TenantContext struct {
	Claims        Claims
	ResolvedPools []string
	RequestedPool string // "" means absent
	IsNFTRouted   bool
	IsBYOK        bool
}

type MismatchKind string

const (
	MismatchNone         MismatchKind = ""
	MismatchSubset       MismatchKind = "subset"
	MismatchSuperset     MismatchKind = "superset"
	MismatchInvalidEntry MismatchKind = "invalid_entry"
)

// EnforcementConfig controls the strictness of enforcePoolClaims.
type EnforcementConfig struct {
	Strict bool
}

// EnforcementResult is returned by enforcePoolClaims.
type EnforcementResult struct {
	ResolvedPools []string
	RequestedPool string
	Mismatch      MismatchKind
	Err           error
}

// enforcePoolClaims is a pure function: the same claims and config always
// produce the same result (spec §4.5).
func enforcePoolClaims(claims Claims, cfg EnforcementConfig) EnforcementResult {
	resolvedPools := getAccessiblePools(claims.Tier)
	if len(resolvedPools) == 0 {
		return EnforcementResult{Err: NewGatewayError(CodePoolAccessDenied, "tier grants no accessible pools").WithDetail("tier", string(claims.Tier))}
	}

	var requestedPool string
	if claims.PoolId != "" {
		if !isValidPoolId(claims.PoolId) {
			return EnforcementResult{Err: NewGatewayError(CodeUnknownPool, "claims.pool_id is not a known pool").WithDetail("pool_id", claims.PoolId)}
		}
		if !tierHasAccess(claims.Tier, claims.PoolId) {
			return EnforcementResult{Err: NewGatewayError(CodePoolAccessDenied, "tier does not permit claims.pool_id").WithDetail("pool_id", claims.PoolId)}
		}
		requestedPool = claims.PoolId
	}

	mismatch := detectAllowedPoolsMismatch(claims.AllowedPools, resolvedPools)
	if mismatch == MismatchSuperset && cfg.Strict {
		return EnforcementResult{Err: NewGatewayError(CodePoolAccessDenied, "allowed_pools claim exceeds tier's resolved pools (strict mode)")}
	}
	logMismatch(claims, mismatch, resolvedPools)

	return EnforcementResult{ResolvedPools: resolvedPools, RequestedPool: requestedPool, Mismatch: mismatch}
}

// detectAllowedPoolsMismatch applies the priority order of spec §4.5 step 3:
// invalid_entry beats superset beats subset. Duplicate entries in claimed
// are deduplicated before the subset/superset comparison (Open Question
// decision recorded in SPEC_FULL.md).
func detectAllowedPoolsMismatch(claimed, resolvedPools []string) MismatchKind {
	if len(claimed) == 0 {
		return MismatchNone
	}
	for _, p := range claimed {
		if !isValidPoolId(p) {
			return MismatchInvalidEntry
		}
	}
	resolvedSet := make(map[string]struct{}, len(resolvedPools))
	for _, p := range resolvedPools {
		resolvedSet[p] = struct{}{}
	}
	distinct := sortedCopy(claimed)
	for _, p := range distinct {
		if _, ok := resolvedSet[p]; !ok {
			return MismatchSuperset
		}
	}
	if len(distinct) < len(resolvedPools) {
		return MismatchSubset
	}
	return MismatchNone
}

// logMismatch logs a graduated-severity line, hashing the pool lists rather
// than emitting them raw in production (spec §4.5 step 4).
func logMismatch(claims Claims, mismatch MismatchKind, resolvedPools []string) {
	if mismatch == MismatchNone {
		return
	}
	fields := log.Fields{
		"tenant_id":       claims.TenantId,
		"tier":            string(claims.Tier),
		"mismatch":        string(mismatch),
		"claimed_hash":    hashPoolList(claims.AllowedPools),
		"resolved_hash":   hashPoolList(resolvedPools),
	}
	entry := log.WithFields(fields)
	switch mismatch {
	case MismatchSubset:
		entry.Info("confused deputy: allowed_pools is a subset of resolved pools")
	case MismatchSuperset:
		entry.Warn("confused deputy: allowed_pools claims pools outside resolved pools")
	case MismatchInvalidEntry:
		entry.Error("confused deputy: allowed_pools contains an unknown pool id")
	}
}

// hashPoolList returns a short hex prefix of the SHA-256 digest of the
// sorted, deduplicated pool list, for correlation without leaking raw pool
// names into logs.
func hashPoolList(ids []string) string {
	sorted := sortedCopy(ids)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])[:12]
}

// selectAuthorizedPool is the sole entry point for pool selection on every
// execution path (spec §4.5). Fails closed in every branch.
func selectAuthorizedPool(ctx TenantContext, taskType string) (PoolId, error) {
	if len(ctx.ResolvedPools) == 0 {
		return PoolId{}, NewGatewayError(CodePoolAccessDenied, "tenant context has no resolved pools")
	}
	candidate, err := resolvePool(ctx.Claims.Tier, taskType, ctx.Claims.ModelPreferences)
	if err != nil {
		return PoolId{}, err
	}
	if candidate == "" || !isValidPoolId(candidate) {
		return PoolId{}, NewGatewayError(CodeUnknownPool, "resolvePool produced no valid pool").WithDetail("task_type", taskType)
	}
	if ctx.RequestedPool != "" && ctx.RequestedPool != candidate {
		return PoolId{}, NewGatewayError(CodePoolAccessDenied, "resolved pool does not match JWT-bound requested pool").
			WithDetail("requested_pool", ctx.RequestedPool).WithDetail("resolved_pool", candidate)
	}
	if !containsString(ctx.ResolvedPools, candidate) {
		return PoolId{}, NewGatewayError(CodePoolAccessDenied, "resolved pool escaped tenant's resolved set (defense in depth)")
	}
	return ParsePoolId(candidate)
}

// selectAffinityRankedPools intersects tier-allowed with resolved pools,
// then orders by affinity score descending with ascending pool-id as a
// deterministic tie-break. An empty result is never silently escalated; the
// caller must treat it as a terminal failure (spec §4.5, Open Questions).
func selectAffinityRankedPools(ctx TenantContext, affinity map[string]int) ([]PoolId, error) {
	tierAllowed := allowedPoolsForTier(ctx.Claims.Tier)
	type ranked struct {
		pool  string
		score int
	}
	var candidates []ranked
	for _, p := range ctx.ResolvedPools {
		if _, ok := tierAllowed[p]; !ok {
			continue
		}
		candidates = append(candidates, ranked{pool: p, score: affinity[p]})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].pool < candidates[j].pool
	})
	if len(candidates) == 0 {
		return nil, NewGatewayError(CodeNoEligiblePool, "no pool is both tier-allowed and resolved for this tenant")
	}
	out := make([]PoolId, 0, len(candidates))
	for _, c := range candidates {
		pid, err := ParsePoolId(c.pool)
		if err != nil {
			return nil, err
		}
		out = append(out, pid)
	}
	return out, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
