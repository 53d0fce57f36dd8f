package core

// External collaborator interfaces (spec §6). These name the boundary
// between THE CORE and everything the spec treats as out of scope: provider
// HTTP clients, the authenticated-request verifier, the persistence WAL,
// object storage, and a Redis-like cache. Grounded on the teacher's
// connection_pool.go pattern of accepting a narrow interface rather than a
// concrete client, so the core can be exercised against in-memory fakes.

import (
	"context"
	"time"
)

// ProviderInvokeRequest is the provider-agnostic request shape the router
// hands to a ProviderClient after pool/model resolution.
type ProviderInvokeRequest struct {
	Provider   string
	Model      string
	Messages   []ProviderMessage
	Tools      []ToolSpec
	MaxTokens  int
}

type ProviderMessage struct {
	Role    string
	Content string
	ToolID  string
}

type ToolSpec struct {
	Name        string
	Description string
}

// ProviderInvokeResponse carries the model's reply plus token accounting
// needed by the budget enforcer and rate limiter.
type ProviderInvokeResponse struct {
	Message      ProviderMessage
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
}

type ToolCall struct {
	ID        string
	Name      string
	ArgsJSON  string
}

// ProviderClient is the sole collaborator that actually talks to an LLM
// backend. Implementations live outside this module; tests use an in-memory
// fake.
type ProviderClient interface {
	Invoke(ctx context.Context, req ProviderInvokeRequest) (ProviderInvokeResponse, error)
}

// RequestVerifier authenticates an inbound request and produces the raw
// claim set that enforcePoolClaims consumes. Out of scope per spec §3.1;
// named here only as the seam the HTTP entrypoint calls through.
type RequestVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// WriteAheadLog is the append/replay contract the budget ledger (C8) and
// the billing guard's audit trail (C9) are both built on.
type WriteAheadLog interface {
	Append(ctx context.Context, record []byte) error
	Replay(ctx context.Context, fn func(record []byte) error) error
}

// ObjectStore is the narrow key/value contract C10's claim markers and
// C11's ownership cache snapshot are persisted through.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	PutIfMatch(ctx context.Context, key string, expected, value []byte) (bool, error)
}

// KeyValueCache is the Redis-like contract used for cross-instance rate
// limit and idempotency state when the gateway runs with more than one
// process (spec §6); the in-process defaults in ratelimit.go and
// toolloop.go are the single-instance fallback.
type KeyValueCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Eval(ctx context.Context, script string, keys []string, args []string) (any, error)
}

// HealthChecker is the C3 seam the router filters candidates through.
type HealthChecker interface {
	IsHealthy(provider, model string) bool
	RecordSuccess(provider, model string)
	RecordFailure(provider, model string)
}

// RateAcquirer is the C2 seam the router's invoke step calls before a
// provider call.
type RateAcquirer interface {
	Acquire(ctx context.Context, provider string, estimatedTokens int) bool
}

// BudgetEnforcer is the C8 seam: a precheck gate before spending and a
// recording call after the provider responds. LimitAndSpent exposes the raw
// limit/spent pair so the router can feed the guard's limit_gte_spent
// constraint without the guard needing its own copy of the ledger state.
// Reserve/Commit/Refund drive the correlated mint/reserve/commit/refund
// posting model of spec §3's ledger conservation invariant: every request
// that reserves funds against an account must settle that reservation with
// exactly one Commit or Refund sharing the same correlationID.
type BudgetEnforcer interface {
	Precheck(ctx context.Context, account AccountId, estimatedCost MicroUSD) error
	RecordCost(ctx context.Context, account AccountId, actualCost MicroUSD) error
	LimitAndSpent(account AccountId) (limit MicroUSD, spent MicroUSD, hasLimit bool)
	Reserve(ctx context.Context, correlationID string, account AccountId, estimatedCost MicroUSD) error
	Commit(ctx context.Context, correlationID string, account AccountId, actualCost MicroUSD) error
	Refund(ctx context.Context, correlationID string, account AccountId) error
}

// InvariantGuard is the C9 seam: a precheck before spending and a postcheck
// after the ledger has been updated. Precheck evaluates cost_gte_zero against
// estimatedCost and limit_gte_spent against the account's limit and its spent
// total projected to include estimatedCost. Postcheck evaluates
// cost_gte_zero against actualCost and allocation_gte_reserve between the
// amount reserved at precheck time (allocation) and the amount actually
// committed (reserve), so a provider response that costs more than was
// reserved fails closed instead of silently overspending.
type InvariantGuard interface {
	Precheck(ctx context.Context, account AccountId, estimatedCost, limit, spent MicroUSD) error
	Postcheck(ctx context.Context, account AccountId, actualCost, allocation, reserve MicroUSD) error
}
