package core

// Ledger conservation (spec §3 "ledger conservation invariant", spec §8
// property P3): for every correlated billing flow (mint, reserve, commit,
// refund) the sum of all account balance deltas across postings equals
// exactly 0. Grounded on the teacher's core/ledger.go double-entry posting
// helper, generalized from its fixed two-leg transfer shape to an arbitrary
// N-leg correlated posting set so reserve/commit can refund an unused
// remainder in the same atomic group as the commit itself.

import "sync"

// PostingKind names which leg of the reserve/commit/refund lifecycle a
// Posting belongs to.
type PostingKind string

const (
	PostingMint    PostingKind = "mint"
	PostingReserve PostingKind = "reserve"
	PostingCommit  PostingKind = "commit"
	PostingRefund  PostingKind = "refund"
)

// Posting is one leg of a correlated billing flow. Every Posting sharing a
// CorrelationId must sum to exactly 0 across DeltaMicroUSD (P3).
type Posting struct {
	CorrelationId string      `json:"correlation_id"`
	Account       string      `json:"account"`
	Kind          PostingKind `json:"kind"`
	DeltaMicroUSD int64       `json:"delta_micro_usd"`
}

// Pseudo-accounts double-entry postings move funds through. Never
// wire-visible and never parsed through the AccountId wire-boundary codec.
const (
	reserveEscrowPrefix = "reserve:"
	spentLedgerPrefix   = "spent:"
	mintSourceAccount   = "mint:source"
)

// postingLedger is the conservation-checked double-entry core that backs
// Ledger's Mint/Reserve/Commit/Refund methods.
type postingLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	reserved map[string]int64 // correlationId -> amount reserved, pending commit/refund
	postings []Posting        // append-only audit trail, mirrors the WAL once persisted
}

func newPostingLedger() *postingLedger {
	return &postingLedger{balances: make(map[string]int64), reserved: make(map[string]int64)}
}

func sumDeltas(postings []Posting) int64 {
	var sum int64
	for _, p := range postings {
		sum += p.DeltaMicroUSD
	}
	return sum
}

func correlationIdOf(postings []Posting) string {
	if len(postings) == 0 {
		return ""
	}
	return postings[0].CorrelationId
}

// applyCorrelated posts a conservation-checked set of deltas atomically.
// A postings set that does not sum to 0 is rejected outright (P3) and the
// ledger is left unchanged.
func (pl *postingLedger) applyCorrelated(postings []Posting) error {
	if sumDeltas(postings) != 0 {
		return NewGatewayError(CodeBillingInvariantFailed, "correlated posting set does not sum to zero").
			WithDetail("correlation_id", correlationIdOf(postings))
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for _, p := range postings {
		pl.balances[p.Account] += p.DeltaMicroUSD
	}
	pl.postings = append(pl.postings, postings...)
	return nil
}

// mint credits account with amount from the zero-sum external mint source,
// e.g. a tenant's periodic budget top-up.
func (pl *postingLedger) mint(correlationID, account string, amount int64) ([]Posting, error) {
	postings := []Posting{
		{CorrelationId: correlationID, Account: account, Kind: PostingMint, DeltaMicroUSD: amount},
		{CorrelationId: correlationID, Account: mintSourceAccount, Kind: PostingMint, DeltaMicroUSD: -amount},
	}
	return postings, pl.applyCorrelated(postings)
}

// reserve holds amount against account ahead of a provider call, moving it
// into that account's reserve escrow. commit or refund must later be called
// with the same correlationID to settle it.
func (pl *postingLedger) reserve(correlationID, account string, amount int64) ([]Posting, error) {
	postings := []Posting{
		{CorrelationId: correlationID, Account: account, Kind: PostingReserve, DeltaMicroUSD: -amount},
		{CorrelationId: correlationID, Account: reserveEscrowPrefix + account, Kind: PostingReserve, DeltaMicroUSD: amount},
	}
	if err := pl.applyCorrelated(postings); err != nil {
		return nil, err
	}
	pl.mu.Lock()
	pl.reserved[correlationID] = amount
	pl.mu.Unlock()
	return postings, nil
}

// commit settles a reservation at actualCost: actualCost moves from the
// reserve escrow into the account's spent ledger, and any unused portion of
// the reservation (reservedAmount - actualCost) is returned to account in
// the same correlated posting set, so the settlement is atomic and still
// sums to 0 even when actual cost differs from the estimate.
func (pl *postingLedger) commit(correlationID, account string, actualCost int64) ([]Posting, error) {
	pl.mu.Lock()
	reservedAmount, ok := pl.reserved[correlationID]
	if ok {
		delete(pl.reserved, correlationID)
	}
	pl.mu.Unlock()
	if !ok {
		return nil, NewGatewayError(CodeBillingInvariantFailed, "commit with no matching reservation").WithDetail("correlation_id", correlationID)
	}
	unused := reservedAmount - actualCost
	postings := []Posting{
		{CorrelationId: correlationID, Account: reserveEscrowPrefix + account, Kind: PostingCommit, DeltaMicroUSD: -reservedAmount},
		{CorrelationId: correlationID, Account: spentLedgerPrefix + account, Kind: PostingCommit, DeltaMicroUSD: actualCost},
		{CorrelationId: correlationID, Account: account, Kind: PostingCommit, DeltaMicroUSD: unused},
	}
	return postings, pl.applyCorrelated(postings)
}

// refund releases a reservation in full without committing any spend, e.g.
// when a provider call fails before a cost is known.
func (pl *postingLedger) refund(correlationID, account string) ([]Posting, error) {
	pl.mu.Lock()
	reservedAmount, ok := pl.reserved[correlationID]
	if ok {
		delete(pl.reserved, correlationID)
	}
	pl.mu.Unlock()
	if !ok {
		return nil, NewGatewayError(CodeBillingInvariantFailed, "refund with no matching reservation").WithDetail("correlation_id", correlationID)
	}
	postings := []Posting{
		{CorrelationId: correlationID, Account: reserveEscrowPrefix + account, Kind: PostingRefund, DeltaMicroUSD: -reservedAmount},
		{CorrelationId: correlationID, Account: account, Kind: PostingRefund, DeltaMicroUSD: reservedAmount},
	}
	return postings, pl.applyCorrelated(postings)
}

// balance returns account's current balance, for tests and diagnostics.
func (pl *postingLedger) balance(account string) int64 {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.balances[account]
}
