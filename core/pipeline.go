package core

// Action pipeline (C10): resolve -> hash -> marker-check -> claim -> invoke
// -> sanitize -> re-check -> post -> finalize. Grounded on the teacher's
// xchainserver handler chain style (a fixed sequence of named steps, each
// returning early on failure) with the claim CAS built on the ObjectStore
// collaborator.

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ActionItem is one unit of work pulled from an IItemSource; CanonicalFields
// excludes volatile attributes (timestamps, reactions, assignees) so its
// hash is stable across re-resolution of the same logical item.
type ActionItem struct {
	Identity        string
	State           string
	CanonicalFields map[string]string
}

// IItemSource resolves the set of items a pipeline run should consider.
type IItemSource interface {
	Resolve(ctx context.Context) ([]ActionItem, error)
}

// MarkerChecker reports whether the downstream system already shows an item
// processed at a given state hash, and lets the pipeline post a marker.
type MarkerChecker interface {
	IsMarked(ctx context.Context, identity, stateHash string) (bool, error)
	Mark(ctx context.Context, identity, stateHash string) error
}

// ActionPoster performs the external side effect (e.g. posting a PR review
// comment) once the router's response has been sanitized.
type ActionPoster interface {
	Post(ctx context.Context, item ActionItem, content string) error
}

const claimTTL = 10 * time.Minute

type claimRecord struct {
	Status    string `json:"status"` // "in_progress" | "posted"
	ExpiresAt int64  `json:"expires_at_unix,omitempty"`
}

// Pipeline wires the fixed nine-phase sequence of spec §4.10.
type Pipeline struct {
	Source  IItemSource
	Marker  MarkerChecker
	Claims  ObjectStore
	Router  func(ctx context.Context, item ActionItem) (string, error)
	Poster  ActionPoster
}

// hashItem hashes only CanonicalFields, sorted by key for determinism.
func hashItem(item ActionItem) string {
	keys := make([]string, 0, len(item.CanonicalFields))
	for k := range item.CanonicalFields {
		keys = append(keys, k)
	}
	sortStrings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(item.CanonicalFields[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func claimKey(identity, stateHash string) string { return identity + "#" + stateHash }

// claimOrReclaim is the claim-creation primitive of spec §4.10 step 4 / P6:
// a fresh key is claimed via PutIfAbsent, but an existing in_progress record
// whose ExpiresAt has passed is treated as available (spec §3's claim data
// model) and reclaimed via a CAS PutIfMatch against the exact expired
// record, so a still-live concurrent holder still loses the race.
func (p *Pipeline) claimOrReclaim(ctx context.Context, key string, newRecord []byte) (bool, error) {
	claimed, err := p.Claims.PutIfAbsent(ctx, key, newRecord)
	if err != nil {
		return false, err
	}
	if claimed {
		return true, nil
	}

	existing, ok, err := p.Claims.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		// Raced with a Delete between PutIfAbsent and Get; try once more.
		return p.Claims.PutIfAbsent(ctx, key, newRecord)
	}
	var rec claimRecord
	if err := json.Unmarshal(existing, &rec); err != nil {
		return false, nil
	}
	if rec.Status != "in_progress" || rec.ExpiresAt == 0 || time.Now().Unix() < rec.ExpiresAt {
		return false, nil
	}
	return p.Claims.PutIfMatch(ctx, key, existing, newRecord)
}

// Run executes the fixed phase order against every resolved item. A failure
// in any single item's pipeline is recorded in the returned slice and does
// not abort the rest of the run.
func (p *Pipeline) Run(ctx context.Context) ([]ActionOutcome, error) {
	items, err := p.Source.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	outcomes := make([]ActionOutcome, 0, len(items))
	for _, item := range items {
		outcomes = append(outcomes, p.runOne(ctx, item))
	}
	return outcomes, nil
}

type ActionOutcome struct {
	Identity string
	Posted   bool
	Skipped  bool
	Err      error
}

func (p *Pipeline) runOne(ctx context.Context, item ActionItem) ActionOutcome {
	stateHash := hashItem(item)
	key := claimKey(item.Identity, stateHash)

	marked, err := p.Marker.IsMarked(ctx, item.Identity, stateHash)
	if err != nil {
		return ActionOutcome{Identity: item.Identity, Err: err}
	}
	if marked {
		return ActionOutcome{Identity: item.Identity, Skipped: true}
	}

	claim := claimRecord{Status: "in_progress", ExpiresAt: time.Now().Add(claimTTL).Unix()}
	claimBytes, _ := json.Marshal(claim)
	claimed, err := p.claimOrReclaim(ctx, key, claimBytes)
	if err != nil {
		return ActionOutcome{Identity: item.Identity, Err: err}
	}
	if !claimed {
		// A concurrent run already holds this claim and it has not expired
		// (spec §4.10 step 4 / P6).
		return ActionOutcome{Identity: item.Identity, Skipped: true}
	}

	content, err := p.Router(ctx, item)
	if err != nil {
		// Leave the claim in-progress to expire; never finalized, never
		// double-posted (spec §4.10).
		return ActionOutcome{Identity: item.Identity, Err: err}
	}
	content = sanitize(content)

	marked, err = p.Marker.IsMarked(ctx, item.Identity, stateHash)
	if err != nil {
		return ActionOutcome{Identity: item.Identity, Err: err}
	}
	if marked {
		// A concurrent run finished first; abort post.
		return ActionOutcome{Identity: item.Identity, Skipped: true}
	}

	if err := p.Poster.Post(ctx, item, content); err != nil {
		return ActionOutcome{Identity: item.Identity, Err: err}
	}

	if err := p.Marker.Mark(ctx, item.Identity, stateHash); err != nil {
		return ActionOutcome{Identity: item.Identity, Err: err}
	}

	finalClaim := claimRecord{Status: "posted"}
	finalBytes, _ := json.Marshal(finalClaim)
	if _, err := p.Claims.PutIfMatch(ctx, key, claimBytes, finalBytes); err != nil {
		return ActionOutcome{Identity: item.Identity, Err: err}
	}
	return ActionOutcome{Identity: item.Identity, Posted: true}
}
