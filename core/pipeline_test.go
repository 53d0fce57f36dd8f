package core

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type fakeItemSource struct{ items []ActionItem }

func (f fakeItemSource) Resolve(ctx context.Context) ([]ActionItem, error) { return f.items, nil }

type fakeMarkerChecker struct {
	mu     sync.Mutex
	marked map[string]bool
}

func newFakeMarkerChecker() *fakeMarkerChecker {
	return &fakeMarkerChecker{marked: map[string]bool{}}
}

func (f *fakeMarkerChecker) IsMarked(ctx context.Context, identity, stateHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marked[identity+"#"+stateHash], nil
}

func (f *fakeMarkerChecker) Mark(ctx context.Context, identity, stateHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[identity+"#"+stateHash] = true
	return nil
}

type fakePoster struct {
	mu    sync.Mutex
	posts []string
}

func (f *fakePoster) Post(ctx context.Context, item ActionItem, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, content)
	return nil
}

func TestPipelineHappyPathPostsAndFinalizesClaim(t *testing.T) {
	item := ActionItem{Identity: "pr-1", CanonicalFields: map[string]string{"title": "fix bug"}}
	claims := NewMemoryObjectStore()
	poster := &fakePoster{}
	p := &Pipeline{
		Source: fakeItemSource{items: []ActionItem{item}},
		Marker: newFakeMarkerChecker(),
		Claims: claims,
		Router: func(ctx context.Context, item ActionItem) (string, error) { return "looks good", nil },
		Poster: poster,
	}
	outcomes, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Posted {
		t.Fatalf("expected item to be posted, got %+v", outcomes)
	}
	if len(poster.posts) != 1 || poster.posts[0] != "looks good" {
		t.Fatalf("expected posted content to match router output, got %v", poster.posts)
	}
	raw, ok, _ := claims.Get(context.Background(), claimKey("pr-1", hashItem(item)))
	if !ok {
		t.Fatalf("expected claim record to exist")
	}
	var rec claimRecord
	_ = json.Unmarshal(raw, &rec)
	if rec.Status != "posted" {
		t.Fatalf("expected claim finalized to posted, got %q", rec.Status)
	}
}

func TestPipelineSkipsAlreadyMarkedItem(t *testing.T) {
	item := ActionItem{Identity: "pr-2", CanonicalFields: map[string]string{"title": "x"}}
	marker := newFakeMarkerChecker()
	marker.marked["pr-2#"+hashItem(item)] = true
	p := &Pipeline{
		Source: fakeItemSource{items: []ActionItem{item}},
		Marker: marker,
		Claims: NewMemoryObjectStore(),
		Router: func(ctx context.Context, item ActionItem) (string, error) { return "unused", nil },
		Poster: &fakePoster{},
	}
	outcomes, _ := p.Run(context.Background())
	if !outcomes[0].Skipped {
		t.Fatalf("expected skip on pre-marked item, got %+v", outcomes[0])
	}
}

func TestPipelineConcurrentClaimPreventsDoublePost(t *testing.T) {
	item := ActionItem{Identity: "pr-3", CanonicalFields: map[string]string{"title": "y"}}
	claims := NewMemoryObjectStore()
	// Simulate a concurrent run already holding the claim.
	existing, _ := json.Marshal(claimRecord{Status: "in_progress"})
	claims.PutIfAbsent(context.Background(), claimKey("pr-3", hashItem(item)), existing)

	posted := &fakePoster{}
	p := &Pipeline{
		Source: fakeItemSource{items: []ActionItem{item}},
		Marker: newFakeMarkerChecker(),
		Claims: claims,
		Router: func(ctx context.Context, item ActionItem) (string, error) { return "should not post", nil },
		Poster: posted,
	}
	outcomes, _ := p.Run(context.Background())
	if !outcomes[0].Skipped {
		t.Fatalf("expected skip when claim already held, got %+v", outcomes[0])
	}
	if len(posted.posts) != 0 {
		t.Fatalf("expected no post when claim already held")
	}
}

func TestPipelineReclaimsExpiredInProgressClaim(t *testing.T) {
	// spec §3 claim data model: "in-progress with expired TTL is treated as
	// available". A crashed worker's stale claim must not block the item
	// forever.
	item := ActionItem{Identity: "pr-5", CanonicalFields: map[string]string{"title": "stale"}}
	claims := NewMemoryObjectStore()
	expired, _ := json.Marshal(claimRecord{Status: "in_progress", ExpiresAt: time.Now().Add(-claimTTL).Unix()})
	claims.PutIfAbsent(context.Background(), claimKey("pr-5", hashItem(item)), expired)

	poster := &fakePoster{}
	p := &Pipeline{
		Source: fakeItemSource{items: []ActionItem{item}},
		Marker: newFakeMarkerChecker(),
		Claims: claims,
		Router: func(ctx context.Context, item ActionItem) (string, error) { return "reclaimed", nil },
		Poster: poster,
	}
	outcomes, _ := p.Run(context.Background())
	if !outcomes[0].Posted {
		t.Fatalf("expected expired claim to be reclaimed and posted, got %+v", outcomes[0])
	}
	if len(poster.posts) != 1 || poster.posts[0] != "reclaimed" {
		t.Fatalf("expected reclaimed item to be posted, got %v", poster.posts)
	}
}

func TestPipelineRouterFailureLeavesClaimInProgress(t *testing.T) {
	item := ActionItem{Identity: "pr-4", CanonicalFields: map[string]string{"title": "z"}}
	claims := NewMemoryObjectStore()
	p := &Pipeline{
		Source: fakeItemSource{items: []ActionItem{item}},
		Marker: newFakeMarkerChecker(),
		Claims: claims,
		Router: func(ctx context.Context, item ActionItem) (string, error) {
			return "", NewGatewayError(CodeProviderUnavailable, "boom")
		},
		Poster: &fakePoster{},
	}
	outcomes, _ := p.Run(context.Background())
	if outcomes[0].Err == nil {
		t.Fatalf("expected error outcome on router failure")
	}
	raw, ok, _ := claims.Get(context.Background(), claimKey("pr-4", hashItem(item)))
	if !ok {
		t.Fatalf("expected claim to remain present (in-progress, to expire)")
	}
	var rec claimRecord
	_ = json.Unmarshal(raw, &rec)
	if rec.Status != "in_progress" {
		t.Fatalf("expected claim to stay in_progress after router failure, got %q", rec.Status)
	}
}

func TestSanitizeRedactsKnownSecretPatterns(t *testing.T) {
	in := "here is a key sk-abcdefghijklmnopqrstuvwx and more text"
	out := sanitize(in)
	if out == in {
		t.Fatalf("expected secret to be redacted")
	}
}

func TestHashItemExcludesVolatileFieldsByConstruction(t *testing.T) {
	a := ActionItem{Identity: "x", CanonicalFields: map[string]string{"title": "same"}}
	b := ActionItem{Identity: "x", CanonicalFields: map[string]string{"title": "same"}}
	if hashItem(a) != hashItem(b) {
		t.Fatalf("expected identical canonical fields to hash identically")
	}
}
