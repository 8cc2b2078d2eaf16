package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"filigree/internal/domain"
	"filigree/internal/errs"
)

func TestClaimAndRelease(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue := mustCreate(t, e, CreateOptions{Type: "task", Title: "mine"})

	claimed, err := e.Claim(ctx, issue.ID, "alice")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ClaimedBy == nil || *claimed.ClaimedBy != "alice" || claimed.ClaimToken == nil {
		t.Fatalf("claimed = %+v", claimed)
	}
	events := eventsFor(t, e, issue.ID)
	if events[0].Type != domain.EventClaimed {
		t.Fatalf("latest event = %s", events[0].Type)
	}

	released, err := e.Release(ctx, issue.ID, "alice")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.ClaimedBy != nil || released.ClaimToken != nil {
		t.Fatalf("released = %+v", released)
	}
	if _, err := e.Release(ctx, issue.ID, "alice"); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("double release: %v", err)
	}
}

func TestClaimConflicts(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue := mustCreate(t, e, CreateOptions{Type: "task", Title: "contested"})

	if _, err := e.Claim(ctx, issue.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Claim(ctx, issue.ID, "bob"); !errs.Is(err, errs.KindConflict) {
		t.Fatalf("second claimant: %v", err)
	}
	// Re-claiming by the holder is a no-op, not a conflict.
	again, err := e.Claim(ctx, issue.ID, "alice")
	if err != nil || *again.ClaimedBy != "alice" {
		t.Fatalf("re-claim by holder: %+v, %v", again, err)
	}
	if _, err := e.Release(ctx, issue.ID, "bob"); !errs.Is(err, errs.KindConflict) {
		t.Fatalf("release by non-holder: %v", err)
	}
}

func TestClaimValidation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue := mustCreate(t, e, CreateOptions{Type: "chore", Title: "sweep"})

	if _, err := e.Claim(ctx, issue.ID, "  "); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("blank assignee: %v", err)
	}
	if _, err := e.Claim(ctx, "fil-404", "alice"); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("missing issue: %v", err)
	}

	done := "done"
	if _, err := e.Update(ctx, UpdateOptions{ID: issue.ID, Status: &done}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Claim(ctx, issue.ID, "alice"); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("claim closed issue: %v", err)
	}
}

func TestClaimNextPicksReadyByPriority(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	low := mustCreate(t, e, CreateOptions{Type: "task", Title: "low", Priority: 3})
	urgent := mustCreate(t, e, CreateOptions{Type: "task", Title: "urgent", Priority: 0})
	blockedHigh := mustCreate(t, e, CreateOptions{Type: "task", Title: "blocked", Priority: 0, DependsOn: []string{low.ID}})

	got, err := e.ClaimNext(ctx, NextFilters{}, "alice")
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if got.ID != urgent.ID {
		t.Fatalf("claimed %s, want %s (blocked %s must be skipped)", got.ID, urgent.ID, blockedHigh.ID)
	}

	// Next call skips the already-claimed issue.
	got, err = e.ClaimNext(ctx, NextFilters{}, "bob")
	if err != nil {
		t.Fatalf("second claim next: %v", err)
	}
	if got.ID != low.ID {
		t.Fatalf("claimed %s, want %s", got.ID, low.ID)
	}

	if _, err := e.ClaimNext(ctx, NextFilters{}, "carol"); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("no candidates: %v", err)
	}
}

func TestClaimNextSkipsCandidateLostToRace(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	first := mustCreate(t, e, CreateOptions{Type: "task", Title: "contested", Priority: 0})
	second := mustCreate(t, e, CreateOptions{Type: "task", Title: "fallback", Priority: 1})

	// A rival handle over the same store claims the top candidate after the
	// caller listed it but before its compare-and-set lands, so the CAS loses
	// and the walk must move on instead of failing.
	e.DB.SetMaxOpenConns(2)
	rival := New(e.DB, e.Workflow)
	rival.Now = e.Now
	inner := e.Now
	var once sync.Once
	e.Now = func() time.Time {
		once.Do(func() {
			if _, err := rival.Claim(ctx, first.ID, "mallory"); err != nil {
				t.Errorf("rival claim: %v", err)
			}
		})
		return inner()
	}

	got, err := e.ClaimNext(ctx, NextFilters{}, "alice")
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("claimed %s, want %s after losing %s", got.ID, second.ID, first.ID)
	}
	contested, _ := e.Get(ctx, first.ID)
	if contested.ClaimedBy == nil || *contested.ClaimedBy != "mallory" {
		t.Fatalf("contested claim = %+v", contested)
	}
}

func TestClaimNextTypeFilter(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	mustCreate(t, e, CreateOptions{Type: "task", Title: "a task", Priority: 0})
	bug := mustCreate(t, e, CreateOptions{Type: "bug", Title: "a bug", Priority: 4})

	got, err := e.ClaimNext(ctx, NextFilters{Type: "bug"}, "alice")
	if err != nil || got.ID != bug.ID {
		t.Fatalf("got %v, %v", got.ID, err)
	}
}
