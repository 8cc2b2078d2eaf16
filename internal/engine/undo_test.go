package engine

import (
	"context"
	"testing"
	"time"

	"filigree/internal/domain"
	"filigree/internal/errs"
	"filigree/internal/graph"
	"filigree/internal/repo"
)

func TestUndoStatusChange(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue := mustCreate(t, e, CreateOptions{Type: "task", Title: "flip flop"})

	inProgress := "in_progress"
	if _, err := e.Update(ctx, UpdateOptions{ID: issue.ID, Status: &inProgress}); err != nil {
		t.Fatal(err)
	}
	before := len(eventsFor(t, e, issue.ID))

	undone, err := e.UndoLast(ctx, issue.ID, "tester")
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if undone.Type != domain.EventStatusChanged {
		t.Fatalf("undone = %s", undone.Type)
	}
	got, _ := e.Get(ctx, issue.ID)
	if got.Status != "open" {
		t.Fatalf("status = %s", got.Status)
	}
	if after := len(eventsFor(t, e, issue.ID)); after != before-1 {
		t.Fatalf("event log not rewound: %d -> %d", before, after)
	}
}

func TestUndoFieldChange(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue := mustCreate(t, e, CreateOptions{Type: "task", Title: "fields", Fields: map[string]any{"estimate": float64(2)}})

	if _, err := e.Update(ctx, UpdateOptions{ID: issue.ID, Fields: map[string]any{"estimate": float64(8)}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.UndoLast(ctx, issue.ID, "tester"); err != nil {
		t.Fatalf("undo: %v", err)
	}
	got, _ := e.Get(ctx, issue.ID)
	if got.Fields["estimate"] != float64(2) {
		t.Fatalf("estimate = %v", got.Fields["estimate"])
	}

	// Undoing a set of a previously unset field removes it again.
	if _, err := e.Update(ctx, UpdateOptions{ID: issue.ID, Fields: map[string]any{"notes": "temp"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.UndoLast(ctx, issue.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	got, _ = e.Get(ctx, issue.ID)
	if _, has := got.Fields["notes"]; has {
		t.Fatal("notes survived undo")
	}
}

func TestUndoTitleChange(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue := mustCreate(t, e, CreateOptions{Type: "task", Title: "original"})

	renamed := "renamed"
	if _, err := e.Update(ctx, UpdateOptions{ID: issue.ID, Title: &renamed}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.UndoLast(ctx, issue.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	got, _ := e.Get(ctx, issue.ID)
	if got.Title != "original" {
		t.Fatalf("title = %s", got.Title)
	}
}

func TestUndoClaimAndRelease(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue := mustCreate(t, e, CreateOptions{Type: "task", Title: "claimed"})

	if _, err := e.Claim(ctx, issue.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.UndoLast(ctx, issue.ID, "tester"); err != nil {
		t.Fatalf("undo claim: %v", err)
	}
	got, _ := e.Get(ctx, issue.ID)
	if got.ClaimedBy != nil || got.ClaimToken != nil {
		t.Fatalf("claim survived undo: %+v", got)
	}

	if _, err := e.Claim(ctx, issue.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Release(ctx, issue.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.UndoLast(ctx, issue.ID, "tester"); err != nil {
		t.Fatalf("undo release: %v", err)
	}
	got, _ = e.Get(ctx, issue.ID)
	if got.ClaimedBy == nil || *got.ClaimedBy != "alice" {
		t.Fatalf("claim not restored: %+v", got)
	}
}

func TestUndoReversesLatestMutation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue := mustCreate(t, e, CreateOptions{Type: "task", Title: "ordering"})

	// Sub-second clock: stored stamps all land in the same second, so only
	// the event sequence can order the log.
	base := time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)
	step := 0
	e.Now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * 50 * time.Millisecond)
	}

	if _, err := e.Claim(ctx, issue.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Update(ctx, UpdateOptions{ID: issue.ID, Fields: map[string]any{"notes": "latest"}}); err != nil {
		t.Fatal(err)
	}

	undone, err := e.UndoLast(ctx, issue.ID, "tester")
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if undone.Type != domain.EventFieldChanged {
		t.Fatalf("undid %s, want the field change", undone.Type)
	}
	got, _ := e.Get(ctx, issue.ID)
	if _, has := got.Fields["notes"]; has {
		t.Fatal("field change not reversed")
	}
	if got.ClaimedBy == nil || *got.ClaimedBy != "alice" {
		t.Fatalf("claim disturbed: %+v", got)
	}
}

func TestUndoParentChange(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	parent := mustCreate(t, e, CreateOptions{Type: "epic", Title: "umbrella"})
	child := mustCreate(t, e, CreateOptions{Type: "task", Title: "leaf"})

	if _, err := e.Update(ctx, UpdateOptions{ID: child.ID, Parent: &parent.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.UndoLast(ctx, child.ID, "tester"); err != nil {
		t.Fatalf("undo set: %v", err)
	}
	got, _ := e.Get(ctx, child.ID)
	if got.ParentID != nil {
		t.Fatalf("parent survived undo: %v", *got.ParentID)
	}

	// Undoing a clear restores the previous parent.
	if _, err := e.Update(ctx, UpdateOptions{ID: child.ID, Parent: &parent.ID}); err != nil {
		t.Fatal(err)
	}
	none := ""
	if _, err := e.Update(ctx, UpdateOptions{ID: child.ID, Parent: &none}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.UndoLast(ctx, child.ID, "tester"); err != nil {
		t.Fatalf("undo clear: %v", err)
	}
	got, _ = e.Get(ctx, child.ID)
	if got.ParentID == nil || *got.ParentID != parent.ID {
		t.Fatalf("parent not restored: %+v", got.ParentID)
	}
}

func TestUndoCommentDeletesComment(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue := mustCreate(t, e, CreateOptions{Type: "task", Title: "chatty"})

	if _, err := e.Comment(ctx, issue.ID, "alice", "first thought"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.UndoLast(ctx, issue.ID, "tester"); err != nil {
		t.Fatalf("undo comment: %v", err)
	}
	comments, err := e.Repo.ListComments(ctx, issue.ID, repo.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 0 {
		t.Fatalf("comments = %d", len(comments))
	}
}

func TestUndoCreatedDeletesIssue(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue := mustCreate(t, e, CreateOptions{Type: "task", Title: "oops"})

	if _, err := e.UndoLast(ctx, issue.ID, "tester"); err != nil {
		t.Fatalf("undo create: %v", err)
	}
	if _, err := e.Get(ctx, issue.ID); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("issue survived undo: %v", err)
	}
}

func TestUndoDependencyEdges(t *testing.T) {
	e := newTestEnv(t)
	g := graph.New(e.DB, e.Workflow)
	g.Now = e.Now
	ctx := context.Background()
	a := mustCreate(t, e, CreateOptions{Type: "task", Title: "a"})
	b := mustCreate(t, e, CreateOptions{Type: "task", Title: "b"})

	if err := g.AddDependency(ctx, a.ID, b.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.UndoLast(ctx, a.ID, "tester"); err != nil {
		t.Fatalf("undo add: %v", err)
	}
	deps, _ := e.Repo.ListDeps(ctx, a.ID)
	if len(deps) != 0 {
		t.Fatalf("edge survived undo: %v", deps)
	}

	if err := g.AddDependency(ctx, a.ID, b.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := g.RemoveDependency(ctx, a.ID, b.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.UndoLast(ctx, a.ID, "tester"); err != nil {
		t.Fatalf("undo remove: %v", err)
	}
	deps, _ = e.Repo.ListDeps(ctx, a.ID)
	if len(deps) != 1 || deps[0] != b.ID {
		t.Fatalf("edge not restored: %v", deps)
	}
}

func TestUndoArchivedIsUnsupported(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue := mustCreate(t, e, CreateOptions{Type: "chore", Title: "old news"})

	done := "done"
	if _, err := e.Update(ctx, UpdateOptions{ID: issue.ID, Status: &done}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ArchiveClosed(ctx, 0, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.UndoLast(ctx, issue.ID, "tester"); !errs.Is(err, errs.KindUnsupportedUndo) {
		t.Fatalf("expected unsupported-undo, got %v", err)
	}
}

func TestUndoWithNoEvents(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	issue := mustCreate(t, e, CreateOptions{Type: "task", Title: "quiet"})
	if _, err := e.UndoLast(ctx, issue.ID, "tester"); err != nil {
		t.Fatal(err) // undoes the create
	}
	if _, err := e.UndoLast(ctx, issue.ID, "tester"); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("undo on empty log: %v", err)
	}
}
