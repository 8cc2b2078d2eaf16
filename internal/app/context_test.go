package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"filigree/internal/engine"
)

func TestOpenAssemblesWorkspace(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	a, err := Open(ctx, ws)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	if a.Engine.IDPrefix != "fil" {
		t.Fatalf("prefix = %s", a.Engine.IDPrefix)
	}
	issue, err := a.Engine.Create(ctx, engine.CreateOptions{Type: "task", Title: "first"})
	if err != nil {
		t.Fatalf("create through handle: %v", err)
	}
	if issue.ID != "fil-1" {
		t.Fatalf("id = %s", issue.ID)
	}

	// Reopening the same workspace sees the stored data.
	b, err := Open(ctx, ws)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	if _, err := b.Engine.Get(ctx, issue.ID); err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
}

func TestOpenAppliesConfig(t *testing.T) {
	ws := t.TempDir()
	raw := "project:\n  prefix: acme\nfindings:\n  scan_cooldown_seconds: 60\n"
	if err := os.WriteFile(filepath.Join(ws, "filigree.yml"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := Open(context.Background(), ws)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Engine.IDPrefix != "acme" {
		t.Fatalf("prefix = %s", a.Engine.IDPrefix)
	}
	if got := a.Engine.ScanCooldown.Seconds(); got != 60 {
		t.Fatalf("cooldown = %vs", got)
	}
}

func TestReloadWorkflowsSwapsRegistry(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()
	a, err := Open(ctx, ws)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	pack := `name: custom
types:
  task:
    states:
      - { name: backlog, category: todo, initial: true }
      - { name: shipped, category: done, terminal: true }
    transitions:
      - { from: backlog, to: shipped }
`
	dir := filepath.Join(ws, ".filigree", "packs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "custom.yml"), []byte(pack), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := a.ReloadWorkflows(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	issue, err := a.Engine.Create(ctx, engine.CreateOptions{Type: "task", Title: "new rules"})
	if err != nil {
		t.Fatal(err)
	}
	if issue.Status != "backlog" {
		t.Fatalf("status = %s", issue.Status)
	}
}
