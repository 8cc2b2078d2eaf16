package migrate

import (
	"context"
	"database/sql"
	"testing"

	"filigree/internal/db"
	"filigree/internal/errs"
)

func openTest(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func storedVersionOf(t *testing.T, conn *sql.DB) int {
	t.Helper()
	var v int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&v); err != nil {
		t.Fatalf("read version: %v", err)
	}
	return v
}

func TestRunFreshStore(t *testing.T) {
	conn := openTest(t)
	if err := Run(context.Background(), conn); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := storedVersionOf(t, conn); got != CurrentVersion() {
		t.Fatalf("version = %d, want %d", got, CurrentVersion())
	}
	for _, table := range []string{"meta", "issues", "events", "dependencies", "comments", "findings", "events_archive"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
	var fts string
	if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE name='issue_fts'`).Scan(&fts); err != nil {
		t.Errorf("fts table missing: %v", err)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	conn := openTest(t)
	ctx := context.Background()
	if err := Run(ctx, conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := Run(ctx, conn); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := storedVersionOf(t, conn); got != CurrentVersion() {
		t.Fatalf("version = %d after rerun", got)
	}
}

func TestRunResumesMidChain(t *testing.T) {
	conn := openTest(t)
	ctx := context.Background()

	// Apply only the first two steps, as if a prior process died mid-chain.
	if _, err := conn.Exec(`CREATE TABLE schema_version(version INTEGER NOT NULL)`); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
		t.Fatal(err)
	}
	for _, m := range migrations[:2] {
		if err := applyOne(ctx, conn, m); err != nil {
			t.Fatalf("apply %d: %v", m.Version, err)
		}
	}
	if got := storedVersionOf(t, conn); got != 2 {
		t.Fatalf("setup version = %d", got)
	}

	if err := Run(ctx, conn); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := storedVersionOf(t, conn); got != CurrentVersion() {
		t.Fatalf("version = %d after resume", got)
	}
}

func TestRunRefusesNewerStore(t *testing.T) {
	conn := openTest(t)
	ctx := context.Background()
	if err := Run(ctx, conn); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := conn.Exec(`UPDATE schema_version SET version=?`, CurrentVersion()+1); err != nil {
		t.Fatal(err)
	}
	err := Run(ctx, conn)
	if !errs.Is(err, errs.KindSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestRunnerRejectsReentry(t *testing.T) {
	conn := openTest(t)
	var r Runner
	r.running.Store(true)
	err := r.Run(context.Background(), conn)
	if !errs.Is(err, errs.KindInvalidState) {
		t.Fatalf("expected invalid-state error, got %v", err)
	}
	r.running.Store(false)
	if err := r.Run(context.Background(), conn); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}
