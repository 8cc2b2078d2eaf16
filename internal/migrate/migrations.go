// Package migrate stamps a monotonic schema version into the store and walks
// it forward with ordered Go migration functions. Each step commits on its
// own, so an interrupted chain resumes at the last fully-applied version.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"filigree/internal/errs"
)

// Migration is one forward step. Steps must be idempotent for their own
// version: safe to re-run if interrupted before the version stamp commits.
type Migration struct {
	Version int
	Name    string
	Apply   func(ctx context.Context, tx *sql.Tx) error
}

// Runner applies pending migrations. A single Runner must not be entered
// re-entrantly; a second concurrent Run is rejected rather than nested.
type Runner struct {
	running atomic.Bool
}

// CurrentVersion is the schema version this build understands.
func CurrentVersion() int {
	return migrations[len(migrations)-1].Version
}

// Run brings the store to the current version. A store stamped beyond
// CurrentVersion fails with a schema error (downgrade unsupported).
func (r *Runner) Run(ctx context.Context, conn *sql.DB) error {
	if !r.running.CompareAndSwap(false, true) {
		return errs.New(errs.KindInvalidState, "migration already in progress")
	}
	defer r.running.Store(false)

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	version, err := storedVersion(ctx, conn)
	if err != nil {
		return err
	}
	current := CurrentVersion()
	if version > current {
		return errs.New(errs.KindSchema, "store version %d newer than supported %d", version, current)
	}
	for _, m := range migrations {
		if m.Version <= version {
			continue
		}
		if err := applyOne(ctx, conn, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		version = m.Version
	}
	return nil
}

// Run applies all pending migrations with a fresh runner.
func Run(ctx context.Context, conn *sql.DB) error {
	var r Runner
	return r.Run(ctx, conn)
}

func storedVersion(ctx context.Context, conn *sql.DB) (int, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		if _, err := conn.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("init schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}

// applyOne runs a single migration and its version stamp in one transaction.
// Structural rebuilds suspend foreign-key enforcement for the step only,
// restoring the prior pragma value afterward.
func applyOne(ctx context.Context, conn *sql.DB, m Migration) error {
	restore, err := suspendForeignKeys(ctx, conn, m.Version)
	if err != nil {
		return err
	}
	defer restore()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.Apply(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.Version); err != nil {
		return fmt.Errorf("stamp version: %w", err)
	}
	return tx.Commit()
}

// suspendForeignKeys turns FK enforcement off around structural-rebuild steps
// and returns a restore func that puts back whatever was set before. It is a
// no-op for plain additive steps.
func suspendForeignKeys(ctx context.Context, conn *sql.DB, version int) (func(), error) {
	if !structuralRebuild[version] {
		return func() {}, nil
	}
	var prior int
	if err := conn.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&prior); err != nil {
		return nil, fmt.Errorf("read foreign_keys pragma: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys=OFF`); err != nil {
		return nil, fmt.Errorf("suspend foreign_keys: %w", err)
	}
	return func() {
		_, _ = conn.ExecContext(ctx, fmt.Sprintf(`PRAGMA foreign_keys=%d`, prior))
	}, nil
}

// structuralRebuild marks versions that recreate tables and therefore need FK
// enforcement suspended for the duration of the step.
var structuralRebuild = map[int]bool{4: true}

var migrations = []Migration{
	{Version: 1, Name: "base tables", Apply: migrateBase},
	{Version: 2, Name: "claims and event dedup", Apply: migrateClaims},
	{Version: 3, Name: "findings", Apply: migrateFindings},
	{Version: 4, Name: "full-text search", Apply: migrateSearch},
	{Version: 5, Name: "event archive", Apply: migrateArchive},
}

func init() {
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
}

func migrateBase(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS issues (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    status TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 2,
    title TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    fields_json TEXT NOT NULL DEFAULT '{}',
    parent_id TEXT REFERENCES issues(id) ON DELETE SET NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    closed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
CREATE INDEX IF NOT EXISTS idx_issues_type ON issues(type);
CREATE INDEX IF NOT EXISTS idx_issues_parent ON issues(parent_id);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
    event_type TEXT NOT NULL,
    old_value TEXT,
    new_value TEXT,
    actor TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_issue ON events(issue_id);

CREATE TABLE IF NOT EXISTS dependencies (
    issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
    depends_on_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
    created_at TEXT NOT NULL,
    created_by TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (issue_id, depends_on_id)
);
CREATE INDEX IF NOT EXISTS idx_dep_depends ON dependencies(depends_on_id);

CREATE TABLE IF NOT EXISTS comments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
    author TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at TEXT NOT NULL
);
`)
	return err
}

func migrateClaims(ctx context.Context, tx *sql.Tx) error {
	for _, col := range []string{"claimed_by TEXT", "claim_token TEXT"} {
		if err := addColumn(ctx, tx, "issues", col); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup
ON events(issue_id, event_type, COALESCE(old_value,''), COALESCE(new_value,''), created_at);
`)
	return err
}

func migrateFindings(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS findings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL,
    rule TEXT NOT NULL,
    severity TEXT NOT NULL,
    message TEXT NOT NULL,
    fingerprint TEXT NOT NULL UNIQUE,
    issue_id TEXT REFERENCES issues(id) ON DELETE SET NULL,
    created_at TEXT NOT NULL
);
`)
	return err
}

// migrateSearch rebuilds the search surface: an external-content FTS5 index
// over issue titles and bodies, kept in sync by triggers.
func migrateSearch(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
DROP TABLE IF EXISTS issue_fts;
CREATE VIRTUAL TABLE issue_fts USING fts5(id UNINDEXED, title, body);

INSERT INTO issue_fts(id, title, body) SELECT id, title, body FROM issues;

DROP TRIGGER IF EXISTS issues_fts_insert;
CREATE TRIGGER issues_fts_insert AFTER INSERT ON issues BEGIN
    INSERT INTO issue_fts(id, title, body) VALUES (new.id, new.title, new.body);
END;

DROP TRIGGER IF EXISTS issues_fts_update;
CREATE TRIGGER issues_fts_update AFTER UPDATE OF title, body ON issues BEGIN
    DELETE FROM issue_fts WHERE id = old.id;
    INSERT INTO issue_fts(id, title, body) VALUES (new.id, new.title, new.body);
END;

DROP TRIGGER IF EXISTS issues_fts_delete;
CREATE TRIGGER issues_fts_delete AFTER DELETE ON issues BEGIN
    DELETE FROM issue_fts WHERE id = old.id;
END;
`)
	return err
}

func migrateArchive(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS events_archive (
    id INTEGER PRIMARY KEY,
    issue_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    old_value TEXT,
    new_value TEXT,
    actor TEXT NOT NULL,
    created_at TEXT NOT NULL
);
`)
	return err
}

// addColumn is a guarded ALTER so the step stays idempotent under retry.
func addColumn(ctx context.Context, tx *sql.Tx, table, colDef string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, table, colDef))
	if err != nil && isDuplicateColumn(err) {
		return nil
	}
	return err
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}
