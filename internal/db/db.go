package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"filigree/internal/errs"
)

const defaultDBName = "filigree.db"

type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".filigree", defaultDBName)
}

// EnsureWorkspace creates the workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".filigree")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite store with foreign keys on, WAL journaling, and a
// bounded busy timeout. Writer contention beyond the timeout surfaces as a
// lock-timeout error, never a silent retry.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Single logical writer: keep one connection so pragma state and
	// transaction scope are well-defined.
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// IsBusy reports whether err is SQLite writer contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// IsConstraint reports whether err is a unique/constraint violation.
func IsConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") || strings.Contains(msg, "SQLITE_CONSTRAINT")
}

// MapErr translates driver-level failures into taxonomy errors where a kind
// applies; other errors pass through wrapped.
func MapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if IsBusy(err) {
		return errs.Wrap(errs.KindLockTimeout, err, "%s: writer lock not acquired", op)
	}
	if IsConstraint(err) {
		return errs.Wrap(errs.KindConflict, err, "%s", op)
	}
	return fmt.Errorf("%s: %w", op, err)
}
