// Package repo is the thin SQL layer over the durable store. It owns row
// shapes and queries only; workflow rules and transaction orchestration live
// in the engine.
package repo

import (
	"context"
	"database/sql"
	"fmt"

	"filigree/internal/errs"
)

type Repo struct {
	DB *sql.DB
}

// querier lets the same query helpers run on the pool or inside a tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Page is clamped list pagination. Negative offsets are rejected at the
// boundary instead of flowing into the storage layer, where a negative
// internal limit means unbounded.
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageLimit = 50
	MaxPageLimit     = 1000
)

// Clamp normalizes the page. Zero or negative limits become the default,
// oversized limits are capped, negative offsets fail validation.
func (p Page) Clamp() (Page, error) {
	if p.Offset < 0 {
		return p, errs.New(errs.KindValidation, "offset must not be negative")
	}
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p, nil
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// GetMeta reads one metadata key; missing keys return not-found.
func (r Repo) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", errs.New(errs.KindNotFound, "meta key %q", key)
	}
	return v, err
}

// SetMetaTx upserts one metadata key.
func (r Repo) SetMetaTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO meta(key,value) VALUES (?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// NextIssueIDTx allocates the next namespaced issue identity from the
// store-owned counter, e.g. fil-42.
func (r Repo) NextIssueIDTx(ctx context.Context, tx *sql.Tx, prefix string) (string, error) {
	if prefix == "" {
		prefix = "fil"
	}
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT CAST(value AS INTEGER) FROM meta WHERE key='issue_seq'`).Scan(&seq)
	if err != nil && err != sql.ErrNoRows {
		return "", err
	}
	seq++
	if _, err := tx.ExecContext(ctx, `INSERT INTO meta(key,value) VALUES ('issue_seq',?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, fmt.Sprintf("%d", seq)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", prefix, seq), nil
}
