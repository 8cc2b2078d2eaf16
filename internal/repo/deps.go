package repo

import (
	"context"
	"database/sql"

	"filigree/internal/domain"
	"filigree/internal/errs"
)

func (r Repo) InsertDepTx(ctx context.Context, tx *sql.Tx, d domain.Dependency) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dependencies(issue_id,depends_on_id,created_at,created_by) VALUES (?,?,?,?)`,
		d.IssueID, d.DependsOnID, d.CreatedAt, d.CreatedBy)
	return err
}

// InsertDepMergeTx inserts unless the edge already exists. Returns whether a
// row was written.
func (r Repo) InsertDepMergeTx(ctx context.Context, tx *sql.Tx, d domain.Dependency) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO dependencies(issue_id,depends_on_id,created_at,created_by) VALUES (?,?,?,?)`,
		d.IssueID, d.DependsOnID, d.CreatedAt, d.CreatedBy)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) DeleteDepTx(ctx context.Context, tx *sql.Tx, issueID, dependsOnID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM dependencies WHERE issue_id=? AND depends_on_id=?`, issueID, dependsOnID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindNotFound, "dependency %s -> %s", issueID, dependsOnID)
	}
	return nil
}

// ListDeps returns the IDs this issue depends on.
func (r Repo) ListDeps(ctx context.Context, issueID string) ([]string, error) {
	return r.listDeps(ctx, r.DB, issueID)
}

func (r Repo) listDeps(ctx context.Context, q querier, issueID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_id FROM dependencies WHERE issue_id=? ORDER BY depends_on_id ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListDependents returns the IDs that depend on this issue.
func (r Repo) ListDependents(ctx context.Context, issueID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT issue_id FROM dependencies WHERE depends_on_id=? ORDER BY issue_id ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AllDeps loads the whole edge set ordered for deterministic traversal.
func (r Repo) AllDeps(ctx context.Context) ([]domain.Dependency, error) {
	return r.allDeps(ctx, r.DB)
}

func (r Repo) AllDepsTx(ctx context.Context, tx *sql.Tx) ([]domain.Dependency, error) {
	return r.allDeps(ctx, tx)
}

func (r Repo) allDeps(ctx context.Context, q querier) ([]domain.Dependency, error) {
	rows, err := q.QueryContext(ctx, `SELECT issue_id,depends_on_id,created_at,created_by FROM dependencies ORDER BY issue_id ASC, depends_on_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Dependency
	for rows.Next() {
		var d domain.Dependency
		if err := rows.Scan(&d.IssueID, &d.DependsOnID, &d.CreatedAt, &d.CreatedBy); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Adjacency builds dependent -> prerequisites lists from the stored edges.
func Adjacency(deps []domain.Dependency) map[string][]string {
	adj := make(map[string][]string)
	for _, d := range deps {
		adj[d.IssueID] = append(adj[d.IssueID], d.DependsOnID)
	}
	return adj
}
