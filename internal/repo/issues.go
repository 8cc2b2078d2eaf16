package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"filigree/internal/domain"
	"filigree/internal/errs"
)

const issueColumns = `id,type,status,priority,title,body,fields_json,parent_id,claimed_by,claim_token,created_at,updated_at,closed_at`

func scanIssue(scan func(dest ...any) error) (domain.Issue, error) {
	var i domain.Issue
	var fieldsJSON string
	var parentID, claimedBy, claimToken, closedAt sql.NullString
	err := scan(&i.ID, &i.Type, &i.Status, &i.Priority, &i.Title, &i.Body, &fieldsJSON,
		&parentID, &claimedBy, &claimToken, &i.CreatedAt, &i.UpdatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return i, errs.New(errs.KindNotFound, "issue not found")
	}
	if err != nil {
		return i, err
	}
	if fieldsJSON != "" && fieldsJSON != "{}" {
		if err := json.Unmarshal([]byte(fieldsJSON), &i.Fields); err != nil {
			return i, fmt.Errorf("decode fields for %s: %w", i.ID, err)
		}
	}
	i.ParentID = stringPtr(parentID)
	i.ClaimedBy = stringPtr(claimedBy)
	i.ClaimToken = stringPtr(claimToken)
	i.ClosedAt = stringPtr(closedAt)
	return i, nil
}

func (r Repo) InsertIssueTx(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	fieldsJSON, err := i.FieldsJSON()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO issues(`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.Type, i.Status, i.Priority, i.Title, i.Body, fieldsJSON,
		nullableStringPtr(i.ParentID), nullableStringPtr(i.ClaimedBy), nullableStringPtr(i.ClaimToken),
		i.CreatedAt, i.UpdatedAt, nullableStringPtr(i.ClosedAt))
	return err
}

// InsertIssueMergeTx inserts unless the id already exists. Returns whether a
// row was written.
func (r Repo) InsertIssueMergeTx(ctx context.Context, tx *sql.Tx, i domain.Issue) (bool, error) {
	fieldsJSON, err := i.FieldsJSON()
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO issues(`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.Type, i.Status, i.Priority, i.Title, i.Body, fieldsJSON,
		nullableStringPtr(i.ParentID), nullableStringPtr(i.ClaimedBy), nullableStringPtr(i.ClaimToken),
		i.CreatedAt, i.UpdatedAt, nullableStringPtr(i.ClosedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) UpdateIssueTx(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	fieldsJSON, err := i.FieldsJSON()
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE issues SET status=?, priority=?, title=?, body=?, fields_json=?, parent_id=?, claimed_by=?, claim_token=?, updated_at=?, closed_at=? WHERE id=?`,
		i.Status, i.Priority, i.Title, i.Body, fieldsJSON,
		nullableStringPtr(i.ParentID), nullableStringPtr(i.ClaimedBy), nullableStringPtr(i.ClaimToken),
		i.UpdatedAt, nullableStringPtr(i.ClosedAt), i.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindNotFound, "issue %s", i.ID)
	}
	return nil
}

func (r Repo) DeleteIssueTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindNotFound, "issue %s", id)
	}
	return nil
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	return r.getIssue(ctx, r.DB, id)
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	return r.getIssue(ctx, tx, id)
}

func (r Repo) getIssue(ctx context.Context, q querier, id string) (domain.Issue, error) {
	row := q.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	i, err := scanIssue(row.Scan)
	if errs.Is(err, errs.KindNotFound) {
		return i, errs.New(errs.KindNotFound, "issue %s", id)
	}
	if err != nil {
		return i, err
	}
	deps, err := r.listDeps(ctx, q, id)
	if err != nil {
		return i, err
	}
	i.DependsOn = deps
	return i, nil
}

// IssueFilters narrow ListIssues. Empty values are no-ops.
type IssueFilters struct {
	Type      string
	Status    string
	Parent    string
	Assignee  string
	Unclaimed bool
	Page      Page
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	page, err := f.Page.Clamp()
	if err != nil {
		return nil, err
	}
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Parent != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.Parent)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "claimed_by=?")
		args = append(args, f.Assignee)
	}
	if f.Unclaimed {
		clauses = append(clauses, "claim_token IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueColumns + ` FROM issues ` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, page.Limit, page.Offset)
	return r.queryIssues(ctx, r.DB, query, args...)
}

// AllIssues returns every issue ordered by identity; used by the graph
// engine and export, which classify in memory.
func (r Repo) AllIssues(ctx context.Context) ([]domain.Issue, error) {
	return r.queryIssues(ctx, r.DB, `SELECT `+issueColumns+` FROM issues ORDER BY id ASC`)
}

func (r Repo) AllIssuesTx(ctx context.Context, tx *sql.Tx) ([]domain.Issue, error) {
	return r.queryIssues(ctx, tx, `SELECT `+issueColumns+` FROM issues ORDER BY id ASC`)
}

func (r Repo) queryIssues(ctx context.Context, q querier, query string, args ...any) ([]domain.Issue, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ListChildren returns the IDs of issues whose parent is the given issue.
func (r Repo) ListChildren(ctx context.Context, id string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM issues WHERE parent_id=? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, err
		}
		ids = append(ids, child)
	}
	return ids, rows.Err()
}

// SetClaimTx performs the optimistic conditional claim write: it succeeds
// only when the stored token still matches expectedToken (nil = unclaimed).
// Returns false without error on a token mismatch.
func (r Repo) SetClaimTx(ctx context.Context, tx *sql.Tx, id string, expectedToken, claimedBy, claimToken *string, updatedAt string) (bool, error) {
	var res sql.Result
	var err error
	if expectedToken == nil {
		res, err = tx.ExecContext(ctx, `UPDATE issues SET claimed_by=?, claim_token=?, updated_at=? WHERE id=? AND claim_token IS NULL`,
			nullableStringPtr(claimedBy), nullableStringPtr(claimToken), updatedAt, id)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE issues SET claimed_by=?, claim_token=?, updated_at=? WHERE id=? AND claim_token=?`,
			nullableStringPtr(claimedBy), nullableStringPtr(claimToken), updatedAt, id, *expectedToken)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SearchIssues matches the full-text index over titles and bodies.
func (r Repo) SearchIssues(ctx context.Context, query string, page Page) ([]domain.Issue, error) {
	page, err := page.Clamp()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, errs.New(errs.KindValidation, "search query must not be empty")
	}
	rows, err := r.DB.QueryContext(ctx, `
SELECT `+prefixedIssueColumns("i")+`
FROM issue_fts f JOIN issues i ON i.id = f.id
WHERE issue_fts MATCH ?
ORDER BY rank LIMIT ? OFFSET ?`, query, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func prefixedIssueColumns(alias string) string {
	cols := strings.Split(issueColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ",")
}

// CountByStatus groups open rows by literal status; analytics that need
// category classification resolve it through the registry instead.
func (r Repo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM issues GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
