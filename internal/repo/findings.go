package repo

import (
	"context"
	"database/sql"
	"strings"

	"filigree/internal/domain"
	"filigree/internal/errs"
)

func scanFinding(scan func(dest ...any) error) (domain.Finding, error) {
	var f domain.Finding
	var severity string
	var issueID sql.NullString
	err := scan(&f.ID, &f.Path, &f.Rule, &severity, &f.Message, &f.Fingerprint, &issueID, &f.CreatedAt)
	if err != nil {
		return f, err
	}
	f.Severity = domain.Severity(severity)
	f.IssueID = stringPtr(issueID)
	return f, nil
}

// InsertFindingTx inserts one finding; the fingerprint unique constraint
// makes duplicate delivery a no-op. Returns whether a row was written.
func (r Repo) InsertFindingTx(ctx context.Context, tx *sql.Tx, f domain.Finding) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO findings(path,rule,severity,message,fingerprint,issue_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		f.Path, f.Rule, string(f.Severity), f.Message, f.Fingerprint, nullableStringPtr(f.IssueID), f.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertFindingStrictTx inserts without conflict tolerance, for non-merge
// bundle import where a collision must abort the batch.
func (r Repo) InsertFindingStrictTx(ctx context.Context, tx *sql.Tx, f domain.Finding) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO findings(path,rule,severity,message,fingerprint,issue_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		f.Path, f.Rule, string(f.Severity), f.Message, f.Fingerprint, nullableStringPtr(f.IssueID), f.CreatedAt)
	return err
}

type FindingFilters struct {
	Rule        string
	MinSeverity domain.Severity
	Page        Page
}

func (r Repo) ListFindings(ctx context.Context, f FindingFilters) ([]domain.Finding, error) {
	page, err := f.Page.Clamp()
	if err != nil {
		return nil, err
	}
	query := `SELECT id,path,rule,severity,message,fingerprint,issue_id,created_at FROM findings WHERE 1=1`
	var args []any
	if f.Rule != "" {
		query += ` AND rule=?`
		args = append(args, f.Rule)
	}
	if f.MinSeverity != "" {
		// The severity predicate belongs in SQL so it composes with LIMIT
		// and OFFSET instead of thinning pages after the fact.
		if _, ok := domain.ParseSeverity(string(f.MinSeverity)); !ok {
			return nil, errs.New(errs.KindValidation, "unknown severity %q", f.MinSeverity)
		}
		var allowed []any
		for _, s := range []domain.Severity{domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical} {
			if s.Rank() >= f.MinSeverity.Rank() {
				allowed = append(allowed, string(s))
			}
		}
		query += ` AND severity IN (?` + strings.Repeat(",?", len(allowed)-1) + `)`
		args = append(args, allowed...)
	}
	query += ` ORDER BY id ASC LIMIT ? OFFSET ?`
	args = append(args, page.Limit, page.Offset)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Finding
	for rows.Next() {
		fd, err := scanFinding(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, fd)
	}
	return out, rows.Err()
}

func (r Repo) AllFindingsTx(ctx context.Context, tx *sql.Tx) ([]domain.Finding, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,path,rule,severity,message,fingerprint,issue_id,created_at FROM findings ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Finding
	for rows.Next() {
		f, err := scanFinding(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
