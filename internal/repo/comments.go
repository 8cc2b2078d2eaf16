package repo

import (
	"context"
	"database/sql"

	"filigree/internal/domain"
	"filigree/internal/errs"
)

func (r Repo) InsertCommentTx(ctx context.Context, tx *sql.Tx, c domain.Comment) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO comments(issue_id,author,text,created_at) VALUES (?,?,?,?)`,
		c.IssueID, c.Author, c.Text, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) DeleteCommentTx(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindNotFound, "comment %d", id)
	}
	return nil
}

func (r Repo) ListComments(ctx context.Context, issueID string, page Page) ([]domain.Comment, error) {
	page, err := page.Clamp()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,issue_id,author,text,created_at FROM comments WHERE issue_id=? ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		issueID, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.IssueID, &c.Author, &c.Text, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r Repo) AllCommentsTx(ctx context.Context, tx *sql.Tx) ([]domain.Comment, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,issue_id,author,text,created_at FROM comments ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.IssueID, &c.Author, &c.Text, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
