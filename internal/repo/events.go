package repo

import (
	"context"
	"database/sql"

	"filigree/internal/domain"
	"filigree/internal/errs"
)

const eventColumns = `id,issue_id,event_type,old_value,new_value,actor,created_at`

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var evtType string
	var oldValue, newValue sql.NullString
	err := scan(&e.ID, &e.IssueID, &evtType, &oldValue, &newValue, &e.Actor, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, errs.New(errs.KindNotFound, "event not found")
	}
	if err != nil {
		return e, err
	}
	e.Type = domain.EventType(evtType)
	e.OldValue = stringPtr(oldValue)
	e.NewValue = stringPtr(newValue)
	return e, nil
}

// AppendEventTx records one audit event inside the caller's transaction.
// The dedup unique index makes repeated delivery of the same logical event a
// no-op; the return reports whether a row was actually written.
func (r Repo) AppendEventTx(ctx context.Context, tx *sql.Tx, e domain.Event) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO events(issue_id,event_type,old_value,new_value,actor,created_at) VALUES (?,?,?,?,?,?)`,
		e.IssueID, string(e.Type), nullableStringPtr(e.OldValue), nullableStringPtr(e.NewValue), e.Actor, e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertEventStrictTx inserts without conflict tolerance; a dedup-index hit
// aborts the caller's batch instead of being swallowed.
func (r Repo) InsertEventStrictTx(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO events(issue_id,event_type,old_value,new_value,actor,created_at) VALUES (?,?,?,?,?,?)`,
		e.IssueID, string(e.Type), nullableStringPtr(e.OldValue), nullableStringPtr(e.NewValue), e.Actor, e.CreatedAt)
	return err
}

// LastEventTx returns the most recent event for an issue. The monotonic
// sequence id is the ordering authority, not the timestamp string.
func (r Repo) LastEventTx(ctx context.Context, tx *sql.Tx, issueID string) (domain.Event, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE issue_id=? ORDER BY id DESC LIMIT 1`, issueID)
	e, err := scanEvent(row.Scan)
	if errs.Is(err, errs.KindNotFound) {
		return e, errs.New(errs.KindNotFound, "no events for issue %s", issueID)
	}
	return e, err
}

// DeleteEventTx removes a single event row. Reserved for undo, which must
// not leave a stale record of the operation it reversed.
func (r Repo) DeleteEventTx(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id=?`, id)
	return err
}

type EventFilters struct {
	IssueID string
	Type    string
	Page    Page
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	page, err := f.Page.Clamp()
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []any
	if f.IssueID != "" {
		query += ` AND issue_id=?`
		args = append(args, f.IssueID)
	}
	if f.Type != "" {
		query += ` AND event_type=?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, page.Limit, page.Offset)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r Repo) AllEventsTx(ctx context.Context, tx *sql.Tx) ([]domain.Event, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ArchiveEventsTx moves an issue's events into the cold region without
// altering any field values, then removes the hot rows.
func (r Repo) ArchiveEventsTx(ctx context.Context, tx *sql.Tx, issueID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO events_archive(id,issue_id,event_type,old_value,new_value,actor,created_at)
SELECT id,issue_id,event_type,old_value,new_value,actor,created_at FROM events WHERE issue_id=?`, issueID)
	if err != nil {
		return 0, err
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE issue_id=?`, issueID); err != nil {
		return 0, err
	}
	return moved, nil
}
