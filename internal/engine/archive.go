package engine

import (
	"context"
	"database/sql"
	"time"

	"filigree/internal/db"
	"filigree/internal/domain"
	"filigree/internal/errs"
)

// ArchiveResult reports what one archival sweep touched.
type ArchiveResult struct {
	IssuesArchived int   `json:"issues_archived"`
	EventsMoved    int64 `json:"events_moved"`
}

// ArchiveClosed sweeps done-category issues whose closed_at predates the
// cutoff into the reserved archived status and compacts their event history
// into the cold region. The close timestamp is preserved, and because
// archived classifies as done, category-based queries still see the issues.
func (e *Engine) ArchiveClosed(ctx context.Context, olderThan time.Duration, actor string) (ArchiveResult, error) {
	if olderThan < 0 {
		return ArchiveResult{}, errs.New(errs.KindValidation, "age must not be negative")
	}
	cutoff := e.now().Add(-olderThan).UTC().Format(time.RFC3339)

	var res ArchiveResult
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		issues, err := e.Repo.AllIssuesTx(ctx, tx)
		if err != nil {
			return db.MapErr(err, "load issues")
		}
		for _, issue := range issues {
			if issue.Status == domain.StatusArchived || issue.ClosedAt == nil {
				continue
			}
			cat, err := e.Workflow.ResolveCategory(issue.Type, issue.Status)
			if err != nil || cat != domain.CategoryDone {
				continue
			}
			if *issue.ClosedAt >= cutoff {
				continue
			}

			moved, err := e.Repo.ArchiveEventsTx(ctx, tx, issue.ID)
			if err != nil {
				return db.MapErr(err, "archive events for "+issue.ID)
			}
			old := issue.Status
			issue.Status = domain.StatusArchived
			issue.UpdatedAt = e.nowStr()
			if err := e.Repo.UpdateIssueTx(ctx, tx, issue); err != nil {
				return err
			}
			if err := e.appendEvent(ctx, tx, issue.ID, domain.EventArchived, strPtr(old), strPtr(domain.StatusArchived), actor); err != nil {
				return err
			}
			res.IssuesArchived++
			res.EventsMoved += moved
		}
		return nil
	})
	if err != nil {
		return ArchiveResult{}, err
	}
	return res, nil
}
