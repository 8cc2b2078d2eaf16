package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"filigree/internal/db"
	"filigree/internal/domain"
	"filigree/internal/errs"
)

// ExportAll snapshots the whole store in one transaction so the bundle is
// internally consistent.
func (e *Engine) ExportAll(ctx context.Context) (domain.Bundle, error) {
	var b domain.Bundle
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if b.Issues, err = e.Repo.AllIssuesTx(ctx, tx); err != nil {
			return err
		}
		if b.Events, err = e.Repo.AllEventsTx(ctx, tx); err != nil {
			return err
		}
		if b.Dependencies, err = e.Repo.AllDepsTx(ctx, tx); err != nil {
			return err
		}
		if b.Comments, err = e.Repo.AllCommentsTx(ctx, tx); err != nil {
			return err
		}
		b.Findings, err = e.Repo.AllFindingsTx(ctx, tx)
		return err
	})
	if err != nil {
		return domain.Bundle{}, err
	}
	return b, nil
}

// ImportStats counts rows actually written by one import.
type ImportStats struct {
	Issues       int `json:"issues"`
	Events       int `json:"events"`
	Dependencies int `json:"dependencies"`
	Comments     int `json:"comments"`
	Findings     int `json:"findings"`
}

// ImportBulk loads a bundle in a single transaction: every record validates
// up front, and any failure rolls the whole batch back. With merge set,
// records already present are skipped instead of conflicting, which makes
// re-importing the same bundle a no-op.
func (e *Engine) ImportBulk(ctx context.Context, b domain.Bundle, merge bool) (ImportStats, error) {
	if err := e.validateBundle(b); err != nil {
		return ImportStats{}, err
	}

	var stats ImportStats
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		stats = ImportStats{}
		for _, issue := range b.Issues {
			if merge {
				wrote, err := e.Repo.InsertIssueMergeTx(ctx, tx, issue)
				if err != nil {
					return db.MapErr(err, "import issue "+issue.ID)
				}
				if wrote {
					stats.Issues++
				}
				continue
			}
			if err := e.Repo.InsertIssueTx(ctx, tx, issue); err != nil {
				return db.MapErr(err, "import issue "+issue.ID)
			}
			stats.Issues++
		}
		for _, evt := range b.Events {
			if merge {
				wrote, err := e.Repo.AppendEventTx(ctx, tx, evt)
				if err != nil {
					return db.MapErr(err, "import event")
				}
				if wrote {
					stats.Events++
				}
				continue
			}
			if err := e.Repo.InsertEventStrictTx(ctx, tx, evt); err != nil {
				return db.MapErr(err, "import event")
			}
			stats.Events++
		}
		for _, dep := range b.Dependencies {
			if merge {
				wrote, err := e.Repo.InsertDepMergeTx(ctx, tx, dep)
				if err != nil {
					return db.MapErr(err, "import dependency")
				}
				if wrote {
					stats.Dependencies++
				}
				continue
			}
			if err := e.Repo.InsertDepTx(ctx, tx, dep); err != nil {
				return db.MapErr(err, "import dependency")
			}
			stats.Dependencies++
		}

		existing := map[string]bool{}
		if merge {
			comments, err := e.Repo.AllCommentsTx(ctx, tx)
			if err != nil {
				return err
			}
			for _, c := range comments {
				existing[commentKey(c)] = true
			}
		}
		for _, c := range b.Comments {
			if merge && existing[commentKey(c)] {
				continue
			}
			if _, err := e.Repo.InsertCommentTx(ctx, tx, c); err != nil {
				return db.MapErr(err, "import comment")
			}
			stats.Comments++
		}

		for _, f := range b.Findings {
			if merge {
				wrote, err := e.Repo.InsertFindingTx(ctx, tx, f)
				if err != nil {
					return db.MapErr(err, "import finding")
				}
				if wrote {
					stats.Findings++
				}
				continue
			}
			if err := e.Repo.InsertFindingStrictTx(ctx, tx, f); err != nil {
				return db.MapErr(err, "import finding")
			}
			stats.Findings++
		}

		return e.bumpSequenceTx(ctx, tx, b.Issues)
	})
	if err != nil {
		return ImportStats{}, err
	}
	return stats, nil
}

// validateBundle checks every record before any write, so a bad bundle never
// partially applies.
func (e *Engine) validateBundle(b domain.Bundle) error {
	ids := make(map[string]bool, len(b.Issues))
	for i, issue := range b.Issues {
		if issue.ID == "" || issue.Title == "" {
			return errs.New(errs.KindValidation, "issue %d: id and title are required", i)
		}
		if ids[issue.ID] {
			return errs.New(errs.KindValidation, "issue %s appears twice", issue.ID)
		}
		ids[issue.ID] = true
		if _, err := e.Workflow.Type(issue.Type); err != nil {
			return errs.Wrap(errs.KindValidation, err, "issue %s", issue.ID)
		}
		if issue.Status != domain.StatusArchived {
			if _, err := e.Workflow.ResolveCategory(issue.Type, issue.Status); err != nil {
				return errs.Wrap(errs.KindValidation, err, "issue %s", issue.ID)
			}
		}
		if err := e.Workflow.ValidateFields(issue.Type, issue.Fields, false); err != nil {
			return errs.Wrap(errs.KindValidation, err, "issue %s", issue.ID)
		}
	}
	for i, evt := range b.Events {
		if _, ok := domain.ParseEventType(string(evt.Type)); !ok {
			return errs.New(errs.KindValidation, "event %d: unknown type %q", i, evt.Type)
		}
		if evt.IssueID == "" {
			return errs.New(errs.KindValidation, "event %d: issue id is required", i)
		}
	}
	for i, dep := range b.Dependencies {
		if dep.IssueID == "" || dep.DependsOnID == "" {
			return errs.New(errs.KindValidation, "dependency %d: both endpoints are required", i)
		}
		if dep.IssueID == dep.DependsOnID {
			return errs.New(errs.KindCycle, "dependency %d: self edge on %s", i, dep.IssueID)
		}
	}
	for i, c := range b.Comments {
		if c.IssueID == "" || c.Text == "" {
			return errs.New(errs.KindValidation, "comment %d: issue id and text are required", i)
		}
	}
	for i, f := range b.Findings {
		if _, ok := domain.ParseSeverity(string(f.Severity)); !ok {
			return errs.New(errs.KindValidation, "finding %d: unknown severity %q", i, f.Severity)
		}
		if f.Fingerprint == "" {
			return errs.New(errs.KindValidation, "finding %d: fingerprint is required", i)
		}
	}
	return nil
}

// bumpSequenceTx advances the id counter past every imported numeric suffix
// so future creates never collide with imported identities.
func (e *Engine) bumpSequenceTx(ctx context.Context, tx *sql.Tx, issues []domain.Issue) error {
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT CAST(value AS INTEGER) FROM meta WHERE key='issue_seq'`).Scan(&seq)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	max := seq
	prefix := e.IDPrefix + "-"
	for _, issue := range issues {
		if !strings.HasPrefix(issue.ID, prefix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimPrefix(issue.ID, prefix), 10, 64)
		if err == nil && n > max {
			max = n
		}
	}
	if max == seq {
		return nil
	}
	return e.Repo.SetMetaTx(ctx, tx, "issue_seq", fmt.Sprintf("%d", max))
}

func commentKey(c domain.Comment) string {
	return c.IssueID + "\x00" + c.Author + "\x00" + c.CreatedAt + "\x00" + c.Text
}
