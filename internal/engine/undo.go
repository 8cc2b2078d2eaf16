package engine

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/google/uuid"

	"filigree/internal/db"
	"filigree/internal/domain"
	"filigree/internal/errs"
)

// UndoLast reverses the most recent event on an issue and rewinds the log:
// the inverse mutation and the removal of the undone event commit together,
// so observable state returns exactly to what it was before the operation.
//
// Archived events are not undoable: compaction already moved the issue's
// history to the cold region, and reopen is the supported way back.
func (e *Engine) UndoLast(ctx context.Context, issueID, actor string) (domain.Event, error) {
	var undone domain.Event
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		evt, err := e.Repo.LastEventTx(ctx, tx, issueID)
		if err != nil {
			return err
		}
		if err := e.applyInverseTx(ctx, tx, evt); err != nil {
			return err
		}
		if evt.Type != domain.EventCreated {
			// created's inverse removed the issue, cascading its events.
			if err := e.Repo.DeleteEventTx(ctx, tx, evt.ID); err != nil {
				return db.MapErr(err, "delete event")
			}
		}
		undone = evt
		return nil
	})
	return undone, err
}

func (e *Engine) applyInverseTx(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	switch evt.Type {
	case domain.EventCreated:
		return e.Repo.DeleteIssueTx(ctx, tx, evt.IssueID)

	case domain.EventStatusChanged, domain.EventClosed, domain.EventReopened:
		if evt.OldValue == nil {
			return errs.New(errs.KindUnsupportedUndo, "event %d has no prior status recorded", evt.ID)
		}
		issue, err := e.Repo.GetIssueTx(ctx, tx, evt.IssueID)
		if err != nil {
			return err
		}
		issue.Status = *evt.OldValue
		cat, err := e.Workflow.ResolveCategory(issue.Type, issue.Status)
		if err != nil {
			return err
		}
		if cat == domain.CategoryDone {
			if issue.ClosedAt == nil {
				issue.ClosedAt = strPtr(evt.CreatedAt)
			}
		} else {
			issue.ClosedAt = nil
		}
		issue.UpdatedAt = e.nowStr()
		return e.Repo.UpdateIssueTx(ctx, tx, issue)

	case domain.EventFieldChanged:
		return e.undoFieldChange(ctx, tx, evt)

	case domain.EventClaimed:
		issue, err := e.Repo.GetIssueTx(ctx, tx, evt.IssueID)
		if err != nil {
			return err
		}
		if issue.ClaimToken == nil {
			return nil
		}
		ok, err := e.Repo.SetClaimTx(ctx, tx, evt.IssueID, issue.ClaimToken, nil, nil, e.nowStr())
		if err != nil {
			return db.MapErr(err, "clear claim")
		}
		if !ok {
			return errs.New(errs.KindConflict, "claim on %s changed concurrently", evt.IssueID)
		}
		return nil

	case domain.EventReleased:
		if evt.OldValue == nil {
			return errs.New(errs.KindUnsupportedUndo, "event %d has no releasing assignee recorded", evt.ID)
		}
		issue, err := e.Repo.GetIssueTx(ctx, tx, evt.IssueID)
		if err != nil {
			return err
		}
		if issue.ClaimToken != nil {
			return errs.New(errs.KindConflict, "issue %s was reclaimed since release", evt.IssueID)
		}
		token := uuid.NewString()
		ok, err := e.Repo.SetClaimTx(ctx, tx, evt.IssueID, nil, evt.OldValue, &token, e.nowStr())
		if err != nil {
			return db.MapErr(err, "restore claim")
		}
		if !ok {
			return errs.New(errs.KindConflict, "claim on %s changed concurrently", evt.IssueID)
		}
		return nil

	case domain.EventCommented:
		if evt.NewValue == nil {
			return errs.New(errs.KindUnsupportedUndo, "event %d has no comment id recorded", evt.ID)
		}
		cid, err := strconv.ParseInt(*evt.NewValue, 10, 64)
		if err != nil {
			return errs.Wrap(errs.KindUnsupportedUndo, err, "event %d comment id", evt.ID)
		}
		return e.Repo.DeleteCommentTx(ctx, tx, cid)

	case domain.EventDepAdded:
		if evt.NewValue == nil {
			return errs.New(errs.KindUnsupportedUndo, "event %d has no dependency target recorded", evt.ID)
		}
		return e.Repo.DeleteDepTx(ctx, tx, evt.IssueID, *evt.NewValue)

	case domain.EventDepRemoved:
		if evt.OldValue == nil {
			return errs.New(errs.KindUnsupportedUndo, "event %d has no dependency target recorded", evt.ID)
		}
		return e.Repo.InsertDepTx(ctx, tx, domain.Dependency{
			IssueID: evt.IssueID, DependsOnID: *evt.OldValue, CreatedAt: e.nowStr(), CreatedBy: evt.Actor,
		})

	case domain.EventArchived:
		return errs.New(errs.KindUnsupportedUndo, "archival is not undoable; reopen the issue instead")
	}
	return errs.New(errs.KindUnsupportedUndo, "no inverse for event type %q", evt.Type)
}

func (e *Engine) undoFieldChange(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	issue, err := e.Repo.GetIssueTx(ctx, tx, evt.IssueID)
	if err != nil {
		return err
	}
	// The new side names the field even when the old side is absent
	// (field was previously unset).
	ref := evt.NewValue
	if ref == nil {
		ref = evt.OldValue
	}
	named, err := decodeFieldChange(ref)
	if err != nil {
		return errs.Wrap(errs.KindUnsupportedUndo, err, "event %d payload", evt.ID)
	}

	switch named.Field {
	case "title":
		old, err := decodeFieldChange(evt.OldValue)
		if err != nil {
			return errs.Wrap(errs.KindUnsupportedUndo, err, "event %d payload", evt.ID)
		}
		s, ok := old.Value.(string)
		if !ok {
			return errs.New(errs.KindUnsupportedUndo, "event %d: prior title is not a string", evt.ID)
		}
		issue.Title = s
	case "body":
		old, err := decodeFieldChange(evt.OldValue)
		if err != nil {
			return errs.Wrap(errs.KindUnsupportedUndo, err, "event %d payload", evt.ID)
		}
		s, ok := old.Value.(string)
		if !ok {
			return errs.New(errs.KindUnsupportedUndo, "event %d: prior body is not a string", evt.ID)
		}
		issue.Body = s
	case "parent":
		if evt.OldValue == nil {
			issue.ParentID = nil
		} else {
			old, err := decodeFieldChange(evt.OldValue)
			if err != nil {
				return errs.Wrap(errs.KindUnsupportedUndo, err, "event %d payload", evt.ID)
			}
			s, ok := old.Value.(string)
			if !ok {
				return errs.New(errs.KindUnsupportedUndo, "event %d: prior parent is not a string", evt.ID)
			}
			issue.ParentID = &s
		}
	case "priority":
		old, err := decodeFieldChange(evt.OldValue)
		if err != nil {
			return errs.Wrap(errs.KindUnsupportedUndo, err, "event %d payload", evt.ID)
		}
		n, ok := old.Value.(float64)
		if !ok {
			return errs.New(errs.KindUnsupportedUndo, "event %d: prior priority is not numeric", evt.ID)
		}
		issue.Priority = int(n)
	default:
		if evt.OldValue == nil {
			delete(issue.Fields, named.Field)
		} else {
			old, err := decodeFieldChange(evt.OldValue)
			if err != nil {
				return errs.Wrap(errs.KindUnsupportedUndo, err, "event %d payload", evt.ID)
			}
			if issue.Fields == nil {
				issue.Fields = map[string]any{}
			}
			issue.Fields[old.Field] = old.Value
		}
	}
	issue.UpdatedAt = e.nowStr()
	return e.Repo.UpdateIssueTx(ctx, tx, issue)
}
