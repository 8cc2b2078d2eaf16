package engine

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/google/uuid"

	"filigree/internal/db"
	"filigree/internal/domain"
	"filigree/internal/errs"
	"filigree/internal/repo"
)

// Claim takes exclusive ownership of an issue with an optimistic
// compare-and-set on the claim token. A concurrent claim loses with a
// conflict rather than a silent overwrite.
func (e *Engine) Claim(ctx context.Context, id, assignee string) (domain.Issue, error) {
	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		return domain.Issue{}, errs.New(errs.KindValidation, "assignee must not be empty")
	}
	issue, err := e.Repo.GetIssue(ctx, id)
	if err != nil {
		return domain.Issue{}, err
	}
	if issue.ClaimToken != nil {
		if issue.ClaimedBy != nil && *issue.ClaimedBy == assignee {
			return issue, nil
		}
		return domain.Issue{}, errs.New(errs.KindConflict, "issue %s already claimed by %s", id, claimedBy(issue))
	}
	cat, err := e.Workflow.ResolveCategory(issue.Type, issue.Status)
	if err != nil {
		return domain.Issue{}, err
	}
	if cat == domain.CategoryDone {
		return domain.Issue{}, errs.New(errs.KindValidation, "issue %s is closed", id)
	}

	token := uuid.NewString()
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		// Conditional write against the token observed above: if anyone
		// claimed in between, zero rows match and we report the conflict.
		ok, err := e.Repo.SetClaimTx(ctx, tx, id, issue.ClaimToken, &assignee, &token, e.nowStr())
		if err != nil {
			return db.MapErr(err, "set claim")
		}
		if !ok {
			return errs.New(errs.KindConflict, "issue %s claimed concurrently", id)
		}
		return e.appendEvent(ctx, tx, id, domain.EventClaimed, nil, strPtr(assignee), assignee)
	})
	if err != nil {
		return domain.Issue{}, err
	}
	issue.ClaimedBy = &assignee
	issue.ClaimToken = &token
	return issue, nil
}

// NextFilters narrow the candidate pool for ClaimNext.
type NextFilters struct {
	Type string
}

// ClaimNext walks the ready, unclaimed issues in priority order and claims
// the first one it wins; losing a race on one candidate moves on to the
// next instead of failing.
func (e *Engine) ClaimNext(ctx context.Context, f NextFilters, assignee string) (domain.Issue, error) {
	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		return domain.Issue{}, errs.New(errs.KindValidation, "assignee must not be empty")
	}
	issues, err := e.Repo.ListIssues(ctx, repo.IssueFilters{Type: f.Type, Unclaimed: true, Page: repo.Page{Limit: repo.MaxPageLimit}})
	if err != nil {
		return domain.Issue{}, err
	}
	sort.Slice(issues, func(a, b int) bool {
		if issues[a].Priority != issues[b].Priority {
			return issues[a].Priority < issues[b].Priority
		}
		return issues[a].ID < issues[b].ID
	})
	deps, err := e.Repo.AllDeps(ctx)
	if err != nil {
		return domain.Issue{}, err
	}
	adj := repo.Adjacency(deps)
	done, err := e.doneSet(ctx)
	if err != nil {
		return domain.Issue{}, err
	}
	for _, candidate := range issues {
		cat, err := e.Workflow.ResolveCategory(candidate.Type, candidate.Status)
		if err != nil || cat == domain.CategoryDone {
			continue
		}
		if !allDone(adj[candidate.ID], done) {
			continue
		}
		claimed, err := e.Claim(ctx, candidate.ID, assignee)
		if err == nil {
			return claimed, nil
		}
		if errs.Is(err, errs.KindConflict) {
			continue
		}
		return domain.Issue{}, err
	}
	return domain.Issue{}, errs.New(errs.KindNotFound, "no claimable issue matches")
}

// Release drops a claim; only the holder may release.
func (e *Engine) Release(ctx context.Context, id, assignee string) (domain.Issue, error) {
	issue, err := e.Repo.GetIssue(ctx, id)
	if err != nil {
		return domain.Issue{}, err
	}
	if issue.ClaimToken == nil {
		return domain.Issue{}, errs.New(errs.KindValidation, "issue %s is not claimed", id)
	}
	if assignee != "" && issue.ClaimedBy != nil && *issue.ClaimedBy != assignee {
		return domain.Issue{}, errs.New(errs.KindConflict, "issue %s claimed by %s, not %s", id, claimedBy(issue), assignee)
	}
	holder := claimedBy(issue)
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.SetClaimTx(ctx, tx, id, issue.ClaimToken, nil, nil, e.nowStr())
		if err != nil {
			return db.MapErr(err, "clear claim")
		}
		if !ok {
			return errs.New(errs.KindConflict, "claim on %s changed concurrently", id)
		}
		return e.appendEvent(ctx, tx, id, domain.EventReleased, strPtr(holder), nil, holder)
	})
	if err != nil {
		return domain.Issue{}, err
	}
	issue.ClaimedBy = nil
	issue.ClaimToken = nil
	return issue, nil
}

func (e *Engine) doneSet(ctx context.Context) (map[string]bool, error) {
	all, err := e.Repo.AllIssues(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(all))
	for _, is := range all {
		cat, err := e.Workflow.ResolveCategory(is.Type, is.Status)
		if err != nil {
			continue
		}
		done[is.ID] = cat == domain.CategoryDone
	}
	return done, nil
}

func allDone(deps []string, done map[string]bool) bool {
	for _, d := range deps {
		if !done[d] {
			return false
		}
	}
	return true
}

func claimedBy(issue domain.Issue) string {
	if issue.ClaimedBy != nil {
		return *issue.ClaimedBy
	}
	return "unknown"
}
