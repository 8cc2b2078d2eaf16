// Package graph derives ordering views over the dependency edge set: ready
// and blocked partitions, the critical path, and the plan tree. Edges point
// from dependent to prerequisite; the edge set plus the parent tree must stay
// acyclic, enforced at every mutation.
package graph

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"filigree/internal/db"
	"filigree/internal/domain"
	"filigree/internal/errs"
	"filigree/internal/repo"
	"filigree/internal/workflow"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Workflow *workflow.Registry
	Now      func() time.Time
}

func New(conn *sql.DB, reg *workflow.Registry) *Engine {
	return &Engine{DB: conn, Repo: repo.Repo{DB: conn}, Workflow: reg, Now: time.Now}
}

func (e *Engine) nowStr() string {
	return e.Now().UTC().Format(time.RFC3339)
}

// AddDependency inserts the edge issueID -> dependsOnID after proving the
// combined graph stays acyclic: a breadth-first walk from the prerequisite
// must not reach the dependent through dependency or parent links.
func (e *Engine) AddDependency(ctx context.Context, issueID, dependsOnID, actor string) error {
	if issueID == dependsOnID {
		return errs.New(errs.KindCycle, "issue cannot depend on itself")
	}
	if _, err := e.Repo.GetIssue(ctx, issueID); err != nil {
		return err
	}
	if _, err := e.Repo.GetIssue(ctx, dependsOnID); err != nil {
		return err
	}
	reachable, err := e.reaches(ctx, dependsOnID, issueID)
	if err != nil {
		return err
	}
	if reachable {
		return errs.New(errs.KindCycle, "dependency %s -> %s would create a cycle", issueID, dependsOnID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return db.MapErr(err, "begin")
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDepTx(ctx, tx, domain.Dependency{
		IssueID: issueID, DependsOnID: dependsOnID, CreatedAt: e.nowStr(), CreatedBy: actor,
	}); err != nil {
		return db.MapErr(err, "insert dependency")
	}
	if actor == "" {
		actor = "local-user"
	}
	if _, err := e.Repo.AppendEventTx(ctx, tx, domain.Event{
		IssueID: issueID, Type: domain.EventDepAdded, NewValue: &dependsOnID, Actor: actor, CreatedAt: e.nowStr(),
	}); err != nil {
		return db.MapErr(err, "append event")
	}
	if err := tx.Commit(); err != nil {
		return db.MapErr(err, "commit")
	}
	return nil
}

// RemoveDependency deletes the edge and records the removal.
func (e *Engine) RemoveDependency(ctx context.Context, issueID, dependsOnID, actor string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return db.MapErr(err, "begin")
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteDepTx(ctx, tx, issueID, dependsOnID); err != nil {
		return err
	}
	if actor == "" {
		actor = "local-user"
	}
	if _, err := e.Repo.AppendEventTx(ctx, tx, domain.Event{
		IssueID: issueID, Type: domain.EventDepRemoved, OldValue: &dependsOnID, Actor: actor, CreatedAt: e.nowStr(),
	}); err != nil {
		return db.MapErr(err, "append event")
	}
	if err := tx.Commit(); err != nil {
		return db.MapErr(err, "commit")
	}
	return nil
}

// reaches walks breadth-first from src through dependency and parent links
// looking for dst.
func (e *Engine) reaches(ctx context.Context, src, dst string) (bool, error) {
	issues, err := e.Repo.AllIssues(ctx)
	if err != nil {
		return false, err
	}
	deps, err := e.Repo.AllDeps(ctx)
	if err != nil {
		return false, err
	}
	next := repo.Adjacency(deps)
	for _, issue := range issues {
		if issue.ParentID != nil {
			next[issue.ID] = append(next[issue.ID], *issue.ParentID)
		}
	}

	visited := map[string]bool{src: true}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == dst {
			return true, nil
		}
		for _, n := range next[cur] {
			if !visited[n] {
				visited[n] = true
				queue = append(queue, n)
			}
		}
	}
	return false, nil
}

// view is one in-memory snapshot of the graph for derived queries.
type view struct {
	issues  []domain.Issue
	byID    map[string]domain.Issue
	prereqs map[string][]string
	done    map[string]bool
}

func (e *Engine) load(ctx context.Context) (*view, error) {
	issues, err := e.Repo.AllIssues(ctx)
	if err != nil {
		return nil, err
	}
	deps, err := e.Repo.AllDeps(ctx)
	if err != nil {
		return nil, err
	}
	v := &view{
		issues:  issues,
		byID:    make(map[string]domain.Issue, len(issues)),
		prereqs: repo.Adjacency(deps),
		done:    make(map[string]bool, len(issues)),
	}
	for _, issue := range issues {
		v.byID[issue.ID] = issue
		cat, err := e.Workflow.ResolveCategory(issue.Type, issue.Status)
		if err == nil {
			v.done[issue.ID] = cat == domain.CategoryDone
		}
	}
	return v, nil
}

// Ready returns issues not yet in a done category whose every prerequisite
// is done, ordered by priority then identity.
func (e *Engine) Ready(ctx context.Context) ([]domain.Issue, error) {
	v, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Issue
	for _, issue := range v.issues {
		if v.done[issue.ID] {
			continue
		}
		if blockers(v, issue.ID) == nil {
			out = append(out, issue)
		}
	}
	sortIssues(out)
	return out, nil
}

// BlockedIssue pairs a blocked issue with the prerequisites holding it up.
type BlockedIssue struct {
	Issue     domain.Issue `json:"issue"`
	BlockedBy []string     `json:"blocked_by"`
}

// Blocked returns not-done issues with at least one unfinished prerequisite.
func (e *Engine) Blocked(ctx context.Context) ([]BlockedIssue, error) {
	v, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []BlockedIssue
	for _, issue := range v.issues {
		if v.done[issue.ID] {
			continue
		}
		if b := blockers(v, issue.ID); b != nil {
			out = append(out, BlockedIssue{Issue: issue, BlockedBy: b})
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Issue.Priority != out[b].Issue.Priority {
			return out[a].Issue.Priority < out[b].Issue.Priority
		}
		return out[a].Issue.ID < out[b].Issue.ID
	})
	return out, nil
}

func blockers(v *view, id string) []string {
	var out []string
	for _, pre := range v.prereqs[id] {
		if !v.done[pre] {
			out = append(out, pre)
		}
	}
	sort.Strings(out)
	return out
}

func sortIssues(issues []domain.Issue) {
	sort.Slice(issues, func(a, b int) bool {
		if issues[a].Priority != issues[b].Priority {
			return issues[a].Priority < issues[b].Priority
		}
		return issues[a].ID < issues[b].ID
	})
}

// CriticalPath computes the longest weighted prerequisite chain with Kahn's
// algorithm plus longest-path propagation. Weight is the issue's numeric
// estimate field, defaulting to 1, so the unweighted case degenerates to
// chain length. Ties break toward the lexicographically smaller id. A stored
// cycle surfaces as a cycle error rather than a truncated ordering.
func (e *Engine) CriticalPath(ctx context.Context) ([]domain.Issue, error) {
	v, err := e.load(ctx)
	if err != nil {
		return nil, err
	}

	// In-degree counts dependents waiting on each node; processing order is
	// prerequisites first.
	dependents := make(map[string][]string, len(v.issues))
	indegree := make(map[string]int, len(v.issues))
	for _, issue := range v.issues {
		indegree[issue.ID] = len(v.prereqs[issue.ID])
		for _, pre := range v.prereqs[issue.ID] {
			dependents[pre] = append(dependents[pre], issue.ID)
		}
	}

	var queue []string
	for _, issue := range v.issues {
		if indegree[issue.ID] == 0 {
			queue = append(queue, issue.ID)
		}
	}
	sort.Strings(queue)

	dist := make(map[string]float64, len(v.issues))
	prev := make(map[string]string, len(v.issues))
	var processed int
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		processed++
		if dist[cur] == 0 {
			dist[cur] = weight(v.byID[cur])
		}
		deps := append([]string(nil), dependents[cur]...)
		sort.Strings(deps)
		for _, d := range deps {
			cand := dist[cur] + weight(v.byID[d])
			switch {
			case cand > dist[d], cand == dist[d] && (prev[d] == "" || cur < prev[d]):
				dist[d] = cand
				prev[d] = cur
			}
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
				sort.Strings(queue)
			}
		}
	}
	if processed < len(v.issues) {
		return nil, errs.New(errs.KindCycle, "dependency graph contains a cycle")
	}

	var endID string
	var best float64
	for _, issue := range v.issues {
		d := dist[issue.ID]
		if d > best || (d == best && (endID == "" || issue.ID < endID)) {
			best = d
			endID = issue.ID
		}
	}
	if endID == "" {
		return nil, nil
	}

	var chain []domain.Issue
	for id := endID; id != ""; id = prev[id] {
		chain = append(chain, v.byID[id])
	}
	// Reverse into execution order, prerequisites first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func weight(issue domain.Issue) float64 {
	if v, ok := issue.Fields["estimate"]; ok {
		switch n := v.(type) {
		case float64:
			if n > 0 {
				return n
			}
		case int:
			if n > 0 {
				return float64(n)
			}
		}
	}
	return 1
}

// PlanTree builds the parent-tree view rooted at rootID. Progress at each
// node is the fraction of its descendant leaves in a done category; a leaf
// scores itself.
func (e *Engine) PlanTree(ctx context.Context, rootID string) (*domain.PlanNode, error) {
	v, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	root, ok := v.byID[rootID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "issue %s", rootID)
	}
	children := make(map[string][]string, len(v.issues))
	for _, issue := range v.issues {
		if issue.ParentID != nil {
			children[*issue.ParentID] = append(children[*issue.ParentID], issue.ID)
		}
	}
	node, _, _ := buildPlan(v, children, root)
	return node, nil
}

func buildPlan(v *view, children map[string][]string, issue domain.Issue) (*domain.PlanNode, int, int) {
	node := &domain.PlanNode{Issue: issue}
	kids := append([]string(nil), children[issue.ID]...)
	sort.Strings(kids)
	if len(kids) == 0 {
		done := 0
		if v.done[issue.ID] {
			done = 1
		}
		node.Progress = float64(done)
		return node, done, 1
	}
	var doneLeaves, leaves int
	for _, kid := range kids {
		child, d, n := buildPlan(v, children, v.byID[kid])
		node.Children = append(node.Children, child)
		doneLeaves += d
		leaves += n
	}
	node.Progress = float64(doneLeaves) / float64(leaves)
	return node, doneLeaves, leaves
}
