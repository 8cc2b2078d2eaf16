// Package engine is the aggregate root over the durable store: issue CRUD,
// optimistic claims, append-only event recording, reversible undo, archival,
// and bulk import/export. Every mutation validates through the workflow
// registry and commits issue write + event append in one transaction.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"filigree/internal/db"
	"filigree/internal/domain"
	"filigree/internal/errs"
	"filigree/internal/repo"
	"filigree/internal/workflow"
)

const DefaultActor = "local-user"

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Workflow *workflow.Registry
	IDPrefix string
	Now      func() time.Time

	// Scan-trigger cooldown: explicit handle-owned state, guarded so the
	// check and the write happen in one critical section.
	ScanCooldown time.Duration
	mu           sync.Mutex
	lastScan     time.Time
}

func New(conn *sql.DB, reg *workflow.Registry) *Engine {
	return &Engine{
		DB:           conn,
		Repo:         repo.Repo{DB: conn},
		Workflow:     reg,
		IDPrefix:     "fil",
		Now:          time.Now,
		ScanCooldown: 5 * time.Minute,
	}
}

// SetWorkflow swaps in a freshly loaded registry (explicit reload).
func (e *Engine) SetWorkflow(reg *workflow.Registry) { e.Workflow = reg }

// AllowScan performs the atomic cooldown check-and-set for triggering an
// external scan. Returns false while the cooldown window is open.
func (e *Engine) AllowScan() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if !e.lastScan.IsZero() && now.Sub(e.lastScan) < e.ScanCooldown {
		return false
	}
	e.lastScan = now
	return true
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// nowStr formats timestamps fixed-width so stored strings compare
// lexicographically in time order.
func (e *Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// inTx runs fn inside one writer transaction; any error rolls back before
// control returns, so partial mutations are never visible.
func (e *Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return db.MapErr(err, "begin")
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return db.MapErr(err, "commit")
	}
	return nil
}

func (e *Engine) appendEvent(ctx context.Context, tx *sql.Tx, issueID string, evtType domain.EventType, oldValue, newValue *string, actor string) error {
	if actor == "" {
		actor = DefaultActor
	}
	_, err := e.Repo.AppendEventTx(ctx, tx, domain.Event{
		IssueID:   issueID,
		Type:      evtType,
		OldValue:  oldValue,
		NewValue:  newValue,
		Actor:     actor,
		CreatedAt: e.nowStr(),
	})
	if err != nil {
		return db.MapErr(err, "append event")
	}
	return nil
}

func strPtr(s string) *string { return &s }

func strEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// fieldChange encodes a field_changed event value.
type fieldChange struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

func encodeFieldChange(field string, value any) *string {
	b, _ := json.Marshal(fieldChange{Field: field, Value: value})
	s := string(b)
	return &s
}

func decodeFieldChange(v *string) (fieldChange, error) {
	var fc fieldChange
	if v == nil {
		return fc, errs.New(errs.KindValidation, "field change payload missing")
	}
	if err := json.Unmarshal([]byte(*v), &fc); err != nil {
		return fc, errs.Wrap(errs.KindValidation, err, "decode field change")
	}
	return fc, nil
}

// CreateOptions are parameters for creating an issue.
type CreateOptions struct {
	Type      string
	Title     string
	Body      string
	Priority  int
	Fields    map[string]any
	ParentID  string
	DependsOn []string
	Actor     string
}

// Create validates the type against the active registry and the field bag
// against its schema, starts the issue in the template's initial state, and
// emits a created event.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) (domain.Issue, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Issue{}, errs.New(errs.KindValidation, "title is required")
	}
	tpl, err := e.Workflow.Type(opts.Type)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := e.Workflow.ValidateFields(opts.Type, opts.Fields, true); err != nil {
		return domain.Issue{}, err
	}
	if opts.Priority < 0 || opts.Priority > 4 {
		return domain.Issue{}, errs.New(errs.KindValidation, "priority must be 0..4")
	}
	if opts.ParentID != "" {
		if _, err := e.Repo.GetIssue(ctx, opts.ParentID); err != nil {
			return domain.Issue{}, err
		}
	}
	for _, dep := range opts.DependsOn {
		if _, err := e.Repo.GetIssue(ctx, dep); err != nil {
			return domain.Issue{}, err
		}
	}

	now := e.nowStr()
	issue := domain.Issue{
		Type:      opts.Type,
		Status:    tpl.InitialState(),
		Priority:  opts.Priority,
		Title:     opts.Title,
		Body:      opts.Body,
		Fields:    opts.Fields,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.ParentID != "" {
		issue.ParentID = &opts.ParentID
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		id, err := e.Repo.NextIssueIDTx(ctx, tx, e.IDPrefix)
		if err != nil {
			return err
		}
		issue.ID = id
		if err := e.Repo.InsertIssueTx(ctx, tx, issue); err != nil {
			return db.MapErr(err, "insert issue")
		}
		for _, dep := range opts.DependsOn {
			if dep == issue.ID {
				return errs.New(errs.KindCycle, "issue cannot depend on itself")
			}
			if err := e.Repo.InsertDepTx(ctx, tx, domain.Dependency{
				IssueID: issue.ID, DependsOnID: dep, CreatedAt: now, CreatedBy: opts.Actor,
			}); err != nil {
				return db.MapErr(err, "insert dependency")
			}
		}
		return e.appendEvent(ctx, tx, issue.ID, domain.EventCreated, nil, strPtr(issue.Status), opts.Actor)
	})
	if err != nil {
		return domain.Issue{}, err
	}
	issue.DependsOn = opts.DependsOn
	return issue, nil
}

func (e *Engine) Get(ctx context.Context, id string) (domain.Issue, error) {
	return e.Repo.GetIssue(ctx, id)
}

// UpdateOptions encapsulate one issue patch. Nil pointers leave the value
// untouched; Fields entries with nil values clear the field.
type UpdateOptions struct {
	ID       string
	Status   *string
	Title    *string
	Body     *string
	Priority *int
	Fields   map[string]any
	Parent   *string
	Actor    string
}

// Update applies a patch inside one transaction. Status changes route
// through the workflow gate: a hard-blocked transition fails with the
// missing-field list and leaves the issue untouched. Every changed field
// emits one event with old and new values.
func (e *Engine) Update(ctx context.Context, opts UpdateOptions) (domain.Issue, error) {
	var out domain.Issue
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		issue, err := e.applyUpdateTx(ctx, tx, opts)
		if err != nil {
			return err
		}
		out = issue
		return nil
	})
	return out, err
}

// BatchUpdate applies every patch or none: a failure on any item rolls the
// whole batch back.
func (e *Engine) BatchUpdate(ctx context.Context, patches []UpdateOptions) ([]domain.Issue, error) {
	var out []domain.Issue
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		out = out[:0]
		for _, p := range patches {
			issue, err := e.applyUpdateTx(ctx, tx, p)
			if err != nil {
				return fmt.Errorf("issue %s: %w", p.ID, err)
			}
			out = append(out, issue)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) applyUpdateTx(ctx context.Context, tx *sql.Tx, opts UpdateOptions) (domain.Issue, error) {
	issue, err := e.Repo.GetIssueTx(ctx, tx, opts.ID)
	if err != nil {
		return issue, err
	}

	if opts.Parent != nil {
		oldParent := issue.ParentID
		if *opts.Parent == "" {
			issue.ParentID = nil
		} else {
			if err := e.ensureNoParentCycle(ctx, tx, *opts.Parent, issue.ID); err != nil {
				return issue, err
			}
			issue.ParentID = opts.Parent
		}
		if !strEq(oldParent, issue.ParentID) {
			var oldEnc, newEnc *string
			if oldParent != nil {
				oldEnc = encodeFieldChange("parent", *oldParent)
			}
			if issue.ParentID != nil {
				newEnc = encodeFieldChange("parent", *issue.ParentID)
			}
			if err := e.appendEvent(ctx, tx, issue.ID, domain.EventFieldChanged, oldEnc, newEnc, opts.Actor); err != nil {
				return issue, err
			}
		}
	}

	if opts.Title != nil && *opts.Title != issue.Title {
		if strings.TrimSpace(*opts.Title) == "" {
			return issue, errs.New(errs.KindValidation, "title must not be empty")
		}
		old := encodeFieldChange("title", issue.Title)
		issue.Title = *opts.Title
		if err := e.appendEvent(ctx, tx, issue.ID, domain.EventFieldChanged, old, encodeFieldChange("title", issue.Title), opts.Actor); err != nil {
			return issue, err
		}
	}
	if opts.Body != nil && *opts.Body != issue.Body {
		old := encodeFieldChange("body", issue.Body)
		issue.Body = *opts.Body
		if err := e.appendEvent(ctx, tx, issue.ID, domain.EventFieldChanged, old, encodeFieldChange("body", issue.Body), opts.Actor); err != nil {
			return issue, err
		}
	}
	if opts.Priority != nil && *opts.Priority != issue.Priority {
		if *opts.Priority < 0 || *opts.Priority > 4 {
			return issue, errs.New(errs.KindValidation, "priority must be 0..4")
		}
		old := encodeFieldChange("priority", issue.Priority)
		issue.Priority = *opts.Priority
		if err := e.appendEvent(ctx, tx, issue.ID, domain.EventFieldChanged, old, encodeFieldChange("priority", issue.Priority), opts.Actor); err != nil {
			return issue, err
		}
	}

	if len(opts.Fields) > 0 {
		patch := make(map[string]any, len(opts.Fields))
		for k, v := range opts.Fields {
			if v != nil {
				patch[k] = v
			} else if _, err := fieldSchemaOf(e.Workflow, issue.Type, k); err != nil {
				return issue, err
			}
		}
		if err := e.Workflow.ValidateFields(issue.Type, patch, false); err != nil {
			return issue, err
		}
		for name, value := range opts.Fields {
			oldValue, had := issue.Fields[name]
			if had && value != nil && fmt.Sprint(oldValue) == fmt.Sprint(value) {
				continue
			}
			var oldEnc *string
			if had {
				oldEnc = encodeFieldChange(name, oldValue)
			}
			if value == nil {
				if !had {
					continue
				}
				delete(issue.Fields, name)
			} else {
				if issue.Fields == nil {
					issue.Fields = map[string]any{}
				}
				issue.Fields[name] = value
			}
			var newEnc *string
			if value != nil {
				newEnc = encodeFieldChange(name, value)
			}
			if err := e.appendEvent(ctx, tx, issue.ID, domain.EventFieldChanged, oldEnc, newEnc, opts.Actor); err != nil {
				return issue, err
			}
		}
	}

	if opts.Status != nil && *opts.Status != issue.Status {
		if err := e.applyStatusTx(ctx, tx, &issue, *opts.Status, domain.EventStatusChanged, opts.Actor); err != nil {
			return issue, err
		}
	}

	issue.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateIssueTx(ctx, tx, issue); err != nil {
		return issue, db.MapErr(err, "update issue")
	}
	return issue, nil
}

// applyStatusTx validates and applies one status change, recording the event
// as evtType (status_changed, closed, or reopened).
func (e *Engine) applyStatusTx(ctx context.Context, tx *sql.Tx, issue *domain.Issue, to string, evtType domain.EventType, actor string) error {
	res, err := e.Workflow.ValidateTransition(issue.Type, issue.Status, to, issue.Fields)
	if err != nil {
		return err
	}
	if !res.Allowed {
		if len(res.Missing) > 0 {
			return errs.Transition(res.Missing, "transition %s -> %s blocked", issue.Status, to)
		}
		return errs.Transition(nil, "no transition from %s to %s for type %s", issue.Status, to, issue.Type)
	}
	old := issue.Status
	issue.Status = to
	now := e.nowStr()
	if res.ToCategory == domain.CategoryDone {
		if issue.ClosedAt == nil {
			issue.ClosedAt = &now
		}
	} else {
		issue.ClosedAt = nil
	}
	return e.appendEvent(ctx, tx, issue.ID, evtType, strPtr(old), strPtr(to), actor)
}

func fieldSchemaOf(reg *workflow.Registry, typeName, field string) (workflow.FieldSchema, error) {
	tpl, err := reg.Type(typeName)
	if err != nil {
		return workflow.FieldSchema{}, err
	}
	schema, ok := tpl.Field(field)
	if !ok {
		return workflow.FieldSchema{}, errs.New(errs.KindValidation, "field %q not declared by type %s", field, typeName)
	}
	return schema, nil
}

// ensureNoParentCycle rejects the re-parent when the proposed parent can
// already reach the child through dependency or parent links: the parent tree
// and the dependency edge set form one graph, and the new child->parent edge
// must not close a loop in it.
func (e *Engine) ensureNoParentCycle(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	if parentID == childID {
		return errs.New(errs.KindCycle, "issue cannot be its own parent")
	}
	if _, err := e.Repo.GetIssueTx(ctx, tx, parentID); err != nil {
		return err
	}
	issues, err := e.Repo.AllIssuesTx(ctx, tx)
	if err != nil {
		return err
	}
	deps, err := e.Repo.AllDepsTx(ctx, tx)
	if err != nil {
		return err
	}
	next := repo.Adjacency(deps)
	for _, node := range issues {
		if node.ParentID != nil {
			next[node.ID] = append(next[node.ID], *node.ParentID)
		}
	}
	visited := map[string]bool{parentID: true}
	queue := []string{parentID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == childID {
			return errs.New(errs.KindCycle, "parenting %s under %s would create a cycle", childID, parentID)
		}
		for _, n := range next[cur] {
			if !visited[n] {
				visited[n] = true
				queue = append(queue, n)
			}
		}
	}
	return nil
}

// Close moves the issue to a terminal done-category state, preferring a
// declared transition from the current state. Hard gates still apply.
func (e *Engine) Close(ctx context.Context, id, actor string) (domain.Issue, error) {
	var out domain.Issue
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		issue, err := e.Repo.GetIssueTx(ctx, tx, id)
		if err != nil {
			return err
		}
		cat, err := e.Workflow.ResolveCategory(issue.Type, issue.Status)
		if err != nil {
			return err
		}
		if cat == domain.CategoryDone {
			return errs.New(errs.KindValidation, "issue %s already closed", id)
		}
		target, err := e.closeTarget(issue)
		if err != nil {
			return err
		}
		if err := e.applyStatusTx(ctx, tx, &issue, target, domain.EventClosed, actor); err != nil {
			return err
		}
		issue.UpdatedAt = e.nowStr()
		if err := e.Repo.UpdateIssueTx(ctx, tx, issue); err != nil {
			return db.MapErr(err, "update issue")
		}
		out = issue
		return nil
	})
	return out, err
}

// closeTarget picks the terminal done state reachable from the current
// status, deterministically by declaration order.
func (e *Engine) closeTarget(issue domain.Issue) (string, error) {
	tpl, err := e.Workflow.Type(issue.Type)
	if err != nil {
		return "", err
	}
	for _, tr := range tpl.Transitions {
		if tr.From != issue.Status {
			continue
		}
		def, ok := tpl.State(tr.To)
		if ok && def.Terminal && def.Category == domain.CategoryDone {
			return tr.To, nil
		}
	}
	return "", errs.Transition(nil, "no closing transition from %s for type %s", issue.Status, issue.Type)
}

// Reopen returns a done-category issue to its template's initial state.
func (e *Engine) Reopen(ctx context.Context, id, actor string) (domain.Issue, error) {
	var out domain.Issue
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		issue, err := e.Repo.GetIssueTx(ctx, tx, id)
		if err != nil {
			return err
		}
		cat, err := e.Workflow.ResolveCategory(issue.Type, issue.Status)
		if err != nil {
			return err
		}
		if cat != domain.CategoryDone {
			return errs.New(errs.KindValidation, "issue %s is not closed", id)
		}
		tpl, err := e.Workflow.Type(issue.Type)
		if err != nil {
			return err
		}
		old := issue.Status
		issue.Status = tpl.InitialState()
		issue.ClosedAt = nil
		issue.UpdatedAt = e.nowStr()
		if err := e.Repo.UpdateIssueTx(ctx, tx, issue); err != nil {
			return db.MapErr(err, "update issue")
		}
		if err := e.appendEvent(ctx, tx, issue.ID, domain.EventReopened, strPtr(old), strPtr(issue.Status), actor); err != nil {
			return err
		}
		out = issue
		return nil
	})
	return out, err
}

// Comment appends a comment row plus its audit event.
func (e *Engine) Comment(ctx context.Context, id, author, text string) (domain.Comment, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Comment{}, errs.New(errs.KindValidation, "comment text must not be empty")
	}
	if author == "" {
		author = DefaultActor
	}
	c := domain.Comment{IssueID: id, Author: author, Text: text, CreatedAt: e.nowStr()}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetIssueTx(ctx, tx, id); err != nil {
			return err
		}
		cid, err := e.Repo.InsertCommentTx(ctx, tx, c)
		if err != nil {
			return db.MapErr(err, "insert comment")
		}
		c.ID = cid
		return e.appendEvent(ctx, tx, id, domain.EventCommented, nil, strPtr(fmt.Sprintf("%d", cid)), author)
	})
	if err != nil {
		return domain.Comment{}, err
	}
	return c, nil
}

// RecordEvent is the public idempotent event-recording operation: repeated
// delivery of the same logical event is a no-op, not a duplicate row.
func (e *Engine) RecordEvent(ctx context.Context, evt domain.Event) (bool, error) {
	if _, ok := domain.ParseEventType(string(evt.Type)); !ok {
		return false, errs.New(errs.KindValidation, "unknown event type %q", evt.Type)
	}
	if evt.Actor == "" {
		evt.Actor = DefaultActor
	}
	if evt.CreatedAt == "" {
		evt.CreatedAt = e.nowStr()
	}
	var written bool
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetIssueTx(ctx, tx, evt.IssueID); err != nil {
			return err
		}
		w, err := e.Repo.AppendEventTx(ctx, tx, evt)
		if err != nil {
			return db.MapErr(err, "append event")
		}
		written = w
		return nil
	})
	return written, err
}
