package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"filigree/internal/db"
	"filigree/internal/domain"
	"filigree/internal/errs"
	"filigree/internal/repo"
)

// FindingInput is one externally sourced scan result.
type FindingInput struct {
	Path     string `json:"path"`
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// IngestOptions tune one ingestion batch. Findings at or above Threshold get
// a linked tracking issue when AutoCreate is set.
type IngestOptions struct {
	Threshold  domain.Severity
	AutoCreate bool
	Actor      string
}

// IngestResult reports the outcome of one batch.
type IngestResult struct {
	Written       int `json:"written"`
	Duplicates    int `json:"duplicates"`
	IssuesCreated int `json:"issues_created"`
}

// Fingerprint derives the stable identity of a finding from its content.
func Fingerprint(path, rule, message string) string {
	sum := sha256.Sum256([]byte(path + "|" + rule + "|" + message))
	return hex.EncodeToString(sum[:])
}

// IngestFindings loads a scan batch: every input validates before any write,
// the whole batch commits in one transaction, and redelivered findings are
// counted as duplicates rather than re-inserted. Findings at or above the
// threshold get a linked issue of the finding type.
func (e *Engine) IngestFindings(ctx context.Context, inputs []FindingInput, opts IngestOptions) (IngestResult, error) {
	if opts.Threshold == "" {
		opts.Threshold = domain.SeverityHigh
	}
	if _, ok := domain.ParseSeverity(string(opts.Threshold)); !ok {
		return IngestResult{}, errs.New(errs.KindValidation, "unknown severity threshold %q", opts.Threshold)
	}
	severities := make([]domain.Severity, len(inputs))
	for i, in := range inputs {
		if strings.TrimSpace(in.Path) == "" || strings.TrimSpace(in.Rule) == "" || strings.TrimSpace(in.Message) == "" {
			return IngestResult{}, errs.New(errs.KindValidation, "finding %d: path, rule, and message are required", i)
		}
		sev, ok := domain.ParseSeverity(in.Severity)
		if !ok {
			return IngestResult{}, errs.New(errs.KindValidation, "finding %d: unknown severity %q", i, in.Severity)
		}
		severities[i] = sev
	}

	var res IngestResult
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		res = IngestResult{}
		now := e.nowStr()
		for i, in := range inputs {
			f := domain.Finding{
				Path:        in.Path,
				Rule:        in.Rule,
				Severity:    severities[i],
				Message:     in.Message,
				Fingerprint: Fingerprint(in.Path, in.Rule, in.Message),
				CreatedAt:   now,
			}
			if opts.AutoCreate && severities[i].Rank() >= opts.Threshold.Rank() {
				issueID, err := e.findingIssueTx(ctx, tx, f, opts.Actor)
				if err != nil {
					return err
				}
				if issueID != "" {
					f.IssueID = &issueID
					res.IssuesCreated++
				}
			}
			wrote, err := e.Repo.InsertFindingTx(ctx, tx, f)
			if err != nil {
				return db.MapErr(err, "insert finding")
			}
			if wrote {
				res.Written++
			} else {
				res.Duplicates++
			}
		}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	return res, nil
}

// findingIssueTx creates the linked tracking issue for one above-threshold
// finding, unless the fingerprint was already ingested (the existing row
// keeps its link). Returns "" when nothing was created.
func (e *Engine) findingIssueTx(ctx context.Context, tx *sql.Tx, f domain.Finding, actor string) (string, error) {
	var existing int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM findings WHERE fingerprint=?`, f.Fingerprint).Scan(&existing)
	if err != nil {
		return "", err
	}
	if existing > 0 {
		return "", nil
	}
	tpl, err := e.Workflow.Type("finding")
	if err != nil {
		// No finding type in the active pack set: record without a link.
		return "", nil
	}
	id, err := e.Repo.NextIssueIDTx(ctx, tx, e.IDPrefix)
	if err != nil {
		return "", err
	}
	now := e.nowStr()
	issue := domain.Issue{
		ID:       id,
		Type:     tpl.Name,
		Status:   tpl.InitialState(),
		Priority: priorityFor(f.Severity),
		Title:    fmt.Sprintf("%s: %s", f.Rule, f.Message),
		Fields: map[string]any{
			"path": f.Path,
			"rule": f.Rule,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertIssueTx(ctx, tx, issue); err != nil {
		return "", db.MapErr(err, "insert finding issue")
	}
	if err := e.appendEvent(ctx, tx, id, domain.EventCreated, nil, strPtr(issue.Status), actor); err != nil {
		return "", err
	}
	return id, nil
}

func priorityFor(sev domain.Severity) int {
	switch sev {
	case domain.SeverityCritical:
		return 0
	case domain.SeverityHigh:
		return 1
	case domain.SeverityMedium:
		return 2
	}
	return 3
}

// ListFindings surfaces stored findings with optional rule and severity
// filters.
func (e *Engine) ListFindings(ctx context.Context, f repo.FindingFilters) ([]domain.Finding, error) {
	return e.Repo.ListFindings(ctx, f)
}
