// Package server exposes the local engine over a thin HTTP API. It is an
// optional front-end: all rules live in the engine, and the handler's only
// jobs are decoding requests and mapping taxonomy errors onto statuses.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"filigree/internal/app"
	"filigree/internal/domain"
	"filigree/internal/engine"
	"filigree/internal/errs"
	"filigree/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
}

type apiErrorBody struct {
	Code    string   `json:"code" example:"transition"`
	Message string   `json:"message" example:"transition in_progress -> done blocked"`
	Missing []string `json:"missing,omitempty" example:"[\"resolution\"]"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the filigree API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, _ ...error) huma.StatusError {
		return &apiError{status: status, Body: apiErrorBody{Code: codeForStatus(status), Message: msg}}
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	hcfg := huma.DefaultConfig("Filigree API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerIssues(group, cfg.App)
	registerClaims(group, cfg.App)
	registerGraph(group, cfg.App)
	registerEvents(group, cfg.App)
	registerBundles(group, cfg.App)
	registerFindings(group, cfg.App)

	return router, nil
}

// handleError maps taxonomy kinds onto statuses. Anything without a kind is
// an internal error.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var status int
	switch errs.KindOf(err) {
	case errs.KindValidation, errs.KindSchema:
		status = http.StatusBadRequest
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict, errs.KindCycle, errs.KindInvalidState:
		status = http.StatusConflict
	case errs.KindTransition, errs.KindUnsupportedUndo:
		status = http.StatusUnprocessableEntity
	case errs.KindLockTimeout:
		status = http.StatusServiceUnavailable
	default:
		return &apiError{status: http.StatusInternalServerError, Body: apiErrorBody{Code: "internal_error", Message: "internal error"}}
	}
	return &apiError{status: status, Body: apiErrorBody{
		Code:    string(errs.KindOf(err)),
		Message: err.Error(),
		Missing: errs.MissingFields(err),
	}}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "transition"
	case http.StatusServiceUnavailable:
		return "lock_timeout"
	}
	return "internal_error"
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type issueBody struct {
	Body domain.Issue `json:"body"`
}

type issueListBody struct {
	Body []domain.Issue `json:"body"`
}

func registerIssues(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/issues",
		Summary:       "Create issue",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Type      string         `json:"type"`
			Title     string         `json:"title"`
			Body      string         `json:"body,omitempty"`
			Priority  int            `json:"priority,omitempty"`
			Fields    map[string]any `json:"fields,omitempty"`
			ParentID  string         `json:"parent_id,omitempty"`
			DependsOn []string       `json:"depends_on,omitempty"`
			Actor     string         `json:"actor,omitempty"`
		} `json:"body"`
	}) (*issueBody, error) {
		issue, err := a.Engine.Create(ctx, engine.CreateOptions{
			Type:      input.Body.Type,
			Title:     input.Body.Title,
			Body:      input.Body.Body,
			Priority:  input.Body.Priority,
			Fields:    input.Body.Fields,
			ParentID:  input.Body.ParentID,
			DependsOn: input.Body.DependsOn,
			Actor:     input.Body.Actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{id}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*issueBody, error) {
		issue, err := a.Engine.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		Status   string `query:"status"`
		Parent   string `query:"parent"`
		Assignee string `query:"assignee"`
		Limit    int    `query:"limit"`
		Offset   int    `query:"offset"`
	}) (*issueListBody, error) {
		issues, err := a.Engine.Repo.ListIssues(ctx, repo.IssueFilters{
			Type:     input.Type,
			Status:   input.Status,
			Parent:   input.Parent,
			Assignee: input.Assignee,
			Page:     repo.Page{Limit: input.Limit, Offset: input.Offset},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &issueListBody{Body: issues}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-issue",
		Method:      http.MethodPatch,
		Path:        "/issues/{id}",
		Summary:     "Update issue",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Status   *string        `json:"status,omitempty"`
			Title    *string        `json:"title,omitempty"`
			Body     *string        `json:"body,omitempty"`
			Priority *int           `json:"priority,omitempty"`
			Fields   map[string]any `json:"fields,omitempty"`
			Parent   *string        `json:"parent,omitempty"`
			Actor    string         `json:"actor,omitempty"`
		} `json:"body"`
	}) (*issueBody, error) {
		issue, err := a.Engine.Update(ctx, engine.UpdateOptions{
			ID:       input.ID,
			Status:   input.Body.Status,
			Title:    input.Body.Title,
			Body:     input.Body.Body,
			Priority: input.Body.Priority,
			Fields:   input.Body.Fields,
			Parent:   input.Body.Parent,
			Actor:    input.Body.Actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/close",
		Summary:     "Close issue",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Actor string `json:"actor,omitempty"`
		} `json:"body"`
	}) (*issueBody, error) {
		issue, err := a.Engine.Close(ctx, input.ID, input.Body.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/reopen",
		Summary:     "Reopen issue",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Actor string `json:"actor,omitempty"`
		} `json:"body"`
	}) (*issueBody, error) {
		issue, err := a.Engine.Reopen(ctx, input.ID, input.Body.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-issues",
		Method:      http.MethodGet,
		Path:        "/search",
		Summary:     "Full-text search over titles and bodies",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Q      string `query:"q"`
		Limit  int    `query:"limit"`
		Offset int    `query:"offset"`
	}) (*issueListBody, error) {
		issues, err := a.Engine.Repo.SearchIssues(ctx, input.Q, repo.Page{Limit: input.Limit, Offset: input.Offset})
		if err != nil {
			return nil, handleError(err)
		}
		return &issueListBody{Body: issues}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "undo-last",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/undo",
		Summary:     "Undo the most recent event on an issue",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Actor string `json:"actor,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		evt, err := a.Engine.UndoLast(ctx, input.ID, input.Body.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: evt}, nil
	})
}

func registerClaims(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/claim",
		Summary:     "Claim issue",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Assignee string `json:"assignee"`
		} `json:"body"`
	}) (*issueBody, error) {
		issue, err := a.Engine.Claim(ctx, input.ID, input.Body.Assignee)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-next",
		Method:      http.MethodPost,
		Path:        "/issues/next",
		Summary:     "Claim the next ready issue",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Assignee string `json:"assignee"`
			Type     string `json:"type,omitempty"`
		} `json:"body"`
	}) (*issueBody, error) {
		issue, err := a.Engine.ClaimNext(ctx, engine.NextFilters{Type: input.Body.Type}, input.Body.Assignee)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/release",
		Summary:     "Release a claimed issue",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Assignee string `json:"assignee,omitempty"`
		} `json:"body"`
	}) (*issueBody, error) {
		issue, err := a.Engine.Release(ctx, input.ID, input.Body.Assignee)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})
}

func registerGraph(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-dependency",
		Method:        http.MethodPost,
		Path:          "/issues/{id}/deps",
		Summary:       "Add dependency edge",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			DependsOn string `json:"depends_on"`
			Actor     string `json:"actor,omitempty"`
		} `json:"body"`
	}) (*struct{}, error) {
		if err := a.Graph.AddDependency(ctx, input.ID, input.Body.DependsOn, input.Body.Actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-dependency",
		Method:      http.MethodDelete,
		Path:        "/issues/{id}/deps/{depends_on}",
		Summary:     "Remove dependency edge",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID        string `path:"id"`
		DependsOn string `path:"depends_on"`
	}) (*struct{}, error) {
		if err := a.Graph.RemoveDependency(ctx, input.ID, input.DependsOn, ""); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ready-issues",
		Method:      http.MethodGet,
		Path:        "/graph/ready",
		Summary:     "Issues with no unfinished prerequisites",
	}, func(ctx context.Context, _ *struct{}) (*issueListBody, error) {
		issues, err := a.Graph.Ready(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueListBody{Body: issues}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "blocked-issues",
		Method:      http.MethodGet,
		Path:        "/graph/blocked",
		Summary:     "Issues waiting on unfinished prerequisites",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []graphBlocked `json:"body"`
	}, error) {
		blocked, err := a.Graph.Blocked(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]graphBlocked, len(blocked))
		for i, b := range blocked {
			out[i] = graphBlocked{Issue: b.Issue, BlockedBy: b.BlockedBy}
		}
		return &struct {
			Body []graphBlocked `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "critical-path",
		Method:      http.MethodGet,
		Path:        "/graph/path",
		Summary:     "Longest weighted prerequisite chain",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*issueListBody, error) {
		chain, err := a.Graph.CriticalPath(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueListBody{Body: chain}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plan-tree",
		Method:      http.MethodGet,
		Path:        "/graph/tree/{id}",
		Summary:     "Parent tree with progress rollup",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body *domain.PlanNode `json:"body"`
	}, error) {
		tree, err := a.Graph.PlanTree(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *domain.PlanNode `json:"body"`
		}{Body: tree}, nil
	})
}

type graphBlocked struct {
	Issue     domain.Issue `json:"issue"`
	BlockedBy []string     `json:"blocked_by"`
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		IssueID string `query:"issue"`
		Type    string `query:"type"`
		Limit   int    `query:"limit"`
		Offset  int    `query:"offset"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		events, err := a.Engine.Repo.ListEvents(ctx, repo.EventFilters{
			IssueID: input.IssueID,
			Type:    input.Type,
			Page:    repo.Page{Limit: input.Limit, Offset: input.Offset},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-closed",
		Method:      http.MethodPost,
		Path:        "/archive",
		Summary:     "Archive closed issues older than the cutoff",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			OlderThanDays int    `json:"older_than_days"`
			Actor         string `json:"actor,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body engine.ArchiveResult `json:"body"`
	}, error) {
		res, err := a.Engine.ArchiveClosed(ctx, time.Duration(input.Body.OlderThanDays)*24*time.Hour, input.Body.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ArchiveResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerBundles(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "export-bundle",
		Method:      http.MethodGet,
		Path:        "/bundle",
		Summary:     "Export the full store",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Bundle `json:"body"`
	}, error) {
		b, err := a.Engine.ExportAll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bundle `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-bundle",
		Method:      http.MethodPost,
		Path:        "/bundle",
		Summary:     "Import a bundle transactionally",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Merge bool          `query:"merge"`
		Body  domain.Bundle `json:"body"`
	}) (*struct {
		Body engine.ImportStats `json:"body"`
	}, error) {
		stats, err := a.Engine.ImportBulk(ctx, input.Body, input.Merge)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ImportStats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerFindings(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "ingest-findings",
		Method:      http.MethodPost,
		Path:        "/findings",
		Summary:     "Ingest a scan batch",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Findings  []engine.FindingInput `json:"findings"`
			Threshold string                `json:"threshold,omitempty"`
			Actor     string                `json:"actor,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body engine.IngestResult `json:"body"`
	}, error) {
		opts := engine.IngestOptions{
			Threshold:  domain.Severity(input.Body.Threshold),
			AutoCreate: a.Config.Findings.AutoCreate,
			Actor:      input.Body.Actor,
		}
		if input.Body.Threshold == "" {
			opts.Threshold = domain.Severity(a.Config.Findings.Threshold)
		}
		res, err := a.Engine.IngestFindings(ctx, input.Body.Findings, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IngestResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-findings",
		Method:      http.MethodGet,
		Path:        "/findings",
		Summary:     "List stored findings",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Rule        string `query:"rule"`
		MinSeverity string `query:"min_severity"`
		Limit       int    `query:"limit"`
		Offset      int    `query:"offset"`
	}) (*struct {
		Body []domain.Finding `json:"body"`
	}, error) {
		findings, err := a.Engine.ListFindings(ctx, repo.FindingFilters{
			Rule:        input.Rule,
			MinSeverity: domain.Severity(input.MinSeverity),
			Page:        repo.Page{Limit: input.Limit, Offset: input.Offset},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Finding `json:"body"`
		}{Body: findings}, nil
	})
}
