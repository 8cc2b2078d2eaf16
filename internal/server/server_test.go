package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"filigree/internal/app"
	"filigree/internal/errs"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	a, err := app.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	h, err := New(Config{App: a})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return h
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIssueLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v0/issues", map[string]any{
		"type": "task", "title": "over the wire",
	})
	if rec.Code != http.StatusOK && rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Status != "open" {
		t.Fatalf("created = %+v", created)
	}

	rec = do(t, h, http.MethodGet, "/v0/issues/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
}

func TestErrorKindsMapToStatus(t *testing.T) {
	h := newTestServer(t)

	// Unknown issue -> 404.
	if rec := do(t, h, http.MethodGet, "/v0/issues/fil-404", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing issue status = %d", rec.Code)
	}
	// Missing title -> 400 from the core validator.
	if rec := do(t, h, http.MethodPost, "/v0/issues", map[string]any{"type": "task", "title": ""}); rec.Code != http.StatusBadRequest &&
		rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank title status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		kind errs.Kind
		want int
	}{
		{errs.KindValidation, http.StatusBadRequest},
		{errs.KindSchema, http.StatusBadRequest},
		{errs.KindNotFound, http.StatusNotFound},
		{errs.KindConflict, http.StatusConflict},
		{errs.KindCycle, http.StatusConflict},
		{errs.KindInvalidState, http.StatusConflict},
		{errs.KindTransition, http.StatusUnprocessableEntity},
		{errs.KindUnsupportedUndo, http.StatusUnprocessableEntity},
		{errs.KindLockTimeout, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		got := handleError(errs.New(tc.kind, "boom"))
		if got.GetStatus() != tc.want {
			t.Errorf("%s -> %d, want %d", tc.kind, got.GetStatus(), tc.want)
		}
	}
	if handleError(nil) != nil {
		t.Error("nil error mapped to a status")
	}
}
