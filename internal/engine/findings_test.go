package engine

import (
	"context"
	"testing"
	"time"

	"filigree/internal/domain"
	"filigree/internal/errs"
	"filigree/internal/repo"
)

func TestIngestFindingsDeduplicates(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	batch := []FindingInput{
		{Path: "main.go", Rule: "nilcheck", Severity: "low", Message: "possible nil deref"},
		{Path: "db.go", Rule: "sqlclose", Severity: "medium", Message: "rows not closed"},
	}
	res, err := e.IngestFindings(ctx, batch, IngestOptions{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Written != 2 || res.Duplicates != 0 {
		t.Fatalf("first batch: %+v", res)
	}

	// Redelivering the same batch writes nothing new.
	res, err = e.IngestFindings(ctx, batch, IngestOptions{})
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if res.Written != 0 || res.Duplicates != 2 {
		t.Fatalf("second batch: %+v", res)
	}

	found, err := e.ListFindings(ctx, repo.FindingFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("stored findings = %d", len(found))
	}
}

func TestIngestFindingsAutoCreatesAboveThreshold(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	res, err := e.IngestFindings(ctx, []FindingInput{
		{Path: "auth.go", Rule: "hardcoded-secret", Severity: "critical", Message: "credential in source"},
		{Path: "util.go", Rule: "unused-var", Severity: "low", Message: "x is never read"},
	}, IngestOptions{AutoCreate: true, Actor: "scanner"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Written != 2 || res.IssuesCreated != 1 {
		t.Fatalf("res = %+v", res)
	}

	found, err := e.ListFindings(ctx, repo.FindingFilters{MinSeverity: domain.SeverityCritical})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].IssueID == nil {
		t.Fatalf("critical finding not linked: %+v", found)
	}
	issue, err := e.Get(ctx, *found[0].IssueID)
	if err != nil {
		t.Fatal(err)
	}
	if issue.Type != "finding" || issue.Priority != 0 {
		t.Fatalf("linked issue = %+v", issue)
	}

	// A redelivered critical finding must not spawn a second issue.
	res, err = e.IngestFindings(ctx, []FindingInput{
		{Path: "auth.go", Rule: "hardcoded-secret", Severity: "critical", Message: "credential in source"},
	}, IngestOptions{AutoCreate: true, Actor: "scanner"})
	if err != nil {
		t.Fatal(err)
	}
	if res.IssuesCreated != 0 || res.Duplicates != 1 {
		t.Fatalf("redelivery = %+v", res)
	}
}

func TestIngestFindingsValidatesBeforeWriting(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.IngestFindings(ctx, []FindingInput{
		{Path: "ok.go", Rule: "fine", Severity: "low", Message: "ok"},
		{Path: "bad.go", Rule: "broken", Severity: "apocalyptic", Message: "??"},
	}, IngestOptions{})
	if !errs.Is(err, errs.KindValidation) {
		t.Fatalf("bad severity: %v", err)
	}
	found, err := e.ListFindings(ctx, repo.FindingFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Fatalf("partial batch leaked %d findings", len(found))
	}

	if _, err := e.IngestFindings(ctx, []FindingInput{
		{Path: "", Rule: "r", Severity: "low", Message: "m"},
	}, IngestOptions{}); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("blank path: %v", err)
	}
	if _, err := e.IngestFindings(ctx, nil, IngestOptions{Threshold: domain.Severity("mild")}); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("bad threshold: %v", err)
	}
}

func TestListFindingsSeverityFilterSpansPages(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	if _, err := e.IngestFindings(ctx, []FindingInput{
		{Path: "a.go", Rule: "r1", Severity: "low", Message: "one"},
		{Path: "b.go", Rule: "r2", Severity: "high", Message: "two"},
		{Path: "c.go", Rule: "r3", Severity: "critical", Message: "three"},
	}, IngestOptions{}); err != nil {
		t.Fatal(err)
	}

	// The page window must apply after the severity filter, not before.
	found, err := e.ListFindings(ctx, repo.FindingFilters{
		MinSeverity: domain.SeverityHigh,
		Page:        repo.Page{Limit: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("findings = %d", len(found))
	}
	for _, f := range found {
		if f.Severity.Rank() < domain.SeverityHigh.Rank() {
			t.Fatalf("below-threshold row: %+v", f)
		}
	}

	if _, err := e.ListFindings(ctx, repo.FindingFilters{MinSeverity: domain.Severity("mild")}); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("bad min severity: %v", err)
	}
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint("main.go", "nilcheck", "possible nil deref")
	b := Fingerprint("main.go", "nilcheck", "possible nil deref")
	if a != b {
		t.Fatalf("fingerprint unstable: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d", len(a))
	}
	if Fingerprint("other.go", "nilcheck", "possible nil deref") == a {
		t.Fatal("distinct inputs collided")
	}
}

func TestAllowScanCooldown(t *testing.T) {
	e := newTestEnv(t)
	e.ScanCooldown = 10 * time.Second

	if !e.AllowScan() {
		t.Fatal("first scan refused")
	}
	// The test clock advances one second per reading, well inside the window.
	if e.AllowScan() {
		t.Fatal("second scan allowed inside cooldown")
	}
	e.ScanCooldown = time.Second
	if !e.AllowScan() {
		t.Fatal("scan refused after cooldown elapsed")
	}
}
