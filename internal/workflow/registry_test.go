package workflow

import (
	"fmt"
	"strings"
	"testing"

	"filigree/internal/domain"
	"filigree/internal/errs"
)

func mustParse(t *testing.T, yml string) *Pack {
	t.Helper()
	pack, err := ParsePack([]byte(yml))
	if err != nil {
		t.Fatalf("parse pack: %v", err)
	}
	return pack
}

const minimalPack = `
name: test
types:
  ticket:
    states:
      - { name: open, category: todo, initial: true }
      - { name: doing, category: in_progress }
      - { name: done, category: done, terminal: true }
    transitions:
      - { from: open, to: doing }
      - { from: doing, to: done, enforcement: hard, requires: [outcome] }
      - { from: doing, to: open }
    fields:
      - { name: outcome, type: string }
      - { name: points, type: int }
`

func TestParsePackRejectsBadShapes(t *testing.T) {
	cases := []struct {
		name string
		yml  string
		want string
	}{
		{"no name", `types: {t: {states: [{name: a, category: todo, initial: true}]}}`, "pack name"},
		{"no types", `{name: p, types: {}}`, "declares no types"},
		{"no states", `{name: p, types: {t: {states: []}}}`, "no states"},
		{"bad category", `{name: p, types: {t: {states: [{name: a, category: bogus, initial: true}]}}}`, "unknown category"},
		{"no initial", `{name: p, types: {t: {states: [{name: a, category: todo}]}}}`, "no initial state"},
		{"two initials", `{name: p, types: {t: {states: [{name: a, category: todo, initial: true}, {name: b, category: todo, initial: true}]}}}`, "multiple initial"},
		{"duplicate state", `{name: p, types: {t: {states: [{name: a, category: todo, initial: true}, {name: a, category: todo}]}}}`, "duplicate state"},
		{"reserved state", `{name: p, types: {t: {states: [{name: archived, category: done, initial: true}]}}}`, "reserved"},
		{"dangling transition", `{name: p, types: {t: {states: [{name: a, category: todo, initial: true}], transitions: [{from: a, to: b}]}}}`, "undeclared state"},
		{"duplicate transition", `{name: p, types: {t: {states: [{name: a, category: todo, initial: true}, {name: b, category: done}], transitions: [{from: a, to: b}, {from: a, to: b}]}}}`, "duplicate transition"},
		{"bad enforcement", `{name: p, types: {t: {states: [{name: a, category: todo, initial: true}, {name: b, category: done}], transitions: [{from: a, to: b, enforcement: maybe}]}}}`, "unknown enforcement"},
		{"undeclared required field", `{name: p, types: {t: {states: [{name: a, category: todo, initial: true}, {name: b, category: done}], transitions: [{from: a, to: b, requires: [ghost]}]}}}`, "undeclared field"},
		{"bad field type", `{name: p, types: {t: {states: [{name: a, category: todo, initial: true}], fields: [{name: x, type: blob}]}}}`, "unknown type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePack([]byte(tc.yml))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !errs.Is(err, errs.KindValidation) {
				t.Fatalf("expected validation kind, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestBuiltinPackLoads(t *testing.T) {
	pack, err := Builtin()
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	reg := NewRegistry(pack)
	for _, typ := range []string{"task", "bug", "feature", "epic", "chore", "finding"} {
		if _, err := reg.Type(typ); err != nil {
			t.Errorf("builtin type %s missing: %v", typ, err)
		}
	}
	if warnings := reg.Warnings(); len(warnings) != 0 {
		t.Errorf("builtin pack has warnings: %v", warnings)
	}
}

func TestRegistryMergeLaterPackWins(t *testing.T) {
	base := mustParse(t, minimalPack)
	override := mustParse(t, `
name: override
types:
  ticket:
    states:
      - { name: queued, category: todo, initial: true }
      - { name: shipped, category: done, terminal: true }
    transitions:
      - { from: queued, to: shipped }
`)
	reg := NewRegistry(base, override)
	tpl, err := reg.Type("ticket")
	if err != nil {
		t.Fatalf("type: %v", err)
	}
	if tpl.InitialState() != "queued" {
		t.Fatalf("expected override to win, initial = %s", tpl.InitialState())
	}
}

func TestResolveCategory(t *testing.T) {
	reg := NewRegistry(mustParse(t, minimalPack))
	cat, err := reg.ResolveCategory("ticket", "doing")
	if err != nil || cat != domain.CategoryInProgress {
		t.Fatalf("doing => %v, %v", cat, err)
	}
	// Reserved status classifies as done for every type.
	cat, err = reg.ResolveCategory("ticket", domain.StatusArchived)
	if err != nil || cat != domain.CategoryDone {
		t.Fatalf("archived => %v, %v", cat, err)
	}
	if _, err := reg.ResolveCategory("ticket", "nope"); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("undeclared state: %v", err)
	}
	if _, err := reg.ResolveCategory("ghost", "open"); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("unknown type: %v", err)
	}
}

func TestValidateTransitionHardGate(t *testing.T) {
	reg := NewRegistry(mustParse(t, minimalPack))

	res, err := reg.ValidateTransition("ticket", "doing", "done", nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Allowed {
		t.Fatal("hard gate with missing field must not allow")
	}
	if len(res.Missing) != 1 || res.Missing[0] != "outcome" {
		t.Fatalf("missing = %v", res.Missing)
	}

	res, err = reg.ValidateTransition("ticket", "doing", "done", map[string]any{"outcome": "shipped"})
	if err != nil || !res.Allowed {
		t.Fatalf("satisfied gate: allowed=%v err=%v", res.Allowed, err)
	}
	if !res.ToTerminal || res.ToCategory != domain.CategoryDone {
		t.Fatalf("terminal done expected, got %+v", res)
	}
}

func TestValidateTransitionSoftGateWarns(t *testing.T) {
	reg := NewRegistry(mustParse(t, `
name: p
types:
  t:
    states:
      - { name: a, category: todo, initial: true }
      - { name: b, category: done, terminal: true }
    transitions:
      - { from: a, to: b, enforcement: soft, requires: [note] }
    fields:
      - { name: note }
`))
	res, err := reg.ValidateTransition("t", "a", "b", nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Allowed {
		t.Fatal("soft gate must allow")
	}
	if len(res.Warnings) == 0 {
		t.Fatal("soft gate must warn about missing fields")
	}
}

func TestValidateTransitionUndeclaredPair(t *testing.T) {
	reg := NewRegistry(mustParse(t, minimalPack))
	res, err := reg.ValidateTransition("ticket", "open", "done", nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Allowed || res.HasTransition {
		t.Fatalf("undeclared pair must not allow: %+v", res)
	}
}

func TestValidateFields(t *testing.T) {
	reg := NewRegistry(mustParse(t, minimalPack))

	if err := reg.ValidateFields("ticket", map[string]any{"outcome": "ok", "points": float64(3)}, false); err != nil {
		t.Fatalf("valid bag rejected: %v", err)
	}
	if err := reg.ValidateFields("ticket", map[string]any{"ghost": 1}, false); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("undeclared field: %v", err)
	}
	if err := reg.ValidateFields("ticket", map[string]any{"points": "three"}, false); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("type mismatch: %v", err)
	}
	// JSON decodes ints as float64; non-integral values still fail int fields.
	if err := reg.ValidateFields("ticket", map[string]any{"points": 3.5}, false); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("fractional int: %v", err)
	}
}

func TestValidateFieldsRequireAll(t *testing.T) {
	reg := NewRegistry(mustParse(t, `
name: p
types:
  t:
    states:
      - { name: a, category: todo, initial: true }
    fields:
      - { name: owner, required: true }
`))
	if err := reg.ValidateFields("t", nil, true); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("missing required field on create: %v", err)
	}
	if err := reg.ValidateFields("t", map[string]any{"owner": "me"}, true); err != nil {
		t.Fatalf("satisfied required field: %v", err)
	}
}

func TestUnreachableStateWarns(t *testing.T) {
	reg := NewRegistry(mustParse(t, `
name: p
types:
  t:
    states:
      - { name: a, category: todo, initial: true }
      - { name: island, category: done }
`))
	found := false
	for _, w := range reg.Warnings() {
		if strings.Contains(w, "island") && strings.Contains(w, "unreachable") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unreachable warning, got %v", reg.Warnings())
	}
}

func TestPerTypeLimits(t *testing.T) {
	var b strings.Builder
	b.WriteString("name: p\ntypes:\n  t:\n    states:\n")
	b.WriteString("      - { name: s0, category: todo, initial: true }\n")
	for i := 1; i <= MaxStatesPerType; i++ {
		fmt.Fprintf(&b, "      - { name: s%d, category: todo }\n", i)
	}
	_, err := ParsePack([]byte(b.String()))
	if !errs.Is(err, errs.KindValidation) || !strings.Contains(err.Error(), "exceeds limit") {
		t.Fatalf("expected limit error, got %v", err)
	}
}
