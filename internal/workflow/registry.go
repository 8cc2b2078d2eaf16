package workflow

import (
	"fmt"
	"sort"

	"filigree/internal/domain"
	"filigree/internal/errs"
)

// Registry is the merged view of all active packs with O(1) category and
// transition lookup caches. It is immutable after Load; reloading the pack
// set builds a fresh Registry.
type Registry struct {
	types       map[string]*TypeTemplate
	categories  map[string]map[string]domain.Category
	transitions map[string]map[[2]string]*TransitionDefinition
	warnings    []string
}

// TransitionResult is the outcome of validating one status change.
type TransitionResult struct {
	Allowed       bool
	Missing       []string
	Warnings      []string
	Enforcement   domain.Enforcement
	ToTerminal    bool
	ToCategory    domain.Category
	HasTransition bool
}

// NewRegistry merges packs in order, later packs overriding earlier ones by
// type name, and builds the lookup caches.
func NewRegistry(packs ...*Pack) *Registry {
	r := &Registry{types: make(map[string]*TypeTemplate)}
	for _, p := range packs {
		for _, tpl := range p.Types {
			r.types[tpl.Name] = tpl
		}
	}
	r.rebuildCaches()
	return r
}

// rebuildCaches populates the per-type category and transition maps and runs
// breadth-first reachability from each initial state. Unreachable states are
// reported as warnings, not errors.
func (r *Registry) rebuildCaches() {
	r.categories = make(map[string]map[string]domain.Category, len(r.types))
	r.transitions = make(map[string]map[[2]string]*TransitionDefinition, len(r.types))
	r.warnings = nil

	names := r.TypeNames()
	for _, name := range names {
		tpl := r.types[name]
		cats := make(map[string]domain.Category, len(tpl.States))
		for _, s := range tpl.States {
			cats[s.Name] = s.Category
		}
		r.categories[name] = cats

		trans := make(map[[2]string]*TransitionDefinition, len(tpl.Transitions))
		adjacent := make(map[string][]string)
		for i := range tpl.Transitions {
			tr := &tpl.Transitions[i]
			trans[[2]string{tr.From, tr.To}] = tr
			adjacent[tr.From] = append(adjacent[tr.From], tr.To)
		}
		r.transitions[name] = trans

		for _, state := range unreachableStates(tpl, adjacent) {
			r.warnings = append(r.warnings, fmt.Sprintf("type %s: state %s unreachable from %s", name, state, tpl.InitialState()))
		}
	}
}

// unreachableStates walks breadth-first from the initial state.
func unreachableStates(tpl *TypeTemplate, adjacent map[string][]string) []string {
	visited := map[string]bool{tpl.InitialState(): true}
	queue := []string{tpl.InitialState()}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacent[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	var out []string
	for _, s := range tpl.States {
		if !visited[s.Name] {
			out = append(out, s.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Warnings reports non-fatal findings from the last cache build.
func (r *Registry) Warnings() []string { return r.warnings }

// TypeNames lists active type names sorted.
func (r *Registry) TypeNames() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Type resolves an active type template.
func (r *Registry) Type(name string) (*TypeTemplate, error) {
	tpl, ok := r.types[name]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "issue type %q not loaded", name)
	}
	return tpl, nil
}

// ResolveCategory is an O(1) lookup after cache build. The reserved archived
// status always classifies as done so archival never hides issues from
// category-based queries.
func (r *Registry) ResolveCategory(typeName, state string) (domain.Category, error) {
	if state == domain.StatusArchived {
		return domain.CategoryDone, nil
	}
	cats, ok := r.categories[typeName]
	if !ok {
		return "", errs.New(errs.KindNotFound, "issue type %q not loaded", typeName)
	}
	cat, ok := cats[state]
	if !ok {
		return "", errs.New(errs.KindValidation, "state %q not declared by type %s", state, typeName)
	}
	return cat, nil
}

// IsTerminal reports whether a state is terminal for the type. Archived
// counts as terminal.
func (r *Registry) IsTerminal(typeName, state string) (bool, error) {
	if state == domain.StatusArchived {
		return true, nil
	}
	tpl, err := r.Type(typeName)
	if err != nil {
		return false, err
	}
	def, ok := tpl.State(state)
	if !ok {
		return false, errs.New(errs.KindValidation, "state %q not declared by type %s", state, typeName)
	}
	return def.Terminal, nil
}

// ValidateTransition checks a status change against the type's machine.
// A hard gate with missing required fields yields Allowed=false; a soft gate
// allows with warnings. An undeclared (from,to) pair is not allowed.
func (r *Registry) ValidateTransition(typeName, from, to string, fields map[string]any) (TransitionResult, error) {
	tpl, err := r.Type(typeName)
	if err != nil {
		return TransitionResult{}, err
	}
	if _, ok := tpl.State(from); !ok {
		return TransitionResult{}, errs.New(errs.KindValidation, "state %q not declared by type %s", from, typeName)
	}
	toDef, ok := tpl.State(to)
	if !ok {
		return TransitionResult{}, errs.New(errs.KindValidation, "state %q not declared by type %s", to, typeName)
	}

	res := TransitionResult{ToTerminal: toDef.Terminal, ToCategory: toDef.Category}
	tr, ok := r.transitions[typeName][[2]string{from, to}]
	if !ok {
		res.Warnings = append(res.Warnings, fmt.Sprintf("no transition declared from %s to %s", from, to))
		return res, nil
	}
	res.HasTransition = true
	res.Enforcement = tr.Enforcement

	for _, name := range tr.RequiredFields {
		if !fieldPresent(fields, name) {
			res.Missing = append(res.Missing, name)
		}
	}
	switch {
	case len(res.Missing) == 0:
		res.Allowed = true
	case tr.Enforcement == domain.EnforceSoft:
		res.Allowed = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("transition %s -> %s missing fields: %v", from, to, res.Missing))
	default:
		res.Allowed = false
	}
	return res, nil
}

func fieldPresent(fields map[string]any, name string) bool {
	v, ok := fields[name]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return false
	}
	return true
}

// ValidateFields checks a field bag against the type's declared schema:
// undeclared names and type mismatches are rejected; when requireAll is set,
// required fields must be present (issue creation).
func (r *Registry) ValidateFields(typeName string, fields map[string]any, requireAll bool) error {
	tpl, err := r.Type(typeName)
	if err != nil {
		return err
	}
	for name, value := range fields {
		schema, ok := tpl.Field(name)
		if !ok {
			return errs.New(errs.KindValidation, "field %q not declared by type %s", name, typeName)
		}
		if value == nil {
			continue
		}
		if !typeMatches(schema.Type, value) {
			return errs.New(errs.KindValidation, "field %q: expected %s, got %T", name, schema.Type, value)
		}
	}
	if requireAll {
		for _, f := range tpl.Fields {
			if f.Required && !fieldPresent(fields, f.Name) {
				return errs.New(errs.KindValidation, "field %q is required for type %s", f.Name, typeName)
			}
		}
	}
	return nil
}

// typeMatches accepts the JSON decodings of each declared type. Numbers
// arrive as float64 from encoding/json; int fields accept integral values.
func typeMatches(ft FieldType, v any) bool {
	switch ft {
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldBool:
		_, ok := v.(bool)
		return ok
	case FieldFloat:
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case FieldInt:
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	}
	return false
}
