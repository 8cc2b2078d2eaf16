// Package workflow is the pure, store-independent template engine: per-type
// state machines, field schemas, and transition gates loaded from layered
// pack sources.
package workflow

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"filigree/internal/domain"
	"filigree/internal/errs"
)

// Fixed per-type limits bounding worst-case validation cost. Oversize packs
// are rejected at load time.
const (
	MaxStatesPerType      = 50
	MaxTransitionsPerType = 200
	MaxFieldsPerType      = 100
)

type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
)

func parseFieldType(s string) (FieldType, bool) {
	switch FieldType(s) {
	case FieldString, FieldInt, FieldFloat, FieldBool:
		return FieldType(s), true
	case "":
		return FieldString, true
	}
	return "", false
}

type FieldSchema struct {
	Name     string
	Type     FieldType
	Required bool
}

type StateDefinition struct {
	Name     string
	Category domain.Category
	Initial  bool
	Terminal bool
}

type TransitionDefinition struct {
	From           string
	To             string
	Enforcement    domain.Enforcement
	RequiredFields []string
}

// TypeTemplate is one issue type's full definition. Exactly one state is
// initial; (from,to) pairs are unique; every transition endpoint is declared.
type TypeTemplate struct {
	Name        string
	States      []StateDefinition
	Transitions []TransitionDefinition
	Fields      []FieldSchema

	initial string
	states  map[string]StateDefinition
}

// InitialState returns the state new issues of this type start in.
func (t *TypeTemplate) InitialState() string { return t.initial }

// State looks up a declared state by name.
func (t *TypeTemplate) State(name string) (StateDefinition, bool) {
	s, ok := t.states[name]
	return s, ok
}

// Field looks up a declared field schema by name.
func (t *TypeTemplate) Field(name string) (FieldSchema, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSchema{}, false
}

// Pack bundles related issue types under a name.
type Pack struct {
	Name  string
	Types []*TypeTemplate
}

// --- YAML wire shapes ---

type packFile struct {
	Name  string                  `yaml:"name"`
	Types map[string]typeTemplate `yaml:"types"`
}

type typeTemplate struct {
	States      []stateDef      `yaml:"states"`
	Transitions []transitionDef `yaml:"transitions"`
	Fields      []fieldDef      `yaml:"fields"`
}

type stateDef struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Initial  bool   `yaml:"initial"`
	Terminal bool   `yaml:"terminal"`
}

type transitionDef struct {
	From        string   `yaml:"from"`
	To          string   `yaml:"to"`
	Enforcement string   `yaml:"enforcement"`
	Requires    []string `yaml:"requires"`
}

type fieldDef struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

// ParsePack parses and validates a pack from YAML. All boundary rules live
// here: enforcement and category are closed enums, duplicate (from,to) pairs
// and dangling state references are load errors, limits are enforced.
func ParsePack(data []byte) (*Pack, error) {
	var pf packFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "invalid pack yaml")
	}
	if pf.Name == "" {
		return nil, errs.New(errs.KindValidation, "pack name is required")
	}
	pack := &Pack{Name: pf.Name}
	names := make([]string, 0, len(pf.Types))
	for name := range pf.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tpl, err := buildTemplate(pf.Name, name, pf.Types[name])
		if err != nil {
			return nil, err
		}
		pack.Types = append(pack.Types, tpl)
	}
	if len(pack.Types) == 0 {
		return nil, errs.New(errs.KindValidation, "pack %s declares no types", pf.Name)
	}
	return pack, nil
}

func buildTemplate(packName, typeName string, raw typeTemplate) (*TypeTemplate, error) {
	where := fmt.Sprintf("pack %s type %s", packName, typeName)
	if len(raw.States) == 0 {
		return nil, errs.New(errs.KindValidation, "%s: no states", where)
	}
	if len(raw.States) > MaxStatesPerType {
		return nil, errs.New(errs.KindValidation, "%s: %d states exceeds limit %d", where, len(raw.States), MaxStatesPerType)
	}
	if len(raw.Transitions) > MaxTransitionsPerType {
		return nil, errs.New(errs.KindValidation, "%s: %d transitions exceeds limit %d", where, len(raw.Transitions), MaxTransitionsPerType)
	}
	if len(raw.Fields) > MaxFieldsPerType {
		return nil, errs.New(errs.KindValidation, "%s: %d fields exceeds limit %d", where, len(raw.Fields), MaxFieldsPerType)
	}

	tpl := &TypeTemplate{Name: typeName, states: make(map[string]StateDefinition, len(raw.States))}
	for _, s := range raw.States {
		if s.Name == "" {
			return nil, errs.New(errs.KindValidation, "%s: state with empty name", where)
		}
		if s.Name == domain.StatusArchived {
			return nil, errs.New(errs.KindValidation, "%s: state name %q is reserved", where, s.Name)
		}
		if _, dup := tpl.states[s.Name]; dup {
			return nil, errs.New(errs.KindValidation, "%s: duplicate state %s", where, s.Name)
		}
		cat, ok := domain.ParseCategory(s.Category)
		if !ok {
			return nil, errs.New(errs.KindValidation, "%s: state %s has unknown category %q", where, s.Name, s.Category)
		}
		def := StateDefinition{Name: s.Name, Category: cat, Initial: s.Initial, Terminal: s.Terminal}
		tpl.states[s.Name] = def
		tpl.States = append(tpl.States, def)
		if s.Initial {
			if tpl.initial != "" {
				return nil, errs.New(errs.KindValidation, "%s: multiple initial states (%s, %s)", where, tpl.initial, s.Name)
			}
			tpl.initial = s.Name
		}
	}
	if tpl.initial == "" {
		return nil, errs.New(errs.KindValidation, "%s: no initial state", where)
	}

	seen := make(map[[2]string]bool, len(raw.Transitions))
	for _, tr := range raw.Transitions {
		if _, ok := tpl.states[tr.From]; !ok {
			return nil, errs.New(errs.KindValidation, "%s: transition from undeclared state %q", where, tr.From)
		}
		if _, ok := tpl.states[tr.To]; !ok {
			return nil, errs.New(errs.KindValidation, "%s: transition to undeclared state %q", where, tr.To)
		}
		key := [2]string{tr.From, tr.To}
		if seen[key] {
			return nil, errs.New(errs.KindValidation, "%s: duplicate transition %s -> %s", where, tr.From, tr.To)
		}
		seen[key] = true
		enf := tr.Enforcement
		if enf == "" {
			enf = string(domain.EnforceHard)
		}
		level, ok := domain.ParseEnforcement(enf)
		if !ok {
			return nil, errs.New(errs.KindValidation, "%s: transition %s -> %s has unknown enforcement %q", where, tr.From, tr.To, tr.Enforcement)
		}
		tpl.Transitions = append(tpl.Transitions, TransitionDefinition{
			From:           tr.From,
			To:             tr.To,
			Enforcement:    level,
			RequiredFields: tr.Requires,
		})
	}

	fieldNames := make(map[string]bool, len(raw.Fields))
	for _, f := range raw.Fields {
		if f.Name == "" {
			return nil, errs.New(errs.KindValidation, "%s: field with empty name", where)
		}
		if fieldNames[f.Name] {
			return nil, errs.New(errs.KindValidation, "%s: duplicate field %s", where, f.Name)
		}
		fieldNames[f.Name] = true
		ft, ok := parseFieldType(f.Type)
		if !ok {
			return nil, errs.New(errs.KindValidation, "%s: field %s has unknown type %q", where, f.Name, f.Type)
		}
		tpl.Fields = append(tpl.Fields, FieldSchema{Name: f.Name, Type: ft, Required: f.Required})
	}
	for _, tr := range tpl.Transitions {
		for _, req := range tr.RequiredFields {
			if !fieldNames[req] {
				return nil, errs.New(errs.KindValidation, "%s: transition %s -> %s requires undeclared field %q", where, tr.From, tr.To, req)
			}
		}
	}
	return tpl, nil
}
