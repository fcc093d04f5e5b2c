// Package transform implements the TransformPipeline: a declarative,
// priority-ordered sequence of set/remove/rename/template operations
// applied to a tool call's arguments or response tree before it
// continues through the Gate.
//
// No direct precedent exists elsewhere in this codebase (typed
// Postgres-row DTOs are the norm, never a declarative rewrite pipeline
// over arbitrary trees), so this package is new plumbing, built
// directly over jsonvalue in the same naming and comment idiom.
package transform

import (
	"fmt"
	"sort"
	"strings"

	"github.com/walker77/paygate-core/pkg/jsonvalue"
)

// OpKind is the kind of rewrite a Rule performs.
type OpKind int

const (
	OpSet OpKind = iota
	OpRemove
	OpRename
	OpTemplate
)

// Rule is one declarative rewrite step.
type Rule struct {
	Name     string
	Priority int // lower runs first
	Op       OpKind
	Path     string // target path for Set/Remove/Template; source for Rename
	To       string // destination path, Rename only
	Value    jsonvalue.Value // literal value, Set only
	Template string          // "{{field}}" style template, Template only
}

// Result reports what happened applying a pipeline to one document.
type Result struct {
	Value    jsonvalue.Value
	Applied  []string // names of rules that fired
	Errors   []string // names of rules that errored, with reason folded in
}

// Pipeline holds an ordered (by Priority, ties in insertion order) set of
// rules for one stage (arguments or response).
type Pipeline struct {
	rules []Rule
}

// New creates a Pipeline from rules, sorted by Priority.
func New(rules []Rule) *Pipeline {
	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &Pipeline{rules: sorted}
}

// Apply runs every rule against a clone of input, guaranteeing the
// caller's original value is never mutated. A rule that fails (a Rename
// whose source is missing, a Template placeholder that does not resolve,
// a Set that cannot be applied) is recorded as an error and skipped; a
// Remove of a missing path counts as applied. The pipeline always
// continues to the next rule rather than aborting.
func (p *Pipeline) Apply(input jsonvalue.Value) Result {
	out := input.Clone()
	res := Result{Value: out}

	for _, rule := range p.rules {
		if err := applyRule(&res.Value, rule); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", rule.Name, err))
			continue
		}
		res.Applied = append(res.Applied, rule.Name)
	}
	return res
}

func applyRule(v *jsonvalue.Value, rule Rule) error {
	switch rule.Op {
	case OpSet:
		return v.Set(rule.Path, rule.Value)
	case OpRemove:
		v.Remove(rule.Path)
		return nil
	case OpRename:
		if !v.Rename(rule.Path, rule.To) {
			return fmt.Errorf("rename source path %q not found", rule.Path)
		}
		return nil
	case OpTemplate:
		rendered, err := renderTemplate(*v, rule.Template)
		if err != nil {
			return err
		}
		return v.Set(rule.Path, jsonvalue.String(rendered))
	default:
		return fmt.Errorf("unknown op kind %d", rule.Op)
	}
}

// renderTemplate expands "{{dotted.path}}" placeholders against v,
// substituting each resolved leaf's string form. A placeholder whose
// path does not resolve to a string or number is an error.
func renderTemplate(v jsonvalue.Value, tmpl string) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end == -1 {
			return "", fmt.Errorf("unterminated template placeholder in %q", tmpl)
		}
		end += start

		b.WriteString(rest[:start])
		path := strings.TrimSpace(rest[start+2 : end])
		field, ok := v.Get(path)
		if !ok {
			return "", fmt.Errorf("template path %q not found", path)
		}
		switch field.Kind {
		case jsonvalue.KindString:
			b.WriteString(field.Str)
		case jsonvalue.KindNumber:
			fmt.Fprintf(&b, "%v", field.Number)
		case jsonvalue.KindBool:
			fmt.Fprintf(&b, "%v", field.Bool)
		default:
			return "", fmt.Errorf("template path %q is not a scalar", path)
		}
		rest = rest[end+2:]
	}
	return b.String(), nil
}
