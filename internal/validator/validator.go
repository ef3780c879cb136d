// Package validator checks rule documents for problems the daemon would only
// discover at run time.
package validator

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sbenjam1n/steward/internal/dispatch"
	"github.com/sbenjam1n/steward/internal/rules"
)

// Check names.
const (
	CheckParse      = "parse"
	CheckConditions = "has_conditions"
	CheckFallback   = "fallback_condition"
	CheckAction     = "action_resolves"
	CheckDuplicate  = "unique_name"
)

// Detail is the outcome of one check on one rule.
type Detail struct {
	Rule     string `json:"rule,omitempty"`
	Line     int    `json:"line,omitempty"`
	Check    string `json:"check"`
	Passed   bool   `json:"passed"`
	Warning  bool   `json:"warning,omitempty"`
	Expected string `json:"expected,omitempty"`
	Got      string `json:"got,omitempty"`
	Fix      string `json:"fix,omitempty"`
}

// Result collects every detail for a document. Warnings never fail it.
type Result struct {
	Path    string   `json:"path"`
	Passed  bool     `json:"passed"`
	Message string   `json:"message"`
	Details []Detail `json:"details"`
}

// Failures returns the details that failed and are not warnings.
func (r *Result) Failures() []Detail {
	var out []Detail
	for _, d := range r.Details {
		if !d.Passed && !d.Warning {
			out = append(out, d)
		}
	}
	return out
}

// Check validates doc against the bindings in reg plus the document's own.
func Check(doc *rules.Document, reg *dispatch.Registry) *Result {
	result := &Result{Path: doc.Path, Passed: true}

	own := dispatch.NewRegistry()
	for _, b := range doc.Bindings {
		own.Add(b.Name, b.Command)
	}
	reg = reg.Merge(own)

	for _, w := range doc.Warnings {
		result.Details = append(result.Details, Detail{
			Rule:    w.Section,
			Line:    w.Line,
			Check:   CheckParse,
			Passed:  false,
			Warning: true,
			Got:     w.Message,
			Fix:     fmt.Sprintf("Edit line %d of %s", w.Line, filepath.Base(doc.Path)),
		})
	}

	seen := make(map[string]int)
	for _, r := range doc.Rules {
		if first, ok := seen[r.Name]; ok {
			result.Details = append(result.Details, Detail{
				Rule:     r.Name,
				Line:     r.Line,
				Check:    CheckDuplicate,
				Warning:  true,
				Expected: "one section per rule name",
				Got:      fmt.Sprintf("also defined on line %d", first),
				Fix:      "Rename one of the sections; proposals are deduplicated by rule name.",
			})
		} else {
			seen[r.Name] = r.Line
		}

		if len(r.Conditions) == 0 {
			scope := "every record"
			if r.Source != "" {
				scope = "every record from " + r.Source
			}
			result.Details = append(result.Details, Detail{
				Rule:     r.Name,
				Line:     r.Line,
				Check:    CheckConditions,
				Warning:  true,
				Expected: "at least one condition",
				Got:      "none, matches " + scope,
				Fix:      "Add a Conditions: list, or keep it if the rule really applies to " + scope + ".",
			})
		}

		if n := countFallback(r.Conditions); n > 0 {
			result.Details = append(result.Details, Detail{
				Rule:     r.Name,
				Line:     r.Line,
				Check:    CheckFallback,
				Warning:  true,
				Expected: "field contains/in/domain in/comparison conditions",
				Got:      fmt.Sprintf("%d condition(s) matched against any field", n),
				Fix:      `Write them as <field> contains "<text>" to avoid matching unrelated fields.`,
			})
		}

		result.Details = append(result.Details, checkAction(r, reg))
	}

	if fails := result.Failures(); len(fails) > 0 {
		result.Passed = false
		result.Message = fmt.Sprintf("%d rule(s) failed, %d checked", len(fails), len(doc.Rules))
	} else {
		result.Message = fmt.Sprintf("%d rule(s) passed", len(doc.Rules))
	}
	return result
}

// checkAction resolves the rule's action with every placeholder empty.
func checkAction(r rules.Rule, reg *dispatch.Registry) Detail {
	detail := Detail{Rule: r.Name, Line: r.Line, Check: CheckAction, Passed: true}
	name := rules.Expand(r.Action, rules.Record{})

	res, err := dispatch.Resolve(name, reg)
	if err == nil {
		detail.Got = res.Pattern
		return detail
	}
	detail.Passed = false
	detail.Expected = fmt.Sprintf("a binding for %q", r.Action)
	detail.Got = "not found"
	var nf *dispatch.NotFoundError
	if errors.As(err, &nf) && len(nf.Suggestions) > 0 {
		detail.Fix = fmt.Sprintf("Did you mean %s? Otherwise add [#%s]: !<command> to the document or config.yaml actions.",
			strings.Join(nf.Suggestions, ", "), bindingName(r.Action))
	} else {
		detail.Fix = fmt.Sprintf("Add [#%s]: !<command> to the document or config.yaml actions.", bindingName(r.Action))
	}
	return detail
}

// bindingName turns placeholders into wildcards: archive-{id} -> archive-*.
func bindingName(action string) string {
	var b strings.Builder
	depth := 0
	for _, c := range action {
		switch {
		case c == '{':
			if depth == 0 {
				b.WriteByte('*')
			}
			depth++
		case c == '}' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(c)
		}
	}
	return b.String()
}

func countFallback(conds []rules.Condition) int {
	n := 0
	for _, c := range conds {
		switch c := c.(type) {
		case rules.Contains:
			if c.Field == rules.AnyField {
				n++
			}
		case rules.Or:
			n += countFallback(c.Conditions)
		}
	}
	return n
}
