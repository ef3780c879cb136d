// Package rules parses rule documents and evaluates their conditions against
// records.
//
// A rule document is markdown: every "## Name" heading opens a rule, and
// directive lines inside the section describe it:
//
//	## Archive newsletters
//	Conditions:
//	- sender contains "newsletter"
//	- sender domain in [promo.*, marketing.*]
//	Action: archive-{id}
//	Approval: auto
//	Priority: 10
//
// Parsing is lenient. Bad lines become warnings and a rule without an Action
// directive is dropped; only a missing document is an error.
package rules

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Approval says whether a rule's action runs immediately or waits for consent.
type Approval string

const (
	ApprovalQueue Approval = "queue"
	ApprovalAuto  Approval = "auto"
)

// Rule is one parsed rule section.
type Rule struct {
	Name       string
	Conditions []Condition
	Action     string
	Approval   Approval
	Priority   int
	// Source limits the rule to records gathered from the named source.
	Source string
	// Origin is the path of the document the rule came from.
	Origin string
	Line   int
}

// ActionDef is an "[#name]: !command" binding found in a rule document.
type ActionDef struct {
	Name    string
	Command string
	Line    int
}

// Warning is a recoverable problem found while parsing.
type Warning struct {
	Line    int
	Section string
	Message string
}

func (w Warning) String() string {
	if w.Section != "" {
		return fmt.Sprintf("line %d (%s): %s", w.Line, w.Section, w.Message)
	}
	return fmt.Sprintf("line %d: %s", w.Line, w.Message)
}

// Document is the parse result for one rule document.
type Document struct {
	Path     string
	Rules    []Rule
	Bindings []ActionDef
	Warnings []Warning
}

// DocumentError reports a rule document that could not be read.
type DocumentError struct {
	Path string
	Err  error
}

func (e *DocumentError) Error() string {
	if errors.Is(e.Err, fs.ErrNotExist) {
		return fmt.Sprintf("rule document not found: %s", e.Path)
	}
	return fmt.Sprintf("read rule document %s: %v", e.Path, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }

// ParseFile reads and parses the rule document at path.
func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DocumentError{Path: path, Err: err}
	}
	defer f.Close()

	doc, err := Parse(f, path)
	if err != nil {
		return nil, &DocumentError{Path: path, Err: err}
	}
	return doc, nil
}

var (
	bindingPattern  = regexp.MustCompile(`^\[#([^\]]+)\]:\s*!(.+)$`)
	containsPattern = regexp.MustCompile(`^(.+?)\s+contains\s+"([^"]+)"$`)
	domainPattern   = regexp.MustCompile(`^(.+?)\s+domain\s+in\s+\[(.*)\]$`)
	inPattern       = regexp.MustCompile(`^(.+?)\s+in\s+\[(.*)\]$`)
	comparePattern  = regexp.MustCompile(`^(.+?)\s+(==|!=|<=|>=|=|<|>)\s+(.+)$`)
)

type section struct {
	rule         Rule
	inConditions bool
}

// Parse reads a rule document from r. origin is recorded on every rule.
func Parse(r io.Reader, origin string) (*Document, error) {
	doc := &Document{Path: origin}
	var cur *section

	finish := func() {
		if cur == nil {
			return
		}
		if cur.rule.Action == "" {
			doc.Warnings = append(doc.Warnings, Warning{
				Line:    cur.rule.Line,
				Section: cur.rule.Name,
				Message: "no Action: directive, rule dropped",
			})
		} else {
			doc.Rules = append(doc.Rules, cur.rule)
		}
		cur = nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := scanner.Text()

		if strings.HasPrefix(raw, "## ") {
			finish()
			cur = &section{rule: Rule{
				Name:     strings.TrimSpace(raw[3:]),
				Approval: ApprovalQueue,
				Origin:   origin,
				Line:     lineNum,
			}}
			continue
		}

		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if m := bindingPattern.FindStringSubmatch(line); m != nil {
			doc.Bindings = append(doc.Bindings, ActionDef{
				Name:    strings.TrimSpace(m[1]),
				Command: strings.TrimSpace(m[2]),
				Line:    lineNum,
			})
			continue
		}

		if cur == nil {
			continue
		}
		warn := func(format string, args ...any) {
			doc.Warnings = append(doc.Warnings, Warning{
				Line:    lineNum,
				Section: cur.rule.Name,
				Message: fmt.Sprintf(format, args...),
			})
		}

		if name, value, ok := directive(line); ok {
			cur.inConditions = false
			switch name {
			case "conditions":
				cur.inConditions = true
			case "action":
				if value == "" {
					warn("empty Action: directive")
				}
				cur.rule.Action = value
			case "approval":
				switch Approval(strings.ToLower(value)) {
				case ApprovalAuto:
					cur.rule.Approval = ApprovalAuto
				case ApprovalQueue:
					cur.rule.Approval = ApprovalQueue
				default:
					warn("unknown approval mode %q, using queue", value)
					cur.rule.Approval = ApprovalQueue
				}
			case "priority":
				p, err := strconv.Atoi(value)
				if err != nil {
					warn("priority %q is not an integer, using 0", value)
					p = 0
				}
				cur.rule.Priority = p
			case "source":
				cur.rule.Source = value
			}
			continue
		}

		if cur.inConditions && strings.HasPrefix(line, "-") {
			text := strings.TrimSpace(line[1:])
			if text == "" {
				warn("empty condition line ignored")
				continue
			}
			cond, fallback := ParseCondition(text)
			if fallback {
				warn("condition %q has no recognized form, matching it against any field", text)
			}
			cur.rule.Conditions = append(cur.rule.Conditions, cond)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	finish()
	return doc, nil
}

// directive splits "Name: value" for the recognized directive names.
func directive(line string) (name, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	name = strings.ToLower(strings.TrimSpace(line[:idx]))
	switch name {
	case "conditions", "action", "approval", "priority", "source":
		return name, strings.TrimSpace(line[idx+1:]), true
	}
	return "", "", false
}

// ParseCondition parses one condition line. The structured forms are tried in
// order (contains, domain in, in, comparison) and the first match wins. A line
// matching none of them becomes a Contains on AnyField and fallback is true.
// A top-level " or " splits the line into an Or of independently parsed parts.
func ParseCondition(line string) (cond Condition, fallback bool) {
	parts := splitTopLevel(line, " or ")
	if len(parts) > 1 {
		or := Or{}
		for _, p := range parts {
			sub, fb := parseSimple(strings.TrimSpace(p))
			fallback = fallback || fb
			or.Conditions = append(or.Conditions, sub)
		}
		return or, fallback
	}
	return parseSimple(strings.TrimSpace(line))
}

func parseSimple(line string) (Condition, bool) {
	if m := containsPattern.FindStringSubmatch(line); m != nil {
		return Contains{Field: strings.TrimSpace(m[1]), Substring: m[2]}, false
	}
	if m := domainPattern.FindStringSubmatch(line); m != nil {
		return DomainIn{Field: strings.TrimSpace(m[1]), Patterns: splitList(m[2])}, false
	}
	if m := inPattern.FindStringSubmatch(line); m != nil {
		return In{Field: strings.TrimSpace(m[1]), Values: splitList(m[2])}, false
	}
	if m := comparePattern.FindStringSubmatch(line); m != nil {
		return Compare{
			Field: strings.TrimSpace(m[1]),
			Op:    Operator(m[2]),
			Value: unquote(strings.TrimSpace(m[3])),
		}, false
	}
	return Contains{Field: AnyField, Substring: line}, true
}

// splitTopLevel splits s on sep, ignoring separators inside brackets or quotes.
func splitTopLevel(s, sep string) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || (c == '\'' && tokenStart(s, i)):
			quote = c
		case c == '[':
			depth++
		case c == ']':
			if depth > 0 {
				depth--
			}
		case depth == 0 && strings.HasPrefix(s[i:], sep):
			parts = append(parts, s[start:i])
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	return append(parts, s[start:])
}

// tokenStart reports whether s[i] begins a token, so an apostrophe inside a
// word is not taken for a quote.
func tokenStart(s string, i int) bool {
	if i == 0 {
		return true
	}
	switch s[i-1] {
	case ' ', '\t', '[', '(', ',', '=':
		return true
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = unquote(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
