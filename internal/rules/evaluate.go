package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Record is a flat or nested map of field values, usually decoded JSON or a
// database row.
type Record = map[string]any

// Evaluate reports whether every condition of r holds for rec. A rule with no
// conditions matches every record.
func Evaluate(r Rule, rec Record) bool {
	for _, c := range r.Conditions {
		if !Holds(c, rec) {
			return false
		}
	}
	return true
}

// Holds tests a single condition against rec. A missing or null field makes
// the condition false.
func Holds(c Condition, rec Record) bool {
	switch c := c.(type) {
	case Contains:
		needle := strings.ToLower(c.Substring)
		if c.Field == AnyField {
			if v, ok := Lookup(rec, AnyField); ok {
				return strings.Contains(strings.ToLower(Stringify(v)), needle)
			}
			for _, v := range rec {
				if v != nil && strings.Contains(strings.ToLower(Stringify(v)), needle) {
					return true
				}
			}
			return false
		}
		v, ok := Lookup(rec, c.Field)
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(Stringify(v)), needle)

	case DomainIn:
		v, ok := Lookup(rec, c.Field)
		if !ok {
			return false
		}
		domain := domainOf(Stringify(v))
		for _, p := range c.Patterns {
			if globMatch(strings.ToLower(p), domain) {
				return true
			}
		}
		return false

	case In:
		v, ok := Lookup(rec, c.Field)
		if !ok {
			return false
		}
		s := Stringify(v)
		for _, want := range c.Values {
			if s == want {
				return true
			}
		}
		return false

	case Compare:
		v, ok := Lookup(rec, c.Field)
		if !ok {
			return false
		}
		return compare(Stringify(v), c.Op, c.Value)

	case Or:
		for _, sub := range c.Conditions {
			if Holds(sub, rec) {
				return true
			}
		}
		return false
	}
	return false
}

// Lookup resolves a dotted field path. A nil value counts as missing.
func Lookup(rec Record, path string) (any, bool) {
	var cur any = rec
	for _, key := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[key]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[key]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Stringify renders a field value the way conditions and placeholders see it.
func Stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case json.Number:
		return v.String()
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return v.String()
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

func domainOf(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	// "Name <user@host>" forms
	s = strings.TrimSuffix(s, ">")
	if i := strings.LastIndex(s, "@"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// globMatch matches s against a pattern where '*' is any run of characters.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, mid := range parts[1 : len(parts)-1] {
		i := strings.Index(s, mid)
		if i < 0 {
			return false
		}
		s = s[i+len(mid):]
	}
	return strings.HasSuffix(s, last)
}

func compare(left string, op Operator, right string) bool {
	var cmp int
	if l, r, ok := bothFloat(left, right); ok {
		cmp = order(l, r)
	} else if l, r, ok := bothDuration(left, right); ok {
		cmp = order(l, r)
	} else {
		cmp = strings.Compare(left, right)
	}

	switch op {
	case OpEq, OpEqEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpGt:
		return cmp > 0
	case OpLe:
		return cmp <= 0
	case OpGe:
		return cmp >= 0
	}
	return false
}

func order[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func bothFloat(a, b string) (float64, float64, bool) {
	x, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil {
		return 0, 0, false
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil {
		return 0, 0, false
	}
	return x, y, true
}

func bothDuration(a, b string) (int64, int64, bool) {
	x, err := ParseDuration(a)
	if err != nil {
		return 0, 0, false
	}
	y, err := ParseDuration(b)
	if err != nil {
		return 0, 0, false
	}
	return int64(x), int64(y), true
}

// ParseDuration extends time.ParseDuration with a "d" (day) suffix.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	return time.ParseDuration(s)
}

var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_.\-]+)\}`)

// Expand replaces each {field} in template with the record's value. Missing
// fields expand to the empty string.
func Expand(template string, rec Record) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		v, ok := Lookup(rec, m[1:len(m)-1])
		if !ok {
			return ""
		}
		return Stringify(v)
	})
}
