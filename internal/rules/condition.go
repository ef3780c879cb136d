package rules

import (
	"fmt"
	"strings"
)

// Condition is one test in a rule. The concrete types are Contains, DomainIn,
// In, Compare and Or.
type Condition interface {
	condition()
	// String renders the condition in rule-document syntax.
	String() string
}

// AnyField is the synthetic field used by conditions that did not match any
// structured form. It tests every value of the record.
const AnyField = "any"

// Contains is a case-insensitive substring test.
type Contains struct {
	Field     string
	Substring string
}

// DomainIn tests the domain part of an email-like field against glob patterns.
type DomainIn struct {
	Field    string
	Patterns []string
}

// In is exact membership of the stringified field in Values.
type In struct {
	Field  string
	Values []string
}

// Operator is a comparison operator.
type Operator string

const (
	OpEq   Operator = "="
	OpEqEq Operator = "=="
	OpNe   Operator = "!="
	OpLt   Operator = "<"
	OpGt   Operator = ">"
	OpLe   Operator = "<="
	OpGe   Operator = ">="
)

// Compare is a numeric, duration or lexical comparison.
type Compare struct {
	Field string
	Op    Operator
	Value string
}

// Or holds when any of its conditions holds.
type Or struct {
	Conditions []Condition
}

func (Contains) condition() {}
func (DomainIn) condition() {}
func (In) condition()       {}
func (Compare) condition()  {}
func (Or) condition()       {}

func (c Contains) String() string {
	if c.Field == AnyField {
		return c.Substring
	}
	return fmt.Sprintf("%s contains %q", c.Field, c.Substring)
}

func (c DomainIn) String() string {
	return fmt.Sprintf("%s domain in [%s]", c.Field, strings.Join(c.Patterns, ", "))
}

func (c In) String() string {
	return fmt.Sprintf("%s in [%s]", c.Field, strings.Join(c.Values, ", "))
}

func (c Compare) String() string {
	return fmt.Sprintf("%s %s %s", c.Field, c.Op, c.Value)
}

func (c Or) String() string {
	parts := make([]string, len(c.Conditions))
	for i, sub := range c.Conditions {
		parts[i] = sub.String()
	}
	return strings.Join(parts, " or ")
}
