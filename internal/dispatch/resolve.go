package dispatch

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// ErrActionNotFound matches every *NotFoundError.
var ErrActionNotFound = errors.New("action not found")

// NotFoundError reports a name no binding resolves.
type NotFoundError struct {
	Name        string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("action '%s' not found", e.Name)
	if len(e.Suggestions) > 0 {
		msg += fmt.Sprintf(" (did you mean %s?)", strings.Join(e.Suggestions, ", "))
	}
	return msg
}

func (e *NotFoundError) Is(target error) bool { return target == ErrActionNotFound }

// Resolution is a resolved action before specialization.
type Resolution struct {
	Name    string   `json:"name"`
	Pattern string   `json:"pattern"`
	Command string   `json:"command"`
	Params  []string `json:"params,omitempty"`
}

// Resolve finds the binding for name: an exact key first, then wildcard keys
// in registry order. Captured wildcard text becomes Params.
func Resolve(name string, reg *Registry) (*Resolution, error) {
	if cmd, ok := reg.Get(name); ok {
		return &Resolution{Name: name, Pattern: name, Command: cmd}, nil
	}
	for _, b := range reg.Bindings() {
		if !strings.Contains(b.Name, "*") {
			continue
		}
		m := wildcardPattern(b.Name).FindStringSubmatch(name)
		if m == nil {
			continue
		}
		return &Resolution{Name: name, Pattern: b.Name, Command: b.Command, Params: m[1:]}, nil
	}
	return nil, &NotFoundError{Name: name, Suggestions: Suggest(name, reg, 3)}
}

// wildcardPattern anchors pattern and turns each '*' into a greedy capture.
// Everything else is matched literally.
func wildcardPattern(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, "(.*)") + "$")
}

// Suggest returns up to n binding names closest to name by edit distance.
func Suggest(name string, reg *Registry, n int) []string {
	type candidate struct {
		name string
		dist int
	}
	var cands []candidate
	for _, b := range reg.Bindings() {
		d := levenshtein.ComputeDistance(name, b.Name)
		if d <= max(len(name), len(b.Name))/2 {
			cands = append(cands, candidate{b.Name, d})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })

	var out []string
	for i := 0; i < len(cands) && i < n; i++ {
		out = append(out, cands[i].name)
	}
	return out
}
