package rules

import (
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Set is the merged result of loading every rule document.
type Set struct {
	// Rules are sorted by priority, highest first. Ties keep document order.
	Rules     []Rule
	Bindings  []ActionDef
	Documents []*Document
	Errors    []error
}

// Load parses every document named by paths. Entries may be globs; a glob
// that matches nothing is skipped. A document that cannot be read is logged
// and recorded in Errors, the rest still load.
func Load(paths []string, logger *zap.Logger) *Set {
	set := &Set{}
	seen := make(map[string]bool)

	for _, p := range expand(paths, logger) {
		if seen[p] {
			continue
		}
		seen[p] = true

		doc, err := ParseFile(p)
		if err != nil {
			logger.Warn("skipping rule document", zap.String("path", p), zap.Error(err))
			set.Errors = append(set.Errors, err)
			continue
		}
		for _, w := range doc.Warnings {
			logger.Warn("rule document warning", zap.String("path", p), zap.String("warning", w.String()))
		}
		set.Documents = append(set.Documents, doc)
		set.Rules = append(set.Rules, doc.Rules...)
		set.Bindings = append(set.Bindings, doc.Bindings...)
	}

	sort.SliceStable(set.Rules, func(i, j int) bool {
		return set.Rules[i].Priority > set.Rules[j].Priority
	})
	return set
}

// Warnings returns the parse warnings of every loaded document.
func (s *Set) Warnings() map[string][]Warning {
	out := make(map[string][]Warning)
	for _, d := range s.Documents {
		if len(d.Warnings) > 0 {
			out[d.Path] = d.Warnings
		}
	}
	return out
}

func expand(paths []string, logger *zap.Logger) []string {
	var out []string
	for _, p := range paths {
		if !strings.ContainsAny(p, "*?[") {
			out = append(out, p)
			continue
		}
		matches, err := filepath.Glob(p)
		if err != nil {
			logger.Warn("bad rule glob", zap.String("pattern", p), zap.Error(err))
			continue
		}
		if len(matches) == 0 {
			logger.Debug("rule glob matched nothing", zap.String("pattern", p))
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out
}
