package source

import (
	"fmt"

	"github.com/sbenjam1n/steward/internal/dispatch"
)

// Source types accepted in configuration.
const (
	TypeCommand  = "command"
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
)

// Spec is the configuration of one source.
type Spec struct {
	Name    string `yaml:"name" validate:"required"`
	Type    string `yaml:"type" validate:"required,oneof=command postgres sqlite"`
	Command string `yaml:"command,omitempty" validate:"required_if=Type command"`
	URL     string `yaml:"url,omitempty" validate:"required_if=Type postgres"`
	Path    string `yaml:"path,omitempty" validate:"required_if=Type sqlite"`
	Query   string `yaml:"query,omitempty" validate:"required_unless=Type command"`
}

// Build creates sources from specs. Connections are opened lazily.
func Build(specs []Spec, tools map[string]string, runner dispatch.Runner) ([]Source, error) {
	seen := make(map[string]bool)
	out := make([]Source, 0, len(specs))
	for _, s := range specs {
		if seen[s.Name] || s.Name == ActivityName {
			return nil, fmt.Errorf("duplicate source name %q", s.Name)
		}
		seen[s.Name] = true

		switch s.Type {
		case TypeCommand:
			out = append(out, NewCommand(s.Name, s.Command, tools, runner))
		case TypePostgres:
			out = append(out, NewPostgres(s.Name, s.URL, s.Query))
		case TypeSQLite:
			out = append(out, NewSQLite(s.Name, s.Path, s.Query))
		default:
			return nil, fmt.Errorf("source %q: unknown type %q", s.Name, s.Type)
		}
	}
	return out, nil
}
