// Package dispatch resolves action names to commands and runs them.
package dispatch

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Binding maps an action name or wildcard pattern to a command template.
type Binding struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

// Registry is an ordered set of bindings. Wildcard resolution walks it in
// insertion order, so order is significant.
type Registry struct {
	bindings []Binding
	index    map[string]int
}

func NewRegistry(bindings ...Binding) *Registry {
	r := &Registry{index: make(map[string]int)}
	for _, b := range bindings {
		r.Add(b.Name, b.Command)
	}
	return r
}

// Add inserts a binding. Re-adding a name replaces its command in place.
func (r *Registry) Add(name, command string) {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[name]; ok {
		r.bindings[i].Command = command
		return
	}
	r.index[name] = len(r.bindings)
	r.bindings = append(r.bindings, Binding{Name: name, Command: command})
}

// Get returns the command bound to exactly name.
func (r *Registry) Get(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	i, ok := r.index[name]
	if !ok {
		return "", false
	}
	return r.bindings[i].Command, true
}

// Bindings returns a copy of the bindings in order.
func (r *Registry) Bindings() []Binding {
	if r == nil {
		return nil
	}
	out := make([]Binding, len(r.bindings))
	copy(out, r.bindings)
	return out
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.bindings)
}

// Merge returns a new registry holding r's bindings followed by other's.
func (r *Registry) Merge(other *Registry) *Registry {
	out := NewRegistry(r.Bindings()...)
	for _, b := range other.Bindings() {
		out.Add(b.Name, b.Command)
	}
	return out
}

// UnmarshalYAML reads a mapping of name to command, keeping document order.
func (r *Registry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: actions must be a mapping of name to command", node.Line)
	}
	*r = Registry{index: make(map[string]int)}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: command for action %q must be a string", val.Line, key.Value)
		}
		r.Add(key.Value, strings.TrimSpace(strings.TrimPrefix(val.Value, "!")))
	}
	return nil
}

// MarshalYAML writes the registry back as an ordered mapping.
func (r Registry) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, b := range r.bindings {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: b.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Value: b.Command},
		)
	}
	return node, nil
}
