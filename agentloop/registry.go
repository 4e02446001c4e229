package agentloop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry construction errors.
var (
	ErrDuplicateCapability = errors.New("duplicate capability")
	ErrUnresolvedFormatter = errors.New("unresolved formatter")
	ErrEmptyCapabilityName = errors.New("capability name is empty")
	ErrNilHandler          = errors.New("capability handler is nil")
)

// Handler executes one capability. Arguments arrive as decoded JSON values.
// Handlers report bad input with Failure rather than panicking.
type Handler func(ctx context.Context, args map[string]any) ActionResult

// Formatter turns a success payload into the text the model sees.
type Formatter func(payload any) (string, error)

// Capability is the static descriptor of one action the model may choose.
type Capability struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object: "properties" and "required".
	Parameters map[string]any
	Handler    Handler
	// Formatter names an entry of the registry's formatter table. Empty
	// means the raw payload is shown through DefaultFormatter.
	Formatter string
}

type registeredCapability struct {
	Capability
	format Formatter
}

// Registry maps action names to handlers and formatters. It is built once
// per agent and read concurrently afterwards.
type Registry struct {
	caps       map[string]*registeredCapability
	formatters map[string]Formatter
	mu         sync.RWMutex
}

// NewRegistry creates an empty registry that resolves formatter names
// against the given table.
func NewRegistry(formatters map[string]Formatter) *Registry {
	table := make(map[string]Formatter, len(formatters))
	for name, f := range formatters {
		table[name] = f
	}
	return &Registry{
		caps:       make(map[string]*registeredCapability),
		formatters: table,
	}
}

// Register adds a capability. It rejects duplicate names and formatter
// names missing from the formatter table.
func (r *Registry) Register(c Capability) error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrEmptyCapabilityName
	}
	if c.Handler == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, c.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[c.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, c.Name)
	}
	var format Formatter
	if c.Formatter != "" {
		f, ok := r.formatters[c.Formatter]
		if !ok || f == nil {
			return fmt.Errorf("%w: %q for capability %s", ErrUnresolvedFormatter, c.Formatter, c.Name)
		}
		format = f
	}
	r.caps[c.Name] = &registeredCapability{Capability: c, format: format}
	return nil
}

// MustRegister is Register for static tables; it panics on error.
func (r *Registry) MustRegister(caps ...Capability) {
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the handler and formatter for name. ok is false for an
// unknown action; formatter is nil when the capability declared none.
func (r *Registry) Lookup(name string) (handler Handler, formatter Formatter, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	if !ok {
		return nil, nil, false
	}
	return c.Handler, c.format, true
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capabilities returns copies of the registered descriptors sorted by name.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		caps = append(caps, c.Capability)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

// Describe renders every capability as a markdown section for the system
// prompt.
func (r *Registry) Describe() string {
	var sb strings.Builder
	for i, c := range r.Capabilities() {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "### %s\n", c.Name)
		if c.Description != "" {
			sb.WriteString(c.Description)
			sb.WriteString("\n")
		}
		params := describeParameters(c.Parameters)
		if len(params) == 0 {
			sb.WriteString("Parameters: none\n")
			continue
		}
		sb.WriteString("Parameters:\n")
		for _, p := range params {
			sb.WriteString(p)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func describeParameters(schema map[string]any) []string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	required := make(map[string]bool)
	switch req := schema["required"].(type) {
	case []string:
		for _, name := range req {
			required[name] = true
		}
	case []any:
		for _, name := range req {
			if s, ok := name.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	// Required parameters first, then alphabetical.
	sort.Slice(names, func(i, j int) bool {
		if required[names[i]] != required[names[j]] {
			return required[names[i]]
		}
		return names[i] < names[j]
	})

	lines := make([]string, 0, len(names))
	for _, name := range names {
		prop, _ := props[name].(map[string]any)
		typ, _ := prop["type"].(string)
		if typ == "" {
			typ = "any"
		}
		qualifier := "optional"
		if required[name] {
			qualifier = "required"
		}
		if def, ok := prop["default"]; ok {
			qualifier += fmt.Sprintf(", default %q", fmt.Sprint(def))
		}
		line := fmt.Sprintf("- `%s` (%s, %s)", name, typ, qualifier)
		if desc, _ := prop["description"].(string); desc != "" {
			line += ": " + desc
		}
		lines = append(lines, line)
	}
	return lines
}
