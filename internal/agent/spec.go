// Package agent holds the agent spec model, the factory that validates
// specs, and the in-memory registry the orchestrator resolves against.
package agent

import (
	"fmt"
	"regexp"
	"sort"
)

// Type classifies what an agent is for.
type Type string

const (
	// TypeSpecialized agents execute one kind of step well.
	TypeSpecialized Type = "specialized"
	// TypeOrchestration agents coordinate other agents.
	TypeOrchestration Type = "orchestration"
)

// SystemAgentName is the built-in fallback agent every registry carries.
const SystemAgentName = "system-agent"

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// ValidName reports whether a name fits the agent naming charset.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Spec describes an agent. Immutable once registered.
type Spec struct {
	Name         string            `json:"name" yaml:"name"`
	Category     string            `json:"category,omitempty" yaml:"category"`
	Type         Type              `json:"type" yaml:"type"`
	Description  string            `json:"description,omitempty" yaml:"description"`
	SystemPrompt string            `json:"system_prompt" yaml:"system_prompt"`
	Tools        []string          `json:"tools,omitempty" yaml:"tools"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities"`
	Constraints  []string          `json:"constraints,omitempty" yaml:"constraints"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// clone deep-copies the spec so registered values stay frozen.
func (s Spec) clone() Spec {
	out := s
	out.Tools = append([]string(nil), s.Tools...)
	out.Capabilities = append([]string(nil), s.Capabilities...)
	out.Constraints = append([]string(nil), s.Constraints...)
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// DefaultToolUniverse lists the adapter's built-in tool names. The
// factory's allowed set starts from these; crystallized tools are added
// as they register.
func DefaultToolUniverse() []string {
	return []string{"bash", "read_file", "write_file", "list_dir"}
}

// SystemAgentSpec is the built-in general-purpose agent. It is
// registered at boot and serves as the fallback whenever a plan names
// an agent nobody registered.
func SystemAgentSpec() Spec {
	return Spec{
		Name:        SystemAgentName,
		Category:    "system",
		Type:        TypeOrchestration,
		Description: "General-purpose executor used when no specialized agent fits",
		SystemPrompt: "You are the system agent of a task execution kernel. " +
			"Execute the given task directly and completely. Use the available " +
			"tools when the task requires reading, writing, or running anything; " +
			"answer from your own knowledge otherwise. Report results plainly.",
		Tools: DefaultToolUniverse(),
	}
}

// Factory validates agent specs against the naming rules and the
// allowed tool universe.
type Factory struct {
	allowed map[string]bool
}

// NewFactory creates a factory allowing the given tool names. A nil or
// empty slice starts from the default universe.
func NewFactory(allowedTools []string) *Factory {
	if len(allowedTools) == 0 {
		allowedTools = DefaultToolUniverse()
	}
	allowed := make(map[string]bool, len(allowedTools))
	for _, name := range allowedTools {
		allowed[name] = true
	}
	return &Factory{allowed: allowed}
}

// Allow extends the tool universe, typically when a crystallized tool
// registers.
func (f *Factory) Allow(names ...string) {
	for _, name := range names {
		if name != "" {
			f.allowed[name] = true
		}
	}
}

// AllowedTools returns the universe, sorted.
func (f *Factory) AllowedTools() []string {
	out := make([]string, 0, len(f.allowed))
	for name := range f.allowed {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Create validates a spec and returns a frozen copy. The zero Type
// defaults to specialized.
func (f *Factory) Create(spec Spec) (Spec, error) {
	if !ValidName(spec.Name) {
		return Spec{}, fmt.Errorf("agent name %q must match %s", spec.Name, namePattern.String())
	}
	if spec.SystemPrompt == "" {
		return Spec{}, fmt.Errorf("agent %q has an empty system prompt", spec.Name)
	}
	if spec.Type == "" {
		spec.Type = TypeSpecialized
	}
	if spec.Type != TypeSpecialized && spec.Type != TypeOrchestration {
		return Spec{}, fmt.Errorf("agent %q has unknown type %q", spec.Name, spec.Type)
	}
	for _, tool := range spec.Tools {
		if !f.allowed[tool] {
			return Spec{}, fmt.Errorf("agent %q requests tool %q outside the allowed universe", spec.Name, tool)
		}
	}
	return spec.clone(), nil
}
