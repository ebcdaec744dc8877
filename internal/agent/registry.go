package agent

import (
	"sort"
	"sync"

	"llmos/internal/logging"
)

// Registry is the name-keyed table of registered agents. Registration
// is idempotent by name; re-registering replaces.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Spec
}

// NewRegistry creates a registry with the built-in system-agent already
// installed.
func NewRegistry() *Registry {
	r := &Registry{agents: make(map[string]Spec)}
	r.Register(systemAgent())
	return r
}

func systemAgent() Spec {
	return Spec{
		Name:        SystemAgentName,
		Category:    "general",
		Type:        TypeOrchestration,
		Description: "General-purpose fallback agent for steps with no specialist.",
		SystemPrompt: "You are a capable general-purpose agent. Complete the given task " +
			"directly and concisely. Prefer small, verifiable steps. Report what you " +
			"did and any follow-up the caller should know about.",
		Tools: DefaultToolUniverse(),
	}
}

// Register stores the spec, replacing any previous agent with the same
// name.
func (r *Registry) Register(spec Spec) {
	r.mu.Lock()
	_, replaced := r.agents[spec.Name]
	r.agents[spec.Name] = spec.clone()
	r.mu.Unlock()

	if replaced {
		logging.Agent("agent %s re-registered (replaced)", spec.Name)
	} else {
		logging.Agent("agent %s registered type=%s tools=%d", spec.Name, spec.Type, len(spec.Tools))
	}
}

// Get returns the named spec. The second return is false when absent.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.agents[name]
	if !ok {
		return Spec{}, false
	}
	return spec.clone(), true
}

// Resolve returns the named spec, falling back to system-agent when the
// name is unknown or empty.
func (r *Registry) Resolve(name string) Spec {
	if name != "" {
		if spec, ok := r.Get(name); ok {
			return spec
		}
		logging.AgentWarn("agent %q not registered, falling back to %s", name, SystemAgentName)
	}
	spec, _ := r.Get(SystemAgentName)
	return spec
}

// List returns all registered specs sorted by name.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Spec, 0, len(r.agents))
	for _, spec := range r.agents {
		out = append(out, spec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Filter returns the specs of one type, sorted by name.
func (r *Registry) Filter(t Type) []Spec {
	var out []Spec
	for _, spec := range r.List() {
		if spec.Type == t {
			out = append(out, spec)
		}
	}
	return out
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
