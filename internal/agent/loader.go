package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"llmos/internal/logging"
)

// specSchema is the wire contract for agent spec files. Factory
// validation repeats the semantic rules; the schema catches structural
// mistakes (wrong types, missing keys) with better messages.
const specSchema = `{
	"type": "object",
	"required": ["name", "system_prompt"],
	"properties": {
		"name": {"type": "string", "pattern": "^[a-z][a-z0-9-]*$"},
		"category": {"type": "string"},
		"type": {"enum": ["specialized", "orchestration"]},
		"description": {"type": "string"},
		"system_prompt": {"type": "string", "minLength": 1},
		"tools": {"type": "array", "items": {"type": "string"}},
		"capabilities": {"type": "array", "items": {"type": "string"}},
		"constraints": {"type": "array", "items": {"type": "string"}},
		"metadata": {"type": "object", "additionalProperties": {"type": "string"}}
	},
	"additionalProperties": false
}`

func compileSpecSchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(specSchema), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal agent spec schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("agent-spec.json", doc); err != nil {
		return nil, fmt.Errorf("add agent spec schema: %w", err)
	}
	schema, err := c.Compile("agent-spec.json")
	if err != nil {
		return nil, fmt.Errorf("compile agent spec schema: %w", err)
	}
	return schema, nil
}

// LoadDir reads <dir>/*.yaml agent specs, validates each through the
// schema and the factory, and registers the valid ones. Invalid files
// are skipped with a warning; a missing directory loads nothing. It
// returns the number of agents registered.
func (r *Registry) LoadDir(factory *Factory, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading agent dir: %w", err)
	}

	schema, err := compileSpecSchema()
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		path := filepath.Join(dir, name)
		spec, err := loadSpecFile(path, schema)
		if err != nil {
			logging.AgentWarn("skipping agent file %s: %v", name, err)
			continue
		}

		validated, err := factory.Create(spec)
		if err != nil {
			logging.AgentWarn("skipping agent file %s: %v", name, err)
			continue
		}

		r.Register(validated)
		loaded++
	}

	logging.Agent("loaded %d agent(s) from %s", loaded, dir)
	return loaded, nil
}

func loadSpecFile(path string, schema *jsonschema.Schema) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, err
	}

	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return Spec{}, fmt.Errorf("yaml parse: %w", err)
	}

	// Round-trip through JSON so the schema sees canonical types.
	raw, err := json.Marshal(spec)
	if err != nil {
		return Spec{}, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Spec{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return Spec{}, fmt.Errorf("schema: %w", err)
	}
	return spec, nil
}
