package orchestrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"llmos/internal/agent"
	"llmos/internal/project"
)

const plannerSystemPrompt = `You are the planning component of a multi-agent system.
Your role is to decompose complex goals into concrete execution steps.

Think systematically:
1. What needs to be done?
2. What is the optimal order?
3. Which agent should handle each step?

Be specific and actionable.`

// planSchema is the wire contract for a generated plan. Steps missing
// a number, description, or agent fail validation and trigger the
// single-step fallback.
const planSchema = `{
	"type": "object",
	"required": ["steps"],
	"properties": {
		"steps": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["number", "description", "agent"],
				"properties": {
					"number": {"type": "integer", "minimum": 1},
					"description": {"type": "string", "minLength": 1},
					"agent": {"type": "string"},
					"expected_output": {"type": "string"}
				}
			}
		}
	}
}`

type rawPlan struct {
	Steps []rawStep `json:"steps"`
}

type rawStep struct {
	Number         int    `json:"number"`
	Description    string `json:"description"`
	Agent          string `json:"agent"`
	ExpectedOutput string `json:"expected_output"`
}

// buildPlanPrompt mirrors the planning call's contract: goal, memory
// guidance, the available agent roster, and the exact JSON shape.
func buildPlanPrompt(goal string, agents []agent.Spec, insights []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Decompose this goal into concrete execution steps:\n\nGoal: %s\n\n", goal)

	b.WriteString("Memory insights:\n")
	if len(insights) == 0 {
		b.WriteString("none\n")
	} else {
		for _, insight := range insights {
			fmt.Fprintf(&b, "- %s\n", insight)
		}
	}

	b.WriteString("\nAvailable agents:\n")
	b.WriteString(agentsSummary(agents))
	b.WriteString("\n")

	b.WriteString(`
Create a detailed execution plan with:
1. Clear, actionable steps
2. Agent assignment for each step (use "system-agent" when no specialized agent fits)
3. Expected output for each step

Output JSON:
{
  "steps": [
    {
      "number": 1,
      "description": "Step description",
      "agent": "agent-name",
      "expected_output": "What this step should produce"
    }
  ]
}

Output ONLY valid JSON:`)

	return b.String()
}

func agentsSummary(agents []agent.Spec) string {
	if len(agents) == 0 {
		return "No specialized agents available"
	}
	parts := make([]string, 0, len(agents))
	for _, a := range agents {
		parts = append(parts, fmt.Sprintf("- %s: %s (tools: %s)",
			a.Name, a.Description, strings.Join(a.Tools, ", ")))
	}
	return strings.Join(parts, "\n")
}

// parsePlan extracts and validates the plan from a model response.
// The response may wrap the JSON in markdown fences or prose.
func parsePlan(resp string) ([]project.Step, error) {
	block := extractJSONBlock(cleanJSONResponse(resp))
	if block == "" {
		return nil, errors.New("no JSON object in response")
	}

	var doc any
	if err := json.Unmarshal([]byte(block), &doc); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}

	schema, err := compilePlanSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("plan schema: %w", err)
	}

	var plan rawPlan
	if err := json.Unmarshal([]byte(block), &plan); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, errors.New("plan has zero steps")
	}

	steps := make([]project.Step, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		agentName := s.Agent
		if agentName == "" {
			agentName = agent.SystemAgentName
		}
		steps = append(steps, project.Step{
			Number:         s.Number,
			Description:    s.Description,
			AgentName:      agentName,
			ExpectedOutput: s.ExpectedOutput,
			Status:         project.StepPending,
		})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].Number < steps[j].Number })
	return steps, nil
}

// fallbackPlan delegates the whole goal to the system agent in one step.
func fallbackPlan(goal string) []project.Step {
	return []project.Step{{
		Number:      1,
		Description: goal,
		AgentName:   agent.SystemAgentName,
		Status:      project.StepPending,
	}}
}

func compilePlanSchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(planSchema), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}
	schema, err := c.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return schema, nil
}

// cleanJSONResponse removes markdown code fences from a JSON response.
func cleanJSONResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}

// extractJSONBlock returns the first balanced {...} block, tolerating
// prose before and after it. String contents are skipped so braces in
// descriptions do not unbalance the scan.
func extractJSONBlock(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
