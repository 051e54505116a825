// Package capability holds the process-wide tool registry, the per-client
// permission table and the permissioned invoke protocol.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ExecuteFunc runs a tool. Returned errors and panics become execution_error.
type ExecuteFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Property describes one named parameter.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Default     any       `json:"default,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// Schema is the JSON Schema object describing a tool's parameters.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Definition is an immutable tool registration.
type Definition struct {
	ToolID      string
	Name        string
	Description string
	Category    string
	Parameters  Schema
	Execute     ExecuteFunc
}

// ToolSchema is the client-facing view returned by discover_tools.
type ToolSchema struct {
	ToolID      string `json:"tool_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

func (d Definition) schema() ToolSchema {
	return ToolSchema{
		ToolID:      d.ToolID,
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Parameters,
	}
}

type compiledTool struct {
	def    Definition
	schema *jsonschema.Schema
}

// compileSchema turns a parameter schema into a validator. Tool ids become
// the resource name so compile errors point at the offending tool.
func compileSchema(toolID string, s Schema) (*jsonschema.Schema, error) {
	if s.Type == "" {
		s.Type = "object"
	}
	if s.Properties == nil {
		s.Properties = map[string]Property{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	name := toolID + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// validateParams checks params against the compiled schema and returns a
// single-line message on failure.
func validateParams(schema *jsonschema.Schema, params map[string]any) string {
	if schema == nil {
		return ""
	}
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("parameters are not valid JSON: %v", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Sprintf("parameters are not valid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
		for i := range lines {
			lines[i] = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[i]), "-"))
		}
		if len(lines) > 1 {
			// The first line only names the schema resource.
			lines = lines[1:]
		}
		return "invalid parameters: " + strings.Join(lines, "; ")
	}
	return ""
}
