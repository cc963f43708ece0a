package toolregistry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/orchestrator-core/pkg/contract"
)

// schemaCache compiles and memoizes one JSON Schema per tool, validating
// arguments before they ever reach a module's /execute endpoint — catching
// a malformed tool call from the Model Router locally instead of paying a
// network round-trip to discover it.
type schemaCache struct {
	mu     sync.Mutex
	byTool map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{byTool: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) validate(tool contract.ToolDefinition, arguments json.RawMessage) error {
	schema, err := c.compiledFor(tool)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", tool.Name, err)
	}
	if schema == nil {
		return nil
	}
	var v any
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}
	if err := json.Unmarshal(arguments, &v); err != nil {
		return fmt.Errorf("invalid arguments json for %s: %w", tool.Name, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("arguments for %s failed schema validation: %w", tool.Name, err)
	}
	return nil
}

func (c *schemaCache) compiledFor(tool contract.ToolDefinition) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if schema, ok := c.byTool[tool.Name]; ok {
		return schema, nil
	}
	if len(tool.Parameters) == 0 {
		c.byTool[tool.Name] = nil
		return nil, nil
	}

	doc := toJSONSchemaDoc(tool.Parameters)
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	resourceName := "tool:" + tool.Name
	if err := compiler.AddResource(resourceName, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, err
	}
	c.byTool[tool.Name] = schema
	return schema, nil
}

// toJSONSchemaDoc builds the {type:"object",properties,required} shape a
// tool module's flat ToolParameter list implies, the same shape the
// Agent Loop builds for provider function-calling (internal/agent.
// toolParametersToJSONSchema) — duplicated here rather than imported to
// keep toolregistry free of a dependency on internal/agent.
func toJSONSchemaDoc(params []contract.ToolParameter) map[string]any {
	properties := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{
		"$schema":    "http://json-schema.org/draft-07/schema#",
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}
