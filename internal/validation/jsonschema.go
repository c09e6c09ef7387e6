package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/workcell/pkg/schema"
)

const workflowSchemaURL = "https://workcell.local/schemas/workflow.json"

// workflowSchemaJSON describes the shape of a WorkflowDefinition.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://workcell.local/schemas/workflow.json",
  "type": "object",
  "required": ["name", "flowdef"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "metadata": {
      "type": "object",
      "properties": {
        "author": { "type": "string" },
        "description": { "type": "string" },
        "version": { "type": "string" }
      }
    },
    "parameters": {
      "type": "array",
      "items": { "$ref": "#/$defs/parameter" }
    },
    "flowdef": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "parameter": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "pattern": "^[A-Za-z0-9_-]+$" },
        "description": { "type": "string" },
        "default": {},
        "label": { "type": "string" },
        "step": { "type": "string" },
        "path": { "type": "string" }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["name", "node", "action"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "node": { "type": "string", "minLength": 1 },
        "action": { "type": "string", "minLength": 1 },
        "args": { "type": "object" },
        "files": { "$ref": "#/$defs/stringMap" },
        "data_labels": { "$ref": "#/$defs/stringMap" },
        "locations": { "$ref": "#/$defs/stringMap" },
        "conditions": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": false
    },
    "stringMap": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  }
}`

// JSONSchemaValidator checks definitions and action arguments with JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition returns one violation per failing schema leaf.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) []string {
	doc, err := toJSONValue(def)
	if err != nil {
		return []string{"serialize workflow definition: " + err.Error()}
	}
	return violations(v.workflowSchema.Validate(doc))
}

// ValidateArgs type-checks literal argument values against an action's
// argument definitions. Arguments holding parameter references are skipped
// because their type is only known after resolution.
func (v *JSONSchemaValidator) ValidateArgs(node string, action *schema.ActionDefinition, args map[string]any) ([]string, error) {
	literal := make(map[string]any, len(args))
	for k, val := range args {
		if s, ok := val.(string); ok && strings.Contains(s, "$") {
			continue
		}
		literal[k] = val
	}
	if len(literal) == 0 {
		return nil, nil
	}

	compiled, err := v.argSchema(node, action)
	if err != nil || compiled == nil {
		return nil, err
	}
	doc, err := toJSONValue(literal)
	if err != nil {
		return nil, fmt.Errorf("serialize args: %w", err)
	}
	return violations(compiled.Validate(doc)), nil
}

// argSchema builds (and caches) the object schema for one node action.
// It returns nil when no argument declares a checkable type.
func (v *JSONSchemaValidator) argSchema(node string, action *schema.ActionDefinition) (*jsonschema.Schema, error) {
	props := make(map[string]any)
	names := make([]string, 0, len(action.Args))
	for name, arg := range action.Args {
		if t := jsonType(arg.ArgumentType); t != "" {
			props[name] = map[string]any{"type": t}
			names = append(names, name+":"+t)
		}
	}
	if len(props) == 0 {
		return nil, nil
	}
	sort.Strings(names)
	key := node + "/" + action.Name + "/" + strings.Join(names, ",")

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	raw, err := json.Marshal(map[string]any{"type": "object", "properties": props})
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal arg schema: %w", err)
	}
	url := fmt.Sprintf("workcell://args/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add arg schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile arg schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

// jsonType maps a node's declared argument type onto a JSON Schema type.
// Nodes report either JSON Schema names or the short names of their SDK.
func jsonType(argumentType string) string {
	switch strings.ToLower(argumentType) {
	case "string", "str":
		return "string"
	case "integer", "int":
		return "integer"
	case "number", "float":
		return "number"
	case "boolean", "bool":
		return "boolean"
	case "array", "list":
		return "array"
	case "object", "dict":
		return "object"
	}
	return ""
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// violations flattens a jsonschema error tree into "location: message" strings.
func violations(err error) []string {
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	return collectViolations(verr)
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
