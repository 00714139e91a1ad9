package definition

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/recordflow/recordflow/pkg/schema"
)

// createWorkflowSchemaJSON is the JSON Schema for CreateWorkflowInput.
// Embedded as a constant to avoid filesystem dependencies.
const createWorkflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://recordflow.dev/schemas/create-workflow.json",
  "type": "object",
  "required": ["name", "initial_state", "final_states"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "kind": { "enum": ["LINEAR", "STATE_MACHINE", "APPROVAL"] },
    "object_type_id": { "type": "string" },
    "initial_state": { "type": "string", "minLength": 1 },
    "final_states": {
      "type": "array",
      "minItems": 1,
      "items": { "type": "string", "minLength": 1 }
    },
    "metadata": { "type": "object" }
  }
}`

// InputValidator validates authoring inputs against JSON Schema Draft 2020-12
// before the semantic referential checks run.
type InputValidator struct {
	createWorkflow *jsonschema.Schema
}

// NewInputValidator compiles the embedded schemas.
func NewInputValidator() (*InputValidator, error) {
	compiled, err := compileSchema("https://recordflow.dev/schemas/create-workflow.json", createWorkflowSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile create-workflow schema: %w", err)
	}
	return &InputValidator{createWorkflow: compiled}, nil
}

// ValidateCreateWorkflow checks the structural shape of a create-workflow
// input, then the structural rules JSON Schema cannot express: the initial
// state must not repeat in the final set and final state names must be unique,
// because each name becomes exactly one auto-created state row.
func (v *InputValidator) ValidateCreateWorkflow(input schema.CreateWorkflowInput) error {
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := v.createWorkflow.Validate(doc); err != nil {
		return toFlowError(err)
	}

	result := &schema.ValidationResult{}
	seen := make(map[string]struct{}, len(input.FinalStates)+1)
	seen[input.InitialState] = struct{}{}
	for i, name := range input.FinalStates {
		if _, exists := seen[name]; exists {
			result.AddError(fmt.Sprintf("/final_states/%d", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate state name %q", name))
			continue
		}
		seen[name] = struct{}{}
	}
	return result.ToError()
}

func compileSchema(url, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// clear, actionable messages.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
