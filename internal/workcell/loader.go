package workcell

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/workcell/pkg/schema"
)

// LoadWorkcellFile reads a workcell definition from YAML. Durations in the
// config accept Go duration strings such as "2s".
func LoadWorkcellFile(path string) (*schema.WorkcellDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workcell file: %w", err)
	}
	var wc schema.WorkcellDefinition
	if err := decodeStrict(data, &wc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse workcell file %s: %v", path, err).WithCause(err)
	}
	wc.Config.ApplyDefaults()
	if err := wc.Validate(); err != nil {
		return nil, err
	}
	return &wc, nil
}

// LoadWorkflowFile reads a workflow definition from YAML.
func LoadWorkflowFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	def, err := ParseWorkflow(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// ParseWorkflow decodes a workflow definition from YAML or JSON.
func ParseWorkflow(data []byte) (*schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	if err := decodeStrict(data, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse workflow definition: %v", err).WithCause(err)
	}
	return &def, nil
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}
