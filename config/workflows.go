package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/songzhibin97/taskflow/types"
	"gopkg.in/yaml.v3"
)

// workflowFile accepts either a single definition or a `workflows:` list.
type workflowFile struct {
	types.Workflow `yaml:",inline"`
	Workflows      []types.Workflow `yaml:"workflows"`
}

// ParseWorkflows decodes every YAML document in data into workflow
// definitions. Edges without an id get a generated one and every definition
// is validated.
func ParseWorkflows(data []byte) ([]types.Workflow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var out []types.Workflow
	for {
		var file workflowFile
		err := dec.Decode(&file)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
		}
		if file.ID != "" {
			out = append(out, file.Workflow)
		}
		out = append(out, file.Workflows...)
	}
	if len(out) == 0 {
		return nil, errors.New("no workflow definitions found")
	}

	seen := make(map[string]bool, len(out))
	for i := range out {
		wf := &out[i]
		if wf.ID == "" {
			return nil, fmt.Errorf("workflow %d: id is required", i)
		}
		if seen[wf.ID] {
			return nil, fmt.Errorf("duplicate workflow id %q", wf.ID)
		}
		seen[wf.ID] = true

		for j := range wf.Edges {
			if wf.Edges[j].ID == "" {
				wf.Edges[j].ID = uuid.NewString()
			}
		}
		if err := wf.Validate(); err != nil {
			return nil, fmt.Errorf("workflow %q: %w", wf.ID, err)
		}
	}
	return out, nil
}

// LoadWorkflows reads and parses workflow definition files.
func LoadWorkflows(paths ...string) ([]types.Workflow, error) {
	var out []types.Workflow
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		wfs, err := ParseWorkflows(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, wfs...)
	}
	return out, nil
}
