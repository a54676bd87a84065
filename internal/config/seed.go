package config

import (
	"fmt"
	"os"

	"github.com/triage-ai/arbiter/internal/model"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Policies []*model.Policy `yaml:"policies"`
}

// LoadSeed reads the initial policy set from a YAML file of the form
//
//	policies:
//	  - name: ...
//	    type: ...
//	    rules: [...]
//
// Policies are validated when they are created, not here.
func LoadSeed(path string) ([]*model.Policy, error) {
	// #nosec G304 -- seed path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, p := range f.Policies {
		if p == nil {
			return nil, fmt.Errorf("parse seed file: policies[%d] is empty", i)
		}
	}
	return f.Policies, nil
}
