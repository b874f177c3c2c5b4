/*
Copyright 2021 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agentcontrol

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/newrelic/agent-control-go/internal/variables"
)

// loadLocalValues reads a local_config.yaml / remote_config.yaml into a
// Values tree, returning an empty Values for a file that doesn't exist yet
// (a freshly-declared agent with no local overrides, or one never sent a
// remote config).
func loadLocalValues(path string) (variables.Values, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return variables.Values{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return variables.Values(tree), nil
}
