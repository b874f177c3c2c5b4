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

// Package remoteconfig implements spec.md C9: signature verification,
// schema/semantic validation, persistence and status emission for remote
// (OpAMP-delivered) configuration payloads, for both the agent-control
// target and each sub-agent target.
package remoteconfig

import (
	"fmt"
	"regexp"

	"github.com/newrelic/agent-control-go/internal/agenttype"
)

// agentIDPattern implements spec.md §3 AgentID: 1-32 chars, start/end
// alphanumeric, inner chars alphanumeric or '-'.
var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,30}[a-zA-Z0-9])?$`)

// ValidAgentID reports whether id satisfies spec.md §3's AgentID grammar.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// ACSchema is the subset of spec.md §6's AC config top-level keys that
// remote config is allowed to carry: only `agents` and
// `agent_control_version` are mutable remotely in this implementation, matching the teacher's own pattern of a narrow
// remotely-reconcilable surface (provider CRD spec) over a broader local
// config file.
type ACSchema struct {
	Agents            map[string]AgentEntry `yaml:"agents"`
	AgentControlVersion string              `yaml:"agent_control_version,omitempty"`
}

// AgentEntry is one entry of ACSchema.Agents.
type AgentEntry struct {
	AgentType string `yaml:"agent_type"`
}

// AgentTypeResolver looks up an agent-type definition by ref; satisfied by
// internal/registry.Registry.Lookup (the same method shape
// internal/assembler.DefinitionResolver names, declared separately here to
// avoid an import of internal/assembler for a one-method interface).
type AgentTypeResolver interface {
	Lookup(ref agenttype.Ref) (*agenttype.Definition, error)
}

// validateACSemantics implements spec.md §4.9 step 3 for the AC target:
// every declared agent's ID must be valid, and every declared agent-type
// ref must resolve via resolver.
func validateACSemantics(schema ACSchema, resolver AgentTypeResolver) error {
	for id, entry := range schema.Agents {
		if !ValidAgentID(id) {
			return &ErrSemanticInvalid{Reason: fmt.Sprintf("agent id %q is not a valid AgentID", id)}
		}

		ref, err := agenttype.ParseRef(entry.AgentType)
		if err != nil {
			return &ErrSemanticInvalid{Reason: fmt.Sprintf("agent %q: %s", id, err)}
		}

		if resolver != nil {
			if _, err := resolver.Lookup(ref); err != nil {
				return &ErrSemanticInvalid{Reason: fmt.Sprintf("agent %q: %s", id, err)}
			}
		}
	}

	return nil
}
