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
	"context"
	"fmt"

	"github.com/newrelic/agent-control-go/internal/remoteconfig"
)

// ApplyACRemoteConfig runs raw through pipeline's signature/schema/semantic
// pipeline for the agent-control target and, on success, reconciles the
// running agent set against the newly-applied `agents` map (spec.md §4.9
// + §4.10: "AC-level config events happen-before any supervisor start/stop
// they imply").
func (m *Manager) ApplyACRemoteConfig(ctx context.Context, pipeline *remoteconfig.Pipeline, raw []byte, signature string) error {
	result, err := pipeline.ApplyAC(ctx, raw, signature)
	if err != nil {
		return fmt.Errorf("applying agent-control remote config: %w", err)
	}

	declared := make(map[string]string, len(result.ACAgents))
	for id, entry := range result.ACAgents {
		declared[id] = entry.AgentType
	}

	return m.Reconcile(ctx, declared)
}

// ApplySubAgentRemoteConfig runs raw through pipeline for agentID's target
// and, on success, hands the decoded Values to its running supervisor.
func (m *Manager) ApplySubAgentRemoteConfig(ctx context.Context, pipeline *remoteconfig.Pipeline, agentID string, raw []byte, signature string) error {
	result, err := pipeline.ApplySubAgent(ctx, agentID, raw, signature)
	if err != nil {
		return fmt.Errorf("applying remote config for %s: %w", agentID, err)
	}

	if result.Deleted {
		m.mu.RLock()
		st, ok := m.agents[agentID]
		m.mu.RUnlock()
		if ok {
			return m.remove(ctx, agentID, st)
		}
		return nil
	}

	m.SubmitRemoteConfig(agentID, result.Values, result.Hash)
	return nil
}
