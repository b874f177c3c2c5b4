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
	"encoding/json"
	"net/http"
)

// subAgentStatus is one entry of StatusResponse.SubAgents (spec.md §6).
type subAgentStatus struct {
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type"`
	Healthy   bool   `json:"healthy"`
	LastError string `json:"last_error,omitempty"`
	Status    string `json:"status,omitempty"`
}

// StatusResponse is the exact JSON shape spec.md §6 names for `GET /status`.
type StatusResponse struct {
	AgentControl healthJSON       `json:"agent_control"`
	Fleet        Fleet            `json:"fleet"`
	SubAgents    []subAgentStatus `json:"sub_agents"`
}

type healthJSON struct {
	Healthy   bool   `json:"healthy"`
	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`
}

// Snapshot builds the current StatusResponse without touching the network,
// for reuse by both the HTTP handler and direct callers (e.g. a CLI status
// subcommand).
func (m *Manager) Snapshot() StatusResponse {
	h := m.ComponentHealth()

	m.mu.RLock()
	fleet := m.fleet
	agents := make([]agentState, 0, len(m.agents))
	ids := make([]string, 0, len(m.agents))
	for id, st := range m.agents {
		agents = append(agents, st)
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	subs := make([]subAgentStatus, 0, len(agents))
	for i, st := range agents {
		sh := st.sup.Health()
		subs = append(subs, subAgentStatus{
			AgentID:   ids[i],
			AgentType: st.agentTypeRef,
			Healthy:   sh.Healthy,
			LastError: sh.LastError,
			Status:    sh.Status,
		})
	}

	return StatusResponse{
		AgentControl: healthJSON{Healthy: h.Healthy, Status: h.Status, LastError: h.LastError},
		Fleet:        fleet,
		SubAgents:    subs,
	}
}

// StatusHandler serves GET /status per spec.md §6: "Status codes: 200
// always when agent-control is alive; content reflects health." The single
// read lock Snapshot takes satisfies the §5 "single-writer/many-reader"
// requirement on the status struct.
func (m *Manager) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
}
