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

// Package agentcontrol implements spec.md C10: the top-level loop owning
// every sub-agent supervisor, reconciling the declared agent set against
// the running one on each AC remote config, and serving the read-only
// /status endpoint.
package agentcontrol

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/newrelic/agent-control-go/internal/assembler"
	"github.com/newrelic/agent-control-go/internal/datastore"
	"github.com/newrelic/agent-control-go/internal/eventbus"
	"github.com/newrelic/agent-control-go/internal/supervisor"
	"github.com/newrelic/agent-control-go/internal/variables"
)

// BackendFactory builds the deployment backend for one agent. Concrete
// callers pass a closure over onhost.Backend (host_id scoped) or
// k8sbackend.Backend (a shared client.Client), per spec.md §2's on-host vs
// Kubernetes deployment split.
type BackendFactory func(agentID string) supervisor.Backend

// Manager owns the AgentID -> Supervisor map and reconciles it against the
// agent-control remote config (spec.md §4.10).
type Manager struct {
	Layout   *datastore.Layout
	Resolver assembler.DefinitionResolver
	Env      assembler.RunEnvironment
	Backend  BackendFactory
	Hub      *eventbus.Hub
	Log      logr.Logger

	// HealthPollInterval, if set, overrides every supervisor's health
	// poll cadence; primarily for tests.
	HealthPollInterval time.Duration

	// HostID is carried into every supervisor's Assembler as the nr-ac:
	// host_id namespace value (spec.md §4.1).
	HostID string
	// Packages resolves package-kind variables (SPEC_FULL.md S3/S4); nil
	// disables the package variable kind.
	Packages assembler.PackageResolver

	mu      sync.RWMutex
	agents  map[string]agentState
	fleet   Fleet
	selfErr string
}

type agentState struct {
	agentTypeRef string
	sup          *supervisor.Supervisor
}

// Fleet captures the reachability of the remote fleet endpoint, surfaced
// through /status (spec.md §6).
type Fleet struct {
	Endpoint  string `json:"endpoint,omitempty"`
	Connected bool   `json:"connected"`
}

// New creates an empty Manager; call Reconcile with the initial declared
// agent set to start supervisors.
func New(layout *datastore.Layout, resolver assembler.DefinitionResolver, env assembler.RunEnvironment, backend BackendFactory, hub *eventbus.Hub, log logr.Logger) *Manager {
	return &Manager{
		Layout:   layout,
		Resolver: resolver,
		Env:      env,
		Backend:  backend,
		Hub:      hub,
		Log:      log.WithName("agentcontrol"),
		agents:   make(map[string]agentState),
	}
}

// SetFleetStatus records the fleet endpoint's last-observed reachability,
// for /status's `fleet` field.
func (m *Manager) SetFleetStatus(f Fleet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fleet = f
}

// Reconcile diffs declared against the currently running agent set and
// applies additions/removals/replacements (spec.md §4.10 steps 1-4).
// declared is keyed by AgentID to agent-type ref, decoded from an
// ACSchema.Agents map by the caller.
func (m *Manager) Reconcile(ctx context.Context, declared map[string]string) error {
	m.mu.Lock()
	current := make(map[string]agentState, len(m.agents))
	for id, st := range m.agents {
		current[id] = st
	}
	m.mu.Unlock()

	for id, st := range current {
		newRef, stillDeclared := declared[id]
		if !stillDeclared {
			if err := m.remove(ctx, id, st); err != nil {
				return fmt.Errorf("removing agent %s: %w", id, err)
			}
			continue
		}
		if newRef != st.agentTypeRef {
			if err := m.remove(ctx, id, st); err != nil {
				return fmt.Errorf("replacing agent %s: %w", id, err)
			}
			if err := m.add(ctx, id, newRef); err != nil {
				return fmt.Errorf("replacing agent %s: %w", id, err)
			}
		}
	}

	for id, ref := range declared {
		m.mu.RLock()
		_, exists := m.agents[id]
		m.mu.RUnlock()
		if exists {
			continue
		}
		if err := m.add(ctx, id, ref); err != nil {
			return fmt.Errorf("adding agent %s: %w", id, err)
		}
	}

	return nil
}

func (m *Manager) add(ctx context.Context, agentID, agentTypeRef string) error {
	local, err := loadLocalValues(m.Layout.AgentLocalConfigPath(agentID))
	if err != nil {
		return err
	}

	remote, err := m.loadPersistedRemote(agentID)
	if err != nil {
		return err
	}

	dfw := variables.DirFileWriter{Root: m.Layout.RenderedFilesDir(agentID)}
	asm := &assembler.Assembler{
		Resolver:   m.Resolver,
		Env:        m.Env,
		FileWriter: dfw,
		Rendered:   dfw,
		Sub:        variables.SubMeta{AgentID: agentID},
		AC:         variables.ACMeta{HostID: m.HostID},
		AgentID:    agentID,
		Packages:   m.Packages,
	}

	sup := supervisor.New(supervisor.Config{
		AgentID:            agentID,
		AgentTypeRef:       agentTypeRef,
		Assembler:          asm,
		Backend:            m.Backend(agentID),
		Hub:                m.Hub,
		Log:                m.Log.WithValues("agentID", agentID),
		HealthPollInterval: m.HealthPollInterval,
	})

	m.mu.Lock()
	m.agents[agentID] = agentState{agentTypeRef: agentTypeRef, sup: sup}
	m.mu.Unlock()

	sup.Start(ctx, local, remote)

	return nil
}

func (m *Manager) remove(ctx context.Context, agentID string, st agentState) error {
	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := st.sup.Stop(stopCtx); err != nil {
		m.Log.Error(err, "stopping supervisor during removal", "agentID", agentID)
	}

	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()

	return m.purge(agentID)
}

// purge deletes agentID's persistent directories (spec.md §4.10 step 3:
// "await stop; purge its persistent directories").
func (m *Manager) purge(agentID string) error {
	for _, path := range []string{
		m.Layout.AgentLocalConfigPath(agentID),
		m.Layout.RemoteConfigPath(agentID),
		m.Layout.InstanceIDPath(agentID),
	} {
		if err := datastore.RemoveIfExists(path); err != nil {
			return err
		}
	}
	for _, dir := range []string{
		filepath.Dir(m.Layout.RemoteConfigPath(agentID)),
		m.Layout.RenderedFilesDir(agentID),
		m.Layout.PackagesBaseDir(agentID),
	} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	return nil
}

// SubmitRemoteConfig routes a newly-validated sub-agent remote config to
// its supervisor, a no-op if the agent isn't currently running.
func (m *Manager) SubmitRemoteConfig(agentID string, values variables.Values, hash string) {
	m.mu.RLock()
	st, ok := m.agents[agentID]
	m.mu.RUnlock()

	if !ok {
		return
	}

	st.sup.SubmitRemoteConfig(values, hash)
}

// ComponentHealth aggregates AC-level health: healthy only when every
// sub-agent is healthy and there is no recorded self-error (spec.md §4.10
// step 5).
func (m *Manager) ComponentHealth() eventbus.Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UnixNano()

	if m.selfErr != "" {
		return eventbus.Health{Healthy: false, Status: "error", LastError: m.selfErr, StatusTimeUnixNano: now}
	}

	for id, st := range m.agents {
		h := st.sup.Health()
		if !h.Healthy {
			return eventbus.Health{
				Healthy:            false,
				Status:             fmt.Sprintf("agent %s unhealthy", id),
				LastError:          h.LastError,
				StatusTimeUnixNano: now,
			}
		}
	}

	return eventbus.Health{Healthy: true, Status: "healthy", StatusTimeUnixNano: now}
}

// SetSelfError records an agent-control-level failure (e.g. fleet
// unreachable) factored into ComponentHealth until cleared with "".
func (m *Manager) SetSelfError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selfErr = msg
}

func (m *Manager) loadPersistedRemote(agentID string) (variables.Values, error) {
	return loadLocalValues(m.Layout.RemoteConfigPath(agentID))
}
