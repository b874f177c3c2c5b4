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

package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/newrelic/agent-control-go/internal/assembler"
	"github.com/newrelic/agent-control-go/internal/eventbus"
	"github.com/newrelic/agent-control-go/internal/variables"
)

// DefaultHealthPollInterval is used when a deployment spec declares no
// explicit health-check interval (e.g. an on-host agent type with no
// `health` block at all, whose health is inferred from restart-policy
// exhaustion per spec.md §4.6).
const DefaultHealthPollInterval = 10 * time.Second

// job is one queued (re)configuration: either the initial local-only
// assembly, or a newly-received remote config.
type job struct {
	remote variables.Values
	hash   string
}

// Config wires a Supervisor to its collaborators. AgentID and AgentTypeRef
// are fixed for the supervisor's lifetime (spec.md §3: "Immutable for a
// supervisor's lifetime").
type Config struct {
	AgentID      string
	AgentTypeRef string

	Assembler *assembler.Assembler
	Backend   Backend
	Hub       *eventbus.Hub

	StopGrace time.Duration
	Log       logr.Logger

	// HealthPollInterval overrides the deployment spec's own health-check
	// interval, if set. Tests use this to avoid waiting on production
	// cadences; production callers should leave it zero.
	HealthPollInterval time.Duration
}

// Supervisor implements spec.md C8's per-sub-agent state machine.
type Supervisor struct {
	cfg Config

	mu         sync.Mutex
	state      eventbus.SupervisorState
	local      variables.Values
	lastGood   *assembler.EffectiveConfig
	lastHash   string
	lastHealth eventbus.Health
	genCancel  context.CancelFunc // stops the watch loop of the currently-deployed generation

	jobs   chan job
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Supervisor in the Idle state. Call Start to begin the
// assemble/deploy/health loop.
func New(cfg Config) *Supervisor {
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 10 * time.Second
	}

	return &Supervisor{
		cfg:   cfg,
		state: eventbus.StateIdle,
		jobs:  make(chan job, 1),
		done:  make(chan struct{}),
	}
}

// AgentID returns the supervisor's fixed identity.
func (s *Supervisor) AgentID() string { return s.cfg.AgentID }

// State reports the current state-machine state (spec.md §4.8).
func (s *Supervisor) State() eventbus.SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Health reports the last-observed health (spec.md §4.8: "Running emits
// periodic ComponentHealth messages").
func (s *Supervisor) Health() eventbus.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHealth
}

// EffectiveConfig reports the last-applied effective config, preserved
// across assembly failures per spec.md §9 open-question (a).
func (s *Supervisor) EffectiveConfig() *assembler.EffectiveConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastGood
}

// LastRemoteConfigHash reports the hash of the remote config last applied
// successfully, for the /status endpoint's per-agent remote_config_hash.
func (s *Supervisor) LastRemoteConfigHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHash
}

// Start launches the supervisor's run loop with the given local values (the
// on-disk local_config.yaml for this agent) and, if remote is non-nil, an
// initial remote config to assemble against (e.g. one persisted from a
// prior run). Start returns once the run loop goroutine has been launched;
// it does not block on the first assembly.
func (s *Supervisor) Start(ctx context.Context, local variables.Values, remote variables.Values) {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.local = local
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(runCtx)

	s.enqueue(job{remote: remote})
}

// SubmitRemoteConfig enqueues a newly-received remote config for
// processing. A config already queued but not yet picked up by the run
// loop is replaced (spec.md §5: "a new remote config supersedes any
// in-flight one").
func (s *Supervisor) SubmitRemoteConfig(remote variables.Values, hash string) {
	s.enqueue(job{remote: remote, hash: hash})
}

func (s *Supervisor) enqueue(j job) {
	for {
		select {
		case s.jobs <- j:
			return
		default:
			select {
			case <-s.jobs:
			default:
			}
		}
	}
}

// Stop signals the run loop to stop the workload and terminate, and blocks
// until it has (spec.md §4.8 Stopping -> Terminated).
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.setState(ctx, eventbus.StateStopping, "")
			stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGrace)
			if err := s.cfg.Backend.Stop(stopCtx, s.cfg.StopGrace); err != nil && s.cfg.Log.GetSink() != nil {
				s.cfg.Log.Error(err, "stopping workload", "agentID", s.cfg.AgentID)
			}
			cancel()
			s.setState(context.Background(), eventbus.StateTerminated, "shutdown")
			return

		case j := <-s.jobs:
			s.handle(ctx, j)
		}
	}
}

// handle runs one assemble -> deploy cycle for job (spec.md §4.8
// Idle/Running -> Assembling -> Deploying -> Running). Any watch loop still
// polling a previous generation's health is stopped first, so at most one
// generation is ever being watched concurrently.
func (s *Supervisor) handle(ctx context.Context, j job) {
	s.mu.Lock()
	if s.genCancel != nil {
		s.genCancel()
	}
	genCtx, genCancel := context.WithCancel(ctx)
	s.genCancel = genCancel
	s.mu.Unlock()

	s.setState(ctx, eventbus.StateAssembling, "")

	s.mu.Lock()
	local := s.local
	s.mu.Unlock()

	spec, effCfg, err := s.cfg.Assembler.Assemble(s.cfg.AgentTypeRef, local, j.remote)
	if err != nil {
		// spec.md §9 open question (a): preserve the last-applied effective
		// config and keep reporting its hash until a new Applied transition.
		s.setState(ctx, eventbus.StateFailed, err.Error())
		s.reportRemoteConfigStatus(ctx, j.hash, eventbus.StatusFailed, err)
		return
	}

	s.setState(ctx, eventbus.StateDeploying, "")

	if err := s.cfg.Backend.Apply(ctx, spec); err != nil {
		s.setState(ctx, eventbus.StateFailed, err.Error())
		s.reportRemoteConfigStatus(ctx, j.hash, eventbus.StatusFailed, err)
		return
	}

	s.mu.Lock()
	s.lastGood = effCfg
	s.lastHash = j.hash
	s.mu.Unlock()

	s.setState(ctx, eventbus.StateRunning, "")
	s.reportRemoteConfigStatus(ctx, j.hash, eventbus.StatusApplied, nil)
	s.publishEffectiveConfig(ctx, effCfg)

	go s.watch(genCtx, spec)
}

// watch polls health/version on the interval the deployment spec declares
// until its generation is superseded by handle() processing a newer job, or
// the supervisor stops (spec.md §4.8 "Running emits periodic ComponentHealth
// messages (only on change)").
func (s *Supervisor) watch(ctx context.Context, spec *assembler.DeploymentSpec) {
	interval := healthInterval(spec)
	if s.cfg.HealthPollInterval > 0 {
		interval = s.cfg.HealthPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := s.cfg.Backend.Health(ctx)
			s.mu.Lock()
			changed := h != s.lastHealth
			s.lastHealth = h
			s.mu.Unlock()

			if changed {
				s.publishHealth(ctx, h)
			}

			if !h.Healthy && isTerminal(h) {
				s.setState(ctx, eventbus.StateFailed, h.LastError)
				return
			}
		}
	}
}

func isTerminal(h eventbus.Health) bool {
	return h.Status == "restart_limit_exceeded"
}

func healthInterval(spec *assembler.DeploymentSpec) time.Duration {
	switch {
	case spec.OnHost != nil && spec.OnHost.Health != nil:
		switch {
		case spec.OnHost.Health.HTTP != nil && spec.OnHost.Health.HTTP.IntervalSeconds > 0:
			return time.Duration(spec.OnHost.Health.HTTP.IntervalSeconds) * time.Second
		case spec.OnHost.Health.File != nil && spec.OnHost.Health.File.IntervalSeconds > 0:
			return time.Duration(spec.OnHost.Health.File.IntervalSeconds) * time.Second
		}
	case spec.Kubernetes != nil && spec.Kubernetes.HealthInterval > 0:
		return spec.Kubernetes.HealthInterval
	}

	return DefaultHealthPollInterval
}

func (s *Supervisor) setState(ctx context.Context, state eventbus.SupervisorState, reason string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	if s.cfg.Hub == nil || s.cfg.Hub.Lifecycle == nil {
		return
	}

	_ = s.cfg.Hub.Lifecycle.Publish(ctx, eventbus.SupervisorLifecycleEvent{
		AgentID: s.cfg.AgentID,
		State:   state,
		Reason:  reason,
	})
}

func (s *Supervisor) reportRemoteConfigStatus(ctx context.Context, hash string, status eventbus.RemoteConfigStatus, err error) {
	if s.cfg.Hub == nil || s.cfg.Hub.RemoteConfig == nil {
		return
	}

	_ = s.cfg.Hub.RemoteConfig.Publish(ctx, eventbus.RemoteConfigEvent{
		Target: s.cfg.AgentID,
		Hash:   hash,
		Status: status,
		Err:    err,
		At:     time.Now(),
	})
}

func (s *Supervisor) publishHealth(ctx context.Context, h eventbus.Health) {
	if s.cfg.Hub == nil || s.cfg.Hub.Health == nil {
		return
	}

	_ = s.cfg.Hub.Health.Publish(ctx, eventbus.HealthEvent{AgentID: s.cfg.AgentID, Health: h})
}

func (s *Supervisor) publishEffectiveConfig(ctx context.Context, cfg *assembler.EffectiveConfig) {
	if s.cfg.Hub == nil || s.cfg.Hub.EffectiveConfig == nil {
		return
	}

	_ = s.cfg.Hub.EffectiveConfig.Publish(ctx, eventbus.EffectiveConfigEvent{AgentID: s.cfg.AgentID, Hash: cfg.Hash})
}
