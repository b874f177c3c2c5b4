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

package onhost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/newrelic/agent-control-go/internal/assembler"
	"github.com/newrelic/agent-control-go/internal/eventbus"
)

// Backend is the on-host deployment backend: the capability set
// {Apply, Health, Version, Stop} the supervisor (C8) drives generically,
// the on-host twin of internal/k8sbackend's implementation of the same
// interface (spec.md §9 "supervisor is generic over the capability set").
type Backend struct {
	AgentID   string
	LogOpener LogOpener
	Log       logr.Logger

	mu      sync.Mutex
	proc    *Process
	spec    *assembler.OnHostSpec
	health  eventbus.Health
	stopped bool
	done    chan struct{}
}

// Apply starts spec.Executable under supervision, replacing any previously
// running invocation (spec.md §4.8 Deploying -> Running transition).
func (b *Backend) Apply(ctx context.Context, spec *assembler.OnHostSpec) error {
	b.mu.Lock()
	if b.proc != nil {
		b.mu.Unlock()
		if err := b.proc.Stop(10 * time.Second); err != nil {
			return fmt.Errorf("stopping previous invocation of %s: %w", b.AgentID, err)
		}
		b.mu.Lock()
	}

	proc := &Process{AgentID: b.AgentID, Log: b.Log}
	if spec.EnableFileLogging {
		proc.LogOpener = b.LogOpener
	}

	if err := proc.Start(spec.Executable); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("starting %s: %w", b.AgentID, err)
	}

	b.proc = proc
	b.spec = spec
	b.stopped = false
	b.done = make(chan struct{})
	b.health = eventbus.Health{Healthy: true, Status: "starting", StartTimeUnixNano: time.Now().UnixNano()}
	done := b.done
	b.mu.Unlock()

	go b.supervise(proc, spec, done)

	return nil
}

// supervise restarts proc per spec.RestartPolicy until Stop is called or
// max_retries is exceeded, at which point the backend reports unhealthy and
// gives up (spec.md §4.8: Running -> Failed on exhausted restarts).
func (b *Backend) supervise(proc *Process, spec *assembler.OnHostSpec, done chan struct{}) {
	bo := newBackOff(spec.RestartPolicy)
	counter := newRestartCounter(spec.RestartPolicy)

	for {
		select {
		case <-done:
			return
		case exit, ok := <-proc.Exited():
			if !ok {
				return
			}

			b.mu.Lock()
			stopped := b.stopped
			b.mu.Unlock()
			if stopped {
				return
			}

			if !shouldRestart(spec.RestartPolicy, exit.ExitCode) {
				b.setHealth(eventbus.Health{Status: "exited", LastError: fmt.Sprintf("exit code %d, not configured to restart", exit.ExitCode)})
				return
			}

			if counter.RecordExit(exit.At) {
				b.setHealth(eventbus.Health{Status: "restart_limit_exceeded", LastError: "max_retries exceeded"})
				if b.Log.GetSink() != nil {
					b.Log.Error(exit.Err, "on-host process exceeded max_retries", "agentID", b.AgentID)
				}
				return
			}

			delay := bo.NextBackOff()
			select {
			case <-done:
				return
			case <-time.After(delay):
			}

			if err := proc.Respawn(spec.Executable); err != nil {
				b.setHealth(eventbus.Health{Status: "respawn_failed", LastError: err.Error()})
				return
			}
		}
	}
}

func (b *Backend) setHealth(h eventbus.Health) {
	h.StatusTimeUnixNano = time.Now().UnixNano()
	b.mu.Lock()
	b.health = h
	b.mu.Unlock()
}

// Health reports the latest supervised-process health: an active check if
// the agent type declares one, the restart-supervision state otherwise.
func (b *Backend) Health(ctx context.Context) eventbus.Health {
	b.mu.Lock()
	spec := b.spec
	fallback := b.health
	b.mu.Unlock()

	if spec == nil {
		return eventbus.Health{Healthy: false, Status: "not applied"}
	}
	if spec.Health == nil {
		return fallback
	}

	checker := &HealthChecker{Spec: spec.Health}
	return checker.Check(ctx)
}

// Version runs the agent type's declared version probe, if any.
func (b *Backend) Version(ctx context.Context) (string, error) {
	b.mu.Lock()
	spec := b.spec
	b.mu.Unlock()

	if spec == nil || spec.Version == nil {
		return "", ErrNoVersionCommand
	}

	probe := &VersionProbe{Spec: spec.Version}
	return probe.Probe(ctx)
}

// Stop ends supervision and terminates the running process (spec.md §4.8
// Stopping -> Terminated).
func (b *Backend) Stop(ctx context.Context, grace time.Duration) error {
	b.mu.Lock()
	b.stopped = true
	proc := b.proc
	done := b.done
	b.mu.Unlock()

	if done != nil {
		close(done)
	}
	if proc == nil {
		return nil
	}
	return proc.Stop(grace)
}
