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
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/drone/envsubst/v2"
	"github.com/go-logr/logr"

	"github.com/newrelic/agent-control-go/internal/assembler"
	"github.com/newrelic/agent-control-go/internal/datastore"
)

// ExitResult is delivered once the supervised process returns.
type ExitResult struct {
	ExitCode int
	Err      error
	At       time.Time
}

// LogOpener opens the stdout/stderr destinations for a new process
// invocation; DirLogOpener is the concrete implementation used outside
// tests.
type LogOpener interface {
	Open(agentID string) (stdout, stderr *os.File, closeFn func(), err error)
}

// DirLogOpener time-buckets stdout/stderr into Layout.AgentLogPath, one
// file per hour per stream (spec.md §6 log layout).
type DirLogOpener struct {
	Layout *datastore.Layout
	Now    func() time.Time
}

func (o DirLogOpener) Open(agentID string) (*os.File, *os.File, func(), error) {
	now := o.Now
	if now == nil {
		now = time.Now
	}
	bucket := now().Format("2006010215")

	stdoutPath := o.Layout.AgentLogPath(agentID, "stdout", bucket)
	stderrPath := o.Layout.AgentLogPath(agentID, "stderr", bucket)

	if err := os.MkdirAll(dirOf(stdoutPath), 0o755); err != nil {
		return nil, nil, nil, err
	}

	out, err := os.OpenFile(stdoutPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, nil, err
	}

	errf, err := os.OpenFile(stderrPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		_ = out.Close()
		return nil, nil, nil, err
	}

	return out, errf, func() { _ = out.Close(); _ = errf.Close() }, nil
}

func dirOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return "."
}

// Process supervises a single spawn of an on-host executable: respawn on
// request (the backoff delay is applied by Backend.supervise), optional file
// logging, and a graceful SIGTERM-then-SIGKILL stop (spec.md §4.6).
type Process struct {
	AgentID   string
	LogOpener LogOpener
	Log       logr.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool
	exitCh  chan ExitResult
	closeFn func()
}

// Start launches spec.Executable. Restart supervision is the caller's
// responsibility (see Backend.supervise); Start only spawns the first
// invocation and returns once it is running.
func (p *Process) Start(spec assembler.ExecutableSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.exitCh = make(chan ExitResult, 1)
	p.stopped = false

	return p.spawnLocked(spec)
}

func (p *Process) spawnLocked(spec assembler.ExecutableSpec) error {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Workdir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		expanded, err := envsubst.EvalEnv(v)
		if err != nil {
			return fmt.Errorf("expanding env %s for %s: %w", k, p.AgentID, err)
		}
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, expanded))
	}
	// Each invocation gets its own process group so Stop can signal the
	// whole tree, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if p.LogOpener != nil {
		stdout, stderr, closeFn, err := p.LogOpener.Open(p.AgentID)
		if err != nil {
			return fmt.Errorf("opening log files for %s: %w", p.AgentID, err)
		}
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		p.closeFn = closeFn
	}

	if err := cmd.Start(); err != nil {
		if p.closeFn != nil {
			p.closeFn()
		}
		return fmt.Errorf("starting %s: %w", spec.Path, err)
	}

	p.cmd = cmd

	go p.wait(cmd)

	return nil
}

func (p *Process) wait(cmd *exec.Cmd) {
	err := cmd.Wait()

	p.mu.Lock()
	if p.closeFn != nil {
		p.closeFn()
		p.closeFn = nil
	}
	p.mu.Unlock()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	select {
	case p.exitCh <- ExitResult{ExitCode: code, Err: err, At: time.Now()}:
	default:
	}
}

// Exited returns the channel on which the most recent invocation's exit is
// reported.
func (p *Process) Exited() <-chan ExitResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCh
}

// Respawn restarts the process with spec after a prior exit; callers are
// expected to have already consumed the backoff delay.
func (p *Process) Respawn(spec assembler.ExecutableSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return fmt.Errorf("process for %s has been stopped", p.AgentID)
	}
	p.exitCh = make(chan ExitResult, 1)
	return p.spawnLocked(spec)
}

// Stop signals SIGTERM, waits up to grace, then SIGKILLs the process group
// (spec.md §4.6 stop sequence).
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	cmd := p.cmd
	p.stopped = true
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return nil
	}
}
