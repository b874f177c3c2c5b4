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

// Package onhost implements spec.md C6: spawning and supervising an
// on-host process under a restart/backoff policy, with file/HTTP health
// checks and a periodic version probe.
package onhost

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/newrelic/agent-control-go/internal/agenttype"
)

// linearBackOff implements backoff.BackOff for spec.md's "linear:
// initial+n·initial" shape, which cenkalti/backoff/v4 has no built-in for.
type linearBackOff struct {
	initial time.Duration
	n       int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.initial + time.Duration(b.n)*b.initial
}

func (b *linearBackOff) Reset() { b.n = 0 }

// newBackOff builds the cenkalti/backoff/v4.BackOff for policy.Backoff
// (spec.md §4.6): fixed uses backoff.ConstantBackOff, exponential uses
// backoff.ExponentialBackOff with no elapsed-time cap (retry counting is
// handled separately by restartCounter), linear is a small adapter.
func newBackOff(policy agenttype.RestartPolicy) backoff.BackOff {
	initial := time.Duration(policy.InitialDelayMS) * time.Millisecond

	switch policy.Backoff {
	case agenttype.BackoffFixed:
		return backoff.NewConstantBackOff(initial)
	case agenttype.BackoffLinear:
		return &linearBackOff{initial: initial}
	case agenttype.BackoffExponential:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxElapsedTime = 0 // unbounded; max_retries governs when to stop
		return b
	default:
		return backoff.NewConstantBackOff(initial)
	}
}

// restartCounter tracks consecutive restart attempts within
// last_retry_interval, resetting once a run survives longer than that
// (spec.md §4.6: "A run that survives longer than last_retry_interval
// resets the counter").
type restartCounter struct {
	policy     agenttype.RestartPolicy
	attempts   int
	lastExitAt time.Time
}

func newRestartCounter(policy agenttype.RestartPolicy) *restartCounter {
	return &restartCounter{policy: policy}
}

// RecordExit records a process exit at now and reports whether max_retries
// has been exceeded, i.e. true means no further restart is permitted.
func (c *restartCounter) RecordExit(now time.Time) (exceeded bool) {
	interval := time.Duration(c.policy.LastRetryInterval) * time.Second

	if !c.lastExitAt.IsZero() && now.Sub(c.lastExitAt) > interval {
		c.attempts = 0
	}

	c.attempts++
	c.lastExitAt = now

	return c.attempts > c.policy.MaxRetries
}

// shouldRestart reports whether exitCode triggers a restart under policy
// (spec.md §4.6: "default, any non-zero").
func shouldRestart(policy agenttype.RestartPolicy, exitCode int) bool {
	if len(policy.ExitCodesToRestart) == 0 {
		return exitCode != 0
	}
	for _, c := range policy.ExitCodesToRestart {
		if c == exitCode {
			return true
		}
	}
	return false
}
