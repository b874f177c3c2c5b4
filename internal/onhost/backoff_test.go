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
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/newrelic/agent-control-go/internal/agenttype"
)

func TestNewBackOffFixedIsConstant(t *testing.T) {
	g := NewWithT(t)
	bo := newBackOff(agenttype.RestartPolicy{Backoff: agenttype.BackoffFixed, InitialDelayMS: 100})

	g.Expect(bo.NextBackOff()).To(Equal(100 * time.Millisecond))
	g.Expect(bo.NextBackOff()).To(Equal(100 * time.Millisecond))
}

func TestNewBackOffLinearGrowsByInitialEachStep(t *testing.T) {
	g := NewWithT(t)
	bo := newBackOff(agenttype.RestartPolicy{Backoff: agenttype.BackoffLinear, InitialDelayMS: 100})

	g.Expect(bo.NextBackOff()).To(Equal(200 * time.Millisecond))
	g.Expect(bo.NextBackOff()).To(Equal(300 * time.Millisecond))
	bo.Reset()
	g.Expect(bo.NextBackOff()).To(Equal(200 * time.Millisecond))
}

func TestNewBackOffExponentialGrows(t *testing.T) {
	g := NewWithT(t)
	bo := newBackOff(agenttype.RestartPolicy{Backoff: agenttype.BackoffExponential, InitialDelayMS: 100})

	first := bo.NextBackOff()
	second := bo.NextBackOff()
	g.Expect(first).To(BeNumerically(">", 0))
	g.Expect(second).To(BeNumerically(">=", first))
}

func TestRestartCounterExceedsAfterMaxRetries(t *testing.T) {
	g := NewWithT(t)
	policy := agenttype.RestartPolicy{MaxRetries: 2, LastRetryInterval: 60}
	c := newRestartCounter(policy)

	now := time.Unix(1000, 0)
	g.Expect(c.RecordExit(now)).To(BeFalse())
	g.Expect(c.RecordExit(now.Add(time.Second))).To(BeFalse())
	g.Expect(c.RecordExit(now.Add(2 * time.Second))).To(BeTrue())
}

func TestRestartCounterResetsAfterSurvivingInterval(t *testing.T) {
	g := NewWithT(t)
	policy := agenttype.RestartPolicy{MaxRetries: 1, LastRetryInterval: 5}
	c := newRestartCounter(policy)

	now := time.Unix(1000, 0)
	g.Expect(c.RecordExit(now)).To(BeFalse())
	g.Expect(c.RecordExit(now.Add(10 * time.Second))).To(BeFalse())
}

func TestShouldRestartDefaultsToAnyNonZero(t *testing.T) {
	g := NewWithT(t)
	policy := agenttype.RestartPolicy{}

	g.Expect(shouldRestart(policy, 0)).To(BeFalse())
	g.Expect(shouldRestart(policy, 1)).To(BeTrue())
}

func TestShouldRestartHonoursExplicitExitCodes(t *testing.T) {
	g := NewWithT(t)
	policy := agenttype.RestartPolicy{ExitCodesToRestart: []int{137}}

	g.Expect(shouldRestart(policy, 1)).To(BeFalse())
	g.Expect(shouldRestart(policy, 137)).To(BeTrue())
}
