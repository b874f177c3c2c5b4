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
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/assembler"
)

func TestBackendApplyRunsExecutable(t *testing.T) {
	g := NewWithT(t)

	b := &Backend{AgentID: "test-agent"}
	spec := &assembler.OnHostSpec{
		Executable:    assembler.ExecutableSpec{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}},
		RestartPolicy: agenttype.RestartPolicy{Backoff: agenttype.BackoffFixed, InitialDelayMS: 10, MaxRetries: 1, LastRetryInterval: 1},
	}

	g.Expect(b.Apply(context.Background(), spec)).To(Succeed())
	g.Eventually(func() bool { return b.Health(context.Background()).Healthy }, time.Second).Should(BeTrue())

	g.Expect(b.Stop(context.Background(), 2*time.Second)).To(Succeed())
}

func TestBackendGivesUpAfterMaxRetries(t *testing.T) {
	g := NewWithT(t)

	b := &Backend{AgentID: "test-agent"}
	spec := &assembler.OnHostSpec{
		Executable:    assembler.ExecutableSpec{Path: "/bin/sh", Args: []string{"-c", "exit 1"}},
		RestartPolicy: agenttype.RestartPolicy{Backoff: agenttype.BackoffFixed, InitialDelayMS: 10, MaxRetries: 1, LastRetryInterval: 1},
	}

	g.Expect(b.Apply(context.Background(), spec)).To(Succeed())

	g.Eventually(func() bool {
		return !b.Health(context.Background()).Healthy
	}, 5*time.Second, 50*time.Millisecond).Should(BeTrue())
}

func TestBackendVersionRunsProbe(t *testing.T) {
	g := NewWithT(t)

	b := &Backend{AgentID: "test-agent"}
	spec := &assembler.OnHostSpec{
		Executable: assembler.ExecutableSpec{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}},
		Version:    &agenttype.VersionSpec{Command: "echo", Args: []string{"v1.2.3"}},
	}

	g.Expect(b.Apply(context.Background(), spec)).To(Succeed())
	defer func() { _ = b.Stop(context.Background(), time.Second) }()

	v, err := b.Version(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(v).To(ContainSubstring("v1.2.3"))
}

func TestBackendHealthBeforeApplyIsUnhealthy(t *testing.T) {
	g := NewWithT(t)

	b := &Backend{AgentID: "test-agent"}
	h := b.Health(context.Background())
	g.Expect(h.Healthy).To(BeFalse())
}
