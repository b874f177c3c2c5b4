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

	"github.com/newrelic/agent-control-go/internal/assembler"
)

func TestProcessStartReportsExitCode(t *testing.T) {
	g := NewWithT(t)

	p := &Process{AgentID: "test-agent"}
	err := p.Start(assembler.ExecutableSpec{Path: "/bin/sh", Args: []string{"-c", "exit 3"}})
	g.Expect(err).NotTo(HaveOccurred())

	select {
	case result := <-p.Exited():
		g.Expect(result.ExitCode).To(Equal(3))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process exit")
	}
}

func TestProcessStopSendsSIGTERM(t *testing.T) {
	g := NewWithT(t)

	p := &Process{AgentID: "test-agent"}
	err := p.Start(assembler.ExecutableSpec{Path: "/bin/sh", Args: []string{"-c", "trap 'exit 0' TERM; sleep 30"}})
	g.Expect(err).NotTo(HaveOccurred())

	err = p.Stop(5 * time.Second)
	g.Expect(err).NotTo(HaveOccurred())
}

func TestProcessRespawnStartsANewInvocation(t *testing.T) {
	g := NewWithT(t)

	p := &Process{AgentID: "test-agent"}
	g.Expect(p.Start(assembler.ExecutableSpec{Path: "/bin/sh", Args: []string{"-c", "exit 0"}})).To(Succeed())

	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first exit")
	}

	g.Expect(p.Respawn(assembler.ExecutableSpec{Path: "/bin/sh", Args: []string{"-c", "exit 7"}})).To(Succeed())

	select {
	case result := <-p.Exited():
		g.Expect(result.ExitCode).To(Equal(7))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second exit")
	}
}
