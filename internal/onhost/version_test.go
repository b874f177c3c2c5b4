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

	. "github.com/onsi/gomega"

	"github.com/newrelic/agent-control-go/internal/agenttype"
)

func TestVersionProbeExtractsRegexGroup(t *testing.T) {
	g := NewWithT(t)

	p := &VersionProbe{Spec: &agenttype.VersionSpec{
		Command: "echo",
		Args:    []string{"otelcol version 0.98.1"},
		Regex:   `version (\S+)`,
	}}

	v, err := p.Probe(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(v).To(Equal("0.98.1"))
}

func TestVersionProbeNoRegexReturnsRawOutput(t *testing.T) {
	g := NewWithT(t)

	p := &VersionProbe{Spec: &agenttype.VersionSpec{Command: "echo", Args: []string{"hello"}}}

	v, err := p.Probe(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(v).To(ContainSubstring("hello"))
}

func TestVersionProbeNonMatchingRegexFails(t *testing.T) {
	g := NewWithT(t)

	p := &VersionProbe{Spec: &agenttype.VersionSpec{
		Command: "echo",
		Args:    []string{"no version here"},
		Regex:   `version (\d+\.\d+)`,
	}}

	_, err := p.Probe(context.Background())
	g.Expect(err).To(HaveOccurred())
}

func TestVersionProbeNoSpecReturnsErrNoVersionCommand(t *testing.T) {
	g := NewWithT(t)

	p := &VersionProbe{}
	_, err := p.Probe(context.Background())
	g.Expect(err).To(Equal(ErrNoVersionCommand))
}
