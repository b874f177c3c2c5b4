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

package main

import (
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/spf13/pflag"
)

func TestSelfUpdateSignalIgnoresEmptyAndCurrentVersion(t *testing.T) {
	g := NewWithT(t)

	s := &selfUpdateSignal{current: "1.2.3", requested: make(chan string, 1)}

	s.notify("")
	s.notify("1.2.3")

	g.Expect(s.requested).To(BeEmpty())
}

func TestSelfUpdateSignalNotifiesOnVersionChange(t *testing.T) {
	g := NewWithT(t)

	s := &selfUpdateSignal{current: "1.2.3", requested: make(chan string, 1)}

	s.notify("1.3.0")

	g.Expect(<-s.requested).To(Equal("1.3.0"))
}

func TestSelfUpdateSignalDropsSecondRequestWithoutBlocking(t *testing.T) {
	g := NewWithT(t)

	s := &selfUpdateSignal{current: "1.2.3", requested: make(chan string, 1)}

	s.notify("1.3.0")
	s.notify("1.4.0") // buffer already holds 1.3.0: dropped, not blocked.

	g.Expect(<-s.requested).To(Equal("1.3.0"))
}

func TestEnsureHostIDPersistsAcrossCalls(t *testing.T) {
	g := NewWithT(t)

	keyPath := filepath.Join(t.TempDir(), "keys", "agent-control-identity.key")

	first, err := ensureHostID(keyPath)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(first).NotTo(BeEmpty())

	second, err := ensureHostID(keyPath)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(second).To(Equal(first))

	g.Expect(filepath.Join(filepath.Dir(keyPath), "host_id")).To(BeAnExistingFile())
}

func TestErrSelfUpdateRequestedMessage(t *testing.T) {
	g := NewWithT(t)

	err := &errSelfUpdateRequested{toVersion: "2.0.0"}
	g.Expect(err.Error()).To(ContainSubstring("2.0.0"))
}

func TestBindFlagsDefaults(t *testing.T) {
	g := NewWithT(t)

	opts := &options{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindFlags(fs, opts)

	g.Expect(fs.Parse([]string{"--fleet-enabled", "--fleet-id=fleet-9"})).To(Succeed())
	g.Expect(opts.fleetEnabled).To(BeTrue())
	g.Expect(opts.fleetID).To(Equal("fleet-9"))
	g.Expect(opts.staticBase).To(Equal("/etc/newrelic-agent-control"))
}
