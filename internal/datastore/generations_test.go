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

package datastore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestSnapshotGenerationCopiesNestedTree(t *testing.T) {
	g := NewWithT(t)

	src := t.TempDir()
	g.Expect(os.MkdirAll(filepath.Join(src, "sub"), 0o755)).To(Succeed())
	g.Expect(os.WriteFile(filepath.Join(src, "config.yaml"), []byte("a: 1"), 0o644)).To(Succeed())
	g.Expect(os.WriteFile(filepath.Join(src, "sub", "nested.yaml"), []byte("b: 2"), 0o644)).To(Succeed())

	layout := NewLayout("", t.TempDir(), "")

	dst, err := layout.SnapshotGeneration("agent-1", src, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(dst).To(HaveSuffix("agent-1" + string(filepath.Separator) + "20260102T030405.000000000Z"))

	top, err := os.ReadFile(filepath.Join(dst, "config.yaml"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(top).To(Equal([]byte("a: 1")))

	nested, err := os.ReadFile(filepath.Join(dst, "sub", "nested.yaml"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(nested).To(Equal([]byte("b: 2")))
}

func TestSnapshotGenerationToleratesMissingSource(t *testing.T) {
	g := NewWithT(t)

	layout := NewLayout("", t.TempDir(), "")

	dst, err := layout.SnapshotGeneration("agent-1", filepath.Join(t.TempDir(), "does-not-exist"), time.Now())
	g.Expect(err).NotTo(HaveOccurred())

	entries, err := os.ReadDir(dst)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(entries).To(BeEmpty())
}
