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

package k8sbackend

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestNestedStringFindsDottedPath(t *testing.T) {
	g := NewWithT(t)

	obj := map[string]any{
		"status": map[string]any{
			"components": map[string]any{
				"collector": map[string]any{"version": "0.98.1"},
			},
		},
	}

	v, found, err := nestedString(obj, []string{"status", "components", "collector", "version"})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(found).To(BeTrue())
	g.Expect(v).To(Equal("0.98.1"))
}

func TestNestedStringReportsNotFound(t *testing.T) {
	g := NewWithT(t)

	obj := map[string]any{"status": map[string]any{}}
	_, found, err := nestedString(obj, []string{"status", "version"})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(found).To(BeFalse())
}

func TestNestedStringErrorsOnNonMapSegment(t *testing.T) {
	g := NewWithT(t)

	obj := map[string]any{"status": "not-a-map"}
	_, _, err := nestedString(obj, []string{"status", "version"})
	g.Expect(err).To(HaveOccurred())
}
