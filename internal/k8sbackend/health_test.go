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
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func deploymentObj(unavailable int64) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   map[string]any{"name": "otelcol", "namespace": "default"},
		"status": map[string]any{
			"unavailableReplicas": unavailable,
		},
	}}
}

func TestDeploymentIsHealthyWhenNoUnavailableReplicas(t *testing.T) {
	g := NewWithT(t)
	ok, reason := deploymentIsHealthy(deploymentObj(0))
	g.Expect(ok).To(BeTrue())
	g.Expect(reason).To(BeEmpty())
}

func TestDeploymentIsHealthyWhenUnavailableReplicasFieldAbsent(t *testing.T) {
	g := NewWithT(t)
	obj := &unstructured.Unstructured{Object: map[string]any{"apiVersion": "apps/v1", "kind": "Deployment"}}
	ok, _ := deploymentIsHealthy(obj)
	g.Expect(ok).To(BeTrue())
}

func TestDeploymentIsUnhealthyWhenReplicasUnavailable(t *testing.T) {
	g := NewWithT(t)
	ok, reason := deploymentIsHealthy(deploymentObj(2))
	g.Expect(ok).To(BeFalse())
	g.Expect(reason).To(ContainSubstring("2 replicas unavailable"))
}

func statefulSetObj(wantReplicas, ready int64) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"kind": "StatefulSet",
		"spec": map[string]any{
			"replicas": wantReplicas,
		},
		"status": map[string]any{
			"readyReplicas": ready,
		},
	}}
}

func TestStatefulSetIsHealthyWhenReadyMatchesDesired(t *testing.T) {
	g := NewWithT(t)
	ok, _ := statefulSetIsHealthy(statefulSetObj(3, 3))
	g.Expect(ok).To(BeTrue())
}

func TestStatefulSetIsUnhealthyWhenReadyBelowDesired(t *testing.T) {
	g := NewWithT(t)
	ok, reason := statefulSetIsHealthy(statefulSetObj(3, 1))
	g.Expect(ok).To(BeFalse())
	g.Expect(reason).To(ContainSubstring("1/3"))
}

func daemonSetObj(desired, ready, unavailable, updated int64) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"kind": "DaemonSet",
		"status": map[string]any{
			"desiredNumberScheduled": desired,
			"numberReady":            ready,
			"numberUnavailable":      unavailable,
			"updatedNumberScheduled": updated,
		},
	}}
}

func TestDaemonSetIsHealthyWhenFullyRolledOut(t *testing.T) {
	g := NewWithT(t)
	ok, _ := daemonSetIsHealthy(daemonSetObj(3, 3, 0, 3))
	g.Expect(ok).To(BeTrue())
}

func TestDaemonSetIsUnhealthyWhenNotAllReady(t *testing.T) {
	g := NewWithT(t)
	ok, reason := daemonSetIsHealthy(daemonSetObj(3, 2, 1, 3))
	g.Expect(ok).To(BeFalse())
	g.Expect(reason).To(ContainSubstring("2/3 pods ready"))
}

func TestDaemonSetIsUnhealthyMidRollingUpdate(t *testing.T) {
	g := NewWithT(t)
	ok, reason := daemonSetIsHealthy(daemonSetObj(3, 3, 0, 1))
	g.Expect(ok).To(BeFalse())
	g.Expect(reason).To(ContainSubstring("1/3 pods updated"))
}

func instrumentationObj(notReady, unhealthy, healthy, matching, injected int64) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"kind": "Instrumentation",
		"status": map[string]any{
			"podsNotReady":  notReady,
			"podsUnhealthy": unhealthy,
			"podsHealthy":   healthy,
			"podsMatching":  matching,
			"podsInjected":  injected,
		},
	}}
}

func TestInstrumentationIsHealthyWhenAllPodsInjectedAndHealthy(t *testing.T) {
	g := NewWithT(t)
	ok, _ := instrumentationIsHealthy(instrumentationObj(0, 0, 2, 2, 2))
	g.Expect(ok).To(BeTrue())
}

func TestInstrumentationIsUnhealthyWhenEmpty(t *testing.T) {
	g := NewWithT(t)
	ok, _ := instrumentationIsHealthy(&unstructured.Unstructured{Object: map[string]any{"kind": "Instrumentation"}})
	g.Expect(ok).To(BeFalse())
}

func TestInstrumentationIsUnhealthyWhenPodsUnhealthy(t *testing.T) {
	g := NewWithT(t)
	obj := instrumentationObj(0, 1, 1, 2, 2)
	obj.Object["status"].(map[string]any)["unhealthyPodsErrors"] = []any{"pod foo crashlooping"}
	ok, reason := instrumentationIsHealthy(obj)
	g.Expect(ok).To(BeFalse())
	g.Expect(reason).To(ContainSubstring("crashlooping"))
}

func TestInstrumentationIsUnhealthyWhenInjectedLagsMatching(t *testing.T) {
	g := NewWithT(t)
	ok, _ := instrumentationIsHealthy(instrumentationObj(0, 0, 2, 3, 2))
	g.Expect(ok).To(BeFalse())
}

func TestConditionIsHealthyWithReadyTrue(t *testing.T) {
	g := NewWithT(t)
	obj := &unstructured.Unstructured{Object: map[string]any{
		"status": map[string]any{
			"conditions": []any{
				map[string]any{"type": "Ready", "status": "True"},
			},
		},
	}}
	ok, _ := conditionIsHealthy(obj)
	g.Expect(ok).To(BeTrue())
}

func TestConditionIsHealthyWithReadyFalse(t *testing.T) {
	g := NewWithT(t)
	obj := &unstructured.Unstructured{Object: map[string]any{
		"status": map[string]any{
			"conditions": []any{
				map[string]any{"type": "Ready", "status": "False", "message": "waiting on dependency"},
			},
		},
	}}
	ok, reason := conditionIsHealthy(obj)
	g.Expect(ok).To(BeFalse())
	g.Expect(reason).To(ContainSubstring("waiting on dependency"))
}

func TestConditionIsHealthyIsUnhealthyWithNoConditions(t *testing.T) {
	g := NewWithT(t)
	obj := &unstructured.Unstructured{Object: map[string]any{}}
	ok, _ := conditionIsHealthy(obj)
	g.Expect(ok).To(BeFalse())
}

func TestObjectIsHealthyDispatchesByKind(t *testing.T) {
	g := NewWithT(t)
	ok, _ := objectIsHealthy(deploymentObj(0))
	g.Expect(ok).To(BeTrue())

	crd := &unstructured.Unstructured{Object: map[string]any{"kind": "Instrumentation"}}
	ok, _ = objectIsHealthy(crd)
	g.Expect(ok).To(BeFalse())

	helm := &unstructured.Unstructured{Object: map[string]any{
		"kind": "HelmRelease",
		"status": map[string]any{
			"conditions": []any{map[string]any{"type": "Ready", "status": "True"}},
		},
	}}
	ok, _ = objectIsHealthy(helm)
	g.Expect(ok).To(BeTrue())
}
