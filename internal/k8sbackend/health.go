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
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/newrelic/agent-control-go/internal/eventbus"
)

// inspectHealth fetches each ref and derives an eventbus.Health, ANDing
// every object's result together: the deployment is healthy only if every
// applied object is (spec.md §4.7 health inspection).
func inspectHealth(ctx context.Context, cli client.Client, refs []objRef) eventbus.Health {
	now := time.Now().UnixNano()

	if len(refs) == 0 {
		return eventbus.Health{Healthy: false, Status: "not applied", StatusTimeUnixNano: now}
	}

	var unhealthy []string

	for _, ref := range refs {
		obj := ref.newObject()
		if err := cli.Get(ctx, client.ObjectKey{Namespace: ref.namespace, Name: ref.name}, obj); err != nil {
			unhealthy = append(unhealthy, fmt.Sprintf("%s %s/%s: %s", ref.kind, ref.namespace, ref.name, err))
			continue
		}

		if ok, reason := objectIsHealthy(obj); !ok {
			unhealthy = append(unhealthy, fmt.Sprintf("%s %s/%s: %s", ref.kind, ref.namespace, ref.name, reason))
		}
	}

	if len(unhealthy) > 0 {
		return eventbus.Health{
			Healthy:            false,
			Status:             "unhealthy",
			LastError:          joinSemicolon(unhealthy),
			StatusTimeUnixNano: now,
		}
	}

	return eventbus.Health{Healthy: true, Status: "healthy", StatusTimeUnixNano: now}
}

// objectIsHealthy classifies a single object by kind, each against its own
// spec.md §4.7 formula: Deployment/StatefulSet/DaemonSet against their
// workload-specific status counters, Instrumentation against its pod-count
// fields, everything else (Helm's HelmRelease/HelmRepository, and any other
// generic CR) against its status.conditions[type=Ready].
func objectIsHealthy(obj *unstructured.Unstructured) (bool, string) {
	switch obj.GetKind() {
	case "Deployment":
		return deploymentIsHealthy(obj)
	case "StatefulSet":
		return statefulSetIsHealthy(obj)
	case "DaemonSet":
		return daemonSetIsHealthy(obj)
	case "Instrumentation":
		return instrumentationIsHealthy(obj)
	default:
		return conditionIsHealthy(obj)
	}
}

// deploymentIsHealthy implements spec.md §4.7's Deployment rule:
// status.unavailableReplicas == 0.
func deploymentIsHealthy(obj *unstructured.Unstructured) (bool, string) {
	unavailable, found, _ := unstructured.NestedInt64(obj.Object, "status", "unavailableReplicas")
	if !found {
		unavailable = 0
	}

	if unavailable != 0 {
		return false, fmt.Sprintf("%d replicas unavailable", unavailable)
	}

	return true, ""
}

// statefulSetIsHealthy implements spec.md §4.7's StatefulSet rule:
// spec.replicas == status.readyReplicas.
func statefulSetIsHealthy(obj *unstructured.Unstructured) (bool, string) {
	wantReplicas, found, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
	if !found {
		wantReplicas = 1 // spec.replicas defaults to 1 when unset.
	}

	ready, found, _ := unstructured.NestedInt64(obj.Object, "status", "readyReplicas")
	if !found {
		ready = 0
	}

	if ready != wantReplicas {
		return false, fmt.Sprintf("%d/%d replicas ready", ready, wantReplicas)
	}

	return true, ""
}

// daemonSetIsHealthy implements spec.md §4.7's DaemonSet rule:
// desiredNumberScheduled == numberReady, numberUnavailable == 0, and (rolling
// update) updatedNumberScheduled == desiredNumberScheduled.
func daemonSetIsHealthy(obj *unstructured.Unstructured) (bool, string) {
	desired, _, _ := unstructured.NestedInt64(obj.Object, "status", "desiredNumberScheduled")
	ready, _, _ := unstructured.NestedInt64(obj.Object, "status", "numberReady")
	unavailable, _, _ := unstructured.NestedInt64(obj.Object, "status", "numberUnavailable")
	updated, _, _ := unstructured.NestedInt64(obj.Object, "status", "updatedNumberScheduled")

	if desired != ready {
		return false, fmt.Sprintf("%d/%d pods ready", ready, desired)
	}
	if unavailable != 0 {
		return false, fmt.Sprintf("%d pods unavailable", unavailable)
	}
	if updated != desired {
		return false, fmt.Sprintf("%d/%d pods updated", updated, desired)
	}

	return true, ""
}

// instrumentationIsHealthy implements spec.md §4.7's Instrumentation rule:
// podsNotReady == 0 ∧ podsUnhealthy == 0 ∧ podsHealthy > 0 ∧ podsMatching > 0
// ∧ podsInjected == podsMatching, with unhealthyPodsErrors[] as last_error.
func instrumentationIsHealthy(obj *unstructured.Unstructured) (bool, string) {
	notReady, _, _ := unstructured.NestedInt64(obj.Object, "status", "podsNotReady")
	unhealthy, _, _ := unstructured.NestedInt64(obj.Object, "status", "podsUnhealthy")
	healthy, _, _ := unstructured.NestedInt64(obj.Object, "status", "podsHealthy")
	matching, _, _ := unstructured.NestedInt64(obj.Object, "status", "podsMatching")
	injected, _, _ := unstructured.NestedInt64(obj.Object, "status", "podsInjected")

	ok := notReady == 0 && unhealthy == 0 && healthy > 0 && matching > 0 && injected == matching
	if ok {
		return true, ""
	}

	if errs, found, _ := unstructured.NestedStringSlice(obj.Object, "status", "unhealthyPodsErrors"); found && len(errs) > 0 {
		return false, joinSemicolon(errs)
	}

	return false, fmt.Sprintf("podsNotReady=%d podsUnhealthy=%d podsHealthy=%d podsMatching=%d podsInjected=%d",
		notReady, unhealthy, healthy, matching, injected)
}

// conditionIsHealthy implements spec.md §4.7's Helm-release rule (and is
// reused for any other generic CR): the ready condition must be present
// and true; false or missing is unhealthy.
func conditionIsHealthy(obj *unstructured.Unstructured) (bool, string) {
	conditions, found, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	if !found || len(conditions) == 0 {
		return false, "status.conditions[type=Ready] not yet reported"
	}

	for _, c := range conditions {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if fmt.Sprint(cm["type"]) != "Ready" {
			continue
		}
		status := fmt.Sprint(cm["status"])
		if status == "True" {
			return true, ""
		}
		return false, fmt.Sprintf("Ready=%s: %s", status, cm["message"])
	}

	return false, "status.conditions[type=Ready] not yet reported"
}

func joinSemicolon(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "; "
		}
		out += p
	}
	return out
}
