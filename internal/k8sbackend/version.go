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
	"strings"

	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/newrelic/agent-control-go/internal/agenttype"
)

// inspectVersion reads check.FieldPath (a dotted path such as
// "status.version" or "status.components.collector.version") out of the
// first applied object, the agent type's designated primary workload
// (spec.md §4.7 version probe for the k8s backend).
func inspectVersion(ctx context.Context, cli client.Client, refs []objRef, check *agenttype.K8sVersionCheck) (string, error) {
	if check == nil {
		return "", fmt.Errorf("no version check configured")
	}
	if len(refs) == 0 {
		return "", fmt.Errorf("no objects applied yet")
	}

	obj := refs[0].newObject()
	if err := cli.Get(ctx, client.ObjectKey{Namespace: refs[0].namespace, Name: refs[0].name}, obj); err != nil {
		return "", fmt.Errorf("fetching %s %s/%s: %w", refs[0].kind, refs[0].namespace, refs[0].name, err)
	}

	path := strings.Split(check.FieldPath, ".")
	value, found, err := nestedString(obj.Object, path)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("field path %q not found on %s %s/%s", check.FieldPath, refs[0].kind, refs[0].namespace, refs[0].name)
	}

	return value, nil
}

func nestedString(obj map[string]any, path []string) (string, bool, error) {
	cur := any(obj)

	for i, segment := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false, fmt.Errorf("path segment %q: not a map", strings.Join(path[:i], "."))
		}
		v, ok := m[segment]
		if !ok {
			return "", false, nil
		}
		cur = v
	}

	switch v := cur.(type) {
	case string:
		return v, true, nil
	default:
		return fmt.Sprint(v), true, nil
	}
}
