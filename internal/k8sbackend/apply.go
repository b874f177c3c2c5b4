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

// Package k8sbackend implements spec.md C7: the Kubernetes deployment
// backend, the Kubernetes-side twin of internal/onhost's capability set.
package k8sbackend

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	kerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
	syaml "sigs.k8s.io/yaml"
)

func isNotFound(err error) bool { return apierrors.IsNotFound(err) }

// objRef names an applied object for later health/version inspection and
// cleanup, independent of the unstructured content that produced it.
type objRef struct {
	apiVersion string
	kind       string
	namespace  string
	name       string
}

func (r objRef) newObject() *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetAPIVersion(r.apiVersion)
	u.SetKind(r.kind)
	u.SetNamespace(r.namespace)
	u.SetName(r.name)
	return u
}

// parseObjects decodes each rendered YAML document into an unstructured
// object. sigs.k8s.io/yaml is used because unstructured.Unstructured only
// implements json.Unmarshaler, and every rendered document here came from
// this process's own canonical-YAML path (spec.md §4.7), not a
// human-edited one.
func parseObjects(docs []string) ([]*unstructured.Unstructured, error) {
	objs := make([]*unstructured.Unstructured, 0, len(docs))
	var errs []error

	for i, doc := range docs {
		u := &unstructured.Unstructured{}
		if err := syaml.Unmarshal([]byte(doc), &u.Object); err != nil {
			errs = append(errs, fmt.Errorf("object %d: %w", i, err))
			continue
		}
		if u.GetAPIVersion() == "" || u.GetKind() == "" || u.GetName() == "" {
			errs = append(errs, fmt.Errorf("object %d: missing apiVersion/kind/metadata.name", i))
			continue
		}
		objs = append(objs, u)
	}

	if len(errs) > 0 {
		return nil, kerrors.NewAggregate(errs)
	}

	return objs, nil
}

// applyAll server-side applies every object, owned by fieldManager
// (spec.md §4.7: "server-side apply, forcing ownership of the fields this
// process manages").
func applyAll(ctx context.Context, cli client.Client, fieldManager string, objs []*unstructured.Unstructured) ([]objRef, error) {
	refs := make([]objRef, 0, len(objs))
	var errs []error

	for _, obj := range objs {
		patchOpts := []client.PatchOption{
			client.ForceOwnership,
			client.FieldOwner(fieldManager),
		}

		if err := cli.Patch(ctx, obj, client.Apply, patchOpts...); err != nil {
			errs = append(errs, fmt.Errorf("applying %s %s/%s: %w", obj.GetKind(), obj.GetNamespace(), obj.GetName(), err))
			continue
		}

		refs = append(refs, objRef{
			apiVersion: obj.GetAPIVersion(),
			kind:       obj.GetKind(),
			namespace:  obj.GetNamespace(),
			name:       obj.GetName(),
		})
	}

	if len(errs) > 0 {
		return refs, kerrors.NewAggregate(errs)
	}

	return refs, nil
}

// deleteAll removes every previously-applied object (spec.md §4.8 Stopping
// -> Terminated for the Kubernetes backend).
func deleteAll(ctx context.Context, cli client.Client, refs []objRef) error {
	var errs []error

	for _, ref := range refs {
		obj := ref.newObject()
		if err := cli.Delete(ctx, obj); err != nil && !isNotFound(err) {
			errs = append(errs, fmt.Errorf("deleting %s %s/%s: %w", ref.kind, ref.namespace, ref.name, err))
		}
	}

	if len(errs) > 0 {
		return kerrors.NewAggregate(errs)
	}

	return nil
}
