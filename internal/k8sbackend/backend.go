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
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/newrelic/agent-control-go/internal/assembler"
	"github.com/newrelic/agent-control-go/internal/eventbus"
)

const defaultFieldManager = "newrelic-agent-control"

// Backend is the Kubernetes deployment backend: the same
// {Apply, Health, Version, Stop} capability set internal/onhost implements,
// driven identically by the supervisor (spec.md §9).
type Backend struct {
	AgentID      string
	Client       client.Client
	FieldManager string

	mu   sync.Mutex
	refs []objRef
	spec *assembler.KubernetesSpec
}

func (b *Backend) fieldManager() string {
	if b.FieldManager != "" {
		return b.FieldManager
	}
	return defaultFieldManager
}

// Apply server-side applies every object in spec.Objects, replacing the
// previously tracked object set.
func (b *Backend) Apply(ctx context.Context, spec *assembler.KubernetesSpec) error {
	objs, err := parseObjects(spec.Objects)
	if err != nil {
		return err
	}

	refs, err := applyAll(ctx, b.Client, b.fieldManager(), objs)

	b.mu.Lock()
	b.refs = refs
	b.spec = spec
	b.mu.Unlock()

	return err
}

// Health ANDs together the health of every currently-applied object.
func (b *Backend) Health(ctx context.Context) eventbus.Health {
	b.mu.Lock()
	refs := b.refs
	b.mu.Unlock()

	return inspectHealth(ctx, b.Client, refs)
}

// Version reads the configured version field path off the primary applied
// object.
func (b *Backend) Version(ctx context.Context) (string, error) {
	b.mu.Lock()
	refs := b.refs
	spec := b.spec
	b.mu.Unlock()

	if spec == nil || spec.VersionCheck == nil {
		return "", nil
	}

	return inspectVersion(ctx, b.Client, refs, spec.VersionCheck)
}

// Stop deletes every applied object (spec.md §4.8 Stopping -> Terminated).
func (b *Backend) Stop(ctx context.Context, _ time.Duration) error {
	b.mu.Lock()
	refs := b.refs
	b.refs = nil
	b.mu.Unlock()

	return deleteAll(ctx, b.Client, refs)
}
