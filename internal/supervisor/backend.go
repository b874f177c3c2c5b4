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

// Package supervisor implements spec.md C8: the per-sub-agent state
// machine wiring the effective-agent assembler (C5) to a deployment
// backend (C6 or C7), driving health/version reporting and the
// remote-config ordering guarantees of spec.md §5.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/newrelic/agent-control-go/internal/assembler"
	"github.com/newrelic/agent-control-go/internal/eventbus"
	"github.com/newrelic/agent-control-go/internal/k8sbackend"
	"github.com/newrelic/agent-control-go/internal/onhost"
)

// Backend is the single capability set spec.md §9 "Design Notes" names:
// {apply(spec), health(), version(), stop()}. internal/onhost.Backend and
// internal/k8sbackend.Backend each implement the on-host/Kubernetes half of
// it against their own spec type; the adapters below erase that type
// difference behind assembler.DeploymentSpec's tagged union so Supervisor
// can be generic over either.
type Backend interface {
	Apply(ctx context.Context, spec *assembler.DeploymentSpec) error
	Health(ctx context.Context) eventbus.Health
	Version(ctx context.Context) (string, error)
	Stop(ctx context.Context, grace time.Duration) error
}

// OnHostBackend adapts *internal/onhost.Backend to the Backend interface.
type OnHostBackend struct {
	*onhost.Backend
}

func (b OnHostBackend) Apply(ctx context.Context, spec *assembler.DeploymentSpec) error {
	if spec.OnHost == nil {
		return fmt.Errorf("deployment spec has no on_host branch")
	}
	return b.Backend.Apply(ctx, spec.OnHost)
}

// KubernetesBackend adapts *internal/k8sbackend.Backend to the Backend interface.
type KubernetesBackend struct {
	*k8sbackend.Backend
}

func (b KubernetesBackend) Apply(ctx context.Context, spec *assembler.DeploymentSpec) error {
	if spec.Kubernetes == nil {
		return fmt.Errorf("deployment spec has no k8s branch")
	}
	return b.Backend.Apply(ctx, spec.Kubernetes)
}
