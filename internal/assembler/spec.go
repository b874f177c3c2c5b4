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

// Package assembler implements spec.md C5: merging local and remote values
// over an agent-type definition, validating the result, and rendering it
// into a deployable DeploymentSpec plus its EffectiveConfig hash.
package assembler

import (
	"time"

	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/variables"
)

// ExecutableSpec is the rendered form of spec.md §3 ExecutableSpec: every
// `${...}` placeholder has already been substituted.
type ExecutableSpec struct {
	Path string
	Args []string
	// Env values may still carry shell-style $VAR/${VAR:-default} references;
	// onhost.Process expands these against its own inherited environment
	// immediately before spawning.
	Env     map[string]string
	Workdir string
}

// OnHostSpec is the rendered on_host branch of DeploymentSpec.
type OnHostSpec struct {
	Executable        ExecutableSpec
	Health            *agenttype.HealthSpec
	Version           *agenttype.VersionSpec
	EnableFileLogging bool
	RestartPolicy     agenttype.RestartPolicy
}

// KubernetesSpec is the rendered k8s branch: each entry of Objects is one
// fully-substituted YAML document.
type KubernetesSpec struct {
	Objects        []string
	HealthInterval time.Duration
	VersionCheck   *agenttype.K8sVersionCheck
}

// DeploymentSpec is the spec.md §3 tagged variant: exactly one of OnHost or
// Kubernetes is set, matching the scope assemble() was run for.
type DeploymentSpec struct {
	OnHost     *OnHostSpec
	Kubernetes *KubernetesSpec
}

// EffectiveConfig mirrors spec.md §3: the resolved Values plus the stable
// digest of their canonicalised YAML form.
type EffectiveConfig struct {
	Values variables.Values
	Hash   string
}
