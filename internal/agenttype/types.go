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

// Package agenttype implements spec.md C2: parsing and validating an
// agent-type YAML definition into an immutable, renderable Definition.
package agenttype

import (
	"fmt"
	"regexp"

	"github.com/blang/semver"
)

// Kind enumerates the declared variable kinds from spec.md §3. file and
// MapFile are valid only in the on_host scope.
type Kind string

const (
	KindString    Kind = "string"
	KindNumber    Kind = "number"
	KindBool      Kind = "bool"
	KindYAML      Kind = "yaml"
	KindMapString Kind = "map[string]string"
	KindMapYAML   Kind = "map[string]yaml"
	KindFile      Kind = "file"
	KindMapFile   Kind = "map[string]file"
	// KindPackage is SPEC_FULL.md S4: a common-scope variable whose value is
	// an OCI package coordinate, resolved to an installed path by C4 during
	// assembly before rendering.
	KindPackage Kind = "package"
)

func (k Kind) onHostOnly() bool {
	return k == KindFile || k == KindMapFile
}

// commonOnly reports whether k may only be declared in the common scope
// (spec.md §3 data model only lists file/map[string]file as on-host-only;
// SPEC_FULL.md S4 adds this second restriction for the package kind, since
// a package coordinate has the same meaning on-host or in Kubernetes).
func (k Kind) commonOnly() bool {
	return k == KindPackage
}

// Scope names one of the three variable-tree branches (spec.md §3).
type Scope string

const (
	ScopeCommon Scope = "common"
	ScopeOnHost Scope = "on_host"
	ScopeK8s    Scope = "k8s"
)

// VariableDefinition is a single leaf of the variables tree.
type VariableDefinition struct {
	Description string   `yaml:"description"`
	Kind        Kind     `yaml:"kind"`
	Required    bool     `yaml:"required"`
	Default     any      `yaml:"default,omitempty"`
	Variants    []any    `yaml:"variants,omitempty"`
	FilePath    string   `yaml:"file_path,omitempty"`
}

// VariableNode is either a VariableDefinition leaf or a nested map of named
// VariableNodes; the tree may be arbitrarily nested (spec.md §3).
type VariableNode struct {
	Leaf     *VariableDefinition
	Children map[string]*VariableNode
}

func (n *VariableNode) isLeaf() bool { return n != nil && n.Leaf != nil }

// Ref is a parsed AgentTypeRef ("namespace/name:version", spec.md §3).
type Ref struct {
	Namespace string
	Name      string
	Version   semver.Version
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s:%s", r.Namespace, r.Name, r.Version.String())
}

var refPattern = regexp.MustCompile(`^([a-z][a-z0-9._-]*)/([a-z][a-z0-9._-]*):(.+)$`)

// ParseRef validates and parses an AgentTypeRef string.
func ParseRef(s string) (Ref, error) {
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return Ref{}, fmt.Errorf("agent type ref %q: must match namespace/name:version", s)
	}

	v, err := semver.Parse(m[3])
	if err != nil {
		return Ref{}, fmt.Errorf("agent type ref %q: version: %w", s, err)
	}

	return Ref{Namespace: m[1], Name: m[2], Version: v}, nil
}

// Metadata identifies an agent-type definition (spec.md §3).
type Metadata struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
}

// BackoffKind enumerates the restart-policy backoff shapes (spec.md §3).
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RestartPolicy mirrors spec.md §3 RestartPolicy.
type RestartPolicy struct {
	ExitCodesToRestart []int       `yaml:"exit_codes_to_restart,omitempty"`
	Backoff            BackoffKind `yaml:"backoff"`
	InitialDelayMS     int         `yaml:"initial_delay_ms"`
	MaxRetries         int         `yaml:"max_retries"`
	LastRetryInterval  int         `yaml:"last_retry_interval_seconds"`
}

// HealthSpec configures an on-host health check (spec.md §4.6).
type HealthSpec struct {
	HTTP *HTTPHealthSpec `yaml:"http,omitempty"`
	File *FileHealthSpec `yaml:"file,omitempty"`
}

type HTTPHealthSpec struct {
	Host               string            `yaml:"host"`
	Port               string            `yaml:"port"`
	Path               string            `yaml:"path"`
	Headers            map[string]string `yaml:"headers,omitempty"`
	HealthyStatusCodes []int             `yaml:"healthy_status_codes,omitempty"`
	IntervalSeconds    int               `yaml:"interval_seconds"`
	TimeoutSeconds     int               `yaml:"timeout_seconds"`
}

type FileHealthSpec struct {
	Path            string `yaml:"path"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// VersionSpec configures the on-host version probe (spec.md §4.6).
type VersionSpec struct {
	Command         string `yaml:"command"`
	Args            []string `yaml:"args,omitempty"`
	Regex           string `yaml:"regex,omitempty"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// ExecutableTemplate is the templated form of spec.md §3 ExecutableSpec:
// fields are rendered strings still containing `${nr-var:…}` placeholders
// until C1 renders them.
type ExecutableTemplate struct {
	Path    string            `yaml:"path"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Workdir string            `yaml:"workdir,omitempty"`
}

// OnHostDeployment is the on_host branch of spec.md §3 DeploymentSpec, still
// in template form.
type OnHostDeployment struct {
	Executable        ExecutableTemplate `yaml:"executable"`
	Health            *HealthSpec        `yaml:"health,omitempty"`
	Version           *VersionSpec       `yaml:"version,omitempty"`
	EnableFileLogging bool               `yaml:"enable_file_logging"`
	RestartPolicy     RestartPolicy      `yaml:"restart_policy"`
}

// KubernetesDeployment is the k8s branch, objects kept as raw templated YAML
// documents (rendered individually and unmarshaled by C7).
type KubernetesDeployment struct {
	Objects             []string `yaml:"objects"`
	HealthIntervalSecs  int      `yaml:"health_interval_seconds"`
	VersionCheck        *K8sVersionCheck `yaml:"version_check,omitempty"`
}

type K8sVersionCheck struct {
	InitialDelaySeconds int    `yaml:"initial_delay_seconds"`
	IntervalSeconds     int    `yaml:"interval_seconds"`
	FieldPath           string `yaml:"field_path"`
}

// Deployment requires at least one of OnHost or Kubernetes (spec.md §3).
type Deployment struct {
	OnHost     *OnHostDeployment     `yaml:"on_host,omitempty"`
	Kubernetes *KubernetesDeployment `yaml:"k8s,omitempty"`
}

// Definition is the immutable, validated output of C2.
type Definition struct {
	Metadata   Metadata
	Variables  map[Scope]*VariableNode
	Deployment Deployment
}

func (d *Definition) Ref() (Ref, error) {
	return ParseRef(fmt.Sprintf("%s/%s:%s", d.Metadata.Namespace, d.Metadata.Name, d.Metadata.Version))
}
