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

package assembler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	syaml "sigs.k8s.io/yaml"

	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/variables"
)

// DefinitionResolver looks up an agent-type definition by ref; satisfied by
// internal/registry.Registry.Lookup.
type DefinitionResolver interface {
	Lookup(ref agenttype.Ref) (*agenttype.Definition, error)
}

// RenderedLister lets the assembler prune rendered files a previous render
// wrote but this one didn't (spec.md §8). internal/variables.DirFileWriter
// satisfies this.
type RenderedLister interface {
	ListRendered() ([]string, error)
	Remove(path string) error
}

// PackageResolver turns a declared OCI package reference into its
// installed on-disk path, satisfied by
// internal/packagemanager.Manager.EnsureInstalledBlocking (SPEC_FULL.md
// S3/S4). A nil PackageResolver on Assembler leaves package-kind variables
// unresolved (valid for agent types that declare none).
type PackageResolver interface {
	EnsureInstalled(agentID, pkgID, ref string) (string, error)
}

// RunEnvironment selects which deployment branch assemble() renders.
type RunEnvironment int

const (
	RunOnHost RunEnvironment = iota
	RunKubernetes
)

func (e RunEnvironment) scope() agenttype.Scope {
	if e == RunKubernetes {
		return agenttype.ScopeK8s
	}
	return agenttype.ScopeOnHost
}

// Assembler implements spec.md C5's assemble() contract.
type Assembler struct {
	Resolver DefinitionResolver
	Env      RunEnvironment

	// FileWriter materializes file/map[string]file variable values; nil
	// disables file-kind variables (valid for RunKubernetes, which has none).
	FileWriter variables.FileWriter

	// Rendered, if set, is consulted after a successful render to delete
	// any previously-rendered file this pass didn't rewrite (spec.md §8).
	// Typically the same value as FileWriter (variables.DirFileWriter
	// implements both).
	Rendered RenderedLister

	// LookupEnv resolves nr-env references and process-env expansion inside
	// Values; defaults to os.LookupEnv when nil.
	LookupEnv func(name string) (string, bool)

	Sub variables.SubMeta
	AC  variables.ACMeta

	// AgentID identifies the owning supervisor to Packages.EnsureInstalled;
	// required only when the agent type declares package-kind variables.
	AgentID string
	// Packages resolves package-kind variables (SPEC_FULL.md S3/S4).
	Packages PackageResolver
}

// Assemble merges local and remote values over the definition named by
// ref, validates them, and renders the deployment spec (spec.md §4.5).
func (a *Assembler) Assemble(agentRef string, local, remote variables.Values) (*DeploymentSpec, *EffectiveConfig, error) {
	ref, err := agenttype.ParseRef(agentRef)
	if err != nil {
		return nil, nil, err
	}

	def, err := a.Resolver.Lookup(ref)
	if err != nil {
		return nil, nil, err
	}

	merged := variables.Merge(local, remote)

	res, err := resolveValues(def, a.Env.scope(), merged)
	if err != nil {
		return nil, nil, err
	}

	expanded, err := variables.ExpandEnvInValues(res.values, a.lookupEnv)
	if err != nil {
		return nil, nil, err
	}
	res.values = expanded

	sub := a.Sub
	if len(res.pkgVars) > 0 {
		if sub.PackageDirs == nil {
			sub.PackageDirs = make(map[string]string, len(res.pkgVars))
		} else {
			dirs := make(map[string]string, len(sub.PackageDirs)+len(res.pkgVars))
			for k, v := range sub.PackageDirs {
				dirs[k] = v
			}
			sub.PackageDirs = dirs
		}

		for path, pkgRef := range res.pkgVars {
			if a.Packages == nil {
				return nil, nil, fmt.Errorf("agent type declares package variable %q but no package resolver is configured", path)
			}

			pkgID := path
			if idx := lastDot(path); idx >= 0 {
				pkgID = path[idx+1:]
			}

			dir, err := a.Packages.EnsureInstalled(a.AgentID, pkgID, pkgRef)
			if err != nil {
				return nil, nil, fmt.Errorf("resolving package variable %q: %w", path, err)
			}

			sub.PackageDirs[pkgID] = dir
			res.values.Set(path, dir)
		}
	}

	hash, err := canonicalHash(res.values)
	if err != nil {
		return nil, nil, fmt.Errorf("hashing effective config: %w", err)
	}

	renderer := variables.NewRenderer(res.fileVars, a.FileWriter)
	renderEnv := variables.Env{Values: res.values, ProcessEnv: a.lookupEnv, Sub: sub, AC: a.AC}

	spec, err := a.render(def, renderer, renderEnv)
	if err != nil {
		return nil, nil, err
	}

	if a.Rendered != nil {
		if existing, lerr := a.Rendered.ListRendered(); lerr == nil {
			if ferr := renderer.Finalize(existing, a.Rendered.Remove); ferr != nil {
				return nil, nil, ferr
			}
		}
	}

	return spec, &EffectiveConfig{Values: res.values, Hash: hash}, nil
}

// lastDot returns the index of the final "." in path, or -1 if path has no
// dot (a top-level variable name already is its own package id).
func lastDot(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return i
		}
	}
	return -1
}

func (a *Assembler) lookupEnv(name string) (string, bool) {
	if a.LookupEnv != nil {
		return a.LookupEnv(name)
	}
	return os.LookupEnv(name)
}

func (a *Assembler) render(def *agenttype.Definition, r *variables.Renderer, env variables.Env) (*DeploymentSpec, error) {
	switch a.Env {
	case RunOnHost:
		return a.renderOnHost(def, r, env)
	case RunKubernetes:
		return a.renderKubernetes(def, r, env)
	default:
		return nil, fmt.Errorf("unknown run environment %d", a.Env)
	}
}

func (a *Assembler) renderOnHost(def *agenttype.Definition, r *variables.Renderer, env variables.Env) (*DeploymentSpec, error) {
	tmpl := def.Deployment.OnHost
	if tmpl == nil {
		return nil, fmt.Errorf("agent type %s has no on_host deployment", def.Metadata.Name)
	}

	path, err := r.Render(tmpl.Executable.Path, env)
	if err != nil {
		return nil, err
	}

	workdir, err := r.Render(tmpl.Executable.Workdir, env)
	if err != nil {
		return nil, err
	}

	args := make([]string, len(tmpl.Executable.Args))
	for i, a2 := range tmpl.Executable.Args {
		v, err := r.Render(a2, env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	envMap := make(map[string]string, len(tmpl.Executable.Env))
	for k, v := range tmpl.Executable.Env {
		rv, err := r.Render(v, env)
		if err != nil {
			return nil, err
		}
		envMap[k] = rv
	}

	return &DeploymentSpec{OnHost: &OnHostSpec{
		Executable:        ExecutableSpec{Path: path, Args: args, Env: envMap, Workdir: workdir},
		Health:            tmpl.Health,
		Version:           tmpl.Version,
		EnableFileLogging: tmpl.EnableFileLogging,
		RestartPolicy:     tmpl.RestartPolicy,
	}}, nil
}

func (a *Assembler) renderKubernetes(def *agenttype.Definition, r *variables.Renderer, env variables.Env) (*DeploymentSpec, error) {
	tmpl := def.Deployment.Kubernetes
	if tmpl == nil {
		return nil, fmt.Errorf("agent type %s has no k8s deployment", def.Metadata.Name)
	}

	objects := make([]string, len(tmpl.Objects))
	for i, o := range tmpl.Objects {
		v, err := r.Render(o, env)
		if err != nil {
			return nil, err
		}
		objects[i] = v
	}

	return &DeploymentSpec{Kubernetes: &KubernetesSpec{
		Objects:        objects,
		HealthInterval: time.Duration(tmpl.HealthIntervalSecs) * time.Second,
		VersionCheck:   tmpl.VersionCheck,
	}}, nil
}

// canonicalHash computes the spec.md §3 EffectiveConfig.hash: the SHA-256
// digest of the canonicalised YAML form of values. sigs.k8s.io/yaml
// round-trips through encoding/json, whose map keys are always emitted in
// sorted order, making the digest stable regardless of iteration order
// (spec.md §8: "byte-identical EffectiveConfig.hash").
func canonicalHash(values variables.Values) (string, error) {
	canonical, err := syaml.Marshal(map[string]any(values))
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
