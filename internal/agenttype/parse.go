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

package agenttype

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
	kerrors "k8s.io/apimachinery/pkg/util/errors"
)

// rawDefinition mirrors the on-disk schema before the variable tree is
// split into typed nodes. Canonicalisation for the effective-config hash
// happens downstream in C5 via sigs.k8s.io/yaml, not here.
type rawDefinition struct {
	Metadata   Metadata              `yaml:"metadata"`
	Variables  map[string]rawVarTree `yaml:"variables"`
	Deployment Deployment            `yaml:"deployment"`
}

type rawVarTree map[string]any

// Load parses and validates an agent-type definition from YAML bytes
// (spec.md §4.2). It is used both for the compiled-in builtins (C3) and for
// files discovered in the dynamic registry directory.
func Load(data []byte) (*Definition, error) {
	var raw rawDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing agent type: %w", err)
	}

	var errs []error

	if raw.Metadata.Namespace == "" || raw.Metadata.Name == "" || raw.Metadata.Version == "" {
		errs = append(errs, fmt.Errorf("metadata: namespace, name and version are all required"))
	}

	if raw.Deployment.OnHost == nil && raw.Deployment.Kubernetes == nil {
		errs = append(errs, fmt.Errorf("deployment: at least one of on_host or k8s is required"))
	}

	variables := make(map[Scope]*VariableNode, len(raw.Variables))
	seenOutsideScope := map[string]Scope{}

	for scopeName, tree := range raw.Variables {
		scope := Scope(scopeName)
		if scope != ScopeCommon && scope != ScopeOnHost && scope != ScopeK8s {
			errs = append(errs, fmt.Errorf("variables: unknown scope %q", scopeName))
			continue
		}

		node, nodeErrs := buildNode(tree, scope)
		errs = append(errs, nodeErrs...)
		variables[scope] = node

		for name := range leafNames(node) {
			if scope == ScopeCommon {
				seenOutsideScope[name] = scope
			}
		}
	}

	// common must not overlap on_host/k8s (spec.md §3).
	for _, scope := range []Scope{ScopeOnHost, ScopeK8s} {
		node := variables[scope]
		for name := range leafNames(node) {
			if _, inCommon := seenOutsideScope[name]; inCommon {
				errs = append(errs, fmt.Errorf("variable %q declared in both common and %s", name, scope))
			}
		}
	}

	def := &Definition{Metadata: raw.Metadata, Variables: variables, Deployment: raw.Deployment}

	errs = append(errs, validateReferences(def)...)

	if len(errs) > 0 {
		return nil, kerrors.NewAggregate(errs)
	}

	return def, nil
}

func buildNode(tree rawVarTree, scope Scope) (*VariableNode, []error) {
	if isLeafMap(tree) {
		leaf, err := buildLeaf(tree, scope)
		if err != nil {
			return nil, []error{err}
		}
		return &VariableNode{Leaf: leaf}, nil
	}

	children := make(map[string]*VariableNode, len(tree))
	var errs []error

	for name, child := range tree {
		childMap, ok := child.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Errorf("variable %q: expected a mapping", name))
			continue
		}

		node, childErrs := buildNode(rawVarTree(childMap), scope)
		errs = append(errs, childErrs...)
		children[name] = node
	}

	return &VariableNode{Children: children}, errs
}

// isLeafMap distinguishes a VariableDefinition leaf from an intermediate
// branch: a leaf always declares "kind".
func isLeafMap(tree rawVarTree) bool {
	_, ok := tree["kind"]
	return ok
}

func buildLeaf(tree rawVarTree, scope Scope) (*VariableDefinition, error) {
	b, err := yaml.Marshal(map[string]any(tree))
	if err != nil {
		return nil, fmt.Errorf("re-marshaling variable definition: %w", err)
	}

	var def VariableDefinition
	if err := yaml.Unmarshal(b, &def); err != nil {
		return nil, fmt.Errorf("parsing variable definition: %w", err)
	}

	if def.Kind.onHostOnly() && scope != ScopeOnHost {
		return nil, fmt.Errorf("variable kind %q is only valid in the on_host scope, found in %s", def.Kind, scope)
	}

	if def.Kind.commonOnly() && scope != ScopeCommon {
		return nil, fmt.Errorf("variable kind %q is only valid in the common scope, found in %s", def.Kind, scope)
	}

	if !def.Required && def.Default == nil {
		return nil, fmt.Errorf("variable: required=false but no default provided")
	}

	if len(def.Variants) > 0 && def.Default != nil {
		if !containsVariant(def.Variants, def.Default) {
			return nil, fmt.Errorf("variable: default %v is not among variants %v", def.Default, def.Variants)
		}
	}

	return &def, nil
}

func containsVariant(variants []any, v any) bool {
	for _, candidate := range variants {
		if fmt.Sprint(candidate) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func leafNames(n *VariableNode) map[string]struct{} {
	out := map[string]struct{}{}
	collectLeafNames(n, "", out)
	return out
}

func collectLeafNames(n *VariableNode, prefix string, out map[string]struct{}) {
	if n == nil {
		return
	}
	if n.isLeaf() {
		out[prefix] = struct{}{}
		return
	}
	for name, child := range n.Children {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		collectLeafNames(child, path, out)
	}
}

var varRefPattern = regexp.MustCompile(`\$\{nr-var:([a-zA-Z0-9_.\-]+)`)

// validateReferences confirms every `${nr-var:…}` in the deployment section
// resolves to a declared variable visible in its target scope (spec.md §3).
func validateReferences(def *Definition) []error {
	var errs []error

	check := func(target Scope, s string) {
		for _, m := range varRefPattern.FindAllStringSubmatch(s, -1) {
			name := m[1]
			if !resolvesIn(def, target, name) {
				errs = append(errs, fmt.Errorf("deployment.%s: undeclared variable reference ${nr-var:%s}", target, name))
			}
		}
	}

	if def.Deployment.OnHost != nil {
		h := def.Deployment.OnHost
		check(ScopeOnHost, h.Executable.Path)
		check(ScopeOnHost, h.Executable.Workdir)
		for _, a := range h.Executable.Args {
			check(ScopeOnHost, a)
		}
		for _, v := range h.Executable.Env {
			check(ScopeOnHost, v)
		}
	}

	if def.Deployment.Kubernetes != nil {
		for _, obj := range def.Deployment.Kubernetes.Objects {
			check(ScopeK8s, obj)
		}
	}

	return errs
}

func resolvesIn(def *Definition, target Scope, name string) bool {
	if _, ok := leafNames(def.Variables[ScopeCommon])[name]; ok {
		return true
	}
	_, ok := leafNames(def.Variables[target])[name]
	return ok
}
