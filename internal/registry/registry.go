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

// Package registry implements spec.md C3: AgentTypeRef → AgentTypeDefinition
// lookup, sourced from a compiled-in builtin collection plus a dynamic
// directory scanned at start-up. A dynamic entry with the same ref as a
// builtin overrides it.
package registry

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/newrelic/agent-control-go/internal/agenttype"
)

//go:embed builtins/*.yaml
var builtinFS embed.FS

// ErrUnknownAgentType is returned by Lookup when ref has no registered definition.
type ErrUnknownAgentType struct {
	Ref string
}

func (e *ErrUnknownAgentType) Error() string {
	return fmt.Sprintf("unknown agent type: %s", e.Ref)
}

// Registry resolves AgentTypeRef strings to parsed, validated definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*agenttype.Definition
	log  logr.Logger
}

// New creates an empty Registry. Call LoadBuiltins and, optionally,
// LoadDir before first use.
func New(log logr.Logger) *Registry {
	return &Registry{defs: make(map[string]*agenttype.Definition), log: log.WithName("registry")}
}

// LoadBuiltins parses every embedded agent-type definition.
func (r *Registry) LoadBuiltins() error {
	entries, err := builtinFS.ReadDir("builtins")
	if err != nil {
		return fmt.Errorf("reading embedded builtins: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}

		data, err := builtinFS.ReadFile(filepath.Join("builtins", e.Name()))
		if err != nil {
			return fmt.Errorf("reading builtin %s: %w", e.Name(), err)
		}

		if err := r.add(data, e.Name()); err != nil {
			return err
		}
	}

	return nil
}

// LoadDir scans dir (non-recursively) for *.yaml files and registers each,
// overriding any builtin with the same ref. A missing directory is not an
// error: the dynamic registry is optional (spec.md §4.3).
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading registry directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}

		if err := r.add(data, name); err != nil {
			return err
		}
	}

	return nil
}

func (r *Registry) add(data []byte, source string) error {
	def, err := agenttype.Load(data)
	if err != nil {
		return fmt.Errorf("loading agent type from %s: %w", source, err)
	}

	ref, err := def.Ref()
	if err != nil {
		return fmt.Errorf("agent type from %s: %w", source, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[ref.String()]; exists {
		r.log.V(1).Info("overriding agent type definition", "ref", ref.String(), "source", source)
	}

	r.defs[ref.String()] = def

	return nil
}

// Lookup resolves ref to its definition.
func (r *Registry) Lookup(ref agenttype.Ref) (*agenttype.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[ref.String()]
	if !ok {
		return nil, &ErrUnknownAgentType{Ref: ref.String()}
	}

	return def, nil
}

// Refs returns every currently-registered ref, sorted, mostly for status
// reporting and tests.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.defs))
	for ref := range r.defs {
		out = append(out, ref)
	}
	sort.Strings(out)

	return out
}
