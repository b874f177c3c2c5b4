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
	"fmt"

	kerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/variables"
)

// resolved is the outcome of walking the variable tree against a merged
// Values input: the values tree with defaults filled in, plus the
// file-variable index the renderer needs.
type resolved struct {
	values   variables.Values
	fileVars map[string]variables.FileVariable
	// pkgVars maps a package-kind variable's dot path to its declared OCI
	// reference value, for resolution against a PackageResolver before
	// rendering (SPEC_FULL.md S3/S4).
	pkgVars map[string]string
}

// resolveValues walks the common scope plus the selected run-scope of def,
// filling missing leaves from their declared default, validating kind and
// variants, and indexing file-kind variables for the renderer (spec.md
// §4.5 steps 3-4).
func resolveValues(def *agenttype.Definition, scope agenttype.Scope, merged variables.Values) (resolved, error) {
	out := resolved{values: variables.Values{}, fileVars: map[string]variables.FileVariable{}, pkgVars: map[string]string{}}
	var errs []error

	for _, s := range []agenttype.Scope{agenttype.ScopeCommon, scope} {
		node := def.Variables[s]
		if node == nil {
			continue
		}
		walkNode(node, "", merged, &out, &errs)
	}

	if len(errs) > 0 {
		return resolved{}, kerrors.NewAggregate(errs)
	}

	return out, nil
}

func walkNode(n *agenttype.VariableNode, path string, merged variables.Values, out *resolved, errs *[]error) {
	if n == nil {
		return
	}

	if n.Leaf != nil {
		walkLeaf(n.Leaf, path, merged, out, errs)
		return
	}

	for name, child := range n.Children {
		childPath := name
		if path != "" {
			childPath = path + "." + name
		}
		walkNode(child, childPath, merged, out, errs)
	}
}

func walkLeaf(def *agenttype.VariableDefinition, path string, merged variables.Values, out *resolved, errs *[]error) {
	value, present := merged.Get(path)
	if !present || value == nil {
		if def.Required {
			*errs = append(*errs, &ErrRequiredVariableMissing{Path: path})
			return
		}
		value = def.Default
	}

	if len(def.Variants) > 0 && !containsVariant(def.Variants, value) {
		*errs = append(*errs, &ErrInvalidVariant{Path: path, Value: value})
		return
	}

	if err := checkKind(def.Kind, value); err != nil {
		*errs = append(*errs, &ErrTypeMismatch{Path: path, Kind: string(def.Kind), Detail: err.Error()})
		return
	}

	out.values.Set(path, value)

	switch def.Kind {
	case agenttype.KindFile:
		out.fileVars[path] = variables.FileVariable{Kind: variables.SingleFile, FilePath: def.FilePath}
	case agenttype.KindMapFile:
		out.fileVars[path] = variables.FileVariable{Kind: variables.FileMap, FilePath: def.FilePath}
	case agenttype.KindPackage:
		out.pkgVars[path] = fmt.Sprint(value)
	}
}

func containsVariant(variants []any, v any) bool {
	for _, candidate := range variants {
		if fmt.Sprint(candidate) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func checkKind(kind agenttype.Kind, value any) error {
	switch kind {
	case agenttype.KindString, agenttype.KindFile, agenttype.KindPackage:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("value %v is not a string", value)
		}
	case agenttype.KindNumber:
		switch value.(type) {
		case int, int64, float64:
		default:
			return fmt.Errorf("value %v is not a number", value)
		}
	case agenttype.KindBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("value %v is not a bool", value)
		}
	case agenttype.KindYAML:
		// any structured value is acceptable for kind=yaml.
	case agenttype.KindMapString:
		m, ok := asStringMap(value)
		if !ok {
			return fmt.Errorf("value is not a map[string]string")
		}
		for _, v := range m {
			if _, ok := v.(string); !ok {
				return fmt.Errorf("map[string]string entry %v is not a string", v)
			}
		}
	case agenttype.KindMapYAML, agenttype.KindMapFile:
		if _, ok := asStringMap(value); !ok {
			return fmt.Errorf("value is not a map")
		}
	default:
		return fmt.Errorf("unknown variable kind %q", kind)
	}

	return nil
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case variables.Values:
		return map[string]any(m), true
	case map[string]any:
		return m, true
	default:
		return nil, false
	}
}
