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

// Package variables implements spec.md C1: the Values tree, the
// `${nr-var:…}`/`${nr-env:…}`/`${nr-sub:…}`/`${nr-ac:…}` substitution
// renderer, and materialization of file-kind variables to disk.
package variables

import (
	"strings"
)

// Values is a nested mapping aligned with an agent-type's variable tree;
// leaves are concrete scalars, []any, or nested Values (spec.md §3).
type Values map[string]any

// Get resolves a dot-path (e.g. "exporters.otlp.endpoint") against v,
// descending through nested Values/map[string]any. The second return is
// false when any path segment is absent or not a mapping.
func (v Values) Get(path string) (any, bool) {
	segs := strings.Split(path, ".")
	var cur any = v

	for _, seg := range segs {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}

		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}

	return cur, true
}

// Set writes value at the dot-path, creating intermediate Values as needed.
func (v Values) Set(path string, value any) {
	segs := strings.Split(path, ".")
	cur := v

	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return
		}

		next, ok := cur[seg].(Values)
		if !ok {
			next = Values{}
			cur[seg] = next
		}

		cur = next
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case Values:
		return map[string]any(m), true
	case map[string]any:
		return m, true
	default:
		return nil, false
	}
}

// Merge deep-merges remote over local: remote overrides local at every leaf
// it declares, and sub-trees are merged recursively rather than replaced
// wholesale (spec.md §4.5 step 3: "remote overrides local").
func Merge(local, remote Values) Values {
	out := make(Values, len(local))
	for k, v := range local {
		out[k] = v
	}

	for k, rv := range remote {
		lv, exists := out[k]
		if !exists {
			out[k] = rv
			continue
		}

		lm, lok := asMap(lv)
		rm, rok := asMap(rv)
		if lok && rok {
			out[k] = Merge(Values(lm), Values(rm))
			continue
		}

		out[k] = rv
	}

	return out
}

// Clone deep-copies v so callers may mutate the result (e.g. to materialize
// defaults) without aliasing the caller's tree.
func (v Values) Clone() Values {
	var cloneAny func(val any) any
	cloneAny = func(val any) any {
		switch t := val.(type) {
		case Values:
			return t.Clone()
		case map[string]any:
			return map[string]any(Values(t).Clone())
		case []any:
			items := make([]any, len(t))
			for i, item := range t {
				items[i] = cloneAny(item)
			}
			return items
		default:
			return val
		}
	}

	out := make(Values, len(v))
	for k, val := range v {
		out[k] = cloneAny(val)
	}
	return out
}
