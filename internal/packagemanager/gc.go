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

package packagemanager

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// gcFIFO2 keeps the two most-recently-modified generation directories under
// generationsDir and removes the rest (spec.md §4.4 step 8, FIFO-2 GC). The
// just-installed directory is always retained because installing it updates
// its mtime to "now".
func gcFIFO2(generationsDir string) error {
	return gcKeepN(generationsDir, 2, "")
}

// gcOnBoot retains only currentSanitisedRef, the generation the supervisor
// is actually running, deleting every other generation (spec.md §4.4 step
// 8: "On process boot, retain only the current generation").
func gcOnBoot(generationsDir, currentSanitisedRef string) error {
	return gcKeepN(generationsDir, 1, currentSanitisedRef)
}

func gcKeepN(generationsDir string, n int, mustKeep string) error {
	entries, err := os.ReadDir(generationsDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("listing generations under %s: %w", generationsDir, err)
	}

	type gen struct {
		name    string
		modTime int64
	}

	var gens []gen
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		gens = append(gens, gen{name: e.Name(), modTime: info.ModTime().UnixNano()})
	}

	sort.Slice(gens, func(i, j int) bool { return gens[i].modTime > gens[j].modTime })

	keep := map[string]bool{}
	if mustKeep != "" {
		keep[mustKeep] = true
	}
	for _, g := range gens {
		if len(keep) >= n {
			break
		}
		keep[g.name] = true
	}

	for _, g := range gens {
		if keep[g.name] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(generationsDir, g.name)); err != nil {
			return fmt.Errorf("removing stale generation %s: %w", g.name, err)
		}
	}

	return nil
}
