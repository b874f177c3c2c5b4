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

package variables

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/newrelic/agent-control-go/internal/datastore"
)

// DirFileWriter materializes file-kind variables under a fixed root
// directory using atomic write-temp-then-rename semantics (spec.md §4.1:
// "Writes are atomic"). It is the FileWriter used by internal/assembler.
type DirFileWriter struct {
	Root string
}

func (w DirFileWriter) WriteFile(relPath string, content []byte) (string, error) {
	abs := filepath.Join(w.Root, relPath)
	if err := datastore.AtomicWriteFile(abs, content, 0o644); err != nil {
		return "", err
	}
	return abs, nil
}

// ListRendered satisfies internal/assembler.RenderedLister, letting the
// assembler prune files a previous render wrote but this one didn't
// (spec.md §8: "never contain stale files from a prior render").
func (w DirFileWriter) ListRendered() ([]string, error) {
	return ListRendered(w.Root)
}

// Remove satisfies internal/assembler.RenderedLister.
func (w DirFileWriter) Remove(path string) error {
	return RemoveStale(path)
}

// ListRendered walks root and returns every regular file's absolute path,
// for Renderer.Finalize to diff against what this pass actually wrote
// (spec.md §8: "rendered-files directories never contain stale files").
func ListRendered(root string) ([]string, error) {
	var out []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return out, nil
}

// RemoveStale deletes path and then its parent directory if it is left
// empty, keeping the rendered-files tree free of abandoned subdirectories
// from a removed map[string]file variable.
func RemoveStale(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}

	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}

	return nil
}
