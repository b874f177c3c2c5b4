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

// Package datastore implements the on-disk layout described in spec.md §6:
// static (local) configuration, dynamic (fleet) state, rendered files,
// packages and logs, all rooted under static, dynamic and log base
// directories. It is the
// single leaf every other package depends on for filesystem paths and
// atomic writes.
package datastore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Layout resolves the directory tree rooted at a static (read-mostly,
// operator-provided) base and a dynamic (agent-control-owned) base. On
// POSIX this is /etc/newrelic-agent-control and /var/lib/newrelic-agent-control;
// on Windows the equivalent ProgramFiles/ProgramData roots.
type Layout struct {
	StaticBase  string
	DynamicBase string
	LogBase     string

	locks dirLocks
}

// NewLayout builds a Layout from explicit base directories. Callers on the
// cmd/ boundary resolve the OS-appropriate defaults before constructing this
// (out of scope for the core per spec.md §1: "environment discovery").
func NewLayout(staticBase, dynamicBase, logBase string) *Layout {
	return &Layout{StaticBase: staticBase, DynamicBase: dynamicBase, LogBase: logBase}
}

// Target names a remote-config/instance-id owner: "agent-control" or an AgentID.
type Target = string

const (
	// ACTarget is the fleet-data/local-data subdirectory name for the agent-control loop itself.
	ACTarget Target = "agent-control"
)

func (l *Layout) ACLocalConfigPath() string {
	return filepath.Join(l.StaticBase, "local-data", ACTarget, "local_config.yaml")
}

func (l *Layout) AgentLocalConfigPath(agentID string) string {
	return filepath.Join(l.StaticBase, "local-data", agentID, "local_config.yaml")
}

func (l *Layout) IdentityKeyPath() string {
	return filepath.Join(l.StaticBase, "keys", "agent-control-identity.key")
}

func (l *Layout) InstanceIDPath(target Target) string {
	return filepath.Join(l.DynamicBase, "fleet-data", target, "instance_id.yaml")
}

func (l *Layout) RemoteConfigPath(target Target) string {
	return filepath.Join(l.DynamicBase, "fleet-data", target, "remote_config.yaml")
}

func (l *Layout) RenderedFilesDir(agentID string) string {
	return filepath.Join(l.DynamicBase, "filesystem", agentID)
}

// GenerationsDir holds the retained rendered-file snapshots a Historian
// prunes on push (spec.md §4.11, SPEC_FULL.md S2); "historian inspect"
// lists its entries directly rather than sharing in-process state with the
// supervising agent-control process.
func (l *Layout) GenerationsDir(agentID string) string {
	return filepath.Join(l.DynamicBase, "generations", agentID)
}

func (l *Layout) PackagesBaseDir(agentID string) string {
	return filepath.Join(l.DynamicBase, "packages", agentID)
}

func (l *Layout) TempPackageDir(agentID, pkgID, sanitisedRef string) string {
	return filepath.Join(l.PackagesBaseDir(agentID), "__temp_packages", pkgID, sanitisedRef)
}

func (l *Layout) StoredPackageDir(agentID, pkgID, sanitisedRef string) string {
	return filepath.Join(l.PackagesBaseDir(agentID), "stored_packages", pkgID, sanitisedRef)
}

func (l *Layout) StoredPackageGenerationsDir(agentID, pkgID string) string {
	return filepath.Join(l.PackagesBaseDir(agentID), "stored_packages", pkgID)
}

func (l *Layout) ACLogPath(hourBucket string) string {
	return filepath.Join(l.LogBase, fmt.Sprintf("newrelic-agent-control.log.%s", hourBucket))
}

func (l *Layout) AgentLogPath(agentID, stream, hourBucket string) string {
	return filepath.Join(l.LogBase, agentID, fmt.Sprintf("%s.log.%s", stream, hourBucket))
}

// AtomicWriteFile writes data by creating a temp file in the same directory
// as path and renaming it into place, so readers never observe a partial
// write (spec.md §5 "Shared resources").
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file %s: %w", tmpPath, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file %s: %w", tmpPath, err)
	}

	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, path, err)
	}

	return nil
}

// RemoveIfExists deletes path, treating a missing file as success. Used by
// the remote-config pipeline's empty-payload delete signal (spec.md §4.9).
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// AtomicRenameDir renames oldDir to newDir, replacing any existing directory
// at newDir. Used by the package manager to promote a completed temp
// extraction into its stored location (spec.md §4.4 step 6).
func AtomicRenameDir(oldDir, newDir string) error {
	if err := os.MkdirAll(filepath.Dir(newDir), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", newDir, err)
	}

	if err := os.RemoveAll(newDir); err != nil {
		return fmt.Errorf("clearing existing directory %s: %w", newDir, err)
	}

	if err := os.Rename(oldDir, newDir); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", oldDir, newDir, err)
	}

	return nil
}

// dirLocks guards concurrent install/extract against the same logical
// directory (spec.md §5: "directory cleanup is guarded by a per-directory
// lock held for the duration of install/extract").
type dirLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock acquires the lock associated with dir and returns a release function.
func (l *Layout) Lock(dir string) func() {
	l.locks.mu.Lock()
	if l.locks.locks == nil {
		l.locks.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks.locks[dir]
	if !ok {
		m = &sync.Mutex{}
		l.locks.locks[dir] = m
	}
	l.locks.mu.Unlock()

	m.Lock()

	return m.Unlock
}
