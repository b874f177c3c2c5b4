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
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SubMeta is the per-supervisor metadata resolved by the `nr-sub:` namespace
// (spec.md §4.1): the owning AgentID and the on-disk directory each
// installed package was extracted to.
type SubMeta struct {
	AgentID     string
	PackageDirs map[string]string // pkg-id -> absolute directory
}

// ACMeta is the agent-control-wide metadata resolved by the `nr-ac:` namespace.
type ACMeta struct {
	HostID string
}

// Env bundles everything a render pass needs to resolve a namespaced
// reference (spec.md §4.1 "render(template, env)").
type Env struct {
	Values     Values
	ProcessEnv func(name string) (string, bool)
	Sub        SubMeta
	AC         ACMeta
}

func (e Env) lookupEnv(name string) (string, bool) {
	if e.ProcessEnv != nil {
		return e.ProcessEnv(name)
	}
	return os.LookupEnv(name)
}

// refPattern matches one `${...}` segment; the namespace and the remainder
// (ref plus any ` | func args` pipeline stages) are split by the first colon.
var refPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// Renderer performs template substitution and materializes file-kind
// variables to disk under a single per-supervisor rendered-files directory
// (spec.md §4.1). A Renderer is used for exactly one assembly pass: create
// it, call Render for every template string the deployment spec contains,
// then call Finalize to remove stale files left over from a prior render.
type Renderer struct {
	dir      string
	fileVars map[string]FileVariable
	written  map[string]bool
	writer   FileWriter
}

// FileKind distinguishes the on-host-only `file` and `map[string]file`
// variable kinds from ordinary scalar/yaml variables (spec.md §3).
type FileKind int

const (
	NotFile FileKind = iota
	SingleFile
	FileMap
)

// FileVariable describes how a declared variable's value should be
// materialized when referenced from a template, keyed by its dot-path in
// the variable tree (populated by the agent-type definition, C2).
type FileVariable struct {
	Kind     FileKind
	FilePath string // file_path from the variable definition
}

// FileWriter abstracts the atomic-write-and-stale-cleanup primitive used to
// materialize file-kind variables; DirFileWriter in this package implements
// it and is the writer internal/assembler is wired with.
type FileWriter interface {
	WriteFile(relPath string, content []byte) (absPath string, err error)
}

// NewRenderer creates a Renderer that writes file-kind variable content via
// writer, tracking every path it writes so Finalize can identify stale ones.
func NewRenderer(fileVars map[string]FileVariable, writer FileWriter) *Renderer {
	return &Renderer{fileVars: fileVars, written: make(map[string]bool), writer: writer}
}

// Render substitutes every `${ns:ref|func args}` segment in tmpl.
func (r *Renderer) Render(tmpl string, env Env) (string, error) {
	var outerErr error

	out := refPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		if outerErr != nil {
			return match
		}

		inner := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		replacement, err := r.resolve(inner, env)
		if err != nil {
			outerErr = err
			return match
		}

		return replacement
	})

	if outerErr != nil {
		return "", outerErr
	}

	return out, nil
}

// Finalize removes any file this Renderer materialized in a previous pass
// but did not rewrite in this one (spec.md §8: "never contain stale files
// from a prior render"). existing lists the files currently on disk and
// remove deletes one of them; internal/assembler supplies both from its
// RenderedLister.
func (r *Renderer) Finalize(existing []string, remove func(path string) error) error {
	for _, path := range existing {
		if r.written[path] {
			continue
		}
		if err := remove(path); err != nil {
			return &RenderError{Kind: FileWriteError, Ref: path, Err: err}
		}
	}
	return nil
}

func (r *Renderer) resolve(inner string, env Env) (string, error) {
	ns, rest, ok := strings.Cut(inner, ":")
	if !ok {
		return "", &RenderError{Kind: UnknownVariable, Ref: inner, Detail: "missing namespace"}
	}

	stages := strings.Split(rest, "|")
	ref := strings.TrimSpace(stages[0])
	pipeline := stages[1:]

	value, fileRef, err := r.resolveNamespace(ns, ref, env)
	if err != nil {
		return "", err
	}

	if fileRef != "" {
		abs, err := r.materialize(fileRef, value)
		if err != nil {
			return "", err
		}
		value = abs
	}

	for _, stage := range pipeline {
		value, err = applyFunc(strings.TrimSpace(stage), value)
		if err != nil {
			return "", err
		}
	}

	return value, nil
}

func (r *Renderer) resolveNamespace(ns, ref string, env Env) (value string, fileRef string, err error) {
	switch ns {
	case "nr-var":
		raw, ok := env.Values.Get(ref)
		if !ok {
			return "", "", &RenderError{Kind: UnknownVariable, Ref: ref}
		}

		if fv, isFile := r.fileVars[ref]; isFile && fv.Kind != NotFile {
			s, serr := stringify(ref, raw)
			if serr != nil {
				return "", "", serr
			}
			return s, ref, nil
		}

		s, serr := stringify(ref, raw)
		return s, "", serr

	case "nr-env":
		v, ok := env.lookupEnv(ref)
		if !ok {
			return "", "", &RenderError{Kind: UnknownVariable, Ref: "nr-env:" + ref}
		}
		return v, "", nil

	case "nr-sub":
		switch {
		case ref == "agent_id":
			return env.Sub.AgentID, "", nil
		case strings.HasPrefix(ref, "packages.") && strings.HasSuffix(ref, ".dir"):
			pkgID := strings.TrimSuffix(strings.TrimPrefix(ref, "packages."), ".dir")
			dir, ok := env.Sub.PackageDirs[pkgID]
			if !ok {
				return "", "", &RenderError{Kind: UnknownVariable, Ref: "nr-sub:" + ref}
			}
			return dir, "", nil
		default:
			return "", "", &RenderError{Kind: UnknownVariable, Ref: "nr-sub:" + ref}
		}

	case "nr-ac":
		if ref == "host_id" {
			return env.AC.HostID, "", nil
		}
		return "", "", &RenderError{Kind: UnknownVariable, Ref: "nr-ac:" + ref}

	default:
		return "", "", &RenderError{Kind: UnknownVariable, Ref: ns + ":" + ref, Detail: "unknown namespace"}
	}
}

// materialize writes a file-kind variable's value through r.writer at the
// variable's file_path and returns the absolute path substituted into the
// template (spec.md §4.1).
func (r *Renderer) materialize(ref string, content string) (string, error) {
	fv := r.fileVars[ref]

	var relPath string
	switch fv.Kind {
	case SingleFile:
		relPath = fv.FilePath
	case FileMap:
		// The whole map[string]file value is written as one YAML document at
		// file_path and that file's path is substituted; no per-entry files
		// are written on this path (MaterializeMapFileEntry is not called).
		relPath = fv.FilePath
	default:
		relPath = fv.FilePath
	}

	if r.writer == nil {
		return "", &RenderError{Kind: FileWriteError, Ref: ref, Detail: "no file writer configured"}
	}

	abs, err := r.writer.WriteFile(relPath, []byte(content))
	if err != nil {
		return "", &RenderError{Kind: FileWriteError, Ref: ref, Err: err}
	}

	r.written[abs] = true

	return abs, nil
}

// MaterializeMapFileEntry writes one entry of a map[string]file variable
// (spec.md §4.1: "one file per map entry inside the directory named by
// file_path") and records it for stale-file tracking.
func (r *Renderer) MaterializeMapFileEntry(dirFilePath, entryName, content string) (string, error) {
	if r.writer == nil {
		return "", &RenderError{Kind: FileWriteError, Ref: entryName, Detail: "no file writer configured"}
	}

	rel := dirFilePath + "/" + entryName

	abs, err := r.writer.WriteFile(rel, []byte(content))
	if err != nil {
		return "", &RenderError{Kind: FileWriteError, Ref: entryName, Err: err}
	}

	r.written[abs] = true

	return abs, nil
}

func applyFunc(stage string, value string) (string, error) {
	fields := strings.Fields(stage)
	if len(fields) == 0 {
		return value, nil
	}

	name, args := fields[0], fields[1:]

	switch name {
	case "indent":
		if len(args) != 1 {
			return "", &RenderError{Kind: UnknownFunction, Ref: stage, Detail: "indent requires one argument"}
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return "", &RenderError{Kind: UnknownFunction, Ref: stage, Err: err}
		}
		pad := strings.Repeat(" ", n)
		return strings.ReplaceAll(value, "\n", "\n"+pad), nil

	case "trimv":
		return strings.TrimPrefix(value, "v"), nil

	default:
		return "", &RenderError{Kind: UnknownFunction, Ref: name}
	}
}

// stringify converts a Values leaf to its template-substituted text. Maps
// (kind=yaml) are canonically re-marshaled; scalars use their natural
// textual form.
func stringify(ref string, v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case nil:
		return "", &RenderError{Kind: TypeMismatch, Ref: ref, Detail: "value is nil"}
	default:
		b, err := yaml.Marshal(t)
		if err != nil {
			return "", &RenderError{Kind: TypeMismatch, Ref: ref, Err: err}
		}
		return strings.TrimSuffix(string(b), "\n"), nil
	}
}

// ExpandEnvInValues expands `${nr-env:NAME}` inside every string leaf of v,
// recursively, before variable rendering proper runs (spec.md §4.1:
// "Environment-variable expansion inside Values ... is performed before
// variable rendering").
func ExpandEnvInValues(v Values, lookup func(string) (string, bool)) (Values, error) {
	out := make(Values, len(v))

	for k, val := range v {
		expanded, err := expandEnvValue(k, val, lookup)
		if err != nil {
			return nil, err
		}
		out[k] = expanded
	}

	return out, nil
}

func expandEnvValue(key string, v any, lookup func(string) (string, bool)) (any, error) {
	switch t := v.(type) {
	case string:
		return expandEnvString(t, lookup)
	case Values:
		return ExpandEnvInValues(t, lookup)
	case map[string]any:
		return ExpandEnvInValues(Values(t), lookup)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			expanded, err := expandEnvValue(key, item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return v, nil
	}
}

var envRefPattern = regexp.MustCompile(`\$\{nr-env:([^}]+)\}`)

func expandEnvString(s string, lookup func(string) (string, bool)) (string, error) {
	var err error

	out := envRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		if err != nil {
			return match
		}
		name := envRefPattern.FindStringSubmatch(match)[1]
		val, ok := lookup(name)
		if !ok {
			err = &RenderError{Kind: UnknownVariable, Ref: "nr-env:" + name}
			return match
		}
		return val
	})

	if err != nil {
		return "", err
	}

	return out, nil
}
