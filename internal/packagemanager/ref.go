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

// Package packagemanager implements spec.md C4: OCI pull with Simple-Signing
// signature verification and FIFO-2 generation garbage collection.
package packagemanager

import (
	"fmt"
	"regexp"

	"github.com/docker/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// ContentType enumerates the recognised package archive formats (spec.md §4.4).
type ContentType string

const (
	ContentTarGzip  ContentType = "tar+gzip"
	ContentZip      ContentType = "zip"
)

// MediaType enumerates the three layer media types selectLayer accepts.
const (
	MediaTypePackageZip    = "application/vnd.newrelic.agent.content.v1.zip"
	MediaTypePackageTarGz  = "application/vnd.newrelic.agent.content.v1.tar+gzip"
	MediaTypeAgentTypeTarGz = "agent-type.v1.tar+gzip"
)

// ArtifactTypeAnnotation is the annotation key whose value must be
// "package" or "agent-type" (spec.md §4.4 step 4).
const ArtifactTypeAnnotation = "com.newrelic.artifact.type"

func contentTypeFor(mediaType string) (ContentType, bool) {
	switch mediaType {
	case MediaTypePackageZip:
		return ContentZip, true
	case MediaTypePackageTarGz, MediaTypeAgentTypeTarGz:
		return ContentTarGzip, true
	default:
		return "", false
	}
}

// Ref identifies an OCI artifact: a tag or digest reference, digest wins
// when both are present (spec.md §4.4 step 3).
type Ref struct {
	Raw      string
	Registry string
	Repo     string
	Tag      string
	Digest   digest.Digest
}

// ParseRef validates s as a docker/distribution reference and extracts its
// registry/repo/tag/digest components.
func ParseRef(s string) (Ref, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Ref{}, fmt.Errorf("parsing OCI reference %q: %w", s, err)
	}

	r := Ref{Raw: s, Registry: reference.Domain(named), Repo: reference.Path(named)}

	if tagged, ok := named.(reference.Tagged); ok {
		r.Tag = tagged.Tag()
	}

	if digested, ok := named.(reference.Digested); ok {
		r.Digest = digested.Digest()
	}

	if r.Tag == "" && r.Digest == "" {
		r.Tag = "latest"
	}

	return r, nil
}

// ResolveTo returns the locator oras-go expects: the digest when present
// (it wins over a tag, spec.md §4.4 step 3), otherwise the tag.
func (r Ref) ResolveTo() string {
	if r.Digest != "" {
		return r.Digest.String()
	}
	return r.Tag
}

// Repository returns "registry/repo", the locator used to open the remote repository.
func (r Ref) Repository() string {
	return r.Registry + "/" + r.Repo
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Sanitise replaces every non-alphanumeric character of ref with `_`
// (spec.md §4.4 step 1), the directory-name-safe form used on disk.
func Sanitise(ref string) string {
	return nonAlnum.ReplaceAllString(ref, "_")
}
