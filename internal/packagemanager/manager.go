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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/newrelic/agent-control-go/internal/datastore"
)

// Environment variable names carrying OCI registry credentials, mirroring
// the teacher's OCIAuthentication (internal/controller/oci_source.go).
const (
	EnvOCIUsername     = "OCI_USERNAME"
	EnvOCIPassword      = "OCI_PASSWORD"
	EnvOCIAccessToken   = "OCI_ACCESS_TOKEN"
	EnvOCIRefreshToken  = "OCI_REFRESH_TOKEN" // #nosec G101
)

// CredentialFromEnv builds an auth.Credential from the OCI_* environment
// variables, or nil if none are set (spec.md §4.4, teacher's OCIAuthentication).
func CredentialFromEnv() *auth.Credential {
	username := os.Getenv(EnvOCIUsername)
	password := os.Getenv(EnvOCIPassword)
	accessToken := os.Getenv(EnvOCIAccessToken)
	refreshToken := os.Getenv(EnvOCIRefreshToken)

	if username == "" && password == "" && accessToken == "" && refreshToken == "" {
		return nil
	}

	return &auth.Credential{
		Username:     username,
		Password:     password,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}
}

// Manager implements spec.md C4's ensure_installed contract.
type Manager struct {
	Layout     *datastore.Layout
	Verifier   *Verifier // nil disables signature verification
	Credential *auth.Credential
	PlainHTTP  bool
	Log        logr.Logger
}

const completionMarker = ".install-complete"

// EnsureInstalledBlocking adapts EnsureInstalled to
// internal/assembler.PackageResolver's synchronous, context-free contract:
// assembly (spec.md §4.5) runs on the supervisor's own goroutine with no
// caller-supplied deadline of its own, the same "blocking with respect to
// its owning supervisor" contract spec.md §4.4 already requires of package
// installation.
func (m *Manager) EnsureInstalledBlocking(agentID, pkgID, refStr string) (string, error) {
	return m.EnsureInstalled(context.Background(), agentID, pkgID, refStr)
}

// EnsureInstalled downloads, verifies and extracts the artifact named by
// refStr, returning its final on-disk directory (spec.md §4.4).
func (m *Manager) EnsureInstalled(ctx context.Context, agentID, pkgID, refStr string) (string, error) {
	sanitised := Sanitise(refStr)
	storedDir := m.Layout.StoredPackageDir(agentID, pkgID, sanitised)

	if marker := filepath.Join(storedDir, completionMarker); fileExists(marker) {
		return storedDir, nil
	}

	release := m.Layout.Lock(storedDir)
	defer release()

	// Re-check under the lock: a concurrent installer may have finished first.
	if marker := filepath.Join(storedDir, completionMarker); fileExists(marker) {
		return storedDir, nil
	}

	ref, err := ParseRef(refStr)
	if err != nil {
		return "", err
	}

	repo, err := m.openRepository(ref)
	if err != nil {
		return "", err
	}

	desc, manifest, err := m.resolveManifest(ctx, repo, ref)
	if err != nil {
		return "", err
	}

	layer, err := selectLayer(manifest)
	if err != nil {
		return "", err
	}

	content, err := fetchBlob(ctx, repo, layer)
	if err != nil {
		return "", err
	}

	if m.Verifier != nil {
		if err := m.verifyContent(ctx, repo, ref, content); err != nil {
			return "", err
		}
	}

	ct, ok := contentTypeFor(layer.MediaType)
	if !ok {
		return "", fmt.Errorf("layer media type %q is not a recognised package content type", layer.MediaType)
	}

	tempDir := m.Layout.TempPackageDir(agentID, pkgID, sanitised)
	defer os.RemoveAll(tempDir)

	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", fmt.Errorf("creating temp package dir: %w", err)
	}

	if err := extract(content, ct, tempDir); err != nil {
		return "", fmt.Errorf("extracting package: %w", err)
	}

	if err := os.WriteFile(filepath.Join(tempDir, completionMarker), []byte(desc.Digest.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing completion marker: %w", err)
	}

	if err := datastore.AtomicRenameDir(tempDir, storedDir); err != nil {
		return "", fmt.Errorf("promoting package to %s: %w", storedDir, err)
	}

	generationsDir := m.Layout.StoredPackageGenerationsDir(agentID, pkgID)
	if err := gcFIFO2(generationsDir); err != nil {
		m.Log.Error(err, "package generation GC failed", "agentID", agentID, "pkgID", pkgID)
	}

	return storedDir, nil
}

// GCOnBoot prunes every generation except currentRef for pkgID, run once at
// process start (spec.md §4.4 step 8).
func (m *Manager) GCOnBoot(agentID, pkgID, currentRef string) error {
	generationsDir := m.Layout.StoredPackageGenerationsDir(agentID, pkgID)
	return gcOnBoot(generationsDir, Sanitise(currentRef))
}

func (m *Manager) openRepository(ref Ref) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref.Repository())
	if err != nil {
		return nil, fmt.Errorf("opening OCI repository %s: %w", ref.Repository(), err)
	}

	repo.PlainHTTP = m.PlainHTTP

	if m.Credential != nil {
		repo.Client = &auth.Client{
			Client:     retry.DefaultClient,
			Cache:      auth.NewCache(),
			Credential: auth.StaticCredential(repo.Reference.Registry, *m.Credential),
		}
	}

	return repo, nil
}

func (m *Manager) resolveManifest(ctx context.Context, repo *remote.Repository, ref Ref) (ocispec.Descriptor, ocispec.Manifest, error) {
	desc, err := repo.Resolve(ctx, ref.ResolveTo())
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, fmt.Errorf("resolving %s: %w", ref.Raw, err)
	}

	body, err := fetchBlob(ctx, repo, desc)
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, err
	}

	if desc.MediaType == ocispec.MediaTypeImageIndex {
		var idx ocispec.Index
		if err := json.Unmarshal(body, &idx); err != nil {
			return ocispec.Descriptor{}, ocispec.Manifest{}, fmt.Errorf("parsing image index: %w", err)
		}

		match, err := selectPlatform(idx)
		if err != nil {
			return ocispec.Descriptor{}, ocispec.Manifest{}, err
		}

		body, err = fetchBlob(ctx, repo, match)
		if err != nil {
			return ocispec.Descriptor{}, ocispec.Manifest{}, err
		}
		desc = match
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}

	return desc, manifest, nil
}

func selectPlatform(idx ocispec.Index) (ocispec.Descriptor, error) {
	for _, m := range idx.Manifests {
		if m.Platform != nil && m.Platform.OS == runtime.GOOS && m.Platform.Architecture == runtime.GOARCH {
			return m, nil
		}
	}
	if len(idx.Manifests) > 0 {
		return idx.Manifests[0], nil
	}
	return ocispec.Descriptor{}, fmt.Errorf("image index has no manifests")
}

func selectLayer(manifest ocispec.Manifest) (ocispec.Descriptor, error) {
	var matches []ocispec.Descriptor

	for _, l := range manifest.Layers {
		if _, ok := contentTypeFor(l.MediaType); !ok {
			continue
		}
		at := l.Annotations[ArtifactTypeAnnotation]
		if at != "package" && at != "agent-type" {
			continue
		}
		matches = append(matches, l)
	}

	if len(matches) != 1 {
		return ocispec.Descriptor{}, fmt.Errorf("expected exactly one package/agent-type layer, found %d", len(matches))
	}

	return matches[0], nil
}

func fetchBlob(ctx context.Context, repo *remote.Repository, desc ocispec.Descriptor) ([]byte, error) {
	rc, err := repo.Fetch(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", desc.Digest, err)
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", desc.Digest, err)
	}

	return b, nil
}

// verifyContent fetches the sibling signature artifact (tagged
// "<tag>.sig") and checks it binds to content's digest (spec.md §4.4 step 5).
func (m *Manager) verifyContent(ctx context.Context, repo *remote.Repository, ref Ref, content []byte) error {
	sigTag := ref.Tag + ".sig"
	if sigTag == ".sig" {
		sigTag = ref.Digest.Encoded() + ".sig"
	}

	sigDesc, err := repo.Resolve(ctx, sigTag)
	if err != nil {
		return fmt.Errorf("resolving signature artifact %s: %w", sigTag, err)
	}

	sigManifestBytes, err := fetchBlob(ctx, repo, sigDesc)
	if err != nil {
		return err
	}

	var sigManifest ocispec.Manifest
	if err := json.Unmarshal(sigManifestBytes, &sigManifest); err != nil {
		return fmt.Errorf("parsing signature manifest: %w", err)
	}

	if len(sigManifest.Layers) != 1 {
		return &ErrSignatureInvalid{Reason: "signature artifact does not contain exactly one layer"}
	}

	sigBlob, err := fetchBlob(ctx, repo, sigManifest.Layers[0])
	if err != nil {
		return err
	}

	var artifact SignatureArtifact
	if err := json.Unmarshal(sigBlob, &artifact); err != nil {
		return &ErrSignatureInvalid{Reason: "signature blob is not valid JSON"}
	}

	boundDigest, err := m.Verifier.Verify(ctx, artifact)
	if err != nil {
		return err
	}

	actual := contentDigest(content)
	if boundDigest.String() != actual.String() {
		return &ErrSignatureInvalid{Reason: fmt.Sprintf("signed digest %s does not match artifact digest %s", boundDigest, actual)}
	}

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func contentDigest(content []byte) digest.Digest {
	return digest.FromBytes(content)
}
