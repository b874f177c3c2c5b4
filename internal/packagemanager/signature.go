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
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/opencontainers/go-digest"
)

// simpleSigningPayload is the "Simple Signing" envelope (spec.md §4.4 step
// 5, GLOSSARY): a JSON document whose critical section binds a signature
// to one specific artifact digest.
type simpleSigningPayload struct {
	Critical struct {
		Image struct {
			ArtifactDigest string `json:"artifact-digest"`
		} `json:"image"`
		Type string `json:"type"`
	} `json:"critical"`
}

// SignatureArtifact is the sibling artifact fetched alongside the package
// (spec.md §4.4 step 5): the signed payload plus its base64 signature.
type SignatureArtifact struct {
	Payload   []byte
	Signature string
}

// ErrSignatureInvalid is returned when a signature verifies against no JWKS key.
type ErrSignatureInvalid struct {
	Reason string
}

func (e *ErrSignatureInvalid) Error() string {
	return "signature invalid: " + e.Reason
}

// Verifier checks a package's Simple-Signing signature against a JWKS
// fetched fresh (never cached, spec.md §4.4 step 5) from a configured URL.
type Verifier struct {
	JWKSURL    string
	HTTPClient *http.Client
}

// FetchKeySet downloads the JWKS. Called once per verification so key
// rotation and revocation take effect immediately.
func (v *Verifier) FetchKeySet(ctx context.Context) (jwk.Set, error) {
	client := v.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	set, err := jwk.Fetch(ctx, v.JWKSURL, jwk.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS from %s: %w", v.JWKSURL, err)
	}

	return set, nil
}

// Verify checks sig.Signature against every Ed25519 key in the JWKS; the
// signature must verify against at least one key (spec.md §4.4 step 5). On
// success it returns the artifact digest bound into the payload, which the
// caller must compare against the digest of the downloaded artifact.
func (v *Verifier) Verify(ctx context.Context, sig SignatureArtifact) (digest.Digest, error) {
	set, err := v.FetchKeySet(ctx)
	if err != nil {
		return "", err
	}

	rawSig, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return "", &ErrSignatureInvalid{Reason: "signature is not valid base64"}
	}

	verified := false
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}

		var pub ed25519.PublicKey
		if err := jwk.Export(key, &pub); err != nil {
			continue // not an Ed25519 key
		}

		if ed25519.Verify(pub, sig.Payload, rawSig) {
			verified = true
			break
		}
	}

	if !verified {
		return "", &ErrSignatureInvalid{Reason: "no JWKS key verifies the payload signature"}
	}

	var payload simpleSigningPayload
	if err := json.Unmarshal(sig.Payload, &payload); err != nil {
		return "", &ErrSignatureInvalid{Reason: "payload is not valid Simple Signing JSON"}
	}

	d, err := digest.Parse(payload.Critical.Image.ArtifactDigest)
	if err != nil {
		return "", &ErrSignatureInvalid{Reason: "payload does not bind a valid artifact digest"}
	}

	return d, nil
}
