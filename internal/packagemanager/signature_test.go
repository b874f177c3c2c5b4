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
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/onsi/gomega"
)

const testArtifactDigest = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b85"

func startJWKSServer(t *testing.T, pub ed25519.PublicKey) *httptest.Server {
	t.Helper()

	x := base64.RawURLEncoding.EncodeToString(pub)
	body := fmt.Sprintf(`{"keys":[{"kty":"OKP","crv":"Ed25519","x":"%s"}]}`, x)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func signedArtifact(t *testing.T, priv ed25519.PrivateKey, artifactDigest string) SignatureArtifact {
	t.Helper()

	payload := []byte(fmt.Sprintf(
		`{"critical":{"image":{"artifact-digest":%q},"type":"newrelic-agent-control-simple-signing"}}`,
		artifactDigest))
	sig := ed25519.Sign(priv, payload)

	return SignatureArtifact{Payload: payload, Signature: base64.StdEncoding.EncodeToString(sig)}
}

func TestVerifierAcceptsValidSignature(t *testing.T) {
	g := NewWithT(t)

	pub, priv, err := ed25519.GenerateKey(nil)
	g.Expect(err).NotTo(HaveOccurred())

	srv := startJWKSServer(t, pub)
	v := &Verifier{JWKSURL: srv.URL}

	d, err := v.Verify(context.Background(), signedArtifact(t, priv, testArtifactDigest))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(d.String()).To(Equal(testArtifactDigest))
}

func TestVerifierRejectsSignatureFromUnknownKey(t *testing.T) {
	g := NewWithT(t)

	pub, _, err := ed25519.GenerateKey(nil)
	g.Expect(err).NotTo(HaveOccurred())

	_, otherPriv, err := ed25519.GenerateKey(nil)
	g.Expect(err).NotTo(HaveOccurred())

	srv := startJWKSServer(t, pub)
	v := &Verifier{JWKSURL: srv.URL}

	_, err = v.Verify(context.Background(), signedArtifact(t, otherPriv, testArtifactDigest))
	g.Expect(err).To(HaveOccurred())

	var invalid *ErrSignatureInvalid
	g.Expect(err).To(BeAssignableToTypeOf(invalid))
}
