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

package agenttype

import (
	"testing"

	. "github.com/onsi/gomega"
)

const validDefinition = `
metadata:
  namespace: newrelic
  name: com.newrelic.opentelemetry.collector
  version: 0.1.0
variables:
  common:
    backoff_delay:
      description: initial restart backoff
      kind: string
      required: true
  on_host:
    tls:
      ca:
        description: CA certificate
        kind: file
        required: false
        default: ""
        file_path: ca.pem
deployment:
  on_host:
    executable:
      path: /usr/bin/otelcol
      args: ["--config", "${nr-var:tls.ca}"]
      env:
        BACKOFF: "${nr-var:backoff_delay}"
    restart_policy:
      backoff: fixed
      initial_delay_ms: 200
      max_retries: 3
      last_retry_interval_seconds: 10
`

func TestLoadValidDefinition(t *testing.T) {
	g := NewWithT(t)

	def, err := Load([]byte(validDefinition))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(def.Metadata.Name).To(Equal("com.newrelic.opentelemetry.collector"))

	ref, err := def.Ref()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ref.String()).To(Equal("newrelic/com.newrelic.opentelemetry.collector:0.1.0"))
}

func TestLoadRejectsMissingDeployment(t *testing.T) {
	g := NewWithT(t)

	_, err := Load([]byte(`
metadata:
  namespace: newrelic
  name: foo
  version: 1.0.0
`))
	g.Expect(err).To(HaveOccurred())
	g.Expect(err.Error()).To(ContainSubstring("deployment"))
}

func TestLoadRejectsFileKindOutsideOnHost(t *testing.T) {
	g := NewWithT(t)

	_, err := Load([]byte(`
metadata:
  namespace: newrelic
  name: foo
  version: 1.0.0
variables:
  k8s:
    cert:
      kind: file
      required: false
      default: ""
deployment:
  k8s:
    objects: ["kind: Deployment"]
    health_interval_seconds: 30
`))
	g.Expect(err).To(HaveOccurred())
	g.Expect(err.Error()).To(ContainSubstring("on_host scope"))
}

func TestLoadRejectsOverlapBetweenCommonAndScoped(t *testing.T) {
	g := NewWithT(t)

	_, err := Load([]byte(`
metadata:
  namespace: newrelic
  name: foo
  version: 1.0.0
variables:
  common:
    license_key:
      kind: string
      required: true
  on_host:
    license_key:
      kind: string
      required: true
deployment:
  on_host:
    executable:
      path: /bin/true
    restart_policy:
      backoff: fixed
      initial_delay_ms: 100
      max_retries: 1
      last_retry_interval_seconds: 5
`))
	g.Expect(err).To(HaveOccurred())
	g.Expect(err.Error()).To(ContainSubstring("declared in both common and"))
}

func TestLoadRejectsUndeclaredVariableReference(t *testing.T) {
	g := NewWithT(t)

	_, err := Load([]byte(`
metadata:
  namespace: newrelic
  name: foo
  version: 1.0.0
deployment:
  on_host:
    executable:
      path: /bin/true
      args: ["${nr-var:does_not_exist}"]
    restart_policy:
      backoff: fixed
      initial_delay_ms: 100
      max_retries: 1
      last_retry_interval_seconds: 5
`))
	g.Expect(err).To(HaveOccurred())
	g.Expect(err.Error()).To(ContainSubstring("undeclared variable reference"))
}

func TestLoadRejectsDefaultOutsideVariants(t *testing.T) {
	g := NewWithT(t)

	_, err := Load([]byte(`
metadata:
  namespace: newrelic
  name: foo
  version: 1.0.0
variables:
  common:
    mode:
      kind: string
      required: false
      default: gamma
      variants: ["alpha", "beta"]
deployment:
  on_host:
    executable:
      path: /bin/true
    restart_policy:
      backoff: fixed
      initial_delay_ms: 100
      max_retries: 1
      last_retry_interval_seconds: 5
`))
	g.Expect(err).To(HaveOccurred())
	g.Expect(err.Error()).To(ContainSubstring("variants"))
}

func TestParseRefRoundTrip(t *testing.T) {
	g := NewWithT(t)

	ref, err := ParseRef("newrelic/com.newrelic.opentelemetry.collector:0.1.0")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ref.Namespace).To(Equal("newrelic"))
	g.Expect(ref.Name).To(Equal("com.newrelic.opentelemetry.collector"))
	g.Expect(ref.Version.String()).To(Equal("0.1.0"))
}

func TestParseRefRejectsNonSemverVersion(t *testing.T) {
	g := NewWithT(t)

	_, err := ParseRef("newrelic/foo:not-a-version")
	g.Expect(err).To(HaveOccurred())
}
