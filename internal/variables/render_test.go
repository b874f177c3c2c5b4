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
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
)

func testEnv(values Values) Env {
	return Env{
		Values: values,
		ProcessEnv: func(name string) (string, bool) {
			if name == "LICENSE_KEY" {
				return "abc123", true
			}
			return "", false
		},
		Sub: SubMeta{AgentID: "nrdot", PackageDirs: map[string]string{"collector": "/var/lib/newrelic-agent-control/packages/nrdot/stored_packages/collector/v1_0_0"}},
		AC:  ACMeta{HostID: "host-1"},
	}
}

func TestRenderSubstitutesAllNamespaces(t *testing.T) {
	g := NewWithT(t)
	r := NewRenderer(nil, nil)

	values := Values{"exporter": Values{"endpoint": "otlp.example.com:4317"}}
	tmpl := "endpoint: ${nr-var:exporter.endpoint}\nlicense: ${nr-env:LICENSE_KEY}\nagent: ${nr-sub:agent_id}\nhost: ${nr-ac:host_id}\ndir: ${nr-sub:packages.collector.dir}"

	out, err := r.Render(tmpl, testEnv(values))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(Equal(
		"endpoint: otlp.example.com:4317\n" +
			"license: abc123\n" +
			"agent: nrdot\n" +
			"host: host-1\n" +
			"dir: /var/lib/newrelic-agent-control/packages/nrdot/stored_packages/collector/v1_0_0"))
}

func TestRenderUnknownVariableIsError(t *testing.T) {
	g := NewWithT(t)
	r := NewRenderer(nil, nil)

	_, err := r.Render("${nr-var:missing}", testEnv(Values{}))
	g.Expect(err).To(HaveOccurred())

	var rerr *RenderError
	g.Expect(errorAs(err, &rerr)).To(BeTrue())
	g.Expect(rerr.Kind).To(Equal(UnknownVariable))
}

func TestRenderPipelineIndentAndTrimv(t *testing.T) {
	g := NewWithT(t)
	r := NewRenderer(nil, nil)

	values := Values{"version": "v1.2.3", "body": "a\nb"}

	out, err := r.Render("${nr-var:version | trimv}", testEnv(values))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(Equal("1.2.3"))

	out, err = r.Render("${nr-var:body | indent 2}", testEnv(values))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(Equal("a\n  b"))
}

func TestRenderUnknownFunctionIsError(t *testing.T) {
	g := NewWithT(t)
	r := NewRenderer(nil, nil)

	_, err := r.Render("${nr-var:x | nope}", testEnv(Values{"x": "y"}))
	g.Expect(err).To(HaveOccurred())

	var rerr *RenderError
	g.Expect(errorAs(err, &rerr)).To(BeTrue())
	g.Expect(rerr.Kind).To(Equal(UnknownFunction))
}

func TestRenderMaterializesFileVariableToPath(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	writer := DirFileWriter{Root: dir}

	fileVars := map[string]FileVariable{
		"tls.ca": {Kind: SingleFile, FilePath: "ca.pem"},
	}
	r := NewRenderer(fileVars, writer)

	values := Values{"tls": Values{"ca": "-----BEGIN CERTIFICATE-----"}}
	out, err := r.Render("--ca-file=${nr-var:tls.ca}", testEnv(values))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(Equal("--ca-file=" + filepath.Join(dir, "ca.pem")))

	data, err := os.ReadFile(filepath.Join(dir, "ca.pem"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(data)).To(Equal("-----BEGIN CERTIFICATE-----"))
}

func TestRenderIsIdempotentAcrossRepeatedPasses(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	writer := DirFileWriter{Root: dir}
	fileVars := map[string]FileVariable{"tls.ca": {Kind: SingleFile, FilePath: "ca.pem"}}

	values := Values{"tls": Values{"ca": "cert-data"}}
	tmpl := "--ca-file=${nr-var:tls.ca}"

	r1 := NewRenderer(fileVars, writer)
	out1, err := r1.Render(tmpl, testEnv(values))
	g.Expect(err).NotTo(HaveOccurred())

	r2 := NewRenderer(fileVars, writer)
	out2, err := r2.Render(tmpl, testEnv(values))
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(out1).To(Equal(out2))
}

func TestFinalizeRemovesStaleRenderedFiles(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	writer := DirFileWriter{Root: dir}

	stale := filepath.Join(dir, "old-entry.yaml")
	g.Expect(os.WriteFile(stale, []byte("x"), 0o644)).To(Succeed())

	fileVars := map[string]FileVariable{"tls.ca": {Kind: SingleFile, FilePath: "ca.pem"}}
	r := NewRenderer(fileVars, writer)

	_, err := r.Render("${nr-var:tls.ca}", testEnv(Values{"tls": Values{"ca": "v"}}))
	g.Expect(err).NotTo(HaveOccurred())

	existing, err := ListRendered(dir)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(r.Finalize(existing, RemoveStale)).To(Succeed())

	_, statErr := os.Stat(stale)
	g.Expect(os.IsNotExist(statErr)).To(BeTrue())
	g.Expect(filepath.Join(dir, "ca.pem")).To(BeAnExistingFile())
}

func TestExpandEnvInValuesExpandsStringLeavesRecursively(t *testing.T) {
	g := NewWithT(t)
	lookup := func(name string) (string, bool) {
		if name == "HOME_DIR" {
			return "/home/newrelic", true
		}
		return "", false
	}

	values := Values{
		"top": "${nr-env:HOME_DIR}/bin",
		"nested": Values{
			"path": "${nr-env:HOME_DIR}/data",
		},
	}

	out, err := ExpandEnvInValues(values, lookup)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out["top"]).To(Equal("/home/newrelic/bin"))
	g.Expect(out["nested"].(Values)["path"]).To(Equal("/home/newrelic/data"))
}

func TestMergeValuesRemoteOverridesLocal(t *testing.T) {
	g := NewWithT(t)
	local := Values{
		"exporter": Values{"endpoint": "local:4317", "insecure": true},
		"tags":     "env:prod",
	}
	remote := Values{
		"exporter": Values{"endpoint": "remote:4317"},
	}

	merged := Merge(local, remote)
	g.Expect(merged["exporter"].(Values)["endpoint"]).To(Equal("remote:4317"))
	g.Expect(merged["exporter"].(Values)["insecure"]).To(Equal(true))
	g.Expect(merged["tags"]).To(Equal("env:prod"))
}

// errorAs is a tiny local errors.As wrapper so tests read naturally.
func errorAs(err error, target **RenderError) bool {
	re, ok := err.(*RenderError)
	if !ok {
		return false
	}
	*target = re
	return true
}
