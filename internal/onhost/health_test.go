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

package onhost

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/newrelic/agent-control-go/internal/agenttype"
)

func TestHealthCheckerHTTPHealthy(t *testing.T) {
	g := NewWithT(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.Listener.Addr().String())

	c := &HealthChecker{Spec: &agenttype.HealthSpec{HTTP: &agenttype.HTTPHealthSpec{
		Host: host, Port: port, Path: "/health", IntervalSeconds: 5, TimeoutSeconds: 2,
	}}}

	h := c.Check(context.Background())
	g.Expect(h.Healthy).To(BeTrue())
}

func TestHealthCheckerHTTPHealthyStatusIsResponseBody(t *testing.T) {
	g := NewWithT(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("serving"))
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.Listener.Addr().String())

	c := &HealthChecker{Spec: &agenttype.HealthSpec{HTTP: &agenttype.HTTPHealthSpec{
		Host: host, Port: port, Path: "/health",
	}}}

	h := c.Check(context.Background())
	g.Expect(h.Healthy).To(BeTrue())
	g.Expect(h.Status).To(Equal("serving"))
}

func TestHealthCheckerHTTPUnhealthyStatus(t *testing.T) {
	g := NewWithT(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.Listener.Addr().String())

	c := &HealthChecker{Spec: &agenttype.HealthSpec{HTTP: &agenttype.HTTPHealthSpec{
		Host: host, Port: port, Path: "/health",
	}}}

	h := c.Check(context.Background())
	g.Expect(h.Healthy).To(BeFalse())
	g.Expect(h.LastError).To(ContainSubstring("503"))
}

func TestHealthCheckerFileHealthy(t *testing.T) {
	g := NewWithT(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "health.yaml")
	g.Expect(os.WriteFile(path, []byte("healthy: true\nstatus: ok\n"), 0o644)).To(Succeed())

	c := &HealthChecker{Spec: &agenttype.HealthSpec{File: &agenttype.FileHealthSpec{Path: path}}}
	h := c.Check(context.Background())

	g.Expect(h.Healthy).To(BeTrue())
	g.Expect(h.Status).To(Equal("ok"))
}

func TestHealthCheckerFileHealthyIgnoresStaleLastError(t *testing.T) {
	g := NewWithT(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "health.yaml")
	g.Expect(os.WriteFile(path, []byte("healthy: true\nstatus: ok\nlast_error: stale failure from a prior check\n"), 0o644)).To(Succeed())

	c := &HealthChecker{Spec: &agenttype.HealthSpec{File: &agenttype.FileHealthSpec{Path: path}}}
	h := c.Check(context.Background())

	g.Expect(h.Healthy).To(BeTrue())
	g.Expect(h.LastError).To(BeEmpty())
}

func TestHealthCheckerFileMissingIsUnhealthy(t *testing.T) {
	g := NewWithT(t)

	c := &HealthChecker{Spec: &agenttype.HealthSpec{File: &agenttype.FileHealthSpec{Path: "/nonexistent/health.yaml"}}}
	h := c.Check(context.Background())

	g.Expect(h.Healthy).To(BeFalse())
}

func TestHealthCheckerNoSpecIsHealthy(t *testing.T) {
	g := NewWithT(t)

	c := &HealthChecker{}
	h := c.Check(context.Background())
	g.Expect(h.Healthy).To(BeTrue())
}

func splitHostPort(t *testing.T, addr string) (string, string) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}
