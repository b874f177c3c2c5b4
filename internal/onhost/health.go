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
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/eventbus"
)

// HealthChecker probes a running on-host process per its declared
// HealthSpec (spec.md §4.6): exactly one of HTTP or File is ever set.
type HealthChecker struct {
	Spec   *agenttype.HealthSpec
	Client *http.Client
}

// fileHealthReport is the on-disk shape an agent is expected to write,
// mirroring eventbus.Health's healthy, status and last_error fields in their
// YAML form; no timestamps are read from it.
type fileHealthReport struct {
	Healthy   bool   `yaml:"healthy"`
	Status    string `yaml:"status"`
	LastError string `yaml:"last_error,omitempty"`
}

// Check performs a single health probe, returning the eventbus.Health it
// produces. A HealthSpec with neither HTTP nor File configured reports
// healthy unconditionally (the agent type opted out of active checks).
func (c *HealthChecker) Check(ctx context.Context) eventbus.Health {
	now := time.Now().UnixNano()

	if c.Spec == nil {
		return eventbus.Health{Healthy: true, Status: "no health check configured", StatusTimeUnixNano: now}
	}

	switch {
	case c.Spec.HTTP != nil:
		return c.checkHTTP(ctx, c.Spec.HTTP)
	case c.Spec.File != nil:
		return c.checkFile(c.Spec.File)
	default:
		return eventbus.Health{Healthy: true, Status: "no health check configured", StatusTimeUnixNano: now}
	}
}

func (c *HealthChecker) checkHTTP(ctx context.Context, spec *agenttype.HTTPHealthSpec) eventbus.Health {
	now := time.Now().UnixNano()

	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%s%s", spec.Host, spec.Port, spec.Path)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return eventbus.Health{Healthy: false, Status: "unhealthy", LastError: err.Error(), StatusTimeUnixNano: now}
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return eventbus.Health{Healthy: false, Status: "unhealthy", LastError: err.Error(), StatusTimeUnixNano: now}
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if !statusIsHealthy(spec.HealthyStatusCodes, resp.StatusCode) {
		return eventbus.Health{
			Healthy:            false,
			Status:             "unhealthy",
			LastError:          fmt.Sprintf("status code %d", resp.StatusCode),
			StatusTimeUnixNano: now,
		}
	}

	return eventbus.Health{Healthy: true, Status: string(body), StatusTimeUnixNano: now}
}

func statusIsHealthy(codes []int, got int) bool {
	if len(codes) == 0 {
		return got >= 200 && got < 300
	}
	for _, c := range codes {
		if c == got {
			return true
		}
	}
	return false
}

func (c *HealthChecker) checkFile(spec *agenttype.FileHealthSpec) eventbus.Health {
	now := time.Now().UnixNano()

	data, err := os.ReadFile(spec.Path)
	if err != nil {
		return eventbus.Health{Healthy: false, Status: "unhealthy", LastError: err.Error(), StatusTimeUnixNano: now}
	}

	var report fileHealthReport
	if err := yaml.Unmarshal(data, &report); err != nil {
		return eventbus.Health{Healthy: false, Status: "unhealthy", LastError: fmt.Sprintf("parsing health report: %s", err), StatusTimeUnixNano: now}
	}

	status := report.Status
	if status == "" {
		status = "unhealthy"
		if report.Healthy {
			status = "healthy"
		}
	}

	lastError := report.LastError
	if report.Healthy {
		lastError = ""
	}

	return eventbus.Health{Healthy: report.Healthy, Status: status, LastError: lastError, StatusTimeUnixNano: now}
}

// Interval reports the configured check interval, defaulting to 30s.
func (c *HealthChecker) Interval() time.Duration {
	if c.Spec == nil {
		return 30 * time.Second
	}
	switch {
	case c.Spec.HTTP != nil && c.Spec.HTTP.IntervalSeconds > 0:
		return time.Duration(c.Spec.HTTP.IntervalSeconds) * time.Second
	case c.Spec.File != nil && c.Spec.File.IntervalSeconds > 0:
		return time.Duration(c.Spec.File.IntervalSeconds) * time.Second
	default:
		return 30 * time.Second
	}
}
