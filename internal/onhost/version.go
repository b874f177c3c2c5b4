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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/newrelic/agent-control-go/internal/agenttype"
)

// VersionProbe runs an agent type's declared version command on an
// interval and extracts the version string with a regex (spec.md §4.6).
type VersionProbe struct {
	Spec *agenttype.VersionSpec
}

// ErrNoVersionCommand is returned by Probe when Spec is nil.
var ErrNoVersionCommand = fmt.Errorf("no version command configured")

// Probe runs the configured command and extracts the first regex capture
// group (or the whole match, if the regex has no groups).
func (p *VersionProbe) Probe(ctx context.Context) (string, error) {
	if p.Spec == nil || p.Spec.Command == "" {
		return "", ErrNoVersionCommand
	}

	cmd := exec.CommandContext(ctx, p.Spec.Command, p.Spec.Args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("running version command %s: %w", p.Spec.Command, err)
	}

	if p.Spec.Regex == "" {
		return out.String(), nil
	}

	re, err := regexp.Compile(p.Spec.Regex)
	if err != nil {
		return "", fmt.Errorf("compiling version regex %q: %w", p.Spec.Regex, err)
	}

	m := re.FindStringSubmatch(out.String())
	if m == nil {
		return "", fmt.Errorf("version regex %q did not match output", p.Spec.Regex)
	}
	if len(m) > 1 {
		return m[1], nil
	}
	return m[0], nil
}

// Interval reports the configured probe interval, defaulting to 5 minutes.
func (p *VersionProbe) Interval() time.Duration {
	if p.Spec == nil || p.Spec.IntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(p.Spec.IntervalSeconds) * time.Second
}
