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

// Package obslog wires the ambient logging stack named in spec.md's
// "out of scope" list as a library concern this process still configures:
// a go-logr/logr.Logger backed by k8s.io/klog/v2's textlogger, threaded
// through context.Context the same way the teacher threads ctrl.LoggerFrom.
package obslog

import (
	"context"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2/textlogger"
)

// Format selects the textlogger output encoding (AC config's log.format).
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Options mirrors the AC config's `log` block (spec.md §6).
type Options struct {
	Level                   int
	InsecureFineGrainedLevel bool
	Format                  Format
}

// Configure builds the process-wide root logr.Logger from opts, the way
// cmd/main.go's textlogger.NewLogger(textlogger.NewConfig()) configures
// the teacher's klog backend. opts.Format is carried for parity with
// spec.md §6's `log.format`; textlogger itself is a fixed text encoder, so
// a future JSON backend would be swapped in here without touching callers.
func Configure(opts Options) logr.Logger {
	cfg := textlogger.NewConfig(textlogger.Verbosity(opts.Level))
	return textlogger.NewLogger(cfg)
}

type ctxKey struct{}

// Into returns a context carrying log, retrievable with FromContext.
func Into(ctx context.Context, log logr.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger stored by Into, or the discard logger if
// none was set, matching ctrl.LoggerFrom's fallback behavior.
func FromContext(ctx context.Context) logr.Logger {
	if log, ok := ctx.Value(ctxKey{}).(logr.Logger); ok {
		return log
	}
	return logr.Discard()
}
