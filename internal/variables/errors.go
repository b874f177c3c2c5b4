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

import "fmt"

// ErrorKind enumerates the render-failure categories from spec.md §4.1.
type ErrorKind string

const (
	UnknownVariable ErrorKind = "UnknownVariable"
	TypeMismatch    ErrorKind = "TypeMismatch"
	InvalidVariant  ErrorKind = "InvalidVariant"
	UnknownFunction ErrorKind = "UnknownFunction"
	FileWriteError  ErrorKind = "FileWriteError"
)

// RenderError is returned by Render/Renderer.Render; Kind is stable and
// meant for programmatic dispatch (e.g. mapping to a Configuration error
// category one layer up), Ref/Detail are for the human-readable message.
type RenderError struct {
	Kind   ErrorKind
	Ref    string
	Detail string
	Err    error
}

func (e *RenderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Ref)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RenderError) Unwrap() error { return e.Err }
