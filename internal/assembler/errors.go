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

package assembler

import "fmt"

// ErrRequiredVariableMissing is returned when a required variable has no
// value after merging local+remote values with declared defaults (spec.md
// §4.5 step 3, scenario 3).
type ErrRequiredVariableMissing struct {
	Path string
}

func (e *ErrRequiredVariableMissing) Error() string {
	return fmt.Sprintf("RequiredVariableMissing: %s", e.Path)
}

// ErrTypeMismatch is returned when a leaf's value does not match its
// declared kind (spec.md §4.5 step 4).
type ErrTypeMismatch struct {
	Path   string
	Kind   string
	Detail string
}

func (e *ErrTypeMismatch) Error() string {
	return fmt.Sprintf("TypeMismatch: %s: expected %s: %s", e.Path, e.Kind, e.Detail)
}

// ErrInvalidVariant is returned when a leaf's value is not among its
// declared variants (spec.md §3).
type ErrInvalidVariant struct {
	Path  string
	Value any
}

func (e *ErrInvalidVariant) Error() string {
	return fmt.Sprintf("InvalidVariant: %s: %v is not an allowed variant", e.Path, e.Value)
}
