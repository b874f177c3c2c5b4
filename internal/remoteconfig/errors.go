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

package remoteconfig

import "fmt"

// ErrSignatureInvalid is returned when a remote config's signature does not
// verify against any JWKS key (spec.md §4.9 step 1, §7 "Signature/Trust").
type ErrSignatureInvalid struct {
	Reason string
}

func (e *ErrSignatureInvalid) Error() string {
	return fmt.Sprintf("signature invalid: %s", e.Reason)
}

// ErrSchemaInvalid is returned when the payload does not parse into the
// schema expected for its target (spec.md §4.9 step 2).
type ErrSchemaInvalid struct {
	Target string
	Reason string
}

func (e *ErrSchemaInvalid) Error() string {
	return fmt.Sprintf("schema invalid for %s: %s", e.Target, e.Reason)
}

// ErrSemanticInvalid is returned when a payload is well-formed but
// cross-references something that does not resolve (spec.md §4.9 step 3).
type ErrSemanticInvalid struct {
	Reason string
}

func (e *ErrSemanticInvalid) Error() string {
	return fmt.Sprintf("semantic validation failed: %s", e.Reason)
}
