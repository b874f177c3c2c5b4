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

package eventbus

// Hub bundles the five typed buses spec.md §4.11/§5 names, so every
// component that needs to publish or subscribe carries a single handle
// instead of five. Capacity bounds every bus identically; callers needing
// different bounds per channel can still construct the Bus[T] fields
// directly.
type Hub struct {
	RemoteConfig    *Bus[RemoteConfigEvent]
	Health          *Bus[HealthEvent]
	EffectiveConfig *Bus[EffectiveConfigEvent]
	Lifecycle       *Bus[SupervisorLifecycleEvent]
	Shutdown        *Bus[ShutdownEvent]
}

// NewHub constructs a Hub whose buses each hold capacity pending events per
// subscriber before Publish blocks (spec.md §5: "producers back-pressure
// rather than drop").
func NewHub(capacity int) *Hub {
	return &Hub{
		RemoteConfig:    New[RemoteConfigEvent](capacity),
		Health:          New[HealthEvent](capacity),
		EffectiveConfig: New[EffectiveConfigEvent](capacity),
		Lifecycle:       New[SupervisorLifecycleEvent](capacity),
		Shutdown:        New[ShutdownEvent](capacity),
	}
}
