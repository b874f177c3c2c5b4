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

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/newrelic/agent-control-go/internal/datastore"
	"github.com/newrelic/agent-control-go/internal/eventbus"
	"github.com/newrelic/agent-control-go/internal/variables"
)

// Target names a remote-config owner: datastore.ACTarget or an AgentID.
type Target = datastore.Target

// Result is what a successful (including delete-signal) Apply returns.
type Result struct {
	// Deleted is true for an empty-payload delete signal (spec.md §4.9).
	Deleted bool
	Hash    string
	// ACAgents is populated when Apply ran against datastore.ACTarget.
	ACAgents map[string]AgentEntry
	// ACVersion carries ACSchema.AgentControlVersion when Apply ran against
	// datastore.ACTarget (SPEC_FULL.md S5: graceful self-update trigger).
	ACVersion string
	// Values is populated when Apply ran against a sub-agent target.
	Values variables.Values
}

// Pipeline implements spec.md C9: the short-circuiting
// signature -> schema -> semantic -> persist -> status pipeline, shared by
// the AC target and every sub-agent target.
type Pipeline struct {
	Layout   *datastore.Layout
	Verifier *Verifier // nil disables signature verification (spec.md §4.9 step 1: "if enabled")
	Resolver AgentTypeResolver
	Hub      *eventbus.Hub
}

// ApplyAC validates and persists a remote config payload for the
// agent-control target (spec.md §4.9, applied to the `agents` map).
// Persisting the declared agent set is itself the terminal action for this
// target (there is no further assemble/deploy cycle to wait on), so the
// pipeline reports the eventual Applied/Failed directly.
func (p *Pipeline) ApplyAC(ctx context.Context, raw []byte, signature string) (*Result, error) {
	return p.apply(ctx, datastore.ACTarget, raw, signature, true, func(hash string, body []byte) (*Result, error) {
		var schema ACSchema
		if err := yaml.Unmarshal(body, &schema); err != nil {
			return nil, &ErrSchemaInvalid{Target: datastore.ACTarget, Reason: err.Error()}
		}

		if err := validateACSemantics(schema, p.Resolver); err != nil {
			return nil, err
		}

		return &Result{Hash: hash, ACAgents: schema.Agents, ACVersion: schema.AgentControlVersion}, nil
	})
}

// ApplySubAgent validates and persists a remote config payload for
// agentID's target (spec.md §4.9, applied to a sub-agent's Values).
// Unlike ApplyAC, a successful persist here only hands the config to the
// agent's supervisor for an assemble/deploy cycle (spec.md §4.8); the
// pipeline therefore reports Applying (and Failed, for any failure of its
// own signature/schema/persist stages) but leaves the eventual terminal
// Applied/Failed to Supervisor.handle, which alone knows the deploy
// outcome (spec.md §8: "exactly one Applying precedes the eventual Applied
// or Failed").
func (p *Pipeline) ApplySubAgent(ctx context.Context, agentID string, raw []byte, signature string) (*Result, error) {
	return p.apply(ctx, agentID, raw, signature, false, func(hash string, body []byte) (*Result, error) {
		var tree map[string]any
		if err := yaml.Unmarshal(body, &tree); err != nil {
			return nil, &ErrSchemaInvalid{Target: agentID, Reason: err.Error()}
		}

		return &Result{Hash: hash, Values: variables.Values(tree)}, nil
	})
}

// LoadPersistedAC reads back a previously-persisted AC remote config from
// disk (e.g. on process restart), returning (nil, nil) if none exists.
func (p *Pipeline) LoadPersistedAC() (map[string]AgentEntry, error) {
	raw, ok, err := readIfExists(p.Layout.RemoteConfigPath(datastore.ACTarget))
	if err != nil || !ok {
		return nil, err
	}

	var schema ACSchema
	if err := yaml.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("parsing persisted AC remote config: %w", err)
	}

	return schema.Agents, nil
}

// LoadPersistedSubAgent reads back a previously-persisted sub-agent remote
// config, returning (nil, nil) if none exists.
func (p *Pipeline) LoadPersistedSubAgent(agentID string) (variables.Values, error) {
	raw, ok, err := readIfExists(p.Layout.RemoteConfigPath(agentID))
	if err != nil || !ok {
		return nil, err
	}

	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("parsing persisted remote config for %s: %w", agentID, err)
	}

	return variables.Values(tree), nil
}

// finalizesOnPersist controls whether a successful persist is itself the
// terminal Applied for this target, or whether a downstream consumer
// (Supervisor.handle, for sub-agent targets) owns that terminal status.
func (p *Pipeline) apply(ctx context.Context, target Target, raw []byte, signature string, finalizesOnPersist bool, decode func(hash string, body []byte) (*Result, error)) (*Result, error) {
	if len(raw) == 0 {
		// Empty payload is the delete signal (spec.md §4.9): for AC this
		// disables remote management, for a sub-agent it triggers
		// termination. Neither case runs schema/semantic validation.
		p.emit(ctx, target, "", eventbus.StatusApplying, nil)

		if err := removeIfExists(p.Layout.RemoteConfigPath(target)); err != nil {
			p.emit(ctx, target, "", eventbus.StatusFailed, err)
			return nil, err
		}

		p.emit(ctx, target, "", eventbus.StatusApplied, nil)
		return &Result{Deleted: true}, nil
	}

	hash := contentHash(raw)

	p.emit(ctx, target, hash, eventbus.StatusApplying, nil)

	if p.Verifier != nil {
		if err := p.Verifier.Verify(ctx, raw, signature); err != nil {
			p.emit(ctx, target, hash, eventbus.StatusFailed, err)
			return nil, err
		}
	}

	result, err := decode(hash, raw)
	if err != nil {
		p.emit(ctx, target, hash, eventbus.StatusFailed, err)
		return nil, err
	}

	if err := datastore.AtomicWriteFile(p.Layout.RemoteConfigPath(target), raw, 0o644); err != nil {
		err = fmt.Errorf("persisting remote config for %s: %w", target, err)
		p.emit(ctx, target, hash, eventbus.StatusFailed, err)
		return nil, err
	}

	if finalizesOnPersist {
		p.emit(ctx, target, hash, eventbus.StatusApplied, nil)
	}

	return result, nil
}

func (p *Pipeline) emit(ctx context.Context, target Target, hash string, status eventbus.RemoteConfigStatus, err error) {
	if p.Hub == nil || p.Hub.RemoteConfig == nil {
		return
	}

	evt := eventbus.RemoteConfigEvent{Target: target, Hash: hash, Status: status, At: time.Now(), Err: err}
	_ = p.Hub.RemoteConfig.Publish(ctx, evt)
}

func contentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func readIfExists(path string) ([]byte, bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func removeIfExists(path string) error {
	err := datastore.RemoveIfExists(path)
	if err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}
