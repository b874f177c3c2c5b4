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

// Command agent-control-config-generator is the one-shot companion binary
// spec.md §6 names: it writes a local_config.yaml from CLI-supplied fleet
// enrolment and agent-set flags so an installer never hand-edits YAML, and
// (SPEC_FULL.md S2) exposes a read-only "historian inspect" subcommand over
// the retained rendered-file generations a running agent-control process
// left on disk.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/newrelic/agent-control-go/internal/datastore"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agent-control-config-generator",
		SilenceUsage: true,
		Short:        "Generates agent-control's local_config.yaml and inspects retained config generations",
	}

	root.AddCommand(newGenerateCmd(), newHistorianCmd())

	return root
}

type generateOptions struct {
	outputPath          string
	agents              []string
	fleetEnabled        bool
	fleetEndpoint       string
	fleetID             string
	organizationID      string
	authParentAgentID   string
	authParentAgentType string
	authPrivateKeyPath  string
	authClientID        string
	signatureValidation bool
	jwksURL             string
	proxyURL            string
	licenseKey          string
	staticBase          string
}

func newGenerateCmd() *cobra.Command {
	opts := &generateOptions{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Writes a local_config.yaml built from fleet enrolment and agent-set flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(opts)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.outputPath, "output-path", "", "Destination path for local_config.yaml (defaults under --static-dir)")
	fs.StringVar(&opts.staticBase, "static-dir", "/etc/newrelic-agent-control", "Static configuration root, used to derive the default output path")
	fs.StringArrayVar(&opts.agents, "agent", nil, "Declares one sub-agent as id=agent_type (repeatable)")
	fs.BoolVar(&opts.fleetEnabled, "fleet-enabled", false, "Enable fleet (OpAMP) management")
	fs.StringVar(&opts.fleetEndpoint, "fleet-endpoint", "", "Fleet control-plane endpoint")
	fs.StringVar(&opts.fleetID, "fleet-id", "", "Fleet identifier")
	fs.StringVar(&opts.organizationID, "organization-id", "", "Organization identifier for fleet enrolment")
	fs.StringVar(&opts.authParentAgentID, "auth-parent-agent-id", "", "Parent agent id for fleet enrolment authentication")
	fs.StringVar(&opts.authParentAgentType, "auth-parent-agent-type", "", "Parent agent type for fleet enrolment authentication")
	fs.StringVar(&opts.authPrivateKeyPath, "auth-private-key-path", "", "Path to the identity private key")
	fs.StringVar(&opts.authClientID, "auth-client-id", "", "Fleet enrolment client id")
	fs.BoolVar(&opts.signatureValidation, "signature-validation", true, "Require Ed25519-signed remote config and packages")
	fs.StringVar(&opts.jwksURL, "jwks-url", "", "JWKS endpoint used to verify remote-config and package signatures")
	fs.StringVar(&opts.proxyURL, "proxy-url", "", "HTTP egress proxy URL")
	fs.StringVar(&opts.licenseKey, "license-key", "", "Ingest license key, written under self_instrumentation headers")

	return cmd
}

func runGenerate(opts *generateOptions) error {
	agents := make(map[string]any, len(opts.agents))
	for _, decl := range opts.agents {
		id, agentType, ok := strings.Cut(decl, "=")
		if !ok || id == "" || agentType == "" {
			return fmt.Errorf("--agent %q must be of the form id=agent_type", decl)
		}
		agents[id] = map[string]any{"agent_type": agentType}
	}

	doc := map[string]any{"agents": agents}

	fleet := map[string]any{
		"signature_validation": opts.signatureValidation,
	}
	if opts.fleetEndpoint != "" {
		fleet["endpoint"] = opts.fleetEndpoint
	}
	if opts.fleetID != "" {
		fleet["fleet_id"] = opts.fleetID
	}
	if opts.jwksURL != "" {
		fleet["jwks_url"] = opts.jwksURL
	}

	auth := map[string]any{}
	if opts.organizationID != "" {
		auth["organization_id"] = opts.organizationID
	}
	if opts.authParentAgentID != "" {
		auth["auth_parent_agent_id"] = opts.authParentAgentID
	}
	if opts.authParentAgentType != "" {
		auth["auth_parent_agent_type"] = opts.authParentAgentType
	}
	if opts.authPrivateKeyPath != "" {
		auth["auth_private_key_path"] = opts.authPrivateKeyPath
	}
	if opts.authClientID != "" {
		auth["auth_client_id"] = opts.authClientID
	}
	if len(auth) > 0 {
		fleet["auth_config"] = auth
	}
	if opts.fleetEnabled {
		doc["fleet_control"] = fleet
	}

	if opts.proxyURL != "" {
		doc["proxy"] = map[string]any{"url": opts.proxyURL}
	}

	if opts.licenseKey != "" {
		doc["self_instrumentation"] = map[string]any{
			"opentelemetry": map[string]any{
				"headers": map[string]any{"api-key": opts.licenseKey},
			},
		}
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling local_config.yaml: %w", err)
	}

	outputPath := opts.outputPath
	if outputPath == "" {
		layout := datastore.NewLayout(opts.staticBase, "", "")
		outputPath = layout.ACLocalConfigPath()
	}

	if err := datastore.AtomicWriteFile(outputPath, out, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", outputPath, err)
	}

	fmt.Println(outputPath)

	return nil
}

type historianOptions struct {
	dynamicBase string
	agentID     string
}

func newHistorianCmd() *cobra.Command {
	historian := &cobra.Command{
		Use:   "historian",
		Short: "Inspects the rendered-file generations agent-control retained for a sub-agent",
	}

	opts := &historianOptions{}

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Lists the retained generation directories for one agent, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistorianInspect(opts)
		},
	}

	fs := inspect.Flags()
	fs.StringVar(&opts.dynamicBase, "dynamic-dir", "/var/lib/newrelic-agent-control", "Dynamic (fleet) state root")
	fs.StringVar(&opts.agentID, "agent-id", "", "Sub-agent identifier to inspect")
	_ = inspect.MarkFlagRequired("agent-id")

	historian.AddCommand(inspect)

	return historian
}

// runHistorianInspect lists datastore.Layout.GenerationsDir(agentID)
// directly from disk rather than querying a running agent-control process:
// this binary is a separate process with no access to the in-process
// eventbus.Historian a supervisor maintains, and the generations
// themselves are what that Historian already persisted there
// (SPEC_FULL.md S2).
func runHistorianInspect(opts *historianOptions) error {
	layout := datastore.NewLayout("", opts.dynamicBase, "")

	entries, err := os.ReadDir(layout.GenerationsDir(opts.agentID))
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("no retained generations for agent %q\n", opts.agentID)
			return nil
		}
		return fmt.Errorf("listing generations for %s: %w", opts.agentID, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, n := range names {
		fmt.Println(n)
	}

	return nil
}
