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

// Package acconfig loads the agent-control local configuration described in
// spec.md §6: CLI-flag-and-file loading is an external collaborator per
// spec.md §1, but the resulting typed Config this package produces, and the
// `NR_AC_<KEY>__<SUBKEY>` environment override mechanism, are squarely this
// repo's concern (C10 consumes a *Config directly). Loading is done with
// spf13/viper + spf13/pflag exactly as the teacher's cmd/main.go InitFlags /
// flags.AddManagerOptions pattern binds flags into typed options.
package acconfig

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// AgentDeclaration is one entry of the top-level `agents` map (spec.md §6).
type AgentDeclaration struct {
	AgentType string `mapstructure:"agent_type"`
}

// FleetControl mirrors spec.md §6 `fleet_control`.
type FleetControl struct {
	Endpoint            string            `mapstructure:"endpoint"`
	Headers             map[string]string `mapstructure:"headers"`
	FleetID             string            `mapstructure:"fleet_id"`
	AuthConfig          AuthConfig        `mapstructure:"auth_config"`
	SignatureValidation bool              `mapstructure:"signature_validation"`
	JWKSURL             string            `mapstructure:"jwks_url"`
}

// AuthConfig mirrors the fleet enrolment flags of spec.md §6 CLI surface.
type AuthConfig struct {
	OrganizationID     string `mapstructure:"organization_id"`
	ParentAgentID       string `mapstructure:"auth_parent_agent_id"`
	ParentAgentType     string `mapstructure:"auth_parent_agent_type"`
	PrivateKeyPath      string `mapstructure:"auth_private_key_path"`
	ClientID            string `mapstructure:"auth_client_id"`
}

// Proxy mirrors spec.md §6 `proxy`.
type Proxy struct {
	URL               string `mapstructure:"url"`
	CABundleFile      string `mapstructure:"ca_bundle_file"`
	CABundleDir       string `mapstructure:"ca_bundle_dir"`
	IgnoreSystemProxy bool   `mapstructure:"ignore_system_proxy"`
}

// Server mirrors spec.md §6 `server` (local status HTTP).
type Server struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Log mirrors spec.md §6 `log`.
type Log struct {
	Level                    int    `mapstructure:"level"`
	InsecureFineGrainedLevel bool   `mapstructure:"insecure_fine_grained_level"`
	File                     string `mapstructure:"file"`
	Format                   string `mapstructure:"format"`
}

// OpenTelemetrySelfInstrumentation mirrors spec.md §6
// `self_instrumentation.opentelemetry`. Wiring the actual OTel SDK is out of
// scope (spec.md §1: "OpenTelemetry self-instrumentation plumbing" is an
// external collaborator); this struct only carries the configuration shape
// a caller would hand to that collaborator.
type OpenTelemetrySelfInstrumentation struct {
	Endpoint string            `mapstructure:"endpoint"`
	Headers  map[string]string `mapstructure:"headers"`
	Metrics  bool              `mapstructure:"metrics"`
	Traces   bool              `mapstructure:"traces"`
	Logs     bool              `mapstructure:"logs"`
}

// K8s mirrors spec.md §6 `k8s`.
type K8s struct {
	ClusterName  string `mapstructure:"cluster_name"`
	Namespace    string `mapstructure:"namespace"`
	ChartVersion string `mapstructure:"chart_version"`
}

// Config is the top-level AC local configuration (spec.md §6).
type Config struct {
	Agents             map[string]AgentDeclaration      `mapstructure:"agents"`
	FleetControl       FleetControl                     `mapstructure:"fleet_control"`
	Proxy              Proxy                            `mapstructure:"proxy"`
	Server             Server                           `mapstructure:"server"`
	Log                Log                              `mapstructure:"log"`
	SelfInstrumentation struct {
		OpenTelemetry OpenTelemetrySelfInstrumentation `mapstructure:"opentelemetry"`
	} `mapstructure:"self_instrumentation"`
	HostID string `mapstructure:"host_id"`
	K8s    K8s    `mapstructure:"k8s"`
}

// DefaultServerPort is spec.md §6's documented default for `server.port`.
const DefaultServerPort = 51200

func defaults() *viper.Viper {
	v := viper.New()
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("log.level", 0)
	v.SetDefault("log.format", "text")
	v.SetDefault("fleet_control.signature_validation", true)
	return v
}

// Load reads path (a local_config.yaml) and overlays every `NR_AC_<KEY>__
// <SUBKEY>…` environment variable on top of it (spec.md §6: "Every scalar
// config field is overridable by environment variable"). `fs` may bind
// pflag flags supplied by the CLI surface before Load runs; a nil fs skips
// flag binding.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := defaults()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("NR_AC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
