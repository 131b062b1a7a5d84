// ABOUTME: Main daemon entry point for prox-orchd service.
// ABOUTME: Loads configuration and starts the LXC application lifecycle engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/agentlab/prox-orchd/internal/alloc"
	"github.com/agentlab/prox-orchd/internal/appliance"
	"github.com/agentlab/prox-orchd/internal/audit"
	"github.com/agentlab/prox-orchd/internal/buildinfo"
	"github.com/agentlab/prox-orchd/internal/catalog"
	"github.com/agentlab/prox-orchd/internal/config"
	"github.com/agentlab/prox-orchd/internal/controlapi"
	"github.com/agentlab/prox-orchd/internal/db"
	"github.com/agentlab/prox-orchd/internal/facade"
	"github.com/agentlab/prox-orchd/internal/jobrunner"
	"github.com/agentlab/prox-orchd/internal/logging"
	"github.com/agentlab/prox-orchd/internal/metrics"
	"github.com/agentlab/prox-orchd/internal/pipeline"
	"github.com/agentlab/prox-orchd/internal/pve"
	"github.com/agentlab/prox-orchd/internal/reconcile"
	"github.com/agentlab/prox-orchd/internal/secrets"
	"github.com/agentlab/prox-orchd/internal/sshexec"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var showVersion bool
	var configPath string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	logger := log.With().Str("service", "prox-orchd").Logger()
	logger.Info().Str("version", buildinfo.String()).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("prox-orchd exited with error")
	}
}

// run wires every component (C1-C11) together and serves until ctx is
// canceled. Grounded on internal/daemon.Run/NewService's load-then-wire-then-
// serve shape: a control API listener wrapping internal/facade for
// cmd/prox-orchctl to dial, a metrics listener, the background reconciler,
// and the in-process job runner.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	keyring, err := secrets.LoadKeyring(cfg.AgeKeyPath)
	if err != nil {
		return fmt.Errorf("load age keyring: %w", err)
	}

	cat, err := catalog.Load(cfg.CatalogDir)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	logger.Info().Int("apps", len(cat.Apps)).Msg("loaded catalog")

	operatorSigner, err := loadOperatorSigner(cfg.OperatorSSHKeyPath)
	if err != nil {
		return fmt.Errorf("load operator ssh key: %w", err)
	}

	pveClient := pve.NewAPIClient()
	sshRunner := sshexec.NewRunner()
	sshRunner.Logger = logger
	sshRunner.Redactor = logging.NewRedactor(nil)
	metricsReg := metrics.New()
	auditLogger := audit.New(store, logger)

	nodeCreds := func(_ context.Context, _ pve.Host, node string) (sshexec.NodeCredentials, error) {
		return sshexec.NodeCredentials{
			Host:   node,
			Port:   cfg.OperatorSSHPort,
			User:   cfg.OperatorSSHUser,
			Signer: operatorSigner,
		}, nil
	}

	pl := pipeline.New()
	pl.Store = store
	pl.PVE = pveClient
	pl.SSH = sshRunner
	pl.Ports = alloc.NewPortAllocator(store)
	pl.VMIDs = alloc.NewVMIDAllocator(pveClient, store)
	pl.Keyring = keyring
	pl.Catalog = cat
	pl.Metrics = metricsReg
	pl.VolumeRoot = cfg.DataDir
	pl.NodeCreds = nodeCreds

	if cfg.ApplianceHostID != "" && cfg.ApplianceNode != "" {
		applianceHost, err := resolveHost(ctx, store, keyring, cfg.ApplianceHostID)
		if err != nil {
			return fmt.Errorf("resolve appliance host: %w", err)
		}
		creds, err := nodeCreds(ctx, applianceHost, cfg.ApplianceNode)
		if err != nil {
			return fmt.Errorf("resolve appliance node credentials: %w", err)
		}
		applianceOrch := appliance.New(pveClient, sshRunner, applianceHost, cfg.ApplianceNode, creds)
		if err := applianceOrch.Ensure(ctx); err != nil {
			return fmt.Errorf("ensure network appliance: %w", err)
		}
		pl.Appliance = applianceOrch
		logger.Info().Str("host_id", cfg.ApplianceHostID).Str("node", cfg.ApplianceNode).Msg("network appliance ready")
	} else {
		logger.Warn().Msg("no appliance_host_id/appliance_node configured; deploys will use direct access without the appliance")
	}

	jobs := jobrunner.New(store,
		jobrunner.WithBackoffBase(cfg.JobBackoffBase),
		jobrunner.WithMaxAttempts(cfg.JobMaxAttempts),
	)

	fc := facade.New()
	fc.Store = store
	fc.PVE = pveClient
	fc.Jobs = jobs
	fc.Pipeline = pl
	fc.Catalog = cat
	fc.Keyring = keyring

	rec := reconcile.New()
	rec.Store = store
	rec.PVE = pveClient
	rec.Metrics = metricsReg
	rec.Audit = auditLogger
	rec.Interval = cfg.ReconcileInterval
	rec.StuckAfter = cfg.StuckThreshold
	rec.ResolveHost = func(ctx context.Context, hostID string) (pve.Host, error) {
		return resolveHost(ctx, store, keyring, hostID)
	}
	rec.Start(ctx, logger)

	auditLogger.Record(ctx, "system", "daemon.start", "daemon", "prox-orchd", map[string]any{"version": buildinfo.String()}, "")

	var metricsServer *http.Server
	if cfg.MetricsListen != "" {
		metricsServer = &http.Server{Addr: cfg.MetricsListen, Handler: metricsReg.Handler()}
		go func() {
			logger.Info().Str("addr", cfg.MetricsListen).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	var controlServer *http.Server
	if cfg.ControlListen != "" {
		controlAPI := controlapi.New(fc, logger)
		mux := http.NewServeMux()
		controlAPI.Register(mux)
		controlServer = &http.Server{Addr: cfg.ControlListen, Handler: mux}
		listener, err := net.Listen("tcp", cfg.ControlListen)
		if err != nil {
			return fmt.Errorf("listen on control address %s: %w", cfg.ControlListen, err)
		}
		go func() {
			logger.Info().Str("addr", cfg.ControlListen).Msg("control api listening")
			if err := controlServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("control api failed")
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if controlServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = controlServer.Shutdown(shutdownCtx)
	}

	done := make(chan struct{})
	go func() {
		jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn().Msg("shutdown timeout exceeded waiting for in-flight jobs")
	}
	return nil
}

// resolveHost loads a ProxmoxHost row and decrypts its API token, the same
// way internal/pipeline.Pipeline.hostFor and internal/facade.Facade.hostFor
// do; main.go needs its own copy since reconcile.Reconciler takes the
// resolver as a plain function rather than holding a *secrets.Keyring itself.
func resolveHost(ctx context.Context, store *db.Store, keyring *secrets.Keyring, hostID string) (pve.Host, error) {
	host, err := store.GetProxmoxHost(ctx, hostID)
	if err != nil {
		return pve.Host{}, fmt.Errorf("load proxmox host %s: %w", hostID, err)
	}
	token, err := keyring.DecryptString(host.CredentialsEnc)
	if err != nil {
		return pve.Host{}, fmt.Errorf("decrypt credentials for host %s: %w", hostID, err)
	}
	return pve.Host{
		Name:        host.Name,
		BaseURL:     host.APIURL,
		APIToken:    token,
		TLSInsecure: host.TLSInsecure,
		TLSCAPath:   host.TLSCAPath,
	}, nil
}

func loadOperatorSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read operator ssh key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse operator ssh key %s: %w", path, err)
	}
	return signer, nil
}
