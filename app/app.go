// Package app assembles a custody node from its configuration and runs its
// background services.
package app

import (
	"context"
	"errors"
	"fmt"

	"cosmossdk.io/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/paw-chain/custody/api"
	"github.com/paw-chain/custody/app/health"
	"github.com/paw-chain/custody/app/telemetry"
	"github.com/paw-chain/custody/capture"
	"github.com/paw-chain/custody/config"
	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/integrity"
	"github.com/paw-chain/custody/ledger"
	"github.com/paw-chain/custody/metrics"
	"github.com/paw-chain/custody/recovery"
	"github.com/paw-chain/custody/replication"
	"github.com/paw-chain/custody/types"
	"github.com/paw-chain/custody/verifier"
)

// App is a fully wired custody node
type App struct {
	Config   config.Config
	Ledger   *ledger.Ledger
	Store    evidence.Store
	Agent    *capture.Agent
	Verifier *verifier.Verifier
	Sweep    *Sweep
	// Manager and Recovery are nil when no replica sites are configured
	Manager  *replication.Manager
	Recovery *recovery.Orchestrator

	logger    log.Logger
	registry  *prometheus.Registry
	metrics   *metrics.CustodyMetrics
	telemetry *telemetry.Provider
	auth      *replication.Authenticator
	version   string
}

// New opens the ledger and evidence store and wires every component
func New(ctx context.Context, cfg config.Config, logger log.Logger, version string) (*App, error) {
	a := &App{
		Config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		version:  version,
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewCustodyMetrics(a.registry)

	telCfg := cfg.Telemetry
	telCfg.NodeID = cfg.Node.ID
	telCfg.Version = version
	tel, err := telemetry.NewProvider(telCfg, a.registry)
	if err != nil {
		return nil, err
	}
	a.telemetry = tel

	backend, err := openBackend(ctx, cfg.Ledger)
	if err != nil {
		return nil, err
	}

	var ledgerOpts []ledger.Option
	verifyKey := cfg.Ledger.VerifyKey
	if cfg.Ledger.SigningKey != "" {
		signer, err := integrity.LoadOrCreateSigner(cfg.Ledger.SigningKey)
		if err != nil {
			backend.Close()
			return nil, err
		}
		ledgerOpts = append(ledgerOpts, ledger.WithSigner(signer))
		if verifyKey == "" {
			verifyKey = signer.PublicKey()
		}
	}
	a.Ledger, err = ledger.New(ctx, backend, logger, ledgerOpts...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	a.metrics.ChainLength.Set(float64(a.Ledger.Tip().Length))

	a.Store, err = evidence.NewFileStore(evidence.FileStoreConfig{
		Root:        cfg.Evidence.Dir,
		MinReplicas: cfg.Replication.MinReplicas,
	}, logger)
	if err != nil {
		a.Ledger.Close()
		return nil, err
	}

	a.Agent = capture.NewAgent(cfg.Capture.Config, a.Ledger, a.Store, cfg.Capture.BuildCollectors(), logger,
		capture.WithMetrics(a.metrics))

	var capturer Capturer
	if cfg.Verify.CaptureOnTamper {
		capturer = a.Agent
	}
	a.Sweep = NewSweep(a.Ledger, nil, cfg.Verify.Interval, capturer, a.metrics, logger)

	verifierOpts := []verifier.Option{
		verifier.WithObserver(a.metrics.RecordVerification),
		verifier.WithObserver(a.Sweep.Observe),
	}
	if verifyKey != "" {
		verifierOpts = append(verifierOpts, verifier.WithVerifyKey(verifyKey))
	}
	a.Verifier = verifier.New(a.Ledger, a.Store, logger, verifierOpts...)
	a.Sweep.verifier = a.Verifier

	if err := a.wireReplication(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wireReplication(ctx context.Context) error {
	rc := a.Config.Replication
	if rc.Secret == "" {
		return nil
	}
	auth, err := replication.NewAuthenticator(a.Config.Node.ID, []byte(rc.Secret))
	if err != nil {
		return err
	}
	a.auth = auth
	if len(rc.Sites) == 0 {
		return nil
	}

	dial := replication.HTTPDialer(auth, rc.Timeout)
	a.Manager, err = replication.NewManager(ctx, rc.Config, a.Ledger, a.Store, dial, a.logger,
		replication.WithMetrics(a.metrics))
	if err != nil {
		return err
	}

	sources := make([]recovery.Source, 0, len(rc.Sites))
	for _, site := range rc.Sites {
		transport, err := dial(types.NewReplicaSite(site.ID, site.Endpoint))
		if err != nil {
			return fmt.Errorf("site %s: %w", site.ID, err)
		}
		sources = append(sources, recovery.Source{SiteID: site.ID, Transport: transport})
	}
	a.Recovery = recovery.New(a.Ledger, a.Store, a.Verifier, sources, a.logger,
		recovery.WithPageSize(a.Config.Recovery.PageSize),
		recovery.WithMetrics(a.metrics))
	return nil
}

func openBackend(ctx context.Context, cfg config.LedgerConfig) (ledger.Backend, error) {
	switch cfg.Backend {
	case config.BackendGoLevelDB:
		return ledger.OpenGoLevelDB(cfg.Dir)
	case config.BackendMemDB:
		return ledger.NewMemBackend(), nil
	case config.BackendPostgres:
		return ledger.NewPostgresBackend(ctx, cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// Registry returns the Prometheus registry every component reports to
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Server builds the HTTP server over the wired components
func (a *App) Server() (*api.Server, error) {
	var sites api.SiteLister
	var healthSites health.Sites
	if a.Manager != nil {
		sites = a.Manager
		healthSites = a.Manager
	}

	checker, err := health.NewChecker(a.logger, health.Config{
		Version:         a.version,
		NodeID:          a.Config.Node.ID,
		MaxResponseTime: health.DefaultConfig().MaxResponseTime,
		CacheDuration:   health.DefaultConfig().CacheDuration,
	}, a.Ledger, a.Store, healthSites, a.Sweep)
	if err != nil {
		return nil, err
	}

	routes := api.Routes{
		API:      api.NewHandler(a.Agent, a.Ledger, a.Store, a.Verifier, sites, a.logger),
		Health:   checker,
		Gatherer: a.registry,
	}
	if a.auth != nil {
		recv := replication.NewReceiver(a.Config.Node.ID, a.Ledger, a.Store, a.logger, a.metrics)
		routes.Replication = replication.NewHandler(recv, a.auth)
	}
	return api.NewServer(a.Config.API, routes, a.logger, a.metrics, a.telemetry.Meter())
}

// Run serves the API and runs replication and the verification sweep until
// ctx is cancelled or one of them fails
func (a *App) Run(ctx context.Context) error {
	server, err := a.Server()
	if err != nil {
		return err
	}

	if a.Config.Recovery.OnStart && a.Recovery != nil {
		if err := a.recoverOnStart(ctx); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return a.Sweep.Run(ctx) })
	if a.Manager != nil {
		g.Go(func() error { return a.Manager.Run(ctx) })
	}

	a.logger.Info("custody node running",
		"node_id", a.Config.Node.ID,
		"chain_length", a.Ledger.Tip().Length,
		"sites", len(a.Config.Replication.Sites),
	)
	return g.Wait()
}

// recoverOnStart restores missing blocks before serving. An unreachable set
// of replicas is not fatal; a replica that fails verification is.
func (a *App) recoverOnStart(ctx context.Context) error {
	cp, err := a.Recovery.Recover(ctx, recovery.Options{})
	switch {
	case err == nil:
		if cp.SourceSiteID != "" {
			a.logger.Info("recovered from replica", "source", cp.SourceSiteID, "blocks", cp.BlocksRestored)
		}
		return nil
	case errors.Is(err, types.ErrNoRecoverySource):
		a.logger.Warn("no replica reachable for recovery, serving local chain", "error", err)
		return nil
	default:
		return err
	}
}

// Close flushes telemetry and closes the ledger and evidence store
func (a *App) Close() error {
	var errs []error
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
