package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pkgsmoke/pkgsmoke/pkg/bootstrap"
	"github.com/pkgsmoke/pkgsmoke/pkg/cloudapi"
	"github.com/pkgsmoke/pkgsmoke/pkg/config"
	"github.com/pkgsmoke/pkgsmoke/pkg/lifecycle"
	"github.com/pkgsmoke/pkgsmoke/pkg/orchestrator"
	"github.com/pkgsmoke/pkgsmoke/pkg/pkgtest"
	"github.com/pkgsmoke/pkgsmoke/pkg/policy"
	"github.com/pkgsmoke/pkgsmoke/pkg/stores"
	"github.com/pkgsmoke/pkgsmoke/pkg/telemetry"
	sshtransport "github.com/pkgsmoke/pkgsmoke/pkg/transports/ssh"
)

// harness bundles everything a command needs, built from one config
// file.
type harness struct {
	cfg     *config.Config
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	store   *stores.SQLiteStore
	orch    *orchestrator.Orchestrator
}

// newHarness loads configuration and wires the run pipeline. The
// returned closer flushes telemetry and closes the store.
func newHarness(ctx context.Context, version string) (*harness, func(), error) {
	loader, err := config.NewLoader()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	telCfg := cfg.Telemetry.ToTelemetry("pkgsmoke", version)
	if verbose {
		telCfg.Logging.Level = "debug"
	}

	logger, err := telemetry.NewLogger(telCfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	log.Logger = *logger.Zerolog()

	metrics, err := telemetry.NewMetrics(telCfg.Metrics)
	if err != nil {
		return nil, nil, err
	}
	if telCfg.Metrics.ListenAddress != "" {
		go func() {
			if err := metrics.StartMetricsServer(); err != nil {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	tracer, err := telemetry.NewTracer(telCfg.Tracing, telCfg.ServiceName, telCfg.ServiceVersion, telCfg.Environment)
	if err != nil {
		return nil, nil, err
	}

	if err := cfg.CheckTooling(); err != nil {
		return nil, nil, &orchestrator.RunError{
			Code:    orchestrator.CodeToolingMissing,
			Message: "required tooling missing",
			Err:     err,
		}
	}

	signer, err := cloudapi.LoadSigner(cfg.Cloud.Login, cfg.Cloud.KeyID, cfg.Cloud.KeyPath)
	if err != nil {
		return nil, nil, &orchestrator.RunError{
			Code:    orchestrator.CodeToolingMissing,
			Message: "cloud signing key unusable",
			Err:     err,
		}
	}
	api, err := cloudapi.NewClient(cfg.Cloud.Endpoint, signer, cloudapi.WithMetrics(metrics))
	if err != nil {
		return nil, nil, err
	}
	manager := lifecycle.NewManager(api, lifecycle.WithManagerMetrics(metrics))

	bootCfg := bootstrapConfig(cfg)
	newTransport := func(ip string) (bootstrap.Transport, error) {
		sc := sshtransport.DefaultConfig(ip, cfg.SSH.User)
		sc.Port = cfg.SSH.Port
		sc.PrivateKeyPath = cfg.SSH.KeyPath
		if err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("ssh configuration for %s: %w", ip, err)
		}
		return sshtransport.NewClient(sc, sshtransport.WithClientMetrics(metrics))
	}
	newBootstrapper := func(t bootstrap.Transport) orchestrator.StackBootstrapper {
		return bootstrap.New(t, bootCfg)
	}
	newTester := func(exec sshtransport.Executor) orchestrator.PackageTester {
		return pkgtest.NewTester(exec,
			pkgtest.WithPkgutilPath(bootCfg.PkgutilPath),
			pkgtest.WithTesterMetrics(metrics))
	}

	gate, err := policy.NewEngine(*logger.NewComponentLogger("policy").Zerolog(), cfg.Instance.AllowedTypes)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := gate.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, nil, err
		}
	}

	opts := []orchestrator.OrchestratorOption{
		orchestrator.WithGate(gate),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTracer(tracer),
	}

	h := &harness{cfg: cfg, metrics: metrics, tracer: tracer}
	if cfg.Store.Path != "" {
		store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
		if err != nil {
			return nil, nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, nil, err
		}
		h.store = store
		opts = append(opts, orchestrator.WithRecorder(store))
	}

	h.orch = orchestrator.New(manager, newTransport, newBootstrapper, newTester, opts...)

	closer := func() {
		if h.store != nil {
			_ = h.store.Close()
		}
		if err := tracer.Shutdown(context.Background()); err != nil {
			log.Debug().Err(err).Msg("tracer shutdown")
		}
	}
	return h, closer, nil
}

func bootstrapConfig(cfg *config.Config) bootstrap.Config {
	bc := bootstrap.DefaultConfig()
	if cfg.Bootstrap.URL != "" {
		bc.BootstrapURL = cfg.Bootstrap.URL
	}
	if cfg.Bootstrap.Mirror != "" {
		bc.MirrorURL = cfg.Bootstrap.Mirror
	}
	if cfg.Bootstrap.ConfPath != "" {
		bc.MirrorConfPath = cfg.Bootstrap.ConfPath
	}
	if cfg.Bootstrap.RuntimePackage != "" {
		bc.RuntimePackage = cfg.Bootstrap.RuntimePackage
	}
	return bc
}
