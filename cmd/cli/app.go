package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/turtacn/keyagent/internal/application"
	appsvc "github.com/turtacn/keyagent/internal/application/service"
	"github.com/turtacn/keyagent/internal/config"
	"github.com/turtacn/keyagent/internal/domain/repository"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/internal/infrastructure/audit"
	"github.com/turtacn/keyagent/internal/infrastructure/cache"
	"github.com/turtacn/keyagent/internal/infrastructure/crypto"
	"github.com/turtacn/keyagent/internal/infrastructure/gateway"
	"github.com/turtacn/keyagent/internal/infrastructure/keystore"
	"github.com/turtacn/keyagent/internal/infrastructure/monitoring"
	"github.com/turtacn/keyagent/internal/infrastructure/persistence/sqlite"
	"github.com/turtacn/keyagent/internal/infrastructure/persistence/vault"
	"github.com/turtacn/keyagent/internal/infrastructure/securestore"
	"github.com/turtacn/keyagent/internal/infrastructure/team"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
	"github.com/turtacn/keyagent/pkg/utils"
)

// app is the composition root shared by every command.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	registry *prometheus.Registry
	metrics  *monitoring.Metrics
	tracing  *monitoring.TracingManager

	db          *sqlite.DBConnection
	lifecycle   repository.KeyLifecycleRepository
	connections repository.ConnectionRepository

	session *appsvc.Session
	bus     *appsvc.EventBus
	local   *keystore.LocalKeyStore
	loader  *keystore.FileLoader
	pairing appsvc.PairingService
	keys    *appsvc.DeviceKeyStore

	// team and rotation are nil unless team sync is enabled.
	team     *appsvc.TeamSyncService
	rotation *application.RotationController

	closers []func(ctx context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) (err error) {
	cfg, log := a.cfg, a.log

	// 1. Metrics and tracing
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = monitoring.NewMetrics(a.registry)
	var metrics service.Metrics = service.NewNoopMetrics()
	if cfg.Metrics.Enabled {
		metrics = monitoring.NewMetricsAdapter(a.metrics)
	}
	if a.tracing, err = monitoring.NewTracingManager(&cfg.Tracing, log); err != nil {
		return err
	}
	a.closers = append(a.closers, a.tracing.Shutdown)

	// 2. State database, always used for connections and the lifecycle log
	if a.db, err = sqlite.NewDBConnection(ctx, cfg.DatabasePath(), log); err != nil {
		return err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.db.Close() })
	a.lifecycle = sqlite.NewKeyLifecycleRepository(a.db.DB())
	a.connections = sqlite.NewConnectionRepository(a.db.DB())

	// 3. Device state
	repo, err := a.deviceStateRepository(cfg, log)
	if err != nil {
		return err
	}

	// 4. Device key cache
	deviceKeyCache, err := a.deviceKeyCache(ctx, cfg, metrics, log)
	if err != nil {
		return err
	}

	// 5. Event bus and sinks
	sinks := []service.KeyEventSink{audit.NewLifecycleSink(a.lifecycle)}
	if cfg.Audit.Enabled {
		producer := audit.NewKafkaProducer(cfg.Audit, log)
		sinks = append(sinks, producer)
		a.closers = append(a.closers, func(context.Context) error { return producer.Close() })
	}
	a.bus = appsvc.NewEventBus(log, sinks...)
	a.closers = append(a.closers, func(context.Context) error { a.bus.Close(); return nil })

	// 6. Pairing session and key stores
	dialer := gateway.NewDialer(gateway.Options{
		RequestTimeout:    cfg.Gateway.RequestTimeout,
		SignRatePerMinute: cfg.Gateway.SignRatePerMinute,
		SignBurst:         cfg.Gateway.SignBurst,
		Metrics:           metrics,
		Logger:            log,
	})
	a.session = appsvc.NewSession(repo, dialer, log)
	if err = a.session.Load(ctx); err != nil {
		return err
	}

	keyService := crypto.NewKeyService()
	a.local = keystore.NewLocalKeyStore()
	a.loader = keystore.NewFileLoader(a.local, cfg.Agent.KeyFiles, promptPassphrase, log)
	a.pairing = appsvc.NewPairingService(a.session, keyService, deviceKeyCache, a.bus, metrics, log)
	a.keys = appsvc.NewDeviceKeyStore(a.session, a.local, deviceKeyCache, a.bus, metrics, log, appsvc.SigningPolicy{
		RequireOnlineForLocalKeys: cfg.Agent.RequireOnlineForLocalKeys,
		RemoteName:                cfg.Agent.RemoteName,
		AuthorizeText:             cfg.Agent.AuthorizeText,
		DeviceKeyTTL:              cfg.Cache.TTL,
	})

	// 7. Key-policy synchronization
	if cfg.Team.Enabled {
		client := team.NewClient(team.Options{
			Hostname:       cfg.Team.Hostname,
			Port:           cfg.Team.Port,
			StrictTLS:      cfg.Team.StrictTLS,
			RequestTimeout: cfg.Team.RequestTimeout,
			Metrics:        metrics,
			Logger:         log,
		}, a.local)
		a.team = appsvc.NewTeamSyncService(client, a.local, a.bus, cfg.Team.ProbeConcurrency, log)
		a.rotation = application.NewRotationController(a.team, keyService, a.local, a.bus, metrics, log, application.RotationOptions{
			KeyDir:       utils.ExpandHome(cfg.Rotation.KeyDir),
			Passphrase:   []byte(cfg.Rotation.Passphrase),
			ExpiryWindow: cfg.Rotation.ExpiryWindow,
		})
	}
	return nil
}

func (a *app) deviceStateRepository(cfg *config.Config, log logger.Logger) (repository.DeviceStateRepository, error) {
	sealer := securestore.NewSealer(cfg.Storage.EncryptionSecret)
	switch cfg.Storage.Backend {
	case "vault":
		client, err := vault.NewClient(cfg.Vault)
		if err != nil {
			return nil, err
		}
		return vault.NewDeviceStateRepository(cfg.Vault, client, sealer, log), nil
	default:
		return sqlite.NewDeviceStateRepository(a.db.DB(), sealer, log), nil
	}
}

func (a *app) deviceKeyCache(ctx context.Context, cfg *config.Config, metrics service.Metrics, log logger.Logger) (service.DeviceKeyCache, error) {
	l1 := cache.NewMemoryCache(cfg.Cache.TTL)
	if !cfg.Cache.UseRedis {
		return l1, nil
	}
	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return cache.NewTieredCache(l1, cache.NewRedisCache(client, cfg.Redis.KeyPrefix), cfg.Cache.TTL, metrics, log), nil
}

// requireTeam fails when the key-management domain is not configured.
func (a *app) requireTeam() error {
	if a.team == nil {
		return errors.ErrInvalidRequest("team sync is disabled; set team.enabled and team.hostname")
	}
	return nil
}

// loadKeyFiles loads the configured key files into the local store.
func (a *app) loadKeyFiles(ctx context.Context) int {
	return a.loader.LoadAll(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}
	a.closers = nil
}
