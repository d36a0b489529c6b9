// Package app assembles the gateway's components from a Config. It is shared
// by the HTTP server and the operator CLI.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/otcheredev/dicomweb-gateway/internal/adapters"
	"github.com/otcheredev/dicomweb-gateway/internal/cache"
	"github.com/otcheredev/dicomweb-gateway/internal/config"
	"github.com/otcheredev/dicomweb-gateway/internal/database"
	"github.com/otcheredev/dicomweb-gateway/internal/metrics"
	"github.com/otcheredev/dicomweb-gateway/internal/peers"
	"github.com/otcheredev/dicomweb-gateway/internal/repository"
	"github.com/otcheredev/dicomweb-gateway/internal/services"
	"github.com/otcheredev/dicomweb-gateway/internal/storage"
	"github.com/otcheredev/dicomweb-gateway/internal/transcode"
	"github.com/otcheredev/dicomweb-gateway/pkg/dimse"
)

// App holds the wired gateway
type App struct {
	Config   *config.Config
	Registry *peers.Registry
	Engine   dimse.Engine
	Store    *storage.Store
	Cache    cache.Cache
	Metadata *cache.MetadataCache
	DB       *gorm.DB

	Factory     *adapters.AdapterFactory
	Finder      *services.Finder
	Coordinator *services.Coordinator
	Gateway     *services.Gateway
	Peers       *services.PeerService
	Janitor     *storage.Janitor

	log zerolog.Logger
}

// Option overrides a component before the services are built
type Option func(*App)

// WithEngine replaces the DCMTK backed engine
func WithEngine(e dimse.Engine) Option {
	return func(a *App) { a.Engine = e }
}

// New builds every component described by cfg
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	a := &App{Config: cfg, log: logger}

	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	a.Registry = reg

	a.Store, err = storage.NewStore(cfg.Storage.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a.Engine = dimse.NewClient(dimse.ClientConfig{
		Local:           reg.Local(),
		ToolsDir:        cfg.DIMSE.ToolsDir,
		RetrieveTimeout: cfg.DIMSE.Timeout,
	}, logger)
	for _, o := range opts {
		o(a)
	}

	if err := a.openCache(); err != nil {
		return nil, err
	}

	var (
		audit    services.AuditRecorder
		statuses services.PeerStatusStore
	)
	if cfg.Database.Enabled {
		a.DB, err = database.Connect(database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
			LogLevel: cfg.Database.LogLevel,
		}, logger)
		if err != nil {
			a.Cache.Close()
			return nil, err
		}
		audit = repository.NewAuditRepository(a.DB)
		statuses = repository.NewPeerStatusRepository(a.DB)
	}

	a.Factory = adapters.NewAdapterFactory(reg, a.Engine, logger)
	a.Finder = services.NewFinder(a.Factory, reg.Options(), logger)
	a.Coordinator = services.NewCoordinator(a.Factory, a.Store, reg.Options(), audit, logger)
	a.Gateway = services.NewGateway(
		a.Finder,
		a.Coordinator,
		a.Store,
		transcode.NewTools(cfg.DIMSE.ToolsDir, cfg.WADO.LossyQuality, logger),
		a.Metadata,
		services.GatewayOptions{
			TransferSyntax: cfg.WADO.TransferSyntax,
			FullMetadata:   cfg.WADO.FullMetadata,
			ThumbnailSize:  cfg.WADO.ThumbnailSize,
			FetchLevel:     reg.Options().FetchLevel,
		},
		logger,
	)
	a.Peers = services.NewPeerService(a.Factory, statuses, logger)
	a.Janitor = storage.NewJanitor(a.Store, cfg.Retention(), cfg.Storage.SweepInterval, a.evicted, logger)

	return a, nil
}

func (a *App) openCache() error {
	cfg := a.Config
	if cfg.Cache.Enabled && cfg.Cache.Type == "redis" {
		addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
		c, err := cache.NewRedisCache(cache.RedisOptions{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return err
		}
		a.Cache = c
		a.log.Info().Str("addr", addr).Msg("Redis cache initialized")
	} else {
		a.Cache = cache.NewMemoryCache(cfg.Cache.MaxEntries)
		a.log.Info().Bool("enabled", cfg.Cache.Enabled).Msg("Memory cache initialized")
	}

	if cfg.Cache.Enabled {
		a.Metadata = cache.NewMetadataCache(a.Cache, cfg.Retention())
	}
	return nil
}

// evicted drops cached metadata for a study the janitor removed
func (a *App) evicted(ctx context.Context, studyUID string) {
	metrics.CacheEvictions.Inc()
	if a.Metadata == nil {
		return
	}
	if err := a.Metadata.ClearStudy(ctx, studyUID); err != nil {
		a.log.Warn().Err(err).Str("study_uid", studyUID).Msg("failed to clear metadata cache")
	}
}

// RunBackground starts the janitor and, when a peer uses C-MOVE, the store
// SCP receiver. Both stop with ctx.
func (a *App) RunBackground(ctx context.Context) {
	go a.Janitor.Run(ctx)

	client, ok := a.Engine.(*dimse.Client)
	if !ok {
		return
	}
	if a.usesGet() {
		if err := client.CheckTools("getscu"); err != nil {
			a.log.Warn().Err(err).Msg("C-GET peers configured but getscu is not available")
		}
	}
	if !a.Registry.UsesMove() {
		return
	}
	go func() {
		if err := client.RunReceiver(ctx, a.Store.ReceiveDir()); err != nil {
			a.log.Error().Err(err).Msg("store SCP receiver stopped")
		}
	}()
}

func (a *App) usesGet() bool {
	for _, p := range a.Registry.Peers() {
		if p.Mode != dimse.ModeCMove {
			return true
		}
	}
	return false
}

// Close releases the cache, adapters and database
func (a *App) Close() error {
	var errs []error
	if a.Factory != nil {
		errs = append(errs, a.Factory.CloseAll())
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.DB != nil {
		errs = append(errs, database.Close(a.DB))
	}
	return errors.Join(errs...)
}
