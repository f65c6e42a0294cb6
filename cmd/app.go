package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stl311/stl311sync/internal/config"
	"github.com/stl311/stl311sync/internal/utils"
	"github.com/stl311/stl311sync/pkg/metrics"
	"github.com/stl311/stl311sync/pkg/normalize"
	"github.com/stl311/stl311sync/pkg/polling"
	"github.com/stl311/stl311sync/pkg/publish"
	"github.com/stl311/stl311sync/pkg/reconcile"
	"github.com/stl311/stl311sync/pkg/source"
	"github.com/stl311/stl311sync/pkg/storage"
	"github.com/stl311/stl311sync/pkg/storage/postgres"
)

// app is everything one command invocation wires together.
type app struct {
	cfg       *config.Config
	store     storage.Store
	source    *source.Client
	publisher *publish.Client // nil when geoserver.base_url is unset
	orch      *polling.Orchestrator
	registry  *prometheus.Registry
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Store.Driver == config.DriverPostgres {
		pg, err := postgres.Open(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	path, err := utils.GetAbsDBPath(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func newSourceClient(cmd *cobra.Command, cfg *config.Config) (*source.Client, error) {
	opts := cfg.SourceOptions()
	opts.Proxy, _ = cmd.Flags().GetString("proxy")
	opts.Log = utils.Log
	return source.NewClient(opts)
}

func newPublisher(cfg *config.Config) (*publish.Client, error) {
	if !cfg.GeoServer.Enabled() {
		return nil, nil
	}
	opts := cfg.PublishOptions()
	opts.Log = utils.Log
	return publish.NewClient(opts)
}

// newApp loads config and builds the store, clients and orchestrator. The
// caller closes the store via a.close.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	src, err := newSourceClient(cmd, cfg)
	if err != nil {
		return nil, err
	}
	pub, err := newPublisher(cfg)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{cfg: cfg, store: store, source: src, publisher: pub, registry: prometheus.NewRegistry()}
	ocfg := polling.Config{
		Fetcher:          src,
		Normalizer:       normalize.New(normalize.Options{BBox: cfg.BBox, City: cfg.City}),
		Reconciler:       reconcile.New(store, reconcile.Config{}),
		Maintainer:       store,
		Recorder:         metrics.New(a.registry),
		Log:              utils.Log,
		LayerName:        cfg.Sync.LayerName,
		PublishAfterSync: cfg.Sync.PublishAfterSync,
		DefaultStatus:    cfg.Source.DefaultStatus,
		MaxAttempts:      cfg.Sync.MaxAttempts,
		RetryBackoff:     cfg.Sync.RetryBackoff,
		Retention:        cfg.Scheduler.Retention,
		Location:         loc,
	}
	if pub != nil {
		ocfg.Publisher = pub
	}
	a.orch, err = polling.NewOrchestrator(ocfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) newScheduler() (*polling.Scheduler, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}
	return polling.NewScheduler(a.orch, polling.SchedulerConfig{
		DailySyncTime:  a.cfg.Scheduler.DailySyncTime,
		CleanupTime:    a.cfg.Scheduler.CleanupTime,
		HealthInterval: a.cfg.Scheduler.HealthInterval,
		PollInterval:   a.cfg.Scheduler.PollInterval,
		Location:       loc,
		Log:            utils.Log,
	})
}

// lockStore takes the cross-process lock for SQLite stores so two one-shot
// syncs never reconcile into the same file. Postgres needs no lock.
func (a *app) lockStore() (func(), error) {
	if a.cfg.Store.Driver != config.DriverSQLite {
		return func() {}, nil
	}
	lock, err := utils.NewDBLock(a.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is locked by another process", polling.ErrSyncInProgress, lock.Path())
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			utils.Log.Warnf("release lock: %v", err)
		}
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		utils.Log.Warnf("close store: %v", err)
	}
}
