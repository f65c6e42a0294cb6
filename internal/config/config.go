// Package config maps viper keys onto the typed settings every command
// shares.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/stl311/stl311sync/pkg/geo"
	"github.com/stl311/stl311sync/pkg/normalize"
	"github.com/stl311/stl311sync/pkg/polling"
	"github.com/stl311/stl311sync/pkg/publish"
	"github.com/stl311/stl311sync/pkg/source"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	EnvPrefix = "STL311"
)

type Source struct {
	BaseURL        string
	APIKey         string
	PageSize       int
	MaxPages       int
	RateLimitDelay time.Duration
	RequestTimeout time.Duration
	PageRetries    int
	DefaultStatus  string
	UserAgent      string
}

type Store struct {
	Driver   string
	Path     string
	DSN      string
	MaxConns int
}

type Sync struct {
	MaxAttempts      int
	RetryBackoff     time.Duration
	PublishAfterSync bool
	LayerName        string
}

type Scheduler struct {
	DailySyncTime  string
	CleanupTime    string
	HealthInterval time.Duration
	PollInterval   time.Duration
	Retention      time.Duration
	Timezone       string
}

type GeoServer struct {
	BaseURL   string
	Username  string
	Password  string
	Workspace string
	Datastore string
	DB        publish.DatastoreParams
}

// Enabled reports whether a GeoServer endpoint is configured at all.
func (g GeoServer) Enabled() bool { return g.BaseURL != "" }

type Server struct {
	Listen   string
	Username string
	Password string
}

type IDGen struct {
	Node        int64
	MaxAttempts int
}

type Config struct {
	Source    Source
	BBox      geo.BBox
	City      string
	Store     Store
	Sync      Sync
	Scheduler Scheduler
	GeoServer GeoServer
	Server    Server
	IDGen     IDGen
}

// SetDefaults registers every key so env overrides work for keys that are
// absent from the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source.base_url", source.DefaultBaseURL)
	v.SetDefault("source.api_key", "")
	v.SetDefault("source.page_size", source.DefaultPageSize)
	v.SetDefault("source.max_pages", source.DefaultMaxPages)
	v.SetDefault("source.rate_limit_delay", source.DefaultPageDelay)
	v.SetDefault("source.request_timeout", source.DefaultTimeout)
	v.SetDefault("source.page_retries", 0)
	v.SetDefault("source.default_status", source.DefaultStatus)
	v.SetDefault("source.user_agent", "")

	v.SetDefault("geo.min_x", geo.StLouis.MinX)
	v.SetDefault("geo.max_x", geo.StLouis.MaxX)
	v.SetDefault("geo.min_y", geo.StLouis.MinY)
	v.SetDefault("geo.max_y", geo.StLouis.MaxY)
	v.SetDefault("geo.srid", geo.SRID)

	v.SetDefault("normalize.city", normalize.DefaultCity)

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "stl311.sqlite")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 4)

	v.SetDefault("sync.max_attempts", polling.DefaultMaxAttempts)
	v.SetDefault("sync.retry_backoff", polling.DefaultRetryBackoff)
	v.SetDefault("sync.publish_after_sync", true)
	v.SetDefault("sync.layer_name", "stl311_service_requests")

	v.SetDefault("scheduler.daily_sync_time", polling.DefaultDailySyncTime)
	v.SetDefault("scheduler.cleanup_time", polling.DefaultCleanupTime)
	v.SetDefault("scheduler.health_interval", polling.DefaultHealthInterval)
	v.SetDefault("scheduler.poll_interval", polling.DefaultPollInterval)
	v.SetDefault("scheduler.retention", polling.DefaultRetention)
	v.SetDefault("scheduler.timezone", "")

	v.SetDefault("geoserver.base_url", "")
	v.SetDefault("geoserver.username", "admin")
	v.SetDefault("geoserver.password", "")
	v.SetDefault("geoserver.workspace", publish.DefaultWorkspace)
	v.SetDefault("geoserver.datastore", publish.DefaultDatastore)
	v.SetDefault("geoserver.db.host", "localhost")
	v.SetDefault("geoserver.db.port", 5432)
	v.SetDefault("geoserver.db.database", "stl311")
	v.SetDefault("geoserver.db.schema", "public")
	v.SetDefault("geoserver.db.user", "postgres")
	v.SetDefault("geoserver.db.password", "")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.username", "")
	v.SetDefault("server.password", "")

	v.SetDefault("idgen.node", 1)
	v.SetDefault("idgen.max_attempts", 5)
}

// BindEnv wires STL311_SOURCE_API_KEY style overrides.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the typed configuration and validates it.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{
		Source: Source{
			BaseURL:        v.GetString("source.base_url"),
			APIKey:         v.GetString("source.api_key"),
			PageSize:       v.GetInt("source.page_size"),
			MaxPages:       v.GetInt("source.max_pages"),
			RateLimitDelay: v.GetDuration("source.rate_limit_delay"),
			RequestTimeout: v.GetDuration("source.request_timeout"),
			PageRetries:    v.GetInt("source.page_retries"),
			DefaultStatus:  v.GetString("source.default_status"),
			UserAgent:      v.GetString("source.user_agent"),
		},
		BBox: geo.BBox{
			MinX: v.GetFloat64("geo.min_x"),
			MaxX: v.GetFloat64("geo.max_x"),
			MinY: v.GetFloat64("geo.min_y"),
			MaxY: v.GetFloat64("geo.max_y"),
		},
		City: v.GetString("normalize.city"),
		Store: Store{
			Driver:   strings.ToLower(v.GetString("store.driver")),
			Path:     v.GetString("store.path"),
			DSN:      v.GetString("store.dsn"),
			MaxConns: v.GetInt("store.max_conns"),
		},
		Sync: Sync{
			MaxAttempts:      v.GetInt("sync.max_attempts"),
			RetryBackoff:     v.GetDuration("sync.retry_backoff"),
			PublishAfterSync: v.GetBool("sync.publish_after_sync"),
			LayerName:        v.GetString("sync.layer_name"),
		},
		Scheduler: Scheduler{
			DailySyncTime:  v.GetString("scheduler.daily_sync_time"),
			CleanupTime:    v.GetString("scheduler.cleanup_time"),
			HealthInterval: v.GetDuration("scheduler.health_interval"),
			PollInterval:   v.GetDuration("scheduler.poll_interval"),
			Retention:      v.GetDuration("scheduler.retention"),
			Timezone:       v.GetString("scheduler.timezone"),
		},
		GeoServer: GeoServer{
			BaseURL:   v.GetString("geoserver.base_url"),
			Username:  v.GetString("geoserver.username"),
			Password:  v.GetString("geoserver.password"),
			Workspace: v.GetString("geoserver.workspace"),
			Datastore: v.GetString("geoserver.datastore"),
			DB: publish.DatastoreParams{
				Host:     v.GetString("geoserver.db.host"),
				Port:     v.GetInt("geoserver.db.port"),
				Database: v.GetString("geoserver.db.database"),
				Schema:   v.GetString("geoserver.db.schema"),
				User:     v.GetString("geoserver.db.user"),
				Password: v.GetString("geoserver.db.password"),
			},
		},
		Server: Server{
			Listen:   v.GetString("server.listen"),
			Username: v.GetString("server.username"),
			Password: v.GetString("server.password"),
		},
		IDGen: IDGen{
			Node:        v.GetInt64("idgen.node"),
			MaxAttempts: v.GetInt("idgen.max_attempts"),
		},
	}
	if srid := v.GetInt("geo.srid"); srid != geo.SRID {
		return nil, fmt.Errorf("geo.srid: only %d is supported, got %d", geo.SRID, srid)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []string
	if err := c.BBox.Check(); err != nil {
		errs = append(errs, "geo: "+err.Error())
	}
	if c.Source.PageSize <= 0 {
		errs = append(errs, "source.page_size must be positive")
	}
	if c.Source.MaxPages <= 0 {
		errs = append(errs, "source.max_pages must be positive")
	}
	if c.Source.RateLimitDelay < 0 {
		errs = append(errs, "source.rate_limit_delay must not be negative")
	}
	if c.Sync.MaxAttempts <= 0 {
		errs = append(errs, "sync.max_attempts must be positive")
	}
	if _, err := polling.ParseTimeOfDay(c.Scheduler.DailySyncTime); err != nil {
		errs = append(errs, "scheduler.daily_sync_time: "+err.Error())
	}
	if _, err := polling.ParseTimeOfDay(c.Scheduler.CleanupTime); err != nil {
		errs = append(errs, "scheduler.cleanup_time: "+err.Error())
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, "scheduler.timezone: "+err.Error())
	}
	switch c.Store.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.IDGen.MaxAttempts <= 0 {
		errs = append(errs, "idgen.max_attempts must be positive")
	}
	if len(errs) > 0 {
		return errors.New("invalid configuration: " + strings.Join(errs, "; "))
	}
	return nil
}

// Location is the zone used for "today" and the daily schedule. Empty means
// the process local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

func (c *Config) SourceOptions() source.Options {
	return source.Options{
		BaseURL:     c.Source.BaseURL,
		APIKey:      c.Source.APIKey,
		PageSize:    c.Source.PageSize,
		MaxPages:    c.Source.MaxPages,
		PageDelay:   c.Source.RateLimitDelay,
		Timeout:     c.Source.RequestTimeout,
		PageRetries: c.Source.PageRetries,
		UserAgent:   c.Source.UserAgent,
	}
}

func (c *Config) PublishOptions() publish.Options {
	return publish.Options{
		BaseURL:   c.GeoServer.BaseURL,
		Username:  c.GeoServer.Username,
		Password:  c.GeoServer.Password,
		Workspace: c.GeoServer.Workspace,
		Datastore: c.GeoServer.Datastore,
		DB:        c.GeoServer.DB,
		BBox:      c.BBox,
	}
}
