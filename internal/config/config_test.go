package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stl311/stl311sync/pkg/geo"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(newViper())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Source.PageSize != 1000 || c.Source.MaxPages != 10 || c.Source.RateLimitDelay != time.Second {
		t.Fatalf("unexpected source defaults: %+v", c.Source)
	}
	if c.BBox != geo.StLouis {
		t.Fatalf("unexpected bbox: %+v", c.BBox)
	}
	if c.Store.Driver != DriverSQLite || c.Sync.MaxAttempts != 3 || c.Sync.RetryBackoff != 5*time.Minute {
		t.Fatalf("unexpected store/sync defaults: %+v %+v", c.Store, c.Sync)
	}
	if c.Scheduler.DailySyncTime != "02:00" || c.Scheduler.CleanupTime != "03:00" {
		t.Fatalf("unexpected schedule: %+v", c.Scheduler)
	}
	if c.GeoServer.Enabled() {
		t.Fatalf("geoserver should be disabled without a base url")
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stl311.yaml")
	yaml := `
source:
  api_key: file-key
  page_size: 250
scheduler:
  daily_sync_time: "04:30"
geoserver:
  base_url: http://geo:8080/geoserver
  db:
    port: 5433
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STL311_SOURCE_API_KEY", "env-key")

	v := newViper()
	BindEnv(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}
	c, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Source.APIKey != "env-key" {
		t.Errorf("env should win over file, got %q", c.Source.APIKey)
	}
	if c.Source.PageSize != 250 || c.Scheduler.DailySyncTime != "04:30" {
		t.Errorf("file values not applied: %+v %+v", c.Source, c.Scheduler)
	}
	if !c.GeoServer.Enabled() || c.GeoServer.DB.Port != 5433 || c.GeoServer.DB.Host != "localhost" {
		t.Errorf("geoserver: %+v", c.GeoServer)
	}
	if opts := c.PublishOptions(); opts.BBox != c.BBox || opts.Workspace != "stl311" {
		t.Errorf("publish options: %+v", opts)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  interface{}
		want string
	}{
		{"inverted bbox", "geo.min_x", -10000000, "geo:"},
		{"zero page size", "source.page_size", 0, "source.page_size"},
		{"bad time of day", "scheduler.cleanup_time", "25:00", "scheduler.cleanup_time"},
		{"unknown driver", "store.driver", "mysql", "store.driver"},
		{"postgres without dsn", "store.driver", "postgres", "store.dsn"},
		{"bad timezone", "scheduler.timezone", "Mars/Olympus", "scheduler.timezone"},
		{"other srid", "geo.srid", 4326, "geo.srid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper()
			v.Set(tt.key, tt.val)
			_, err := Load(v)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
