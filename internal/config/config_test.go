package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-test/deep"
)

const sample = `
addr = ":9090"
initial_year = 1995
settings_backend = "redis"

[map]
lat = 48.5
lon = 31.2
zoom = 5

[cache]
layer_max = 10

[boundary]
dataset = "world-2"
redis_ttl = "12h"
enabled = true

[sources.nearby]
name = "Eastern Front"
lat = 48.5
lon = 37.9
radius_km = 300

[[sources.http]]
id = "fires"
name = "Active Fires"
endpoint = "http://127.0.0.1:7070"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadFileAndDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	if c.Addr != ":9090" || c.InitialYear != 1995 || c.SettingsBackend != "redis" {
		t.Fatalf("top level: %+v", c)
	}
	if c.Cache.LayerMax != 10 || c.Cache.BoundaryMax != 20 {
		t.Fatalf("cache: %+v", c.Cache)
	}
	if c.Boundary.MinYear != 1946 || c.Boundary.RedisTTL.Duration != 12*time.Hour || !c.Boundary.Enabled {
		t.Fatalf("boundary: %+v", c.Boundary)
	}
	want := &Nearby{Name: "Eastern Front", Lat: 48.5, Lon: 37.9, RadiusKm: 300}
	if diff := deep.Equal(c.Sources.Nearby, want); diff != nil {
		t.Fatal(diff)
	}
	if len(c.Sources.HTTP) != 1 || c.Sources.HTTP[0].ID != "fires" {
		t.Fatalf("http sources: %+v", c.Sources.HTTP)
	}
	if c.Map.Width != 1280 || c.Map.Zoom != 5 {
		t.Fatalf("map: %+v", c.Map)
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	d := Default()
	if c.Addr != d.Addr || c.Cache != d.Cache || c.APIBase != "/api" {
		t.Fatalf("defaults not applied: %+v", c)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ADDR", ":7000")
	t.Setenv("LAYER_CACHE_MAX", "99")
	t.Setenv("BOUNDARY_MIN_YEAR", "1950")
	t.Setenv("SETTINGS_BACKEND", "postgres")
	t.Setenv("ADMIN_CIDRS", "10.0.0.0/8, 127.0.0.1/32")
	c, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	if c.Addr != ":7000" || c.Cache.LayerMax != 99 || c.Boundary.MinYear != 1950 || c.SettingsBackend != "postgres" {
		t.Fatalf("env overrides: %+v", c)
	}
	if diff := deep.Equal(c.AdminCIDRs, []string{"10.0.0.0/8", "127.0.0.1/32"}); diff != nil {
		t.Fatal(diff)
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	c.Cache.LayerMax = 0
	c.SettingsBackend = "etcd"
	c.Sources.HTTP = []HTTPLayer{{ID: "a", Endpoint: "x"}, {ID: "a", Endpoint: "y"}}
	if err := c.Validate(); err == nil {
		t.Fatal("want validation errors")
	}
	if _, err := Load(writeConfig(t, "addr = [")); err == nil {
		t.Fatal("malformed toml should fail")
	}
}
