// 包 config：服务配置；TOML 文件提供基线，环境变量覆盖，缺省值与参考实现一致
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"timemap/internal/layercache"
	"timemap/internal/logger"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration：TOML 中以 "30s"、"24h" 书写的时长
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Map struct {
	Lat    float64 `toml:"lat"`
	Lon    float64 `toml:"lon"`
	Zoom   float64 `toml:"zoom"`
	Width  int     `toml:"width"`
	Height int     `toml:"height"`
}

type Cache struct {
	LayerMax    int `toml:"layer_max"`
	BoundaryMax int `toml:"boundary_max"`
}

type Boundary struct {
	BaseURL  string   `toml:"base_url"`
	Dataset  string   `toml:"dataset"`
	MinYear  int      `toml:"min_year"`
	RedisTTL Duration `toml:"redis_ttl"`
	// Enabled：启动时即启用边界图层
	Enabled bool `toml:"enabled"`
}

type Nearby struct {
	Name      string  `toml:"name"`
	Lat       float64 `toml:"lat"`
	Lon       float64 `toml:"lon"`
	RadiusKm  float64 `toml:"radius_km"`
	MaxEvents int     `toml:"max_events"`
}

type HTTPLayer struct {
	ID            string `toml:"id"`
	Name          string `toml:"name"`
	Description   string `toml:"description"`
	Endpoint      string `toml:"endpoint"`
	Color         string `toml:"color"`
	TimeDependent bool   `toml:"time_dependent"`
}

type Sources struct {
	UCDPBase      string      `toml:"ucdp_base"`
	UCDPVersion   string      `toml:"ucdp_version"`
	UCDPToken     string      `toml:"ucdp_token"`
	WorldBankBase string      `toml:"worldbank_base"`
	Nearby        *Nearby     `toml:"nearby"`
	HTTP          []HTTPLayer `toml:"http"`
}

type RateLimit struct {
	Enabled bool `toml:"enabled"`
	QPS     int  `toml:"qps"`
}

// 文档注释：服务配置
// 背景：布局与 data/config.toml 对应；未出现的键保留缺省值。
type Config struct {
	Addr            string    `toml:"addr"`
	APIBase         string    `toml:"api_base"`
	InitialYear     int       `toml:"initial_year"`
	SettingsBackend string    `toml:"settings_backend"`
	GeoIPPath       string    `toml:"geoip_path"`
	AdminCIDRs      []string  `toml:"admin_cidrs"`
	Map             Map       `toml:"map"`
	Cache           Cache     `toml:"cache"`
	Boundary        Boundary  `toml:"boundary"`
	Sources         Sources   `toml:"sources"`
	RateLimit       RateLimit `toml:"rate_limit"`
}

func Default() Config {
	return Config{
		Addr:            ":8080",
		APIBase:         "/api",
		InitialYear:     time.Now().Year(),
		SettingsBackend: "memory",
		GeoIPPath:       filepath.Join("data", "geoip", "GeoLite2-City.mmdb"),
		Map:             Map{Zoom: 2, Width: 1280, Height: 720},
		Cache:           Cache{LayerMax: layercache.DefaultMaxSize, BoundaryMax: layercache.BoundaryMaxSize},
		Boundary:        Boundary{MinYear: 1946, RedisTTL: Duration{30 * 24 * time.Hour}},
		RateLimit:       RateLimit{QPS: 200},
	}
}

// 文档注释：加载配置
// 背景：依次读取 .env 与 data/env/.env、TOML 文件（路径为空时取 CONFIG_PATH，再缺省为 data/config.toml）、环境变量覆盖。
// 约束：配置文件不存在不视为错误；未识别的键记录警告；最终结果需通过 Validate。
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = filepath.Join("data", "config.toml")
	}
	c := Default()
	md, err := toml.DecodeFile(path, &c)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.L().Debug("config_file_missing", "path", path)
	case err != nil:
		return c, fmt.Errorf("config %s: %w", path, err)
	default:
		for _, k := range md.Undecoded() {
			logger.L().Warn("config_unknown_key", "path", path, "key", k.String())
		}
		logger.L().Info("config_file_loaded", "path", path)
	}
	c.applyEnv()
	return c, c.Validate()
}

func (c *Config) applyEnv() {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				logger.L().Warn("config_env_invalid", "key", key, "value", v)
			}
		}
	}
	str("ADDR", &c.Addr)
	str("API_BASE", &c.APIBase)
	str("SETTINGS_BACKEND", &c.SettingsBackend)
	str("GEOIP_PATH", &c.GeoIPPath)
	str("UCDP_TOKEN", &c.Sources.UCDPToken)
	str("THENMAP_BASE", &c.Boundary.BaseURL)
	num("INITIAL_YEAR", &c.InitialYear)
	num("LAYER_CACHE_MAX", &c.Cache.LayerMax)
	num("BOUNDARY_CACHE_MAX", &c.Cache.BoundaryMax)
	num("BOUNDARY_MIN_YEAR", &c.Boundary.MinYear)
	if os.Getenv("RATE_LIMIT_ENABLED") == "true" {
		c.RateLimit.Enabled = true
	}
	num("RATE_LIMIT_QPS", &c.RateLimit.QPS)
	if v := os.Getenv("ADMIN_CIDRS"); v != "" {
		c.AdminCIDRs = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.AdminCIDRs = append(c.AdminCIDRs, p)
			}
		}
	}
}

// Validate：检查取值范围
func (c Config) Validate() error {
	var errs []error
	if c.Cache.LayerMax <= 0 {
		errs = append(errs, fmt.Errorf("cache.layer_max must be positive, got %d", c.Cache.LayerMax))
	}
	if c.Cache.BoundaryMax <= 0 {
		errs = append(errs, fmt.Errorf("cache.boundary_max must be positive, got %d", c.Cache.BoundaryMax))
	}
	if c.Map.Zoom < 0 || c.Map.Zoom > 22 {
		errs = append(errs, fmt.Errorf("map.zoom out of range: %v", c.Map.Zoom))
	}
	switch c.SettingsBackend {
	case "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown settings_backend %q", c.SettingsBackend))
	}
	if !strings.HasPrefix(c.APIBase, "/") {
		errs = append(errs, fmt.Errorf("api_base must start with '/': %q", c.APIBase))
	}
	seen := map[string]bool{}
	for i, h := range c.Sources.HTTP {
		if h.ID == "" || h.Endpoint == "" {
			errs = append(errs, fmt.Errorf("sources.http[%d]: id and endpoint are required", i))
		}
		if seen[h.ID] {
			errs = append(errs, fmt.Errorf("sources.http[%d]: duplicate id %q", i, h.ID))
		}
		seen[h.ID] = true
	}
	return errors.Join(errs...)
}
