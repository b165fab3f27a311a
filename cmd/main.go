// 程序入口：仅负责读取配置、初始化依赖并启动服务；API 注册在 internal/api 以便扩展
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"timemap/internal/api"
	"timemap/internal/boundary"
	"timemap/internal/config"
	"timemap/internal/geo"
	"timemap/internal/layers"
	"timemap/internal/locate"
	"timemap/internal/logger"
	"timemap/internal/mapview"
	"timemap/internal/metrics"
	"timemap/internal/middleware"
	"timemap/internal/notify"
	"timemap/internal/settings"
	"timemap/internal/sources"
	"timemap/internal/timectl"
	"timemap/internal/utils"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	// 日志初始化
	l := logger.Setup()
	l.Debug("log_init_ok")

	cfg, err := config.Load("")
	if err != nil {
		l.Error("config_error", "err", err)
		os.Exit(1)
	}
	l.Debug("config_api_base", "base", cfg.APIBase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 背景：外部存储不可用时回退到内存，启用状态仅在本次运行内有效
	store, closeStore, err := settings.Open(ctx, cfg.SettingsBackend)
	if err != nil {
		l.Error("settings_open_error", "backend", cfg.SettingsBackend, "err", err)
		store, closeStore = settings.NewMemory(), func() error { return nil }
	}
	defer closeStore()

	view := mapview.NewView(geo.Point{Lat: cfg.Map.Lat, Lon: cfg.Map.Lon}, cfg.Map.Zoom, cfg.Map.Width, cfg.Map.Height)
	slider := timectl.NewSlider(timectl.YearStart(cfg.InitialYear))
	notices := notify.NewCenter()

	// 文档注释：历史边界数据源
	// 背景：Redis 可用时在 Thenmap 前加一层跨进程字节缓存（与 boundary-prefetch 共用键空间）。
	var fetcher boundary.Fetcher = boundary.NewThenmap(cfg.Boundary.BaseURL, cfg.Boundary.Dataset)
	if os.Getenv("REDIS_HOST") != "" {
		rc := utils.OpenRedisFromEnv()
		if err := rc.Ping(ctx).Err(); err != nil {
			l.Error("redis_ping_error", "err", err)
			_ = rc.Close()
		} else {
			l.Info("redis_ping_ok")
			defer rc.Close()
			fetcher = &boundary.RedisCache{Next: fetcher, Client: rc, Dataset: cfg.Boundary.Dataset, TTL: cfg.Boundary.RedisTTL.Duration}
		}
	} else {
		l.Info("redis_disabled")
	}
	bo := boundary.NewOverlay(fetcher, view, slider,
		boundary.WithMinYear(cfg.Boundary.MinYear),
		boundary.WithCacheSize(cfg.Cache.BoundaryMax),
		boundary.WithNotifier(notices))

	mgr := layers.NewManager(view, slider,
		layers.WithCacheSize(cfg.Cache.LayerMax),
		layers.WithNotifier(notices),
		layers.WithBoundaries(bo.Lookup),
		layers.WithSettings(store))

	// 文档注释：注册数据图层插件
	// 背景：冲突与人口为内置插件；区域冲突与外部 HTTP 图层按配置可选注册。
	ucdp := sources.NewUCDP(cfg.Sources.UCDPBase, cfg.Sources.UCDPVersion)
	ucdp.Token = cfg.Sources.UCDPToken
	plugins := []layers.Config{
		sources.NewConflict(ucdp).Config(),
		sources.NewPopulation(sources.NewWorldBank(cfg.Sources.WorldBankBase)).Config(),
	}
	if nz := cfg.Sources.Nearby; nz != nil {
		n := sources.NewNearby(ucdp, sources.Zone{Name: nz.Name, Center: geo.Point{Lat: nz.Lat, Lon: nz.Lon}})
		if nz.RadiusKm > 0 {
			n.RadiusKm = nz.RadiusKm
		}
		if nz.MaxEvents > 0 {
			n.MaxEvents = nz.MaxEvents
		}
		n.Notifier = notices
		plugins = append(plugins, n.Config())
	}
	health := sources.NewHealthMonitor(30 * time.Second)
	for _, hc := range cfg.Sources.HTTP {
		h := sources.NewHTTP(hc.ID, hc.Name, hc.Endpoint, hc.Color, hc.TimeDependent).WithDescription(hc.Description)
		hctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := h.Heartbeat(hctx); err != nil {
			l.Warn("plugin_heartbeat_error", "id", hc.ID, "err", err)
		}
		cancel()
		health.Register(h)
		plugins = append(plugins, h.Config())
	}
	for _, p := range plugins {
		if err := mgr.Register(p.ID, p); err != nil {
			l.Error("plugin_register_error", "id", p.ID, "err", err)
			continue
		}
		l.Info("plugin_register", "name", p.ID)
	}
	health.Start(ctx)

	// 约束：边界先于数据图层订阅时间轴，人口图层渲染时可取到新年份的边界
	detachBoundary := bo.Attach(ctx, slider)
	defer detachBoundary()
	detachLayers := mgr.Attach(ctx, slider, view)
	defer detachLayers()

	if cfg.Boundary.Enabled {
		if err := bo.Enable(ctx); err != nil {
			l.Error("boundary_enable_error", "err", err)
		}
	}
	if err := mgr.RestoreEnabled(ctx); err != nil {
		l.Error("layers_restore_error", "err", err)
	}

	loc, err := locate.Open(cfg.GeoIPPath)
	if err != nil {
		l.Info("geoip_disabled", "path", cfg.GeoIPPath, "err", err)
	} else {
		defer loc.Close()
	}
	deps := api.Deps{Layers: mgr, Boundaries: bo, Slider: slider, View: view, Notices: notices, Health: health, RealIPHeader: os.Getenv("REAL_IP_HEADER")}
	if loc != nil {
		deps.Locator = loc
	}

	guard, err := middleware.NewAllowlist(cfg.AdminCIDRs, deps.RealIPHeader)
	if err != nil {
		l.Error("allowlist_error", "err", err)
		os.Exit(1)
	}
	mux := http.NewServeMux()
	// 文档注释：构建路由（携带图层管理器、边界覆盖层与时间轴）
	apiMux := api.BuildRoutes(deps)
	mux.Handle(cfg.APIBase+"/", http.StripPrefix(cfg.APIBase, guard.Wrap(apiMux)))
	mux.Handle(cfg.APIBase+"/metrics", metrics.Handler())

	handler := logger.AccessMiddleware(l)(mux)
	if cfg.RateLimit.Enabled {
		handler = middleware.RateLimit(cfg.RateLimit.QPS)(handler)
	}
	s := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(sctx)
	}()
	l.Info("listening", "addr", cfg.Addr, "layers", len(mgr.AllLayers()))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Error("server_error", "err", err)
	}
}
