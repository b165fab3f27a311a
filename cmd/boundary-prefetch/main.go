// 边界预热：将指定年份范围的历史边界写入 Redis，服务启动后可直接命中缓存
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"time"

	"timemap/internal/boundary"
	"timemap/internal/config"
	"timemap/internal/logger"
	"timemap/internal/utils"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()

	cfg, err := config.Load("")
	if err != nil {
		l.Error("config_error", "err", err)
		os.Exit(1)
	}
	from := flag.Int("from", cfg.Boundary.MinYear, "first year")
	to := flag.Int("to", time.Now().Year(), "last year (inclusive)")
	force := flag.Bool("force", false, "refetch years already cached")
	pause := flag.Duration("pause", 500*time.Millisecond, "delay between requests")
	flag.Parse()
	if *from < cfg.Boundary.MinYear {
		l.Warn("prefetch_from_clamped", "from", *from, "min_year", cfg.Boundary.MinYear)
		*from = cfg.Boundary.MinYear
	}

	ctx := context.Background()
	rc := utils.OpenRedisFromEnv()
	if err := rc.Ping(ctx).Err(); err != nil {
		l.Error("redis_ping_error", "err", err)
		os.Exit(1)
	}
	defer rc.Close()
	cache := &boundary.RedisCache{
		Next:    boundary.NewThenmap(cfg.Boundary.BaseURL, cfg.Boundary.Dataset),
		Client:  rc,
		Dataset: cfg.Boundary.Dataset,
		TTL:     cfg.Boundary.RedisTTL.Duration,
	}

	var ok, skipped, failed int
	for y := *from; y <= *to; y++ {
		date := boundary.Date(y)
		if !*force && cache.Cached(ctx, date) {
			skipped++
			continue
		}
		if *force {
			if err := cache.Forget(ctx, date); err != nil {
				l.Warn("prefetch_forget_error", "year", y, "err", err)
			}
		}
		// RedisCache 只写入可解析的数据，Fetch 成功即已校验
		b, err := cache.Fetch(ctx, date)
		if err != nil {
			failed++
			l.Error("prefetch_year_error", "year", y, "err", err)
			continue
		}
		ok++
		l.Info("prefetch_year_ok", "year", y, "bytes", len(b))
		time.Sleep(*pause)
	}
	l.Info("prefetch_done", "ok", ok, "skipped", skipped, "failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}
