// 包 settings：跨会话持久化的键值存储（已启用图层等设置）；支持内存、Redis 与 PostgreSQL
package settings

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"timemap/internal/logger"
	"timemap/internal/migrate"
	"timemap/internal/utils"
)

// Store：设置存储契约；Get 未命中返回 ok=false 且无错误
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Memory：进程内实现，用于测试与未配置外部存储的部署
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemory() *Memory { return &Memory{m: make(map[string]string)} }

func (s *Memory) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *Memory) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// 文档注释：按名称打开存储后端
// 背景：memory/redis/postgres 三选一，连接参数统一来自 REDIS_* 与 PG_* 环境变量。
// 约束：postgres 后端打开后自动建表；外部后端连通性失败时返回错误，由调用方决定是否回退到内存。
func Open(ctx context.Context, backend string) (Store, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(backend) {
	case "", "memory":
		return NewMemory(), noop, nil
	case "redis":
		rc := utils.OpenRedisFromEnv()
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return nil, noop, fmt.Errorf("settings: redis ping: %w", err)
		}
		logger.L().Info("settings_backend", "backend", "redis")
		return NewRedis(rc, ""), rc.Close, nil
	case "postgres":
		db, err := utils.OpenPostgresFromEnv()
		if err != nil {
			return nil, noop, fmt.Errorf("settings: postgres open: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, noop, fmt.Errorf("settings: postgres ping: %w", err)
		}
		if err := migrate.EnsureSchema(db); err != nil {
			_ = db.Close()
			return nil, noop, fmt.Errorf("settings: schema: %w", err)
		}
		logger.L().Info("settings_backend", "backend", "postgres")
		return NewPostgres(db), db.Close, nil
	}
	return nil, noop, fmt.Errorf("settings: unknown backend %q", backend)
}
