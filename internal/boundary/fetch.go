// 包 boundary：历史国界覆盖层；按年份拉取、缓存并渲染边界几何，发布供其他图层查询的边界快照
package boundary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"timemap/internal/geo"
	"timemap/internal/logger"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultBaseURL = "https://thenmap.net"
	DefaultDataset = "world-2"
	// 参考数据集最早覆盖的年份
	DefaultMinYear = 1946
	// 单个年份 GeoJSON 的读取上限
	maxBodyBytes = 64 << 20
)

// ErrTooLarge：响应体超过读取上限
var ErrTooLarge = errors.New("boundary data exceeds size limit")

// Fetcher：按日期（YYYY-MM-DD）获取原始 GeoJSON
type Fetcher interface {
	Fetch(ctx context.Context, date string) ([]byte, error)
}

// 文档注释：Thenmap 历史边界数据源
// 背景：{base}/v2/{dataset}/{date}/data.geojson 返回当日有效的国界 FeatureCollection。
// 约束：非 2xx 视为失败；响应体上限 64MB。
type Thenmap struct {
	BaseURL string
	Dataset string
	Client  *http.Client
}

func NewThenmap(baseURL, dataset string) *Thenmap {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if dataset == "" {
		dataset = DefaultDataset
	}
	return &Thenmap{BaseURL: strings.TrimRight(baseURL, "/"), Dataset: dataset, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *Thenmap) URL(date string) string {
	return fmt.Sprintf("%s/v2/%s/%s/data.geojson", t.BaseURL, t.Dataset, date)
}

func (t *Thenmap) Fetch(ctx context.Context, date string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL(date), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/geo+json, application/json")
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("thenmap %s: %s", date, resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxBodyBytes {
		return nil, fmt.Errorf("thenmap %s: %w", date, ErrTooLarge)
	}
	return b, nil
}

// KV：RedisCache 所需的 Redis 命令子集，*redis.Client 满足该接口
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// 文档注释：Redis 原始字节缓存
// 背景：边界几何按日期不可变，跨进程共享可避免每次启动重复下载；预热命令与服务共用同一键空间。
// 约束：键为 boundary:{dataset}:{date}；Redis 不可用时降级为直连 Next，不视为失败。
// 仅写入可解析的 FeatureCollection；命中内容不是合法 JSON 时删除该键并回源。
type RedisCache struct {
	Next    Fetcher
	Client  KV
	Dataset string
	TTL     time.Duration
}

func (c *RedisCache) key(date string) string {
	ds := c.Dataset
	if ds == "" {
		ds = DefaultDataset
	}
	return "boundary:" + ds + ":" + date
}

func (c *RedisCache) Fetch(ctx context.Context, date string) ([]byte, error) {
	if c.Client == nil {
		return c.Next.Fetch(ctx, date)
	}
	k := c.key(date)
	b, err := c.Client.Get(ctx, k).Bytes()
	switch {
	case err == nil && json.Valid(b):
		logger.L().Debug("boundary_redis_hit", "key", k, "bytes", len(b))
		return b, nil
	case err == nil:
		logger.L().Warn("boundary_redis_corrupt", "key", k, "bytes", len(b))
		if err := c.Client.Del(ctx, k).Err(); err != nil {
			logger.L().Warn("boundary_redis_del_error", "key", k, "err", err)
		}
	case !errors.Is(err, redis.Nil):
		logger.L().Warn("boundary_redis_get_error", "key", k, "err", err)
	}
	b, err = c.Next.Fetch(ctx, date)
	if err != nil {
		return nil, err
	}
	if _, err := geo.ParseFeatureCollection(b); err != nil {
		return nil, fmt.Errorf("boundary %s: %w", date, err)
	}
	if err := c.Client.Set(ctx, k, b, c.TTL).Err(); err != nil {
		logger.L().Warn("boundary_redis_set_error", "key", k, "err", err)
	}
	return b, nil
}

// Cached：键是否已存在（供预热命令跳过已缓存年份）
func (c *RedisCache) Cached(ctx context.Context, date string) bool {
	if c.Client == nil {
		return false
	}
	n, err := c.Client.Exists(ctx, c.key(date)).Result()
	return err == nil && n > 0
}

// Forget：删除某日期的缓存（强制刷新时使用）
func (c *RedisCache) Forget(ctx context.Context, date string) error {
	if c.Client == nil {
		return nil
	}
	return c.Client.Del(ctx, c.key(date)).Err()
}

// Date：年份对应的查询日期
func Date(year int) string { return fmt.Sprintf("%04d-01-01", year) }
