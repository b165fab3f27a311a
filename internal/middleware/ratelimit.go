// 包 middleware：HTTP 入口中间件（限流、写操作来源白名单）
package middleware

import (
	"net/http"
	"sync"
	"time"

	"timemap/internal/logger"
)

// 文档注释：令牌桶限流（每秒）
// 背景：拖动时间轴会在短时间内触发大量更新请求，限速可避免远端数据源被打满。
// 约束：简化实现，不排队，超限直接返回 429。
type TokenBucket struct {
	capacity int
	tokens   int
	lastSec  int64
	now      func() time.Time
	mu       sync.Mutex
}

func NewTokenBucket(qps int) *TokenBucket {
	if qps <= 0 {
		qps = 200
	}
	return &TokenBucket{capacity: qps, tokens: qps, lastSec: time.Now().Unix(), now: time.Now}
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	nowSec := tb.now().Unix()
	if tb.lastSec != nowSec {
		tb.lastSec = nowSec
		tb.tokens = tb.capacity
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// RateLimit：按 qps 限流；qps <= 0 时不限流
func RateLimit(qps int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if qps <= 0 {
			return next
		}
		tb := NewTokenBucket(qps)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tb.Allow() {
				logger.L().Debug("rate_limited", "path", r.URL.Path)
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
