package sources

import (
	"context"
	"sort"
	"sync"
	"time"

	"timemap/internal/logger"
	"timemap/internal/metrics"
)

// Heartbeater：可探活的进程外数据源
type Heartbeater interface {
	ID() string
	Heartbeat(ctx context.Context) error
}

// SourceStatus：数据源健康状态快照
type SourceStatus struct {
	ID      string    `json:"id"`
	Healthy bool      `json:"healthy"`
	Last    time.Time `json:"last"`
	Error   string    `json:"error,omitempty"`
}

// 文档注释：数据源健康监测
// 背景：周期性调用外部数据源 /health，记录健康状态供设置面板展示；不健康的图层仍可启用，拉取失败按常规错误处理。
// 约束：心跳周期默认 30s；注册时默认视为健康；线程安全读写。
type HealthMonitor struct {
	mu         sync.RWMutex
	srcs       map[string]Heartbeater
	st         map[string]SourceStatus
	hbInterval time.Duration
}

func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{srcs: make(map[string]Heartbeater), st: make(map[string]SourceStatus), hbInterval: interval}
}

func (m *HealthMonitor) Register(h Heartbeater) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.srcs[h.ID()] = h
	m.st[h.ID()] = SourceStatus{ID: h.ID(), Healthy: true, Last: time.Now()}
	metrics.SourceHealthy.WithLabelValues(h.ID()).Set(1)
	logger.L().Info("source_registered", "id", h.ID())
}

// Start：启动心跳循环，ctx 取消时停止
func (m *HealthMonitor) Start(ctx context.Context) {
	t := time.NewTicker(m.hbInterval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Check(ctx)
			}
		}
	}()
}

// Check：对全部数据源执行一次心跳；探测期间不持锁
func (m *HealthMonitor) Check(ctx context.Context) {
	m.mu.RLock()
	srcs := make([]Heartbeater, 0, len(m.srcs))
	for _, h := range m.srcs {
		srcs = append(srcs, h)
	}
	m.mu.RUnlock()

	for _, h := range srcs {
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := h.Heartbeat(hctx)
		cancel()
		s := SourceStatus{ID: h.ID(), Healthy: err == nil, Last: time.Now()}
		if err != nil {
			s.Error = err.Error()
			logger.L().Debug("source_heartbeat_fail", "id", h.ID(), "err", err)
			metrics.SourceHeartbeatTotal.WithLabelValues(h.ID(), "fail").Inc()
			metrics.SourceHealthy.WithLabelValues(h.ID()).Set(0)
		} else {
			logger.L().Debug("source_heartbeat_ok", "id", h.ID())
			metrics.SourceHeartbeatTotal.WithLabelValues(h.ID(), "ok").Inc()
			metrics.SourceHealthy.WithLabelValues(h.ID()).Set(1)
		}
		m.mu.Lock()
		m.st[h.ID()] = s
		m.mu.Unlock()
	}
}

// Status：按 id 排序的状态快照
func (m *HealthMonitor) Status() []SourceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SourceStatus, 0, len(m.st))
	for _, s := range m.st {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
