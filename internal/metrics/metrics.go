package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LayerFetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timemap_layer_fetch_total",
		Help: "Layer fetches by result (ok, error)",
	}, []string{"layer", "result"})
	LayerFetchDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "timemap_layer_fetch_duration_ms",
		Help:    "Layer fetch duration in milliseconds",
		Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
	}, []string{"layer"})
	LayerRenderTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timemap_layer_render_total",
		Help: "Layer renders by result (ok, error)",
	}, []string{"layer", "result"})
	LayerStaleTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timemap_layer_stale_total",
		Help: "Fetch results discarded because a newer update was issued",
	}, []string{"layer"})
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timemap_cache_hits_total",
		Help: "Cache hits by cache (layers, boundaries)",
	}, []string{"cache"})
	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timemap_cache_misses_total",
		Help: "Cache misses by cache (layers, boundaries)",
	}, []string{"cache"})
	CacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timemap_cache_evictions_total",
		Help: "Entries evicted by FIFO pruning",
	}, []string{"cache"})
	CacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "timemap_cache_entries",
		Help: "Current number of cache entries",
	}, []string{"cache"})
	BoundaryLoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timemap_boundary_loads_total",
		Help: "Boundary loads by result (ok, unsupported, error)",
	}, []string{"result"})
	EnabledLayers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "timemap_enabled_layers",
		Help: "Number of enabled data layers",
	})
	SourceHeartbeatTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timemap_source_heartbeat_total",
		Help: "Out-of-process source heartbeats by result",
	}, []string{"source", "result"})
	SourceHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "timemap_source_healthy",
		Help: "1 when the last heartbeat of a source succeeded",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(LayerFetchTotal)
	prometheus.MustRegister(LayerFetchDurationMs)
	prometheus.MustRegister(LayerRenderTotal)
	prometheus.MustRegister(LayerStaleTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheEvictionsTotal)
	prometheus.MustRegister(CacheEntries)
	prometheus.MustRegister(BoundaryLoadsTotal)
	prometheus.MustRegister(EnabledLayers)
	prometheus.MustRegister(SourceHeartbeatTotal)
	prometheus.MustRegister(SourceHealthy)
}

// 文档注释：返回 Prometheus 指标处理器
// 背景：在主入口挂载到 {API_BASE}/metrics。
func Handler() http.Handler { return promhttp.Handler() }
