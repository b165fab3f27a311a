package layers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"timemap/internal/geo"
	"timemap/internal/layercache"
	"timemap/internal/logger"
	"timemap/internal/mapview"
	"timemap/internal/metrics"
	"timemap/internal/notify"
	"timemap/internal/settings"
	"timemap/internal/timectl"
)

// 设置存储中保存已启用图层列表的键
const enabledKey = "layers:enabled"

// 文档注释：图层管理器（注册表 + 编排器）
// 背景：持有已注册图层、启用状态与当前覆盖组；驱动 拉取 → 缓存 → 渲染，订阅时间轴与视口变化并扇出更新。
// 约束：拉取期间不持锁，渲染与覆盖组替换在锁内串行执行；同一图层的多次更新以递增序号标记，
// 仅最新一次发出的请求结果会被渲染（较早请求的结果仍写入缓存，因其键与数据一致）。
type Manager struct {
	mu       sync.Mutex
	view     mapview.Map
	clock    timectl.Clock
	cache    *layercache.Cache
	cacheMax int
	layers   map[string]*descriptor
	order    []string
	overlays map[string]*mapview.Group
	seq      map[string]uint64
	loading  map[string]bool

	boundaries func() geo.BoundaryLookup
	indicator  Indicator
	notifier   notify.Notifier
	settings   settings.Store
	log        *slog.Logger
}

type Option func(*Manager)

// WithCacheSize：通用缓存上限（默认 50）
func WithCacheSize(n int) Option { return func(m *Manager) { m.cacheMax = n } }

func WithNotifier(n notify.Notifier) Option { return func(m *Manager) { m.notifier = n } }

func WithIndicator(i Indicator) Option { return func(m *Manager) { m.indicator = i } }

// WithBoundaries：注入边界查询能力，供声明 UsesBoundaries 的图层在渲染时使用
func WithBoundaries(fn func() geo.BoundaryLookup) Option {
	return func(m *Manager) { m.boundaries = fn }
}

// WithSettings：启用状态跨会话持久化
func WithSettings(s settings.Store) Option { return func(m *Manager) { m.settings = s } }

func NewManager(view mapview.Map, clock timectl.Clock, opts ...Option) *Manager {
	m := &Manager{
		view:      view,
		clock:     clock,
		cacheMax:  layercache.DefaultMaxSize,
		layers:    make(map[string]*descriptor),
		overlays:  make(map[string]*mapview.Group),
		seq:       make(map[string]uint64),
		loading:   make(map[string]bool),
		indicator: noIndicator{},
		notifier:  notify.Discard{},
		log:       logger.Named("layers"),
	}
	for _, o := range opts {
		o(m)
	}
	if m.cacheMax <= 0 {
		m.cacheMax = layercache.DefaultMaxSize
	}
	m.cache = layercache.New(m.cacheMax)
	return m
}

// 文档注释：注册图层
// 背景：仅保存描述，不拉取、不渲染，对地图无副作用。
// 约束：重复 id 直接拒绝（ErrLayerExists），以便尽早暴露集成错误；缺少 Fetch/Render 返回 ErrInvalidLayer。
func (m *Manager) Register(id string, cfg Config) error {
	if id == "" || cfg.Fetch == nil || cfg.Render == nil {
		return fmt.Errorf("%w: %q", ErrInvalidLayer, id)
	}
	d := &descriptor{
		Info: Info{
			ID:             id,
			Name:           cfg.Name,
			Description:    cfg.Description,
			Source:         cfg.Source,
			CacheEnabled:   cfg.Cache == nil || *cfg.Cache,
			TimeDependent:  cfg.TimeDependent == nil || *cfg.TimeDependent,
			UsesBoundaries: cfg.UsesBoundaries,
		},
		fetch:   cfg.Fetch,
		render:  cfg.Render,
		cleanup: cfg.Cleanup,
	}
	if d.Name == "" {
		d.Name = id
	}
	if d.cleanup == nil {
		d.cleanup = func() {}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.layers[id]; ok {
		return fmt.Errorf("%w: %q", ErrLayerExists, id)
	}
	m.layers[id] = d
	m.order = append(m.order, id)
	m.log.Info("layer_registered", "id", id, "cache", d.CacheEnabled, "time_dependent", d.TimeDependent)
	return nil
}

// 文档注释：启用图层
// 背景：标记启用、展示加载状态并执行一次更新；任何失败都回退为未启用并返回错误，可安全重试。
// 约束：未知 id 返回 ErrLayerNotFound；已启用时为空操作；加载状态在所有退出路径上清除。
func (m *Manager) Enable(ctx context.Context, id string) error {
	m.mu.Lock()
	d, ok := m.layers[id]
	if !ok {
		m.mu.Unlock()
		m.log.Error("layer_not_found", "id", id)
		return fmt.Errorf("%w: %q", ErrLayerNotFound, id)
	}
	if d.Enabled {
		m.mu.Unlock()
		m.log.Debug("layer_already_enabled", "id", id)
		return nil
	}
	d.Enabled = true
	m.loading[id] = true
	m.mu.Unlock()

	m.log.Info("layer_enabling", "id", id)
	m.indicator.ShowLoading(id)
	defer func() {
		m.mu.Lock()
		delete(m.loading, id)
		m.mu.Unlock()
		m.indicator.HideLoading(id)
	}()

	if err := m.Update(ctx, id, false); err != nil {
		m.mu.Lock()
		d.Enabled = false
		m.seq[id]++
		m.mu.Unlock()
		m.log.Error("layer_enable_error", "id", id, "err", err)
		return err
	}
	m.mu.Lock()
	still := d.Enabled
	m.mu.Unlock()
	if !still {
		m.log.Info("layer_enable_superseded", "id", id)
		return nil
	}
	m.afterToggle(ctx)
	m.log.Info("layer_enabled", "id", id)
	return nil
}

// 文档注释：停用图层
// 背景：移除当前覆盖组并调用插件清理函数；进行中的拉取结果到达后不会再渲染。
// 约束：未知 id 与已停用均为幂等空操作；清理函数不会重复调用，残留覆盖组总会被移除。
func (m *Manager) Disable(ctx context.Context, id string) error {
	m.mu.Lock()
	d, ok := m.layers[id]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("layer_disable_unknown", "id", id)
		return nil
	}
	if g := m.overlays[id]; g != nil {
		m.view.RemoveOverlay(g)
		delete(m.overlays, id)
	}
	if !d.Enabled {
		m.mu.Unlock()
		return nil
	}
	d.Enabled = false
	m.seq[id]++
	m.mu.Unlock()

	d.cleanup()
	m.afterToggle(ctx)
	m.log.Info("layer_disabled", "id", id)
	return nil
}

// 文档注释：更新图层
// 背景：按（id, 当前年份, 缩放桶）查缓存；非强制刷新且命中时直接渲染，否则拉取、写入缓存并裁剪、再渲染。
// 约束：未知或未启用为空操作；拉取失败返回 *FetchError 且不改动覆盖组（旧数据继续显示）。
func (m *Manager) Update(ctx context.Context, id string, force bool) error {
	m.mu.Lock()
	d, ok := m.layers[id]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("layer_update_unknown", "id", id)
		return nil
	}
	if !d.Enabled {
		m.mu.Unlock()
		return nil
	}
	q := m.query()
	m.seq[id]++
	gen := m.seq[id]
	m.mu.Unlock()

	key := layercache.Key(id, q.Year, q.Zoom)
	m.log.Debug("layer_update", "id", id, "year", q.Year, "zoom", q.Zoom, "force", force)
	if !force && d.CacheEnabled {
		if recs, ok := m.cache.Get(key); ok {
			metrics.CacheHitsTotal.WithLabelValues("layers").Inc()
			m.log.Debug("layer_cache_hit", "id", id, "key", key)
			return m.apply(d, gen, q.Year, recs)
		}
		metrics.CacheMissesTotal.WithLabelValues("layers").Inc()
	}

	t0 := time.Now()
	recs, err := d.fetch(ctx, q)
	metrics.LayerFetchDurationMs.WithLabelValues(id).Observe(float64(time.Since(t0).Milliseconds()))
	if err != nil {
		metrics.LayerFetchTotal.WithLabelValues(id, "error").Inc()
		m.log.Error("layer_fetch_error", "id", id, "year", q.Year, "err", err)
		m.notifier.Notify(notify.Error, fmt.Sprintf("Error loading %s: %v", d.Name, err))
		return &FetchError{Layer: id, Err: err}
	}
	metrics.LayerFetchTotal.WithLabelValues(id, "ok").Inc()

	if d.CacheEnabled {
		m.cache.Set(key, recs)
		if n := m.cache.Prune(m.cacheMax); n > 0 {
			metrics.CacheEvictionsTotal.WithLabelValues("layers").Add(float64(n))
			m.log.Debug("layer_cache_pruned", "removed", n)
		}
		metrics.CacheEntries.WithLabelValues("layers").Set(float64(m.cache.Len()))
	}
	return m.apply(d, gen, q.Year, recs)
}

// apply：仅当序号仍为该图层最新且图层仍启用时渲染
func (m *Manager) apply(d *descriptor, gen uint64, year int, recs []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq[d.ID] != gen {
		metrics.LayerStaleTotal.WithLabelValues(d.ID).Inc()
		m.log.Debug("layer_result_stale", "id", d.ID, "gen", gen, "latest", m.seq[d.ID])
		return nil
	}
	if !d.Enabled {
		return nil
	}
	if err := m.renderLocked(d, year, recs); err != nil {
		m.notifier.Notify(notify.Error, fmt.Sprintf("Error rendering %s: %v", d.Name, err))
		return err
	}
	return nil
}

// 文档注释：渲染图层记录
// 背景：供宿主直接推送记录；会使该图层进行中的拉取结果失效。
// 约束：未启用的图层不渲染，地图上只保留已启用图层的覆盖组。
func (m *Manager) RenderLayer(id string, records []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.layers[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrLayerNotFound, id)
	}
	if !d.Enabled {
		m.log.Debug("layer_render_skipped", "id", id)
		return nil
	}
	m.seq[id]++
	return m.renderLocked(d, m.query().Year, records)
}

// 文档注释：渲染到新覆盖组并替换旧组
// 背景：先在未挂载的新组上执行插件渲染；成功后移除旧组再挂载新组，保证不会累积重复或孤立的覆盖元素。
// 约束：渲染失败（含 panic）时旧组保持显示，返回 *RenderError，与拉取失败同等处理。调用方持锁。
func (m *Manager) renderLocked(d *descriptor, year int, recs []any) error {
	g := mapview.NewGroup(d.ID)
	rc := RenderContext{Map: m.view, Year: year}
	if d.UsesBoundaries && m.boundaries != nil {
		rc.Boundaries = m.boundaries()
	}
	if err := safeRender(d.render, g, recs, rc); err != nil {
		metrics.LayerRenderTotal.WithLabelValues(d.ID, "error").Inc()
		m.log.Error("layer_render_error", "id", d.ID, "err", err)
		return &RenderError{Layer: d.ID, Err: err}
	}
	if prev := m.overlays[d.ID]; prev != nil {
		m.view.RemoveOverlay(prev)
	}
	m.view.AddOverlay(g)
	m.overlays[d.ID] = g
	metrics.LayerRenderTotal.WithLabelValues(d.ID, "ok").Inc()
	m.log.Info("layer_rendered", "id", d.ID, "records", len(recs), "items", g.Len())
	return nil
}

func safeRender(fn RenderFunc, g *mapview.Group, recs []any, rc RenderContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(g, recs, rc)
}

// 文档注释：时间变化处理
// 背景：对所有已启用且随时间变化的图层并发执行非强制更新；单个图层失败不影响其他图层。
// 返回：各图层错误的合并（errors.Join），全部成功时为 nil。
func (m *Manager) OnTimeChange(ctx context.Context) error {
	return m.updateAll(ctx, "time", func(d *descriptor) bool { return d.TimeDependent })
}

// OnViewChange：视口变化时更新全部已启用图层；同一缩放桶内命中缓存
func (m *Manager) OnViewChange(ctx context.Context) error {
	return m.updateAll(ctx, "view", func(*descriptor) bool { return true })
}

func (m *Manager) updateAll(ctx context.Context, reason string, match func(*descriptor) bool) error {
	m.mu.Lock()
	var ids []string
	for _, id := range m.order {
		if d := m.layers[id]; d.Enabled && match(d) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	m.log.Debug("layers_fanout", "reason", reason, "layers", len(ids))

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Update(ctx, id, false); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// TimeSource / ViewSource：可订阅的时间轴与地图视图
type TimeSource interface {
	Subscribe(fn func(time.Time)) func()
}

type ViewSource interface {
	Subscribe(fn func(geo.Point, float64)) func()
}

// 文档注释：订阅时间轴与视图变化
// 背景：与边界图层各自独立订阅同一时间轴；回调中的错误已逐图层上报，这里不再处理。
// 返回：取消全部订阅的函数；任一来源为 nil 时跳过。
func (m *Manager) Attach(ctx context.Context, ts TimeSource, vs ViewSource) func() {
	var cancels []func()
	if ts != nil {
		cancels = append(cancels, ts.Subscribe(func(t time.Time) {
			m.log.Debug("layers_time_changed", "year", t.Year())
			_ = m.OnTimeChange(ctx)
		}))
	}
	if vs != nil {
		cancels = append(cancels, vs.Subscribe(func(geo.Point, float64) {
			_ = m.OnViewChange(ctx)
		}))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

// EnabledLayers：已启用图层快照（注册顺序）
func (m *Manager) EnabledLayers() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Info
	for _, id := range m.order {
		if d := m.layers[id]; d.Enabled {
			out = append(out, m.infoLocked(d))
		}
	}
	return out
}

// AllLayers：全部图层快照（注册顺序）
func (m *Manager) AllLayers() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.infoLocked(m.layers[id]))
	}
	return out
}

func (m *Manager) infoLocked(d *descriptor) Info {
	in := d.Info
	in.Loading = m.loading[d.ID]
	return in
}

// Overlay：图层当前挂载的覆盖组
func (m *Manager) Overlay(id string) (*mapview.Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.overlays[id]
	return g, ok
}

// ClearCache：无条件清空缓存
func (m *Manager) ClearCache() {
	m.cache.Clear()
	metrics.CacheEntries.WithLabelValues("layers").Set(0)
	m.log.Info("layer_cache_cleared")
}

// CacheLen：当前缓存条目数
func (m *Manager) CacheLen() int { return m.cache.Len() }

func (m *Manager) query() Query {
	now := time.Now()
	if m.clock != nil {
		now = m.clock.Now()
	}
	return Query{
		Time:   now,
		Year:   now.Year(),
		Bounds: m.view.Bounds(),
		Zoom:   m.view.Zoom(),
		Center: m.view.Center(),
	}
}

// afterToggle：刷新启用数指标并持久化启用列表
func (m *Manager) afterToggle(ctx context.Context) {
	enabled := m.EnabledLayers()
	metrics.EnabledLayers.Set(float64(len(enabled)))
	if m.settings == nil {
		return
	}
	ids := make([]string, 0, len(enabled))
	for _, in := range enabled {
		ids = append(ids, in.ID)
	}
	b, _ := json.Marshal(ids)
	if err := m.settings.Set(ctx, enabledKey, string(b)); err != nil {
		m.log.Error("layers_persist_error", "err", err)
	}
}

// 文档注释：恢复上次会话启用的图层
// 背景：启动时从设置存储读取已启用列表并逐个启用；未知 id 记录警告后跳过。
// 返回：各图层启用错误的合并；未配置设置存储或无记录时返回 nil。
func (m *Manager) RestoreEnabled(ctx context.Context) error {
	if m.settings == nil {
		return nil
	}
	s, ok, err := m.settings.Get(ctx, enabledKey)
	if err != nil || !ok {
		return err
	}
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return fmt.Errorf("layers: decode %s: %w", enabledKey, err)
	}
	var errs []error
	for _, id := range ids {
		err := m.Enable(ctx, id)
		if errors.Is(err, ErrLayerNotFound) {
			m.log.Warn("layers_restore_unknown", "id", id)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	m.log.Info("layers_restored", "count", len(ids), "failed", len(errs))
	return errors.Join(errs...)
}
