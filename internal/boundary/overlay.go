package boundary

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"timemap/internal/geo"
	"timemap/internal/layercache"
	"timemap/internal/logger"
	"timemap/internal/mapview"
	"timemap/internal/metrics"
	"timemap/internal/notify"
	"timemap/internal/timectl"

	"github.com/go-spatial/geom"
)

// 覆盖层 ID（与数据图层共用视图）
const LayerID = "boundaries"

type State int

const (
	Disabled State = iota
	Loading
	Rendered
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Rendered:
		return "rendered"
	}
	return "disabled"
}

var (
	DefaultStyle = mapview.Style{Color: "#444", Weight: 2, Opacity: 1, FillColor: "#888", FillOpacity: 0.05}
	HoverStyle   = mapview.Style{Color: "#000", Weight: 3, Opacity: 1, FillColor: "#888", FillOpacity: 0.15}
)

// 文档注释：历史边界覆盖层
// 背景：单例图层，状态 Disabled → Loading(year) → Rendered(year)；自带按年份的解析结果缓存，
// 渲染成功后发布边界快照供人口等图层按国家代码查询几何。
// 约束：刷新失败保留上一次渲染；低于最早年份时仅提示、不拉取；与数据图层相同，以递增序号丢弃过期结果。
type Overlay struct {
	mu       sync.Mutex
	fetcher  Fetcher
	view     mapview.Map
	clock    timectl.Clock
	notifier notify.Notifier
	cache    *layercache.Cache
	cacheMax int
	minYear  int

	enabled bool
	state   State
	year    int
	group   *mapview.Group
	lookup  *geo.BoundarySet
	seq     uint64
	log     *slog.Logger
}

type Option func(*Overlay)

func WithMinYear(y int) Option { return func(o *Overlay) { o.minYear = y } }

// WithCacheSize：解析结果缓存上限（默认 20）
func WithCacheSize(n int) Option { return func(o *Overlay) { o.cacheMax = n } }

func WithNotifier(n notify.Notifier) Option { return func(o *Overlay) { o.notifier = n } }

func NewOverlay(f Fetcher, view mapview.Map, clock timectl.Clock, opts ...Option) *Overlay {
	o := &Overlay{
		fetcher:  f,
		view:     view,
		clock:    clock,
		notifier: notify.Discard{},
		cacheMax: layercache.BoundaryMaxSize,
		minYear:  DefaultMinYear,
		log:      logger.Named("boundary"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cacheMax <= 0 {
		o.cacheMax = layercache.BoundaryMaxSize
	}
	o.cache = layercache.New(o.cacheMax)
	return o
}

func (o *Overlay) MinYear() int { return o.minYear }

// 文档注释：启用边界图层
// 背景：加载时间轴当前年份；年份过早时保持启用但不渲染，待时间轴进入支持范围后自动加载。
// 约束：加载失败回退为未启用并返回错误；已启用时为空操作。
func (o *Overlay) Enable(ctx context.Context) error {
	o.mu.Lock()
	if o.enabled {
		o.mu.Unlock()
		return nil
	}
	o.enabled = true
	o.mu.Unlock()

	year := o.currentYear()
	o.log.Info("boundary_enabling", "year", year)
	if err := o.LoadBoundaries(ctx, year); err != nil {
		o.mu.Lock()
		o.enabled = false
		o.seq++
		o.mu.Unlock()
		return err
	}
	return nil
}

// 文档注释：停用边界图层
// 背景：移除覆盖组并撤回已发布的边界快照；缓存保留，重新启用时可直接命中。
func (o *Overlay) Disable() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.enabled {
		return
	}
	o.enabled = false
	o.seq++
	if o.group != nil {
		o.view.RemoveOverlay(o.group)
		o.group = nil
	}
	o.lookup = nil
	o.state = Disabled
	o.log.Info("boundary_disabled", "year", o.year)
}

// 文档注释：加载指定年份的边界
// 背景：先查本地缓存，未命中则拉取 {year}-01-01 的几何、解析、写入缓存后渲染。
// 约束：year 低于最早年份时发出提示并返回 nil（不拉取、不改动覆盖层）；
// 拉取或解析失败发出错误提示并返回错误，已渲染的边界继续显示。
func (o *Overlay) LoadBoundaries(ctx context.Context, year int) error {
	if year < o.minYear {
		metrics.BoundaryLoadsTotal.WithLabelValues("unsupported").Inc()
		o.log.Info("boundary_year_unsupported", "year", year, "min_year", o.minYear)
		o.notifier.Notify(notify.Info, fmt.Sprintf("Historical boundaries are only available from %d onwards", o.minYear))
		return nil
	}
	key := strconv.Itoa(year)
	if v, ok := o.cache.Get(key); ok {
		metrics.CacheHitsTotal.WithLabelValues("boundaries").Inc()
		o.log.Debug("boundary_cache_hit", "year", year)
		o.mu.Lock()
		defer o.mu.Unlock()
		o.seq++
		if o.enabled {
			o.renderLocked(v[0].(*geo.FeatureCollection), year)
		}
		return nil
	}
	metrics.CacheMissesTotal.WithLabelValues("boundaries").Inc()

	o.mu.Lock()
	o.seq++
	gen := o.seq
	prevState := o.state
	if o.enabled {
		o.state = Loading
	}
	o.mu.Unlock()

	t0 := time.Now()
	fc, err := o.fetch(ctx, year)
	if err != nil {
		metrics.BoundaryLoadsTotal.WithLabelValues("error").Inc()
		o.log.Error("boundary_load_error", "year", year, "err", err)
		o.notifier.Notify(notify.Error, fmt.Sprintf("Failed to load historical boundaries: %v", err))
		o.mu.Lock()
		if o.seq == gen && o.state == Loading {
			o.state = prevState
		}
		o.mu.Unlock()
		return fmt.Errorf("boundary %d: %w", year, err)
	}
	metrics.BoundaryLoadsTotal.WithLabelValues("ok").Inc()
	o.log.Info("boundary_loaded", "year", year, "features", len(fc.Features), "ms", time.Since(t0).Milliseconds())

	o.cache.Set(key, []any{fc})
	if n := o.cache.Prune(o.cacheMax); n > 0 {
		metrics.CacheEvictionsTotal.WithLabelValues("boundaries").Add(float64(n))
	}
	metrics.CacheEntries.WithLabelValues("boundaries").Set(float64(o.cache.Len()))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seq != gen {
		o.log.Debug("boundary_result_stale", "year", year)
		return nil
	}
	if o.enabled {
		o.renderLocked(fc, year)
	}
	return nil
}

func (o *Overlay) fetch(ctx context.Context, year int) (*geo.FeatureCollection, error) {
	b, err := o.fetcher.Fetch(ctx, Date(year))
	if err != nil {
		return nil, err
	}
	fc, err := geo.ParseFeatureCollection(b)
	if err != nil {
		if f, ok := o.fetcher.(forgetter); ok {
			if ferr := f.Forget(ctx, Date(year)); ferr != nil {
				o.log.Warn("boundary_forget_error", "year", year, "err", ferr)
			}
		}
		return nil, err
	}
	return fc, nil
}

// forgetter：可丢弃某日期缓存的数据源（如 RedisCache）
type forgetter interface {
	Forget(ctx context.Context, date string) error
}

// RenderBoundaries：以给定几何替换当前边界覆盖组并发布快照
func (o *Overlay) RenderBoundaries(fc *geo.FeatureCollection, year int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	o.renderLocked(fc, year)
}

func (o *Overlay) renderLocked(fc *geo.FeatureCollection, year int) {
	g := mapview.NewGroup(LayerID)
	for _, f := range fc.Features {
		ext := f.Extent
		hover := HoverStyle
		g.AddRegion(mapview.Region{
			Code:       f.Code(),
			Name:       f.Name(),
			Geometry:   f.Geometry,
			Style:      DefaultStyle,
			HoverStyle: &hover,
			Popup:      popup(f, year),
			Focus:      &ext,
		})
	}
	if o.group != nil {
		o.view.RemoveOverlay(o.group)
	}
	o.view.AddOverlay(g)
	o.group = g
	o.lookup = geo.NewBoundarySet(year, fc)
	o.state = Rendered
	o.year = year
	o.log.Info("boundary_rendered", "year", year, "regions", len(g.Regions))
}

func popup(f *geo.Feature, year int) string {
	s := "<strong>" + html.EscapeString(f.Name()) + "</strong>"
	if c := f.Code(); c != "" {
		s += "<br>Code: " + html.EscapeString(c)
	}
	if st := f.Status(); st != "" {
		s += "<br>Status: " + html.EscapeString(st)
	}
	return s + fmt.Sprintf("<br><em>As of %d</em>", year)
}

// 文档注释：发布的边界快照
// 约束：未加载或已停用时返回 nil 接口值（非带类型的 nil 指针）。
func (o *Overlay) Lookup() geo.BoundaryLookup {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lookup == nil {
		return nil
	}
	return o.lookup
}

// FeatureAt：点选命中测试，未加载边界时返回 false
func (o *Overlay) FeatureAt(p geo.Point) (*geo.Feature, bool) {
	o.mu.Lock()
	set := o.lookup
	o.mu.Unlock()
	if set == nil {
		return nil, false
	}
	return set.FeatureAt(p)
}

// State：当前状态与对应年份
func (o *Overlay) State() (State, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.year
}

func (o *Overlay) Enabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enabled
}

// Group：当前挂载的覆盖组
func (o *Overlay) Group() *mapview.Group {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.group
}

func (o *Overlay) ClearCache() {
	o.cache.Clear()
	metrics.CacheEntries.WithLabelValues("boundaries").Set(0)
	o.log.Info("boundary_cache_cleared")
}

func (o *Overlay) CacheLen() int { return o.cache.Len() }

type extentFitter interface {
	FitExtent(e geom.Extent)
}

// 文档注释：点击聚焦
// 背景：将视图适配到指定国家代码的要素包围盒；地图实现不支持适配或代码不存在时返回 false。
func (o *Overlay) Focus(code string) bool {
	lk := o.Lookup()
	if lk == nil {
		return false
	}
	f, ok := lk.Feature(code)
	if !ok {
		return false
	}
	fit, ok := o.view.(extentFitter)
	if !ok {
		return false
	}
	fit.FitExtent(f.Extent)
	return true
}

// TimeSource：可订阅的时间轴
type TimeSource interface {
	Subscribe(fn func(time.Time)) func()
}

// 文档注释：订阅时间轴
// 背景：与图层管理器各自独立订阅同一时间轴；启用状态下每次时间变化加载新年份。
// 返回：取消订阅函数。
func (o *Overlay) Attach(ctx context.Context, ts TimeSource) func() {
	return ts.Subscribe(func(t time.Time) {
		if !o.Enabled() {
			return
		}
		_ = o.LoadBoundaries(ctx, t.Year())
	})
}

func (o *Overlay) currentYear() int {
	if o.clock == nil {
		return time.Now().Year()
	}
	return o.clock.Now().Year()
}
