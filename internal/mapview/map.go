package mapview

import (
	"math"
	"sort"
	"sync"

	"timemap/internal/geo"
	"timemap/internal/logger"

	"github.com/go-spatial/geom"
)

// 文档注释：地图组件契约
// 背景：编排器与边界图层只依赖该接口；视口查询与覆盖组挂载/移除。
type Map interface {
	Bounds() geo.Bounds
	Zoom() float64
	Center() geo.Point
	AddOverlay(g *Group)
	RemoveOverlay(g *Group)
}

// 瓦片像素边长（与常见 Web 地图一致）
const tileSize = 256.0

// 文档注释：无界面地图视图
// 背景：服务端持有的视图状态，前端通过 API 同步中心与缩放；覆盖组以快照形式对外暴露供前端绘制。
// 约束：线程安全；视口范围按每瓦片 360/2^zoom 度线性推导，不做地理投影。
type View struct {
	mu       sync.RWMutex
	center   geo.Point
	zoom     float64
	widthPx  int
	heightPx int
	overlays map[uint64]*Group
	subs     map[int]func(geo.Point, float64)
	nextSub  int
}

func NewView(center geo.Point, zoom float64, widthPx, heightPx int) *View {
	if widthPx <= 0 {
		widthPx = 1280
	}
	if heightPx <= 0 {
		heightPx = 720
	}
	return &View{
		center:   center,
		zoom:     zoom,
		widthPx:  widthPx,
		heightPx: heightPx,
		overlays: make(map[uint64]*Group),
		subs:     make(map[int]func(geo.Point, float64)),
	}
}

func (v *View) Center() geo.Point {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.center
}

func (v *View) Zoom() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.zoom
}

func (v *View) Bounds() geo.Bounds {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return boundsFor(v.center, v.zoom, v.widthPx, v.heightPx)
}

func boundsFor(c geo.Point, zoom float64, w, h int) geo.Bounds {
	degPerPx := 360.0 / math.Pow(2, zoom) / tileSize
	halfLon := degPerPx * float64(w) / 2
	halfLat := degPerPx * float64(h) / 2
	return geo.Bounds{
		South: math.Max(c.Lat-halfLat, -90),
		North: math.Min(c.Lat+halfLat, 90),
		West:  math.Max(c.Lon-halfLon, -180),
		East:  math.Min(c.Lon+halfLon, 180),
	}
}

func (v *View) AddOverlay(g *Group) {
	if g == nil {
		return
	}
	v.mu.Lock()
	v.overlays[g.ID] = g
	v.mu.Unlock()
	logger.L().Debug("map_overlay_added", "layer", g.LayerID, "group", g.ID, "items", g.Len())
}

func (v *View) RemoveOverlay(g *Group) {
	if g == nil {
		return
	}
	v.mu.Lock()
	delete(v.overlays, g.ID)
	v.mu.Unlock()
	logger.L().Debug("map_overlay_removed", "layer", g.LayerID, "group", g.ID)
}

// Overlays：按挂载顺序（组 ID 递增）返回当前覆盖组快照
func (v *View) Overlays() []*Group {
	v.mu.RLock()
	out := make([]*Group, 0, len(v.overlays))
	for _, g := range v.overlays {
		out = append(out, g)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// 文档注释：设置视图中心与缩放并通知订阅者
// 约束：缩放级别裁剪到 [0, 22]；订阅者在调用方协程中按订阅顺序同步执行。
func (v *View) SetView(center geo.Point, zoom float64) {
	zoom = math.Max(0, math.Min(22, zoom))
	v.mu.Lock()
	v.center = center
	v.zoom = zoom
	subs := v.snapshotSubs()
	v.mu.Unlock()
	logger.L().Debug("map_view_changed", "lat", center.Lat, "lon", center.Lon, "zoom", zoom)
	for _, fn := range subs {
		fn(center, zoom)
	}
}

// 文档注释：适配包围盒（点击聚焦）
// 背景：选取能完整容纳包围盒的最大整数缩放级别，中心取包围盒中点。
func (v *View) FitExtent(e geom.Extent) {
	v.mu.RLock()
	w, h := float64(v.widthPx), float64(v.heightPx)
	v.mu.RUnlock()
	b := geo.BoundsFromExtent(e)
	lonSpan := math.Max(b.East-b.West, 1e-9)
	latSpan := math.Max(b.North-b.South, 1e-9)
	zLon := math.Log2(360 * w / tileSize / lonSpan)
	zLat := math.Log2(360 * h / tileSize / latSpan)
	zoom := math.Floor(math.Min(zLon, zLat))
	v.SetView(geo.Point{Lat: (b.South + b.North) / 2, Lon: (b.West + b.East) / 2}, zoom)
}

// Subscribe：订阅视图变化，返回取消函数
func (v *View) Subscribe(fn func(geo.Point, float64)) func() {
	v.mu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = fn
	v.mu.Unlock()
	return func() {
		v.mu.Lock()
		delete(v.subs, id)
		v.mu.Unlock()
	}
}

func (v *View) snapshotSubs() []func(geo.Point, float64) {
	ids := make([]int, 0, len(v.subs))
	for id := range v.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(geo.Point, float64), 0, len(ids))
	for _, id := range ids {
		out = append(out, v.subs[id])
	}
	return out
}
