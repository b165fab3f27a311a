// 包 layers：数据图层注册表与编排器；驱动 拉取 → 缓存 → 渲染 流水线，并在时间或视口变化时扇出更新
package layers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"timemap/internal/geo"
	"timemap/internal/mapview"
)

// 文档注释：拉取参数
// 背景：由编排器按当前时间轴与视口构造；插件据此向远端请求并按视口过滤。
type Query struct {
	Time   time.Time
	Year   int
	Bounds geo.Bounds
	Zoom   float64
	Center geo.Point
}

// 文档注释：渲染上下文
// 约束：Boundaries 仅注入给声明 UsesBoundaries 的图层，且可能为 nil（边界尚未加载或已关闭）。
type RenderContext struct {
	Map        mapview.Map
	Year       int
	Boundaries geo.BoundaryLookup
}

// FetchFunc：按时间与视口拉取记录；记录对编排器不透明
type FetchFunc func(ctx context.Context, q Query) ([]any, error)

// RenderFunc：将记录绘制到新建的覆盖组
type RenderFunc func(g *mapview.Group, records []any, rc RenderContext) error

// 文档注释：图层注册配置
// 背景：Cache 与 TimeDependent 为空时默认开启，与插件声明"未显式关闭即开启"的约定一致。
// 约束：Fetch 与 Render 必填；Cleanup 不得失败。
type Config struct {
	ID             string
	Name           string
	Description    string
	Source         string
	Cache          *bool
	TimeDependent  *bool
	UsesBoundaries bool
	Fetch          FetchFunc
	Render         RenderFunc
	Cleanup        func()
}

// Bool：配置中可选布尔字段的便捷取址
func Bool(v bool) *bool { return &v }

// Info：图层元数据与状态快照（只读）
type Info struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Source         string `json:"source"`
	CacheEnabled   bool   `json:"cacheEnabled"`
	TimeDependent  bool   `json:"timeDependent"`
	UsesBoundaries bool   `json:"usesBoundaries"`
	Enabled        bool   `json:"enabled"`
	Loading        bool   `json:"loading"`
}

type descriptor struct {
	Info
	fetch   FetchFunc
	render  RenderFunc
	cleanup func()
}

var (
	ErrLayerNotFound = errors.New("layer not found")
	ErrLayerExists   = errors.New("layer already registered")
	ErrInvalidLayer  = errors.New("invalid layer config")
)

// FetchError：远端不可达、非成功状态或载荷格式错误
type FetchError struct {
	Layer string
	Err   error
}

func (e *FetchError) Error() string { return fmt.Sprintf("layer %s: fetch: %v", e.Layer, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// RenderError：渲染函数返回错误或发生 panic
type RenderError struct {
	Layer string
	Err   error
}

func (e *RenderError) Error() string { return fmt.Sprintf("layer %s: render: %v", e.Layer, e.Err) }
func (e *RenderError) Unwrap() error { return e.Err }

// Indicator：加载状态展示（例如设置面板中的旋转图标）
type Indicator interface {
	ShowLoading(id string)
	HideLoading(id string)
}

type noIndicator struct{}

func (noIndicator) ShowLoading(string) {}
func (noIndicator) HideLoading(string) {}
