// 包 mapview：地图组件契约与无界面实现；图层渲染结果以覆盖组（Group）形式挂载到视图
package mapview

import (
	"sync/atomic"

	"timemap/internal/geo"

	"github.com/go-spatial/geom"
)

// Style：矢量要素样式（与前端绘制参数一一对应）
type Style struct {
	Color       string  `json:"color,omitempty"`
	Weight      float64 `json:"weight,omitempty"`
	Opacity     float64 `json:"opacity,omitempty"`
	FillColor   string  `json:"fillColor,omitempty"`
	FillOpacity float64 `json:"fillOpacity,omitempty"`
}

// Marker：圆形点标记
type Marker struct {
	Center     geo.Point `json:"center"`
	Radius     float64   `json:"radius"`
	Style      Style     `json:"style"`
	HoverStyle *Style    `json:"hoverStyle,omitempty"`
	Popup      string    `json:"popup,omitempty"`
}

// 文档注释：面要素
// 背景：边界与分级设色图层使用；Focus 为点击聚焦时视图应适配的包围盒。
type Region struct {
	Code       string        `json:"code,omitempty"`
	Name       string        `json:"name,omitempty"`
	Geometry   geom.Geometry `json:"geometry"`
	Style      Style         `json:"style"`
	HoverStyle *Style        `json:"hoverStyle,omitempty"`
	Popup      string        `json:"popup,omitempty"`
	Focus      *geom.Extent  `json:"focus,omitempty"`
}

// 控件位置
const (
	TopRight    = "topright"
	BottomRight = "bottomright"
	BottomLeft  = "bottomleft"
)

// 文档注释：覆盖组自有的界面元素（图例、提示）
// 背景：随所属覆盖组一起挂载与移除，避免以全局名称追踪的单例控件残留。
type Control struct {
	Kind     string `json:"kind"`
	Position string `json:"position"`
	HTML     string `json:"html"`
}

var groupSeq atomic.Uint64

// 文档注释：覆盖组
// 背景：一个图层一次渲染的全部可绘制元素；替换时整体移除再挂载新组，不做原地修改。
// 约束：渲染期间仅由单个渲染函数写入；挂载后视为只读。
type Group struct {
	ID       uint64    `json:"id"`
	LayerID  string    `json:"layer"`
	Markers  []Marker  `json:"markers,omitempty"`
	Regions  []Region  `json:"regions,omitempty"`
	Controls []Control `json:"controls,omitempty"`
}

func NewGroup(layerID string) *Group {
	return &Group{ID: groupSeq.Add(1), LayerID: layerID}
}

func (g *Group) AddMarker(m Marker)   { g.Markers = append(g.Markers, m) }
func (g *Group) AddRegion(r Region)   { g.Regions = append(g.Regions, r) }
func (g *Group) AddControl(c Control) { g.Controls = append(g.Controls, c) }

// Len：可绘制元素数（不含控件）
func (g *Group) Len() int { return len(g.Markers) + len(g.Regions) }

// Legend：便捷添加图例控件
func (g *Group) Legend(position, html string) {
	g.AddControl(Control{Kind: "legend", Position: position, HTML: html})
}
