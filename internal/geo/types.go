// 包 geo：坐标、视口范围与边界要素的最小数据结构，供图层插件与编排器共享
package geo

import (
	"fmt"

	"github.com/go-spatial/geom"
)

// 点坐标（WGS84）
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// 文档注释：视口范围
// 背景：由地图视图按中心与缩放级别推导，图层插件据此过滤可见数据。
// 约束：不处理跨越 180° 经线的范围；South<=North，West<=East。
type Bounds struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// Contains：闭区间判定
func (b Bounds) Contains(p Point) bool {
	return p.Lat >= b.South && p.Lat <= b.North && p.Lon >= b.West && p.Lon <= b.East
}

// Extent：转换为 geom 包的包围盒（minLon, minLat, maxLon, maxLat）
func (b Bounds) Extent() geom.Extent {
	return geom.Extent{b.West, b.South, b.East, b.North}
}

// BBox：远端接口常用的 "west,south,east,north" 文本格式
func (b Bounds) BBox() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.West, b.South, b.East, b.North)
}

// BoundsFromExtent：由 geom 包围盒还原视口范围
func BoundsFromExtent(e geom.Extent) Bounds {
	return Bounds{South: e[1], West: e[0], North: e[3], East: e[2]}
}
