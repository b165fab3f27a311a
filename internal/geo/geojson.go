package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-spatial/geom"
)

// 文档注释：边界要素
// 背景：承载一个国家/地区在某一年份的几何与属性；几何仅支持 Polygon/MultiPolygon。
// 约束：Extent 为全部外环坐标的包围盒（minLon, minLat, maxLon, maxLat），用于点击聚焦与候选过滤。
type Feature struct {
	ID         string         `json:"id,omitempty"`
	Properties map[string]any `json:"properties"`
	Geometry   geom.Geometry  `json:"geometry"`
	Extent     geom.Extent    `json:"extent"`
}

type FeatureCollection struct {
	Features []*Feature `json:"features"`
}

// Name：兼容 name/NAME 两种属性命名
func (f *Feature) Name() string {
	if s := propStr(f.Properties, "name", "NAME"); s != "" {
		return s
	}
	return "Unknown"
}

// Code：ISO3 国家代码，兼容 iso_a3/iso3/ISO
func (f *Feature) Code() string { return propStr(f.Properties, "iso_a3", "iso3", "ISO") }

func (f *Feature) Status() string { return propStr(f.Properties, "status") }

// Contains：点是否落在要素内（包围盒预过滤 + 射线法，外环命中且不在洞内）
func (f *Feature) Contains(p Point) bool {
	e := f.Extent
	if p.Lon < e[0] || p.Lon > e[2] || p.Lat < e[1] || p.Lat > e[3] {
		return false
	}
	switch g := f.Geometry.(type) {
	case geom.Polygon:
		return pointInPolygon(p, g)
	case geom.MultiPolygon:
		for _, poly := range g {
			if pointInPolygon(p, poly) {
				return true
			}
		}
	}
	return false
}

func pointInPolygon(p Point, poly [][][2]float64) bool {
	if len(poly) == 0 || !pointInRing(p, poly[0]) {
		return false
	}
	for _, hole := range poly[1:] {
		if pointInRing(p, hole) {
			return false
		}
	}
	return true
}

func pointInRing(p Point, ring [][2]float64) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	inside := false
	x, y := p.Lon, p.Lat
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if ((yi > y) != (yj > y)) && (x < (xj-xi)*(y-yi)/(yj-yi+1e-12)+xi) {
			inside = !inside
		}
	}
	return inside
}

type rawGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

type rawFeature struct {
	Type       string         `json:"type"`
	ID         any            `json:"id"`
	Properties map[string]any `json:"properties"`
	Geometry   *rawGeometry   `json:"geometry"`
	Features   []rawFeature   `json:"features"`
}

// 文档注释：解析 GeoJSON（FeatureCollection 或单个 Feature）
// 背景：边界数据源返回标准 GeoJSON；仅保留面要素，其余几何类型与空几何要素跳过。
// 返回：解析失败（非 JSON 或顶层类型未知）返回错误，供调用方作为拉取失败上报。
func ParseFeatureCollection(b []byte) (*FeatureCollection, error) {
	var raw rawFeature
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("geojson: %w", err)
	}
	fc := &FeatureCollection{}
	switch strings.ToLower(raw.Type) {
	case "featurecollection":
		for i := range raw.Features {
			if f, ok := convertFeature(&raw.Features[i]); ok {
				fc.Features = append(fc.Features, f)
			}
		}
	case "feature":
		if f, ok := convertFeature(&raw); ok {
			fc.Features = append(fc.Features, f)
		}
	default:
		return nil, errors.New("geojson: unsupported type " + raw.Type)
	}
	return fc, nil
}

func convertFeature(r *rawFeature) (*Feature, bool) {
	if r.Geometry == nil {
		return nil, false
	}
	f := &Feature{Properties: r.Properties}
	if f.Properties == nil {
		f.Properties = map[string]any{}
	}
	if r.ID != nil {
		f.ID = fmt.Sprint(r.ID)
	}
	switch strings.ToLower(r.Geometry.Type) {
	case "polygon":
		var poly geom.Polygon
		if err := json.Unmarshal(r.Geometry.Coordinates, &poly); err != nil {
			return nil, false
		}
		f.Geometry = poly
		f.Extent = extentOf(poly)
	case "multipolygon":
		var mp geom.MultiPolygon
		if err := json.Unmarshal(r.Geometry.Coordinates, &mp); err != nil {
			return nil, false
		}
		f.Geometry = mp
		f.Extent = extentOf(mp...)
	default:
		return nil, false
	}
	return f, true
}

func extentOf(polys ...[][][2]float64) geom.Extent {
	e := geom.Extent{180, 90, -180, -90}
	for _, poly := range polys {
		if len(poly) == 0 {
			continue
		}
		for _, pt := range poly[0] {
			if pt[0] < e[0] {
				e[0] = pt[0]
			}
			if pt[1] < e[1] {
				e[1] = pt[1]
			}
			if pt[0] > e[2] {
				e[2] = pt[0]
			}
			if pt[1] > e[3] {
				e[3] = pt[1]
			}
		}
	}
	return e
}

func propStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
