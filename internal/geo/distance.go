package geo

import "math"

// 地球半径（千米）
const EarthRadiusKm = 6371.0

// 文档注释：球面距离（Haversine），返回千米
// 约束：与聚类使用的平面经纬度距离无关，二者不可混用。
func Distance(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// 平面经纬度欧氏距离（度）
func degreeDistance(a, b Point) float64 {
	return math.Hypot(a.Lat-b.Lat, a.Lon-b.Lon)
}
