package geo

// 文档注释：聚类结果
// 背景：相邻点事件合并为一个标记，避免地图上重叠；Center 为全部成员坐标的算术平均。
type Cluster[T any] struct {
	Center  Point
	Members []T
}

// 文档注释：贪心单遍聚类
// 背景：按输入顺序逐个处理，扫描已有聚类，归入第一个中心距离（平面经纬度）严格小于 radiusDeg 的聚类并重算中心；否则新建单点聚类。
// 约束：结果依赖输入顺序，非全局最优；复杂度 O(n·clusters)，适用于数百条记录量级。
func ClusterBy[T any](items []T, pos func(T) Point, radiusDeg float64) []Cluster[T] {
	var out []Cluster[T]
	for _, it := range items {
		p := pos(it)
		joined := false
		for i := range out {
			c := &out[i]
			if degreeDistance(c.Center, p) < radiusDeg {
				c.Members = append(c.Members, it)
				c.Center = meanPoint(c.Members, pos)
				joined = true
				break
			}
		}
		if !joined {
			out = append(out, Cluster[T]{Center: p, Members: []T{it}})
		}
	}
	return out
}

func meanPoint[T any](members []T, pos func(T) Point) Point {
	var lat, lon float64
	for _, m := range members {
		p := pos(m)
		lat += p.Lat
		lon += p.Lon
	}
	n := float64(len(members))
	return Point{Lat: lat / n, Lon: lon / n}
}
