// 包 locate：按客户端 IP 推断初始地图中心（GeoIP2 City 库）
package locate

import (
	"net"

	"timemap/internal/geo"
	"timemap/internal/logger"

	"github.com/oschwald/geoip2-golang"
)

// Place：IP 定位结果
type Place struct {
	Country string    `json:"country"`
	City    string    `json:"city"`
	Point   geo.Point `json:"point"`
}

// 文档注释：GeoIP2 定位器
// 背景：读取本地 mmdb 文件；库文件缺失时服务照常启动，只是不提供按 IP 居中。
// 约束：nil 接收者安全，所有查询返回未命中。
type Locator struct {
	r *geoip2.Reader
}

func Open(path string) (*Locator, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	md := r.Metadata()
	logger.L().Info("geoip_open_ok", "path", path, "type", md.DatabaseType, "build", md.BuildEpoch)
	return &Locator{r: r}, nil
}

func (l *Locator) Close() error {
	if l == nil || l.r == nil {
		return nil
	}
	return l.r.Close()
}

// Lookup：解析 IP 所在城市；私有地址或库中无坐标时返回 false
func (l *Locator) Lookup(ip string) (Place, bool) {
	if l == nil || l.r == nil {
		return Place{}, false
	}
	addr := net.ParseIP(ip)
	if addr == nil || addr.IsLoopback() || addr.IsPrivate() {
		return Place{}, false
	}
	rec, err := l.r.City(addr)
	if err != nil {
		logger.L().Debug("geoip_lookup_error", "ip", ip, "err", err)
		return Place{}, false
	}
	if rec.Location.Latitude == 0 && rec.Location.Longitude == 0 {
		return Place{}, false
	}
	return Place{
		Country: rec.Country.IsoCode,
		City:    rec.City.Names["en"],
		Point:   geo.Point{Lat: rec.Location.Latitude, Lon: rec.Location.Longitude},
	}, true
}

// Center：IP 对应的地图中心
func (l *Locator) Center(ip string) (geo.Point, bool) {
	p, ok := l.Lookup(ip)
	return p.Point, ok
}
