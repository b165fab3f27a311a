package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"timemap/internal/geo"
	"timemap/internal/layers"
	"timemap/internal/mapview"
)

// HTTPRecord：外部数据源返回的点记录
type HTTPRecord struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// 文档注释：外部 HTTP 图层适配器
// 背景：为第三方或进程外数据源提供简单 HTTP 契约接入，无需在本进程内编写插件。
// 约束：约定 /health 与 /query?year=&bbox=&zoom= 接口；响应 {"records":[{lat,lon,label,value}]}；主服务设置超时，非 200 视为失败。
type HTTPLayer struct {
	id          string
	name        string
	description string
	endpoint    string
	color       string
	timeDep     bool
	client      *http.Client
}

func NewHTTP(id, name, endpoint, color string, timeDependent bool) *HTTPLayer {
	if color == "" {
		color = "#0d6efd"
	}
	return &HTTPLayer{
		id:       id,
		name:     name,
		endpoint: strings.TrimRight(endpoint, "/"),
		color:    color,
		timeDep:  timeDependent,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *HTTPLayer) ID() string { return h.id }

// WithDescription：设置面板中显示的说明
func (h *HTTPLayer) WithDescription(d string) *HTTPLayer {
	h.description = d
	return h
}

func (h *HTTPLayer) Config() layers.Config {
	return layers.Config{
		ID:            h.id,
		Name:          h.name,
		Description:   h.description,
		Source:        h.endpoint,
		TimeDependent: layers.Bool(h.timeDep),
		Fetch:         h.Fetch,
		Render:        h.Render,
	}
}

// 文档注释：心跳检测
// 背景：访问 /health 用于探测可用性；非 200 视为不可用。
func (h *HTTPLayer) Heartbeat(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s health: %s", h.id, resp.Status)
	}
	return nil
}

// 文档注释：查询接口
// 背景：按年份、视口与缩放级别查询；坐标越界的记录丢弃。
func (h *HTTPLayer) Fetch(ctx context.Context, q layers.Query) ([]any, error) {
	v := url.Values{}
	v.Set("year", strconv.Itoa(q.Year))
	v.Set("bbox", q.Bounds.BBox())
	v.Set("zoom", strconv.FormatFloat(q.Zoom, 'f', -1, 64))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"/query?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s query: %s", h.id, resp.Status)
	}
	var m struct {
		Records []HTTPRecord `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("%s query: decode: %w", h.id, err)
	}
	out := make([]any, 0, len(m.Records))
	for _, r := range m.Records {
		if r.Lat < -90 || r.Lat > 90 || r.Lon < -180 || r.Lon > 180 {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (h *HTTPLayer) Render(g *mapview.Group, recs []any, _ layers.RenderContext) error {
	pts := make([]HTTPRecord, 0, len(recs))
	for i, r := range recs {
		rec, ok := r.(HTTPRecord)
		if !ok {
			return fmt.Errorf("record %d: unexpected type %T", i, r)
		}
		pts = append(pts, rec)
	}
	pos := func(r HTTPRecord) geo.Point { return geo.Point{Lat: r.Lat, Lon: r.Lon} }
	for _, cl := range geo.ClusterBy(pts, pos, ConflictClusterRadius) {
		total := 0.0
		var labels []string
		for _, m := range cl.Members {
			total += m.Value
			if len(labels) < 5 {
				labels = append(labels, html.EscapeString(m.Label))
			}
		}
		popup := "<strong>" + html.EscapeString(h.name) + "</strong><br>" + strings.Join(labels, "<br>")
		if len(cl.Members) > len(labels) {
			popup += fmt.Sprintf("<br>+ %d more", len(cl.Members)-len(labels))
		}
		g.AddMarker(mapview.Marker{
			Center: cl.Center,
			Radius: clamp(total/5, 5, 30),
			Style:  mapview.Style{Color: "#000", Weight: 1, Opacity: 0.8, FillColor: h.color, FillOpacity: 0.6},
			Popup:  popup,
		})
	}
	return nil
}
