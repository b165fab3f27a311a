package sources

import (
	"context"
	"fmt"
	"html"

	"timemap/internal/geo"
	"timemap/internal/layers"
	"timemap/internal/logger"
	"timemap/internal/mapview"
	"timemap/internal/notify"
)

const (
	NearbyLayerID     = "conflicts-nearby"
	DefaultRadiusKm   = 500
	DefaultMaxEvents  = 100
	nearbyPageSize    = 1000
	nearbyFill        = "#dc3545"
	nearbyStrokeColor = "#8b0000"
)

// Zone：关注的冲突区域（名称 + 中心点）
type Zone struct {
	Name   string    `toml:"name"`
	Center geo.Point `toml:"center"`
}

// 文档注释：区域冲突图层
// 背景：仅展示距指定区域中心 RadiusKm（大圆距离）以内的事件，最多 MaxEvents 条；与视口无关，只随年份变化。
// 约束：加载结果以提示通知（成功/无数据）；Notifier 为空时不提示。
type Nearby struct {
	API       *UCDP
	Zone      Zone
	RadiusKm  float64
	MaxEvents int
	Notifier  notify.Notifier
}

func NewNearby(api *UCDP, zone Zone) *Nearby {
	return &Nearby{API: api, Zone: zone, RadiusKm: DefaultRadiusKm, MaxEvents: DefaultMaxEvents}
}

func (n *Nearby) Config() layers.Config {
	return layers.Config{
		ID:          NearbyLayerID,
		Name:        "Conflicts near " + n.Zone.Name,
		Description: fmt.Sprintf("UCDP events within %.0f km of %s", n.RadiusKm, n.Zone.Name),
		Source:      "UCDP Georeferenced Event Dataset",
		Fetch:       n.Fetch,
		Render:      n.Render,
	}
}

func (n *Nearby) notify(kind notify.Kind, msg string) {
	if n.Notifier != nil {
		n.Notifier.Notify(kind, msg)
	}
}

func (n *Nearby) Fetch(ctx context.Context, q layers.Query) ([]any, error) {
	if q.Year < MinConflictYear {
		return []any{}, nil
	}
	events, err := n.API.Events(ctx, q.Year, nearbyPageSize)
	if err != nil {
		return nil, err
	}
	var out []any
	for _, e := range events {
		if n.MaxEvents > 0 && len(out) >= n.MaxEvents {
			break
		}
		if geo.Distance(n.Zone.Center, e.Point) <= n.RadiusKm {
			out = append(out, e)
		}
	}
	logger.L().Info("nearby_fetched", "zone", n.Zone.Name, "year", q.Year, "events", len(out))
	if len(out) == 0 {
		n.notify(notify.Info, "No recent conflicts found near "+n.Zone.Name)
		return []any{}, nil
	}
	n.notify(notify.Success, fmt.Sprintf("Loaded %d conflict %s for %s", len(out), plural(len(out), "event"), n.Zone.Name))
	return out, nil
}

func (n *Nearby) Render(g *mapview.Group, recs []any, rc layers.RenderContext) error {
	events, err := asEvents(recs)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	for _, cl := range geo.ClusterBy(events, eventPos, ConflictClusterRadius) {
		g.AddMarker(mapview.Marker{
			Center:     cl.Center,
			Radius:     clamp(float64(totalDeaths(cl.Members))/5, 6, 25),
			Style:      mapview.Style{Color: nearbyStrokeColor, Weight: 2, Opacity: 0.9, FillColor: nearbyFill, FillOpacity: 0.6},
			HoverStyle: &mapview.Style{Color: nearbyStrokeColor, Weight: 3, Opacity: 0.9, FillColor: nearbyFill, FillOpacity: 0.9},
			Popup:      nearbyPopup(cl.Members, rc.Year),
		})
	}
	g.Legend(mapview.BottomLeft, fmt.Sprintf(`<strong>Conflict Events %d</strong><br>`+
		`<i style="background:%s"></i> %s<br><small>Circle size = deaths<br>Source: UCDP</small>`,
		rc.Year, nearbyFill, html.EscapeString(n.Zone.Name)))
	return nil
}

func nearbyPopup(events []Event, year int) string {
	loc := events[0].Location
	if loc == "" {
		loc = "Unknown"
	}
	s := fmt.Sprintf("<h4>Conflict %s (%d)</h4>", plural(len(events), "Event"), year)
	s += "<strong>Location:</strong> " + html.EscapeString(loc)
	s += fmt.Sprintf("<br><strong>%d Reported Deaths</strong>", totalDeaths(events))
	if len(events) > 1 {
		s += fmt.Sprintf("<br>%d separate events", len(events))
	}
	names := uniqueConflicts(events)
	s += "<br><strong>" + plural(len(names), "Conflict") + ":</strong>" + conflictList(names)
	return s + "<strong>Source:</strong> UCDP Georeferenced Event Dataset<br><strong>Type:</strong> " + html.EscapeString(events[0].Type)
}
