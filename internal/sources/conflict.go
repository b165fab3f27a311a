package sources

import (
	"context"
	"fmt"
	"html"

	"timemap/internal/geo"
	"timemap/internal/layers"
	"timemap/internal/logger"
	"timemap/internal/mapview"
)

const (
	ConflictLayerID       = "conflicts"
	// 聚合半径（度），赤道处约 55km
	ConflictClusterRadius = 0.5
	conflictPageSize      = 10000
)

var conflictColors = map[string]string{
	StateBased: "#dc3545",
	NonState:   "#fd7e14",
	OneSided:   "#6f42c1",
}

// ConflictColor：按暴力类型取色，未知类型为灰色
func ConflictColor(kind string) string {
	if c, ok := conflictColors[kind]; ok {
		return c
	}
	return "#6c757d"
}

const conflictLegend = `<strong>Conflict Events</strong><br>` +
	`<i style="background:#dc3545"></i> State-based<br>` +
	`<i style="background:#fd7e14"></i> Non-state<br>` +
	`<i style="background:#6f42c1"></i> One-sided<br>` +
	`<small>Circle size = deaths</small>`

// 文档注释：冲突事件图层（UCDP GED）
// 背景：按年份拉取全球事件，仅保留当前视口内的事件；相邻事件按 0.5° 聚合为圆点，半径随死亡人数增长。
// 约束：1989 年之前无数据，直接返回空结果并在地图上提示。
type Conflict struct {
	API *UCDP
}

func NewConflict(api *UCDP) *Conflict { return &Conflict{API: api} }

func (c *Conflict) Config() layers.Config {
	return layers.Config{
		ID:          ConflictLayerID,
		Name:        "Conflict Events",
		Description: "Armed conflict events from UCDP (1989-present)",
		Source:      "Uppsala Conflict Data Program",
		Fetch:       c.Fetch,
		Render:      c.Render,
	}
}

func (c *Conflict) Fetch(ctx context.Context, q layers.Query) ([]any, error) {
	if q.Year < MinConflictYear {
		logger.L().Warn("conflict_year_unsupported", "year", q.Year)
		return []any{}, nil
	}
	events, err := c.API.Events(ctx, q.Year, conflictPageSize)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(events))
	for _, e := range events {
		if q.Bounds != (geo.Bounds{}) && !q.Bounds.Contains(e.Point) {
			continue
		}
		out = append(out, e)
	}
	logger.L().Info("conflict_fetched", "year", q.Year, "events", len(events), "visible", len(out))
	return out, nil
}

func (c *Conflict) Render(g *mapview.Group, recs []any, _ layers.RenderContext) error {
	events, err := asEvents(recs)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		g.AddControl(noticeControl("No conflict data for this time period"))
		return nil
	}
	for _, cl := range geo.ClusterBy(events, eventPos, ConflictClusterRadius) {
		deaths := totalDeaths(cl.Members)
		g.AddMarker(mapview.Marker{
			Center:     cl.Center,
			Radius:     clamp(float64(deaths)/5, 5, 30),
			Style:      mapview.Style{Color: "#000", Weight: 1, Opacity: 0.8, FillColor: ConflictColor(cl.Members[0].Type), FillOpacity: 0.6},
			HoverStyle: &mapview.Style{Color: "#000", Weight: 2, Opacity: 0.8, FillColor: ConflictColor(cl.Members[0].Type), FillOpacity: 0.9},
			Popup:      conflictPopup(cl.Members),
		})
	}
	g.Legend(mapview.BottomRight, conflictLegend)
	return nil
}

func conflictPopup(events []Event) string {
	first := events[0]
	s := fmt.Sprintf("<h4>Conflict %s</h4>", plural(len(events), "Event"))
	s += "<strong>Location:</strong> " + html.EscapeString(first.Location) + "<br>"
	s += "<strong>Date:</strong> " + html.EscapeString(first.Date)
	if len(events) > 1 {
		s += fmt.Sprintf(" (+%d more)", len(events)-1)
	}
	s += fmt.Sprintf("<br><strong>Total Deaths: %d</strong>", totalDeaths(events))
	names := uniqueConflicts(events)
	s += "<br><strong>" + plural(len(names), "Conflict") + ":</strong>" + conflictList(names)
	s += "<strong>Type:</strong> " + html.EscapeString(first.Type) + "<br><strong>Source:</strong> UCDP GED"
	return s
}

func asEvents(recs []any) ([]Event, error) {
	out := make([]Event, 0, len(recs))
	for i, r := range recs {
		e, ok := r.(Event)
		if !ok {
			return nil, fmt.Errorf("record %d: unexpected type %T", i, r)
		}
		out = append(out, e)
	}
	return out, nil
}
