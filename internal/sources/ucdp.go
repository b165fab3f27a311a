// 包 sources：具体数据图层插件（冲突事件、区域冲突、人口、外部 HTTP 数据源）
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"timemap/internal/geo"
	"timemap/internal/logger"
)

const (
	DefaultUCDPBase    = "https://ucdpapi.pcr.uu.se"
	DefaultUCDPVersion = "23.1"
	// UCDP GED 覆盖的最早年份
	MinConflictYear    = 1989
)

// 文档注释：UCDP GED 客户端
// 背景：{base}/api/gedevents/{version}?year=&pagesize= 返回 {"Result":[...]}；冲突与区域冲突图层共用。
// 约束：非 2xx 视为失败；Token 非空时通过 x-ucdp-access-token 头传递。
type UCDP struct {
	BaseURL string
	Version string
	Token   string
	Client  *http.Client
}

func NewUCDP(baseURL, version string) *UCDP {
	if baseURL == "" {
		baseURL = DefaultUCDPBase
	}
	if version == "" {
		version = DefaultUCDPVersion
	}
	return &UCDP{BaseURL: strings.TrimRight(baseURL, "/"), Version: version, Client: &http.Client{Timeout: 20 * time.Second}}
}

type gedEvent struct {
	ID               json.Number `json:"id"`
	DateStart        string      `json:"date_start"`
	WhereCoordinates string      `json:"where_coordinates"`
	WhereDescription string      `json:"where_description"`
	Latitude         float64     `json:"latitude"`
	Longitude        float64     `json:"longitude"`
	DeathsA          int         `json:"deaths_a"`
	DeathsB          int         `json:"deaths_b"`
	DeathsCivilians  int         `json:"deaths_civilians"`
	DeathsUnknown    int         `json:"deaths_unknown"`
	ConflictName     string      `json:"conflict_name"`
	DyadName         string      `json:"dyad_name"`
	TypeOfViolence   int         `json:"type_of_violence"`
	SourceArticle    string      `json:"source_article"`
	Country          string      `json:"country"`
}

// Deaths：按阵营拆分的死亡人数
type Deaths struct {
	SideA     int `json:"sideA"`
	SideB     int `json:"sideB"`
	Civilians int `json:"civilians"`
	Unknown   int `json:"unknown"`
}

// Event：归一化的冲突事件记录
type Event struct {
	ID           string    `json:"id"`
	Date         string    `json:"date"`
	Location     string    `json:"location"`
	Point        geo.Point `json:"point"`
	Deaths       int       `json:"deaths"`
	DeathsDetail Deaths    `json:"deathsDetail"`
	Conflict     string    `json:"conflict"`
	Dyad         string    `json:"dyad"`
	Type         string    `json:"type"`
	Source       string    `json:"source"`
	Country      string    `json:"country"`
}

// 暴力类型标签
const (
	StateBased = "State-based"
	NonState   = "Non-state"
	OneSided   = "One-sided violence"
)

func violenceType(t int) string {
	switch t {
	case 1:
		return StateBased
	case 2:
		return NonState
	}
	return OneSided
}

func normalize(e gedEvent) Event {
	loc := e.WhereCoordinates
	if loc == "" {
		loc = e.WhereDescription
	}
	d := Deaths{SideA: e.DeathsA, SideB: e.DeathsB, Civilians: e.DeathsCivilians, Unknown: e.DeathsUnknown}
	return Event{
		ID:           e.ID.String(),
		Date:         e.DateStart,
		Location:     loc,
		Point:        geo.Point{Lat: e.Latitude, Lon: e.Longitude},
		Deaths:       d.SideA + d.SideB + d.Civilians + d.Unknown,
		DeathsDetail: d,
		Conflict:     e.ConflictName,
		Dyad:         e.DyadName,
		Type:         violenceType(e.TypeOfViolence),
		Source:       e.SourceArticle,
		Country:      e.Country,
	}
}

// 文档注释：按年份拉取事件
// 背景：缺少坐标（0 值）的事件直接丢弃，无法定位到地图上。
func (u *UCDP) Events(ctx context.Context, year, pageSize int) ([]Event, error) {
	q := url.Values{}
	q.Set("year", strconv.Itoa(year))
	q.Set("pagesize", strconv.Itoa(pageSize))
	endpoint := fmt.Sprintf("%s/api/gedevents/%s?%s", u.BaseURL, u.Version, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if u.Token != "" {
		req.Header.Set("x-ucdp-access-token", u.Token)
	}
	resp, err := u.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("UCDP API error: %d", resp.StatusCode)
	}
	var body struct {
		Result []gedEvent `json:"Result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("UCDP API: decode: %w", err)
	}
	out := make([]Event, 0, len(body.Result))
	for _, e := range body.Result {
		if e.Latitude == 0 || e.Longitude == 0 {
			continue
		}
		out = append(out, normalize(e))
	}
	logger.L().Debug("ucdp_events", "year", year, "raw", len(body.Result), "located", len(out))
	return out, nil
}
