package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"timemap/internal/layers"
	"timemap/internal/logger"
	"timemap/internal/mapview"
)

const (
	PopulationLayerID    = "population"
	DefaultWorldBankBase = "https://api.worldbank.org"
	populationIndicator  = "SP.POP.TOTL"
	populationPerPage    = 300
)

// CountryPopulation：某国某年的总人口
type CountryPopulation struct {
	Country    string  `json:"country"`
	Code       string  `json:"countryCode"`
	Population float64 `json:"population"`
	Year       string  `json:"year"`
}

// 文档注释：世界银行指标客户端
// 背景：{base}/v2/country/all/indicator/{id}?date=&format=json&per_page= 返回 [元数据, 数据]。
type WorldBank struct {
	BaseURL string
	Client  *http.Client
}

func NewWorldBank(baseURL string) *WorldBank {
	if baseURL == "" {
		baseURL = DefaultWorldBankBase
	}
	return &WorldBank{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{Timeout: 20 * time.Second}}
}

type wbRecord struct {
	Country struct {
		Value string `json:"value"`
	} `json:"country"`
	CountryISO3 string   `json:"countryiso3code"`
	Value       *float64 `json:"value"`
	Date        string   `json:"date"`
}

// 文档注释：按年份拉取各国人口
// 约束：丢弃空值与非正值；结果为空视为失败（该年份无数据）。
func (w *WorldBank) Population(ctx context.Context, year int) ([]CountryPopulation, error) {
	q := url.Values{}
	q.Set("date", strconv.Itoa(year))
	q.Set("format", "json")
	q.Set("per_page", strconv.Itoa(populationPerPage))
	endpoint := fmt.Sprintf("%s/v2/country/all/indicator/%s?%s", w.BaseURL, populationIndicator, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("World Bank API error: %d", resp.StatusCode)
	}
	var parts []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&parts); err != nil {
		return nil, fmt.Errorf("World Bank API: decode: %w", err)
	}
	var recs []wbRecord
	if len(parts) > 1 {
		if err := json.Unmarshal(parts[1], &recs); err != nil {
			return nil, fmt.Errorf("World Bank API: decode data: %w", err)
		}
	}
	out := make([]CountryPopulation, 0, len(recs))
	for _, r := range recs {
		if r.Value == nil || *r.Value <= 0 {
			continue
		}
		out = append(out, CountryPopulation{Country: r.Country.Value, Code: r.CountryISO3, Population: *r.Value, Year: r.Date})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no population data available for year %d", year)
	}
	return out, nil
}

// PopulationColor：人口分级配色（由浅到深的蓝）
func PopulationColor(p float64) string {
	switch {
	case p > 500_000_000:
		return "#08306b"
	case p > 100_000_000:
		return "#08519c"
	case p > 50_000_000:
		return "#3182bd"
	case p > 10_000_000:
		return "#6baed6"
	case p > 1_000_000:
		return "#9ecae1"
	}
	return "#c6dbef"
}

// PopulationOpacity：按相对最大值线性映射到 0.3–0.8
func PopulationOpacity(p, max float64) float64 {
	if max <= 0 {
		return 0.3
	}
	return 0.3 + p/max*0.5
}

var populationGrades = []float64{0, 1e6, 1e7, 5e7, 1e8, 5e8}

func populationLegend() string {
	var b strings.Builder
	b.WriteString("<strong>Population</strong>")
	for i, from := range populationGrades {
		// 与原配色一致：以区间下界（严格大于）取色
		b.WriteString(fmt.Sprintf(`<br><i style="background:%s"></i> %.0fM`, PopulationColor(from), from/1e6))
		if i+1 < len(populationGrades) {
			b.WriteString(fmt.Sprintf("&ndash;%.0fM", populationGrades[i+1]/1e6))
		} else {
			b.WriteString("+")
		}
	}
	return b.String()
}

var errNoBoundaries = errors.New("no boundary layer available")

// 文档注释：人口分级设色图层
// 背景：几何来自历史边界图层发布的快照（按 ISO3 代码匹配），本图层只负责配色与弹窗；无边界时不绘制。
// 约束：声明 UsesBoundaries；未匹配到人口数据的国家以近透明样式绘制。
type Population struct {
	API *WorldBank
}

func NewPopulation(api *WorldBank) *Population { return &Population{API: api} }

func (p *Population) Config() layers.Config {
	return layers.Config{
		ID:             PopulationLayerID,
		Name:           "Population",
		Description:    "Country population data from World Bank (1960-present)",
		Source:         "World Bank",
		UsesBoundaries: true,
		Fetch:          p.Fetch,
		Render:         p.Render,
	}
}

func (p *Population) Fetch(ctx context.Context, q layers.Query) ([]any, error) {
	data, err := p.API.Population(ctx, q.Year)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(data))
	for i, d := range data {
		out[i] = d
	}
	logger.L().Info("population_fetched", "year", q.Year, "countries", len(out))
	return out, nil
}

func (p *Population) Render(g *mapview.Group, recs []any, rc layers.RenderContext) error {
	if rc.Boundaries == nil {
		logger.L().Warn("population_render_skipped", "reason", errNoBoundaries.Error())
		g.AddControl(noticeControl("Enable historical boundaries to display population"))
		return nil
	}
	byCode := make(map[string]CountryPopulation, len(recs))
	max := 0.0
	for i, r := range recs {
		cp, ok := r.(CountryPopulation)
		if !ok {
			return fmt.Errorf("record %d: unexpected type %T", i, r)
		}
		byCode[strings.ToUpper(cp.Code)] = cp
		max = math.Max(max, cp.Population)
	}
	for _, f := range rc.Boundaries.Features() {
		code := strings.ToUpper(f.Code())
		reg := mapview.Region{Code: code, Name: f.Name(), Geometry: f.Geometry}
		if cp, ok := byCode[code]; ok && code != "" {
			reg.Style = mapview.Style{Color: "#333", Weight: 1, Opacity: 1, FillColor: PopulationColor(cp.Population), FillOpacity: PopulationOpacity(cp.Population, max)}
			reg.Popup = fmt.Sprintf("<h4>%s</h4><strong>%s</strong><br><small>Population (%s)</small>",
				html.EscapeString(cp.Country), thousands(int64(cp.Population)), html.EscapeString(cp.Year))
		} else {
			reg.Style = mapview.Style{Color: "#999", Weight: 1, Opacity: 1, FillOpacity: 0.05}
		}
		g.AddRegion(reg)
	}
	g.Legend(mapview.BottomRight, populationLegend())
	return nil
}
