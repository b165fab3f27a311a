// 包 api：集中注册 HTTP API 路由，向宿主（设置面板、地图前端）暴露图层注册表与时间轴/视图操作
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"timemap/internal/boundary"
	"timemap/internal/geo"
	"timemap/internal/layers"
	"timemap/internal/locate"
	"timemap/internal/logger"
	"timemap/internal/mapview"
	"timemap/internal/middleware"
	"timemap/internal/notify"
	"timemap/internal/sources"
	"timemap/internal/timectl"
)

// Locator：按 IP 定位（可为空）
type Locator interface {
	Lookup(ip string) (locate.Place, bool)
}

// Deps：路由依赖
type Deps struct {
	Layers       *layers.Manager
	Boundaries   *boundary.Overlay
	Slider       *timectl.Slider
	View         *mapview.View
	Notices      *notify.Center
	Locator      Locator
	Health       *sources.HealthMonitor
	RealIPHeader string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// 文档注释：错误到状态码的映射
// 约束：未知图层 404；拉取/渲染失败 502（远端或插件问题，调用方可重试）；参数错误 400；其余 500。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var fe *layers.FetchError
	var re *layers.RenderError
	switch {
	case errors.Is(err, layers.ErrLayerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, layers.ErrInvalidLayer), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.As(err, &fe), errors.As(err, &re):
		status = http.StatusBadGateway
	}
	if status >= 500 {
		logger.L().Error("api_error", "status", status, "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("bad request")

func floatParam(r *http.Request, name string) (float64, error) {
	v, err := strconv.ParseFloat(r.URL.Query().Get(name), 64)
	if err != nil {
		return 0, errors.Join(errBadRequest, errors.New("invalid "+name))
	}
	return v, nil
}

type timeState struct {
	Time time.Time `json:"time"`
	Year int       `json:"year"`
}

type viewState struct {
	Center geo.Point  `json:"center"`
	Zoom   float64    `json:"zoom"`
	Bounds geo.Bounds `json:"bounds"`
}

type boundaryState struct {
	Enabled bool   `json:"enabled"`
	State   string `json:"state"`
	Year    int    `json:"year"`
	MinYear int    `json:"minYear"`
}

type regionInfo struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
	Year   int    `json:"year"`
}

// 构建并返回 API 路由：独立 ServeMux 便于在主入口挂载到 API 前缀
func BuildRoutes(d Deps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /layers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Layers.AllLayers())
	})
	mux.HandleFunc("GET /layers/enabled", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, nonNil(d.Layers.EnabledLayers()))
	})
	mux.HandleFunc("POST /layers/{id}/enable", func(w http.ResponseWriter, r *http.Request) {
		if err := d.Layers.Enable(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /layers/{id}/disable", func(w http.ResponseWriter, r *http.Request) {
		if err := d.Layers.Disable(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /layers/{id}/update", func(w http.ResponseWriter, r *http.Request) {
		force := r.URL.Query().Get("force") == "true"
		if err := d.Layers.Update(r.Context(), r.PathValue("id"), force); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	// 背景：boundaries=true 时一并清空边界缓存
	mux.HandleFunc("DELETE /cache", func(w http.ResponseWriter, r *http.Request) {
		d.Layers.ClearCache()
		if r.URL.Query().Get("boundaries") == "true" && d.Boundaries != nil {
			d.Boundaries.ClearCache()
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /time", func(w http.ResponseWriter, r *http.Request) {
		t := d.Slider.Now()
		writeJSON(w, http.StatusOK, timeState{Time: t, Year: t.Year()})
	})
	// 订阅者同步执行，响应返回时各图层已完成本次更新
	mux.HandleFunc("POST /time", func(w http.ResponseWriter, r *http.Request) {
		year, err := strconv.Atoi(r.URL.Query().Get("year"))
		if err != nil || year < 1 || year > 9999 {
			writeError(w, errors.Join(errBadRequest, errors.New("invalid year")))
			return
		}
		d.Slider.SetYear(year)
		t := d.Slider.Now()
		writeJSON(w, http.StatusOK, timeState{Time: t, Year: t.Year()})
	})

	mux.HandleFunc("GET /view", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, viewState{Center: d.View.Center(), Zoom: d.View.Zoom(), Bounds: d.View.Bounds()})
	})
	mux.HandleFunc("POST /view", func(w http.ResponseWriter, r *http.Request) {
		lat, err := floatParam(r, "lat")
		if err != nil {
			writeError(w, err)
			return
		}
		lon, err := floatParam(r, "lon")
		if err != nil {
			writeError(w, err)
			return
		}
		zoom := d.View.Zoom()
		if r.URL.Query().Has("zoom") {
			if zoom, err = floatParam(r, "zoom"); err != nil {
				writeError(w, err)
				return
			}
		}
		d.View.SetView(geo.Point{Lat: lat, Lon: lon}, zoom)
		writeJSON(w, http.StatusOK, viewState{Center: d.View.Center(), Zoom: d.View.Zoom(), Bounds: d.View.Bounds()})
	})
	mux.HandleFunc("GET /view/locate", func(w http.ResponseWriter, r *http.Request) {
		ip := r.URL.Query().Get("ip")
		if ip == "" {
			if addr := middleware.ClientIP(r, d.RealIPHeader); addr != nil {
				ip = addr.String()
			}
		}
		if d.Locator == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "geoip disabled"})
			return
		}
		p, ok := d.Locator.Lookup(ip)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "location unknown", "ip": ip})
			return
		}
		writeJSON(w, http.StatusOK, p)
	})
	mux.HandleFunc("GET /overlays", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, nonNil(d.View.Overlays()))
	})

	if d.Boundaries != nil {
		state := func() boundaryState {
			st, y := d.Boundaries.State()
			return boundaryState{Enabled: d.Boundaries.Enabled(), State: st.String(), Year: y, MinYear: d.Boundaries.MinYear()}
		}
		mux.HandleFunc("GET /boundaries", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, state())
		})
		mux.HandleFunc("POST /boundaries/enable", func(w http.ResponseWriter, r *http.Request) {
			if err := d.Boundaries.Enable(r.Context()); err != nil {
				logger.L().Error("api_boundary_enable_error", "err", err)
				writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, state())
		})
		mux.HandleFunc("POST /boundaries/disable", func(w http.ResponseWriter, r *http.Request) {
			d.Boundaries.Disable()
			writeJSON(w, http.StatusOK, state())
		})
		mux.HandleFunc("GET /boundaries/at", func(w http.ResponseWriter, r *http.Request) {
			lat, err := floatParam(r, "lat")
			if err != nil {
				writeError(w, err)
				return
			}
			lon, err := floatParam(r, "lon")
			if err != nil {
				writeError(w, err)
				return
			}
			f, ok := d.Boundaries.FeatureAt(geo.Point{Lat: lat, Lon: lon})
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "no region at point"})
				return
			}
			_, y := d.Boundaries.State()
			writeJSON(w, http.StatusOK, regionInfo{Code: f.Code(), Name: f.Name(), Status: f.Status(), Year: y})
		})
		mux.HandleFunc("POST /boundaries/focus", func(w http.ResponseWriter, r *http.Request) {
			if !d.Boundaries.Focus(r.URL.Query().Get("code")) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown code"})
				return
			}
			writeJSON(w, http.StatusOK, viewState{Center: d.View.Center(), Zoom: d.View.Zoom(), Bounds: d.View.Bounds()})
		})
	}

	if d.Health != nil {
		mux.HandleFunc("GET /sources/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, d.Health.Status())
		})
	}

	if d.Notices != nil {
		mux.HandleFunc("GET /notices", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, nonNil(d.Notices.Active()))
		})
		mux.HandleFunc("DELETE /notices/{id}", func(w http.ResponseWriter, r *http.Request) {
			if !d.Notices.Dismiss(r.PathValue("id")) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
	return mux
}

// nonNil：空切片编码为 [] 而非 null
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
