package boundary

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"timemap/internal/geo"
	"timemap/internal/mapview"
	"timemap/internal/notify"
	"timemap/internal/timectl"

	"github.com/go-spatial/geom"
	"github.com/go-test/deep"
)

const sampleGeoJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"a","properties":{"name":"Alpha","iso_a3":"ALP","status":"sovereign"},
 "geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}},
{"type":"Feature","id":"b","properties":{"NAME":"Beta","iso3":"BET"},
 "geometry":{"type":"Polygon","coordinates":[[[20,20],[30,20],[30,30],[20,30],[20,20]]]}}
]}`

type fakeFetcher struct {
	mu    sync.Mutex
	dates []string
	err   error
	// body 非空时替代样例数据返回
	body string
}

func (f *fakeFetcher) Fetch(_ context.Context, date string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dates = append(f.dates, date)
	if f.err != nil {
		return nil, f.err
	}
	if f.body != "" {
		return []byte(f.body), nil
	}
	return []byte(sampleGeoJSON), nil
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dates)
}

type notices struct {
	mu   sync.Mutex
	list []notify.Kind
}

func (n *notices) Notify(kind notify.Kind, _ string) {
	n.mu.Lock()
	n.list = append(n.list, kind)
	n.mu.Unlock()
}

func setup(t *testing.T, year int) (*Overlay, *fakeFetcher, *mapview.View, *timectl.Slider, *notices) {
	t.Helper()
	f := &fakeFetcher{}
	view := mapview.NewView(geo.Point{}, 2, 0, 0)
	slider := timectl.NewSlider(timectl.YearStart(year))
	n := &notices{}
	return NewOverlay(f, view, slider, WithNotifier(n)), f, view, slider, n
}

func TestEnableRendersAndPublishes(t *testing.T) {
	o, f, view, _, _ := setup(t, 1990)
	if o.Lookup() != nil {
		t.Fatal("lookup should be nil before loading")
	}
	if err := o.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(f.dates, []string{"1990-01-01"}); diff != nil {
		t.Fatal(diff)
	}
	st, year := o.State()
	if st != Rendered || year != 1990 {
		t.Fatalf("state %v %d", st, year)
	}
	if len(view.Overlays()) != 1 || len(o.Group().Regions) != 2 {
		t.Fatal("expected one overlay with two regions")
	}
	lk := o.Lookup()
	if lk == nil || lk.Year() != 1990 {
		t.Fatal("lookup not published")
	}
	if ft, ok := lk.Feature("bet"); !ok || ft.Name() != "Beta" {
		t.Fatal("feature lookup by code failed")
	}
	r := o.Group().Regions[0]
	if r.Style != DefaultStyle || r.HoverStyle == nil || *r.HoverStyle != HoverStyle {
		t.Fatalf("styles: %+v", r)
	}
	if *r.Focus != (geom.Extent{0, 0, 10, 10}) {
		t.Fatalf("focus %v", *r.Focus)
	}
	for _, want := range []string{"Alpha", "Code: ALP", "Status: sovereign", "As of 1990"} {
		if !strings.Contains(r.Popup, want) {
			t.Fatalf("popup %q missing %q", r.Popup, want)
		}
	}
}

func TestUnsupportedYearDoesNotFetch(t *testing.T) {
	ctx := context.Background()
	o, f, view, _, n := setup(t, 2000)
	if err := o.Enable(ctx); err != nil {
		t.Fatal(err)
	}
	before := o.Group()
	if err := o.LoadBoundaries(ctx, 1900); err != nil {
		t.Fatal(err)
	}
	if f.calls() != 1 {
		t.Fatalf("fetches: %d", f.calls())
	}
	if o.Group() != before || len(view.Overlays()) != 1 {
		t.Fatal("overlay should be unchanged")
	}
	if diff := deep.Equal(n.list, []notify.Kind{notify.Info}); diff != nil {
		t.Fatal(diff)
	}
}

func TestEnableBeforeMinYearStaysIdle(t *testing.T) {
	ctx := context.Background()
	o, f, _, slider, _ := setup(t, 1900)
	o.Attach(ctx, slider)
	if err := o.Enable(ctx); err != nil {
		t.Fatal(err)
	}
	if st, _ := o.State(); st != Disabled || f.calls() != 0 {
		t.Fatal("nothing should load before the minimum year")
	}
	slider.SetYear(1950)
	if st, y := o.State(); st != Rendered || y != 1950 {
		t.Fatalf("time change should load boundaries: %v %d", st, y)
	}
}

func TestCacheHitAndFailedRefresh(t *testing.T) {
	ctx := context.Background()
	o, f, view, _, n := setup(t, 1990)
	_ = o.Enable(ctx)
	if err := o.LoadBoundaries(ctx, 1990); err != nil {
		t.Fatal(err)
	}
	if f.calls() != 1 {
		t.Fatal("second load should hit the cache")
	}
	before := o.Group()
	f.err = errors.New("502 Bad Gateway")
	if err := o.LoadBoundaries(ctx, 1991); err == nil {
		t.Fatal("want error")
	}
	if o.Group() != before || len(view.Overlays()) != 1 {
		t.Fatal("failed refresh should keep the previous overlay")
	}
	if st, y := o.State(); st != Rendered || y != 1990 {
		t.Fatalf("state after failure: %v %d", st, y)
	}
	if n.list[len(n.list)-1] != notify.Error {
		t.Fatal("want error notice")
	}
}

func TestEnableFailureReverts(t *testing.T) {
	o, f, _, _, _ := setup(t, 1990)
	f.err = errors.New("boom")
	if err := o.Enable(context.Background()); err == nil {
		t.Fatal("want error")
	}
	if o.Enabled() {
		t.Fatal("overlay should remain disabled")
	}
	if st, _ := o.State(); st != Disabled {
		t.Fatal("state should be disabled")
	}
}

func TestDisableKeepsCache(t *testing.T) {
	ctx := context.Background()
	o, f, view, slider, _ := setup(t, 1990)
	detach := o.Attach(ctx, slider)
	defer detach()
	_ = o.Enable(ctx)
	o.Disable()
	if len(view.Overlays()) != 0 || o.Lookup() != nil {
		t.Fatal("disable should remove overlay and lookup")
	}
	slider.SetYear(1995)
	if f.calls() != 1 {
		t.Fatal("disabled overlay should ignore time changes")
	}
	slider.SetYear(1990)
	if err := o.Enable(ctx); err != nil {
		t.Fatal(err)
	}
	if f.calls() != 1 || o.CacheLen() != 1 {
		t.Fatal("re-enable should be served from cache")
	}
	o.ClearCache()
	if o.CacheLen() != 0 {
		t.Fatal("cache should be empty")
	}
}

func TestFocusFitsView(t *testing.T) {
	o, _, view, _, _ := setup(t, 1990)
	if o.Focus("ALP") {
		t.Fatal("focus before load should fail")
	}
	_ = o.Enable(context.Background())
	if !o.Focus("ALP") {
		t.Fatal("focus failed")
	}
	c := view.Center()
	if c.Lat != 5 || c.Lon != 5 {
		t.Fatalf("center %+v", c)
	}
	if o.Focus("XXX") {
		t.Fatal("unknown code should not focus")
	}
}

func TestThenmapFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/world-2/1990-01-01/data.geojson" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(sampleGeoJSON))
	}))
	defer srv.Close()
	tm := NewThenmap(srv.URL+"/", "")
	b, err := tm.Fetch(context.Background(), Date(1990))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := geo.ParseFeatureCollection(b); err != nil {
		t.Fatal(err)
	}
	if _, err := tm.Fetch(context.Background(), "1800-01-01"); err == nil {
		t.Fatal("non-2xx should fail")
	}
	rc := &RedisCache{Next: tm}
	if _, err := rc.Fetch(context.Background(), Date(1990)); err != nil {
		t.Fatal("nil client should pass through:", err)
	}
	if rc.key("1990-01-01") != "boundary:world-2:1990-01-01" {
		t.Fatal(rc.key("1990-01-01"))
	}
}
