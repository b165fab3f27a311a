package layers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"timemap/internal/geo"
	"timemap/internal/mapview"
	"timemap/internal/notify"
	"timemap/internal/settings"
	"timemap/internal/timectl"

	"github.com/go-test/deep"
)

type fakeLayer struct {
	fetches  atomic.Int32
	cleanups atomic.Int32
	fetchErr error
	renderFn func(g *mapview.Group, recs []any, rc RenderContext) error
	// gate 非空时拉取阻塞，直到从通道收到数据
	gate chan []any
}

func (f *fakeLayer) config(id string) Config {
	return Config{
		Name:   id,
		Source: "test",
		Fetch: func(ctx context.Context, q Query) ([]any, error) {
			f.fetches.Add(1)
			if f.fetchErr != nil {
				return nil, f.fetchErr
			}
			if f.gate != nil {
				return <-f.gate, nil
			}
			return []any{q.Year}, nil
		},
		Render: func(g *mapview.Group, recs []any, rc RenderContext) error {
			if f.renderFn != nil {
				return f.renderFn(g, recs, rc)
			}
			for range recs {
				g.AddMarker(mapview.Marker{Radius: 1})
			}
			return nil
		},
		Cleanup: func() { f.cleanups.Add(1) },
	}
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *mapview.View, *timectl.Slider) {
	t.Helper()
	view := mapview.NewView(geo.Point{}, 3, 0, 0)
	slider := timectl.NewSlider(timectl.YearStart(1995))
	return NewManager(view, slider, opts...), view, slider
}

func mustRegister(t *testing.T, m *Manager, id string, cfg Config) {
	t.Helper()
	if err := m.Register(id, cfg); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterRejectsDuplicatesAndInvalid(t *testing.T) {
	m, _, _ := newTestManager(t)
	f := &fakeLayer{}
	mustRegister(t, m, "a", f.config("a"))
	if err := m.Register("a", f.config("a")); !errors.Is(err, ErrLayerExists) {
		t.Fatalf("want ErrLayerExists, got %v", err)
	}
	if err := m.Register("b", Config{}); !errors.Is(err, ErrInvalidLayer) {
		t.Fatalf("want ErrInvalidLayer, got %v", err)
	}
	all := m.AllLayers()
	want := []Info{{ID: "a", Name: "a", Source: "test", CacheEnabled: true, TimeDependent: true}}
	if diff := deep.Equal(all, want); diff != nil {
		t.Fatal(diff)
	}
}

func TestRegisterHonoursExplicitFlags(t *testing.T) {
	m, _, _ := newTestManager(t)
	cfg := (&fakeLayer{}).config("s")
	cfg.Cache = Bool(false)
	cfg.TimeDependent = Bool(false)
	mustRegister(t, m, "s", cfg)
	in := m.AllLayers()[0]
	if in.CacheEnabled || in.TimeDependent {
		t.Fatalf("flags: %+v", in)
	}
}

func TestEnableUnknownLayer(t *testing.T) {
	m, _, _ := newTestManager(t)
	mustRegister(t, m, "a", (&fakeLayer{}).config("a"))
	if err := m.Enable(context.Background(), "nope"); !errors.Is(err, ErrLayerNotFound) {
		t.Fatalf("want ErrLayerNotFound, got %v", err)
	}
	if len(m.EnabledLayers()) != 0 {
		t.Fatal("enabled set should be unchanged")
	}
}

func TestEnableThenDisable(t *testing.T) {
	ctx := context.Background()
	m, view, _ := newTestManager(t)
	f := &fakeLayer{}
	mustRegister(t, m, "a", f.config("a"))
	if err := m.Enable(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if len(view.Overlays()) != 1 {
		t.Fatalf("want 1 overlay, got %d", len(view.Overlays()))
	}
	if err := m.Enable(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if f.fetches.Load() != 1 {
		t.Fatal("enabling twice should be a no-op")
	}
	if err := m.Disable(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Disable(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if len(view.Overlays()) != 0 {
		t.Fatal("overlay should be removed")
	}
	if _, ok := m.Overlay("a"); ok {
		t.Fatal("active overlay entry should be gone")
	}
	if f.cleanups.Load() != 1 {
		t.Fatalf("cleanup should run once, ran %d", f.cleanups.Load())
	}
	if err := m.Disable(ctx, "ghost"); err != nil {
		t.Fatalf("disable unknown should be a no-op: %v", err)
	}
}

type recordingIndicator struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingIndicator) ShowLoading(id string) {
	r.mu.Lock()
	r.events = append(r.events, "show:"+id)
	r.mu.Unlock()
}

func (r *recordingIndicator) HideLoading(id string) {
	r.mu.Lock()
	r.events = append(r.events, "hide:"+id)
	r.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) Notify(kind notify.Kind, msg string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(kind)+":"+msg)
	r.mu.Unlock()
}

func TestEnableFailureRevertsAndClearsLoading(t *testing.T) {
	ind := &recordingIndicator{}
	note := &recordingNotifier{}
	m, view, _ := newTestManager(t, WithIndicator(ind), WithNotifier(note))
	f := &fakeLayer{fetchErr: errors.New("503 Service Unavailable")}
	mustRegister(t, m, "a", f.config("a"))
	err := m.Enable(context.Background(), "a")
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Layer != "a" {
		t.Fatalf("want FetchError, got %v", err)
	}
	if len(m.EnabledLayers()) != 0 || len(view.Overlays()) != 0 {
		t.Fatal("layer should stay off after a failed enable")
	}
	if diff := deep.Equal(ind.events, []string{"show:a", "hide:a"}); diff != nil {
		t.Fatal(diff)
	}
	if len(note.msgs) != 1 || note.msgs[0] != "error:Error loading a: 503 Service Unavailable" {
		t.Fatalf("notices: %v", note.msgs)
	}
	if m.AllLayers()[0].Loading {
		t.Fatal("loading flag should be cleared")
	}
	// 失败后可安全重试
	f.fetchErr = nil
	if err := m.Enable(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateUsesCache(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	f := &fakeLayer{}
	mustRegister(t, m, "a", f.config("a"))
	if err := m.Enable(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Update(ctx, "a", false); err != nil {
		t.Fatal(err)
	}
	if err := m.Update(ctx, "a", false); err != nil {
		t.Fatal(err)
	}
	if f.fetches.Load() != 1 {
		t.Fatalf("want a single fetch, got %d", f.fetches.Load())
	}
	if err := m.Update(ctx, "a", true); err != nil {
		t.Fatal(err)
	}
	if f.fetches.Load() != 2 {
		t.Fatal("forced refresh should fetch")
	}
	m.ClearCache()
	if m.CacheLen() != 0 {
		t.Fatal("cache should be empty")
	}
	if err := m.Update(ctx, "a", false); err != nil {
		t.Fatal(err)
	}
	if f.fetches.Load() != 3 {
		t.Fatal("update after clear should fetch")
	}
}

func TestUpdateWithoutCacheAlwaysFetches(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	f := &fakeLayer{}
	cfg := f.config("a")
	cfg.Cache = Bool(false)
	mustRegister(t, m, "a", cfg)
	_ = m.Enable(ctx, "a")
	_ = m.Update(ctx, "a", false)
	if f.fetches.Load() != 2 || m.CacheLen() != 0 {
		t.Fatalf("fetches=%d cache=%d", f.fetches.Load(), m.CacheLen())
	}
}

func TestUpdateDisabledOrUnknown(t *testing.T) {
	m, _, _ := newTestManager(t)
	f := &fakeLayer{}
	mustRegister(t, m, "a", f.config("a"))
	if err := m.Update(context.Background(), "a", false); err != nil {
		t.Fatal(err)
	}
	if f.fetches.Load() != 0 {
		t.Fatal("disabled layer should not fetch")
	}
	if err := m.Update(context.Background(), "x", false); err != nil {
		t.Fatalf("unknown should be a no-op: %v", err)
	}
}

func TestFetchFailureKeepsStaleOverlay(t *testing.T) {
	ctx := context.Background()
	m, view, slider := newTestManager(t)
	f := &fakeLayer{}
	mustRegister(t, m, "a", f.config("a"))
	_ = m.Enable(ctx, "a")
	before, _ := m.Overlay("a")
	f.fetchErr = errors.New("timeout")
	slider.SetYear(1996)
	if err := m.Update(ctx, "a", false); err == nil {
		t.Fatal("want error")
	}
	after, _ := m.Overlay("a")
	if after != before || len(view.Overlays()) != 1 {
		t.Fatal("previous overlay should remain displayed")
	}
}

func TestRenderFailureIsContained(t *testing.T) {
	ctx := context.Background()
	m, view, slider := newTestManager(t)
	f := &fakeLayer{}
	mustRegister(t, m, "a", f.config("a"))
	_ = m.Enable(ctx, "a")
	before, _ := m.Overlay("a")
	f.renderFn = func(*mapview.Group, []any, RenderContext) error { panic("bad marker") }
	slider.SetYear(1997)
	err := m.Update(ctx, "a", false)
	var re *RenderError
	if !errors.As(err, &re) {
		t.Fatalf("want RenderError, got %v", err)
	}
	after, _ := m.Overlay("a")
	if after != before || len(view.Overlays()) != 1 {
		t.Fatal("failed render should keep the previous overlay")
	}
}

func TestRepeatedRenderReplacesOverlay(t *testing.T) {
	ctx := context.Background()
	m, view, _ := newTestManager(t)
	mustRegister(t, m, "a", (&fakeLayer{}).config("a"))
	_ = m.Enable(ctx, "a")
	for i := 0; i < 5; i++ {
		if err := m.RenderLayer("a", []any{i, i}); err != nil {
			t.Fatal(err)
		}
	}
	ov := view.Overlays()
	if len(ov) != 1 || ov[0].Len() != 2 {
		t.Fatalf("want one overlay with 2 markers, got %d overlays", len(ov))
	}
	if err := m.RenderLayer("zzz", nil); !errors.Is(err, ErrLayerNotFound) {
		t.Fatal(err)
	}
}

func TestOnTimeChangeIndependentFailures(t *testing.T) {
	ctx := context.Background()
	m, view, slider := newTestManager(t)
	good1, good2, bad := &fakeLayer{}, &fakeLayer{}, &fakeLayer{}
	static := &fakeLayer{}
	mustRegister(t, m, "g1", good1.config("g1"))
	mustRegister(t, m, "bad", bad.config("bad"))
	mustRegister(t, m, "g2", good2.config("g2"))
	sc := static.config("static")
	sc.TimeDependent = Bool(false)
	mustRegister(t, m, "static", sc)
	for _, id := range []string{"g1", "bad", "g2", "static"} {
		if err := m.Enable(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	bad.fetchErr = errors.New("unreachable")
	slider.SetYear(2001)
	err := m.OnTimeChange(ctx)
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Layer != "bad" {
		t.Fatalf("want bad layer failure, got %v", err)
	}
	for _, id := range []string{"g1", "g2"} {
		g, ok := m.Overlay(id)
		if !ok || len(g.Markers) != 1 {
			t.Fatalf("%s should be rendered", id)
		}
	}
	if good1.fetches.Load() != 2 || good2.fetches.Load() != 2 {
		t.Fatal("good layers should refetch for the new year")
	}
	if static.fetches.Load() != 1 {
		t.Fatal("time-independent layer should not update on time change")
	}
	if len(view.Overlays()) != 4 {
		t.Fatalf("overlays: %d", len(view.Overlays()))
	}
}

func TestAttachSubscribesToSliderAndView(t *testing.T) {
	ctx := context.Background()
	m, view, slider := newTestManager(t)
	f := &fakeLayer{}
	mustRegister(t, m, "a", f.config("a"))
	_ = m.Enable(ctx, "a")
	detach := m.Attach(ctx, slider, view)
	slider.SetYear(2005)
	if f.fetches.Load() != 2 {
		t.Fatalf("time change should trigger fetch, got %d", f.fetches.Load())
	}
	view.SetView(geo.Point{Lat: 1, Lon: 1}, 3.5)
	if f.fetches.Load() != 2 {
		t.Fatal("view change inside the zoom bucket should hit the cache")
	}
	view.SetView(geo.Point{}, 6)
	if f.fetches.Load() != 3 {
		t.Fatal("new zoom bucket should fetch")
	}
	detach()
	slider.SetYear(2006)
	if f.fetches.Load() != 3 {
		t.Fatal("detached manager should not react")
	}
}

func TestStaleResultsAreDiscarded(t *testing.T) {
	ctx := context.Background()
	m, _, slider := newTestManager(t)
	f := &fakeLayer{}
	mustRegister(t, m, "a", f.config("a"))
	_ = m.Enable(ctx, "a")
	f.gate = make(chan []any)

	slider.SetYear(2000)
	slowDone := make(chan error)
	go func() { slowDone <- m.Update(ctx, "a", false) }()
	// 等待慢请求进入拉取
	for f.fetches.Load() < 2 {
	}
	slider.SetYear(2001)
	fastDone := make(chan error)
	go func() { fastDone <- m.Update(ctx, "a", false) }()
	for f.fetches.Load() < 3 {
	}
	f.gate <- []any{"new", "new", "new"}
	if err := <-fastDone; err != nil {
		t.Fatal(err)
	}
	f.gate <- []any{"old"}
	if err := <-slowDone; err != nil {
		t.Fatal(err)
	}
	g, _ := m.Overlay("a")
	if len(g.Markers) != 3 {
		t.Fatalf("late stale result overwrote the newer render: %d markers", len(g.Markers))
	}
	// 过期结果仍按其年份写入缓存
	if m.CacheLen() != 3 {
		t.Fatalf("cache entries: %d", m.CacheLen())
	}
}

func TestLateResultAfterDisableIsNotRendered(t *testing.T) {
	ctx := context.Background()
	m, view, _ := newTestManager(t)
	f := &fakeLayer{}
	mustRegister(t, m, "a", f.config("a"))
	_ = m.Enable(ctx, "a")
	f.gate = make(chan []any)
	done := make(chan error)
	go func() { done <- m.Update(ctx, "a", true) }()
	for f.fetches.Load() < 2 {
	}
	if err := m.Disable(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	f.gate <- []any{1}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if len(view.Overlays()) != 0 {
		t.Fatal("disabled layer must not be re-rendered by a late result")
	}
}

func TestRenderLayerSkipsDisabledLayer(t *testing.T) {
	ctx := context.Background()
	m, view, _ := newTestManager(t)
	f := &fakeLayer{}
	mustRegister(t, m, "a", f.config("a"))
	if err := m.RenderLayer("a", []any{1}); err != nil {
		t.Fatal(err)
	}
	if len(view.Overlays()) != 0 {
		t.Fatal("disabled layer must not be put on the map")
	}
	if err := m.Disable(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if len(view.Overlays()) != 0 || f.cleanups.Load() != 0 {
		t.Fatalf("overlays=%d cleanups=%d", len(view.Overlays()), f.cleanups.Load())
	}
}

func TestEnableRacedByDisableEndsDisabled(t *testing.T) {
	ctx := context.Background()
	store := settings.NewMemory()
	m, view, _ := newTestManager(t, WithSettings(store))
	f := &fakeLayer{gate: make(chan []any)}
	mustRegister(t, m, "a", f.config("a"))
	done := make(chan error)
	go func() { done <- m.Enable(ctx, "a") }()
	for f.fetches.Load() < 1 {
	}
	if err := m.Disable(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	_ = store.Set(ctx, enabledKey, "untouched")
	f.gate <- []any{1}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if len(m.EnabledLayers()) != 0 || len(view.Overlays()) != 0 {
		t.Fatal("layer disabled during enable must stay disabled and off the map")
	}
	if v, _, _ := store.Get(ctx, enabledKey); v != "untouched" {
		t.Fatalf("superseded enable should not persist, got %q", v)
	}
}

type staticLookup struct{ year int }

func (s staticLookup) Year() int                            { return s.year }
func (s staticLookup) Feature(string) (*geo.Feature, bool) { return nil, false }
func (s staticLookup) Features() []*geo.Feature            { return nil }

func TestBoundariesInjectedOnlyWhenDeclared(t *testing.T) {
	ctx := context.Background()
	lookup := staticLookup{year: 1995}
	m, _, _ := newTestManager(t, WithBoundaries(func() geo.BoundaryLookup { return lookup }))
	var seen []geo.BoundaryLookup
	mk := func(id string, uses bool) {
		f := &fakeLayer{renderFn: func(g *mapview.Group, recs []any, rc RenderContext) error {
			seen = append(seen, rc.Boundaries)
			return nil
		}}
		cfg := f.config(id)
		cfg.UsesBoundaries = uses
		mustRegister(t, m, id, cfg)
	}
	mk("plain", false)
	mk("pop", true)
	_ = m.Enable(ctx, "plain")
	_ = m.Enable(ctx, "pop")
	if len(seen) != 2 || seen[0] != nil || seen[1] != lookup {
		t.Fatalf("boundary injection: %v", seen)
	}
}

func TestEnabledSetPersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	store := settings.NewMemory()
	m, _, _ := newTestManager(t, WithSettings(store))
	mustRegister(t, m, "a", (&fakeLayer{}).config("a"))
	mustRegister(t, m, "b", (&fakeLayer{}).config("b"))
	_ = m.Enable(ctx, "b")
	_ = m.Enable(ctx, "a")
	_ = m.Disable(ctx, "b")
	v, ok, _ := store.Get(ctx, enabledKey)
	if !ok || v != `["a"]` {
		t.Fatalf("persisted: %q", v)
	}
	_ = store.Set(ctx, enabledKey, `["b","gone"]`)

	m2, view2, _ := newTestManager(t, WithSettings(store))
	mustRegister(t, m2, "a", (&fakeLayer{}).config("a"))
	mustRegister(t, m2, "b", (&fakeLayer{}).config("b"))
	if err := m2.RestoreEnabled(ctx); err != nil {
		t.Fatal(err)
	}
	en := m2.EnabledLayers()
	if len(en) != 1 || en[0].ID != "b" || len(view2.Overlays()) != 1 {
		t.Fatalf("restored: %+v", en)
	}
}
