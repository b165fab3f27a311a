package layercache

import (
	"strconv"
	"testing"

	"github.com/go-test/deep"
)

func TestKeyFloorsZoom(t *testing.T) {
	if k := Key("conflicts", 1995, 5.9); k != "conflicts_1995_5" {
		t.Fatalf("got %s", k)
	}
	if Key("a", 2000, 3.01) != Key("a", 2000, 3.99) {
		t.Fatal("zoom jitter inside a bucket should share a key")
	}
	if Key("a", 2000, 3.99) == Key("a", 2000, 4.0) {
		t.Fatal("bucket boundary should change the key")
	}
}

func TestPruneIsFIFO(t *testing.T) {
	const n, k = 5, 3
	c := New(n)
	for i := 0; i < n+k; i++ {
		c.Set("k"+strconv.Itoa(i), []any{i})
	}
	// 读取最早条目不影响淘汰顺序
	if _, ok := c.Get("k0"); !ok {
		t.Fatal("k0 should be present before prune")
	}
	if removed := c.Prune(n); removed != k {
		t.Fatalf("want %d removed, got %d", k, removed)
	}
	if c.Len() != n {
		t.Fatalf("want %d entries, got %d", n, c.Len())
	}
	for i := 0; i < k; i++ {
		if _, ok := c.Get("k" + strconv.Itoa(i)); ok {
			t.Fatalf("k%d should have been evicted", i)
		}
	}
	if diff := deep.Equal(c.Keys(), []string{"k3", "k4", "k5", "k6", "k7"}); diff != nil {
		t.Fatal(diff)
	}
}

func TestSetExistingKeepsPosition(t *testing.T) {
	c := New(2)
	c.Set("a", []any{1})
	c.Set("b", []any{2})
	c.Set("a", []any{3})
	c.Set("c", []any{4})
	c.Prune(2)
	if _, ok := c.Get("a"); ok {
		t.Fatal("a was inserted first and should be evicted")
	}
	v, ok := c.Get("b")
	if !ok || v[0] != 2 {
		t.Fatalf("b: %v %v", v, ok)
	}
}

func TestPruneDefaultsAndClear(t *testing.T) {
	c := New(0)
	if c.MaxSize() != DefaultMaxSize {
		t.Fatalf("default max: %d", c.MaxSize())
	}
	for i := 0; i < DefaultMaxSize+1; i++ {
		c.Set(strconv.Itoa(i), nil)
	}
	if c.Prune(0) != 1 {
		t.Fatal("prune with 0 should use the configured maximum")
	}
	c.Clear()
	if c.Len() != 0 || len(c.Keys()) != 0 {
		t.Fatal("clear should empty the cache")
	}
	if _, ok := c.Get("1"); ok {
		t.Fatal("get after clear should miss")
	}
}
