package locate

import (
	"path/filepath"
	"testing"
)

func TestOpenMissingDatabase(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "none.mmdb")); err == nil {
		t.Fatal("want error for a missing database")
	}
}

func TestNilLocatorMisses(t *testing.T) {
	var l *Locator
	if _, ok := l.Center("8.8.8.8"); ok {
		t.Fatal("nil locator should not resolve")
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}
