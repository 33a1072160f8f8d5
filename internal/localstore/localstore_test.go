package localstore

import (
	"path/filepath"
	"testing"
)

func TestFileKVRoundTrip(t *testing.T) {
	kv := NewFileKV(t.TempDir())
	if _, ok := kv.Get("linkvault.session"); ok {
		t.Fatalf("expected miss on empty store")
	}
	kv.Set("linkvault.session", `{"accessToken":"tok"}`)
	value, ok := kv.Get("linkvault.session")
	if !ok || value != `{"accessToken":"tok"}` {
		t.Fatalf("expected stored value back, got %q (ok=%v)", value, ok)
	}
	kv.Remove("linkvault.session")
	if _, ok := kv.Get("linkvault.session"); ok {
		t.Fatalf("expected miss after remove")
	}
}

func TestFileKVSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	NewFileKV(dir).Set("k", "v")
	value, ok := NewFileKV(dir).Get("k")
	if !ok || value != "v" {
		t.Fatalf("expected persisted value across instances, got %q (ok=%v)", value, ok)
	}
}

func TestFileKVDegradesToNoOpWhenUnavailable(t *testing.T) {
	kv := NewFileKV("")
	kv.Set("k", "v")
	if _, ok := kv.Get("k"); ok {
		t.Fatalf("expected unavailable store to report misses")
	}
	kv.Remove("k")
}

func TestFileKVSanitizesHostileKeys(t *testing.T) {
	dir := t.TempDir()
	kv := NewFileKV(dir)
	kv.Set("../escape", "v")
	value, ok := kv.Get("../escape")
	if !ok || value != "v" {
		t.Fatalf("expected sanitized key round trip, got %q (ok=%v)", value, ok)
	}
	if _, err := filepath.Glob(filepath.Join(dir, "*escape*")); err != nil {
		t.Fatalf("glob failed: %v", err)
	}
}

func TestSQLiteKVRoundTrip(t *testing.T) {
	kv := NewSQLiteKV(filepath.Join(t.TempDir(), "state", "local.db"))
	defer kv.Close()
	kv.Set("theme", "dark")
	kv.Set("theme", "light")
	value, ok := kv.Get("theme")
	if !ok || value != "light" {
		t.Fatalf("expected upserted value light, got %q (ok=%v)", value, ok)
	}
	kv.Remove("theme")
	if _, ok := kv.Get("theme"); ok {
		t.Fatalf("expected miss after remove")
	}
}

func TestSQLiteKVDegradesToNoOpWhenUnavailable(t *testing.T) {
	kv := NewSQLiteKV("")
	kv.Set("k", "v")
	if _, ok := kv.Get("k"); ok {
		t.Fatalf("expected broken store to report misses")
	}
}

func TestMemoryKV(t *testing.T) {
	kv := NewMemory()
	kv.Set("k", "v")
	if value, ok := kv.Get("k"); !ok || value != "v" {
		t.Fatalf("unexpected memory kv result %q (ok=%v)", value, ok)
	}
	kv.Remove("k")
	if _, ok := kv.Get("k"); ok {
		t.Fatalf("expected miss after remove")
	}
}
