package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseYAML(t *testing.T) {
	m, err := Parse([]byte(`
version: "2026.10.1"
static_paths:
  - /
  - /index.html
static_prefixes:
  - /assets/
offline_fallback: /offline.html
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Version != "2026.10.1" {
		t.Errorf("unexpected version %q", m.Version)
	}
	if !m.IsStatic("/offline.html") {
		t.Error("offline fallback must be precached")
	}
	if !m.IsStatic("/assets/app.js") || !m.IsStatic("/") || m.IsStatic("/other") {
		t.Error("static matching is wrong")
	}
	if !m.IsAPI("/api/orders") || !m.IsAPI("/menu") || m.IsAPI("/") {
		t.Error("default api prefixes not applied")
	}
	if !m.IsRealtime("/ws/abc") {
		t.Error("default realtime prefix not applied")
	}
}

func TestParseJSON(t *testing.T) {
	m, err := Parse([]byte(`{"version":"v2","static_paths":["/a"],"api_prefixes":["/data/"],"realtime_prefix":"/live/"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.IsAPI("/api/x") || !m.IsAPI("/data/x") || !m.IsRealtime("/live/1") {
		t.Errorf("explicit prefixes ignored: %+v", m)
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse([]byte(`static_paths: ["/a"]`)); !errors.Is(err, ErrNoVersion) {
		t.Errorf("expected ErrNoVersion, got %v", err)
	}
	if _, err := Parse([]byte(`{version: v1, static_paths: ["a.js"]}`)); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
	if _, err := Parse([]byte("version: [")); err == nil {
		t.Error("expected decode error")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(path, []byte("version: v1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := Load(path)
	if err != nil || m.Version != "v1" {
		t.Fatalf("load: %+v %v", m, err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
