package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func runStorageContract(t *testing.T, open func(t *testing.T) Storage) {
	ctx := context.Background()
	snap := func(url, body string) Snapshot {
		return Snapshot{
			URL:      url,
			Status:   http.StatusOK,
			Header:   http.Header{"Content-Type": []string{"text/plain"}},
			Body:     []byte(body),
			StoredAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}

	t.Run("Put then Match", func(t *testing.T) {
		s := open(t)
		if err := s.Put(ctx, "app-static-v1", snap("/index.html", "v1")); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, ok, err := s.Match(ctx, "app-static-v1", "/index.html")
		if err != nil || !ok {
			t.Fatalf("match: ok=%v err=%v", ok, err)
		}
		if string(got.Body) != "v1" || got.Header.Get("Content-Type") != "text/plain" || got.Status != 200 {
			t.Fatalf("unexpected snapshot %+v", got)
		}
		if _, ok, _ := s.Match(ctx, "app-static-v2", "/index.html"); ok {
			t.Fatal("generations must be isolated")
		}
	})

	t.Run("Put overwrites", func(t *testing.T) {
		s := open(t)
		_ = s.Put(ctx, "g", snap("/a", "old"))
		_ = s.Put(ctx, "g", snap("/a", "new"))
		got, _, _ := s.Match(ctx, "g", "/a")
		if string(got.Body) != "new" {
			t.Fatalf("expected new, got %q", got.Body)
		}
	})

	t.Run("Delete and DeleteGeneration", func(t *testing.T) {
		s := open(t)
		_ = s.Put(ctx, "app-static-v1", snap("/a", "a"))
		_ = s.Put(ctx, "app-static-v1", snap("/b", "b"))
		_ = s.Put(ctx, "app-dynamic-v1", snap("/api/x", "x"))

		if err := s.Delete(ctx, "app-static-v1", "/a"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, ok, _ := s.Match(ctx, "app-static-v1", "/a"); ok {
			t.Fatal("deleted entry still matched")
		}
		names, err := s.Generations(ctx)
		if err != nil || len(names) != 2 {
			t.Fatalf("generations: %v %v", names, err)
		}
		if err := s.DeleteGeneration(ctx, "app-static-v1"); err != nil {
			t.Fatalf("delete generation: %v", err)
		}
		if _, ok, _ := s.Match(ctx, "app-static-v1", "/b"); ok {
			t.Fatal("entry survived its generation")
		}
		names, _ = s.Generations(ctx)
		if len(names) != 1 || names[0] != "app-dynamic-v1" {
			t.Fatalf("unexpected generations %v", names)
		}
	})

	t.Run("Meta", func(t *testing.T) {
		s := open(t)
		if _, ok, err := s.Meta(ctx, MetaActiveVersion); ok || err != nil {
			t.Fatalf("expected empty meta, ok=%v err=%v", ok, err)
		}
		_ = s.SetMeta(ctx, MetaActiveVersion, "v1")
		_ = s.SetMeta(ctx, MetaActiveVersion, "v2")
		v, ok, err := s.Meta(ctx, MetaActiveVersion)
		if err != nil || !ok || v != "v2" {
			t.Fatalf("expected v2, got %q ok=%v err=%v", v, ok, err)
		}
	})

	t.Run("Match returns independent copies", func(t *testing.T) {
		s := open(t)
		_ = s.Put(ctx, "g", snap("/a", "abc"))
		got, _, _ := s.Match(ctx, "g", "/a")
		got.Body[0] = 'z'
		again, _, _ := s.Match(ctx, "g", "/a")
		if string(again.Body) != "abc" {
			t.Fatalf("stored body mutated: %q", again.Body)
		}
	})
}

func TestMemoryStorage(t *testing.T) {
	runStorageContract(t, func(t *testing.T) Storage { return NewMemoryStorage() })
}

func TestSQLiteStorage(t *testing.T) {
	runStorageContract(t, func(t *testing.T) Storage {
		s, err := OpenSQLiteStorage(context.Background(), filepath.Join(t.TempDir(), "cache", "cache.db"), 8)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStorageSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := OpenSQLiteStorage(ctx, path, 8)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Put(ctx, "app-static-v1", Snapshot{URL: "/", Status: 200, Body: []byte("home")})
	_ = s.SetMeta(ctx, MetaActiveVersion, "v1")
	_ = s.Close()

	s, err = OpenSQLiteStorage(ctx, path, 8)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, ok, err := s.Match(ctx, "app-static-v1", "/")
	if err != nil || !ok || string(got.Body) != "home" {
		t.Fatalf("entry lost after reopen: %+v ok=%v err=%v", got, ok, err)
	}
	if v, _, _ := s.Meta(ctx, MetaActiveVersion); v != "v1" {
		t.Fatalf("meta lost after reopen: %q", v)
	}
}

func TestSQLiteStorageSharedFileInvalidatesHotEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	a, err := OpenSQLiteStorage(ctx, path, 8)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := OpenSQLiteStorage(ctx, path, 8)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()

	stored := time.Now()
	_ = a.Put(ctx, "app-static-v1", Snapshot{URL: "/", Status: 200, Body: []byte("home"), StoredAt: stored})
	_ = a.Put(ctx, "app-static-v1", Snapshot{URL: "/menu", Status: 200, Body: []byte("menu v1"), StoredAt: stored})
	for _, url := range []string{"/", "/menu"} {
		if _, ok, err := b.Match(ctx, "app-static-v1", url); !ok || err != nil {
			t.Fatalf("warm %s: ok=%v err=%v", url, ok, err)
		}
	}

	// 另一个进程覆盖一行，再清掉整代
	_ = a.Put(ctx, "app-static-v1", Snapshot{URL: "/menu", Status: 200, Body: []byte("menu v2"), StoredAt: stored.Add(time.Second)})
	got, ok, err := b.Match(ctx, "app-static-v1", "/menu")
	if err != nil || !ok || string(got.Body) != "menu v2" {
		t.Fatalf("expected overwritten entry, got %q ok=%v err=%v", got.Body, ok, err)
	}

	if err := a.DeleteGeneration(ctx, "app-static-v1"); err != nil {
		t.Fatalf("delete generation: %v", err)
	}
	for _, url := range []string{"/", "/menu"} {
		if got, ok, err := b.Match(ctx, "app-static-v1", url); ok || err != nil {
			t.Fatalf("purged generation served for %s: %q err=%v", url, got.Body, err)
		}
	}
}

func TestParseGeneration(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		kind    string
		version string
		wantErr bool
	}{
		{"app-static-v1", "app", KindStatic, "v1", false},
		{"my-app-dynamic-2024-01-02", "my-app", KindDynamic, "2024-01-02", false},
		{"app-static-", "", "", "", true},
		{"static-v1", "", "", "", true},
		{"other", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix, kind, version, err := ParseGeneration(tt.name)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidGeneration) {
					t.Fatalf("expected ErrInvalidGeneration, got %v", err)
				}
				return
			}
			if err != nil || prefix != tt.prefix || kind != tt.kind || version != tt.version {
				t.Fatalf("got (%q %q %q %v)", prefix, kind, version, err)
			}
			if GenerationName(prefix, kind, version) != tt.name {
				t.Fatalf("round trip mismatch")
			}
		})
	}
}

func TestSnapshotResponse(t *testing.T) {
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Etag": []string{"x"}},
		Body:       io.NopCloser(strings.NewReader("payload")),
	}
	snap, err := NewSnapshot("/a", resp, time.Now())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	again, _ := io.ReadAll(resp.Body)
	if string(again) != "payload" {
		t.Fatalf("original body not restored: %q", again)
	}
	for i := 0; i < 2; i++ {
		r := snap.Response(nil)
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" || r.Header.Get("Etag") != "x" || r.StatusCode != 200 {
			t.Fatalf("unexpected response %d: %q", i, body)
		}
	}
}
