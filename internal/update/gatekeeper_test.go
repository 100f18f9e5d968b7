package update

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/cache"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/manifest"
)

type assetServer struct {
	mu      sync.Mutex
	version string
	broken  map[string]bool
	hits    int
}

func (a *assetServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hits++
	if a.broken[r.URL.Path] {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte(a.version + ":" + r.URL.Path))
}

func (a *assetServer) hitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hits
}

func (a *assetServer) set(version string, broken ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.version = version
	a.broken = map[string]bool{}
	for _, p := range broken {
		a.broken[p] = true
	}
}

func newManifest(t *testing.T, version string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(`{"version":"` + version + `","static_paths":["/","/app.js"],"offline_fallback":"/offline.html"}`))
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	return m
}

func setup(t *testing.T, pinned ...string) (*Gatekeeper, *cache.MemoryStorage, *assetServer) {
	t.Helper()
	assets := &assetServer{}
	assets.set("v1")
	server := httptest.NewServer(assets)
	t.Cleanup(server.Close)
	storage := cache.NewMemoryStorage()
	g := NewGatekeeper(storage, Options{Prefix: "app", BaseURL: server.URL, Client: server.Client(), Pinned: pinned})
	return g, storage, assets
}

func body(t *testing.T, storage cache.Storage, generation, path string) string {
	t.Helper()
	snap, ok, err := storage.Match(context.Background(), generation, path)
	if err != nil || !ok {
		return ""
	}
	return string(snap.Body)
}

func TestFirstInstallActivates(t *testing.T) {
	g, storage, _ := setup(t)
	activated := ""
	g.OnActivate(func(v string) { activated = v })

	if err := g.Install(context.Background(), newManifest(t, "v1")); err != nil {
		t.Fatalf("install: %v", err)
	}
	if g.Status().Active != "v1" || activated != "v1" {
		t.Fatalf("expected v1 active, got %+v", g.Status())
	}
	if got := body(t, storage, "app-static-v1", "/offline.html"); got != "v1:/offline.html" {
		t.Fatalf("fallback not precached: %q", got)
	}
	if v, _, _ := storage.Meta(context.Background(), cache.MetaActiveVersion); v != "v1" {
		t.Fatalf("active version not persisted: %q", v)
	}
}

func TestFailedInstallLeavesActiveUntouched(t *testing.T) {
	g, storage, assets := setup(t)
	ctx := context.Background()
	_ = g.Install(ctx, newManifest(t, "v1"))

	assets.set("v2", "/app.js")
	err := g.Install(ctx, newManifest(t, "v2"))
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	names, _ := storage.Generations(ctx)
	for _, name := range names {
		if name == "app-static-v2" {
			t.Fatal("partial generation was not deleted")
		}
	}
	if s := g.Status(); s.Active != "v1" || s.Waiting != "" {
		t.Fatalf("unexpected status %+v", s)
	}
}

func TestLeaseKeepsGenerationUntilAccept(t *testing.T) {
	g, storage, assets := setup(t)
	ctx := context.Background()
	_ = g.Install(ctx, newManifest(t, "v1"))

	lease := g.Attach()
	waiting := ""
	g.OnWaiting(func(v string) { waiting = v })

	assets.set("v2")
	if err := g.Install(ctx, newManifest(t, "v2")); err != nil {
		t.Fatalf("install v2: %v", err)
	}
	if waiting != "v2" {
		t.Fatalf("update prompt not fired")
	}
	gen, ok := lease.Generation()
	if !ok || gen.Version != "v1" || gen.Static != "app-static-v1" {
		t.Fatalf("lease switched generation mid-load: %+v", gen)
	}
	if got := body(t, storage, gen.Static, "/"); got != "v1:/" {
		t.Fatalf("old generation no longer serves: %q", got)
	}

	if err := g.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	gen, _ = lease.Generation()
	if gen.Version != "v2" {
		t.Fatalf("lease not rebound after accept: %+v", gen)
	}
	names, _ := storage.Generations(ctx)
	for _, name := range names {
		if name == "app-static-v1" {
			t.Fatal("stale generation survived activation")
		}
	}
	if err := g.Accept(ctx); !errors.Is(err, ErrNoUpdate) {
		t.Fatalf("expected ErrNoUpdate, got %v", err)
	}
}

func TestReleaseActivatesWaiting(t *testing.T) {
	g, _, assets := setup(t)
	ctx := context.Background()
	_ = g.Install(ctx, newManifest(t, "v1"))

	first, second := g.Attach(), g.Attach()
	assets.set("v2")
	_ = g.Install(ctx, newManifest(t, "v2"))

	_ = first.Release()
	if g.Status().Active != "v1" {
		t.Fatal("activated while a lease was still live")
	}
	_ = second.Release()
	if s := g.Status(); s.Active != "v2" || s.Waiting != "" || s.Leases != 0 {
		t.Fatalf("expected v2 active after last release, got %+v", s)
	}
	if err := second.Release(); !errors.Is(err, ErrLeaseReleased) {
		t.Fatalf("expected ErrLeaseReleased, got %v", err)
	}
}

func TestPinnedGenerationSurvivesPurge(t *testing.T) {
	g, storage, assets := setup(t, "app-static-v1")
	ctx := context.Background()
	_ = g.Install(ctx, newManifest(t, "v1"))
	_ = storage.Put(ctx, "other-static-v0", cache.Snapshot{URL: "/x", Status: 200})
	lease := g.Attach()
	defer lease.Release()

	assets.set("v2")
	_ = g.Install(ctx, newManifest(t, "v2"))
	if err := g.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	names, _ := storage.Generations(ctx)
	want := map[string]bool{"app-static-v1": false, "app-static-v2": false, "other-static-v0": false}
	for _, name := range names {
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("generation %s was purged", name)
		}
	}
}

func TestRestoreWithoutNetwork(t *testing.T) {
	g, storage, assets := setup(t)
	ctx := context.Background()
	_ = g.Install(ctx, newManifest(t, "v1"))
	hits := assets.hitCount()

	restored := NewGatekeeper(storage, Options{Prefix: "app"})
	ok, err := restored.Restore(ctx)
	if err != nil || !ok {
		t.Fatalf("restore: ok=%v err=%v", ok, err)
	}
	gen, ok := restored.Attach().Generation()
	if !ok || gen.Version != "v1" || !gen.Manifest.IsStatic("/app.js") {
		t.Fatalf("unexpected restored generation %+v", gen)
	}
	if assets.hitCount() != hits {
		t.Fatal("restore touched the network")
	}
	if err := restored.Install(ctx, newManifest(t, "v1")); err != nil || assets.hitCount() != hits {
		t.Fatalf("reinstalling the active version should be a no-op, err=%v", err)
	}
}

func TestLeaseBeforeFirstInstall(t *testing.T) {
	g, _, _ := setup(t)
	lease := g.Attach()
	if _, ok := lease.Generation(); ok {
		t.Fatal("expected no generation before install")
	}
	_ = g.Install(context.Background(), newManifest(t, "v1"))
	if gen, ok := lease.Generation(); !ok || gen.Version != "v1" {
		t.Fatalf("empty lease not bound on first activation: %+v", gen)
	}
}

func TestInstallWithoutLeasesActivates(t *testing.T) {
	g, storage, assets := setup(t)
	ctx := context.Background()
	_ = g.Install(ctx, newManifest(t, "v1"))

	waiting := ""
	g.OnWaiting(func(v string) { waiting = v })
	assets.set("v2")
	if err := g.Install(ctx, newManifest(t, "v2")); err != nil {
		t.Fatalf("install v2: %v", err)
	}
	if s := g.Status(); s.Active != "v2" || s.Waiting != "" {
		t.Fatalf("expected v2 active with no session open, got %+v", s)
	}
	if waiting != "" {
		t.Fatal("update prompt fired with no session open")
	}
	if got := body(t, storage, "app-static-v1", "/"); got != "" {
		t.Fatalf("v1 generation not purged: %q", got)
	}
}

// deleteHook 在删除缓存代之前回调
type deleteHook struct {
	cache.Storage
	before func(name string)
}

func (d deleteHook) DeleteGeneration(ctx context.Context, name string) error {
	d.before(name)
	return d.Storage.DeleteGeneration(ctx, name)
}

func TestAcceptRebindsLeasesBeforePurge(t *testing.T) {
	assets := &assetServer{}
	assets.set("v1")
	server := httptest.NewServer(assets)
	t.Cleanup(server.Close)

	var lease *Lease
	var seen []string
	storage := deleteHook{Storage: cache.NewMemoryStorage(), before: func(name string) {
		if lease == nil {
			return
		}
		gen, _ := lease.Generation()
		seen = append(seen, name+"@"+gen.Version)
	}}
	g := NewGatekeeper(storage, Options{Prefix: "app", BaseURL: server.URL, Client: server.Client()})
	ctx := context.Background()
	_ = g.Install(ctx, newManifest(t, "v1"))
	lease = g.Attach()

	assets.set("v2")
	_ = g.Install(ctx, newManifest(t, "v2"))
	if err := g.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(seen) == 0 {
		t.Fatal("expected v1 generation to be purged")
	}
	for _, s := range seen {
		if s != "app-static-v1@v2" {
			t.Fatalf("lease still on the old generation during purge: %v", seen)
		}
	}
}
