package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/manifest"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/push"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/syncer"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/update"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/worker"
)

type queueSender struct{ store database.ActionStore }

func (q queueSender) Send(ctx context.Context, a database.QueuedAction) error {
	return q.store.Enqueue(ctx, a)
}

type fakeInstaller struct {
	mu      sync.Mutex
	version string
	waiting bool
}

func (f *fakeInstaller) Install(_ context.Context, m *manifest.Manifest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = m.Version
	f.waiting = true
	return nil
}

func (f *fakeInstaller) Accept(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.waiting {
		return update.ErrNoUpdate
	}
	f.waiting = false
	return nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, push.Notification) error { return nil }

type nopNavigator struct{}

func (nopNavigator) Focus(context.Context, string) (bool, error) { return true, nil }
func (nopNavigator) Open(context.Context, string) error          { return nil }

type upstream struct{}

func (upstream) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"X-Cache": []string{"hit"}},
		Body:       io.NopCloser(strings.NewReader("menu for " + req.URL.RequestURI())),
		Request:    req,
	}, nil
}

func setup(t *testing.T) (*httptest.Server, *database.MemoryStore, *int) {
	t.Helper()
	return setupWithPush(t, nil)
}

func setupWithPush(t *testing.T, opener PushOpener) (*httptest.Server, *database.MemoryStore, *int) {
	t.Helper()
	store := database.NewMemoryStore(1)
	triggers := 0
	coordinator := syncer.NewCoordinator(store, syncer.DelivererFunc(func(context.Context, database.QueuedAction) error {
		return nil
	}), syncer.Options{MaxAttempts: 1})
	w := worker.New(worker.Deps{
		Installer: &fakeInstaller{},
		Sweeper:   coordinator,
		Fetcher:   upstream{},
		Notifier:  nopNotifier{},
		Navigator: nopNavigator{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()

	s := NewServer(Deps{
		Store:   store,
		Sender:  queueSender{store: store},
		Worker:  w,
		Trigger: func() { triggers++ },
		Status:  func() any { return map[string]string{"state": "OPEN"} },
		BaseURL: "http://upstream.test",
		Push:    opener,
	})
	server := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return server, store, &triggers
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func TestHealthAndStatus(t *testing.T) {
	server, _, _ := setup(t)
	if resp, body := do(t, http.MethodGet, server.URL+"/healthz", ""); resp.StatusCode != 200 || !strings.Contains(body, "ok") {
		t.Fatalf("healthz: %d %s", resp.StatusCode, body)
	}
	if _, body := do(t, http.MethodGet, server.URL+"/status", ""); !strings.Contains(body, "OPEN") {
		t.Fatalf("status: %s", body)
	}
}

func TestActionLifecycle(t *testing.T) {
	server, store, triggers := setup(t)
	ctx := context.Background()

	resp, body := do(t, http.MethodPost, server.URL+"/actions", `{"message":"hello"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d %s", resp.StatusCode, body)
	}
	var created struct{ ID string }
	_ = json.Unmarshal([]byte(body), &created)
	if _, err := store.Get(ctx, created.ID); err != nil {
		t.Fatalf("action not queued: %v", err)
	}

	resp, _ = do(t, http.MethodPost, server.URL+"/actions", `{"kind":"order","order":{"items":["mocha"]}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("order submit: %d", resp.StatusCode)
	}
	for _, bad := range []string{`{`, `{"message":"  "}`, `{"kind":"order"}`, `{"kind":"fax","message":"x"}`} {
		if resp, _ := do(t, http.MethodPost, server.URL+"/actions", bad); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", bad, resp.StatusCode)
		}
	}

	_ = store.MarkFailed(ctx, created.ID)
	_, body = do(t, http.MethodGet, server.URL+"/actions/failed", "")
	if !strings.Contains(body, created.ID) {
		t.Fatalf("failed list missing action: %s", body)
	}

	if resp, _ := do(t, http.MethodPost, server.URL+"/actions/"+created.ID+"/retry", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("retry: %d", resp.StatusCode)
	}
	if *triggers != 1 {
		t.Fatalf("retry must trigger a sweep")
	}
	if resp, _ := do(t, http.MethodPost, server.URL+"/actions/missing/retry", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("retry unknown: %d", resp.StatusCode)
	}

	if resp, _ := do(t, http.MethodDelete, server.URL+"/actions/"+created.ID, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel: %d", resp.StatusCode)
	}
	if _, err := store.Get(ctx, created.ID); err == nil {
		t.Fatal("cancelled action still stored")
	}
}

func TestSyncEndpoint(t *testing.T) {
	server, store, _ := setup(t)
	_ = store.Enqueue(context.Background(), database.NewMessageAction("queued", nil))

	resp, body := do(t, http.MethodPost, server.URL+"/sync?tag=actions", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "Delivered") {
		t.Fatalf("sync: %d %s", resp.StatusCode, body)
	}
}

func TestUpdateEndpoints(t *testing.T) {
	server, _, _ := setup(t)
	if resp, _ := do(t, http.MethodPost, server.URL+"/update/accept", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("accept without update: %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, server.URL+"/update/install", "static_paths: []"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("install without version: %d", resp.StatusCode)
	}
	if resp, body := do(t, http.MethodPost, server.URL+"/update/install", "version: v9"); resp.StatusCode != http.StatusOK || !strings.Contains(body, "v9") {
		t.Fatalf("install: %d %s", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodPost, server.URL+"/update/accept", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("accept: %d", resp.StatusCode)
	}
}

func TestPushAndClick(t *testing.T) {
	server, _, _ := setup(t)
	resp, body := do(t, http.MethodPost, server.URL+"/push/abc", `{"body":"Order ready","data":{"url":"/orders/9"}}`)
	if resp.StatusCode != http.StatusCreated || !strings.Contains(body, "dismiss") {
		t.Fatalf("push: %d %s", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodPost, server.URL+"/push", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid push: %d", resp.StatusCode)
	}

	_, body = do(t, http.MethodPost, server.URL+"/notifications/click", `{"action":"view","data":{"url":"/orders/9"}}`)
	if !strings.Contains(body, `"navigate":true`) || !strings.Contains(body, "/orders/9") {
		t.Fatalf("click: %s", body)
	}
	_, body = do(t, http.MethodPost, server.URL+"/notifications/click", `{"action":"dismiss"}`)
	if !strings.Contains(body, `"navigate":false`) {
		t.Fatalf("dismiss: %s", body)
	}
}

type sealedOpener struct{}

func (sealedOpener) Open(_ context.Context, body []byte) ([]byte, error) {
	plain, ok := strings.CutPrefix(string(body), "sealed:")
	if !ok {
		return nil, push.ErrInvalidPayload
	}
	return []byte(plain), nil
}

func doEncrypted(t *testing.T, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Encoding", "aes128gcm")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func TestEncryptedPush(t *testing.T) {
	server, _, _ := setupWithPush(t, sealedOpener{})
	resp, body := doEncrypted(t, server.URL+"/push/abc", `sealed:{"body":"Order ready","data":{"url":"/orders/9"}}`)
	if resp.StatusCode != http.StatusCreated || !strings.Contains(body, "Order ready") {
		t.Fatalf("encrypted push: %d %s", resp.StatusCode, body)
	}
	if resp, _ := doEncrypted(t, server.URL+"/push/abc", `garbage`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("undecryptable push: %d", resp.StatusCode)
	}

	plain, _, _ := setup(t)
	if resp, _ := doEncrypted(t, plain.URL+"/push/abc", `sealed:{}`); resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("encrypted push without opener: %d", resp.StatusCode)
	}
}

func TestFetchProxy(t *testing.T) {
	server, _, _ := setup(t)
	resp, body := do(t, http.MethodGet, server.URL+"/fetch/menu?lang=en", "")
	if resp.StatusCode != 200 || body != "menu for /menu?lang=en" || resp.Header.Get("X-Cache") != "hit" {
		t.Fatalf("fetch: %d %q %v", resp.StatusCode, body, resp.Header)
	}
	resp, body = do(t, http.MethodHead, server.URL+"/fetch/menu", "")
	if resp.StatusCode != 200 || body != "" {
		t.Fatalf("head: %d %q", resp.StatusCode, body)
	}
}

func TestServeShutdown(t *testing.T) {
	s := NewServer(Deps{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, body := do(t, http.MethodGet, "http://"+ln.Addr().String()+"/healthz", "")
	if resp.StatusCode != 200 {
		t.Fatalf("healthz: %d %s", resp.StatusCode, body)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
