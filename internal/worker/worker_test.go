package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/manifest"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/push"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/syncer"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/update"
)

type fakeInstaller struct {
	mu        sync.Mutex
	installed []string
	accepted  int
	waiting   bool
}

func (f *fakeInstaller) Install(_ context.Context, m *manifest.Manifest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, m.Version)
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
	f.accepted++
	return nil
}

type fakeSweeper struct{ sweeps int }

func (f *fakeSweeper) Sweep(context.Context) (syncer.Report, error) {
	f.sweeps++
	return syncer.Report{Delivered: []string{"a"}}, nil
}

type fakeNotifier struct{ shown []push.Notification }

func (f *fakeNotifier) Notify(_ context.Context, n push.Notification) error {
	f.shown = append(f.shown, n)
	return nil
}

type fakeNavigator struct{ opened []string }

func (f *fakeNavigator) Focus(context.Context, string) (bool, error) { return false, nil }
func (f *fakeNavigator) Open(_ context.Context, url string) error {
	f.opened = append(f.opened, url)
	return nil
}

type staticFetcher struct{}

func (staticFetcher) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("ok " + req.URL.Path)), Request: req}, nil
}

func newWorker() (*Worker, *fakeInstaller, *fakeSweeper, *fakeNotifier, *fakeNavigator) {
	installer := &fakeInstaller{}
	sweeper := &fakeSweeper{}
	notifier := &fakeNotifier{}
	nav := &fakeNavigator{}
	w := New(Deps{Installer: installer, Sweeper: sweeper, Fetcher: staticFetcher{}, Notifier: notifier, Navigator: nav})
	return w, installer, sweeper, notifier, nav
}

func TestDispatchTable(t *testing.T) {
	w, installer, sweeper, notifier, nav := newWorker()
	ctx := context.Background()

	m, _ := manifest.Parse([]byte(`version: v2`))
	if r := w.Dispatch(ctx, Event{Type: EventInstall, Manifest: m}); r.Err != nil {
		t.Fatalf("install: %v", r.Err)
	}
	if r := w.Dispatch(ctx, Event{Type: EventMessage, Payload: []byte(`{"type":"SKIP_WAITING"}`)}); r.Err != nil {
		t.Fatalf("skip waiting: %v", r.Err)
	}
	if installer.accepted != 1 || len(installer.installed) != 1 {
		t.Fatalf("unexpected installer state %+v", installer)
	}
	if r := w.Dispatch(ctx, Event{Type: EventActivate}); r.Err != nil {
		t.Fatalf("activate with nothing waiting must succeed, got %v", r.Err)
	}

	r := w.Dispatch(ctx, Event{Type: EventFetch, Request: httptest.NewRequest(http.MethodGet, "http://x/menu", nil)})
	if r.Err != nil {
		t.Fatalf("fetch: %v", r.Err)
	}
	body, _ := io.ReadAll(r.Response.Body)
	if string(body) != "ok /menu" {
		t.Fatalf("unexpected fetch body %q", body)
	}

	if r := w.Dispatch(ctx, Event{Type: EventSync, Tag: "sync-actions"}); r.Err != nil || r.Report == nil || sweeper.sweeps != 1 {
		t.Fatalf("sync: %+v", r)
	}

	r = w.Dispatch(ctx, Event{Type: EventPush, Payload: []byte(`{"body":"ready","data":{"url":"/orders/1"}}`)})
	if r.Err != nil || len(notifier.shown) != 1 || r.Notification.Body != "ready" {
		t.Fatalf("push: %+v", r)
	}

	r = w.Dispatch(ctx, Event{Type: EventNotificationClick, Action: push.ActionView, Data: push.Data{URL: "/orders/1"}})
	if r.Err != nil || len(nav.opened) != 1 || nav.opened[0] != "/orders/1" {
		t.Fatalf("click: %+v opened=%v", r, nav.opened)
	}
}

func TestDispatchErrors(t *testing.T) {
	w, _, _, _, _ := newWorker()
	ctx := context.Background()
	if r := w.Dispatch(ctx, Event{Type: "periodicsync"}); !errors.Is(r.Err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", r.Err)
	}
	if r := w.Dispatch(ctx, Event{Type: EventMessage, Payload: []byte(`{"type":"CLAIM"}`)}); !errors.Is(r.Err, ErrUnknownMessage) {
		t.Errorf("expected ErrUnknownMessage, got %v", r.Err)
	}
	if r := w.Dispatch(ctx, Event{Type: EventMessage, Payload: []byte(`{"type":"SKIP_WAITING"}`)}); !errors.Is(r.Err, update.ErrNoUpdate) {
		t.Errorf("expected ErrNoUpdate, got %v", r.Err)
	}
	if r := w.Dispatch(ctx, Event{Type: EventInstall}); r.Err == nil {
		t.Error("expected error for install without manifest")
	}
}

func TestRunLoop(t *testing.T) {
	w, installer, _, _, _ := newWorker()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	m, _ := manifest.Parse([]byte(`version: v3`))
	install := w.Post(ctx, Event{Type: EventInstall, Manifest: m})
	accept := w.Post(ctx, Event{Type: EventMessage, Payload: []byte(`{"type":"SKIP_WAITING"}`)})
	fetches := make([]<-chan Result, 0, 8)
	for i := 0; i < 8; i++ {
		fetches = append(fetches, w.Post(ctx, Event{Type: EventFetch, Request: httptest.NewRequest(http.MethodGet, "http://x/", nil)}))
	}

	for _, ch := range append([]<-chan Result{install, accept}, fetches...) {
		select {
		case r := <-ch:
			if r.Err != nil {
				t.Fatalf("event failed: %v", r.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("event not handled")
		}
	}
	// 生命周期事件串行：安装先于确认
	if installer.accepted != 1 {
		t.Fatalf("skip waiting handled before install")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHandleOverride(t *testing.T) {
	w, _, _, _, _ := newWorker()
	w.Handle(EventSync, func(context.Context, Event) Result { return Result{Err: errors.New("custom")} })
	if r := w.Dispatch(context.Background(), Event{Type: EventSync}); r.Err == nil || r.Err.Error() != "custom" {
		t.Fatalf("override not used: %v", r.Err)
	}
}
