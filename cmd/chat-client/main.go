package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/api"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/cache"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/connection"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/event"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/frame"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/manifest"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/push"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/router"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/server"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/syncer"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/tui"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/update"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/worker"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the JSON configuration file")
	headless := flag.Bool("headless", false, "run without the terminal UI, logging to the console")
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		if !errors.Is(err, config.ErrConfigCreated) {
			fmt.Fprintf(os.Stderr, "Error occured while reading config: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
	}

	loggerCallback := logger.Init(logger.Options{Dir: cfg.LogDir, Debug: cfg.DebugMode, Console: *headless})
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner(loggerCallback)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg, cleaner, *headless)
	if cleanErr := cleaner.Clean(); cleanErr != nil {
		fmt.Fprintf(os.Stderr, "Error occured while cleaning up: %v\n", cleanErr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, cleaner *event.Cleaner, headless bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, pushStore := openStore(ctx, cfg, cleaner)
	cleaner.Add(event.CloserFunc(store.Close))

	storage, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	cleaner.Add(event.CloserFunc(storage.Close))

	gatekeeper := update.NewGatekeeper(storage, update.Options{
		Prefix:  cfg.Cache.Prefix,
		BaseURL: cfg.Server.BaseURL,
		Pinned:  cfg.Cache.Pinned,
	})
	if restored, err := gatekeeper.Restore(ctx); err != nil {
		logger.WarnF("Error occured while restoring cached generation: %v", err)
	} else if restored {
		logger.InfoF("Restored cached generation %s", gatekeeper.Status().Active)
	}

	// 客户端自己的请求走租约绑定的缓存路由
	lease := gatekeeper.Attach()
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		lease.Release()
		return nil
	}))
	transport := router.New(http.DefaultTransport, storage, lease)
	apiClient := api.NewClient(cfg.Server.BaseURL, transport, 0)

	var coordinator *syncer.Coordinator
	manager := connection.NewManager(&connection.WebsocketDialer{
		URL:    cfg.Server.RealtimeURL,
		Origin: cfg.Server.Origin,
	}, store, connection.Options{
		MaxAttempts:       cfg.Connection.MaxAttempts,
		BaseDelay:         cfg.BaseDelay(),
		Jitter:            cfg.Connection.Jitter,
		KeepaliveInterval: cfg.KeepaliveInterval(),
		OnEnqueue:         func() { coordinator.Trigger() },
	})
	cleaner.Add(event.CloserFunc(manager.Close))

	coordinator = syncer.NewCoordinator(store, syncer.KindDeliverer{
		Messages: manager,
		Orders:   apiClient,
	}, syncer.Options{
		MaxAttempts: cfg.Store.MaxAttempts,
		BaseDelay:   cfg.BaseDelay(),
		Jitter:      cfg.Connection.Jitter,
		Transient:   transient,
	})

	app := &app{store: store, manager: manager, coordinator: coordinator}

	var (
		program   *tea.Program
		notify    func(tea.Msg)
		navigator push.Navigator
		notifier  worker.Notifier
	)
	if headless {
		notify = logMsg
		navigator = logNavigator{}
		notifier = logNotifier{}
	} else {
		model := tui.NewModel(app, tui.Options{MaxAttempts: cfg.Connection.MaxAttempts})
		program = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
		notify = program.Send
		navigator = tui.Navigator{Program: program}
		notifier = tui.Notifier{Program: program}
	}

	fetchLease := gatekeeper.Attach()
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		fetchLease.Release()
		return nil
	}))
	w := worker.New(worker.Deps{
		Installer: gatekeeper,
		Sweeper:   coordinator,
		Fetcher:   transport.Bind(fetchLease),
		Notifier:  notifier,
		Navigator: navigator,
	})
	app.worker = w

	manager.Subscribe(func(in frame.Inbound) { notify(tui.FrameMsg{Frame: in}) })
	manager.OnStateChange(func(change connection.StateChange) {
		notify(tui.StateMsg{Change: change})
		if change.To == connection.StateOpen {
			coordinator.Trigger()
		}
	})
	coordinator.OnEvent(func(ev syncer.Event) { notify(tui.SyncMsg{Event: ev}) })
	gatekeeper.OnWaiting(func(version string) { notify(tui.UpdateWaitingMsg{Version: version}) })
	gatekeeper.OnActivate(func(version string) { notify(tui.UpdateActivatedMsg{Version: version}) })
	if fs, ok := store.(*database.FallbackStore); ok {
		fs.OnDegrade(func(err error) { notify(tui.DegradedMsg{Cause: err}) })
	}

	var (
		registrar *push.Registrar
		opener    server.PushOpener
	)
	if cfg.Push.Enabled {
		registrar = push.NewRegistrar(pushStore, push.LocalService{BaseURL: cfg.Server.BaseURL}, apiClient, cfg.Push.VAPIDPublicKey)
		opener = registrar
	}

	srv := server.NewServer(server.Deps{
		Store:   store,
		Sender:  manager,
		Worker:  w,
		Trigger: coordinator.Trigger,
		Status:  app.status,
		Push:    opener,
		BaseURL: cfg.Server.BaseURL,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(w.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(coordinator.Run(gctx)) })
	if cfg.Listen != "" {
		g.Go(func() error { return srv.Start(gctx, cfg.Listen) })
	}
	g.Go(func() error {
		installManifest(gctx, w, cfg.Manifest)
		return nil
	})
	if registrar != nil {
		g.Go(func() error {
			sub, err := registrar.Ensure(gctx)
			if err != nil {
				logger.WarnF("Error occured while registering push subscription: %v", err)
				return nil
			}
			logger.InfoF("Push subscription active at %s", sub.Endpoint)
			return nil
		})
	}

	if program != nil {
		g.Go(func() error {
			defer cancel()
			if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return err
			}
			return nil
		})
	}

	manager.Start(gctx)
	logger.InfoF("Session %s started against %s", manager.Session().ID, cfg.Server.RealtimeURL)

	return g.Wait()
}

// transient 通道未打开或网络不可达都只是暂时失败
func transient(err error) bool {
	return errors.Is(err, connection.ErrNotOpen) || errors.Is(err, router.ErrOffline)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openStore 打开持久化队列。打不开时退回内存队列并显示降级横幅
func openStore(ctx context.Context, cfg config.Config, cleaner *event.Cleaner) (database.ActionStore, database.PushSubscriptionStore) {
	var (
		primary   database.ActionStore
		pushStore database.PushSubscriptionStore
		err       error
	)
	switch cfg.Store.Driver {
	case "bolt":
		var bs *database.BoltStore
		if err = os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err == nil {
			bs, err = database.OpenBoltStore(cfg.Store.Path, cfg.Store.MaxAttempts)
		}
		if err == nil {
			primary, pushStore = bs, bs
		}
	case "mongo":
		client, db, connErr := database.ConnectDatabase(ctx, cfg)
		err = connErr
		if err == nil {
			cleaner.Add(database.NewDBCloseCallback(client, cfg.OperationTimeout()))
			primary = database.NewMongoStore(db, cfg.OperationTimeout(), cfg.Store.MaxAttempts)
		}
	case "memory":
		ms := database.NewMemoryStore(cfg.Store.MaxAttempts)
		return ms, ms
	}

	store := database.NewFallbackStore(primary, cfg.Store.MaxAttempts)
	if err != nil {
		logger.ErrorF("Error occured while opening %s store, queue is memory only: %v", cfg.Store.Driver, err)
		store.Degrade(err)
	}
	if pushStore == nil {
		pushStore = database.NewMemoryStore(cfg.Store.MaxAttempts)
	}
	return store, pushStore
}

func openCache(ctx context.Context, cfg config.Config) (cache.Storage, error) {
	if cfg.Cache.Driver == "memory" {
		return cache.NewMemoryStorage(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	storage, err := cache.OpenSQLiteStorage(ctx, cfg.Cache.Path, cfg.Cache.LRUSize)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return storage, nil
}

// installManifest 通过 worker 的 install 事件安装本地清单，离线时保留已缓存的版本
func installManifest(ctx context.Context, w *worker.Worker, path string) {
	if path == "" {
		return
	}
	m, err := manifest.Load(path)
	if err != nil {
		logger.WarnF("Error occured while loading manifest %s: %v", path, err)
		return
	}
	select {
	case res := <-w.Post(ctx, worker.Event{Type: worker.EventInstall, Manifest: m}):
		if res.Err != nil {
			logger.WarnF("Install of version %s failed, keeping current generation: %v", m.Version, res.Err)
		}
	case <-ctx.Done():
	}
}
