package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/cache"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/manifest"
)

type Options struct {
	Prefix  string
	BaseURL string
	// Client 用于预缓存，必须直连网络而不是经过缓存路由
	Client *http.Client
	Pinned []string
	Now    func() time.Time
}

type Gatekeeper struct {
	storage cache.Storage
	opts    Options

	installMu sync.Mutex

	mu         sync.Mutex
	active     *Generation
	waiting    *Generation
	leases     map[*Lease]struct{}
	onWaiting  []func(version string)
	onActivate []func(version string)
}

// NewGatekeeper 创建更新守门人，调用 Restore 之前没有激活版本
func NewGatekeeper(storage cache.Storage, opts Options) *Gatekeeper {
	if opts.Prefix == "" {
		opts.Prefix = "chat"
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gatekeeper{
		storage: storage,
		opts:    opts,
		leases:  make(map[*Lease]struct{}),
	}
}

func (g *Gatekeeper) generation(m *manifest.Manifest) *Generation {
	return &Generation{
		Version:  m.Version,
		Manifest: m,
		Static:   cache.GenerationName(g.opts.Prefix, cache.KindStatic, m.Version),
		Dynamic:  cache.GenerationName(g.opts.Prefix, cache.KindDynamic, m.Version),
	}
}

// OnWaiting 新版本安装完成但需要等待用户确认时回调
func (g *Gatekeeper) OnWaiting(fn func(version string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onWaiting = append(g.onWaiting, fn)
}

// OnActivate 版本激活后回调
func (g *Gatekeeper) OnActivate(fn func(version string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onActivate = append(g.onActivate, fn)
}

// Status 返回当前、等待中的版本和租约数量
func (g *Gatekeeper) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	var s Status
	if g.active != nil {
		s.Active = g.active.Version
	}
	if g.waiting != nil {
		s.Waiting = g.waiting.Version
	}
	s.Leases = len(g.leases)
	return s
}

// Active 返回当前激活的缓存代
func (g *Gatekeeper) Active() (Generation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return Generation{}, false
	}
	return *g.active, true
}

// Restore 从缓存元数据恢复上次激活的版本，不访问网络
func (g *Gatekeeper) Restore(ctx context.Context) (bool, error) {
	version, ok, err := g.storage.Meta(ctx, cache.MetaActiveVersion)
	if err != nil || !ok {
		return false, err
	}
	raw, ok, err := g.storage.Meta(ctx, metaManifestPrefix+version)
	if err != nil || !ok {
		return false, err
	}
	m := &manifest.Manifest{}
	if err := json.Unmarshal([]byte(raw), m); err != nil {
		return false, fmt.Errorf("decode stored manifest %s: %w", version, err)
	}

	g.mu.Lock()
	if g.active == nil {
		g.active = g.generation(m)
	}
	g.mu.Unlock()
	logger.InfoF("Restored active version %s", version)
	return true, nil
}

// Install 预缓存新版本的全部静态资源。任何一个失败都会删除半成品代，当前版本不受影响
func (g *Gatekeeper) Install(ctx context.Context, m *manifest.Manifest) error {
	g.installMu.Lock()
	defer g.installMu.Unlock()

	g.mu.Lock()
	if (g.active != nil && g.active.Version == m.Version) || (g.waiting != nil && g.waiting.Version == m.Version) {
		g.mu.Unlock()
		logger.DebugF("Version %s already installed", m.Version)
		return nil
	}
	g.mu.Unlock()

	gen := g.generation(m)
	logger.InfoF("Installing version %s (%d static paths)", m.Version, len(m.StaticPaths))
	for _, path := range m.StaticPaths {
		if err := g.precache(ctx, gen.Static, path); err != nil {
			if delErr := g.storage.DeleteGeneration(context.WithoutCancel(ctx), gen.Static); delErr != nil {
				logger.ErrorF("Fail to delete partial generation %s, details: %v", gen.Static, delErr)
			}
			logger.ErrorF("Install of version %s failed, details: %v", m.Version, err)
			return fmt.Errorf("%w: %s: %w", ErrInstallFailed, m.Version, err)
		}
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: encode manifest: %w", ErrInstallFailed, err)
	}
	if err := g.storage.SetMeta(ctx, metaManifestPrefix+m.Version, string(raw)); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	g.mu.Lock()
	if g.active == nil || len(g.leases) == 0 {
		// 没有会话在使用当前版本，直接切换
		g.mu.Unlock()
		return g.activate(ctx, gen, false)
	}
	g.waiting = gen
	callbacks := slices.Clone(g.onWaiting)
	g.mu.Unlock()

	logger.InfoF("Version %s installed and waiting", m.Version)
	for _, fn := range callbacks {
		fn(m.Version)
	}
	return nil
}

func (g *Gatekeeper) precache(ctx context.Context, generation, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(g.opts.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := g.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return fmt.Errorf("fetch %s: unexpected status %d", path, resp.StatusCode)
	}
	snapshot, err := cache.NewSnapshot(path, resp, g.opts.Now())
	if err != nil {
		return err
	}
	return g.storage.Put(ctx, generation, snapshot)
}

// Accept 用户确认更新：激活等待中的版本，并把所有租约切换过去
func (g *Gatekeeper) Accept(ctx context.Context) error {
	g.mu.Lock()
	waiting := g.waiting
	g.mu.Unlock()
	if waiting == nil {
		return ErrNoUpdate
	}
	return g.activate(ctx, waiting, true)
}

// activate 切换当前版本，持久化后清理既不是当前也未固定的旧代。
// rebind 为 true 时所有租约在清理之前切换到新版本
func (g *Gatekeeper) activate(ctx context.Context, gen *Generation, rebind bool) error {
	if err := g.storage.SetMeta(ctx, cache.MetaActiveVersion, gen.Version); err != nil {
		return fmt.Errorf("persist active version: %w", err)
	}

	g.mu.Lock()
	g.active = gen
	if g.waiting != nil && g.waiting.Version == gen.Version {
		g.waiting = nil
	}
	for lease := range g.leases {
		if rebind {
			lease.rebind(gen)
		} else {
			lease.bindIfEmpty(gen)
		}
	}
	waiting := g.waiting
	callbacks := slices.Clone(g.onActivate)
	g.mu.Unlock()

	logger.InfoF("Version %s activated", gen.Version)
	g.purge(ctx, gen, waiting)
	for _, fn := range callbacks {
		fn(gen.Version)
	}
	return nil
}

func (g *Gatekeeper) purge(ctx context.Context, active, waiting *Generation) {
	names, err := g.storage.Generations(ctx)
	if err != nil {
		logger.ErrorF("Fail to list cache generations, details: %v", err)
		return
	}
	for _, name := range names {
		prefix, _, version, err := cache.ParseGeneration(name)
		if err != nil || prefix != g.opts.Prefix {
			continue
		}
		if version == active.Version || (waiting != nil && version == waiting.Version) {
			continue
		}
		if slices.Contains(g.opts.Pinned, name) {
			continue
		}
		if err := g.storage.DeleteGeneration(ctx, name); err != nil {
			logger.ErrorF("Fail to purge generation %s, details: %v", name, err)
			continue
		}
		logger.InfoF("Purged stale generation %s", name)
	}
}

// Attach 为一次页面加载创建租约，加载期间固定使用当前版本
func (g *Gatekeeper) Attach() *Lease {
	g.mu.Lock()
	defer g.mu.Unlock()
	lease := &Lease{g: g, gen: g.active}
	g.leases[lease] = struct{}{}
	return lease
}

func (g *Gatekeeper) release(lease *Lease) {
	g.mu.Lock()
	delete(g.leases, lease)
	var next *Generation
	if len(g.leases) == 0 && g.waiting != nil {
		next = g.waiting
	}
	g.mu.Unlock()

	if next == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.activate(ctx, next, false); err != nil {
		logger.ErrorF("Fail to activate waiting version %s, details: %v", next.Version, err)
	}
}

// Lease 一次页面加载对某个缓存代的占用
type Lease struct {
	g        *Gatekeeper
	mu       sync.RWMutex
	gen      *Generation
	released bool
}

// Generation 租约绑定的缓存代；尚无任何激活版本时 ok 为 false
func (l *Lease) Generation() (Generation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.gen == nil {
		return Generation{}, false
	}
	return *l.gen, true
}

func (l *Lease) rebind(gen *Generation) {
	l.mu.Lock()
	l.gen = gen
	l.mu.Unlock()
}

func (l *Lease) bindIfEmpty(gen *Generation) {
	l.mu.Lock()
	if l.gen == nil {
		l.gen = gen
	}
	l.mu.Unlock()
}

func (l *Lease) Release() error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return ErrLeaseReleased
	}
	l.released = true
	l.mu.Unlock()
	l.g.release(l)
	return nil
}
