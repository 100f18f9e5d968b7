// Package server 本地 worker 主机：同一安装下的多个客户端进程通过 HTTP 共享队列、缓存和更新状态
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/connection"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/worker"
)

// PushOpener 解密 aes128gcm 推送消息体
type PushOpener interface {
	Open(ctx context.Context, body []byte) ([]byte, error)
}

type Deps struct {
	Store   database.ActionStore
	Sender  connection.MessageSender
	Worker  *worker.Worker
	Trigger func()
	Status  func() any
	// Push 为空时拒绝加密推送，明文 JSON 仍可由本机调用方直接提交
	Push PushOpener
	// BaseURL fetch 代理请求的上游地址
	BaseURL string
	Origins []string
}

type Server struct {
	router *chi.Mux
	deps   Deps
}

func NewServer(deps Deps) *Server {
	if deps.Trigger == nil {
		deps.Trigger = func() {}
	}
	origins := deps.Origins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}

	r := chi.NewRouter()
	r.Use(recovery)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Encoding"},
		ExposedHeaders: []string{"X-Cache", "X-Cache-Strategy"},
		MaxAge:         300,
	}))

	s := &Server{router: r, deps: deps}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/status", s.handleStatus)

	s.router.Route("/actions", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/failed", s.handleListFailed)
		r.Post("/{id}/retry", s.handleRetry)
		r.Delete("/{id}", s.handleCancel)
	})

	s.router.Post("/sync", s.handleSync)
	s.router.Post("/update/install", s.handleInstall)
	s.router.Post("/update/accept", s.handleAccept)
	s.router.Post("/push", s.handlePush)
	s.router.Post("/push/{id}", s.handlePush)
	s.router.Post("/notifications/click", s.handleClick)
	s.router.Get("/fetch/*", s.handleFetch)
	s.router.Head("/fetch/*", s.handleFetch)
}

func (s *Server) Router() http.Handler { return s.router }

// Start 监听 addr 直到 ctx 取消，然后优雅关闭
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	logger.InfoF("Worker host listen on %s", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.ErrorF("Worker host close error: %v", err)
			return err
		}
		logger.Info("Worker host stopped")
		return nil
	}
}
