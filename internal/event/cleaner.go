package event

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc 把普通函数适配为 Callable
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

// CloserFunc 适配 Close() error 形式的资源
func CloserFunc(closeFn func() error) Callable {
	return CallableFunc(func(context.Context) error { return closeFn() })
}

type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	cleanOnce      sync.Once
	cleaning       bool
	timeout        time.Duration
	loggerShutdown Callable
	errs           []error
}

func NewCleaner(loggerShutdown Callable) *Cleaner {
	return &Cleaner{timeout: 10 * time.Second, loggerShutdown: loggerShutdown}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Run 阻塞直到 ctx 结束（信号或上层取消），然后执行清理
func (c *Cleaner) Run(ctx context.Context) error {
	<-ctx.Done()
	logger.Info("Shutdown requested, cleaning up")
	return c.Clean()
}

// Clean 按注册的逆序执行清理函数，只执行一次
func (c *Cleaner) Clean() error {
	c.cleanOnce.Do(func() {
		c.mu.Lock()
		c.cleaning = true // 标记为清理中，阻止后续Add操作
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		for i := len(cleanersCopy) - 1; i >= 0; i-- {
			func(idx int, callable Callable) {
				logger.DebugF("Invoking cleaner #%d (%T)", idx+1, callable)
				timeoutCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
				defer cancel()
				if err := callable.Invoke(timeoutCtx); err != nil {
					logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, callable, err)
					c.errs = append(c.errs, err)
				}
			}(i, cleanersCopy[i])
		}

		if len(c.errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup", len(c.errs))
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, client offline")

		if c.loggerShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
			}
		}
	})
	if len(c.errs) > 0 {
		return fmt.Errorf("cleanup finished with %d errors, first: %w", len(c.errs), c.errs[0])
	}
	return nil
}
