package mtproto

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/john-rice/tdesktop/logger"
)

// TaskFunc represents one iteration of a task running in a goroutine managed
// by the TaskManager. It receives the manager's context so it can block on
// channels without outliving the manager. It should return true to keep
// running, or false to stop the goroutine.
type TaskFunc func(ctx context.Context) bool

// IntervalFunc represents a periodic task body. It should return true to keep
// the interval running, or false to stop it.
type IntervalFunc func() bool

// TaskManager manages the lifecycle of the goroutines a session runs: the
// receive pump and the recurring timers. It provides a structured way to
// start, stop, and wait for goroutines, ensuring proper cancellation and
// resource cleanup.
//
// When the manager's context is canceled all running goroutines are signaled
// to stop; Wait blocks until they have terminated and then re-arms the
// manager for reuse.
type TaskManager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32

	tickers sync.Map     // map[string]*time.Ticker
	mu      sync.RWMutex // protects ctx and cancel
}

// NewTaskManager creates a new TaskManager with the given parent context and logger.
func NewTaskManager(ctx context.Context, l logger.Logger) *TaskManager {
	mgr := &TaskManager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// getContext safely returns the current context.
func (mgr *TaskManager) getContext() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start starts a new goroutine with the given name that repeatedly invokes
// taskFunc until it returns false or the manager stops.
func (mgr *TaskManager) Start(name string, taskFunc TaskFunc) error {
	mgr.logger.Debug("start task", "name", name)

	ctx := mgr.getContext()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("task manager already stopped: %w", err)
	}

	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				mgr.logger.Error("panic in task", "name", name, "panic", r)
			}
			mgr.count.Add(-1)
			mgr.wg.Done()
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
		}()

		for {
			ctx := mgr.getContext()
			select {
			case <-ctx.Done():
				return
			default:
				if !taskFunc(ctx) {
					return
				}
			}
		}
	}()

	return nil
}

// StartInterval starts a new goroutine that executes taskFunc at the given
// interval. If runNow is true, taskFunc is executed once before the first tick.
func (mgr *TaskManager) StartInterval(name string, taskFunc IntervalFunc, interval time.Duration, runNow bool) error {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return fmt.Errorf("invalid interval: %v", interval)
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return fmt.Errorf("interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.Delete(name)
	}

	if runNow && !mgr.callWithRecover(name, taskFunc) {
		cleanup()
		return nil
	}

	err := mgr.Start(name, func(ctx context.Context) bool {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			return mgr.callWithRecover(name, taskFunc)
		}
	})
	if err != nil {
		cleanup()
		return err
	}

	return nil
}

// StopInterval stops the interval task with the given name.
func (mgr *TaskManager) StopInterval(name string) error {
	val, ok := mgr.tickers.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("ticker %s not found", name)
	}

	if ticker, ok := val.(*time.Ticker); ok {
		ticker.Stop()
		return nil
	}

	return fmt.Errorf("ticker %s is not a *time.Ticker", name)
}

// ResetInterval changes the period of a running interval task.
func (mgr *TaskManager) ResetInterval(name string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval: %v", interval)
	}

	val, ok := mgr.tickers.Load(name)
	if !ok {
		return fmt.Errorf("ticker %s not found", name)
	}

	if ticker, ok := val.(*time.Ticker); ok {
		ticker.Reset(interval)
		return nil
	}

	return fmt.Errorf("ticker %s is not a *time.Ticker", name)
}

// callWithRecover calls an interval body with panic protection.
func (mgr *TaskManager) callWithRecover(name string, fn IntervalFunc) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in interval task", "name", name, "panic", r)
			cont = true
		}
	}()

	return fn()
}

// Stop signals all running goroutines and stops all tickers.
func (mgr *TaskManager) Stop() {
	mgr.tickers.Range(func(key, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}
		mgr.tickers.Delete(key)

		return true
	})

	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait waits for all goroutines to terminate, then re-creates the manager's
// context so it can be reused for the next start cycle.
func (mgr *TaskManager) Wait() {
	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *TaskManager) TaskCount() int {
	return int(mgr.count.Load())
}
