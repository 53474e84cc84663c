package stagefn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jguan/stagepipe/pkg/pipeline"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

const DefaultMaxConcurrent = 16

// AsyncDispatcher runs each dispatched stage attempt on its own goroutine and
// reports the outcome back to the event handler. Dispatch never waits for the
// stage.
type AsyncDispatcher struct {
	invoker *pipeline.Invoker
	handler pipeline.EventHandler
	sem     *semaphore.Weighted
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type AsyncOption func(*asyncConfig)

type asyncConfig struct {
	maxConcurrent int64
	logger        *slog.Logger
}

func WithMaxConcurrent(n int) AsyncOption {
	return func(c *asyncConfig) {
		if n > 0 {
			c.maxConcurrent = int64(n)
		}
	}
}

func WithLogger(l *slog.Logger) AsyncOption {
	return func(c *asyncConfig) {
		c.logger = l
	}
}

func NewAsyncDispatcher(invoker *pipeline.Invoker, handler pipeline.EventHandler, opts ...AsyncOption) *AsyncDispatcher {
	cfg := &asyncConfig{
		maxConcurrent: DefaultMaxConcurrent,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncDispatcher{
		invoker: invoker,
		handler: handler,
		sem:     semaphore.NewWeighted(cfg.maxConcurrent),
		logger:  cfg.logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Dispatch schedules req. The caller's context only bounds the hand-off; the
// attempt itself runs until it finishes or the dispatcher is closed.
func (d *AsyncDispatcher) Dispatch(ctx context.Context, req pipeline.DispatchRequest) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.wg.Add(1)
	go d.run(req)
	return nil
}

func (d *AsyncDispatcher) run(req pipeline.DispatchRequest) {
	defer d.wg.Done()
	log := d.logger.With("run_id", req.RunID, "stage", req.StageID, "attempt", req.Attempt)

	if req.Delay > 0 {
		timer := time.NewTimer(req.Delay)
		select {
		case <-timer.C:
		case <-d.ctx.Done():
			timer.Stop()
			return
		}
	}

	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		return
	}
	result := d.invoker.Invoke(d.ctx, req)
	d.sem.Release(1)

	if d.ctx.Err() != nil {
		// Shutting down: the attempt stays recorded and the sweep retries it.
		return
	}

	log.Debug("stage attempt finished", "outcome", string(result.Outcome), "duration", result.Duration)
	if _, err := d.handler.HandleEvent(d.ctx, result.Event()); err != nil {
		log.Error("failed to report stage result", "error", err)
	}
}

// Wait blocks until every dispatched attempt, including those dispatched by
// the results of others, has been reported.
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting work, abandons attempts still waiting or running and
// waits for their goroutines to exit.
func (d *AsyncDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	return nil
}

var _ pipeline.Dispatcher = (*AsyncDispatcher)(nil)
