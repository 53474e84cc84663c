package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jguan/stagepipe/pkg/pipeline"
)

// PersistentBus publishes to an in-memory bus and records every accepted event
// in a ProgressStore from a background batch writer.
type PersistentBus struct {
	memory      *InMemoryBus
	store       ProgressStore
	buffer      chan pipeline.ProgressEvent
	batchSize   int
	flushPeriod time.Duration
	logger      *slog.Logger
	wg          sync.WaitGroup
	closed      bool
	mu          sync.RWMutex
	dropped     atomic.Uint64
}

type persistentConfig struct {
	bufferSize  int
	batchSize   int
	flushPeriod time.Duration
	workerCount int
	logger      *slog.Logger
}

type PersistentOption func(*persistentConfig)

func WithPersistentBufferSize(size int) PersistentOption {
	return func(c *persistentConfig) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

func WithBatchSize(size int) PersistentOption {
	return func(c *persistentConfig) {
		if size > 0 {
			c.batchSize = size
		}
	}
}

func WithFlushPeriod(period time.Duration) PersistentOption {
	return func(c *persistentConfig) {
		if period > 0 {
			c.flushPeriod = period
		}
	}
}

func WithPersistentWorkerCount(count int) PersistentOption {
	return func(c *persistentConfig) {
		if count > 0 {
			c.workerCount = count
		}
	}
}

func WithPersistentLogger(l *slog.Logger) PersistentOption {
	return func(c *persistentConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewPersistentBus(store ProgressStore, opts ...PersistentOption) *PersistentBus {
	cfg := &persistentConfig{
		bufferSize:  1000,
		batchSize:   100,
		flushPeriod: time.Second,
		workerCount: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	bus := &PersistentBus{
		memory:      NewInMemoryBus(WithBufferSize(cfg.bufferSize), WithWorkerCount(cfg.workerCount)),
		store:       store,
		buffer:      make(chan pipeline.ProgressEvent, cfg.bufferSize),
		batchSize:   cfg.batchSize,
		flushPeriod: cfg.flushPeriod,
		logger:      cfg.logger,
	}

	bus.wg.Add(1)
	go bus.persistenceWorker()
	return bus
}

func (b *PersistentBus) Publish(ev pipeline.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.dropped.Add(1)
		return
	}
	b.memory.Publish(ev)

	select {
	case b.buffer <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Dropped counts events that never reached the history, plus those the
// in-memory fan-out lost.
func (b *PersistentBus) Dropped() uint64 {
	return b.dropped.Load() + b.memory.Dropped()
}

func (b *PersistentBus) Subscribe(handler Handler, filters ...Filter) (SubscriptionID, error) {
	return b.memory.Subscribe(handler, filters...)
}

func (b *PersistentBus) Unsubscribe(id SubscriptionID) error {
	return b.memory.Unsubscribe(id)
}

func (b *PersistentBus) Query(ctx context.Context, filter QueryFilter) ([]pipeline.ProgressEvent, error) {
	return b.store.Query(ctx, filter)
}

// Replay hands the recorded history of a run to handler, oldest first.
func (b *PersistentBus) Replay(ctx context.Context, runID string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	events, err := b.store.Query(ctx, QueryFilter{RunID: runID})
	if err != nil {
		return fmt.Errorf("query progress: %w", err)
	}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		handler(ev)
	}
	return nil
}

// Close flushes buffered history (waiting at most five seconds) and closes the
// in-memory bus.
func (b *PersistentBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.buffer)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("progress history flush timed out")
	}

	return b.memory.Close()
}

func (b *PersistentBus) persistenceWorker() {
	defer b.wg.Done()

	batch := make([]pipeline.ProgressEvent, 0, b.batchSize)
	ticker := time.NewTicker(b.flushPeriod)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := b.store.SaveBatch(context.Background(), batch); err != nil {
			b.logger.Warn("failed to persist progress", "events", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-b.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

var _ Bus = (*PersistentBus)(nil)
