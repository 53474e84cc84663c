package eventbus

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jguan/stagepipe/pkg/pipeline"
)

type SubscriptionID string

type Handler func(event pipeline.ProgressEvent)

type Filter func(event pipeline.ProgressEvent) bool

// Bus fans progress events out to subscribers.
type Bus interface {
	pipeline.ProgressPublisher
	Subscribe(handler Handler, filters ...Filter) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
	Close() error
}

// InMemoryBus delivers events on a fixed set of shards. All events of one run
// land on the same shard, so subscribers see a run's events in publish order.
// Publish never blocks: when a shard is full the event is dropped and counted.
type InMemoryBus struct {
	mu          sync.RWMutex
	subscribers map[SubscriptionID]*subscription
	shards      []chan pipeline.ProgressEvent
	wg          sync.WaitGroup
	closed      bool
	dropped     atomic.Uint64
}

type subscription struct {
	id      SubscriptionID
	handler Handler
	filters []Filter
}

type config struct {
	bufferSize  int
	workerCount int
}

type Option func(*config)

func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

func WithWorkerCount(count int) Option {
	return func(c *config) {
		if count > 0 {
			c.workerCount = count
		}
	}
}

func NewInMemoryBus(opts ...Option) *InMemoryBus {
	cfg := &config{
		bufferSize:  1000,
		workerCount: 4,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	bus := &InMemoryBus{
		subscribers: make(map[SubscriptionID]*subscription),
		shards:      make([]chan pipeline.ProgressEvent, cfg.workerCount),
	}
	for i := range bus.shards {
		bus.shards[i] = make(chan pipeline.ProgressEvent, cfg.bufferSize)
		bus.wg.Add(1)
		go bus.worker(bus.shards[i])
	}
	return bus
}

func (b *InMemoryBus) shardFor(runID string) chan pipeline.ProgressEvent {
	h := fnv.New32a()
	h.Write([]byte(runID))
	return b.shards[h.Sum32()%uint32(len(b.shards))]
}

func (b *InMemoryBus) Publish(ev pipeline.ProgressEvent) {
	b.TryPublish(ev)
}

// TryPublish enqueues ev and reports whether it was accepted.
func (b *InMemoryBus) TryPublish(ev pipeline.ProgressEvent) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.dropped.Add(1)
		return false
	}
	select {
	case b.shardFor(ev.RunID) <- ev:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Dropped is the number of events lost to full buffers or a closed bus.
func (b *InMemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *InMemoryBus) Subscribe(handler Handler, filters ...Filter) (SubscriptionID, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", fmt.Errorf("eventbus is closed")
	}

	id := SubscriptionID(uuid.NewString())
	b.subscribers[id] = &subscription{
		id:      id,
		handler: handler,
		filters: filters,
	}
	return id, nil
}

func (b *InMemoryBus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(b.subscribers, id)
	return nil
}

// Close stops accepting events, delivers what is already queued and waits for
// the workers to exit.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, shard := range b.shards {
		close(shard)
	}
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	b.subscribers = make(map[SubscriptionID]*subscription)
	b.mu.Unlock()
	return nil
}

func (b *InMemoryBus) worker(events <-chan pipeline.ProgressEvent) {
	defer b.wg.Done()
	for ev := range events {
		b.dispatch(ev)
	}
}

func (b *InMemoryBus) dispatch(ev pipeline.ProgressEvent) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if !matchFilters(ev, sub.filters) {
			continue
		}
		deliver(sub.handler, ev)
	}
}

// deliver isolates the bus from a panicking subscriber.
func deliver(h Handler, ev pipeline.ProgressEvent) {
	defer func() { _ = recover() }()
	h(ev)
}

func matchFilters(ev pipeline.ProgressEvent, filters []Filter) bool {
	for _, filter := range filters {
		if !filter(ev) {
			return false
		}
	}
	return true
}

func FilterByRun(runID string) Filter {
	return func(ev pipeline.ProgressEvent) bool {
		return ev.RunID == runID
	}
}

func FilterByStage(stageID string) Filter {
	return func(ev pipeline.ProgressEvent) bool {
		return ev.StageID == stageID
	}
}

func FilterByStatuses(statuses ...pipeline.ProgressStatus) Filter {
	set := make(map[pipeline.ProgressStatus]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return func(ev pipeline.ProgressEvent) bool {
		return set[ev.Status]
	}
}

// RunLevel matches events that describe the run rather than one stage.
func RunLevel() Filter {
	return func(ev pipeline.ProgressEvent) bool {
		return ev.StageID == ""
	}
}

// Stream subscribes to a single run and forwards its events to a channel until
// ctx is done. Events that do not fit in the channel are dropped.
func Stream(ctx context.Context, bus Bus, runID string, size int) (<-chan pipeline.ProgressEvent, error) {
	ch := make(chan pipeline.ProgressEvent, size)
	var mu sync.Mutex
	done := false

	id, err := bus.Subscribe(func(ev pipeline.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	}, FilterByRun(runID))
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = bus.Unsubscribe(id)
		mu.Lock()
		done = true
		close(ch)
		mu.Unlock()
	}()
	return ch, nil
}

var _ Bus = (*InMemoryBus)(nil)
