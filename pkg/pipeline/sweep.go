package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultSweepInterval    = 15 * time.Second
	DefaultSweepGrace       = 5 * time.Second
	DefaultSweepConcurrency = 8
	DefaultSweepBatch       = 500
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned  int `json:"scanned"`
	TimedOut int `json:"timed_out"`
	Released int `json:"released"`
	Errors   int `json:"errors"`
}

// Sweeper finds stage attempts that outlived their timeout and reports them as
// infrastructure failures, and releases joins that were never claimed.
type Sweeper struct {
	lister      ActiveLister
	registry    *Registry
	barrier     *BarrierCoordinator
	handler     EventHandler
	grace       time.Duration
	concurrency int
	batch       int
	now         func() time.Time
	logger      *slog.Logger
	observe     func(SweepReport)
}

type SweeperOption func(*Sweeper)

// WithSweepGrace adds slack past a stage timeout before the sweep acts, so the
// invoker's own timeout report normally arrives first.
func WithSweepGrace(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.grace = d
	}
}

func WithSweepConcurrency(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithSweepBatch(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		s.now = now
	}
}

func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = l
	}
}

// WithSweepObserver is called with the report of every sweep Run performs.
func WithSweepObserver(fn func(SweepReport)) SweeperOption {
	return func(s *Sweeper) {
		s.observe = fn
	}
}

func NewSweeper(lister ActiveLister, registry *Registry, handler EventHandler, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		lister:      lister,
		registry:    registry,
		barrier:     NewBarrierCoordinator(registry),
		handler:     handler,
		grace:       DefaultSweepGrace,
		concurrency: DefaultSweepConcurrency,
		batch:       DefaultSweepBatch,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Expired returns the in-flight stages of doc whose attempt window has closed.
func (s *Sweeper) Expired(doc *Document, now time.Time) []string {
	var out []string
	for _, id := range doc.InFlight() {
		spec, ok := s.registry.Stage(id)
		if !ok {
			continue
		}
		d := doc.Dispatches[id]
		if now.After(d.NotBefore.Add(spec.Timeout + s.grace)) {
			out = append(out, id)
		}
	}
	return out
}

func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	docs, err := s.lister.ListActive(ctx, s.batch)
	if err != nil {
		return SweepReport{}, err
	}

	var timedOut, released, failures atomic.Int64
	now := s.now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, doc := range docs {
		if doc.Status != RunStatusRunning || doc.Pipeline != s.registry.Name() {
			continue
		}
		g.Go(func() error {
			log := s.logger.With("run_id", doc.RunID)
			for _, id := range s.Expired(doc, now) {
				d := doc.Dispatches[id]
				ev := Event{
					Kind:    EventStageFailed,
					RunID:   doc.RunID,
					StageID: id,
					Attempt: d.Attempt,
					Error:   FailureReasonTimeout,
					Failure: FailureInfrastructure,
				}
				if _, err := s.handler.HandleEvent(gctx, ev); err != nil {
					failures.Add(1)
					log.Warn("sweep timeout event failed", "stage", id, "error", err)
					continue
				}
				timedOut.Add(1)
				log.Info("stage attempt timed out", "stage", id, "attempt", d.Attempt)
			}
			for _, group := range s.barrier.Unclaimed(doc) {
				ev := Event{Kind: EventJoin, RunID: doc.RunID, StageID: group}
				if _, err := s.handler.HandleEvent(gctx, ev); err != nil {
					failures.Add(1)
					log.Warn("sweep join release failed", "group", group, "error", err)
					continue
				}
				released.Add(1)
			}
			return gctx.Err()
		})
	}

	err = g.Wait()
	return SweepReport{
		Scanned:  len(docs),
		TimedOut: int(timedOut.Load()),
		Released: int(released.Load()),
		Errors:   int(failures.Load()),
	}, err
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Warn("sweep failed", "error", err)
				continue
			}
			if s.observe != nil {
				s.observe(report)
			}
			if report.TimedOut > 0 || report.Released > 0 || report.Errors > 0 {
				s.logger.Info("sweep finished",
					"scanned", report.Scanned,
					"timed_out", report.TimedOut,
					"released", report.Released,
					"errors", report.Errors)
			}
		}
	}
}
