// Package progress fans progress snapshots out to registered observers.
// Observer failures are logged and never reach the pipeline.
package progress

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/semaphore"

	"github.com/Iron-Ham/phaseflow/internal/agent"
	"github.com/Iron-Ham/phaseflow/internal/event"
	"github.com/Iron-Ham/phaseflow/internal/logging"
	"github.com/Iron-Ham/phaseflow/internal/plan"
	"github.com/Iron-Ham/phaseflow/internal/run"
)

const (
	// DefaultAsyncWorkers bounds concurrent deliveries to async observers.
	DefaultAsyncWorkers = 8
	// DefaultAsyncQueue is how many async deliveries may wait for a worker
	// before new snapshots are dropped.
	DefaultAsyncQueue = 64
	// DefaultFlushTimeout bounds how long Flush waits for async observers.
	DefaultFlushTimeout = 5 * time.Second
)

// Snapshot is an immutable view of run progress. Results is a shallow copy
// taken when the snapshot was built.
type Snapshot struct {
	RunID      string                        `json:"run_id"`
	Completed  int                           `json:"completed"`
	Total      int                           `json:"total"`
	Percentage float64                       `json:"percentage"`
	Status     run.Status                    `json:"status"`
	Results    map[plan.PhaseID]agent.Output `json:"results,omitempty"`
	Timestamp  time.Time                     `json:"timestamp"`
}

// NewSnapshot captures the progress of r.
func NewSnapshot(r *run.PipelineRun, now time.Time) Snapshot {
	completed := len(r.IDsWithStatus(run.PhaseCompleted))
	total := r.Plan().Len()
	return Snapshot{
		RunID:      r.ID(),
		Completed:  completed,
		Total:      total,
		Percentage: run.Percent(completed, total),
		Status:     r.Status(),
		Results:    r.Results(),
		Timestamp:  now,
	}
}

// Observer receives progress snapshots.
type Observer interface {
	OnProgress(s Snapshot) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(s Snapshot) error

// OnProgress calls f.
func (f ObserverFunc) OnProgress(s Snapshot) error { return f(s) }

// AsyncObserver marks an observer for delivery off the publishing
// goroutine.
type AsyncObserver struct {
	Observer
}

// Async wraps o so that it is delivered asynchronously.
func Async(o Observer) AsyncObserver {
	return AsyncObserver{Observer: o}
}

type registration struct {
	id       string
	observer Observer
	async    bool
}

// Publisher delivers snapshots to observers and mirrors them on the event
// bus. It is safe for concurrent use.
type Publisher struct {
	mu        sync.RWMutex
	observers []registration
	nextID    atomic.Uint64

	poolMu sync.Mutex
	pool   *pool.Pool
	// admitted counts deliveries queued or running; running is bounded by
	// workers.
	admitted     *semaphore.Weighted
	running      *semaphore.Weighted
	pending      atomic.Int64
	workers      int
	queue        int
	flushTimeout time.Duration

	bus    *event.Bus
	logger *logging.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithBus mirrors every snapshot as a progress.updated event.
func WithBus(bus *event.Bus) Option {
	return func(p *Publisher) { p.bus = bus }
}

// WithLogger sets the logger used for observer failures.
func WithLogger(l *logging.Logger) Option {
	return func(p *Publisher) { p.logger = logging.OrNop(l) }
}

// WithAsyncWorkers bounds concurrent async deliveries.
func WithAsyncWorkers(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithAsyncQueue sets how many async deliveries may wait for a worker.
// Negative values are ignored.
func WithAsyncQueue(n int) Option {
	return func(p *Publisher) {
		if n >= 0 {
			p.queue = n
		}
	}
}

// WithFlushTimeout bounds Flush. Values below 1 are ignored.
func WithFlushTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.flushTimeout = d
		}
	}
}

// NewPublisher creates a publisher with no observers.
func NewPublisher(opts ...Option) *Publisher {
	p := &Publisher{
		workers:      DefaultAsyncWorkers,
		queue:        DefaultAsyncQueue,
		flushTimeout: DefaultFlushTimeout,
		logger:       logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.admitted = semaphore.NewWeighted(int64(p.workers + p.queue))
	p.running = semaphore.NewWeighted(int64(p.workers))
	p.pool = pool.New()
	return p
}

// Register adds an observer and returns its id. Wrap it with Async for
// asynchronous delivery.
func (p *Publisher) Register(o Observer) string {
	reg := registration{
		id:       fmt.Sprintf("obs-%d", p.nextID.Add(1)),
		observer: o,
	}
	if a, ok := o.(AsyncObserver); ok {
		reg.observer = a.Observer
		reg.async = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, reg)
	return reg.id
}

// Unregister removes an observer. It reports whether the id was known.
func (p *Publisher) Unregister(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := slices.IndexFunc(p.observers, func(r registration) bool { return r.id == id })
	if i < 0 {
		return false
	}
	p.observers = slices.Delete(slices.Clone(p.observers), i, i+1)
	return true
}

// Count returns the number of registered observers.
func (p *Publisher) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.observers)
}

// Publish delivers s to every observer in registration order. Synchronous
// observers run on the caller's goroutine. Async ones are queued and never
// make Publish wait: when the queue is full the snapshot is dropped for that
// observer and a warning is logged.
func (p *Publisher) Publish(s Snapshot) {
	p.mu.RLock()
	observers := p.observers
	p.mu.RUnlock()

	for _, reg := range observers {
		snap := s
		snap.Results = maps.Clone(s.Results)
		if reg.async {
			p.enqueue(reg, snap)
			continue
		}
		p.deliver(reg, snap)
	}

	p.bus.Publish(event.NewProgressUpdatedEvent(s.RunID, s.Completed, s.Total, s.Percentage, string(s.Status)))
}

func (p *Publisher) enqueue(reg registration, s Snapshot) {
	if !p.admitted.TryAcquire(1) {
		p.logger.Warn("async progress observer is saturated, dropping snapshot",
			"observer", reg.id,
			"completed", s.Completed,
			"total", s.Total,
		)
		return
	}
	p.pending.Add(1)

	// Held across Go so Flush cannot swap the pool mid-submit.
	p.poolMu.Lock()
	defer p.poolMu.Unlock()
	p.pool.Go(func() {
		defer func() {
			p.pending.Add(-1)
			p.admitted.Release(1)
		}()
		_ = p.running.Acquire(context.Background(), 1)
		defer p.running.Release(1)
		p.deliver(reg, s)
	})
}

// deliver calls one observer, recovering panics.
func (p *Publisher) deliver(reg registration, s Snapshot) {
	var err error
	recovered := panics.Try(func() { err = reg.observer.OnProgress(s) })
	switch {
	case recovered != nil:
		p.logger.Error("progress observer panicked",
			"observer", reg.id,
			"panic", fmt.Sprint(recovered.Value),
			"stack", string(recovered.Stack),
		)
	case err != nil:
		p.logger.Warn("progress observer failed", "observer", reg.id, "error", err)
	}
}

// Flush waits for queued async deliveries to finish, at most for the flush
// timeout. It reports whether every delivery finished. Deliveries still
// running afterwards are left to complete on their own.
func (p *Publisher) Flush() bool {
	p.poolMu.Lock()
	old := p.pool
	p.pool = pool.New()
	p.poolMu.Unlock()

	done := make(chan struct{})
	go func() {
		old.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.flushTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		p.logger.Warn("async progress observers still running after flush timeout",
			"timeout", p.flushTimeout,
			"pending", p.pending.Load(),
		)
		return false
	}
}
