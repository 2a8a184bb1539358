package progress

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/phaseflow/internal/agent"
	"github.com/Iron-Ham/phaseflow/internal/event"
	"github.com/Iron-Ham/phaseflow/internal/logging"
	"github.com/Iron-Ham/phaseflow/internal/plan"
	"github.com/Iron-Ham/phaseflow/internal/run"
)

func snapshot(completed int) Snapshot {
	return Snapshot{
		RunID:      "run-1",
		Completed:  completed,
		Total:      4,
		Percentage: run.Percent(completed, 4),
		Status:     run.StatusRunning,
		Results:    map[plan.PhaseID]agent.Output{1: {"a": 1}},
		Timestamp:  time.Now(),
	}
}

func TestPublisher_DeliversInOrder(t *testing.T) {
	p := NewPublisher()
	var got []string
	p.Register(ObserverFunc(func(Snapshot) error { got = append(got, "first"); return nil }))
	p.Register(ObserverFunc(func(Snapshot) error { got = append(got, "second"); return nil }))

	p.Publish(snapshot(1))

	if strings.Join(got, ",") != "first,second" {
		t.Errorf("delivery order = %v", got)
	}
}

func TestPublisher_Unregister(t *testing.T) {
	p := NewPublisher()
	var calls atomic.Int32
	id := p.Register(ObserverFunc(func(Snapshot) error { calls.Add(1); return nil }))

	if p.Count() != 1 {
		t.Fatalf("Count() = %d", p.Count())
	}
	if !p.Unregister(id) {
		t.Error("Unregister() = false for known id")
	}
	if p.Unregister(id) {
		t.Error("Unregister() = true for removed id")
	}
	p.Publish(snapshot(1))
	if calls.Load() != 0 {
		t.Error("unregistered observer was called")
	}
}

func TestPublisher_IsolatesFailures(t *testing.T) {
	var buf bytes.Buffer
	p := NewPublisher(WithLogger(logging.NewWithWriter(&buf, logging.LevelDebug)))

	var reached atomic.Int32
	p.Register(ObserverFunc(func(Snapshot) error { panic("observer bug") }))
	p.Register(ObserverFunc(func(Snapshot) error { return errors.New("disk full") }))
	p.Register(Async(ObserverFunc(func(Snapshot) error { panic("async bug") })))
	p.Register(ObserverFunc(func(Snapshot) error { reached.Add(1); return nil }))

	p.Publish(snapshot(2))
	p.Flush()

	if reached.Load() != 1 {
		t.Error("observer after a failing one was not called")
	}
	logs := buf.String()
	for _, want := range []string{"observer bug", "disk full", "async bug"} {
		if !strings.Contains(logs, want) {
			t.Errorf("log missing %q:\n%s", want, logs)
		}
	}
}

func TestPublisher_AsyncDoesNotBlock(t *testing.T) {
	p := NewPublisher()
	release := make(chan struct{})
	var delivered atomic.Int32
	p.Register(Async(ObserverFunc(func(Snapshot) error {
		<-release
		delivered.Add(1)
		return nil
	})))

	done := make(chan struct{})
	go func() {
		p.Publish(snapshot(1))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish() blocked on a slow async observer")
	}

	close(release)
	p.Flush()
	if delivered.Load() != 1 {
		t.Errorf("delivered = %d, want 1", delivered.Load())
	}

	// the publisher stays usable after Flush
	p.Publish(snapshot(2))
	p.Flush()
	if delivered.Load() != 2 {
		t.Errorf("delivered = %d after second publish, want 2", delivered.Load())
	}
}

func TestPublisher_StuckAsyncObserver(t *testing.T) {
	var buf syncBuffer
	p := NewPublisher(
		WithLogger(logging.NewWithWriter(&buf, logging.LevelDebug)),
		WithAsyncWorkers(1),
		WithAsyncQueue(1),
		WithFlushTimeout(20*time.Millisecond),
	)
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	p.Register(Async(ObserverFunc(func(Snapshot) error {
		<-stuck
		return nil
	})))
	var syncCalls atomic.Int32
	p.Register(ObserverFunc(func(Snapshot) error { syncCalls.Add(1); return nil }))

	done := make(chan bool)
	go func() {
		// one delivery runs, one waits, the rest are dropped
		for i := range 5 {
			p.Publish(snapshot(i))
		}
		done <- p.Flush()
	}()

	select {
	case flushed := <-done:
		if flushed {
			t.Error("Flush() = true while an observer is still running")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Publish or Flush blocked on a stuck async observer")
	}

	if syncCalls.Load() != 5 {
		t.Errorf("sync observer saw %d snapshots, want 5", syncCalls.Load())
	}
	logs := buf.String()
	if n := strings.Count(logs, "dropping snapshot"); n != 3 {
		t.Errorf("dropped %d snapshots, want 3:\n%s", n, logs)
	}
	if !strings.Contains(logs, "still running after flush timeout") {
		t.Errorf("log missing flush timeout warning:\n%s", logs)
	}
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of async
// deliveries.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPublisher_SnapshotsAreIndependent(t *testing.T) {
	p := NewPublisher()
	p.Register(ObserverFunc(func(s Snapshot) error {
		s.Results[9] = agent.Output{}
		return nil
	}))
	var seen Snapshot
	p.Register(ObserverFunc(func(s Snapshot) error { seen = s; return nil }))

	s := snapshot(1)
	p.Publish(s)

	if _, ok := seen.Results[9]; ok {
		t.Error("observer saw a sibling's mutation")
	}
	if _, ok := s.Results[9]; ok {
		t.Error("observer mutated the published snapshot")
	}
}

func TestPublisher_MirrorsOnBus(t *testing.T) {
	bus := event.NewBus()
	var got event.ProgressUpdatedEvent
	bus.Subscribe(event.TypeProgressUpdated, func(e event.Event) {
		got = e.(event.ProgressUpdatedEvent)
	})

	NewPublisher(WithBus(bus)).Publish(snapshot(2))

	if got.RunID != "run-1" || got.Completed != 2 || got.Percentage != 50 || got.Status != "running" {
		t.Errorf("event = %+v", got)
	}
}

func TestPublisher_ConcurrentRegister(t *testing.T) {
	p := NewPublisher(WithAsyncWorkers(2))
	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			id := p.Register(ObserverFunc(func(Snapshot) error { return nil }))
			p.Publish(snapshot(1))
			p.Unregister(id)
		})
	}
	wg.Wait()
	p.Flush()
	if p.Count() != 0 {
		t.Errorf("Count() = %d, want 0", p.Count())
	}
}

func TestNewSnapshot(t *testing.T) {
	pl, err := plan.Build([]plan.PhaseSpec{{ID: 1}, {ID: 2, DependsOn: []plan.PhaseID{1}}})
	if err != nil {
		t.Fatal(err)
	}
	r := run.New(pl, nil)
	now := time.Now()
	_ = r.Start(now)
	r.MarkRunning(1, now)
	r.MarkCompleted(1, agent.Output{"x": 1}, nil, now)

	s := NewSnapshot(r, now)
	if s.RunID != r.ID() || s.Completed != 1 || s.Total != 2 || s.Percentage != 50 {
		t.Errorf("NewSnapshot() = %+v", s)
	}
	if s.Results[1]["x"] != 1 {
		t.Errorf("Results = %v", s.Results)
	}
}
