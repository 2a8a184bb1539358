package event

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/phaseflow/internal/logging"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus()

	var received Event
	id := bus.Subscribe(TypePhaseCompleted, func(e Event) {
		received = e
	})
	if id == "" {
		t.Fatal("Subscribe should return a non-empty ID")
	}

	bus.Publish(NewPhaseCompletedEvent("run-1", 2, "narrative", 1, time.Second))

	pe, ok := received.(PhaseEvent)
	if !ok {
		t.Fatalf("received %T, want PhaseEvent", received)
	}
	if pe.PhaseID != 2 || pe.PhaseName != "narrative" || pe.RunID != "run-1" {
		t.Errorf("unexpected event payload: %+v", pe)
	}
	if pe.Timestamp().IsZero() {
		t.Error("timestamp not set")
	}
}

func TestBus_DispatchOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "wildcard") })
	bus.Subscribe(TypeRunStarted, func(e Event) { order = append(order, "first") })
	bus.Subscribe(TypeRunStarted, func(e Event) { order = append(order, "second") })
	bus.Subscribe(TypeRunFinished, func(e Event) { order = append(order, "other") })

	bus.Publish(NewRunStartedEvent("r", 7))

	want := []string{"first", "second", "wildcard"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	keep := bus.Subscribe("test.event", func(e Event) { calls++ })
	drop := bus.Subscribe("test.event", func(e Event) { calls += 100 })

	if !bus.Unsubscribe(drop) {
		t.Fatal("Unsubscribe returned false for a known id")
	}
	if bus.Unsubscribe(drop) {
		t.Error("second Unsubscribe should return false")
	}
	if bus.Unsubscribe("missing") {
		t.Error("Unsubscribe of unknown id should return false")
	}

	bus.Publish(newBaseEvent("test.event"))
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	bus.Unsubscribe(keep)
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", bus.SubscriptionCount())
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("a", func(e Event) {})
	bus.SubscribeAll(func(e Event) {})

	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Clear", bus.SubscriptionCount())
	}
}

func TestBus_HandlerPanicRecovery(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(WithLogger(logging.NewWithWriter(&buf, logging.LevelDebug)))

	calls := 0
	bus.Subscribe("test.event", func(e Event) {
		calls++
		panic("handler panic")
	})
	bus.Subscribe("test.event", func(e Event) { calls++ })

	bus.Publish(newBaseEvent("test.event"))

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestBus_NilSafe(t *testing.T) {
	var bus *Bus
	bus.Publish(NewRunStartedEvent("r", 1))

	NewBus().Publish(nil)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	calls := 0
	bus.Subscribe("test.event", func(e Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			bus.Publish(newBaseEvent("test.event"))
		})
	}
	wg.Wait()

	if calls != 100 {
		t.Errorf("calls = %d, want 100", calls)
	}
}

func TestBus_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			id := bus.Subscribe("test.event", func(e Event) {})
			bus.Unsubscribe(id)
		})
	}
	wg.Wait()

	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", bus.SubscriptionCount())
	}
}

func TestEventConstructors(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{"run started", NewRunStartedEvent("r", 3), TypeRunStarted},
		{"status changed", NewRunStatusChangedEvent("r", "running", "completed"), TypeRunStatusChanged},
		{"run finished", NewRunFinishedEvent("r", "failed", time.Second, cause), TypeRunFinished},
		{"group started", NewGroupStartedEvent("r", "assets", []int{3, 4}), TypeGroupStarted},
		{"group finished", NewGroupFinishedEvent("r", "assets", []int{3}, []int{4}, time.Second), TypeGroupFinished},
		{"phase started", NewPhaseStartedEvent("r", 1, "concept", 0), TypePhaseStarted},
		{"attempt failed", NewPhaseAttemptFailedEvent("r", 1, "concept", 0, cause), TypePhaseAttemptFailed},
		{"phase failed", NewPhaseFailedEvent("r", 1, "concept", 3, cause), TypePhaseFailed},
		{"phase cancelled", NewPhaseCancelledEvent("r", 1, "concept", "user"), TypePhaseCancelled},
		{"phase reset", NewPhaseResetEvent("r", 4, "scene_text", "upstream regenerated"), TypePhaseReset},
		{"quality", NewQualityAssessedEvent("r", 1, 0.5, false, true, "low"), TypeQualityAssessed},
		{"feedback requested", NewFeedbackRequestedEvent("r", 2, time.Minute), TypeFeedbackRequested},
		{"feedback received", NewFeedbackReceivedEvent("r", 2, true, "ok"), TypeFeedbackReceived},
		{"feedback timeout", NewFeedbackTimeoutEvent("r", 2, time.Minute), TypeFeedbackTimeout},
		{"progress", NewProgressUpdatedEvent("r", 1, 7, 14.28, "running"), TypeProgressUpdated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.EventType(); got != tt.want {
				t.Errorf("EventType() = %q, want %q", got, tt.want)
			}
		})
	}
}
