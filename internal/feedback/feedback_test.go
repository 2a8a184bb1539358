package feedback

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/phaseflow/internal/agent"
	"github.com/Iron-Ham/phaseflow/internal/errors"
	"github.com/Iron-Ham/phaseflow/internal/event"
	"github.com/Iron-Ham/phaseflow/internal/plan"
)

type countingRecorder struct {
	mu       sync.Mutex
	received map[bool]int
	timeouts int
}

func (r *countingRecorder) FeedbackReceived(applied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.received == nil {
		r.received = map[bool]int{}
	}
	r.received[applied]++
}

func (r *countingRecorder) FeedbackTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts++
}

// silentProvider ignores ctx entirely.
type silentProvider struct{}

func (silentProvider) AwaitFeedback(context.Context, plan.PhaseID, agent.Output) (*Adjustment, error) {
	select {}
}

func TestAdjustment_Apply(t *testing.T) {
	out := agent.Output{"title": "Owls", "pages": 12}
	adj := Adjustment{Approved: false, Notes: "shorter", Overrides: map[string]any{"pages": 8}}

	got := adj.Apply(out)

	if got["pages"] != 8 || got["title"] != "Owls" || got[NotesKey] != "shorter" || got[ApprovedKey] != false {
		t.Errorf("Apply() = %v", got)
	}
	if out["pages"] != 12 {
		t.Error("Apply() modified its input")
	}
	if _, ok := (Adjustment{Approved: true}).Apply(nil)[NotesKey]; ok {
		t.Error("empty notes should not be recorded")
	}
}

func TestCheckpoint_NotConfigured(t *testing.T) {
	p := NewChannelProvider()
	c := NewCheckpoint(p, []plan.PhaseID{2})

	out := agent.Output{"a": 1}
	got, applied, err := c.Maybe(context.Background(), 3, out, time.Second)
	if err != nil || applied || got["a"] != 1 {
		t.Errorf("Maybe() = %v, %v, %v", got, applied, err)
	}
	if _, ok := p.Preview(3); ok {
		t.Error("provider consulted for a non-checkpoint phase")
	}
}

func TestCheckpoint_AppliesAdjustment(t *testing.T) {
	bus := event.NewBus()
	var types []string
	var mu sync.Mutex
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.EventType())
	})
	rec := &countingRecorder{}

	p := NewChannelProvider()
	p.Submit(2, &Adjustment{Approved: true, Overrides: map[string]any{"tone": "warm"}})
	c := NewCheckpoint(p, []plan.PhaseID{2}, WithBus(bus, "run-1"), WithRecorder(rec))

	got, applied, err := c.Maybe(context.Background(), 2, agent.Output{"tone": "cold"}, time.Second)
	if err != nil || !applied {
		t.Fatalf("Maybe() applied=%v err=%v", applied, err)
	}
	if got["tone"] != "warm" {
		t.Errorf("output = %v", got)
	}
	if preview, _ := p.Preview(2); preview["tone"] != "cold" {
		t.Errorf("preview = %v", preview)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 2 || types[0] != event.TypeFeedbackRequested || types[1] != event.TypeFeedbackReceived {
		t.Errorf("events = %v", types)
	}
	if rec.received[true] != 1 {
		t.Errorf("recorder = %+v", rec.received)
	}
}

func TestCheckpoint_NilAdjustmentKeepsOutput(t *testing.T) {
	p := NewChannelProvider()
	p.Submit(5, nil)
	c := NewCheckpoint(p, []plan.PhaseID{5})

	out := agent.Output{"x": 1}
	got, applied, err := c.Maybe(context.Background(), 5, out, time.Second)
	if err != nil || applied || got["x"] != 1 {
		t.Errorf("Maybe() = %v, %v, %v", got, applied, err)
	}
}

func TestCheckpoint_Timeout(t *testing.T) {
	tests := []struct {
		name     string
		provider Provider
	}{
		{"provider honors ctx", NewChannelProvider()},
		{"provider ignores ctx", silentProvider{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := event.NewBus()
			timedOut := make(chan event.Event, 1)
			bus.Subscribe(event.TypeFeedbackTimeout, func(e event.Event) { timedOut <- e })
			rec := &countingRecorder{}
			c := NewCheckpoint(tt.provider, []plan.PhaseID{2}, WithBus(bus, "run-1"), WithRecorder(rec))

			const timeout = 50 * time.Millisecond
			out := agent.Output{"draft": "v1"}
			start := time.Now()
			got, applied, err := c.Maybe(context.Background(), 2, out, timeout)
			elapsed := time.Since(start)

			if !errors.Is(err, errors.ErrTimeout) {
				t.Fatalf("Maybe() error = %v, want ErrTimeout", err)
			}
			if errors.IsFatal(err) {
				t.Error("feedback timeout must not be fatal")
			}
			if applied || got["draft"] != "v1" {
				t.Errorf("output changed on timeout: %v", got)
			}
			if elapsed > timeout+time.Second {
				t.Errorf("Maybe() blocked for %v", elapsed)
			}
			select {
			case <-timedOut:
			default:
				t.Error("no feedback.timeout event published")
			}
			if rec.timeouts != 1 {
				t.Errorf("timeouts = %d, want 1", rec.timeouts)
			}
		})
	}
}

func TestCheckpoint_ParentCancelled(t *testing.T) {
	c := NewCheckpoint(NewChannelProvider(), []plan.PhaseID{2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := c.Maybe(ctx, 2, agent.Output{}, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Maybe() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, errors.ErrTimeout) {
		t.Error("cancellation reported as a timeout")
	}
}

func TestCheckpoint_DefaultTimeout(t *testing.T) {
	c := NewCheckpoint(nil, []plan.PhaseID{1}, WithTimeout(time.Second))
	if c.timeout != time.Second {
		t.Errorf("timeout = %v", c.timeout)
	}
	// nil provider falls back to NoopProvider
	_, applied, err := c.Maybe(context.Background(), 1, agent.Output{}, 0)
	if err != nil || applied {
		t.Errorf("Maybe() = %v, %v", applied, err)
	}
}

func TestChannelProvider_SingleSubmission(t *testing.T) {
	p := NewChannelProvider()
	if !p.Submit(1, &Adjustment{}) {
		t.Fatal("first Submit() = false")
	}
	if p.Submit(1, &Adjustment{}) {
		t.Error("second Submit() before consumption should report false")
	}
}

func TestFileProvider(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "feedback")
	p, err := NewFileProvider(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		// wait for the preview, then answer
		for range 200 {
			if _, err := os.Stat(p.PreviewPath(2)); err == nil {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		doc := "approved: true\nnotes: more owls\noverrides:\n  pages: 10\n"
		_ = os.WriteFile(p.ResponsePath(2), []byte(doc), 0o644)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	adj, err := p.AwaitFeedback(ctx, 2, agent.Output{"pages": 12})
	if err != nil {
		t.Fatalf("AwaitFeedback() error = %v", err)
	}
	if adj == nil || !adj.Approved || adj.Notes != "more owls" || adj.Overrides["pages"] != 10 {
		t.Errorf("adjustment = %+v", adj)
	}

	preview, err := os.ReadFile(p.PreviewPath(2))
	if err != nil || len(preview) == 0 {
		t.Errorf("preview not written: %v", err)
	}
	if _, err := os.Stat(p.ResponsePath(2)); !os.IsNotExist(err) {
		t.Error("response file should be archived after use")
	}
	if _, err := os.Stat(filepath.Join(dir, "phase-2.applied.yaml")); err != nil {
		t.Errorf("archived response missing: %v", err)
	}
}

func TestFileProvider_ExistingResponse(t *testing.T) {
	p, err := NewFileProvider(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.ResponsePath(5), []byte("approved: false\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	adj, err := p.AwaitFeedback(context.Background(), 5, agent.Output{})
	if err != nil || adj == nil || adj.Approved {
		t.Errorf("AwaitFeedback() = %+v, %v", adj, err)
	}
}

func TestFileProvider_Timeout(t *testing.T) {
	p, err := NewFileProvider(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	c := NewCheckpoint(p, []plan.PhaseID{2})
	_, applied, err := c.Maybe(context.Background(), 2, agent.Output{}, 50*time.Millisecond)
	if applied || !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("Maybe() = %v, %v", applied, err)
	}
}
