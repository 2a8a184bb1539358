package feedback

import (
	"context"
	"sync"

	"github.com/Iron-Ham/phaseflow/internal/agent"
	"github.com/Iron-Ham/phaseflow/internal/plan"
)

// NoopProvider never adjusts anything.
type NoopProvider struct{}

// AwaitFeedback returns immediately with no adjustment.
func (NoopProvider) AwaitFeedback(context.Context, plan.PhaseID, agent.Output) (*Adjustment, error) {
	return nil, nil
}

// ChannelProvider delivers feedback submitted programmatically, e.g. by an
// API handler. A submission made before the checkpoint is reached is kept
// until it is consumed. Each phase holds at most one pending submission.
type ChannelProvider struct {
	mu       sync.Mutex
	pending  map[plan.PhaseID]chan *Adjustment
	previews map[plan.PhaseID]agent.Output
}

// NewChannelProvider creates an empty provider.
func NewChannelProvider() *ChannelProvider {
	return &ChannelProvider{
		pending:  make(map[plan.PhaseID]chan *Adjustment),
		previews: make(map[plan.PhaseID]agent.Output),
	}
}

func (p *ChannelProvider) channel(id plan.PhaseID) chan *Adjustment {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.pending[id]
	if !ok {
		ch = make(chan *Adjustment, 1)
		p.pending[id] = ch
	}
	return ch
}

// Submit queues feedback for a phase. A nil adjustment approves the output
// as is. It reports false if feedback is already pending for the phase.
func (p *ChannelProvider) Submit(id plan.PhaseID, adj *Adjustment) bool {
	select {
	case p.channel(id) <- adj:
		return true
	default:
		return false
	}
}

// Preview returns the output last shown to the reviewer of a phase.
func (p *ChannelProvider) Preview(id plan.PhaseID) (agent.Output, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out, ok := p.previews[id]
	return out, ok
}

// AwaitFeedback implements Provider.
func (p *ChannelProvider) AwaitFeedback(ctx context.Context, id plan.PhaseID, preview agent.Output) (*Adjustment, error) {
	p.mu.Lock()
	p.previews[id] = preview
	p.mu.Unlock()

	select {
	case adj := <-p.channel(id):
		return adj, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
