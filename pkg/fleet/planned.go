package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/fleetsync/pkg/types"
)

// PlannedRequest is a promise of one worker node, created by Provision and
// fulfilled by a later reconciliation pass. The engine never cancels it;
// callers that stop waiting apply their own timeout.
type PlannedRequest struct {
	ID        string
	Label     string
	CreatedAt time.Time

	once sync.Once
	done chan struct{}
	node *types.WorkerNode
}

func newPlannedRequest(label string, now time.Time) *PlannedRequest {
	return &PlannedRequest{
		ID:        uuid.New().String(),
		Label:     label,
		CreatedAt: now,
		done:      make(chan struct{}),
	}
}

// Done is closed once the request has been fulfilled
func (p *PlannedRequest) Done() <-chan struct{} {
	return p.done
}

// Node returns the worker node without blocking
func (p *PlannedRequest) Node() (*types.WorkerNode, bool) {
	select {
	case <-p.done:
		return p.node, true
	default:
		return nil, false
	}
}

// Wait blocks until the request is fulfilled or ctx is done
func (p *PlannedRequest) Wait(ctx context.Context) (*types.WorkerNode, error) {
	select {
	case <-p.done:
		return p.node, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fulfill sets the result. Only the first call has any effect.
func (p *PlannedRequest) fulfill(node *types.WorkerNode) bool {
	fulfilled := false
	p.once.Do(func() {
		p.node = node
		close(p.done)
		fulfilled = true
	})
	return fulfilled
}
