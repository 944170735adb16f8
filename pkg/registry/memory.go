package registry

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/fleetsync/pkg/types"
)

var _ Registry = (*MemoryRegistry)(nil)

// MemoryRegistry keeps worker nodes in a map. Returned nodes are copies.
type MemoryRegistry struct {
	mu    sync.RWMutex
	nodes map[types.InstanceID]*types.WorkerNode
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		nodes: make(map[types.InstanceID]*types.WorkerNode),
	}
}

func (r *MemoryRegistry) List(ctx context.Context) ([]types.InstanceID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]types.InstanceID, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *MemoryRegistry) Nodes(ctx context.Context) ([]*types.WorkerNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*types.WorkerNode, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, cloneNode(node))
	}
	sortNodes(nodes)
	return nodes, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id types.InstanceID) (*types.WorkerNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneNode(node), nil
}

func (r *MemoryRegistry) Add(ctx context.Context, node *types.WorkerNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes[node.ID] = cloneNode(node)
	return nil
}

func (r *MemoryRegistry) Remove(ctx context.Context, id types.InstanceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.nodes, id)
	return nil
}

func (r *MemoryRegistry) Touch(ctx context.Context, id types.InstanceID, busy bool, at time.Time) error {
	return r.update(id, func(node *types.WorkerNode) {
		node.Busy = busy
		node.LastActivity = at
	})
}

func (r *MemoryRegistry) SetOffline(ctx context.Context, id types.InstanceID, reason string) error {
	return r.update(id, func(node *types.WorkerNode) {
		node.Offline = true
		node.OfflineReason = reason
	})
}

func (r *MemoryRegistry) update(id types.InstanceID, fn func(*types.WorkerNode)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return notFound(id)
	}
	fn(node)
	return nil
}

func (r *MemoryRegistry) Close() error {
	return nil
}
