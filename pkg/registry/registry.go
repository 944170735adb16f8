package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/fleetsync/pkg/types"
)

var (
	// ErrNodeNotFound is returned when no worker node has the requested ID
	ErrNodeNotFound = errors.New("node not found")

	// ErrRegistry matches every failure of the backing store
	ErrRegistry = errors.New("registry failure")
)

// Registry is the cluster's inventory of worker nodes. Implementations
// serialize Add and Remove so that callers outside the reconciliation engine
// cannot corrupt it.
type Registry interface {
	// List returns the IDs of every registered node
	List(ctx context.Context) ([]types.InstanceID, error)

	// Nodes returns every registered node, ordered by ID
	Nodes(ctx context.Context) ([]*types.WorkerNode, error)

	// Get returns the node with the given ID or ErrNodeNotFound
	Get(ctx context.Context, id types.InstanceID) (*types.WorkerNode, error)

	// Add registers node, atomically replacing any node with the same ID
	Add(ctx context.Context, node *types.WorkerNode) error

	// Remove deregisters the node. Removing an unknown ID is not an error.
	Remove(ctx context.Context, id types.InstanceID) error

	// Touch records workload activity reported by the cluster
	Touch(ctx context.Context, id types.InstanceID, busy bool, at time.Time) error

	// SetOffline takes the node out of scheduling in a single update,
	// leaving its activity untouched
	SetOffline(ctx context.Context, id types.InstanceID, reason string) error

	Close() error
}

// Error reports a failed registry operation. It matches ErrRegistry and the
// underlying cause with errors.Is.
type Error struct {
	Op  string
	ID  types.InstanceID
	Err error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("registry %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrRegistry, e.Err}
}

func notFound(id types.InstanceID) error {
	return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
}

func sortNodes(nodes []*types.WorkerNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

func cloneNode(node *types.WorkerNode) *types.WorkerNode {
	out := *node
	if node.Retention != nil {
		retention := *node.Retention
		out.Retention = &retention
	}
	return &out
}
