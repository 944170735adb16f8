package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetsync/pkg/types"
)

func backends(t *testing.T) map[string]func() Registry {
	return map[string]func() Registry{
		"memory": func() Registry { return NewMemoryRegistry() },
		"bolt": func() Registry {
			r, err := NewBoltRegistry(t.TempDir())
			require.NoError(t, err)
			return r
		},
	}
}

func testNode(id types.InstanceID) *types.WorkerNode {
	return &types.WorkerNode{
		ID:        id,
		FleetID:   "sfr-1",
		Name:      "Fleet worker for " + string(id),
		Address:   "10.0.0.1",
		WorkDir:   "/tmp/fleetsync-abcd1234",
		Executors: 1,
		Label:     types.DefaultLabel,
		Mode:      types.NodeModeExclusive,
		Retention: &types.RetentionPolicy{IdleTimeout: 5 * time.Minute},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestRegistryCRUD(t *testing.T) {
	ctx := context.Background()
	for name, newRegistry := range backends(t) {
		t.Run(name, func(t *testing.T) {
			r := newRegistry()
			defer r.Close()

			ids, err := r.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, ids)

			require.NoError(t, r.Add(ctx, testNode("i-2")))
			require.NoError(t, r.Add(ctx, testNode("i-1")))

			ids, err = r.List(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []types.InstanceID{"i-1", "i-2"}, ids)

			node, err := r.Get(ctx, "i-1")
			require.NoError(t, err)
			assert.Equal(t, "Fleet worker for i-1", node.Name)
			assert.Equal(t, types.NodeModeExclusive, node.Mode)
			require.NotNil(t, node.Retention)
			assert.Equal(t, 5*time.Minute, node.Retention.IdleTimeout)

			nodes, err := r.Nodes(ctx)
			require.NoError(t, err)
			require.Len(t, nodes, 2)
			assert.Equal(t, types.InstanceID("i-1"), nodes[0].ID)
			assert.Equal(t, types.InstanceID("i-2"), nodes[1].ID)

			require.NoError(t, r.Remove(ctx, "i-1"))
			_, err = r.Get(ctx, "i-1")
			assert.ErrorIs(t, err, ErrNodeNotFound)

			// Removing twice is fine
			assert.NoError(t, r.Remove(ctx, "i-1"))
		})
	}
}

func TestRegistryAddReplaces(t *testing.T) {
	ctx := context.Background()
	for name, newRegistry := range backends(t) {
		t.Run(name, func(t *testing.T) {
			r := newRegistry()
			defer r.Close()

			require.NoError(t, r.Add(ctx, testNode("i-1")))

			replacement := testNode("i-1")
			replacement.Address = "10.0.0.99"
			replacement.Offline = true
			replacement.OfflineReason = "maintenance"
			require.NoError(t, r.Add(ctx, replacement))

			ids, err := r.List(ctx)
			require.NoError(t, err)
			assert.Len(t, ids, 1)

			node, err := r.Get(ctx, "i-1")
			require.NoError(t, err)
			assert.Equal(t, "10.0.0.99", node.Address)
			assert.True(t, node.Offline)
			assert.Equal(t, "maintenance", node.OfflineReason)
		})
	}
}

func TestRegistryTouch(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, newRegistry := range backends(t) {
		t.Run(name, func(t *testing.T) {
			r := newRegistry()
			defer r.Close()

			err := r.Touch(ctx, "i-1", true, at)
			assert.ErrorIs(t, err, ErrNodeNotFound)

			require.NoError(t, r.Add(ctx, testNode("i-1")))
			require.NoError(t, r.Touch(ctx, "i-1", true, at))

			node, err := r.Get(ctx, "i-1")
			require.NoError(t, err)
			assert.True(t, node.Busy)
			assert.True(t, node.LastActivity.Equal(at))
			assert.True(t, node.IdleSince().Equal(at))
		})
	}
}

func TestRegistrySetOffline(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, newRegistry := range backends(t) {
		t.Run(name, func(t *testing.T) {
			r := newRegistry()
			defer r.Close()

			err := r.SetOffline(ctx, "i-1", "paused")
			assert.ErrorIs(t, err, ErrNodeNotFound)

			require.NoError(t, r.Add(ctx, testNode("i-1")))
			require.NoError(t, r.Touch(ctx, "i-1", true, at))
			require.NoError(t, r.SetOffline(ctx, "i-1", "paused"))

			node, err := r.Get(ctx, "i-1")
			require.NoError(t, err)
			assert.True(t, node.Offline)
			assert.Equal(t, "paused", node.OfflineReason)
			assert.True(t, node.Busy)
			assert.True(t, node.LastActivity.Equal(at))
		})
	}
}

func TestRegistrySetOfflineKeepsConcurrentTouches(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, newRegistry := range backends(t) {
		t.Run(name, func(t *testing.T) {
			r := newRegistry()
			defer r.Close()
			require.NoError(t, r.Add(ctx, testNode("i-1")))

			var wg sync.WaitGroup
			for i := 1; i <= 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, r.Touch(ctx, "i-1", false, base.Add(time.Duration(i)*time.Second)))
				}(i)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, r.SetOffline(ctx, "i-1", "paused"))
			}()
			wg.Wait()

			node, err := r.Get(ctx, "i-1")
			require.NoError(t, err)
			assert.True(t, node.Offline)
			assert.True(t, node.LastActivity.After(base))
		})
	}
}

func TestMemoryRegistryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	node := testNode("i-1")
	require.NoError(t, r.Add(ctx, node))
	node.Address = "mutated"
	node.Retention.IdleTimeout = time.Hour

	got, err := r.Get(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", got.Address)
	assert.Equal(t, 5*time.Minute, got.Retention.IdleTimeout)

	got.Busy = true
	again, err := r.Get(ctx, "i-1")
	require.NoError(t, err)
	assert.False(t, again.Busy)
}

func TestBoltRegistryPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	r, err := NewBoltRegistry(dir)
	require.NoError(t, err)
	require.NoError(t, r.Add(ctx, testNode("i-1")))
	require.NoError(t, r.Close())

	r, err = NewBoltRegistry(dir)
	require.NoError(t, err)
	defer r.Close()

	node, err := r.Get(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "sfr-1", node.FleetID)
	assert.True(t, node.CreatedAt.Equal(testNode("i-1").CreatedAt))
}

func TestBoltRegistryClosedReturnsRegistryError(t *testing.T) {
	ctx := context.Background()
	r, err := NewBoltRegistry(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	err = r.Remove(ctx, "i-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistry)

	var regErr *Error
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, "remove", regErr.Op)
	assert.Equal(t, types.InstanceID("i-1"), regErr.ID)
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("disk full")

	err := &Error{Op: "add", ID: "i-1", Err: cause}
	assert.Equal(t, "registry add i-1: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrRegistry)

	err = &Error{Op: "list", Err: cause}
	assert.Equal(t, "registry list: disk full", err.Error())
}
