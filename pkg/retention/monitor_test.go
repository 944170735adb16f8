package retention

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetsync/pkg/metrics"
	"github.com/cuemby/fleetsync/pkg/registry"
	"github.com/cuemby/fleetsync/pkg/types"
)

type fakeTerminator struct {
	mu      sync.Mutex
	refuse  map[types.InstanceID]bool
	err     error
	calls   []types.InstanceID
	reasons []string
}

func (f *fakeTerminator) FleetID() string { return "sfr-idle" }

func (f *fakeTerminator) TerminateInstanceWithReason(ctx context.Context, id types.InstanceID, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	f.reasons = append(f.reasons, reason)
	if f.refuse[id] {
		return false, nil
	}
	return true, f.err
}

func (f *fakeTerminator) called() []types.InstanceID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.InstanceID(nil), f.calls...)
}

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func addNode(t *testing.T, reg registry.Registry, node types.WorkerNode) {
	t.Helper()
	if node.FleetID == "" {
		node.FleetID = "sfr-idle"
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = base
	}
	require.NoError(t, reg.Add(context.Background(), &node))
}

func TestCheckTerminatesIdleNodes(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	policy := &types.RetentionPolicy{IdleTimeout: 10 * time.Minute}

	addNode(t, reg, types.WorkerNode{ID: "i-idle", Retention: policy})
	addNode(t, reg, types.WorkerNode{ID: "i-recent", Retention: policy, LastActivity: base.Add(25 * time.Minute)})
	addNode(t, reg, types.WorkerNode{ID: "i-busy", Retention: policy, Busy: true})
	addNode(t, reg, types.WorkerNode{ID: "i-offline", Retention: policy, Offline: true})
	addNode(t, reg, types.WorkerNode{ID: "i-forever"})
	addNode(t, reg, types.WorkerNode{ID: "i-other", FleetID: "sfr-other", Retention: policy})

	engine := &fakeTerminator{}
	m := NewMonitor(engine, reg, time.Minute, zerolog.New(io.Discard))
	m.now = func() time.Time { return base.Add(30 * time.Minute) }

	terminated := m.Check(context.Background())
	assert.Equal(t, []types.InstanceID{"i-idle"}, terminated)
	assert.Equal(t, []types.InstanceID{"i-idle"}, engine.called())
	assert.Equal(t, []string{metrics.ReasonIdle}, engine.reasons)
}

func TestCheckMeasuresFromLastActivity(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	addNode(t, reg, types.WorkerNode{
		ID:           "i-1",
		Retention:    &types.RetentionPolicy{IdleTimeout: 10 * time.Minute},
		LastActivity: base.Add(time.Hour),
	})

	engine := &fakeTerminator{}
	m := NewMonitor(engine, reg, time.Minute, zerolog.New(io.Discard))

	m.now = func() time.Time { return base.Add(65 * time.Minute) }
	assert.Empty(t, m.Check(context.Background()))

	m.now = func() time.Time { return base.Add(71 * time.Minute) }
	assert.Equal(t, []types.InstanceID{"i-1"}, m.Check(context.Background()))
}

func TestCheckRefusalKeepsNode(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	addNode(t, reg, types.WorkerNode{ID: "i-last", Retention: &types.RetentionPolicy{IdleTimeout: time.Minute}})

	engine := &fakeTerminator{refuse: map[types.InstanceID]bool{"i-last": true}}
	m := NewMonitor(engine, reg, time.Minute, zerolog.New(io.Discard))
	m.now = func() time.Time { return base.Add(time.Hour) }

	assert.Empty(t, m.Check(context.Background()))
	assert.Equal(t, []types.InstanceID{"i-last"}, engine.called())
}

func TestCheckReportsTerminationWithRegistryError(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	addNode(t, reg, types.WorkerNode{ID: "i-1", Retention: &types.RetentionPolicy{IdleTimeout: time.Minute}})

	engine := &fakeTerminator{err: errors.New("registry unavailable")}
	m := NewMonitor(engine, reg, time.Minute, zerolog.New(io.Discard))
	m.now = func() time.Time { return base.Add(time.Hour) }

	assert.Equal(t, []types.InstanceID{"i-1"}, m.Check(context.Background()))
}

func TestMonitorLoop(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	addNode(t, reg, types.WorkerNode{ID: "i-1", Retention: &types.RetentionPolicy{IdleTimeout: time.Millisecond}})

	engine := &fakeTerminator{}
	m := NewMonitor(engine, reg, 10*time.Millisecond, zerolog.New(io.Discard))
	m.Start()
	defer m.Stop()

	assert.Eventually(t, func() bool { return len(engine.called()) > 0 }, time.Second, 5*time.Millisecond)
}
