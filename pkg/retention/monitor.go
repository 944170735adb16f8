package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetsync/pkg/metrics"
	"github.com/cuemby/fleetsync/pkg/registry"
	"github.com/cuemby/fleetsync/pkg/types"
)

const defaultCheckInterval = time.Minute

// Terminator is the part of the fleet engine the monitor calls back into
type Terminator interface {
	FleetID() string
	TerminateInstanceWithReason(ctx context.Context, id types.InstanceID, reason string) (bool, error)
}

// Monitor reclaims worker nodes that stayed idle longer than their
// retention policy allows
type Monitor struct {
	engine   Terminator
	registry registry.Registry
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates an idle monitor for the engine's fleet
func NewMonitor(engine Terminator, reg registry.Registry, interval time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Monitor{
		engine:   engine,
		registry: reg,
		interval: interval,
		logger:   logger.With().Str("component", "retention").Str("fleet_id", engine.FleetID()).Logger(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the monitor
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.monitorLoop()
}

// Stop stops the monitor
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) monitorLoop() {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-m.stopCh:
			return
		}
	}
}

// Check terminates every idle node of the fleet and returns the IDs that
// were terminated
func (m *Monitor) Check(ctx context.Context) []types.InstanceID {
	nodes, err := m.registry.Nodes(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list worker nodes")
		return nil
	}

	now := m.now()
	var terminated []types.InstanceID
	for _, node := range nodes {
		if !m.expired(node, now) {
			continue
		}

		idle := now.Sub(node.IdleSince())
		ok, err := m.engine.TerminateInstanceWithReason(ctx, node.ID, metrics.ReasonIdle)
		if err != nil {
			m.logger.Error().Err(err).Str("instance_id", string(node.ID)).Msg("Failed to terminate idle instance")
		}
		if !ok {
			m.logger.Debug().
				Str("instance_id", string(node.ID)).
				Dur("idle", idle).
				Msg("Idle instance kept")
			continue
		}
		m.logger.Info().
			Str("instance_id", string(node.ID)).
			Dur("idle", idle).
			Msg("Terminated idle instance")
		terminated = append(terminated, node.ID)
	}
	return terminated
}

func (m *Monitor) expired(node *types.WorkerNode, now time.Time) bool {
	if node.FleetID != m.engine.FleetID() || node.Retention == nil {
		return false
	}
	if node.Busy || node.Offline {
		return false
	}
	return now.Sub(node.IdleSince()) > node.Retention.IdleTimeout
}
