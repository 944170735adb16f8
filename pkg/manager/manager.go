package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/fleetsync/pkg/config"
	"github.com/cuemby/fleetsync/pkg/connector"
	"github.com/cuemby/fleetsync/pkg/events"
	"github.com/cuemby/fleetsync/pkg/fleet"
	"github.com/cuemby/fleetsync/pkg/metrics"
	"github.com/cuemby/fleetsync/pkg/provider"
	"github.com/cuemby/fleetsync/pkg/provider/ec2"
	"github.com/cuemby/fleetsync/pkg/provider/loopback"
	"github.com/cuemby/fleetsync/pkg/reconciler"
	"github.com/cuemby/fleetsync/pkg/registry"
	"github.com/cuemby/fleetsync/pkg/retention"
	"github.com/cuemby/fleetsync/pkg/scheduler"
	"github.com/cuemby/fleetsync/pkg/types"
)

// ErrFleetNotFound is returned when a fleet ID is not configured
var ErrFleetNotFound = errors.New("fleet not found")

// Fleet bundles the engine of one fleet with the loops that drive it
type Fleet struct {
	Engine     *fleet.Engine
	Reconciler *reconciler.Reconciler
	Scheduler  *scheduler.Scheduler
	Retention  *retention.Monitor
	// Demand feeds only this fleet's scheduler
	Demand *scheduler.DemandBoard
}

// Manager owns every long-lived component of a fleetsync process
type Manager struct {
	cfg    *config.Config
	logger zerolog.Logger

	gateway   provider.Gateway
	registry  registry.Registry
	connector connector.Connector
	broker    *events.Broker
	health    *health.Server
	collector *metrics.Collector

	fleets map[string]*Fleet
	order  []string

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager builds the gateway, registry, connector and one engine per
// configured fleet. Nothing runs until Start.
func NewManager(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Manager, error) {
	gw, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	reg, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := newConnector(cfg, logger)
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logger.With().Str("component", "manager").Logger(),
		gateway:   gw,
		registry:  reg,
		connector: conn,
		broker:    events.NewBroker(),
		health:    health.NewServer(),
		fleets:    make(map[string]*Fleet, len(cfg.Fleets)),
	}

	for _, fc := range cfg.Fleets {
		if err := m.addFleet(fc, logger); err != nil {
			_ = reg.Close()
			return nil, err
		}
	}
	m.collector = metrics.NewCollector(m, 15*time.Second)

	return m, nil
}

func newGateway(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (provider.Gateway, error) {
	switch cfg.Provider.Type {
	case config.ProviderLoopback:
		gw := loopback.NewGateway(loopback.Config{AddressLag: cfg.Provider.AddressLag}, logger)
		for _, fc := range cfg.Fleets {
			gw.AddFleet(fc.ID, fc.InitialCapacity)
		}
		return gw, nil
	case config.ProviderEC2:
		gw, err := ec2.NewGateway(ctx, EC2Config(cfg.Provider), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create ec2 gateway: %w", err)
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Provider.Type)
	}
}

// EC2Config maps the provider section onto the EC2 gateway settings
func EC2Config(p config.ProviderConfig) ec2.Config {
	return ec2.Config{
		Region:           p.Region,
		AccessKeyID:      p.AccessKeyID,
		SecretAccessKey:  p.SecretAccessKey,
		Endpoint:         p.Endpoint,
		CallTimeout:      p.CallTimeout.Duration,
		MaxAttempts:      p.MaxAttempts,
		RateLimitHoldoff: p.RateLimitHoldoff.Duration,
	}
}

func newRegistry(cfg *config.Config) (registry.Registry, error) {
	switch cfg.Registry.Type {
	case config.RegistryBolt:
		if err := os.MkdirAll(cfg.Registry.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		reg, err := registry.NewBoltRegistry(cfg.Registry.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open registry: %w", err)
		}
		return reg, nil
	default:
		return registry.NewMemoryRegistry(), nil
	}
}

func newConnector(cfg *config.Config, logger zerolog.Logger) (connector.Connector, error) {
	conn, err := connector.NewSSHConnector(connector.Config{
		User:           cfg.Connector.User,
		Port:           cfg.Connector.Port,
		PrivateKeyFile: cfg.Connector.PrivateKeyFile,
		Probe:          cfg.Connector.Probe,
		ProbeTimeout:   cfg.Connector.ProbeTimeout.Duration,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create connector: %w", err)
	}
	return conn, nil
}

func (m *Manager) addFleet(fc config.FleetConfig, logger zerolog.Logger) error {
	engine, err := fleet.NewEngine(fleet.Config{
		FleetID:      fc.ID,
		Label:        fc.Label,
		MaxSize:      fc.MaxSize,
		UsePrivateIP: fc.UsePrivateIP,
		IdleTimeout:  fc.IdleTimeout.Duration,
		ScratchRoot:  fc.ScratchRoot,
	}, m.gateway, m.registry, m.connector,
		fleet.WithBroker(m.broker),
		fleet.WithLogger(logger.With().Str("component", "fleet").Logger()),
	)
	if err != nil {
		return fmt.Errorf("fleet %s: %w", fc.ID, err)
	}

	rec := reconciler.NewReconciler(engine, fc.ReconcileInterval.Duration, logger)
	rec.OnResult(m.recordResult)

	board := scheduler.NewDemandBoard()
	m.fleets[fc.ID] = &Fleet{
		Engine:     engine,
		Reconciler: rec,
		Scheduler: scheduler.NewScheduler(engine, board, scheduler.Config{
			Interval:       fc.ProvisionInterval.Duration,
			PendingTimeout: fc.PendingTimeout.Duration,
		}, logger),
		Retention: retention.NewMonitor(engine, m.registry, fc.IdleCheckInterval.Duration, logger),
		Demand:    board,
	}
	m.order = append(m.order, fc.ID)
	sort.Strings(m.order)
	m.health.SetServingStatus(fc.ID, healthpb.HealthCheckResponse_NOT_SERVING)
	return nil
}

// recordResult mirrors each reconcile outcome into the gRPC health service
func (m *Manager) recordResult(fleetID string, err error) {
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.health.SetServingStatus(fleetID, status)
}

// Start runs the broker, the metrics collector and every fleet loop
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.broker.Start()
		metrics.RegisterComponent(metrics.ComponentRegistry, true, m.cfg.Registry.Type)
		for _, id := range m.order {
			metrics.RegisterFleet(id)
		}

		for _, id := range m.order {
			f := m.fleets[id]
			f.Reconciler.Start()
			f.Scheduler.Start()
			f.Retention.Start()
		}
		m.collector.Start()
		m.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

		m.logger.Info().
			Int("fleets", len(m.order)).
			Str("provider", m.cfg.Provider.Type).
			Str("registry", m.cfg.Registry.Type).
			Msg("Manager started")
	})
}

// Shutdown stops every loop and closes the registry
func (m *Manager) Shutdown() error {
	var err error
	m.stopOnce.Do(func() {
		m.health.Shutdown()

		for _, id := range m.order {
			f := m.fleets[id]
			f.Retention.Stop()
			f.Scheduler.Stop()
			f.Reconciler.Stop()
		}

		m.collector.Stop()
		m.broker.Stop()

		if closeErr := m.registry.Close(); closeErr != nil {
			err = fmt.Errorf("failed to close registry: %w", closeErr)
		}
		m.logger.Info().Msg("Manager stopped")
	})
	return err
}

// Fleet returns the engine bundle of one fleet
func (m *Manager) Fleet(id string) (*Fleet, error) {
	f, ok := m.fleets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFleetNotFound, id)
	}
	return f, nil
}

// Engine returns the engine of one fleet
func (m *Manager) Engine(id string) (*fleet.Engine, error) {
	f, err := m.Fleet(id)
	if err != nil {
		return nil, err
	}
	return f.Engine, nil
}

// Statuses returns the status of every fleet, ordered by fleet ID
func (m *Manager) Statuses() []fleet.Status {
	statuses := make([]fleet.Status, 0, len(m.order))
	for _, id := range m.order {
		statuses = append(statuses, m.fleets[id].Engine.Status())
	}
	return statuses
}

// FleetSamples implements metrics.Source
func (m *Manager) FleetSamples() []metrics.FleetSample {
	samples := make([]metrics.FleetSample, 0, len(m.order))
	for _, st := range m.Statuses() {
		samples = append(samples, metrics.FleetSample{
			FleetID: st.FleetID,
			Desired: st.DesiredCapacity,
			Members: len(st.Instances),
			Seen:    len(st.Seen),
			Dying:   len(st.Dying),
			Pending: st.Pending,
			Paused:  st.Paused,
		})
	}
	return samples
}

// Nodes lists every registered worker node
func (m *Manager) Nodes(ctx context.Context) ([]*types.WorkerNode, error) {
	return m.registry.Nodes(ctx)
}

// ReportActivity records a busy/idle report from the cluster for one node
func (m *Manager) ReportActivity(ctx context.Context, id types.InstanceID, busy bool) error {
	return m.registry.Touch(ctx, id, busy, time.Now())
}

// RemoveNode deletes a worker node from the registry. The owning engine
// treats the instance as orphaned on its next pass and terminates it.
func (m *Manager) RemoveNode(ctx context.Context, id types.InstanceID) error {
	if _, err := m.registry.Get(ctx, id); err != nil {
		return err
	}
	if err := m.registry.Remove(ctx, id); err != nil {
		return err
	}
	m.logger.Info().Str("instance_id", string(id)).Msg("Worker node removed by admin")
	return nil
}

// SetDemand records the number of workers the cluster wants from one fleet
// for label. Fleets sharing a label never see each other's demand.
func (m *Manager) SetDemand(fleetID, label string, count int) error {
	f, err := m.Fleet(fleetID)
	if err != nil {
		return err
	}
	f.Demand.Set(label, count)
	return nil
}

// FleetDemand returns the recorded demand of one fleet per label
func (m *Manager) FleetDemand(fleetID string) (map[string]int, error) {
	f, err := m.Fleet(fleetID)
	if err != nil {
		return nil, err
	}
	return f.Demand.Demand(), nil
}

// Demand returns the recorded demand per fleet and label. Fleets without
// demand are omitted.
func (m *Manager) Demand() map[string]map[string]int {
	out := make(map[string]map[string]int)
	for _, id := range m.order {
		if demand := m.fleets[id].Demand.Demand(); len(demand) > 0 {
			out[id] = demand
		}
	}
	return out
}

// Broker returns the event broker
func (m *Manager) Broker() *events.Broker {
	return m.broker
}

// HealthServer returns the gRPC health service tracking every fleet
func (m *Manager) HealthServer() *health.Server {
	return m.health
}
