package fleet

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/fleetsync/pkg/connector"
	"github.com/cuemby/fleetsync/pkg/events"
	"github.com/cuemby/fleetsync/pkg/metrics"
	"github.com/cuemby/fleetsync/pkg/provider"
	"github.com/cuemby/fleetsync/pkg/registry"
	"github.com/cuemby/fleetsync/pkg/types"
)

const (
	defaultScratchRoot = "/tmp"
	pauseReason        = "fleetsync pause"
)

// Config holds the immutable per-fleet settings of an engine
type Config struct {
	FleetID      string
	Label        string
	MaxSize      int
	UsePrivateIP bool
	// IdleTimeout attaches a retention policy to new nodes when positive
	IdleTimeout time.Duration
	ScratchRoot string
}

// Status is a read-only view of an engine's bookkeeping
type Status struct {
	FleetID         string               `json:"fleetId"`
	Label           string               `json:"label"`
	MaxSize         int                  `json:"maxSize"`
	State           types.LifecycleState `json:"state"`
	DesiredCapacity int                  `json:"desiredCapacity"`
	Instances       []types.InstanceID   `json:"instances"`
	ReadAt          time.Time            `json:"readAt"`
	Paused          bool                 `json:"paused"`
	Seen            []types.InstanceID   `json:"seen"`
	Dying           []types.InstanceID   `json:"dying"`
	Pending         int                  `json:"pending"`
}

// Engine reconciles one fleet against the worker node registry. Every entry
// point holds the engine lock for its whole duration, provider and registry
// calls included.
type Engine struct {
	cfg       Config
	provider  provider.Gateway
	registry  registry.Registry
	connector connector.Connector
	broker    *events.Broker
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	seen    map[types.InstanceID]struct{}
	dying   map[types.InstanceID]struct{}
	planned []*PlannedRequest
	paused  bool
	latest  types.FleetState
	// adopted is set once the nodes left by a previous process are claimed
	adopted bool
}

// Option configures optional engine collaborators
type Option func(*Engine)

// WithBroker publishes lifecycle events to b
func WithBroker(b *events.Broker) Option {
	return func(e *Engine) { e.broker = b }
}

// WithLogger sets the engine logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine for one fleet
func NewEngine(cfg Config, gw provider.Gateway, reg registry.Registry, conn connector.Connector, opts ...Option) (*Engine, error) {
	if cfg.FleetID == "" {
		return nil, errors.New("fleet ID is required")
	}
	if gw == nil || reg == nil || conn == nil {
		return nil, errors.New("provider, registry and connector are required")
	}
	if cfg.Label == "" {
		cfg.Label = types.DefaultLabel
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = defaultScratchRoot
	}

	e := &Engine{
		cfg:       cfg,
		provider:  gw,
		registry:  reg,
		connector: conn,
		logger:    zerolog.Nop(),
		now:       time.Now,
		seen:      make(map[types.InstanceID]struct{}),
		dying:     make(map[types.InstanceID]struct{}),
		latest:    types.InitialFleetState(cfg.FleetID),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("fleet_id", cfg.FleetID).Logger()
	return e, nil
}

// FleetID returns the fleet this engine manages
func (e *Engine) FleetID() string {
	return e.cfg.FleetID
}

// Reconcile performs one synchronization pass and returns the fresh snapshot
func (e *Engine) Reconcile(ctx context.Context) (types.FleetState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconcile(ctx)
}

func (e *Engine) reconcile(ctx context.Context) (types.FleetState, error) {
	state, err := e.provider.ReadState(ctx, e.cfg.FleetID)
	if err != nil {
		metrics.ReconcileErrors.WithLabelValues(e.cfg.FleetID).Inc()
		return types.FleetState{}, fmt.Errorf("failed to read fleet state: %w", err)
	}
	e.latest = state

	ids, err := e.registry.List(ctx)
	if err != nil {
		metrics.ReconcileErrors.WithLabelValues(e.cfg.FleetID).Inc()
		return types.FleetState{}, fmt.Errorf("failed to list worker nodes: %w", err)
	}
	registered := make(map[types.InstanceID]struct{}, len(ids))
	for _, id := range ids {
		registered[id] = struct{}{}
	}

	if !e.adopted {
		if err := e.adopt(ctx, state.Instances, registered); err != nil {
			metrics.ReconcileErrors.WithLabelValues(e.cfg.FleetID).Inc()
			return types.FleetState{}, fmt.Errorf("failed to adopt worker nodes: %w", err)
		}
		e.adopted = true
	}

	var newInstances []types.InstanceID
	for _, id := range state.Instances {
		if _, ok := registered[id]; ok {
			continue
		}
		if _, ok := e.seen[id]; ok {
			continue
		}
		if _, ok := e.dying[id]; ok {
			continue
		}
		newInstances = append(newInstances, id)
	}
	sort.Slice(newInstances, func(i, j int) bool { return newInstances[i] < newInstances[j] })

	// Seen by us but gone from the registry: nobody manages this capacity
	for _, id := range sortedIDs(e.seen) {
		if _, ok := e.dying[id]; ok {
			continue
		}
		if _, ok := registered[id]; ok {
			continue
		}
		e.logger.Warn().Str("instance_id", string(id)).Msg("Terminating orphaned instance")
		e.publish(events.EventInstanceOrphaned, id, "worker node missing from registry")
		if err := e.terminate(ctx, id, metrics.ReasonOrphan); err != nil {
			e.logger.Error().Err(err).Str("instance_id", string(id)).Msg("Failed to clean up orphaned instance")
		}
	}

	for _, id := range newInstances {
		if err := e.materialize(ctx, id); err != nil {
			metrics.MaterializeFailures.WithLabelValues(e.cfg.FleetID).Inc()
			e.logger.Error().Err(err).Str("instance_id", string(id)).Msg("Failed to register worker node")
		}
	}

	return e.latest, nil
}

// adopt claims the worker nodes this fleet registered before a restart.
// Nodes of current members go back into seen. Nodes whose instance left the
// fleet are deregistered and dropped from registered.
func (e *Engine) adopt(ctx context.Context, members []types.InstanceID, registered map[types.InstanceID]struct{}) error {
	nodes, err := e.registry.Nodes(ctx)
	if err != nil {
		return err
	}

	current := make(map[types.InstanceID]struct{}, len(members))
	for _, id := range members {
		current[id] = struct{}{}
	}

	for _, node := range nodes {
		if node.FleetID != e.cfg.FleetID {
			continue
		}
		if _, ok := e.seen[node.ID]; ok {
			continue
		}
		if _, ok := e.dying[node.ID]; ok {
			continue
		}

		if _, ok := current[node.ID]; ok {
			e.seen[node.ID] = struct{}{}
			e.logger.Info().Str("instance_id", string(node.ID)).Msg("Adopted worker node")
			e.publish(events.EventInstanceAdopted, node.ID, "worker node adopted from registry")
			continue
		}

		if err := e.registry.Remove(ctx, node.ID); err != nil {
			return err
		}
		delete(registered, node.ID)
		e.logger.Info().Str("instance_id", string(node.ID)).Msg("Removed worker node of departed instance")
	}
	return nil
}

// materialize registers a worker node for a new fleet member. Instances
// that vanished or have no address yet are skipped without error.
func (e *Engine) materialize(ctx context.Context, id types.InstanceID) error {
	lookup, err := e.provider.DescribeAddress(ctx, id, e.cfg.UsePrivateIP)
	if err != nil {
		return fmt.Errorf("failed to describe instance: %w", err)
	}
	switch lookup.State {
	case provider.InstanceVanished:
		e.logger.Debug().Str("instance_id", string(id)).Msg("Instance vanished before registration")
		return nil
	case provider.AddressPending:
		e.logger.Debug().Str("instance_id", string(id)).Msg("Instance has no address yet")
		return nil
	}

	launch, err := e.connector.Launch(ctx, lookup.Address)
	if err != nil {
		return fmt.Errorf("failed to create launch channel: %w", err)
	}

	now := e.now()
	node := &types.WorkerNode{
		ID:        id,
		FleetID:   e.cfg.FleetID,
		Name:      "Fleet worker for " + string(id),
		Address:   lookup.Address,
		WorkDir:   path.Join(e.cfg.ScratchRoot, "fleetsync-"+uuid.New().String()[:8]),
		Executors: 1,
		Label:     e.cfg.Label,
		Mode:      types.NodeModeExclusive,
		Launch:    launch,
		CreatedAt: now,
	}
	if e.cfg.IdleTimeout > 0 {
		node.Retention = &types.RetentionPolicy{IdleTimeout: e.cfg.IdleTimeout}
	}

	if err := e.registry.Add(ctx, node); err != nil {
		return fmt.Errorf("failed to add worker node: %w", err)
	}
	e.seen[id] = struct{}{}

	e.logger.Info().
		Str("instance_id", string(id)).
		Str("address", lookup.Address).
		Msg("Registered worker node")
	e.publish(events.EventInstanceRegistered, id, "worker node registered at "+lookup.Address)

	if len(e.planned) > 0 {
		p := e.planned[0]
		e.planned[0] = nil
		e.planned = e.planned[1:]
		p.fulfill(node)
		e.publishMeta(events.EventProvisionFulfilled, id, "planned request fulfilled",
			map[string]string{"request_id": p.ID})
	}
	return nil
}

// terminate asks the provider to terminate id, moves it from seen to dying
// and removes its worker node. Provider failures are logged only.
func (e *Engine) terminate(ctx context.Context, id types.InstanceID, reason string) error {
	if err := e.provider.Terminate(ctx, []types.InstanceID{id}); err != nil {
		e.logger.Warn().Err(err).Str("instance_id", string(id)).Msg("Failed to terminate instance")
	}

	delete(e.seen, id)
	e.dying[id] = struct{}{}
	metrics.Terminations.WithLabelValues(e.cfg.FleetID, reason).Inc()
	e.publishMeta(events.EventInstanceTerminated, id, "instance terminated",
		map[string]string{"reason": reason})

	if err := e.registry.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove worker node: %w", err)
	}
	return nil
}

// Provision asks the provider for up to demand more instances and returns
// one planned request per instance granted. Paused fleets, inactive fleets
// and fleets at their maximum size grant nothing.
func (e *Engine) Provision(ctx context.Context, label string, demand int) ([]*PlannedRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		e.logger.Debug().Int("demand", demand).Msg("Fleet paused, ignoring provision request")
		return nil, nil
	}
	if demand <= 0 || !e.canAcceptWorkload(label) {
		return nil, nil
	}

	state, err := e.reconcile(ctx)
	if err != nil {
		return nil, err
	}

	headroom := e.cfg.MaxSize - state.DesiredCapacity
	if !state.IsActive() || headroom <= 0 {
		e.logger.Debug().
			Str("state", string(state.State)).
			Int("desired", state.DesiredCapacity).
			Int("max_size", e.cfg.MaxSize).
			Msg("Fleet cannot grow")
		return nil, nil
	}

	granted := min(demand, headroom)
	target := state.DesiredCapacity + granted
	if err := e.provider.SetTargetCapacity(ctx, e.cfg.FleetID, target, types.TerminationPolicyDefault); err != nil {
		return nil, fmt.Errorf("failed to raise target capacity: %w", err)
	}

	now := e.now()
	requests := make([]*PlannedRequest, granted)
	for i := range requests {
		requests[i] = newPlannedRequest(label, now)
	}
	e.planned = append(e.planned, requests...)

	metrics.ProvisionGranted.WithLabelValues(e.cfg.FleetID).Add(float64(granted))
	e.logger.Info().
		Str("label", label).
		Int("demand", demand).
		Int("granted", granted).
		Int("target_capacity", target).
		Msg("Requested additional capacity")
	e.publishMeta(events.EventProvisionRequested, "", fmt.Sprintf("requested %d instances", granted),
		map[string]string{"demand": fmt.Sprint(demand), "granted": fmt.Sprint(granted)})

	return requests, nil
}

// TerminateInstance terminates a registered instance on behalf of an operator
func (e *Engine) TerminateInstance(ctx context.Context, id types.InstanceID) (bool, error) {
	return e.TerminateInstanceWithReason(ctx, id, metrics.ReasonAdmin)
}

// TerminateInstanceWithReason shrinks the fleet by one and terminates id.
// It refuses unknown or dying instances, inactive fleets and the last
// instance of a fleet. A registry failure after the instance has been
// terminated is returned together with true.
func (e *Engine) TerminateInstanceWithReason(ctx context.Context, id types.InstanceID, reason string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, seen := e.seen[id]
	_, dying := e.dying[id]
	if !seen || dying {
		e.logger.Debug().Str("instance_id", string(id)).Msg("Ignoring termination of unknown instance")
		return false, nil
	}

	state, err := e.reconcile(ctx)
	if err != nil {
		return false, err
	}
	if state.DesiredCapacity == 1 || !state.IsActive() {
		e.logger.Debug().
			Str("instance_id", string(id)).
			Int("desired", state.DesiredCapacity).
			Str("state", string(state.State)).
			Msg("Refusing to terminate instance")
		return false, nil
	}

	if err := e.provider.SetTargetCapacity(ctx, e.cfg.FleetID, state.DesiredCapacity-1, types.TerminationPolicyNoTermination); err != nil {
		return false, fmt.Errorf("failed to lower target capacity: %w", err)
	}

	e.logger.Info().Str("instance_id", string(id)).Str("reason", reason).Msg("Terminating instance")
	if err := e.terminate(ctx, id, reason); err != nil {
		return true, err
	}
	return true, nil
}

// Pause shrinks the fleet to a single instance and takes the survivor's
// worker node offline. Provision grants nothing until Unpause.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.paused = true
	e.publish(events.EventFleetPaused, "", "fleet paused")

	if err := e.provider.SetTargetCapacity(ctx, e.cfg.FleetID, 1, types.TerminationPolicyDefault); err != nil {
		return fmt.Errorf("failed to lower target capacity: %w", err)
	}

	state, err := e.provider.ReadState(ctx, e.cfg.FleetID)
	if err != nil {
		return fmt.Errorf("failed to read fleet state: %w", err)
	}
	e.latest = state
	if len(state.Instances) == 0 {
		return nil
	}

	members := make([]types.InstanceID, len(state.Instances))
	copy(members, state.Instances)
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

	survivor := members[0]
	var errs []error
	for _, id := range members[1:] {
		if err := e.terminate(ctx, id, metrics.ReasonPause); err != nil {
			errs = append(errs, err)
		}
	}

	if err := e.registry.SetOffline(ctx, survivor, pauseReason); err != nil && !errors.Is(err, registry.ErrNodeNotFound) {
		errs = append(errs, fmt.Errorf("failed to take worker node offline: %w", err))
	}

	e.logger.Info().
		Str("survivor", string(survivor)).
		Int("terminated", len(members)-1).
		Msg("Paused fleet")
	return errors.Join(errs...)
}

// Unpause lets Provision grow the fleet again. Capacity is not restored.
func (e *Engine) Unpause() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		e.paused = false
		e.publish(events.EventFleetUnpaused, "", "fleet unpaused")
		e.logger.Info().Msg("Unpaused fleet")
	}
}

// CanAcceptWorkload reports whether work with label may run on this fleet
func (e *Engine) CanAcceptWorkload(label string) bool {
	return e.canAcceptWorkload(label)
}

func (e *Engine) canAcceptWorkload(label string) bool {
	return e.cfg.FleetID != "" && label == e.cfg.Label
}

// Status returns a copy of the engine's bookkeeping
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	instances := make([]types.InstanceID, len(e.latest.Instances))
	copy(instances, e.latest.Instances)

	return Status{
		FleetID:         e.cfg.FleetID,
		Label:           e.cfg.Label,
		MaxSize:         e.cfg.MaxSize,
		State:           e.latest.State,
		DesiredCapacity: e.latest.DesiredCapacity,
		Instances:       instances,
		ReadAt:          e.latest.ReadAt,
		Paused:          e.paused,
		Seen:            sortedIDs(e.seen),
		Dying:           sortedIDs(e.dying),
		Pending:         len(e.planned),
	}
}

func (e *Engine) publish(typ events.EventType, id types.InstanceID, message string) {
	e.publishMeta(typ, id, message, nil)
}

func (e *Engine) publishMeta(typ events.EventType, id types.InstanceID, message string, meta map[string]string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		Type:       typ,
		FleetID:    e.cfg.FleetID,
		InstanceID: string(id),
		Message:    message,
		Metadata:   meta,
	})
}

func sortedIDs(set map[types.InstanceID]struct{}) []types.InstanceID {
	ids := make([]types.InstanceID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
