package loopback

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetsync/pkg/provider"
	"github.com/cuemby/fleetsync/pkg/types"
)

// Op names a gateway call, for failure injection and call counting
type Op string

const (
	OpReadState         Op = "ReadState"
	OpSetTargetCapacity Op = "SetTargetCapacity"
	OpTerminate         Op = "Terminate"
	OpDescribeAddress   Op = "DescribeAddress"
)

// Config controls how the simulated fleets behave
type Config struct {
	// AddressLag is the number of address lookups an instance answers with
	// "pending" before its address is assigned
	AddressLag int
	// ManualLaunch stops ReadState from topping fleets up to their target
	// capacity; tests then call Launch explicitly
	ManualLaunch bool
}

var _ provider.Gateway = (*Gateway)(nil)

// Gateway is an in-memory provider. Each fleet behaves like a "maintain"
// spot fleet request: whenever its state is read, it launches instances until
// the running count reaches the target capacity.
type Gateway struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	fleets   map[string]*fleet
	index    map[types.InstanceID]*instance
	seq      int
	failures map[Op]error
	calls    map[Op]int
}

type fleet struct {
	id        string
	target    int
	state     types.LifecycleState
	instances map[types.InstanceID]*instance
}

type instance struct {
	id        types.InstanceID
	fleetID   string
	seq       int
	lookups   int
	vanished  bool
	privateIP string
	publicIP  string
}

// NewGateway creates an empty loopback provider
func NewGateway(cfg Config, logger zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		logger:   logger.With().Str("provider", "loopback").Logger(),
		fleets:   make(map[string]*fleet),
		index:    make(map[types.InstanceID]*instance),
		failures: make(map[Op]error),
		calls:    make(map[Op]int),
	}
}

// AddFleet registers an active fleet with the given target capacity. Adding
// an existing fleet is a no-op.
func (g *Gateway) AddFleet(fleetID string, target int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.fleets[fleetID]; ok {
		return
	}
	g.fleets[fleetID] = &fleet{
		id:        fleetID,
		target:    target,
		state:     types.FleetStateActive,
		instances: make(map[types.InstanceID]*instance),
	}
}

// SetState forces a fleet's lifecycle state
func (g *Gateway) SetState(fleetID string, state types.LifecycleState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.fleets[fleetID]; ok {
		f.state = state
	}
}

// Launch starts n instances in the fleet regardless of its target capacity
// and returns their IDs
func (g *Gateway) Launch(fleetID string, n int) []types.InstanceID {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.fleets[fleetID]
	if !ok {
		return nil
	}
	var ids []types.InstanceID
	for i := 0; i < n; i++ {
		ids = append(ids, g.launch(f).id)
	}
	return ids
}

// Vanish makes the provider forget an instance's details while it is still
// listed as a fleet member, as happens briefly after a spot interruption
func (g *Gateway) Vanish(id types.InstanceID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if inst, ok := g.index[id]; ok {
		inst.vanished = true
	}
}

// Fail makes every subsequent call of op return err. A nil err clears it.
func (g *Gateway) Fail(op Op, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failures, op)
		return
	}
	g.failures[op] = err
}

// Calls returns how many times op has been invoked
func (g *Gateway) Calls(op Op) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// Target returns a fleet's current target capacity
func (g *Gateway) Target(fleetID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.fleets[fleetID]; ok {
		return f.target
	}
	return 0
}

// ReadState returns the simulated fleet, launching instances up to target
func (g *Gateway) ReadState(ctx context.Context, fleetID string) (types.FleetState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpReadState); err != nil {
		return types.FleetState{}, err
	}

	f, ok := g.fleets[fleetID]
	if !ok {
		return types.FleetState{}, provider.Unavailable(string(OpReadState),
			fmt.Errorf("fleet %s not found", fleetID))
	}

	if !g.cfg.ManualLaunch && f.state == types.FleetStateActive {
		for len(f.instances) < f.target {
			g.launch(f)
		}
	}

	ids := make([]types.InstanceID, 0, len(f.instances))
	for id := range f.instances {
		ids = append(ids, id)
	}
	return types.NewFleetState(f.id, f.target, f.state, ids), nil
}

// SetTargetCapacity changes the target. With the default policy, instances
// above the new target are terminated newest first.
func (g *Gateway) SetTargetCapacity(ctx context.Context, fleetID string, capacity int, policy types.TerminationPolicy) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpSetTargetCapacity); err != nil {
		return err
	}

	f, ok := g.fleets[fleetID]
	if !ok {
		return provider.Unavailable(string(OpSetTargetCapacity), fmt.Errorf("fleet %s not found", fleetID))
	}
	if capacity < 0 {
		return fmt.Errorf("invalid target capacity %d", capacity)
	}
	f.target = capacity

	if policy != types.TerminationPolicyNoTermination && len(f.instances) > capacity {
		running := f.sorted()
		for _, inst := range running[capacity:] {
			g.remove(inst)
		}
	}

	g.logger.Debug().
		Str("fleet_id", fleetID).
		Int("target_capacity", capacity).
		Str("termination_policy", string(policy)).
		Msg("Modified target capacity")
	return nil
}

// Terminate removes instances. Unknown IDs are ignored.
func (g *Gateway) Terminate(ctx context.Context, ids []types.InstanceID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpTerminate); err != nil {
		return err
	}
	for _, id := range ids {
		if inst, ok := g.index[id]; ok {
			g.remove(inst)
		}
	}
	return nil
}

// DescribeAddress reports pending until the instance has been looked up more
// than AddressLag times
func (g *Gateway) DescribeAddress(ctx context.Context, id types.InstanceID, usePrivate bool) (provider.AddressLookup, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(OpDescribeAddress); err != nil {
		return provider.AddressLookup{}, err
	}

	inst, ok := g.index[id]
	if !ok || inst.vanished {
		return provider.AddressLookup{State: provider.InstanceVanished}, nil
	}
	inst.lookups++
	if inst.lookups <= g.cfg.AddressLag {
		return provider.AddressLookup{State: provider.AddressPending}, nil
	}
	if usePrivate {
		return provider.AddressLookup{State: provider.AddressAssigned, Address: inst.privateIP}, nil
	}
	return provider.AddressLookup{State: provider.AddressAssigned, Address: inst.publicIP}, nil
}

func (g *Gateway) enter(op Op) error {
	g.calls[op]++
	if err := g.failures[op]; err != nil {
		return provider.Unavailable(string(op), err)
	}
	return nil
}

func (g *Gateway) launch(f *fleet) *instance {
	g.seq++
	inst := &instance{
		id:        types.InstanceID(fmt.Sprintf("i-%08d", g.seq)),
		fleetID:   f.id,
		seq:       g.seq,
		privateIP: fmt.Sprintf("10.0.%d.%d", (g.seq/256)%256, g.seq%256),
		publicIP:  fmt.Sprintf("198.51.100.%d", g.seq%256),
	}
	f.instances[inst.id] = inst
	g.index[inst.id] = inst
	g.logger.Debug().Str("fleet_id", f.id).Str("instance_id", string(inst.id)).Msg("Launched instance")
	return inst
}

func (g *Gateway) remove(inst *instance) {
	if f, ok := g.fleets[inst.fleetID]; ok {
		delete(f.instances, inst.id)
	}
	delete(g.index, inst.id)
	g.logger.Debug().Str("fleet_id", inst.fleetID).Str("instance_id", string(inst.id)).Msg("Terminated instance")
}

func (f *fleet) sorted() []*instance {
	out := make([]*instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
