package loopback

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetsync/pkg/provider"
	"github.com/cuemby/fleetsync/pkg/types"
)

func newTestGateway(cfg Config) *Gateway {
	return NewGateway(cfg, zerolog.New(io.Discard))
}

func TestReadStateLaunchesToTarget(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(Config{})
	gw.AddFleet("sfr-dev", 2)

	state, err := gw.ReadState(ctx, "sfr-dev")
	require.NoError(t, err)
	assert.Equal(t, 2, state.DesiredCapacity)
	assert.Equal(t, types.FleetStateActive, state.State)
	assert.Equal(t, []types.InstanceID{"i-00000001", "i-00000002"}, state.Instances)

	// A second read does not launch more
	state, err = gw.ReadState(ctx, "sfr-dev")
	require.NoError(t, err)
	assert.Len(t, state.Instances, 2)
}

func TestReadStateUnknownFleet(t *testing.T) {
	gw := newTestGateway(Config{})

	_, err := gw.ReadState(context.Background(), "sfr-missing")
	assert.ErrorIs(t, err, provider.ErrUnavailable)
}

func TestManualLaunch(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(Config{ManualLaunch: true})
	gw.AddFleet("sfr-dev", 3)

	state, err := gw.ReadState(ctx, "sfr-dev")
	require.NoError(t, err)
	assert.Empty(t, state.Instances)

	ids := gw.Launch("sfr-dev", 2)
	require.Len(t, ids, 2)

	state, err = gw.ReadState(ctx, "sfr-dev")
	require.NoError(t, err)
	assert.Equal(t, ids, state.Instances)
	assert.Equal(t, 3, state.DesiredCapacity)
}

func TestInactiveFleetDoesNotLaunch(t *testing.T) {
	gw := newTestGateway(Config{})
	gw.AddFleet("sfr-dev", 2)
	gw.SetState("sfr-dev", types.FleetStateModifying)

	state, err := gw.ReadState(context.Background(), "sfr-dev")
	require.NoError(t, err)
	assert.Empty(t, state.Instances)
	assert.False(t, state.IsActive())
}

func TestSetTargetCapacityPolicies(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(Config{})
	gw.AddFleet("sfr-dev", 3)
	_, err := gw.ReadState(ctx, "sfr-dev")
	require.NoError(t, err)

	// noTermination keeps the running instances
	require.NoError(t, gw.SetTargetCapacity(ctx, "sfr-dev", 2, types.TerminationPolicyNoTermination))
	state, err := gw.ReadState(ctx, "sfr-dev")
	require.NoError(t, err)
	assert.Equal(t, 2, state.DesiredCapacity)
	assert.Len(t, state.Instances, 3)

	// default terminates the newest excess instances
	require.NoError(t, gw.SetTargetCapacity(ctx, "sfr-dev", 1, types.TerminationPolicyDefault))
	state, err = gw.ReadState(ctx, "sfr-dev")
	require.NoError(t, err)
	assert.Equal(t, []types.InstanceID{"i-00000001"}, state.Instances)
	assert.Equal(t, 1, gw.Target("sfr-dev"))
}

func TestTerminateReplacesBelowTarget(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(Config{})
	gw.AddFleet("sfr-dev", 2)
	_, err := gw.ReadState(ctx, "sfr-dev")
	require.NoError(t, err)

	require.NoError(t, gw.Terminate(ctx, []types.InstanceID{"i-00000001", "i-unknown"}))

	state, err := gw.ReadState(ctx, "sfr-dev")
	require.NoError(t, err)
	assert.Equal(t, []types.InstanceID{"i-00000002", "i-00000003"}, state.Instances)
}

func TestDescribeAddressLag(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(Config{AddressLag: 1})
	gw.AddFleet("sfr-dev", 1)
	_, err := gw.ReadState(ctx, "sfr-dev")
	require.NoError(t, err)

	lookup, err := gw.DescribeAddress(ctx, "i-00000001", true)
	require.NoError(t, err)
	assert.Equal(t, provider.AddressPending, lookup.State)

	lookup, err = gw.DescribeAddress(ctx, "i-00000001", true)
	require.NoError(t, err)
	assert.Equal(t, provider.AddressAssigned, lookup.State)
	assert.Equal(t, "10.0.0.1", lookup.Address)

	lookup, err = gw.DescribeAddress(ctx, "i-00000001", false)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.1", lookup.Address)
}

func TestDescribeAddressVanished(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(Config{})
	gw.AddFleet("sfr-dev", 1)
	_, err := gw.ReadState(ctx, "sfr-dev")
	require.NoError(t, err)

	lookup, err := gw.DescribeAddress(ctx, "i-99999999", true)
	require.NoError(t, err)
	assert.Equal(t, provider.InstanceVanished, lookup.State)

	gw.Vanish("i-00000001")
	lookup, err = gw.DescribeAddress(ctx, "i-00000001", true)
	require.NoError(t, err)
	assert.Equal(t, provider.InstanceVanished, lookup.State)
}

func TestFailureInjection(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(Config{})
	gw.AddFleet("sfr-dev", 1)

	cause := errors.New("connection reset")
	gw.Fail(OpSetTargetCapacity, cause)

	err := gw.SetTargetCapacity(ctx, "sfr-dev", 4, types.TerminationPolicyDefault)
	assert.ErrorIs(t, err, provider.ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, gw.Target("sfr-dev"))
	assert.Equal(t, 1, gw.Calls(OpSetTargetCapacity))

	gw.Fail(OpSetTargetCapacity, nil)
	require.NoError(t, gw.SetTargetCapacity(ctx, "sfr-dev", 4, types.TerminationPolicyDefault))
	assert.Equal(t, 4, gw.Target("sfr-dev"))
	assert.Equal(t, 2, gw.Calls(OpSetTargetCapacity))
}
