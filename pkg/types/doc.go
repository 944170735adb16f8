/*
Package types defines the core data structures shared by every fleetsync component.

# Fleet Snapshots

FleetState is an immutable read of the provider's view of one fleet at one
instant: the desired (target) capacity, the lifecycle state of the fleet request,
and the member instance IDs. Engines take a fresh snapshot on every
reconciliation pass and never modify one after construction:

	state := types.NewFleetState("sfr-123", 3, types.FleetStateActive,
		[]types.InstanceID{"i-2", "i-1"})
	state.Instances // [i-1 i-2], sorted copy
	state.IsActive() // true

Before the first read an engine reports InitialFleetState, a zero-capacity
placeholder in the "initializing" state.

# Worker Nodes

A WorkerNode is the cluster's record of one fleet instance. Its ID is the
instance ID (1:1), so the registry, the provider and the engine all agree on
naming without a lookup table. Every node carries:

  - Address: private or public IP, chosen per fleet
  - WorkDir: a unique scratch directory
  - Executors: fixed at 1
  - Label and Mode: exclusive nodes only run work with a matching label
  - Launch: the LaunchChannel produced by the connector
  - Retention: an idle-timeout policy, when configured

Offline nodes stay registered but accept no new work (see fleet pause).
Busy and LastActivity are reported by the cluster and drive idle retention.

# Termination Policies

TerminationPolicyNoTermination is used when the engine lowers target capacity
for a targeted termination, so that the provider does not pick a second victim.
*/
package types
