package types

import (
	"sort"
	"time"
)

// DefaultLabel is the worker label fleets accept when none is configured
const DefaultLabel = "ec2-fleet"

// InstanceID identifies one virtual machine instance for its whole lifetime.
// The worker node that represents the instance uses the same identifier.
type InstanceID string

// LifecycleState is the provider-reported status of a fleet request
type LifecycleState string

const (
	FleetStateInitializing         LifecycleState = "initializing"
	FleetStateSubmitted            LifecycleState = "submitted"
	FleetStateActive               LifecycleState = "active"
	FleetStateModifying            LifecycleState = "modifying"
	FleetStateCancelled            LifecycleState = "cancelled"
	FleetStateCancelledRunning     LifecycleState = "cancelled_running"
	FleetStateCancelledTerminating LifecycleState = "cancelled_terminating"
	FleetStateFailed               LifecycleState = "failed"
	FleetStateUnknown              LifecycleState = "unknown"
)

// FleetState is a point-in-time read of the provider's view of a fleet.
// A FleetState is never modified after construction; every read produces a new one.
type FleetState struct {
	FleetID         string
	DesiredCapacity int
	State           LifecycleState
	Instances       []InstanceID // Sorted member instance IDs
	ReadAt          time.Time
}

// NewFleetState builds a snapshot, copying and sorting the member list
func NewFleetState(fleetID string, desired int, state LifecycleState, instances []InstanceID) FleetState {
	members := make([]InstanceID, len(instances))
	copy(members, instances)
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

	return FleetState{
		FleetID:         fleetID,
		DesiredCapacity: desired,
		State:           state,
		Instances:       members,
		ReadAt:          time.Now(),
	}
}

// InitialFleetState is the placeholder an engine reports before its first read
func InitialFleetState(fleetID string) FleetState {
	return FleetState{
		FleetID: fleetID,
		State:   FleetStateInitializing,
	}
}

// IsActive reports whether the fleet request accepts capacity changes
func (s FleetState) IsActive() bool {
	return s.State == FleetStateActive
}

// Members returns the member instances as a set
func (s FleetState) Members() map[InstanceID]struct{} {
	members := make(map[InstanceID]struct{}, len(s.Instances))
	for _, id := range s.Instances {
		members[id] = struct{}{}
	}
	return members
}

// TerminationPolicy controls whether the provider picks instances to terminate
// when target capacity drops below the running count
type TerminationPolicy string

const (
	// TerminationPolicyDefault lets the provider terminate excess instances
	TerminationPolicyDefault TerminationPolicy = "default"

	// TerminationPolicyNoTermination keeps running instances; the caller
	// terminates the instance it chose itself
	TerminationPolicyNoTermination TerminationPolicy = "noTermination"
)

// NodeMode defines how the cluster assigns work to a node
type NodeMode string

const (
	// NodeModeExclusive only runs work whose label matches the node label
	NodeModeExclusive NodeMode = "exclusive"
	NodeModeNormal    NodeMode = "normal"
)

// WorkerNode is the cluster's record of one fleet instance
type WorkerNode struct {
	ID            InstanceID       `json:"id"`
	FleetID       string           `json:"fleetId"`
	Name          string           `json:"name"`
	Address       string           `json:"address"` // Private or public IP, per fleet configuration
	WorkDir       string           `json:"workDir"` // Scratch working directory on the worker
	Executors     int              `json:"executors"`
	Label         string           `json:"label"`
	Mode          NodeMode         `json:"mode"`
	Launch        LaunchChannel    `json:"launch"`
	Retention     *RetentionPolicy `json:"retention,omitempty"`
	Offline       bool             `json:"offline"`
	OfflineReason string           `json:"offlineReason,omitempty"`
	Busy          bool             `json:"busy"`
	LastActivity  time.Time        `json:"lastActivity"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// LaunchChannel describes how the cluster attaches to a worker process
type LaunchChannel struct {
	Method         string `json:"method"` // "ssh"
	Address        string `json:"address"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	KeyFingerprint string `json:"keyFingerprint,omitempty"`
}

// RetentionPolicy is attached to worker nodes that should be reclaimed when idle
type RetentionPolicy struct {
	IdleTimeout time.Duration `json:"idleTimeout"`
}

// IdleSince returns the instant from which idleness is measured
func (n *WorkerNode) IdleSince() time.Time {
	if n.LastActivity.IsZero() {
		return n.CreatedAt
	}
	return n.LastActivity
}
