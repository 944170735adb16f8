package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/fleetsync/pkg/types"
)

var (
	// ErrUnavailable is returned when the provider cannot be reached, rejects
	// the credentials, or rate-limits the caller
	ErrUnavailable = errors.New("provider unavailable")

	// ErrThrottled is returned while remote calls are suspended after a
	// rate-limit response. It matches ErrUnavailable with errors.Is.
	ErrThrottled = fmt.Errorf("%w: remote calls suspended", ErrUnavailable)
)

// AddressState tells the caller how to treat an address lookup
type AddressState int

const (
	// AddressAssigned means Address holds a usable network address
	AddressAssigned AddressState = iota
	// AddressPending means the instance exists but has no address yet
	AddressPending
	// InstanceVanished means the provider has no record of the instance
	InstanceVanished
)

func (s AddressState) String() string {
	switch s {
	case AddressAssigned:
		return "assigned"
	case AddressPending:
		return "pending"
	case InstanceVanished:
		return "vanished"
	default:
		return fmt.Sprintf("AddressState(%d)", int(s))
	}
}

// AddressLookup is the result of DescribeAddress. Pending and vanished
// instances are expected conditions, not errors.
type AddressLookup struct {
	State   AddressState
	Address string
}

// Gateway defines the cloud provider operations the reconciliation engine
// needs. Implementations bound every call with their own timeout; the engine
// holds its lock across these calls.
type Gateway interface {
	// ReadState returns a fresh snapshot of the fleet. Transport, auth and
	// rate-limit failures wrap ErrUnavailable.
	ReadState(ctx context.Context, fleetID string) (types.FleetState, error)

	// SetTargetCapacity changes the fleet's target capacity. The policy
	// decides whether the provider may terminate excess instances itself.
	SetTargetCapacity(ctx context.Context, fleetID string, capacity int, policy types.TerminationPolicy) error

	// Terminate requests termination of specific instances. Callers treat
	// failures as best effort.
	Terminate(ctx context.Context, ids []types.InstanceID) error

	// DescribeAddress looks up the private or public address of an instance.
	DescribeAddress(ctx context.Context, id types.InstanceID, usePrivate bool) (AddressLookup, error)
}

// Unavailable wraps err so that it matches ErrUnavailable
func Unavailable(op string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// RateLimitError is returned by gateways when the provider asks the caller
// to back off until a given time
type RateLimitError interface {
	error
	EarliestRetry() time.Time
}
