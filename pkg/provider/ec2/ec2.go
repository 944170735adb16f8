package ec2

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/fleetsync/pkg/provider"
	"github.com/cuemby/fleetsync/pkg/types"
)

const (
	defaultCallTimeout      = 30 * time.Second
	defaultRateLimitHoldoff = 10 * time.Second
)

// API error codes the gateway branches on
var (
	notFoundCodes = map[string]bool{
		"InvalidInstanceID.NotFound":  true,
		"InvalidInstanceID.Malformed": true,
	}
	throttleCodes = map[string]bool{
		"RequestLimitExceeded": true,
		"Throttling":           true,
		"ThrottlingException":  true,
	}
)

// Config holds the settings for talking to the EC2 API
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // Optional custom endpoint (e.g. a local EC2 emulator)
	CallTimeout     time.Duration
	MaxAttempts     int
	// RateLimitHoldoff is how long calls are suspended after a throttling response
	RateLimitHoldoff time.Duration
}

// ec2API is the subset of the EC2 client used by the gateway
type ec2API interface {
	DescribeSpotFleetRequests(ctx context.Context, params *ec2.DescribeSpotFleetRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotFleetRequestsOutput, error)
	DescribeSpotFleetInstances(ctx context.Context, params *ec2.DescribeSpotFleetInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotFleetInstancesOutput, error)
	ModifySpotFleetRequest(ctx context.Context, params *ec2.ModifySpotFleetRequestInput, optFns ...func(*ec2.Options)) (*ec2.ModifySpotFleetRequestOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

var _ provider.Gateway = (*Gateway)(nil)

// Gateway implements provider.Gateway against EC2 spot fleet requests
type Gateway struct {
	client   ec2API
	cfg      Config
	logger   zerolog.Logger
	throttle provider.Throttle
}

// FleetSummary describes one spot fleet request visible to the credentials
type FleetSummary struct {
	ID             string
	State          types.LifecycleState
	TargetCapacity int
}

// NewGateway builds a long-lived EC2 client from cfg
func NewGateway(ctx context.Context, cfg Config, logger zerolog.Logger) (*Gateway, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.MaxAttempts))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return newGateway(client, cfg, logger), nil
}

func newGateway(client ec2API, cfg Config, logger zerolog.Logger) *Gateway {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.RateLimitHoldoff <= 0 {
		cfg.RateLimitHoldoff = defaultRateLimitHoldoff
	}
	return &Gateway{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("provider", "ec2").Str("region", cfg.Region).Logger(),
	}
}

// ReadState reads target capacity, request state and active instances
func (g *Gateway) ReadState(ctx context.Context, fleetID string) (types.FleetState, error) {
	if err := g.throttle.Err(); err != nil {
		return types.FleetState{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	out, err := g.client.DescribeSpotFleetRequests(ctx, &ec2.DescribeSpotFleetRequestsInput{
		SpotFleetRequestIds: []string{fleetID},
	})
	if err != nil {
		return types.FleetState{}, g.fail("DescribeSpotFleetRequests", err)
	}
	if len(out.SpotFleetRequestConfigs) == 0 {
		return types.FleetState{}, provider.Unavailable("DescribeSpotFleetRequests",
			fmt.Errorf("spot fleet request %s not found", fleetID))
	}

	config := out.SpotFleetRequestConfigs[0]
	desired := 0
	if config.SpotFleetRequestConfig != nil {
		desired = int(aws.ToInt32(config.SpotFleetRequestConfig.TargetCapacity))
	}

	var instances []types.InstanceID
	input := &ec2.DescribeSpotFleetInstancesInput{SpotFleetRequestId: aws.String(fleetID)}
	for {
		page, err := g.client.DescribeSpotFleetInstances(ctx, input)
		if err != nil {
			return types.FleetState{}, g.fail("DescribeSpotFleetInstances", err)
		}
		for _, inst := range page.ActiveInstances {
			if inst.InstanceId != nil {
				instances = append(instances, types.InstanceID(*inst.InstanceId))
			}
		}
		if aws.ToString(page.NextToken) == "" {
			break
		}
		input.NextToken = page.NextToken
	}

	return types.NewFleetState(fleetID, desired, lifecycleState(config.SpotFleetRequestState), instances), nil
}

// SetTargetCapacity modifies the spot fleet request's target capacity
func (g *Gateway) SetTargetCapacity(ctx context.Context, fleetID string, capacity int, policy types.TerminationPolicy) error {
	if err := g.throttle.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	input := &ec2.ModifySpotFleetRequestInput{
		SpotFleetRequestId: aws.String(fleetID),
		TargetCapacity:     aws.Int32(int32(capacity)),
	}
	if policy == types.TerminationPolicyNoTermination {
		input.ExcessCapacityTerminationPolicy = ec2types.ExcessCapacityTerminationPolicyNoTermination
	}

	if _, err := g.client.ModifySpotFleetRequest(ctx, input); err != nil {
		return g.fail("ModifySpotFleetRequest", err)
	}

	g.logger.Info().
		Str("fleet_id", fleetID).
		Int("target_capacity", capacity).
		Str("termination_policy", string(policy)).
		Msg("Modified spot fleet target capacity")
	return nil
}

// Terminate terminates the given instances
func (g *Gateway) Terminate(ctx context.Context, ids []types.InstanceID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := g.throttle.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	instanceIDs := make([]string, len(ids))
	for i, id := range ids {
		instanceIDs[i] = string(id)
	}

	g.logger.Info().Strs("instance_ids", instanceIDs).Msg("Terminating instances")
	if _, err := g.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: instanceIDs,
	}); err != nil {
		return g.fail("TerminateInstances", err)
	}
	return nil
}

// DescribeAddress returns the instance's private or public IP address
func (g *Gateway) DescribeAddress(ctx context.Context, id types.InstanceID, usePrivate bool) (provider.AddressLookup, error) {
	if err := g.throttle.Err(); err != nil {
		return provider.AddressLookup{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	out, err := g.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{string(id)},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && notFoundCodes[apiErr.ErrorCode()] {
			return provider.AddressLookup{State: provider.InstanceVanished}, nil
		}
		return provider.AddressLookup{}, g.fail("DescribeInstances", err)
	}

	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return provider.AddressLookup{State: provider.InstanceVanished}, nil
	}

	instance := out.Reservations[0].Instances[0]
	address := aws.ToString(instance.PublicIpAddress)
	if usePrivate {
		address = aws.ToString(instance.PrivateIpAddress)
	}
	if address == "" {
		return provider.AddressLookup{State: provider.AddressPending}, nil
	}
	return provider.AddressLookup{State: provider.AddressAssigned, Address: address}, nil
}

// ListFleets returns every spot fleet request visible to the configured
// credentials, following pagination
func (g *Gateway) ListFleets(ctx context.Context) ([]FleetSummary, error) {
	if err := g.throttle.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	var fleets []FleetSummary
	input := &ec2.DescribeSpotFleetRequestsInput{}
	for {
		out, err := g.client.DescribeSpotFleetRequests(ctx, input)
		if err != nil {
			return nil, g.fail("DescribeSpotFleetRequests", err)
		}
		for _, config := range out.SpotFleetRequestConfigs {
			summary := FleetSummary{
				ID:    aws.ToString(config.SpotFleetRequestId),
				State: lifecycleState(config.SpotFleetRequestState),
			}
			if config.SpotFleetRequestConfig != nil {
				summary.TargetCapacity = int(aws.ToInt32(config.SpotFleetRequestConfig.TargetCapacity))
			}
			fleets = append(fleets, summary)
		}
		if aws.ToString(out.NextToken) == "" {
			return fleets, nil
		}
		input.NextToken = out.NextToken
	}
}

// CheckConnection verifies the credentials can see the fleet's instances
func (g *Gateway) CheckConnection(ctx context.Context, fleetID string) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	if _, err := g.client.DescribeSpotFleetInstances(ctx, &ec2.DescribeSpotFleetInstancesInput{
		SpotFleetRequestId: aws.String(fleetID),
	}); err != nil {
		return g.fail("DescribeSpotFleetInstances", err)
	}
	return nil
}

// fail classifies err, starting a holdoff window on throttling responses
func (g *Gateway) fail(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && throttleCodes[apiErr.ErrorCode()] {
		rle := rateLimitError{
			error:         err,
			earliestRetry: time.Now().Add(g.cfg.RateLimitHoldoff),
		}
		g.throttle.CheckRateLimitError(rle, g.logger, op)
		return provider.Unavailable(op, rle)
	}
	return provider.Unavailable(op, err)
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (e rateLimitError) EarliestRetry() time.Time { return e.earliestRetry }

func (e rateLimitError) Unwrap() error { return e.error }

func lifecycleState(state ec2types.BatchState) types.LifecycleState {
	switch state {
	case ec2types.BatchStateSubmitted:
		return types.FleetStateSubmitted
	case ec2types.BatchStateActive:
		return types.FleetStateActive
	case ec2types.BatchStateModifying:
		return types.FleetStateModifying
	case ec2types.BatchStateCancelled:
		return types.FleetStateCancelled
	case ec2types.BatchStateCancelledRunning:
		return types.FleetStateCancelledRunning
	case ec2types.BatchStateCancelledTerminatingInstances:
		return types.FleetStateCancelledTerminating
	case ec2types.BatchStateFailed:
		return types.FleetStateFailed
	default:
		return types.FleetStateUnknown
	}
}
