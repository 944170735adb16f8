package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetsync/pkg/fleet"
)

const (
	defaultInterval       = 10 * time.Second
	defaultPendingTimeout = 10 * time.Minute
)

// Provisioner is the part of the fleet engine the scheduler drives
type Provisioner interface {
	FleetID() string
	CanAcceptWorkload(label string) bool
	Provision(ctx context.Context, label string, demand int) ([]*fleet.PlannedRequest, error)
}

// Config controls the provisioning loop
type Config struct {
	Interval time.Duration
	// PendingTimeout is how long the scheduler counts an unfulfilled planned
	// request against demand before asking for capacity again
	PendingTimeout time.Duration
}

// Scheduler turns workload demand into provision requests for one fleet
type Scheduler struct {
	engine Provisioner
	demand DemandSource
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	outstanding []*fleet.PlannedRequest

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(engine Provisioner, demand DemandSource, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = defaultPendingTimeout
	}
	return &Scheduler{
		engine: engine,
		demand: demand,
		cfg:    cfg,
		logger: logger.With().Str("component", "scheduler").Str("fleet_id", engine.FleetID()).Logger(),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Schedule(ctx)
		case <-s.stopCh:
			return
		}
	}
}

// Schedule performs one provisioning cycle and returns the number of
// planned requests created
func (s *Scheduler) Schedule(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune()

	demand := s.demand.Demand()
	labels := make([]string, 0, len(demand))
	for label := range demand {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	created := 0
	for _, label := range labels {
		if !s.engine.CanAcceptWorkload(label) {
			continue
		}
		excess := demand[label] - s.pending(label)
		if excess <= 0 {
			continue
		}

		requests, err := s.engine.Provision(ctx, label, excess)
		if err != nil {
			s.logger.Error().Err(err).Str("label", label).Int("excess", excess).Msg("Provision failed")
			continue
		}
		if len(requests) > 0 {
			s.logger.Info().
				Str("label", label).
				Int("excess", excess).
				Int("planned", len(requests)).
				Msg("Planned new workers")
		}
		s.outstanding = append(s.outstanding, requests...)
		created += len(requests)
	}
	return created
}

// Outstanding returns the number of unfulfilled planned requests still
// counted against demand
func (s *Scheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	return len(s.outstanding)
}

// prune drops fulfilled requests and those older than the pending timeout.
// Expired requests stay queued in the engine and may still be fulfilled.
func (s *Scheduler) prune() {
	now := s.now()
	kept := s.outstanding[:0]
	for _, r := range s.outstanding {
		if _, done := r.Node(); done {
			continue
		}
		if now.Sub(r.CreatedAt) > s.cfg.PendingTimeout {
			s.logger.Warn().
				Str("request_id", r.ID).
				Dur("age", now.Sub(r.CreatedAt)).
				Msg("Planned request timed out")
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(s.outstanding); i++ {
		s.outstanding[i] = nil
	}
	s.outstanding = kept
}

func (s *Scheduler) pending(label string) int {
	n := 0
	for _, r := range s.outstanding {
		if r.Label == label {
			n++
		}
	}
	return n
}
