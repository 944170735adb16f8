package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetsync/pkg/metrics"
	"github.com/cuemby/fleetsync/pkg/types"
)

const defaultInterval = 30 * time.Second

// Engine is the part of the fleet engine the reconciler drives
type Engine interface {
	FleetID() string
	Reconcile(ctx context.Context) (types.FleetState, error)
}

// ResultFunc is called after every pass with the pass error, if any
type ResultFunc func(fleetID string, err error)

// Reconciler periodically synchronizes one fleet with the worker node registry
type Reconciler struct {
	engine   Engine
	interval time.Duration
	logger   zerolog.Logger
	onResult ResultFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler creates a reconciler that runs every interval
func NewReconciler(engine Engine, interval time.Duration, logger zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{
		engine:   engine,
		interval: interval,
		logger:   logger.With().Str("component", "reconciler").Str("fleet_id", engine.FleetID()).Logger(),
		stopCh:   make(chan struct{}),
	}
}

// OnResult registers a callback invoked after every pass
func (r *Reconciler) OnResult(fn ResultFunc) {
	r.onResult = fn
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop stops the reconciler and waits for an in-flight pass to finish
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Reconcile immediately so a restarted process picks up its fleet
	_ = r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = r.RunOnce(ctx)
		case <-r.stopCh:
			return
		}
	}
}

// RunOnce performs one reconciliation pass
func (r *Reconciler) RunOnce(ctx context.Context) error {
	fleetID := r.engine.FleetID()
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconcileDuration, fleetID)

	state, err := r.engine.Reconcile(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Reconciliation failed")
	} else {
		r.logger.Debug().
			Int("desired", state.DesiredCapacity).
			Int("members", len(state.Instances)).
			Str("state", string(state.State)).
			Dur("duration", timer.Duration()).
			Msg("Reconciliation completed")
	}
	metrics.UpdateFleet(fleetID, err)

	if r.onResult != nil {
		r.onResult(fleetID, err)
	}
	return err
}
