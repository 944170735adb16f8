/*
Package reconciler runs the periodic synchronization pass of one fleet.

Every fleet gets its own Reconciler. It calls the engine's Reconcile once at
start-up, so a restarted process adopts the instances its fleet already runs,
and then on a fixed interval (30 seconds by default):

	┌──────────────────────────────────────────────┐
	│            Reconciliation Loop               │
	│       (start-up, then every interval)        │
	└──────────────────────┬───────────────────────┘
	                       │
	                       ▼
	              engine.Reconcile(ctx)
	                       │
	        ┌──────────────┼───────────────┐
	        ▼              ▼               ▼
	   register new   terminate       refresh the
	   fleet members  orphans         snapshot
	                       │
	                       ▼
	            ResultFunc(fleetID, err)

A failed pass is logged, counted in fleetsync_reconcile_errors_total and marks
the "provider" health component unhealthy. The next successful pass marks it
healthy again. Pass latency is observed in fleetsync_reconcile_duration_seconds.

The engine serializes Reconcile against Provision, Pause and
TerminateInstance, so a pass triggered through the admin API while the loop
is running simply waits for the lock.

# Usage

	r := reconciler.NewReconciler(engine, 30*time.Second, logger)
	r.OnResult(func(fleetID string, err error) {
		// e.g. flip the fleet's gRPC health status
	})
	r.Start()
	defer r.Stop()

Stop cancels the context of an in-flight pass and waits for it to return.
*/
package reconciler
