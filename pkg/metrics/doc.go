/*
Package metrics exposes fleetsync's Prometheus metrics and health endpoints.

Fleet gauges are refreshed by a Collector from the engines' snapshots:

	fleetsync_fleet_desired_capacity{fleet}
	fleetsync_fleet_member_instances{fleet}
	fleetsync_fleet_seen_instances{fleet}
	fleetsync_fleet_dying_instances{fleet}
	fleetsync_fleet_pending_provisions{fleet}
	fleetsync_fleet_paused{fleet}

Counters are updated where the event happens:

	fleetsync_provision_granted_total{fleet}
	fleetsync_terminations_total{fleet,reason}   reason: idle, orphan, pause, admin
	fleetsync_materialize_failures_total{fleet}
	fleetsync_reconcile_errors_total{fleet}
	fleetsync_api_requests_total{route,status}

plus the fleetsync_reconcile_duration_seconds{fleet} histogram.

Component health backs /health, /ready and /live. Each fleet is a component
of its own, updated after every reconciliation. A failing fleet degrades
/health, while a failing registry or API makes it unhealthy. /ready reports
503 until the registry and API are up and every fleet has reconciled once.
*/
package metrics
