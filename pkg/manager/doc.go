/*
Package manager wires the fleetsync control plane together.

A Manager owns everything shared by the configured fleets and one set of
loops per fleet:

	┌────────────────────────────────────────────────────────────────┐
	│                           Manager                              │
	│                                                                │
	│  provider gateway   node registry   SSH connector   broker     │
	│  (ec2 | loopback)   (memory | bolt)                            │
	│                                                                │
	│  ┌──────────────────────┐   ┌──────────────────────┐           │
	│  │ fleet sfr-a          │   │ fleet sfr-b          │   ...     │
	│  │  Engine              │   │  Engine              │           │
	│  │  Reconciler (30s)    │   │  Reconciler (30s)    │           │
	│  │  Scheduler  (10s)    │   │  Scheduler  (10s)    │           │
	│  │  Retention  (1m)     │   │  Retention  (1m)     │           │
	│  │  DemandBoard         │   │  DemandBoard         │           │
	│  └──────────────────────┘   └──────────────────────┘           │
	│                                                                │
	│  metrics collector (15s)    gRPC health server                 │
	└────────────────────────────────────────────────────────────────┘

# Construction

NewManager builds the gateway and registry named by the configuration. The
loopback provider gets one simulated fleet per configured fleet, seeded with
its initialCapacity. The bolt registry creates its data directory.

Nothing runs until Start. This lets tests and the admin API drive engines
directly through Engine(id) without background loops interfering.

# Health

The gRPC health server reports one service per fleet ID. A fleet is
NOT_SERVING until its first successful reconciliation and flips back on
every failed pass. The overall service ("") is SERVING once Start returns.
The same outcome feeds the "provider" component behind /ready.

# Node administration

ReportActivity records whether a worker is busy, which resets its idle clock.
RemoveNode deletes a node from the registry; the owning engine sees the
instance as an orphan on its next pass and terminates it.

# Shutdown

Shutdown stops the per-fleet loops first, then the collector and broker, and
closes the registry last so no loop writes to a closed database. Start and
Shutdown are idempotent.
*/
package manager
