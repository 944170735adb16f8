/*
Package scheduler turns recorded workload demand into provision requests.

A DemandBoard holds the number of workers wanted per label. Every fleet owns
one board, fed through the admin API (PUT /v1/fleets/{fleet}/demand). Boards
are never shared: two fleets carrying the same label each count only their
own outstanding requests, so a shared board would provision the demand twice.

Each fleet runs one Scheduler. On every tick it:

 1. drops outstanding planned requests that were fulfilled or that exceeded
    the pending timeout
 2. computes excess = demand(label) - outstanding(label)
 3. calls Provision on the engine for the excess

Demand for labels the fleet cannot accept is ignored. The engine clamps every
request to the fleet's headroom, so asking for more than the fleet can hold is
harmless.

A planned request stays outstanding until its future resolves or the
pending timeout (10 minutes by default) passes. The timeout covers spot
capacity that EC2 never delivers, after which the scheduler asks again.
*/
package scheduler
