/*
Package api serves the fleetsync admin API.

The HTTP API is routed with gorilla/mux and speaks JSON:

	GET    /v1/fleets                                  status of every fleet
	GET    /v1/fleets/{fleet}                          status of one fleet
	POST   /v1/fleets/{fleet}/reconcile                run one pass now
	POST   /v1/fleets/{fleet}/provision                {"label","demand"} -> planned requests
	POST   /v1/fleets/{fleet}/instances/{id}/terminate terminate and shrink by one
	POST   /v1/fleets/{fleet}/pause                    shrink to one offline instance
	POST   /v1/fleets/{fleet}/unpause
	PUT    /v1/fleets/{fleet}/demand                   {"label","count"} -> that fleet's demand
	GET    /v1/fleets/{fleet}/demand                   {label: count}
	GET    /v1/demand                                  {fleet: {label: count}}
	GET    /v1/nodes?fleet=                            registered worker nodes
	POST   /v1/nodes/{id}/activity                     {"busy"}
	DELETE /v1/nodes/{id}
	GET    /v1/events?fleet=                           NDJSON event stream

	GET    /metrics  /health  /ready  /live

Errors are returned as {"error": "..."}. Unknown fleets and nodes map to
404, EC2 throttling to 429, other provider failures to 502 and registry
failures to 503.

A terminate that reached EC2 but failed to remove the worker node still
answers 200, with "terminated": true and the registry error in "error".

The optional gRPC listener serves the standard grpc.health.v1 service, one
service name per fleet ID, for load balancers and orchestrators.
*/
package api
