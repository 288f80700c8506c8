// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package api exposes the coordinator over HTTP.

Routes:

	GET    /health, /healthz        liveness
	GET    /ready, /readyz          readiness (registered checks)
	GET    /version                 build information
	POST   /v1/selections           select nodes for a requirement
	POST   /v1/resolutions          detect and resolve conflicts between batches
	POST   /v1/outcomes             record a performance outcome
	GET    /v1/learning/proposal    current weight proposal
	GET    /v1/nodes                list registry nodes
	GET    /v1/nodes/{id}           one node
	PUT    /v1/nodes/{id}           upsert a node (persisted first when a NodeStore is set)
	DELETE /v1/nodes/{id}           remove a node
	GET    /v1/nodes/{id}/prediction performance prediction
	POST   /v1/registry/refresh     out-of-cycle refresh, throttled
	PUT    /v1/strategies/{name}    enable or disable a strategy
	GET    /v1/status               registry, selection, engine and learning stats

Every JSON response uses the Response envelope. Errors carry the types.Error
code; MALFORMED_INPUT maps to 400, NODE_NOT_FOUND to 404 and
REFRESH_THROTTLED to 429.
*/
package api
