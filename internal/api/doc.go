// Package api implements the HTTP REST API and WebSocket relay for the ESG
// core service.
//
// This package provides:
//   - REST endpoints for the watched node registry, latest readings and
//     stored history (InfluxDB)
//   - A WebSocket relay of live node output, one multiplexer subscription
//     per socket and node
//   - Optional HS256 bearer authentication
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - TLS support for production deployments
//
// # Endpoints
//
//	GET    /api/v1/health
//	GET    /api/v1/metrics
//	GET    /api/v1/nodes
//	POST   /api/v1/nodes
//	GET    /api/v1/nodes/{id}
//	DELETE /api/v1/nodes/{id}
//	GET    /api/v1/nodes/{id}/latest
//	GET    /api/v1/nodes/{id}/history?start=&end=&every=
//	GET    /api/v1/ws
//
// # WebSocket protocol
//
// Clients send {"type":"subscribe","id":"1","payload":{"nodes":[{"set_id":"...","node_id":"..."}]}}
// and receive node.output events until they unsubscribe or disconnect. An
// empty set_id means the configured default set. Many sockets watching the
// same node share one broker subscription.
//
// # Lifecycle
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
