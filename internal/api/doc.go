// Package api exposes the control-plane HTTP surface: run creation with an
// inline SSE result stream, run queries, a WebSocket log relay, and the agent
// and team catalog endpoints. The gateway never writes terminal run states on
// its own; it only forwards what the executor publishes.
package api
