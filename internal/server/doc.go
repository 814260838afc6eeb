// Package server exposes the gateway over HTTP: the WebSocket endpoint that
// runs one stream.Session per connection, plus health, session, config,
// stats and Prometheus metrics endpoints for monitoring.
package server
