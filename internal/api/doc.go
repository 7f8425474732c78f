// Package api provides the HTTP API and WebSocket server for Headcount.
//
// It exposes the toggle, count, history and device status operations to
// the occupancy page and to device simulators, and pushes live changes over
// WebSocket.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
//
// # Endpoints
//
//	GET  /api/v1/health                 liveness and store health
//	GET  /api/v1/metrics                runtime, hub and occupancy stats
//	GET  /metrics                       Prometheus exposition
//	POST /api/v1/session                page load: reset check + visit registration
//	GET  /api/v1/occupancy              current count
//	GET  /api/v1/history?limit=N        newest-first history
//	GET  /api/v1/devices/{id}/status    in/out for any device
//	GET  /api/v1/me                     the cookie device's record
//	POST /api/v1/toggle                 {"action":"enter"|"exit"} or empty
//	GET  /ws                            live feeds
//
// # Identity
//
// Routes acting for "this device" run behind identity.Middleware, which
// reads or issues the deviceId cookie. There is no authentication.
//
// # Live feeds
//
// WebSocket clients subscribe to occupancy.count, occupancy.history and
// device.status. Each subscription is answered with the current value
// first. Counter and history events come from store subscriptions, so a
// toggle committed by another process (shared SQLite file or MQTT
// fan-out) reaches every connected page.
package api
