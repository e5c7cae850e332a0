// Package api implements the operator HTTP API and status WebSocket.
//
// The bridge needs a human for one thing: the SMS code the vendor sends
// during login. This package is where that code arrives. It provides:
//   - POST /api/v1/auth/login, /auth/code and /auth/retrigger to drive
//     the session state machine
//   - GET /api/v1/status with the session, bridge and panel view
//   - GET /api/v1/health for container probes
//   - GET /api/v1/audit with recent commands and operator actions
//   - GET /api/v1/ws, a stream that pushes a "status" frame on every
//     session change and every published snapshot
//
// # Concurrency
//
// Handlers read immutable snapshots only. Login and code calls block the
// request for the duration of the vendor exchange, but never hold a lock
// the poll loop or another request needs.
//
// # Security
//
// There is no authentication layer. Expose the listener on a trusted
// network only, or set api.host to 127.0.0.1.
package api
