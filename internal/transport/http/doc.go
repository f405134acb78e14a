// Package http implements the HTTP handlers for the license server and the
// local license agent. Handlers stay thin: they decode and validate the
// request, call a service, and render the result or a problem response.
//
// # License server routes
//
// Mounted under /api/license by the server application:
//
//	POST /activate     bind a device to a license key (rate limited)
//	POST /deactivate   free the seat held by a device (rate limited)
//	POST /validate     live status, plus a fresh credential for seat holders
//	GET  /crl          the current signed revocation list
//	POST /issue        create a license (admin token)
//	POST /status       revoke, cancel or reinstate a license (admin token)
//
// Health probes are served by HealthHandler under /healthz and metrics by
// MetricsHandler under /metrics.
//
// # Agent routes
//
// AgentHandler is mounted by the desktop agent on its loopback listener:
//
//	GET  /status       current license status
//	POST /activate     activate this machine with a license key
//	POST /deactivate   release this machine's seat
//	POST /refresh      reconcile with the server now
//	GET  /ws           websocket stream of status changes
//
// # Errors
//
// Every failure is passed to errors.ErrorHandler, which renders RFC 7807
// problem details with a stable error_code extension. Clients switch on
// error_code, never on the human readable detail.
package http
