// Package app wires the two long-running processes of the license system.
//
// Application is the license server. It owns the signing key, the SQLite
// activation ledger and the HTTP API under /api/license, with health checks
// under /healthz and Prometheus metrics under /metrics.
//
// Agent runs on the customer's machine. It keeps the sealed license state,
// evaluates the stored credential offline, reconciles with the server when
// it is reachable, and serves the resulting status to the GUI on a loopback
// listener (HTTP plus a WebSocket feed).
//
// Both follow the same lifecycle:
//
//	a, err := app.NewApplication(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return a.Run(ctx) // returns after ctx is canceled and shutdown completes
package app
