// Package activation holds the server side records behind license
// credentials: the registry of issued licenses, the per device activation
// ledger, and the revocation list version counter.
//
// Seat accounting never reads then writes. Activate runs inside one write
// transaction (SQLite BEGIN IMMEDIATE) whose insert is conditional on the
// current seat count, and the (license_id, machine_id) primary key makes
// re-activating a bound machine an update instead of a second seat.
package activation
