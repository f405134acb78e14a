// Package license is the desktop side of the license protocol.
//
// # Offline First
//
// The Manager trusts the cached signed credential before anything else. On
// start it verifies the credential with the bundled public keys, checks
// device binding, the trusted revocation list and the expiry/grace window,
// and publishes the result without touching the network:
//
//	unlicensed    no usable credential (Reason says why)
//	valid_offline credential verified locally
//	valid_online  credential verified locally and confirmed by the server
//
// # Reconciliation
//
// Reconcile is opportunistic. It is throttled, coalesced when callers race,
// and bounded by a timeout. A fetched revocation list replaces the trusted
// one only if its version is newer. The server's answer can only make the
// state stricter (revoked or canceled clears the credential) or install a
// freshly issued credential that verified locally. A network failure is
// never treated as a revocation; the offline state stands.
//
// # Persisted State
//
// One bbolt file holds a single record: the license key, the credential,
// the last trusted revocation list, the last online confirmation and the
// highest wall clock time ever observed. The record is CBOR encoded and
// sealed with a key derived from the machine ID, so copying the file to
// another machine yields nothing usable. Expiry is evaluated against the
// observed high-water time, so turning the clock back does not revive an
// expired credential.
package license
