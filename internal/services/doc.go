// Package services implements the license server's business logic between
// the HTTP handlers and the SQLite store.
//
// LicenseService owns the protocol rules: a key is looked up by its hash,
// the ledger consumes a seat atomically, and every credential handed out is
// signed by the configured key. Validation answers are cached for a few
// seconds and the signed revocation list for a few minutes; any status
// change flushes both.
package services
