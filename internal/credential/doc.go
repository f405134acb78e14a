// Package credential implements the signed license credential used by the
// license server and the desktop client.
//
// # Wire Format
//
// A credential is two base64url segments (no padding) joined by a dot:
//
//	base64url(canonical_payload_bytes) "." base64url(ed25519_signature)
//
// There is no header segment. The payload bytes are produced by Encode, which
// emits JSON with lexicographically sorted keys and no insignificant
// whitespace, so independently built signers and verifiers agree on the exact
// signed message.
//
// # Verification
//
// Verify never returns a Go error. It returns a Result that is either Valid
// with the parsed Payload, or Invalid with a Reason from a closed set. The
// signature is always checked against the literal decoded payload bytes and
// never against a re-serialization of the parsed struct.
//
// Authenticity is all Verify proves. Expiry and grace are evaluated with
// Policy.Evaluate, and revocation is checked by the caller against a trusted
// revocation list (see package revocation).
//
// # Key Rotation
//
// Every payload carries key_version. A KeyRing maps versions to Ed25519
// public keys so credentials signed under an older key keep verifying after
// the signing key is rotated.
package credential
