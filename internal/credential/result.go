package credential

// Reason explains why a credential is not (or only conditionally) usable.
// The set is closed; callers switch on it.
type Reason string

const (
	ReasonNone           Reason = "none"
	ReasonNoCredential   Reason = "no_credential"
	ReasonMalformed      Reason = "malformed"
	ReasonBadSignature   Reason = "bad_signature"
	ReasonUnknownKey     Reason = "unknown_key"
	ReasonExpired        Reason = "expired"
	ReasonInGrace        Reason = "in_grace"
	ReasonRevoked        Reason = "revoked"
	ReasonCanceled       Reason = "canceled"
	ReasonDeviceMismatch Reason = "device_mismatch"
	ReasonClockSkew      Reason = "clock_skew"
	// ReasonInvalid is what callers outside this package are shown for any
	// malformed or unauthentic credential.
	ReasonInvalid Reason = "invalid"
)

// Public folds the reasons that describe why authentication failed into
// ReasonInvalid. Policy reasons pass through unchanged.
func (r Reason) Public() Reason {
	switch r {
	case ReasonMalformed, ReasonBadSignature, ReasonUnknownKey:
		return ReasonInvalid
	}
	return r
}

// Result is the tagged outcome of verifying a credential string.
// When Valid is true Payload holds the authenticated payload and Reason is
// ReasonNone. Otherwise Payload is the zero value.
type Result struct {
	Valid   bool
	Payload Payload
	Reason  Reason
}

// Valid wraps an authenticated payload.
func Valid(p Payload) Result {
	return Result{Valid: true, Payload: p, Reason: ReasonNone}
}

// Invalid builds a failed result. Passing ReasonNone is a programming error
// and is coerced to ReasonMalformed so a failure can never look clean.
func Invalid(reason Reason) Result {
	if reason == ReasonNone || reason == "" {
		reason = ReasonMalformed
	}
	return Result{Reason: reason}
}
