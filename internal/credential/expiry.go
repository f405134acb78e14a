package credential

import (
	"time"
)

// LifetimeExpiry is the expires_at stamped on lifetime credentials.
const LifetimeExpiry = "9999-12-31T23:59:59Z"

// DefaultClockSkew is how far in the future issued_at may lie before a
// credential is refused.
const DefaultClockSkew = 5 * time.Minute

// latest is the last instant a timestamp can take. Later times do not
// survive JSON encoding.
var latest = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// ParseTime parses a payload timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// graceEnd returns expires_at + grace_days, both in UTC and capped at the
// lifetime expiry. ok is false when expires_at does not parse.
func graceEnd(p Payload) (expires, end time.Time, ok bool) {
	expires, err := ParseTime(p.ExpiresAt)
	if err != nil || p.GraceDays < 0 {
		return time.Time{}, time.Time{}, false
	}
	expires = capTime(expires.UTC())
	return expires, capTime(expires.Add(time.Duration(p.GraceDays) * 24 * time.Hour)), true
}

func capTime(t time.Time) time.Time {
	if t.After(latest) {
		return latest
	}
	return t
}

// IsExpired reports now > expires_at + grace_days. Unparseable timestamps
// are expired.
func IsExpired(p Payload, now time.Time) bool {
	_, end, ok := graceEnd(p)
	if !ok {
		return true
	}
	return now.After(end)
}

// IsInGrace reports expires_at < now <= expires_at + grace_days.
func IsInGrace(p Payload, now time.Time) bool {
	expires, end, ok := graceEnd(p)
	if !ok {
		return false
	}
	return now.After(expires) && !now.After(end)
}

// IsValid reports now <= expires_at + grace_days.
func IsValid(p Payload, now time.Time) bool {
	return !IsExpired(p, now)
}

// Evaluation is the time based verdict for an authentic payload.
type Evaluation struct {
	Valid       bool
	InGrace     bool
	Reason      Reason
	ExpiresAt   time.Time
	GraceEndsAt time.Time
}

// Policy holds the tunables for time evaluation.
type Policy struct {
	// ClockSkew is the tolerated amount by which issued_at may be ahead of
	// the local clock. It never extends expires_at.
	ClockSkew time.Duration
}

// DefaultPolicy returns the policy used by the desktop client.
func DefaultPolicy() Policy {
	return Policy{ClockSkew: DefaultClockSkew}
}

// Evaluate applies the expiry, grace and skew rules to p at now.
func (pol Policy) Evaluate(p Payload, now time.Time) Evaluation {
	expires, end, ok := graceEnd(p)
	if !ok {
		return Evaluation{Reason: ReasonExpired}
	}
	ev := Evaluation{ExpiresAt: expires, GraceEndsAt: end}

	issued, err := ParseTime(p.IssuedAt)
	if err != nil {
		ev.Reason = ReasonExpired
		return ev
	}
	if issued.After(now.Add(pol.ClockSkew)) {
		ev.Reason = ReasonClockSkew
		return ev
	}

	switch {
	case now.After(end):
		ev.Reason = ReasonExpired
	case now.After(expires):
		ev.Valid = true
		ev.InGrace = true
		ev.Reason = ReasonInGrace
	default:
		ev.Valid = true
		ev.Reason = ReasonNone
	}
	return ev
}
