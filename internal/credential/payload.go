package credential

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"
)

// SchemaVersion is the payload shape produced by this package.
const SchemaVersion = 1

// TimeLayout is the ISO-8601 form used for issued_at and expires_at.
const TimeLayout = time.RFC3339

// Plan identifies the commercial plan a credential grants.
type Plan string

const (
	PlanSubscription Plan = "subscription"
	PlanLifetime     Plan = "lifetime"
)

// Valid reports whether p is one of the known plans.
func (p Plan) Valid() bool {
	return p == PlanSubscription || p == PlanLifetime
}

// Payload is the signed body of a license credential. A payload is immutable
// once issued; renewals and plan changes issue a new credential.
type Payload struct {
	LicenseID         string `json:"license_id"`
	UserID            string `json:"user_id"`
	ProductID         string `json:"product_id"`
	Plan              Plan   `json:"plan"`
	DeviceFingerprint string `json:"device_fingerprint"`
	SeatLimit         int    `json:"seat_limit"`
	IssuedAt          string `json:"issued_at"`
	ExpiresAt         string `json:"expires_at"`
	GraceDays         int    `json:"grace_days"`
	KeyVersion        int    `json:"key_version"`
	SchemaVersion     int    `json:"schema_version"`
}

var (
	ErrMissingLicenseID = errors.New("license_id is required")
	ErrInvalidPlan      = errors.New("plan must be subscription or lifetime")
	ErrInvalidSeatLimit = errors.New("seat_limit must be at least 1")
	ErrInvalidGraceDays = errors.New("grace_days must not be negative")
	ErrInvalidKeyVer    = errors.New("key_version must be at least 1")
	ErrUnsupportedShape = errors.New("unsupported schema_version")
	ErrMissingField     = errors.New("required field missing")
)

// Validate checks the structural rules every signed payload must satisfy.
// Timestamps are not parsed here: a payload with an unparseable expiry is
// still authentic, it just evaluates as expired.
func (p Payload) Validate() error {
	if p.LicenseID == "" {
		return ErrMissingLicenseID
	}
	if !p.Plan.Valid() {
		return ErrInvalidPlan
	}
	if p.SeatLimit < 1 {
		return ErrInvalidSeatLimit
	}
	if p.GraceDays < 0 {
		return ErrInvalidGraceDays
	}
	if p.KeyVersion < 1 {
		return ErrInvalidKeyVer
	}
	if p.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedShape, p.SchemaVersion)
	}
	return nil
}

// Bound reports whether the credential is tied to a specific device.
func (p Payload) Bound() bool {
	return p.DeviceFingerprint != ""
}

// BoundTo reports whether the credential may be used on machineID. Unbound
// credentials are usable anywhere until activation binds them.
func (p Payload) BoundTo(machineID string) bool {
	return !p.Bound() || p.DeviceFingerprint == machineID
}

// FormatTime renders t in the payload timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimeLayout)
}

// wirePayload mirrors Payload with pointer fields so that absent keys can be
// told apart from zero values during strict decoding.
type wirePayload struct {
	LicenseID         *string `json:"license_id"`
	UserID            *string `json:"user_id"`
	ProductID         *string `json:"product_id"`
	Plan              *Plan   `json:"plan"`
	DeviceFingerprint *string `json:"device_fingerprint"`
	SeatLimit         *int    `json:"seat_limit"`
	IssuedAt          *string `json:"issued_at"`
	ExpiresAt         *string `json:"expires_at"`
	GraceDays         *int    `json:"grace_days"`
	KeyVersion        *int    `json:"key_version"`
	SchemaVersion     *int    `json:"schema_version"`
}

// ParsePayload strictly decodes payload bytes. Unknown fields, missing
// fields, wrongly typed fields and trailing data are all rejected.
func ParsePayload(data []byte) (Payload, error) {
	var w wirePayload
	if err := DecodeStrict(data, &w); err != nil {
		return Payload{}, err
	}

	if w.LicenseID == nil || w.UserID == nil || w.ProductID == nil || w.Plan == nil ||
		w.DeviceFingerprint == nil || w.SeatLimit == nil || w.IssuedAt == nil ||
		w.ExpiresAt == nil || w.GraceDays == nil || w.KeyVersion == nil || w.SchemaVersion == nil {
		return Payload{}, ErrMissingField
	}

	p := Payload{
		LicenseID:         *w.LicenseID,
		UserID:            *w.UserID,
		ProductID:         *w.ProductID,
		Plan:              *w.Plan,
		DeviceFingerprint: *w.DeviceFingerprint,
		SeatLimit:         *w.SeatLimit,
		IssuedAt:          *w.IssuedAt,
		ExpiresAt:         *w.ExpiresAt,
		GraceDays:         *w.GraceDays,
		KeyVersion:        *w.KeyVersion,
		SchemaVersion:     *w.SchemaVersion,
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// DecodeStrict decodes exactly one JSON value into v and refuses unknown
// fields or anything after it. Object keys must match v's json tags
// exactly, case included.
func DecodeStrict(data []byte, v any) error {
	if err := exactKeys(data, v); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after payload")
	}
	return nil
}

// exactKeys rejects top level keys that are not spelled exactly like one of
// the json tags of the struct v points to. encoding/json folds case when it
// matches keys, so "LICENSE_ID" would otherwise fill license_id.
func exactKeys(data []byte, v any) error {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	allowed := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		allowed[name] = struct{}{}
	}
	for k := range obj {
		if _, ok := allowed[k]; !ok {
			return fmt.Errorf("json: unknown field %q", k)
		}
	}
	return nil
}
