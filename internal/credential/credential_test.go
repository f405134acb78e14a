package credential

import (
	"bytes"
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t testing.TB, version int, seed byte) SigningKey {
	t.Helper()
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
	key, err := NewSigningKey(version, priv)
	require.NoError(t, err)
	return key
}

func testVerifier(t testing.TB, keys ...SigningKey) *Verifier {
	t.Helper()
	pubs := make(map[int]ed25519.PublicKey, len(keys))
	for _, k := range keys {
		pubs[k.Version] = k.Public()
	}
	ring, err := NewKeyRing(pubs)
	require.NoError(t, err)
	v, err := NewVerifier(ring)
	require.NoError(t, err)
	return v
}

func samplePayload() Payload {
	return Payload{
		LicenseID:         "lic_01HZX3",
		UserID:            "user_42",
		ProductID:         "isx-pulse",
		Plan:              PlanSubscription,
		DeviceFingerprint: "",
		SeatLimit:         3,
		IssuedAt:          "2025-01-01T00:00:00Z",
		ExpiresAt:         "2026-01-01T00:00:00Z",
		GraceDays:         7,
	}
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	key := testKey(t, 1, 7)
	signer, err := NewSigner(key)
	require.NoError(t, err)

	token, err := signer.Issue(samplePayload())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(token, "."))

	res := testVerifier(t, key).Verify(token)
	require.True(t, res.Valid, "reason: %s", res.Reason)
	assert.Equal(t, ReasonNone, res.Reason)

	want := samplePayload()
	want.KeyVersion = 1
	want.SchemaVersion = SchemaVersion
	if diff := cmp.Diff(want, res.Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestIssueIsDeterministic(t *testing.T) {
	key := testKey(t, 1, 7)
	a, err := Issue(samplePayload(), key)
	require.NoError(t, err)
	b, err := Issue(samplePayload(), key)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestVerifyDetectsEveryByteFlip(t *testing.T) {
	key := testKey(t, 1, 7)
	token, err := Issue(samplePayload(), key)
	require.NoError(t, err)
	v := testVerifier(t, key)

	for i := 0; i < len(token); i++ {
		tampered := []byte(token)
		tampered[i] ^= 0x01
		res := v.Verify(string(tampered))
		assert.False(t, res.Valid, "flip at byte %d accepted", i)
		assert.NotEqual(t, ReasonNone, res.Reason)
	}
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	key := testKey(t, 1, 7)
	token, err := Issue(samplePayload(), key)
	require.NoError(t, err)
	body, sig, _ := strings.Cut(token, ".")

	tests := []struct {
		name   string
		token  string
		reason Reason
	}{
		{"empty", "", ReasonNoCredential},
		{"one segment", body, ReasonMalformed},
		{"three segments", body + "." + sig + "." + sig, ReasonMalformed},
		{"empty payload segment", "." + sig, ReasonMalformed},
		{"empty signature segment", body + ".", ReasonMalformed},
		{"padded base64", body + "=." + sig, ReasonMalformed},
		{"standard alphabet", strings.NewReplacer("-", "+", "_", "/").Replace(body) + "+." + sig, ReasonMalformed},
		{"short signature", body + "." + sig[:20], ReasonMalformed},
		{"not json", segmentEncoding.EncodeToString([]byte("hello")) + "." + sig, ReasonMalformed},
		{"swapped segments", sig + "." + body, ReasonMalformed},
		{"binary garbage", "\x00\xff.\x00\xff", ReasonMalformed},
	}

	v := testVerifier(t, key)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Verify(tt.token)
			assert.False(t, res.Valid)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, Payload{}, res.Payload)
		})
	}
}

func TestVerifyKeyRotation(t *testing.T) {
	oldKey := testKey(t, 1, 1)
	newKey := testKey(t, 2, 2)

	oldToken, err := Issue(samplePayload(), oldKey)
	require.NoError(t, err)
	newToken, err := Issue(samplePayload(), newKey)
	require.NoError(t, err)

	both := testVerifier(t, oldKey, newKey)
	assert.True(t, both.Verify(oldToken).Valid)
	assert.True(t, both.Verify(newToken).Valid)
	assert.Equal(t, []int{1, 2}, both.Ring().Versions())

	onlyNew := testVerifier(t, newKey)
	assert.Equal(t, ReasonUnknownKey, onlyNew.Verify(oldToken).Reason)

	// A key registered under the wrong version does not verify.
	ring, err := NewKeyRing(map[int]ed25519.PublicKey{1: newKey.Public()})
	require.NoError(t, err)
	wrong, err := NewVerifier(ring)
	require.NoError(t, err)
	assert.Equal(t, ReasonBadSignature, wrong.Verify(oldToken).Reason)
}

func TestVerifyWithSingleKey(t *testing.T) {
	key := testKey(t, 3, 9)
	token, err := Issue(samplePayload(), key)
	require.NoError(t, err)

	assert.True(t, Verify(token, 3, key.Public()).Valid)
	assert.Equal(t, ReasonUnknownKey, Verify(token, 4, key.Public()).Reason)
	assert.Equal(t, ReasonUnknownKey, Verify(token, 3, nil).Reason)
}

func TestVerifyRejectsSignedButInvalidShapes(t *testing.T) {
	key := testKey(t, 1, 7)
	signer, err := NewSigner(key)
	require.NoError(t, err)
	v := testVerifier(t, key)

	base := `"device_fingerprint":"","expires_at":"2026-01-01T00:00:00Z","grace_days":7,` +
		`"issued_at":"2025-01-01T00:00:00Z","key_version":1,"license_id":"lic","plan":"lifetime",` +
		`"product_id":"p","schema_version":1,"seat_limit":1,"user_id":"u"`

	tests := []struct {
		name  string
		body  string
		valid bool
	}{
		{"well formed", "{" + base + "}", true},
		{"unknown field", "{" + base + `,"admin":true}`, false},
		{"missing field", strings.Replace("{"+base+"}", `,"user_id":"u"`, "", 1), false},
		{"wrong type", strings.Replace("{"+base+"}", `"seat_limit":1`, `"seat_limit":"1"`, 1), false},
		{"bad plan", strings.Replace("{"+base+"}", `"lifetime"`, `"forever"`, 1), false},
		{"zero seats", strings.Replace("{"+base+"}", `"seat_limit":1`, `"seat_limit":0`, 1), false},
		{"negative grace", strings.Replace("{"+base+"}", `"grace_days":7`, `"grace_days":-1`, 1), false},
		{"future schema", strings.Replace("{"+base+"}", `"schema_version":1`, `"schema_version":2`, 1), false},
		{"trailing data", "{" + base + "}{}", false},
		{"key differs by case", strings.Replace("{"+base+"}", `"license_id"`, `"LICENSE_ID"`, 1), false},
		{"extra key differing by case", "{" + base + `,"License_Id":"lic-2"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Verify(signer.SignBytes([]byte(tt.body)))
			assert.Equal(t, tt.valid, res.Valid, "reason: %s", res.Reason)
			if !tt.valid {
				assert.Equal(t, ReasonMalformed, res.Reason)
			}
		})
	}
}

func TestSignerRejectsBadConfiguration(t *testing.T) {
	_, err := NewSigner(SigningKey{Version: 1})
	assert.ErrorIs(t, err, ErrNoPrivateKey)

	_, err = NewSigner(SigningKey{Version: 1, Private: ed25519.PrivateKey([]byte("short"))})
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	key := testKey(t, 1, 7)
	_, err = NewSigner(SigningKey{Version: 0, Private: key.Private})
	assert.ErrorIs(t, err, ErrInvalidKeyVer)

	signer, err := NewSigner(key)
	require.NoError(t, err)
	bad := samplePayload()
	bad.SeatLimit = 0
	_, err = signer.Issue(bad)
	assert.ErrorIs(t, err, ErrInvalidSeatLimit)
}

func TestResultInvalidNeverClean(t *testing.T) {
	assert.Equal(t, ReasonMalformed, Invalid(ReasonNone).Reason)
	assert.False(t, Invalid(ReasonExpired).Valid)
}
