package activation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// License keys are scratch card style: ISX-XXXX-XXXX-XXXX.
const (
	KeyPrefix    = "ISX"
	keyBodyLen   = 12
	keyAlphabet  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	normalizeLen = len(KeyPrefix) + keyBodyLen
)

var ErrInvalidKeyFormat = errors.New("license key must look like ISX-XXXX-XXXX-XXXX")

// GenerateKey returns a new random license key in display form.
func GenerateKey() (string, error) {
	buf := make([]byte, keyBodyLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate license key: %w", err)
	}
	body := make([]byte, keyBodyLen)
	for i, b := range buf {
		body[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return FormatKey(KeyPrefix + string(body)), nil
}

// NormalizeKey strips dashes and spaces and upper-cases key.
func NormalizeKey(key string) string {
	clean := strings.NewReplacer("-", "", " ", "").Replace(key)
	return strings.ToUpper(strings.TrimSpace(clean))
}

// ValidateKeyFormat checks the shape of key without consulting the registry.
func ValidateKeyFormat(key string) error {
	clean := NormalizeKey(key)
	if len(clean) != normalizeLen || !strings.HasPrefix(clean, KeyPrefix) {
		return ErrInvalidKeyFormat
	}
	for _, c := range clean[len(KeyPrefix):] {
		if !((c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return ErrInvalidKeyFormat
		}
	}
	return nil
}

// FormatKey renders a key as ISX-XXXX-XXXX-XXXX. Keys of the wrong length
// are returned normalized but otherwise untouched.
func FormatKey(key string) string {
	clean := NormalizeKey(key)
	if len(clean) != normalizeLen {
		return clean
	}
	return fmt.Sprintf("%s-%s-%s-%s", clean[:3], clean[3:7], clean[7:11], clean[11:15])
}

// MaskKey hides everything but the prefix and first group.
func MaskKey(key string) string {
	clean := NormalizeKey(key)
	if len(clean) < 8 {
		return "****"
	}
	if len(clean) != normalizeLen {
		return clean[:4] + "****"
	}
	return clean[:3] + "-" + clean[3:7] + "-****-****"
}

// HashKey is the registry lookup value for key. Raw keys are never stored.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(NormalizeKey(key)))
	return hex.EncodeToString(sum[:])
}

// MaskEmail keeps the first character of the local part: j***@example.com.
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return "***"
	}
	_, size := utf8.DecodeRuneInString(local)
	return local[:size] + "***@" + domain
}
