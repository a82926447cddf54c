package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"dicom-gateway/internal/gwerr"
)

// KeyLength is the size of a project secret in bytes.
const KeyLength = 16

// HashLength is the size of ByteHash output in bytes.
const HashLength = 16

// HMAC derives deterministic values from a project secret. It is created per
// object, bound to the real PatientID of that object, and is safe for
// concurrent use.
type HMAC struct {
	key       []byte
	subjectID string
}

// NewHMAC validates the secret and subject. No hash can be produced without a
// 16-byte key and a non-empty subject.
func NewHMAC(key []byte, subjectID string) (*HMAC, error) {
	if len(key) != KeyLength {
		return nil, gwerr.Configuration("hmac.new", "project secret must be %d bytes, got %d", KeyLength, len(key))
	}
	if strings.TrimSpace(subjectID) == "" {
		return nil, gwerr.Configuration("hmac.new", "subject ID (PatientID) is empty")
	}
	return &HMAC{key: append([]byte(nil), key...), subjectID: subjectID}, nil
}

// SubjectID returns the real PatientID the context is bound to.
func (h *HMAC) SubjectID() string { return h.subjectID }

// ByteHash returns HMAC-SHA256(key, message) truncated to 16 bytes.
func (h *HMAC) ByteHash(message string) []byte {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(message))
	return mac.Sum(nil)[:HashLength]
}

// BigHash returns ByteHash as an unsigned big integer.
func (h *HMAC) BigHash(message string) *big.Int {
	return new(big.Int).SetBytes(h.ByteHash(message))
}

// ScaleHash maps subject uniformly onto [min, max].
func (h *HMAC) ScaleHash(subject string, min, max int) (int, error) {
	if min > max {
		return 0, gwerr.Configuration("hmac.scale", "bounds inverted: %d > %d", min, max)
	}
	span := big.NewInt(int64(max) - int64(min) + 1)
	n := new(big.Int).Mod(h.BigHash(subject), span)
	return int(n.Int64() + int64(min)), nil
}

// UIDHash rehashes a UID into the 2.25 root. The hash is shaped as a version 4
// UUID so the result is a valid UUID-derived UID.
func (h *HMAC) UIDHash(uid string) string {
	var u uuid.UUID
	copy(u[:], h.ByteHash(strings.TrimSpace(uid)))
	u[6] = (u[6] & 0x0F) | 0x40 // version 4
	u[8] = (u[8] & 0x3F) | 0x80 // RFC 4122 variant
	return "2.25." + new(big.Int).SetBytes(u[:]).String()
}

// ParseKey decodes a hex-encoded project secret.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, gwerr.Configuration("hmac.key", "secret is not valid hex: %v", err)
	}
	if len(key) != KeyLength {
		return nil, gwerr.Configuration("hmac.key", "secret must be %d bytes (%d hex chars), got %d bytes", KeyLength, KeyLength*2, len(key))
	}
	return key, nil
}

// GenerateKey generates a cryptographically secure 32-character hex key
func GenerateKey() (string, error) {
	b := make([]byte, KeyLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
