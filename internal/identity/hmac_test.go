package identity

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dicom-gateway/internal/gwerr"
)

var zeroKey = make([]byte, KeyLength)

func mustHMAC(t *testing.T, subject string) *HMAC {
	t.Helper()
	h, err := NewHMAC(zeroKey, subject)
	require.NoError(t, err)
	return h
}

func TestNewHMAC_Validation(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		subject string
	}{
		{"nil key", nil, "A1"},
		{"short key", make([]byte, 15), "A1"},
		{"long key", make([]byte, 32), "A1"},
		{"empty subject", zeroKey, ""},
		{"blank subject", zeroKey, "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHMAC(tt.key, tt.subject)
			require.Error(t, err)
			assert.True(t, gwerr.IsConfiguration(err))
		})
	}
}

func TestByteHash_Deterministic(t *testing.T) {
	a := mustHMAC(t, "A1")
	b := mustHMAC(t, "A1")

	assert.Len(t, a.ByteHash("msg"), HashLength)
	assert.Equal(t, a.ByteHash("msg"), b.ByteHash("msg"))
	assert.NotEqual(t, a.ByteHash("msg"), a.ByteHash("msg2"))

	other, err := NewHMAC([]byte("0123456789abcdef"), "A1")
	require.NoError(t, err)
	assert.NotEqual(t, a.ByteHash("msg"), other.ByteHash("msg"))
}

func TestScaleHash_RangeBound(t *testing.T) {
	h := mustHMAC(t, "A1")
	rng := rand.New(rand.NewSource(42))

	bounds := [][2]int{{0, 0}, {0, 1}, {0, 365}, {-30, 30}, {5, 6}, {1, 1000000}}
	for _, b := range bounds {
		seen := map[int]bool{}
		for i := 0; i < 10000; i++ {
			subject := fmt.Sprintf("%d-%d", rng.Int63(), i)
			v, err := h.ScaleHash(subject, b[0], b[1])
			require.NoError(t, err)
			require.GreaterOrEqual(t, v, b[0], "subject %s", subject)
			require.LessOrEqual(t, v, b[1], "subject %s", subject)
			seen[v] = true
		}
		if b[1]-b[0] < 10 {
			// Small ranges must hit both ends.
			assert.True(t, seen[b[0]], "min %d never produced", b[0])
			assert.True(t, seen[b[1]], "max %d never produced", b[1])
		}
	}
}

func TestScaleHash_InvertedBounds(t *testing.T) {
	h := mustHMAC(t, "A1")
	_, err := h.ScaleHash("A1", 10, 1)
	require.Error(t, err)
	assert.True(t, gwerr.IsConfiguration(err))

	v, err := h.ScaleHash("A1", 7, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestUIDHash(t *testing.T) {
	h := mustHMAC(t, "A1")
	uid := h.UIDHash("1.2.840.113619.2.55.3.604688119")

	assert.True(t, strings.HasPrefix(uid, "2.25."))
	assert.LessOrEqual(t, len(uid), 64)
	assert.Equal(t, uid, h.UIDHash("1.2.840.113619.2.55.3.604688119"))
	assert.NotEqual(t, uid, h.UIDHash("1.2.840.113619.2.55.3.604688120"))

	var u uuid.UUID
	copy(u[:], h.ByteHash("1.2.3"))
	u[6] = (u[6] & 0x0F) | 0x40
	u[8] = (u[8] & 0x3F) | 0x80
	assert.Equal(t, uuid.Version(4), u.Version())
	assert.Equal(t, uuid.RFC4122, u.Variant())
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	assert.Len(t, key, KeyLength)

	for _, bad := range []string{"", "zz", "0001"} {
		_, err := ParseKey(bad)
		assert.True(t, gwerr.IsConfiguration(err), bad)
	}
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)
	_, err = ParseKey(k)
	assert.NoError(t, err)
}
