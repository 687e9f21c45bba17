package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPhoneNumber(t *testing.T) {
	valid := map[string]string{
		"2348000000000":      "2348000000000",
		"+234 800 000 0000":  "2348000000000",
		"00234-800-000-0000": "2348000000000",
		"+1 (415) 555.0100":  "14155550100",
	}
	for raw, want := range valid {
		got, err := CanonicalPhoneNumber(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	for _, raw := range []string{"", "abc", "08000000000", "+0123456789", "123", "1234567890123456", "234800000000x"} {
		_, err := CanonicalPhoneNumber(raw)
		assert.ErrorIs(t, err, ErrInvalidPhoneNumber, raw)
	}
}

func TestValidateSessionID(t *testing.T) {
	for _, id := range []string{"s1", "tenant-42.main", "A_b"} {
		assert.NoError(t, ValidateSessionID(id), id)
	}
	for _, id := range []string{"", ".hidden", "a/b", "a..b", "-x", string(make([]byte, 200))} {
		assert.ErrorIs(t, ValidateSessionID(id), ErrInvalidSessionID, id)
	}
}
