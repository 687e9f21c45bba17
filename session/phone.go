package session

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	phoneDigits     = regexp.MustCompile(`^[1-9][0-9]{6,14}$`)
	sessionIDFormat = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// CanonicalPhoneNumber normalizes a phone number to international digits
// without the leading plus, e.g. "+234 800-000-0000" -> "2348000000000".
// Numbers must carry their country code.
func CanonicalPhoneNumber(raw string) (string, error) {
	digits := phoneSeparators.Replace(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(digits, "+"):
		digits = digits[1:]
	case strings.HasPrefix(digits, "00"):
		digits = digits[2:]
	}
	if !phoneDigits.MatchString(digits) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhoneNumber, raw)
	}
	return digits, nil
}

// ValidateSessionID rejects ids that are unsafe as storage keys
func ValidateSessionID(id string) error {
	if !sessionIDFormat.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}
