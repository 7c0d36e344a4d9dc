package identity

import (
	"math"
	"strconv"
	"strings"
	"unicode"
)

// platformRefNumericMax is the longest all-digit platform ref still treated
// as a telegram id. Platform-native keys are longer (unix millis + suffix).
const platformRefNumericMax = 15

// NormalizeTelegramID returns the canonical decimal form of a telegram id, or
// "" when raw is not an integer.
func NormalizeTelegramID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n == 0 {
			return ""
		}
		return strconv.FormatInt(n, 10)
	}
	// Spreadsheet-style platforms sometimes deliver "6032278052.0".
	if f, err := strconv.ParseFloat(raw, 64); err == nil && f == math.Trunc(f) && f != 0 && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return ""
}

// NormalizePhone keeps the digits of a phone number with a leading "+".
// Inputs with fewer than 5 digits are rejected.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 5 {
		return ""
	}
	return "+" + digits
}

// NormalizeEmail lower-cases and trims an address; anything without an "@"
// between non-empty parts is rejected.
func NormalizeEmail(raw string) string {
	e := strings.ToLower(strings.TrimSpace(raw))
	at := strings.LastIndex(e, "@")
	if at <= 0 || at == len(e)-1 || strings.ContainsAny(e, " \t") {
		return ""
	}
	return e
}

// isShortNumeric reports whether ref is all digits and short enough to be a
// telegram id rather than a platform key.
func isShortNumeric(ref string) bool {
	if ref == "" || len(ref) > platformRefNumericMax {
		return false
	}
	for _, r := range ref {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DisplayName picks the best real name from the hints, or "" when only a
// placeholder could be built.
func DisplayName(h Hints) string {
	full := strings.TrimSpace(strings.TrimSpace(h.FirstName) + " " + strings.TrimSpace(h.LastName))
	if full != "" {
		return full
	}
	if alias := strings.TrimSpace(h.Alias); alias != "" {
		return alias
	}
	if u := strings.TrimPrefix(strings.TrimSpace(h.Username), "@"); u != "" {
		return "@" + u
	}
	return ""
}

// PlaceholderName builds "User <raw hint>" from the first identifying hint.
func PlaceholderName(h Hints) string {
	for _, v := range []string{h.TelegramID, h.PlatformRef, h.Phone, h.Email} {
		if v = strings.TrimSpace(v); v != "" {
			return "User " + v
		}
	}
	return "User unknown"
}
