package shield

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RedactedValue replaces redacted column values in their entirety
const RedactedValue = "[REDACTED]"

const defaultMaskPattern = "****"

// Mask partially obfuscates a value. The shape is column-name-sensitive:
// emails keep the first and last character of the local part, phone numbers
// and national IDs keep their last four digits, card numbers keep the last
// four in "**** **** **** ####" form. Everything else keeps the first and
// last two characters around the pattern.
func Mask(value, columnName, pattern string) string {
	if value == "" {
		return value
	}
	if pattern == "" {
		pattern = defaultMaskPattern
	}
	name := strings.ToLower(columnName)
	switch {
	case strings.Contains(name, "email"):
		return maskEmail(value)
	case strings.Contains(name, "phone"):
		return maskKeepLast4(value)
	case strings.Contains(name, "ssn"), strings.Contains(name, "tax"):
		return maskSSN(value)
	case strings.Contains(name, "credit"), strings.Contains(name, "card"):
		return maskCard(value)
	default:
		return maskGeneric(value, pattern)
	}
}

// Redact replaces the value with the fixed literal
func Redact() string { return RedactedValue }

// Tokenize produces a deterministic, column-scoped one-way token: the same
// value in the same column always yields the same token.
func Tokenize(value, columnName string) string {
	sum := sha256.Sum256([]byte(columnName + ":" + value))
	return "tok_" + hex.EncodeToString(sum[:])[:16]
}

func maskEmail(value string) string {
	at := strings.IndexByte(value, '@')
	if at <= 0 {
		return maskGeneric(value, defaultMaskPattern)
	}
	local, domain := value[:at], value[at:]
	if len(local) <= 2 {
		return strings.Repeat("*", len(local)) + domain
	}
	return local[:1] + strings.Repeat("*", len(local)-2) + local[len(local)-1:] + domain
}

func maskKeepLast4(value string) string {
	digits := digitsOf(value)
	if len(digits) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
}

func maskSSN(value string) string {
	digits := digitsOf(value)
	if len(digits) < 4 {
		return strings.Repeat("*", len(value))
	}
	return "***-**-" + digits[len(digits)-4:]
}

func maskCard(value string) string {
	digits := digitsOf(value)
	if len(digits) < 4 {
		return strings.Repeat("*", len(value))
	}
	return "**** **** **** " + digits[len(digits)-4:]
}

func maskGeneric(value, pattern string) string {
	if len(value) <= 4 {
		return pattern
	}
	return value[:2] + pattern + value[len(value)-2:]
}

func digitsOf(value string) string {
	var sb strings.Builder
	for _, ch := range value {
		if ch >= '0' && ch <= '9' {
			sb.WriteRune(ch)
		}
	}
	return sb.String()
}
