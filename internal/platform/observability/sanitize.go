package observability

import "unicode"

// sanitizeString drops control characters and bounds the length of values that end up in logs.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		cleaned = append(cleaned, r)
		if len(cleaned) == limit {
			break
		}
	}
	return string(cleaned)
}

// SanitizeRoute bounds route patterns written to logs.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod bounds HTTP methods written to logs.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// MaskPhone keeps the last four digits of a phone number.
func MaskPhone(phone string) string {
	runes := []rune(sanitizeString(phone, 32))
	if len(runes) <= 4 {
		return "****"
	}
	masked := make([]rune, len(runes))
	for i, r := range runes {
		if i < len(runes)-4 && unicode.IsDigit(r) {
			masked[i] = '*'
			continue
		}
		masked[i] = r
	}
	return string(masked)
}
