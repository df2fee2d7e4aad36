package domain

import "fmt"

// FormatCents renders minor units as a two-decimal amount, e.g. 2197 -> "21.97".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
