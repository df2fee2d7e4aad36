package domain

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/text/width"
)

// DefaultPhoneRegion is assumed for numbers written without a country code.
const DefaultPhoneRegion = "US"

// ErrInvalidPhone is returned for numbers that cannot be dialled.
var ErrInvalidPhone = errors.New("domain: invalid phone number")

// NormalizePhone converts user input such as "(415) 555-0132" or a
// full-width "＋１ ４１５…" into E.164. Numbers without a leading "+" are
// read in region, falling back to DefaultPhoneRegion.
func NormalizePhone(raw, region string) (string, error) {
	cleaned := strings.TrimSpace(width.Fold.String(raw))
	if cleaned == "" {
		return "", ErrInvalidPhone
	}
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		region = DefaultPhoneRegion
	}
	num, err := phonenumbers.Parse(cleaned, region)
	if err != nil {
		return "", ErrInvalidPhone
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", ErrInvalidPhone
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
