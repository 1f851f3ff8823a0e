// Package address turns user supplied phone numbers into transport
// conversation ids.
package address

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrNoTarget is returned by Resolve when neither a conversation id nor a
// number was supplied.
var ErrNoTarget = errors.New("either a conversation id or a number is required")

var ErrEmptyNumber = errors.New("number contains no digits")

// Policy holds the country specific normalisation rules. The defaults encode
// the Brazilian mobile convention where the transport identifies 13 digit
// mobile numbers without their leading 9.
type Policy struct {
	CountryCode       string
	MobileStripLength int
	MobileStripIndex  int
	MinPrefixedLength int
	UserSuffix        string
}

func DefaultPolicy() Policy {
	return Policy{
		CountryCode:       "55",
		MobileStripLength: 13,
		MobileStripIndex:  4,
		MinPrefixedLength: 12,
		UserSuffix:        "@s.whatsapp.net",
	}
}

// Normalize keeps the digits of number, prefixes the country code when it is
// missing, strips the mobile digit from numbers of MobileStripLength digits
// and appends UserSuffix.
func (p Policy) Normalize(number string) (string, error) {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "", ErrEmptyNumber
	}

	cc := p.CountryCode
	if cc != "" && (len(digits) < p.MinPrefixedLength || !strings.HasPrefix(digits, cc)) {
		digits = cc + digits
	}

	idx := p.MobileStripIndex
	if p.MobileStripLength > 0 && len(digits) == p.MobileStripLength &&
		strings.HasPrefix(digits, cc) && idx >= 0 && idx < len(digits) {
		digits = digits[:idx] + digits[idx+1:]
	}
	return digits + p.UserSuffix, nil
}

// Resolve returns conversationID unchanged when it is a full transport id
// (contains '@'); otherwise it normalises the first non-empty of
// conversationID and number.
func (p Policy) Resolve(conversationID, number string) (string, error) {
	conversationID = strings.TrimSpace(conversationID)
	if strings.Contains(conversationID, "@") {
		return conversationID, nil
	}
	raw := conversationID
	if raw == "" {
		raw = strings.TrimSpace(number)
	}
	if raw == "" {
		return "", ErrNoTarget
	}
	return p.Normalize(raw)
}
