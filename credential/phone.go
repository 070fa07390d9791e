package credential

import (
	"errors"
	"regexp"
	"strings"
)

// CameroonCountryCode is the only supported dialing prefix.
const CameroonCountryCode = "+237"

// ErrInvalidPhone is returned for numbers outside the Cameroon numbering plan.
var ErrInvalidPhone = errors.New("credential: invalid phone number")

var cameroonPhonePattern = regexp.MustCompile(`^\+237[26][0-9]{8}$`)

// Operator is the mobile network inferred from the number prefix.
type Operator string

const (
	OperatorMTN    Operator = "MTN"
	OperatorOrange Operator = "Orange"
	OperatorOther  Operator = "Other"
)

// Phone is a parsed Cameroon number.
type Phone struct {
	CountryCode string
	Operator    Operator
	// Number holds the 9 national digits.
	Number string
	// Formatted is the E.164 form, used as the stored identifier.
	Formatted string
}

// String returns the E.164 form.
func (p Phone) String() string { return p.Formatted }

// IsZero reports an unset phone.
func (p Phone) IsZero() bool { return p.Formatted == "" }

// NormalizePhone converts local and international spellings to E.164.
// "6 54 32 10 00", "237654321000" and "+237 654-321-000" all yield
// "+237654321000". The result is not validated.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	switch {
	case strings.HasPrefix(cleaned, "+"):
		return cleaned
	case strings.HasPrefix(cleaned, "237"):
		return "+" + cleaned
	case strings.HasPrefix(cleaned, "6"), strings.HasPrefix(cleaned, "2"):
		return CameroonCountryCode + cleaned
	}
	return cleaned
}

// ParsePhone normalizes and validates raw.
func ParsePhone(raw string) (Phone, error) {
	formatted := NormalizePhone(raw)
	if !cameroonPhonePattern.MatchString(formatted) {
		return Phone{}, ErrInvalidPhone
	}

	national := strings.TrimPrefix(formatted, CameroonCountryCode)
	return Phone{
		CountryCode: CameroonCountryCode,
		Operator:    operatorFor(national),
		Number:      national,
		Formatted:   formatted,
	}, nil
}

func operatorFor(national string) Operator {
	if len(national) < 2 || national[0] != '6' {
		return OperatorOther
	}
	switch national[1] {
	case '5', '6', '7', '8', '9':
		return OperatorMTN
	case '0', '1', '2', '3', '4':
		return OperatorOrange
	}
	return OperatorOther
}
