package jwt

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseExpiry parses a unit-suffixed duration: s, m, h, d or w.
// "15m" is 15 minutes and "7d" is 168 hours.
func ParseExpiry(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("jwt: invalid expiry %q", s)
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("jwt: invalid expiry %q", s)
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("jwt: invalid expiry unit in %q", s)
	}
	if int64(n) > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("jwt: expiry %q out of range", s)
	}
	return time.Duration(n) * unit, nil
}
