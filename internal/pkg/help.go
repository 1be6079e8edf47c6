package pkg

import (
	"strconv"
	"strings"
)

// FormatFloat formats v in fixed notation and strips trailing zeros.
// A negative precision gives the shortest representation that parses back to v.
func FormatFloat(v float64, precision int) string {
	s := strconv.FormatFloat(v, 'f', precision, 64)
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// FormatSeconds renders a duration in seconds the way SCPI timing arguments expect.
func FormatSeconds(seconds float64) string {
	return strconv.FormatFloat(seconds, 'g', -1, 64)
}
