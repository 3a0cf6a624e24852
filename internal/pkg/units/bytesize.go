package units

import (
	"fmt"
	"strconv"
	"strings"
)

// Decimal size units.
const (
	B  = 1
	KB = 1000 * B
	MB = 1000 * KB
	GB = 1000 * MB
	TB = 1000 * GB
	PB = 1000 * TB
)

var decimalAbbrs = []string{"B", "kB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}

var unitMultipliers = map[byte]float64{
	'k': KB,
	'm': MB,
	'g': GB,
	't': TB,
	'p': PB,
}

// HumanSize returns human-readable approximation of size
// with at most four significant digits, e.g. "1.024kB".
func HumanSize(size float64) string {
	i := 0
	for size >= 1000 && i < len(decimalAbbrs)-1 {
		size /= 1000
		i++
	}

	return fmt.Sprintf("%.4g%s", size, decimalAbbrs[i])
}

// FromHumanSize parses size like "25MB", "1.5 kB" or "300" into bytes.
// Unit letter is case-insensitive and trailing "b" is optional.
func FromHumanSize(s string) (int64, error) {
	if s == "" {
		return -1, fmt.Errorf("invalid size: empty string")
	}

	numEnd := 0
	for numEnd < len(s) && (s[numEnd] >= '0' && s[numEnd] <= '9' || s[numEnd] == '.') {
		numEnd++
	}
	if numEnd == 0 {
		return -1, fmt.Errorf("invalid size %q: no number", s)
	}

	num, err := strconv.ParseFloat(s[:numEnd], 64)
	if err != nil {
		return -1, fmt.Errorf("invalid size %q: %w", s, err)
	}

	suffix := strings.TrimPrefix(s[numEnd:], " ")
	multiplier := float64(B)

	if suffix != "" {
		if m, ok := unitMultipliers[lower(suffix[0])]; ok {
			multiplier = m
			suffix = suffix[1:]
		}
		if suffix != "" && lower(suffix[0]) == 'b' {
			suffix = suffix[1:]
		}
		if suffix != "" {
			return -1, fmt.Errorf("invalid size %q: unknown suffix", s)
		}
	}

	return int64(num * multiplier), nil
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
