package store

import "strings"

// NaturalLess orders branch names. When both names start with a run of
// digits the runs compare numerically; otherwise, and on ties, names
// compare bytewise.
func NaturalLess(a, b string) bool {
	da, db := leadingDigits(a), leadingDigits(b)
	if da != "" && db != "" {
		if c := compareDigits(da, db); c != 0 {
			return c < 0
		}
	}
	return a < b
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

// compareDigits compares two decimal runs of any length without parsing.
func compareDigits(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
