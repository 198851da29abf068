package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a dot-separated numeric firmware or hardware version
// as reported by a device, e.g. "2.06" or "1.0.2".
type Version []int

func ParseVersion(s string) (Version, error) {
	fields := strings.Split(strings.TrimSpace(s), ".")
	v := make(Version, 0, len(fields))
	for _, field := range fields {
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid version %q: %v", s, err)
		}
		v = append(v, n)
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("empty version string")
	}
	return v, nil
}

func (v Version) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// Compare returns -1, 0 or 1 if v is older than, equal to or newer
// than other. Missing trailing components compare as zero.
func (v Version) Compare(other Version) int {
	max := len(v)
	if len(other) > max {
		max = len(other)
	}
	for i := 0; i < max; i++ {
		var a, b int
		if i < len(v) {
			a = v[i]
		}
		if i < len(other) {
			b = other[i]
		}
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}
	return 0
}

// AtLeast reports whether a version string parses and is not older
// than min. Unparseable versions report false.
func AtLeast(ver string, min Version) bool {
	v, err := ParseVersion(ver)
	if err != nil {
		return false
	}
	return v.Compare(min) >= 0
}
