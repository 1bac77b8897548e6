package kibi

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrInvalidByteSizeString = errors.New("Invalid byte size string")

var sizeRegex = regexp.MustCompile(`^(\d+)\s*([a-z]*)$`)

type unit struct {
	name       string
	multiplier int64
}

// Largest first
var units = []unit{
	{"PB", 1 << 50},
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
}

// FormatBytes returns a rounded-down human readable size, eg "35 MB"
func FormatBytes(b int64) string {
	for _, u := range units {
		if b >= u.multiplier {
			return fmt.Sprintf("%v %v", b/u.multiplier, u.name)
		}
	}
	return fmt.Sprintf("%v bytes", b)
}

// ParseBytes parses a size such as "64 MB", "64mb", "64 m" or "1234".
// Suffixes are case insensitive, and use powers of 1024.
func ParseBytes(v string) (int64, error) {
	m := sizeRegex.FindStringSubmatch(strings.TrimSpace(strings.ToLower(v)))
	if m == nil {
		return 0, ErrInvalidByteSizeString
	}
	value, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidByteSizeString, err)
	}
	suffix := m[2]
	if suffix == "" || suffix == "bytes" || suffix == "b" {
		return value, nil
	}
	for _, u := range units {
		name := strings.ToLower(u.name)
		if suffix == name || suffix == name[:1] {
			return value * u.multiplier, nil
		}
	}
	return 0, ErrInvalidByteSizeString
}
