package crypto

import (
	"strconv"
	"strings"
)

// DefaultSambaSIDPrefix is used when no domain SID prefix is configured.
const DefaultSambaSIDPrefix = "S-000-000-000"

// SambaSID joins prefix and number. An empty prefix falls back to
// DefaultSambaSIDPrefix and a nil number renders as "???".
func SambaSID(prefix string, number *int) string {
	if prefix == "" {
		prefix = DefaultSambaSIDPrefix
	}
	if number == nil {
		return prefix + "-???"
	}
	return prefix + "-" + strconv.Itoa(*number)
}

// SambaSIDNumber returns the integer after the last '-' of sid.
func SambaSIDNumber(sid string) (int, bool) {
	idx := strings.LastIndexByte(sid, '-')
	if idx < 0 || idx == len(sid)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(sid[idx+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}
