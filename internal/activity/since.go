package activity

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var relativePattern = regexp.MustCompile(`^(\d+)([smhd])$`)

var absoluteLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseSince resolves s against now. "<int><s|m|h|d>" is a relative duration;
// a string containing "T" or "-" is an absolute instant.
func ParseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if m := relativePattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		unit := map[string]time.Duration{
			"s": time.Second,
			"m": time.Minute,
			"h": time.Hour,
			"d": 24 * time.Hour,
		}[m[2]]
		return now.Add(-time.Duration(n) * unit), nil
	}

	if strings.ContainsAny(s, "T-") {
		for _, layout := range absoluteLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("invalid since %q: expected a duration like 30m, 2h, 7d or a timestamp like 2024-01-01T00:00:00Z", s)
}
