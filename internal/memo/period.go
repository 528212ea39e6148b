package memo

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultCheckpointPeriod is used when a configured period cannot be parsed.
const DefaultCheckpointPeriod = 30 * time.Minute

// ParsePeriod parses an HH:MM:SS checkpoint period.
func ParsePeriod(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid checkpoint period %q: expected HH:MM:SS", s)
	}
	var fields [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid checkpoint period %q: expected HH:MM:SS", s)
		}
		fields[i] = n
	}
	d := time.Duration(fields[0])*time.Hour +
		time.Duration(fields[1])*time.Minute +
		time.Duration(fields[2])*time.Second
	if d <= 0 {
		return 0, fmt.Errorf("invalid checkpoint period %q: must be positive", s)
	}
	return d, nil
}
