package phaseconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTimebox converts a validated ISO-8601 duration of the form
// PT<H>H(<M>M)?(<S>S)? into a time.Duration. Callers (the Phase
// Coordinator's wall-clock bound, component G) should only call this on
// a PhaseConfig that already passed validate, which guarantees the
// pattern matches.
func ParseTimebox(s string) (time.Duration, error) {
	if !timeboxPattern.MatchString(s) {
		return 0, fmt.Errorf("phaseconfig: malformed timebox %q", s)
	}
	rest := strings.TrimPrefix(s, "PT")

	var hours, minutes, seconds int
	if i := strings.Index(rest, "H"); i >= 0 {
		hours, _ = strconv.Atoi(rest[:i])
		rest = rest[i+1:]
	}
	if i := strings.Index(rest, "M"); i >= 0 {
		minutes, _ = strconv.Atoi(rest[:i])
		rest = rest[i+1:]
	}
	if i := strings.Index(rest, "S"); i >= 0 {
		seconds, _ = strconv.Atoi(rest[:i])
	}

	d := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second
	return d, nil
}
