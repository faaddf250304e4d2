package beat

import (
	"fmt"
	"strings"
	"time"
)

// normalizeSchedule maps the accepted schedule forms onto a robfig/cron
// spec. Supported:
//   - cron expressions: "*/5 * * * *", "55 * * * *" (5 or 6 fields)
//   - descriptors: "@hourly", "@every 55m"
//   - bare Go durations: "55m", "2h30m" (rewritten to "@every ...")
func normalizeSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}

	// Whitespace or a leading '@' means it's already cron-shaped.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return s, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', '@every 55m', or a duration like '55m')", raw)
	}
	if d <= 0 {
		return "", fmt.Errorf("schedule interval must be > 0")
	}
	return "@every " + d.String(), nil
}
