package beat

import (
	"testing"
)

func TestNormalizeScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "five field cron", raw: "*/5 * * * *", want: "*/5 * * * *"},
		{name: "six field cron", raw: "30 * * * * *", want: "30 * * * * *"},
		{name: "descriptor", raw: "@hourly", want: "@hourly"},
		{name: "every descriptor", raw: "@every 55m", want: "@every 55m"},
		{name: "bare duration", raw: "55m", want: "@every 55m0s"},
		{name: "compound duration", raw: "2h30m", want: "@every 2h30m0s"},
		{name: "padded", raw: "  10s  ", want: "@every 10s"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeSchedule(tt.raw)
			if err != nil {
				t.Fatalf("normalizeSchedule(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("normalizeSchedule(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5m", "0s"} {
		if _, err := normalizeSchedule(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
