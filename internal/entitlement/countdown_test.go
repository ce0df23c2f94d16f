package entitlement_test

import (
	"testing"
	"time"

	"keygate/internal/entitlement"
)

func TestFormatCountdown(t *testing.T) {
	cases := []struct {
		remaining   time.Duration
		wantText    string
		wantUrgency string
	}{
		{49*time.Hour + 4*time.Minute + 5*time.Second, "2d 1h 4m 5s", ""},
		{25 * time.Hour, "1d 1h 0m 0s", ""},
		{90 * time.Minute, "1h 30m 0s", "warning"},
		{59 * time.Minute, "59m 0s", "warning"},
		{30 * time.Minute, "30m 0s", "warning"},
		{29*time.Minute + 59*time.Second, "29m 59s", "critical"},
		{45 * time.Second, "0m 45s", "critical"},
	}

	for _, tc := range cases {
		text, urgency := entitlement.FormatCountdown(tc.remaining)
		if text != tc.wantText || urgency != tc.wantUrgency {
			t.Errorf("FormatCountdown(%v) = (%q, %q), want (%q, %q)",
				tc.remaining, text, urgency, tc.wantText, tc.wantUrgency)
		}
	}
}
