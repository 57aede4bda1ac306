package device

import (
	"strconv"
	"testing"
	"time"
)

// ==== Pattern Variables ====

func TestInterpolate(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		want    string
	}{
		{"device id", "devices/${deviceId}/telemetry", "devices/dev-1/telemetry"},
		{"all variables", "${modelId}/${groupId}/${deviceId}", "m1/g1/dev-1"},
		{"no variables", "static/topic", "static/topic"},
		{"timestamp untouched", "t/${timestamp}", "t/${timestamp}"},
		{"unknown variable untouched", "t/${vendor}", "t/${vendor}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := interpolate(tt.pattern, "dev-1", "m1", "g1"); got != tt.want {
				t.Errorf("interpolate(%q) = %q, want %q", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestInterpolate_Env(t *testing.T) {
	t.Setenv("IOTIX_TEST_SITE", "plant-7")

	if got := interpolate("${env:IOTIX_TEST_SITE}/${deviceId}", "dev-1", "m1", ""); got != "plant-7/dev-1" {
		t.Errorf("interpolate() = %q, want plant-7/dev-1", got)
	}
	// Unset variables resolve to empty.
	if got := interpolate("${env:IOTIX_TEST_UNSET}/x", "dev-1", "m1", ""); got != "/x" {
		t.Errorf("interpolate() = %q, want /x", got)
	}
}

func TestInterpolateTimestamp(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	want := "t/" + strconv.FormatInt(now.UnixMilli(), 10)
	if got := interpolateTimestamp("t/${timestamp}", now); got != want {
		t.Errorf("interpolateTimestamp() = %q, want %q", got, want)
	}
	if got := interpolateTimestamp("t/plain", now); got != "t/plain" {
		t.Errorf("interpolateTimestamp() rewrote a pattern without the variable: %q", got)
	}
}
