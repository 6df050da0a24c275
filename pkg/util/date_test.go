package util

import (
	"strconv"
	"testing"
	"time"
)

func TestParseTimeRFC3339(t *testing.T) {
	s := "2024-10-10T10:10:10Z"
	got, ok := ParseTime(s)
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.UTC().Format(time.RFC3339) != s {
		t.Fatalf("unexpected time %v", got)
	}
}

func TestParseTimeUnixSecondsAndMillis(t *testing.T) {
	want := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)
	cases := []string{
		strconv.FormatInt(want.Unix(), 10),
		strconv.FormatInt(want.UnixMilli(), 10),
	}
	for _, in := range cases {
		got, ok := ParseTime(in)
		if !ok || !got.Equal(want) {
			t.Fatalf("ParseTime(%q) = %v %v", in, got, ok)
		}
	}
}

func TestParseTimeDefault(t *testing.T) {
	def := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)
	if got := ParseTimeDefault("", def); !got.Equal(def) {
		t.Fatalf("expected default")
	}
}

func TestParseDateIn(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	got, ok := ParseDateIn("2024-06-11", loc)
	if !ok || !got.Equal(time.Date(2024, 6, 11, 0, 0, 0, 0, loc)) {
		t.Fatalf("unexpected date %v", got)
	}
	// 2024-06-10T20:00Z is already the 11th in UTC+8.
	got, ok = ParseDateIn("2024-06-10T20:00:00Z", loc)
	if !ok || got.Day() != 11 {
		t.Fatalf("expected local date 11th, got %v", got)
	}
	if _, ok := ParseDateIn("yesterday", loc); ok {
		t.Fatalf("expected failure")
	}
}

func TestParseDurationDefault(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", time.Hour},
		{"90m", 90 * time.Minute},
		{"7", 7 * 24 * time.Hour},
		{"-3", time.Hour},
		{"abc", time.Hour},
	}
	for _, tt := range tests {
		if got := ParseDurationDefault(tt.in, time.Hour); got != tt.want {
			t.Fatalf("ParseDurationDefault(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseIntDefault(t *testing.T) {
	if ParseIntDefault("12", 1) != 12 || ParseIntDefault("x", 1) != 1 {
		t.Fatalf("unexpected ParseIntDefault results")
	}
}
