package scheduler

import (
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	expr, err := ParseCron("*/5 * * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	if expr.String() != "*/5 * * * *" {
		t.Errorf("expected raw %q, got %q", "*/5 * * * *", expr.String())
	}

	if _, err := ParseCron("not a cron"); err == nil {
		t.Error("expected error for invalid cron expression")
	}
	if _, err := ParseCron("@hourly"); err != nil {
		t.Errorf("descriptor: %v", err)
	}
}

func TestCronExpr_Next(t *testing.T) {
	expr, err := ParseCron("0 9 * * 1-5") // weekdays at nine
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}

	friday := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	want := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	if got := expr.Next(friday); !got.Equal(want) {
		t.Errorf("got next %v, want %v", got, want)
	}
}

func TestCronExpr_Matches(t *testing.T) {
	expr, err := ParseCron("30 14 * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}

	tests := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2026, 6, 15, 14, 30, 0, 0, time.UTC), true},
		{time.Date(2026, 6, 15, 14, 30, 45, 0, time.UTC), true},
		{time.Date(2026, 6, 15, 14, 31, 0, 0, time.UTC), false},
		{time.Date(2026, 6, 15, 14, 29, 59, 0, time.UTC), false},
	}
	for _, tt := range tests {
		if got := expr.Matches(tt.at); got != tt.want {
			t.Errorf("Matches(%s): got %v, want %v", tt.at.Format(time.TimeOnly), got, tt.want)
		}
	}
}
