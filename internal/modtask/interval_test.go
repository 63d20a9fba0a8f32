package modtask

import (
	"testing"
	"time"
)

func TestParseIntervalUnits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{raw: "250ms", want: 250 * time.Millisecond},
		{raw: "45s", want: 45 * time.Second},
		{raw: "30m", want: 30 * time.Minute},
		{raw: "4h", want: 4 * time.Hour},
		{raw: "2d", want: 48 * time.Hour},
		{raw: "1w", want: 7 * 24 * time.Hour},
		{raw: "1y", want: 365 * 24 * time.Hour},
		{raw: "4H", want: 4 * time.Hour},
		{raw: "292y", want: 292 * 365 * 24 * time.Hour},
		{raw: "h4", want: 4 * time.Hour},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseInterval(tt.raw)
			if !ok {
				t.Fatalf("ParseInterval(%q) not ok", tt.raw)
			}
			if got != tt.want {
				t.Fatalf("ParseInterval(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseIntervalRejects(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "12", "h", "4x", "4 hours", "soon", " 4h", "4h ", "300y", "20000w", "100000000000000000m", "99999999999999999999s"} {
		if d, ok := ParseInterval(raw); ok {
			t.Fatalf("ParseInterval(%q) = %v, want no result", raw, d)
		}
	}
}

func TestValidateIntervalMinimum(t *testing.T) {
	t.Parallel()
	if _, err := ValidateInterval("30s"); err == nil {
		t.Fatal("expected error for interval below one minute")
	}
	if _, err := ValidateInterval("nope"); err != ErrInvalidInterval {
		t.Fatalf("err = %v, want ErrInvalidInterval", err)
	}
	d, err := ValidateInterval("1m")
	if err != nil || d != time.Minute {
		t.Fatalf("ValidateInterval(1m) = %v, %v", d, err)
	}
}

func TestHumanizeInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		want string
	}{
		{4 * time.Hour, "4 hours"},
		{7 * 24 * time.Hour, "1 week"},
		{90 * time.Minute, "90 minutes"},
		{time.Minute, "1 minute"},
	}
	for _, tt := range tests {
		if got := HumanizeInterval(tt.d); got != tt.want {
			t.Fatalf("HumanizeInterval(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestOverflowingIntervalIsNeverDue(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tk := Task{Interval: "300y", LastTrigger: now}
	if due, ok := tk.Due(now); ok || due {
		t.Fatalf("Due = %v, %v; want an unparsable interval", due, ok)
	}
	if _, err := ValidateInterval("300y"); err != ErrInvalidInterval {
		t.Fatalf("ValidateInterval(300y) err = %v, want ErrInvalidInterval", err)
	}
}
