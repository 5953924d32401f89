package schedule

import (
	"testing"
	"time"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestNextRunTime(t *testing.T) {
	tests := []struct {
		name     string
		expr     string
		from     time.Time
		tz       string
		expected time.Time
	}{
		{"daily later today", "0 9 * * *", utc(2026, 10, 17, 8, 0), "UTC", utc(2026, 10, 17, 9, 0)},
		{"daily already passed", "0 9 * * *", utc(2026, 10, 17, 9, 0), "UTC", utc(2026, 10, 18, 9, 0)},
		{"every minute", "* * * * *", time.Date(2026, 10, 17, 10, 10, 30, 0, time.UTC), "UTC", utc(2026, 10, 17, 10, 11)},
		{"fixed minute this hour", "30 * * * *", utc(2026, 10, 17, 10, 10), "UTC", utc(2026, 10, 17, 10, 30)},
		{"fixed minute next hour", "30 * * * *", utc(2026, 10, 17, 10, 45), "UTC", utc(2026, 10, 17, 11, 30)},
		{"minute step", "*/15 * * * *", utc(2026, 10, 17, 10, 50), "UTC", utc(2026, 10, 17, 11, 0)},
		{"every 6 hours", "15 */6 * * *", utc(2026, 10, 17, 10, 0), "UTC", utc(2026, 10, 17, 12, 15)},
		{"every 6 hours rolls to next day", "15 */6 * * *", utc(2026, 10, 17, 19, 0), "UTC", utc(2026, 10, 18, 0, 15)},
		{"every 6 hours exact boundary", "15 */6 * * *", utc(2026, 10, 17, 18, 15), "UTC", utc(2026, 10, 18, 0, 15)},
		{"weekday range from saturday", "0 9 * * 1-5", utc(2026, 10, 17, 10, 0), "UTC", utc(2026, 10, 19, 9, 0)},
		{"weekday range same day", "0 9 * * 1-5", utc(2026, 10, 19, 8, 0), "UTC", utc(2026, 10, 19, 9, 0)},
		{"weekday range next day", "0 9 * * 1-5", utc(2026, 10, 19, 10, 0), "UTC", utc(2026, 10, 20, 9, 0)},
		{"weekday range wraps", "0 9 * * 1-5", utc(2026, 10, 23, 10, 0), "UTC", utc(2026, 10, 26, 9, 0)},
		{"single weekday rolls a week", "30 8 * * 1", utc(2026, 10, 19, 9, 0), "UTC", utc(2026, 10, 26, 8, 30)},
		{"sunday as 7", "0 9 * * 7", utc(2026, 10, 17, 10, 0), "UTC", utc(2026, 10, 18, 9, 0)},
		{"monthly next month", "0 9 15 * *", utc(2026, 10, 17, 10, 0), "UTC", utc(2026, 11, 15, 9, 0)},
		{"monthly this month", "0 9 20 * *", utc(2026, 10, 17, 10, 0), "UTC", utc(2026, 10, 20, 9, 0)},
		{"monthly skips short months", "0 9 31 * *", utc(2026, 10, 31, 10, 0), "UTC", utc(2026, 12, 31, 9, 0)},
		{"new york summer", "0 9 * * *", utc(2026, 7, 1, 0, 0), "America/New_York", utc(2026, 7, 1, 13, 0)},
		{"new york winter", "0 9 * * *", utc(2026, 1, 15, 0, 0), "America/New_York", utc(2026, 1, 15, 14, 0)},
		{"new york dst start", "0 9 * * *", utc(2026, 3, 8, 0, 0), "America/New_York", utc(2026, 3, 8, 13, 0)},
		{"vilnius weekly", "0 9 * * 1", utc(2026, 10, 17, 10, 0), "Europe/Vilnius", utc(2026, 10, 19, 6, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextRunTime(tt.expr, tt.from, tt.tz)
			if !ok {
				t.Fatalf("NextRunTime(%q) unsupported, expected %v", tt.expr, tt.expected)
			}
			if !got.Equal(tt.expected) {
				t.Errorf("NextRunTime(%q, %v, %s) = %v, expected %v", tt.expr, tt.from, tt.tz, got, tt.expected)
			}
			if got.Location() != time.UTC {
				t.Errorf("result should be in UTC, got %v", got.Location())
			}
		})
	}
}

func TestNextRunTime_StrictlyAfterFrom(t *testing.T) {
	exprs := []string{"0 9 * * *", "30 * * * *", "* * * * *", "0 */4 * * *", "0 9 * * 1-5", "45 17 * * 5", "0 0 1 * *", "0 9 31 * *"}
	zones := []string{"UTC", "America/New_York", "Asia/Kolkata", "Australia/Sydney"}

	start := utc(2026, 1, 1, 0, 0)
	for _, expr := range exprs {
		for _, tz := range zones {
			for i := 0; i < 400; i++ {
				from := start.Add(time.Duration(i) * 13 * time.Hour).Add(time.Duration(i%60) * time.Minute)
				got, ok := NextRunTime(expr, from, tz)
				if !ok {
					t.Fatalf("NextRunTime(%q, %v, %s) unsupported", expr, from, tz)
				}
				if !got.After(from) {
					t.Fatalf("NextRunTime(%q, %v, %s) = %v, not after from", expr, from, tz, got)
				}
			}
		}
	}
}

func TestNextRunTime_TimezoneOffset(t *testing.T) {
	for _, from := range []time.Time{utc(2026, 1, 10, 0, 0), utc(2026, 7, 10, 0, 0)} {
		inUTC, _ := NextRunTime("0 9 * * *", from, "UTC")
		inNY, _ := NextRunTime("0 9 * * *", from, "America/New_York")

		ny, _ := time.LoadLocation("America/New_York")
		_, offset := inNY.In(ny).Zone()
		expected := -time.Duration(offset) * time.Second

		if diff := inNY.Sub(inUTC); diff != expected {
			t.Errorf("from %v: NY - UTC = %v, expected %v", from, diff, expected)
		}
	}
}

func TestNextRunTime_Unsupported(t *testing.T) {
	tests := []string{
		"",
		"abc",
		"0 9 * *",
		"0 9 1 1 *",
		"0 9 1 * 1",
		"0 9 * * 5-1",
		"0 25 * * *",
		"x 9 * * *",
		"0 9-17 * * *",
		"0 9 * * 1,3",
		"0 9 32 * *",
	}

	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			if got, ok := NextRunTime(expr, utc(2026, 10, 17, 0, 0), "UTC"); ok {
				t.Errorf("NextRunTime(%q) = %v, expected unsupported", expr, got)
			}
		})
	}
}

func TestIsDue(t *testing.T) {
	last := utc(2026, 10, 17, 8, 0)

	tests := []struct {
		name     string
		expr     string
		lastRun  *time.Time
		now      time.Time
		tz       string
		expected bool
	}{
		{"never run", "0 9 * * *", nil, last, "UTC", true},
		{"never run malformed", "garbage", nil, last, "UTC", true},
		{"daily before time", "0 9 * * *", &last, utc(2026, 10, 17, 8, 59), "UTC", false},
		{"daily at time", "0 9 * * *", &last, utc(2026, 10, 17, 9, 0), "UTC", true},
		{"daily after time", "0 9 * * *", &last, utc(2026, 10, 17, 11, 0), "UTC", true},
		{"new york not yet 9am local", "0 9 * * *", &last, utc(2026, 10, 17, 12, 0), "America/New_York", false},
		{"new york past 9am local", "0 9 * * *", &last, utc(2026, 10, 17, 13, 0), "America/New_York", true},
		{"fallback within 23h", "0 9 1 1 *", &last, last.Add(time.Hour), "UTC", false},
		{"fallback exactly 23h", "0 9 1 1 *", &last, last.Add(FallbackInterval), "UTC", false},
		{"fallback after 23h", "0 9 1 1 *", &last, last.Add(24 * time.Hour), "UTC", true},
		{"malformed uses fallback", "nope", &last, last.Add(24 * time.Hour), "UTC", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := tt.now
			e := &Evaluator{Now: func() time.Time { return now }}
			if got := e.IsDue(tt.expr, tt.lastRun, tt.tz); got != tt.expected {
				t.Errorf("IsDue() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		expr     string
		expected Kind
		daily    bool
	}{
		{"30 * * * *", KindHourly, true},
		{"0 */2 * * *", KindEveryNHours, true},
		{"0 9 * * *", KindDaily, true},
		{"0 9 * * 1-5", KindWeekly, false},
		{"0 9 1 * *", KindMonthly, false},
		{"0 9 1 6 *", KindCustom, false},
		{"bogus", KindCustom, false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			if got := Classify(tt.expr); got != tt.expected {
				t.Errorf("Classify(%q) = %s, expected %s", tt.expr, got, tt.expected)
			}
			if got := IsDailyShaped(tt.expr); got != tt.daily {
				t.Errorf("IsDailyShaped(%q) = %v, expected %v", tt.expr, got, tt.daily)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := []string{"0 9 * * *", "*/5 * * * *", "0 9 * * 1-5", "0 9 1,15 * *"}
	for _, expr := range valid {
		if err := Validate(expr); err != nil {
			t.Errorf("Validate(%q) error = %v", expr, err)
		}
	}

	invalid := []string{"", "61 * * * *", "0 9 * *", "a b c d e"}
	for _, expr := range invalid {
		if err := Validate(expr); err == nil {
			t.Errorf("Validate(%q) should fail", expr)
		}
	}
}

func TestLoadLocation(t *testing.T) {
	if loc := LoadLocation(""); loc != time.UTC {
		t.Errorf("empty tz = %v, expected UTC", loc)
	}
	if loc := LoadLocation("Not/AZone"); loc != time.UTC {
		t.Errorf("unknown tz = %v, expected UTC", loc)
	}
	if loc := LoadLocation("Europe/Vilnius"); loc.String() != "Europe/Vilnius" {
		t.Errorf("LoadLocation(Europe/Vilnius) = %v", loc)
	}
}

func TestNextRunTimes(t *testing.T) {
	times := NextRunTimes("0 9 * * 1-5", utc(2026, 10, 23, 10, 0), "UTC", 3)
	expected := []time.Time{utc(2026, 10, 26, 9, 0), utc(2026, 10, 27, 9, 0), utc(2026, 10, 28, 9, 0)}
	if len(times) != len(expected) {
		t.Fatalf("got %d times, expected %d", len(times), len(expected))
	}
	for i := range expected {
		if !times[i].Equal(expected[i]) {
			t.Errorf("times[%d] = %v, expected %v", i, times[i], expected[i])
		}
	}

	if got := NextRunTimes("0 9 1 1 *", utc(2026, 1, 1, 0, 0), "UTC", 3); len(got) != 0 {
		t.Errorf("unsupported shape should yield no times, got %v", got)
	}
}
