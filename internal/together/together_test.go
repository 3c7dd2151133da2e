package together

import (
	"math"
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestHaversineSamePointIsZero(t *testing.T) {
	for _, p := range [][2]float64{{0, 0}, {52.37, 4.89}, {-33.86, 151.2}, {89.9, -179.9}} {
		if d := Haversine(p[0], p[1], p[0], p[1]); d != 0 {
			t.Fatalf("distance(%v, %v) to itself = %v, want 0", p[0], p[1], d)
		}
	}
}

func TestHaversineOneDegreeOfLongitudeAtEquator(t *testing.T) {
	d := Haversine(0, 0, 0, 1)
	if math.Abs(d-111.19) > 0.5 {
		t.Fatalf("distance(0,0,0,1) = %.3f km, want ~111.19", d)
	}
}

func TestHaversineNaNPropagates(t *testing.T) {
	if d := Haversine(math.NaN(), 0, 0, 0); !math.IsNaN(d) {
		t.Fatalf("expected NaN, got %v", d)
	}
}

func TestCalendarDifference(t *testing.T) {
	tests := []struct {
		name       string
		start, now time.Time
		want       Timeline
	}{
		{"same day", day(2024, 5, 1), day(2024, 5, 1), Timeline{0, 0, 0, 0}},
		{"months and days", day(2024, 1, 15), day(2024, 3, 20), Timeline{0, 2, 5, 65}},
		{"day borrow", day(2024, 1, 20), day(2024, 3, 10), Timeline{0, 1, 19, 50}},
		{"year borrow", day(2022, 11, 5), day(2024, 2, 5), Timeline{1, 3, 0, 457}},
		{"whole year", day(2023, 6, 1), day(2024, 6, 1), Timeline{1, 0, 0, 366}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalendarDifference(tt.start, tt.now)
			if got != tt.want {
				t.Fatalf("CalendarDifference(%s, %s) = %+v, want %+v",
					tt.start.Format(time.DateOnly), tt.now.Format(time.DateOnly), got, tt.want)
			}
		})
	}
}

func TestCalendarDifferenceTotalDaysFloors(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := time.Date(2024, 1, 3, 11, 59, 0, 0, time.UTC)
	if got := CalendarDifference(start, now).TotalDays; got != 1 {
		t.Fatalf("TotalDays = %d, want 1", got)
	}
}

func TestRecordDailyActivityIsIdempotentPerDay(t *testing.T) {
	s := LoveStreak{OwnerID: "u1"}
	first := RecordDailyActivity(s, day(2024, 6, 10))
	second := RecordDailyActivity(first, day(2024, 6, 10).Add(15*time.Hour))
	if first != second {
		t.Fatalf("second same-day call changed streak: %+v -> %+v", first, second)
	}
	if first.CurrentStreak != 1 || first.LongestStreak != 1 {
		t.Fatalf("first activity = %+v, want current=1 longest=1", first)
	}
}

func TestRecordDailyActivityContinuesAndResets(t *testing.T) {
	s := LoveStreak{CurrentStreak: 5, LongestStreak: 5, LastActivity: day(2024, 6, 10)}

	s = RecordDailyActivity(s, day(2024, 6, 11))
	if s.CurrentStreak != 6 || s.LongestStreak != 6 {
		t.Fatalf("after consecutive day: %+v, want current=6 longest=6", s)
	}

	s = RecordDailyActivity(s, day(2024, 6, 13))
	if s.CurrentStreak != 1 {
		t.Fatalf("after gap: current=%d, want 1", s.CurrentStreak)
	}
	if s.LongestStreak != 6 {
		t.Fatalf("after gap: longest=%d, want 6", s.LongestStreak)
	}
	if !s.LastActivity.Equal(day(2024, 6, 13)) {
		t.Fatalf("last activity = %v", s.LastActivity)
	}
}

func TestRecordDailyActivityAcrossMonthBoundary(t *testing.T) {
	s := LoveStreak{CurrentStreak: 2, LongestStreak: 4, LastActivity: day(2024, 2, 29)}
	s = RecordDailyActivity(s, day(2024, 3, 1))
	if s.CurrentStreak != 3 || s.LongestStreak != 4 {
		t.Fatalf("got %+v, want current=3 longest=4", s)
	}
}

func TestLongestStreakNeverDecreases(t *testing.T) {
	// Deterministic walk with gaps of 0, 1 and 2+ days.
	gaps := []int{1, 1, 0, 1, 3, 1, 1, 1, 1, 0, 2, 1, 7, 1}
	s := LoveStreak{}
	today := day(2024, 1, 1)
	prevLongest := 0
	for i, g := range gaps {
		today = today.AddDate(0, 0, g)
		s = RecordDailyActivity(s, today)
		if s.LongestStreak < prevLongest {
			t.Fatalf("step %d: longest decreased %d -> %d", i, prevLongest, s.LongestStreak)
		}
		if s.LongestStreak < s.CurrentStreak {
			t.Fatalf("step %d: longest %d < current %d", i, s.LongestStreak, s.CurrentStreak)
		}
		prevLongest = s.LongestStreak
	}
}
