package together

import "time"

// LoveStreak counts consecutive days on which the owner did the daily action.
// LongestStreak is always >= CurrentStreak. A zero LastActivity means the
// owner has never recorded an activity.
type LoveStreak struct {
	OwnerID       string    `json:"owner_id"`
	CurrentStreak int       `json:"current_streak"`
	LongestStreak int       `json:"longest_streak"`
	LastActivity  time.Time `json:"last_activity_date"`
}

// DateOf truncates t to midnight of its calendar day in t's location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDay reports whether a and b fall on the same calendar date.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// RecordDailyActivity applies today's activity to s and returns the result.
// A second call on the same day returns s unchanged. Activity on the day after
// LastActivity extends the streak; any other gap (or a first activity)
// restarts it at 1.
func RecordDailyActivity(s LoveStreak, today time.Time) LoveStreak {
	today = DateOf(today)

	if !s.LastActivity.IsZero() && SameDay(s.LastActivity, today) {
		return s
	}

	yesterday := today.AddDate(0, 0, -1)
	if !s.LastActivity.IsZero() && SameDay(s.LastActivity, yesterday) {
		s.CurrentStreak++
	} else {
		s.CurrentStreak = 1
	}
	if s.CurrentStreak > s.LongestStreak {
		s.LongestStreak = s.CurrentStreak
	}
	s.LastActivity = today
	return s
}
