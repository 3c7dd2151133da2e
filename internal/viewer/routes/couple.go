package routes

import (
	"net/http"
	"time"

	"github.com/petervdpas/lovelink/internal/couple"
	"github.com/petervdpas/lovelink/internal/together"
)

func registerCoupleRoutes(mux *http.ServeMux, d Deps) {
	if d.Couples != nil {
		registerPairingRoutes(mux, d)
	}
	if d.Locations != nil {
		registerLocationRoutes(mux, d)
	}
}

func registerPairingRoutes(mux *http.ServeMux, d Deps) {
	couples := d.Couples

	// GET /api/couple  |  POST /api/couple (create, returns the join code)
	mux.HandleFunc("/api/couple", func(w http.ResponseWriter, r *http.Request) {
		var (
			c   couple.Couple
			err error
		)
		switch r.Method {
		case http.MethodGet:
			c, err = couples.Of(r.Context(), d.SelfID)
		case http.MethodPost:
			c, err = couples.Create(r.Context(), d.SelfID)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, c)
	})

	// POST /api/couple/join {code}
	handlePost(mux, "/api/couple/join", func(w http.ResponseWriter, r *http.Request, req struct {
		Code string `json:"code"`
	}) {
		c, err := couples.Join(r.Context(), d.SelfID, req.Code)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, c)
	})

	// POST /api/couple/start {date: "2006-01-02"}
	handlePost(mux, "/api/couple/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Date string `json:"date"`
	}) {
		start, err := time.ParseInLocation(time.DateOnly, req.Date, zone(d))
		if err != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		c, err := couples.SetRelationshipStart(r.Context(), d.SelfID, start)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, c)
	})

	// GET /api/timeline
	handleGet(mux, "/api/timeline", func(w http.ResponseWriter, r *http.Request) {
		tl, err := couples.Timeline(r.Context(), d.SelfID, time.Now().In(zone(d)))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, tl)
	})
}

func registerLocationRoutes(mux *http.ServeMux, d Deps) {
	locs := d.Locations

	// POST /api/location {latitude, longitude, accuracy}
	handlePost(mux, "/api/location", func(w http.ResponseWriter, r *http.Request, req struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Accuracy  float64  `json:"accuracy"`
	}) {
		if req.Latitude == nil || req.Longitude == nil {
			http.Error(w, "missing latitude or longitude", http.StatusBadRequest)
			return
		}
		loc, err := locs.Share(r.Context(), d.SelfID, *req.Latitude, *req.Longitude, req.Accuracy)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, loc)
	})

	// GET /api/location/distance
	handleGet(mux, "/api/location/distance", func(w http.ResponseWriter, r *http.Request) {
		dist, err := locs.Distance(r.Context(), d.SelfID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, dist)
	})
}

func registerStreakRoutes(mux *http.ServeMux, d Deps) {
	if d.Streaks == nil {
		return
	}
	streaks := d.Streaks

	// GET /api/streak
	handleGet(mux, "/api/streak", func(w http.ResponseWriter, r *http.Request) {
		s, err := streaks.Get(r.Context(), d.SelfID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, newStreakView(s))
	})

	// POST /api/streak/activity
	handlePost(mux, "/api/streak/activity", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s, err := streaks.Record(r.Context(), d.SelfID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, newStreakView(s))
	})
}

// streakView renders the last activity as a calendar date, null when none.
type streakView struct {
	OwnerID       string  `json:"owner_id"`
	CurrentStreak int     `json:"current_streak"`
	LongestStreak int     `json:"longest_streak"`
	LastActivity  *string `json:"last_activity_date"`
}

func newStreakView(s together.LoveStreak) streakView {
	v := streakView{OwnerID: s.OwnerID, CurrentStreak: s.CurrentStreak, LongestStreak: s.LongestStreak}
	if !s.LastActivity.IsZero() {
		day := s.LastActivity.Format(time.DateOnly)
		v.LastActivity = &day
	}
	return v
}

// zone is the time zone calendar days are read in.
func zone(d Deps) *time.Location {
	if d.Streaks != nil {
		return d.Streaks.Location()
	}
	return time.Local
}
