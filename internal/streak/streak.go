// Package streak persists each user's daily love streak. The day an activity
// counts for is taken in the configured time zone.
package streak

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/lovelink/internal/docstore"
	"github.com/petervdpas/lovelink/internal/together"
)

var log = logging.Logger("streak")

const Collection = "streaks"

// conflictRetries bounds Record's compare-and-set loop.
const conflictRetries = 8

var ErrConflict = errors.New("streak: concurrent update did not settle")

// Service reads and records streaks.
type Service struct {
	store docstore.Store
	loc   *time.Location
	now   func() time.Time
}

// New returns a service counting days in loc (UTC when nil).
func New(store docstore.Store, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, loc: loc, now: time.Now}
}

// Location is the time zone days are counted in.
func (s *Service) Location() *time.Location { return s.loc }

// Get returns ownerID's streak, creating an empty one on first access.
func (s *Service) Get(ctx context.Context, ownerID string) (together.LoveStreak, error) {
	d, err := s.doc(ctx, ownerID)
	if err != nil {
		return together.LoveStreak{}, err
	}
	return s.fromDoc(d), nil
}

// Record counts today's activity for ownerID. Recording twice on one day
// leaves the streak unchanged.
func (s *Service) Record(ctx context.Context, ownerID string) (together.LoveStreak, error) {
	today := s.now().In(s.loc)
	for i := 0; i < conflictRetries; i++ {
		d, err := s.doc(ctx, ownerID)
		if err != nil {
			return together.LoveStreak{}, err
		}
		cur := s.fromDoc(d)
		next := together.RecordDailyActivity(cur, today)
		if next == cur {
			return cur, nil
		}

		// Applied only if nobody recorded since we read.
		updated, ok, err := s.store.UpdateIf(ctx, Collection, ownerID,
			docstore.Cond{Field: "last_activity_date", In: []string{d.Get("last_activity_date")}},
			toFields(next))
		if err != nil {
			return together.LoveStreak{}, fmt.Errorf("record streak: %w", err)
		}
		if ok {
			out := s.fromDoc(updated)
			log.Debugf("STREAK [%s]: current=%d longest=%d", ownerID, out.CurrentStreak, out.LongestStreak)
			return out, nil
		}
	}
	return together.LoveStreak{}, ErrConflict
}

func (s *Service) doc(ctx context.Context, ownerID string) (docstore.Doc, error) {
	if ownerID == "" {
		return docstore.Doc{}, errors.New("streak: empty owner id")
	}
	d, err := s.store.Get(ctx, Collection, ownerID)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return docstore.Doc{}, fmt.Errorf("get streak: %w", err)
	}
	d, err = s.store.Create(ctx, Collection, ownerID, toFields(together.LoveStreak{}))
	if errors.Is(err, docstore.ErrExists) {
		d, err = s.store.Get(ctx, Collection, ownerID)
	}
	if err != nil {
		return docstore.Doc{}, fmt.Errorf("create streak: %w", err)
	}
	return d, nil
}

func toFields(st together.LoveStreak) docstore.Fields {
	last := ""
	if !st.LastActivity.IsZero() {
		last = st.LastActivity.Format(time.DateOnly)
	}
	return docstore.Fields{
		"current_streak":     strconv.Itoa(st.CurrentStreak),
		"longest_streak":     strconv.Itoa(st.LongestStreak),
		"last_activity_date": last,
	}
}

func (s *Service) fromDoc(d docstore.Doc) together.LoveStreak {
	st := together.LoveStreak{OwnerID: d.ID}
	st.CurrentStreak, _ = strconv.Atoi(d.Get("current_streak"))
	st.LongestStreak, _ = strconv.Atoi(d.Get("longest_streak"))
	if t, err := time.ParseInLocation(time.DateOnly, d.Get("last_activity_date"), s.loc); err == nil {
		st.LastActivity = t
	}
	return st
}
