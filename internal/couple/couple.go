// Package couple pairs two users through a shared join code and answers who a
// user's partner is. It also keeps the relationship start date the timeline is
// computed from, and the last shared location of each user.
package couple

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/lovelink/internal/docstore"
	"github.com/petervdpas/lovelink/internal/together"
)

var log = logging.Logger("couple")

const (
	CouplesCollection = "couples"

	// CodeAlphabet leaves out 0/O and 1/I so codes can be read aloud.
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeLength   = 8

	codeAttempts = 5
)

var (
	ErrInvalidCode   = errors.New("couple: invalid couple code")
	ErrCoupleFull    = errors.New("couple: couple already has two members")
	ErrOwnCouple     = errors.New("couple: cannot join your own couple")
	ErrAlreadyPaired = errors.New("couple: user already has a partner")
	ErrNoCouple      = errors.New("couple: user is not in a couple")
	ErrInvalidDate   = errors.New("couple: invalid relationship start")
)

// Couple links two users. User2 is empty until someone joins with Code.
type Couple struct {
	ID                string    `json:"id"`
	Code              string    `json:"couple_code"`
	User1             string    `json:"user1"`
	User2             string    `json:"user2,omitempty"`
	CreatedBy         string    `json:"created_by"`
	ConnectedAt       time.Time `json:"connected_at,omitzero"`
	CreatedAt         time.Time `json:"created_at"`
	RelationshipStart time.Time `json:"relationship_start,omitzero"`
}

// Joined reports whether both members are present.
func (c Couple) Joined() bool { return c.User2 != "" }

// PartnerOf returns the other member, or "" when userID is alone.
func (c Couple) PartnerOf(userID string) string {
	switch userID {
	case c.User1:
		return c.User2
	case c.User2:
		return c.User1
	}
	return ""
}

// Service stores couples in a document store.
type Service struct {
	store docstore.Store
	now   func() time.Time
}

func New(store docstore.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Create starts a couple for userID and returns its join code. A user who
// already belongs to a couple gets that couple back.
func (s *Service) Create(ctx context.Context, userID string) (Couple, error) {
	if userID == "" {
		return Couple{}, errors.New("couple: empty user id")
	}
	if c, err := s.Of(ctx, userID); err == nil {
		return c, nil
	} else if !errors.Is(err, ErrNoCouple) {
		return Couple{}, err
	}

	code, err := s.freeCode(ctx)
	if err != nil {
		return Couple{}, err
	}
	d, err := s.store.Create(ctx, CouplesCollection, "", docstore.Fields{
		"couple_code": code,
		"user1":       userID,
		"user2":       "",
		"created_by":  userID,
	})
	if err != nil {
		return Couple{}, fmt.Errorf("create couple: %w", err)
	}
	log.Infof("COUPLE [%s]: created by %s", d.ID, userID)
	return fromDoc(d), nil
}

// Join adds userID as the second member of the couple with code. Codes are
// matched case-insensitively.
func (s *Service) Join(ctx context.Context, userID, code string) (Couple, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != CodeLength {
		return Couple{}, ErrInvalidCode
	}
	docs, err := s.store.Query(ctx, docstore.Query{
		Collection: CouplesCollection,
		Where:      docstore.Fields{"couple_code": code},
		Limit:      1,
	})
	if err != nil {
		return Couple{}, fmt.Errorf("find couple: %w", err)
	}
	if len(docs) == 0 {
		return Couple{}, ErrInvalidCode
	}
	target := fromDoc(docs[0])

	switch {
	case target.User1 == userID:
		return Couple{}, ErrOwnCouple
	case target.Joined():
		return Couple{}, ErrCoupleFull
	}
	if mine, err := s.Of(ctx, userID); err == nil && mine.Joined() {
		return Couple{}, ErrAlreadyPaired
	}

	d, ok, err := s.store.UpdateIf(ctx, CouplesCollection, target.ID,
		docstore.Cond{Field: "user2", In: []string{""}},
		docstore.Fields{
			"user2":        userID,
			"connected_at": s.now().UTC().Format(time.RFC3339Nano),
		})
	if err != nil {
		return Couple{}, fmt.Errorf("join couple: %w", err)
	}
	if !ok {
		return Couple{}, ErrCoupleFull
	}
	s.dropPending(ctx, userID, target.ID)
	log.Infof("COUPLE [%s]: %s joined %s", d.ID, userID, target.User1)
	return fromDoc(d), nil
}

// Of returns the couple userID belongs to, preferring a joined one.
func (s *Service) Of(ctx context.Context, userID string) (Couple, error) {
	var pending *Couple
	for _, field := range []string{"user1", "user2"} {
		docs, err := s.store.Query(ctx, docstore.Query{
			Collection: CouplesCollection,
			Where:      docstore.Fields{field: userID},
		})
		if err != nil {
			return Couple{}, fmt.Errorf("find couple: %w", err)
		}
		for _, d := range docs {
			c := fromDoc(d)
			if c.Joined() {
				return c, nil
			}
			if pending == nil {
				pending = &c
			}
		}
	}
	if pending != nil {
		return *pending, nil
	}
	return Couple{}, ErrNoCouple
}

// PartnerOf returns the partner of userID, or "" when they have none.
func (s *Service) PartnerOf(ctx context.Context, userID string) (string, error) {
	c, err := s.Of(ctx, userID)
	if errors.Is(err, ErrNoCouple) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return c.PartnerOf(userID), nil
}

// SetRelationshipStart records the date the relationship began.
func (s *Service) SetRelationshipStart(ctx context.Context, userID string, start time.Time) (Couple, error) {
	if start.IsZero() || start.After(s.now()) {
		return Couple{}, ErrInvalidDate
	}
	c, err := s.Of(ctx, userID)
	if err != nil {
		return Couple{}, err
	}
	d, err := s.store.Update(ctx, CouplesCollection, c.ID, docstore.Fields{
		"relationship_start": start.Format(time.DateOnly),
	})
	if err != nil {
		return Couple{}, fmt.Errorf("set relationship start: %w", err)
	}
	return fromDoc(d), nil
}

// Timeline is the time together from the relationship start (or the day the
// couple was created) until now. Components are read in now's location.
func (s *Service) Timeline(ctx context.Context, userID string, now time.Time) (together.Timeline, error) {
	c, err := s.Of(ctx, userID)
	if err != nil {
		return together.Timeline{}, err
	}
	start := c.CreatedAt
	if !c.RelationshipStart.IsZero() {
		y, m, d := c.RelationshipStart.Date()
		start = time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	}
	if now.Before(start) {
		return together.Timeline{}, nil
	}
	return together.CalendarDifference(start, now), nil
}

// freeCode draws codes until one is unused.
func (s *Service) freeCode(ctx context.Context) (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code, err := newCode()
		if err != nil {
			return "", err
		}
		docs, err := s.store.Query(ctx, docstore.Query{
			Collection: CouplesCollection,
			Where:      docstore.Fields{"couple_code": code},
			Limit:      1,
		})
		if err != nil {
			return "", fmt.Errorf("check couple code: %w", err)
		}
		if len(docs) == 0 {
			return code, nil
		}
	}
	return "", errors.New("couple: no free couple code")
}

// dropPending removes couples userID created but nobody joined, other than
// keep.
func (s *Service) dropPending(ctx context.Context, userID, keep string) {
	docs, err := s.store.Query(ctx, docstore.Query{
		Collection: CouplesCollection,
		Where:      docstore.Fields{"user1": userID, "user2": ""},
	})
	if err != nil {
		log.Debugf("COUPLE: list pending for %s: %v", userID, err)
		return
	}
	for _, d := range docs {
		if d.ID == keep {
			continue
		}
		if err := s.store.Delete(ctx, CouplesCollection, d.ID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			log.Debugf("COUPLE [%s]: drop pending: %v", d.ID, err)
		}
	}
}

func newCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("couple code: %w", err)
	}
	for i, b := range buf {
		// 256 is a multiple of the alphabet size, so this is unbiased.
		buf[i] = CodeAlphabet[int(b)%len(CodeAlphabet)]
	}
	return string(buf), nil
}

func fromDoc(d docstore.Doc) Couple {
	c := Couple{
		ID:        d.ID,
		Code:      d.Get("couple_code"),
		User1:     d.Get("user1"),
		User2:     d.Get("user2"),
		CreatedBy: d.Get("created_by"),
		CreatedAt: d.CreatedAt,
	}
	if t, err := time.Parse(time.RFC3339Nano, d.Get("connected_at")); err == nil {
		c.ConnectedAt = t
	}
	if t, err := time.Parse(time.DateOnly, d.Get("relationship_start")); err == nil {
		c.RelationshipStart = t
	}
	return c
}
