// Package profiles is the profile domain served over RPC and HTTP: the
// init_profile consumer, its caller and the read API.
package profiles

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

var (
	ErrEmailTaken       = errors.New("profiles: email already initialized")
	ErrNotFound         = errors.New("profiles: profile not found")
	ErrNotConfirmed     = errors.New("profiles: profile not confirmed")
	ErrAlreadyConfirmed = errors.New("profiles: profile already confirmed")
	ErrEmailRequired    = errors.New("profiles: email is required")
)

// Profile is the stored record. Initialized profiles stay unconfirmed until
// the user fills in their name.
type Profile struct {
	ID        int64
	FirstName string
	LastName  string
	Email     string
	Confirmed bool
	CreatedAt time.Time
	DeletedAt *time.Time
}

// View is the public representation of a confirmed profile.
type View struct {
	ID        int64     `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	JoinDate  time.Time `json:"joinDate"`
}

func (p Profile) View() View {
	return View{ID: p.ID, FirstName: p.FirstName, LastName: p.LastName, JoinDate: p.CreatedAt}
}

// Store keeps profiles in memory, indexed by id and by normalized email.
type Store struct {
	mu      sync.RWMutex
	nextID  int64
	byID    map[int64]*Profile
	byEmail map[string]int64
	now     func() time.Time
}

// NewStore returns an empty store. A nil now uses time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		byID:    make(map[int64]*Profile),
		byEmail: make(map[string]int64),
		now:     now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Initialize creates the unconfirmed profile for email.
func (s *Store) Initialize(ctx context.Context, email string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	key := normalizeEmail(email)
	if key == "" {
		return Profile{}, ErrEmailRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byEmail[key]; taken {
		return Profile{}, ErrEmailTaken
	}
	s.nextID++
	p := &Profile{ID: s.nextID, Email: key, CreatedAt: s.now()}
	s.byID[p.ID] = p
	s.byEmail[key] = p.ID
	return *p, nil
}

// Confirm records the user's name and makes the profile public.
func (s *Store) Confirm(ctx context.Context, email, firstName, lastName string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.liveByEmail(email)
	if !ok {
		return Profile{}, ErrNotFound
	}
	if p.Confirmed {
		return Profile{}, ErrAlreadyConfirmed
	}
	p.FirstName = firstName
	p.LastName = lastName
	p.Confirmed = true
	return *p, nil
}

// Delete soft-deletes the profile of email.
func (s *Store) Delete(ctx context.Context, email string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.liveByEmail(email)
	if !ok {
		return ErrNotFound
	}
	deletedAt := s.now()
	p.DeletedAt = &deletedAt
	return nil
}

// GetByEmail returns the caller's own profile. Deleted profiles are not
// found and unconfirmed ones report ErrNotConfirmed.
func (s *Store) GetByEmail(ctx context.Context, email string) (View, error) {
	if err := ctx.Err(); err != nil {
		return View{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.liveByEmail(email)
	if !ok {
		return View{}, ErrNotFound
	}
	if !p.Confirmed {
		return View{}, ErrNotConfirmed
	}
	return p.View(), nil
}

// GetByID returns a public profile.
func (s *Store) GetByID(ctx context.Context, id int64) (View, error) {
	if err := ctx.Err(); err != nil {
		return View{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byID[id]
	switch {
	case !ok || p.DeletedAt != nil:
		return View{}, ErrNotFound
	case !p.Confirmed:
		return View{}, ErrNotConfirmed
	}
	return p.View(), nil
}

// List returns every confirmed, live profile ordered by id.
func (s *Store) List(ctx context.Context) ([]View, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	public := lo.Filter(lo.Values(s.byID), func(p *Profile, _ int) bool {
		return p.Confirmed && p.DeletedAt == nil
	})
	views := lo.Map(public, func(p *Profile, _ int) View { return p.View() })
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views, nil
}

// liveByEmail must be called with s.mu held.
func (s *Store) liveByEmail(email string) (*Profile, bool) {
	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, false
	}
	p := s.byID[id]
	if p.DeletedAt != nil {
		return nil, false
	}
	return p, true
}
