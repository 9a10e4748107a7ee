// Package memrepo is an in-memory db.Repo and db.Catalog for unit tests.
// Transactions are serialised and roll back by restoring a snapshot.
package memrepo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/christmasforkids/cfk-sponsorship/internal/db"
	"github.com/christmasforkids/cfk-sponsorship/internal/models"
)

type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	now func() time.Time

	nextID       int64
	families     map[int64]models.Family
	children     map[int64]models.Child
	sponsorships map[int64]models.Sponsorship

	// Fault injection. Hooks run without the store lock held.
	FailInsertSponsorship error
	FailSwapChild         func(id int64, to models.ChildStatus) error
	BeforeSwapChild       func(id int64, to models.ChildStatus)
	BeforeLockChild       func(id int64)
	FailTx                error
	PingErr               error
}

var (
	_ db.Repo    = (*Store)(nil)
	_ db.Catalog = (*Store)(nil)
)

func New() *Store {
	return &Store{
		now:          time.Now,
		families:     make(map[int64]models.Family),
		children:     make(map[int64]models.Child),
		sponsorships: make(map[int64]models.Sponsorship),
	}
}

// SetClock changes the time used for reserved_at and the *_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// AddFamily returns the id of the family, creating it if needed.
func (s *Store) AddFamily(number string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.families {
		if f.FamilyNumber == number {
			return f.ID
		}
	}
	f := models.Family{ID: s.id(), FamilyNumber: number, CreatedAt: s.now()}
	s.families[f.ID] = f
	return f.ID
}

// AddChild stores c under family c.FamilyNumber. A zero ID is assigned, a
// non-zero one is kept. Status defaults to available.
func (s *Store) AddChild(c models.Child) int64 {
	c.FamilyID = s.AddFamily(c.FamilyNumber)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	} else if c.ID > s.nextID {
		s.nextID = c.ID
	}
	if c.Status == "" {
		c.Status = models.ChildAvailable
	}
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	s.children[c.ID] = c
	return c.ID
}

// ForceChild overwrites a child as another process would.
func (s *Store) ForceChild(id int64, st models.ChildStatus, reservedAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.children[id]
	c.Status = st
	c.ReservedAt = reservedAt
	s.children[id] = c
}

func (s *Store) Child(id int64) models.Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.children[id]
}

func (s *Store) Sponsorship(id int64) models.Sponsorship {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sponsorships[id]
}

// SponsorshipsFor returns every sponsorship of the child, oldest first.
func (s *Store) SponsorshipsFor(childID int64) []models.Sponsorship {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Sponsorship
	for _, sp := range s.sponsorships {
		if sp.ChildID == childID {
			out = append(out, sp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) InTx(ctx context.Context, fn func(q db.Queries) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailTx != nil {
		return s.FailTx
	}

	s.mu.Lock()
	families, children, sponsorships, next := s.snapshot()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.families, s.children, s.sponsorships, s.nextID = families, children, sponsorships, next
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) snapshot() (map[int64]models.Family, map[int64]models.Child, map[int64]models.Sponsorship, int64) {
	f := make(map[int64]models.Family, len(s.families))
	for k, v := range s.families {
		f[k] = v
	}
	c := make(map[int64]models.Child, len(s.children))
	for k, v := range s.children {
		c[k] = v
	}
	sp := make(map[int64]models.Sponsorship, len(s.sponsorships))
	for k, v := range s.sponsorships {
		sp[k] = v
	}
	return f, c, sp, s.nextID
}

func (s *Store) GetChild(ctx context.Context, id int64) (*models.Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c.FamilyNumber = s.families[c.FamilyID].FamilyNumber
	return &c, nil
}

func (s *Store) GetChildForUpdate(ctx context.Context, id int64) (*models.Child, error) {
	if s.BeforeLockChild != nil {
		s.BeforeLockChild(id)
	}
	return s.GetChild(ctx, id)
}

func (s *Store) SwapChildStatus(ctx context.Context, id int64, from []models.ChildStatus, to models.ChildStatus) (bool, error) {
	if s.BeforeSwapChild != nil {
		s.BeforeSwapChild(id, to)
	}
	if s.FailSwapChild != nil {
		if err := s.FailSwapChild(id, to); err != nil {
			return false, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok || !hasChildStatus(from, c.Status) {
		return false, nil
	}
	s.setChild(&c, to)
	return true, nil
}

func (s *Store) SwapHeldChild(ctx context.Context, id int64, heldAt time.Time, to models.ChildStatus) (bool, error) {
	if s.BeforeSwapChild != nil {
		s.BeforeSwapChild(id, to)
	}
	if s.FailSwapChild != nil {
		if err := s.FailSwapChild(id, to); err != nil {
			return false, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok || c.Status != models.ChildPending || c.ReservedAt == nil || !c.ReservedAt.Equal(heldAt) {
		return false, nil
	}
	if to == models.ChildAvailable {
		c.ReservedAt = nil
	}
	c.Status = to
	c.UpdatedAt = s.now()
	s.children[c.ID] = c
	return true, nil
}

func (s *Store) SetChildStatus(ctx context.Context, id int64, to models.ChildStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok {
		return false, nil
	}
	s.setChild(&c, to)
	return true, nil
}

func (s *Store) setChild(c *models.Child, to models.ChildStatus) {
	now := s.now()
	switch to {
	case models.ChildPending:
		c.ReservedAt = &now
	case models.ChildAvailable:
		c.ReservedAt = nil
	}
	c.Status = to
	c.UpdatedAt = now
	s.children[c.ID] = *c
}

func (s *Store) ExpireChildReservation(ctx context.Context, id int64, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok || !s.staleLocked(c, cutoff) {
		return false, nil
	}
	s.setChild(&c, models.ChildAvailable)
	return true, nil
}

func (s *Store) ListStaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, c := range s.children {
		if s.staleLocked(c, cutoff) {
			ids = append(ids, c.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) staleLocked(c models.Child, cutoff time.Time) bool {
	if c.Status != models.ChildPending {
		return false
	}
	if c.ReservedAt != nil && !c.ReservedAt.Before(cutoff) {
		return false
	}
	for _, sp := range s.sponsorships {
		if sp.ChildID == c.ID && sp.Status.Active() {
			return false
		}
	}
	return true
}

func (s *Store) GetSponsorship(ctx context.Context, id int64) (*models.Sponsorship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.sponsorships[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &sp, nil
}

func (s *Store) GetActiveSponsorshipForChild(ctx context.Context, childID int64) (*models.Sponsorship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Sponsorship
	for _, sp := range s.sponsorships {
		if sp.ChildID == childID && sp.Status.Active() {
			if found == nil || sp.ID > found.ID {
				sp := sp
				found = &sp
			}
		}
	}
	if found == nil {
		return nil, db.ErrNotFound
	}
	return found, nil
}

func (s *Store) InsertSponsorship(ctx context.Context, sp *models.Sponsorship) (int64, error) {
	if s.FailInsertSponsorship != nil {
		return 0, s.FailInsertSponsorship
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.children[sp.ChildID]; !ok {
		return 0, errors.New("insert sponsorship: child does not exist")
	}
	for _, other := range s.sponsorships {
		if other.ChildID == sp.ChildID && other.Status.Active() {
			return 0, fmt.Errorf("child %d already has an active sponsorship: %w", sp.ChildID, db.ErrDuplicate)
		}
	}
	row := *sp
	row.ID = s.id()
	if row.Status == "" {
		row.Status = models.SponsorshipPending
	}
	if row.GiftPreference == "" {
		row.GiftPreference = models.GiftUnwrapped
	}
	row.RequestedAt = s.now()
	row.UpdatedAt = row.RequestedAt
	s.sponsorships[row.ID] = row
	return row.ID, nil
}

func (s *Store) SwapSponsorshipStatus(ctx context.Context, id int64, from []models.SponsorshipStatus, to models.SponsorshipStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.sponsorships[id]
	if !ok || !hasSponsorshipStatus(from, sp.Status) {
		return false, nil
	}
	now := s.now()
	switch to {
	case models.SponsorshipConfirmed:
		if sp.ConfirmedAt == nil {
			sp.ConfirmedAt = &now
		}
		sp.LoggedAt = nil
	case models.SponsorshipLogged:
		sp.LoggedAt = &now
	case models.SponsorshipCompleted:
		sp.CompletedAt = &now
	case models.SponsorshipCancelled:
		sp.CancelledAt = &now
		sp.CancellationReason = reason
	}
	sp.Status = to
	sp.UpdatedAt = now
	s.sponsorships[id] = sp
	return true, nil
}

func (s *Store) ListChildren(ctx context.Context, f models.ChildFilter) ([]models.Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Child
	for _, c := range s.children {
		c.FamilyNumber = s.families[c.FamilyID].FamilyNumber
		if len(f.Statuses) > 0 && !hasChildStatus(f.Statuses, c.Status) {
			continue
		}
		if f.Gender != "" && !strings.EqualFold(f.Gender, c.Gender) {
			continue
		}
		if f.MinAgeMonths > 0 && c.AgeMonths < f.MinAgeMonths {
			continue
		}
		if f.MaxAgeMonths > 0 && c.AgeMonths > f.MaxAgeMonths {
			continue
		}
		if f.FamilyID > 0 && c.FamilyID != f.FamilyID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FamilyNumber != out[j].FamilyNumber {
			return out[i].FamilyNumber < out[j].FamilyNumber
		}
		return out[i].Letter < out[j].Letter
	})
	return page(out, f.Offset, f.Limit), nil
}

func (s *Store) GetFamilyWithChildren(ctx context.Context, familyNumber string) (*models.FamilyWithChildren, error) {
	s.mu.Lock()
	var fam *models.Family
	for _, f := range s.families {
		if f.FamilyNumber == strings.TrimSpace(familyNumber) {
			f := f
			fam = &f
		}
	}
	s.mu.Unlock()
	if fam == nil {
		return nil, db.ErrNotFound
	}
	kids, err := s.ListChildren(ctx, models.ChildFilter{FamilyID: fam.ID})
	if err != nil {
		return nil, err
	}
	return &models.FamilyWithChildren{Family: *fam, Children: kids}, nil
}

func (s *Store) ListSponsorshipDetails(ctx context.Context, f models.SponsorshipFilter) ([]models.SponsorshipDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SponsorshipDetails
	for _, sp := range s.sponsorships {
		if len(f.Statuses) > 0 && !hasSponsorshipStatus(f.Statuses, sp.Status) {
			continue
		}
		if f.ChildID > 0 && sp.ChildID != f.ChildID {
			continue
		}
		if !f.RequestedBefore.IsZero() && !sp.RequestedAt.Before(f.RequestedBefore) {
			continue
		}
		if f.Email != "" && !strings.EqualFold(f.Email, sp.SponsorEmail) {
			continue
		}
		c := s.children[sp.ChildID]
		c.FamilyNumber = s.families[c.FamilyID].FamilyNumber
		out = append(out, models.SponsorshipDetails{Sponsorship: sp, Child: c})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Sponsorship, out[j].Sponsorship
		if !a.RequestedAt.Equal(b.RequestedAt) {
			return a.RequestedAt.After(b.RequestedAt)
		}
		return a.ID > b.ID
	})
	return page(out, f.Offset, f.Limit), nil
}

func (s *Store) CountChildrenByStatus(ctx context.Context) (map[models.ChildStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.ChildStatus]int)
	for _, c := range s.children {
		out[c.Status]++
	}
	return out, nil
}

func (s *Store) CountSponsorshipsByStatus(ctx context.Context) (map[models.SponsorshipStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.SponsorshipStatus]int)
	for _, sp := range s.sponsorships {
		out[sp.Status]++
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.PingErr }

func page[T any](xs []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(xs) {
			return nil
		}
		xs = xs[offset:]
	}
	if limit > 0 && len(xs) > limit {
		xs = xs[:limit]
	}
	return xs
}

func hasChildStatus(xs []models.ChildStatus, s models.ChildStatus) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func hasSponsorshipStatus(xs []models.SponsorshipStatus, s models.SponsorshipStatus) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
