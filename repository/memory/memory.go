// Package memory holds mutex-guarded in-process stores with the same conflict
// semantics as the postgres repositories. Service and handler tests run against it.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"membership-portal/models"
	"membership-portal/repository"
)

type Store struct {
	mu          sync.Mutex
	members     map[string]models.Member
	memberships map[string]models.Membership // by user id
	referrals   map[string]models.Referral
	locks       map[string]models.JobLock
	reminders   []models.TrialReminderLog

	// FailRecordSent makes RecordSent return this error when set.
	FailRecordSent error
}

func New() *Store {
	return &Store{
		members:     map[string]models.Member{},
		memberships: map[string]models.Membership{},
		referrals:   map[string]models.Referral{},
		locks:       map[string]models.JobLock{},
	}
}

// --- seeding helpers ---

func (s *Store) PutMember(m models.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = m
}

func (s *Store) PutMembership(m models.Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[m.UserID] = m
}

func (s *Store) Membership(userID string) (models.Membership, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[userID]
	return m, ok
}

func (s *Store) PutReferral(r models.Referral) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referrals[r.ID] = cloneReferral(r)
}

// Referrals returns a snapshot of every stored referral row.
func (s *Store) Referrals() []models.Referral {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Referral, 0, len(s.referrals))
	for _, r := range s.referrals {
		out = append(out, cloneReferral(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) Reminders() []models.TrialReminderLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TrialReminderLog(nil), s.reminders...)
}

// AgeLock rewinds a lock's updated_at, simulating a holder that stopped heartbeating.
func (s *Store) AgeLock(scope, key string, by time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[lockKey(scope, key)]; ok {
		l.UpdatedAt = l.UpdatedAt.Add(-by)
		s.locks[lockKey(scope, key)] = l
	}
}

func (s *Store) DropLock(scope, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, lockKey(scope, key))
}

// --- members ---

func (s *Store) FindMember(_ context.Context, id string) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &m, nil
}

func (s *Store) FindMemberBySlug(_ context.Context, slug string) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.ReferralSlug != nil && *m.ReferralSlug == slug {
			m := m
			return &m, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) AssignSlug(_ context.Context, memberID, slug string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.members {
		if id != memberID && m.ReferralSlug != nil && *m.ReferralSlug == slug {
			return false, repository.ErrDuplicate
		}
	}
	m, ok := s.members[memberID]
	if !ok || m.ReferralSlug != nil {
		return false, nil
	}
	m.ReferralSlug = &slug
	s.members[memberID] = m
	return true, nil
}

func (s *Store) UpsertMembers(_ context.Context, members []models.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		if existing, ok := s.members[m.ID]; ok {
			m.ReferralSlug = existing.ReferralSlug
			m.CreatedAt = existing.CreatedAt
		}
		s.members[m.ID] = m
	}
	return nil
}

func (s *Store) LastMemberUpdate(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for _, m := range s.members {
		if m.UpdatedAt.After(last) {
			last = m.UpdatedAt
		}
	}
	return last, nil
}

// --- referrals ---

func (s *Store) FindTemplate(_ context.Context, referrerID, code string) (*models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.referrals {
		if r.ReferredUserID == nil && r.ReferrerID == referrerID && r.Code == code {
			out := cloneReferral(r)
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) CreateTemplate(_ context.Context, ref *models.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.referrals {
		if r.ReferredUserID == nil && r.ReferrerID == ref.ReferrerID && r.Code == ref.Code {
			return repository.ErrDuplicate
		}
	}
	return s.insertReferral(ref)
}

func (s *Store) FindAnyByCode(_ context.Context, code string) (*models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Referral
	for _, r := range s.referrals {
		if r.Code != code {
			continue
		}
		r := cloneReferral(r)
		switch {
		case best == nil:
			best = &r
		case best.ReferredUserID != nil && r.ReferredUserID == nil:
			best = &r
		case (best.ReferredUserID == nil) == (r.ReferredUserID == nil) && r.CreatedAt.Before(best.CreatedAt):
			best = &r
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best, nil
}

func (s *Store) FindByID(_ context.Context, id string) (*models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.referrals[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneReferral(r)
	return &out, nil
}

func (s *Store) FindByReferredUser(_ context.Context, userID string) (*models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.referrals {
		if r.ReferredUserID != nil && *r.ReferredUserID == userID {
			out := cloneReferral(r)
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) CreateAttribution(_ context.Context, ref *models.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref.ReferredUserID == nil {
		return repository.ErrDuplicate
	}
	for _, r := range s.referrals {
		if r.ReferredUserID != nil && *r.ReferredUserID == *ref.ReferredUserID {
			return repository.ErrDuplicate
		}
	}
	return s.insertReferral(ref)
}

func (s *Store) UpdateIfUnchanged(_ context.Context, ref *models.Referral, expectedUpdatedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.referrals[ref.ID]
	if !ok || !existing.UpdatedAt.Equal(expectedUpdatedAt) || existing.VoidedAt != nil {
		return false, nil
	}
	now := time.Now()
	if !now.After(existing.UpdatedAt) {
		now = existing.UpdatedAt.Add(time.Microsecond)
	}
	ref.CreatedAt = existing.CreatedAt
	ref.UpdatedAt = now
	s.referrals[ref.ID] = cloneReferral(*ref)
	return true, nil
}

func (s *Store) ListByReferrer(_ context.Context, referrerID string) ([]models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Referral
	for _, r := range s.referrals {
		if r.ReferrerID == referrerID && r.ReferredUserID != nil {
			out = append(out, cloneReferral(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListStalePayable(_ context.Context, now time.Time, limit int) ([]models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Referral
	for _, r := range s.referrals {
		if r.Status == models.ReferralStatusQualified && r.PayableAt != nil && !r.PayableAt.After(now) {
			out = append(out, cloneReferral(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PayableAt.Before(*out[j].PayableAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) insertReferral(ref *models.Referral) error {
	if _, exists := s.referrals[ref.ID]; exists {
		return repository.ErrDuplicate
	}
	now := time.Now()
	ref.CreatedAt = now
	ref.UpdatedAt = now
	s.referrals[ref.ID] = cloneReferral(*ref)
	return nil
}

func cloneReferral(r models.Referral) models.Referral {
	if r.Metadata != nil {
		meta := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		r.Metadata = meta
	}
	return r
}

// --- memberships ---

func (s *Store) MembershipStatuses(_ context.Context, userIDs ...string) (map[string]models.MembershipStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.MembershipStatus, len(userIDs))
	for _, id := range userIDs {
		if m, ok := s.memberships[id]; ok {
			out[id] = m.Status
		}
	}
	return out, nil
}

func (s *Store) ExpireLapsed(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.memberships {
		if (m.Status == models.MembershipStatusTrial || m.Status == models.MembershipStatusActive) &&
			m.CurrentPeriodEnd != nil && m.CurrentPeriodEnd.Before(now) {
			m.Status = models.MembershipStatusInactive
			m.UpdatedAt = now
			s.memberships[id] = m
			n++
		}
	}
	return n, nil
}

func (s *Store) ListTrialsEndingBetween(_ context.Context, start, end time.Time) ([]models.TrialEnding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TrialEnding
	for _, m := range s.memberships {
		if m.Status != models.MembershipStatusTrial || m.CurrentPeriodEnd == nil {
			continue
		}
		if m.CurrentPeriodEnd.Before(start) || !m.CurrentPeriodEnd.Before(end) {
			continue
		}
		member := s.members[m.UserID]
		out = append(out, models.TrialEnding{
			MembershipID:   m.ID,
			UserID:         m.UserID,
			Email:          member.Email,
			DisplayName:    member.DisplayName,
			PeriodEnd:      *m.CurrentPeriodEnd,
			PlanPriceCents: m.PlanPriceCents,
			Currency:       m.Currency,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodEnd.Before(out[j].PeriodEnd) })
	return out, nil
}

// --- reminder log ---

func (s *Store) ListSent(_ context.Context, membershipIDs []string) ([]models.TrialReminderLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(membershipIDs))
	for _, id := range membershipIDs {
		wanted[id] = true
	}
	var out []models.TrialReminderLog
	for _, l := range s.reminders {
		if wanted[l.MembershipID] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) RecordSent(_ context.Context, logs []models.TrialReminderLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailRecordSent != nil {
		return s.FailRecordSent
	}
	for _, l := range logs {
		dup := false
		for _, existing := range s.reminders {
			if existing.MembershipID == l.MembershipID && existing.PeriodEnd.Equal(l.PeriodEnd) {
				dup = true
				break
			}
		}
		if !dup {
			s.reminders = append(s.reminders, l)
		}
	}
	return nil
}

// --- job locks ---

func lockKey(scope, key string) string { return scope + "\x00" + key }

func (s *Store) InsertLock(_ context.Context, lock *models.JobLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := lockKey(lock.Scope, lock.Key)
	if _, exists := s.locks[k]; exists {
		return repository.ErrDuplicate
	}
	s.locks[k] = *lock
	return nil
}

func (s *Store) GetLock(_ context.Context, scope, key string) (*models.JobLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[lockKey(scope, key)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &l, nil
}

func (s *Store) ReplaceLock(_ context.Context, scope, key string, expectedUpdatedAt time.Time, payload []byte, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := lockKey(scope, key)
	l, ok := s.locks[k]
	if !ok || !l.UpdatedAt.Equal(expectedUpdatedAt) {
		return false, nil
	}
	l.Payload = append([]byte(nil), payload...)
	l.UpdatedAt = now
	s.locks[k] = l
	return true, nil
}

func (s *Store) UpdateLockPayload(_ context.Context, scope, key, runID string, payload []byte, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := lockKey(scope, key)
	l, ok := s.locks[k]
	if !ok || lockRunID(l.Payload) != runID {
		return false, nil
	}
	l.Payload = append([]byte(nil), payload...)
	l.UpdatedAt = now
	s.locks[k] = l
	return true, nil
}

func (s *Store) DeleteLock(_ context.Context, scope, key, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := lockKey(scope, key)
	l, ok := s.locks[k]
	if !ok || lockRunID(l.Payload) != runID {
		return false, nil
	}
	delete(s.locks, k)
	return true, nil
}

func lockRunID(raw []byte) string {
	var p models.JobLockPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.RunID
}
