// Package memstore is an in-process implementation of the billing stores for
// local development and tests. One mutex serializes every write, which gives
// the conditional updates the same atomicity the database stores provide.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/types"
)

// Store implements billing.SubscriptionStore and billing.UserDirectory.
type Store struct {
	mu      sync.Mutex
	subs    map[string]*types.SubscriptionRecord
	seqs    map[string]int64
	byRef   map[string]string
	users   map[string]*types.User
	seq     int64
	nowFunc func() time.Time
}

var (
	_ billing.SubscriptionStore = (*Store)(nil)
	_ billing.UserDirectory     = (*Store)(nil)
	_ billing.LedgerStore       = (*Ledger)(nil)
)

func New() *Store {
	return &Store{
		subs:    make(map[string]*types.SubscriptionRecord),
		seqs:    make(map[string]int64),
		byRef:   make(map[string]string),
		users:   make(map[string]*types.User),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// PutUser registers or replaces a user.
func (s *Store) PutUser(u types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	s.users[u.ID] = &cp
}

// Users exposes the user half of Store with a Create method, matching the
// database user stores.
func (s *Store) Users() Users { return Users{s: s} }

type Users struct {
	s *Store
}

// Create registers a user; an existing id is left untouched.
func (u Users) Create(_ context.Context, user *types.User) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.s.users[user.ID]; !ok {
		cp := *user
		u.s.users[user.ID] = &cp
	}
	return nil
}

func (u Users) Get(ctx context.Context, userID string) (*types.User, error) {
	return u.s.Get(ctx, userID)
}

func (u Users) FindByCustomerRef(ctx context.Context, customerRef string) (*types.User, error) {
	return u.s.FindByCustomerRef(ctx, customerRef)
}

func (u Users) SetCustomerRef(ctx context.Context, userID, customerRef string) error {
	return u.s.SetCustomerRef(ctx, userID, customerRef)
}

func (s *Store) ActiveForUser(_ context.Context, userID string) (*types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.userRecordsLocked(userID) {
		if rec.Status.Entitling() {
			return clone(rec), nil
		}
	}
	return nil, nil
}

func (s *Store) GetByProcessorRef(_ context.Context, ref string) (*types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[ref]
	if !ok {
		return nil, nil
	}
	return clone(s.subs[id]), nil
}

func (s *Store) ListForUser(_ context.Context, userID string) ([]types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.userRecordsLocked(userID)
	out := make([]types.SubscriptionRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, *r)
	}
	return out, nil
}

func (s *Store) Create(_ context.Context, rec *types.SubscriptionRecord) (*types.SubscriptionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ProcessorSubscriptionRef != "" {
		if id, ok := s.byRef[rec.ProcessorSubscriptionRef]; ok {
			return clone(s.subs[id]), false, nil
		}
	}
	stored := clone(rec)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.nowFunc()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.insertLocked(stored)
	return clone(stored), true, nil
}

func (s *Store) UpsertByProcessorRef(_ context.Context, u billing.SubscriptionUpsert) (*types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byRef[u.ProcessorSubscriptionRef]; ok {
		rec := s.subs[id]
		rec.PlanID = u.PlanID
		rec.Status = u.Status
		rec.UnitsPerPeriod = u.UnitsPerPeriod
		rec.CurrentPeriodStart = copyTime(u.CurrentPeriodStart)
		rec.CurrentPeriodEnd = copyTime(u.CurrentPeriodEnd)
		if u.ProcessorCustomerRef != "" {
			rec.ProcessorCustomerRef = u.ProcessorCustomerRef
		}
		rec.UpdatedAt = s.nowFunc()
		return clone(rec), nil
	}
	now := u.Now
	if now.IsZero() {
		now = s.nowFunc()
	}
	rec := &types.SubscriptionRecord{
		ID:                       u.NewID,
		UserID:                   u.UserID,
		PlanID:                   u.PlanID,
		Status:                   u.Status,
		UnitsPerPeriod:           u.UnitsPerPeriod,
		CurrentPeriodStart:       copyTime(u.CurrentPeriodStart),
		CurrentPeriodEnd:         copyTime(u.CurrentPeriodEnd),
		ProcessorCustomerRef:     u.ProcessorCustomerRef,
		ProcessorSubscriptionRef: u.ProcessorSubscriptionRef,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	s.insertLocked(rec)
	return clone(rec), nil
}

func (s *Store) SetStatusByProcessorRef(_ context.Context, ref string, status types.SubscriptionStatus) (*types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[ref]
	if !ok {
		return nil, nil
	}
	rec := s.subs[id]
	rec.Status = status
	rec.UpdatedAt = s.nowFunc()
	return clone(rec), nil
}

func (s *Store) ResetPeriodIfChanged(_ context.Context, ref string, start, end time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[ref]
	if !ok {
		return false, nil
	}
	rec := s.subs[id]
	if rec.CurrentPeriodStart != nil && rec.CurrentPeriodStart.Equal(start) {
		return false, nil
	}
	rec.UnitsConsumedThisPeriod = 0
	rec.CurrentPeriodStart = &start
	rec.CurrentPeriodEnd = &end
	rec.UpdatedAt = s.nowFunc()
	return true, nil
}

func (s *Store) ConsumeOneShot(_ context.Context, id string) (*types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.subs[id]
	if !ok || rec.Status != types.SubStatusOneTimeAvailable {
		return nil, nil
	}
	rec.Status = types.SubStatusOneTimeUsed
	rec.UnitsConsumedThisPeriod = 1
	rec.UpdatedAt = s.nowFunc()
	return clone(rec), nil
}

func (s *Store) IncrementIfBelowQuota(_ context.Context, id string) (*types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.subs[id]
	if !ok || !rec.Status.Entitling() || rec.UnitsConsumedThisPeriod >= rec.UnitsPerPeriod {
		return nil, nil
	}
	rec.UnitsConsumedThisPeriod++
	rec.UpdatedAt = s.nowFunc()
	return clone(rec), nil
}

func (s *Store) Get(_ context.Context, userID string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *Store) FindByCustomerRef(_ context.Context, customerRef string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ProcessorCustomerRef == customerRef {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) SetCustomerRef(_ context.Context, userID, customerRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.ProcessorCustomerRef = customerRef
	}
	return nil
}

func (s *Store) insertLocked(rec *types.SubscriptionRecord) {
	s.seq++
	s.subs[rec.ID] = rec
	s.seqs[rec.ID] = s.seq
	if rec.ProcessorSubscriptionRef != "" {
		s.byRef[rec.ProcessorSubscriptionRef] = rec.ID
	}
}

// userRecordsLocked returns the user's records newest first. Records created
// at the same instant are ordered by insertion.
func (s *Store) userRecordsLocked(userID string) []*types.SubscriptionRecord {
	var recs []*types.SubscriptionRecord
	for _, r := range s.subs {
		if r.UserID == userID {
			recs = append(recs, r)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return s.seqs[recs[i].ID] > s.seqs[recs[j].ID]
	})
	return recs
}

func clone(r *types.SubscriptionRecord) *types.SubscriptionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.CurrentPeriodStart = copyTime(r.CurrentPeriodStart)
	cp.CurrentPeriodEnd = copyTime(r.CurrentPeriodEnd)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
