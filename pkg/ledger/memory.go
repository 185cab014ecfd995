package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used in tests and local development.
// WithLock serializes per account with a dedicated mutex, mirroring the
// row-level locking semantics of the Postgres store.
type MemoryStore struct {
	mu sync.RWMutex

	subscriptions map[uuid.UUID]*Subscription
	orgSubs       map[uuid.UUID]*OrganizationSubscription
	memberships   map[uuid.UUID]*OrganizationMembership
	payments      map[string]*PaymentRecord
	methods       map[uuid.UUID]*PaymentMethod
	notifications map[string]*NotificationRecord

	rowLocks sync.Map // accountID -> *sync.Mutex
}

// NewMemoryStore returns an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[uuid.UUID]*Subscription),
		orgSubs:       make(map[uuid.UUID]*OrganizationSubscription),
		memberships:   make(map[uuid.UUID]*OrganizationMembership),
		payments:      make(map[string]*PaymentRecord),
		methods:       make(map[uuid.UUID]*PaymentMethod),
		notifications: make(map[string]*NotificationRecord),
	}
}

func (s *MemoryStore) rowLock(accountID uuid.UUID) *sync.Mutex {
	lock, _ := s.rowLocks.LoadOrStore(accountID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func copySubscription(sub *Subscription) *Subscription {
	out := *sub
	out.TrialEndsAt = copyTime(sub.TrialEndsAt)
	out.PendingChangeAt = copyTime(sub.PendingChangeAt)
	out.LastUsageResetAt = copyTime(sub.LastUsageResetAt)
	out.CanceledAt = copyTime(sub.CanceledAt)
	if sub.LimitsOverride != nil {
		o := *sub.LimitsOverride
		out.LimitsOverride = &o
	}
	if sub.PendingPlan != nil {
		p := *sub.PendingPlan
		out.PendingPlan = &p
	}
	if sub.PendingInterval != nil {
		i := *sub.PendingInterval
		out.PendingInterval = &i
	}
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (s *MemoryStore) Get(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[accountID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

func (s *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscriptions[sub.AccountID]; exists {
		return ErrSubscriptionAlreadyExists
	}
	s.subscriptions[sub.AccountID] = copySubscription(sub)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscriptions[sub.AccountID]; !exists {
		return ErrSubscriptionNotFound
	}
	sub.UpdatedAt = time.Now().UTC()
	s.subscriptions[sub.AccountID] = copySubscription(sub)
	return nil
}

func (s *MemoryStore) WithLock(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context, sub *Subscription) error) error {
	lock := s.rowLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	sub, err := s.Get(ctx, accountID)
	if err != nil {
		return err
	}

	if err := fn(ctx, sub); err != nil {
		return err
	}

	return s.Update(ctx, sub)
}

func (s *MemoryStore) FindByExternalID(ctx context.Context, externalSubID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscriptions {
		if sub.ExternalSubscriptionID != "" && sub.ExternalSubscriptionID == externalSubID {
			return copySubscription(sub), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *MemoryStore) DueForUsageReset(ctx context.Context, now time.Time) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range s.subscriptions {
		if !sub.CurrentPeriodEnd.After(now) &&
			(sub.LastUsageResetAt == nil || sub.LastUsageResetAt.Before(sub.CurrentPeriodEnd)) {
			out = append(out, copySubscription(sub))
		}
	}
	return out, nil
}

func (s *MemoryStore) ExpiredTrials(ctx context.Context, now time.Time) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range s.subscriptions {
		if sub.IsTrialExpired(now) {
			out = append(out, copySubscription(sub))
		}
	}
	return out, nil
}

func (s *MemoryStore) DueScheduledChanges(ctx context.Context, now time.Time) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range s.subscriptions {
		if sub.PendingChangeAt != nil && !sub.PendingChangeAt.After(now) {
			out = append(out, copySubscription(sub))
		}
	}
	return out, nil
}

func (s *MemoryStore) GetOrgSubscription(ctx context.Context, orgID uuid.UUID) (*OrganizationSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.orgSubs[orgID]
	if !ok {
		return nil, ErrOrgSubscriptionNotFound
	}
	out := *sub
	out.TrialEndsAt = copyTime(sub.TrialEndsAt)
	return &out, nil
}

func (s *MemoryStore) SaveOrgSubscription(ctx context.Context, sub *OrganizationSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *sub
	out.TrialEndsAt = copyTime(sub.TrialEndsAt)
	out.UpdatedAt = time.Now().UTC()
	s.orgSubs[sub.OrgID] = &out
	return nil
}

func copyMembership(m *OrganizationMembership) *OrganizationMembership {
	out := *m
	out.RemovedAt = copyTime(m.RemovedAt)
	if m.UserID != nil {
		id := *m.UserID
		out.UserID = &id
	}
	return &out
}

func (s *MemoryStore) GetMembership(ctx context.Context, id uuid.UUID) (*OrganizationMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[id]
	if !ok {
		return nil, ErrMembershipNotFound
	}
	return copyMembership(m), nil
}

func (s *MemoryStore) ListMemberships(ctx context.Context, orgID uuid.UUID) ([]*OrganizationMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*OrganizationMembership
	for _, m := range s.memberships {
		if m.OrgID == orgID {
			out = append(out, copyMembership(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateMembership(ctx context.Context, m *OrganizationMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	s.memberships[m.ID] = copyMembership(m)
	return nil
}

func (s *MemoryStore) UpdateMembership(ctx context.Context, m *OrganizationMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[m.ID]; !ok {
		return ErrMembershipNotFound
	}
	m.UpdatedAt = time.Now().UTC()
	s.memberships[m.ID] = copyMembership(m)
	return nil
}

func (s *MemoryStore) RecordPayment(ctx context.Context, p *PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.payments[p.ExternalTransactionID]; exists {
		return ErrDuplicatePayment
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	s.payments[p.ExternalTransactionID] = &cp
	return nil
}

func (s *MemoryStore) ListPayments(ctx context.Context, from, to time.Time) ([]*PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PaymentRecord
	for _, p := range s.payments {
		if !p.CreatedAt.Before(from) && !p.CreatedAt.After(to) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListPaymentMethods(ctx context.Context, accountID uuid.UUID) ([]*PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PaymentMethod
	for _, pm := range s.methods {
		if pm.AccountID == accountID {
			cp := *pm
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdatePaymentMethod(ctx context.Context, pm *PaymentMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.methods[pm.ID]; !ok {
		return ErrPaymentMethodNotFound
	}
	cp := *pm
	s.methods[pm.ID] = &cp
	return nil
}

// AddPaymentMethod seeds a payment instrument; used by tests and fixtures.
func (s *MemoryStore) AddPaymentMethod(pm *PaymentMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pm.ID == uuid.Nil {
		pm.ID = uuid.New()
	}
	cp := *pm
	s.methods[pm.ID] = &cp
}

func (s *MemoryStore) ExpiredDefaultPaymentMethods(ctx context.Context, now time.Time) ([]*PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PaymentMethod
	for _, pm := range s.methods {
		if pm.IsDefault && pm.Expired(now) {
			cp := *pm
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordNotification(ctx context.Context, n *NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := n.AccountID.String() + "/" + n.DedupeKey
	if _, exists := s.notifications[key]; exists {
		return ErrDuplicateNotification
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	cp := *n
	s.notifications[key] = &cp
	return nil
}

func (s *MemoryStore) ListNotifications(ctx context.Context, accountID uuid.UUID) ([]*NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*NotificationRecord
	for _, n := range s.notifications {
		if n.AccountID == accountID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
