package repository

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"convoflow/engine/pkg/models"
)

// MemoryStore is an in-memory implementation of the Repository interface.
// It backs unit tests and single-process deployments without Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
	sessions  map[string]*models.Session
	intents   map[string]*models.PaymentIntent
	quotas    map[string]*models.QuotaRecord

	// quota charges serialize per account shard so check-then-charge is
	// atomic without a store-wide lock.
	quotaLocks [16]sync.Mutex
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*models.Workflow),
		sessions:  make(map[string]*models.Session),
		intents:   make(map[string]*models.PaymentIntent),
		quotas:    make(map[string]*models.QuotaRecord),
	}
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// CreateWorkflow persists a new workflow version.
func (s *MemoryStore) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *workflow
	s.workflows[workflow.ID] = &cp
	return nil
}

// GetWorkflow retrieves a workflow version by its ID.
func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// ListWorkflows returns all workflow versions.
func (s *MemoryStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Workflow
	for _, w := range s.workflows {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateSession persists a new session.
func (s *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := session.Snapshot()
	s.sessions[session.ID] = &cp
	return nil
}

// GetSession retrieves a session by its ID.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := sess.Snapshot()
	return &cp, nil
}

// UpdateSession persists the session's current state.
func (s *MemoryStore) UpdateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	cp := session.Snapshot()
	s.sessions[session.ID] = &cp
	return nil
}

// ListSessionsByStatus returns sessions in any of the given statuses.
func (s *MemoryStore) ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, sess := range s.sessions {
		for _, st := range statuses {
			if sess.Status == st {
				cp := sess.Snapshot()
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateIntent persists a new payment intent.
func (s *MemoryStore) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *intent
	s.intents[intent.ID] = &cp
	return nil
}

// GetIntent retrieves a payment intent by its ID.
func (s *MemoryStore) GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intent, ok := s.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *intent
	return &cp, nil
}

// PendingIntentBySession returns the session's pending intent.
func (s *MemoryStore) PendingIntentBySession(ctx context.Context, sessionID string) (*models.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, intent := range s.intents {
		if intent.SessionID == sessionID && intent.Status == models.IntentPending {
			cp := *intent
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// PendingIntentsByAccount returns unexpired pending intents for the account.
func (s *MemoryStore) PendingIntentsByAccount(ctx context.Context, accountID string, now time.Time) ([]*models.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.PaymentIntent
	for _, intent := range s.intents {
		if intent.AccountID == accountID && intent.Status == models.IntentPending && intent.ExpiresAt.After(now) {
			cp := *intent
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PendingIntentsExpiredBefore returns pending intents past their expiry.
func (s *MemoryStore) PendingIntentsExpiredBefore(ctx context.Context, now time.Time) ([]*models.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.PaymentIntent
	for _, intent := range s.intents {
		if intent.Status == models.IntentPending && !intent.ExpiresAt.After(now) {
			cp := *intent
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// ReferenceCodeInUse reports whether an active intent holds the code.
func (s *MemoryStore) ReferenceCodeInUse(ctx context.Context, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, intent := range s.intents {
		if intent.ReferenceCode == code && intent.Status == models.IntentPending {
			return true, nil
		}
	}
	return false, nil
}

// TransitionIntent moves an intent between statuses if it is in the
// expected one.
func (s *MemoryStore) TransitionIntent(ctx context.Context, id string, from, to models.IntentStatus, confirmedText *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok || intent.Status != from {
		return false, nil
	}
	intent.Status = to
	if confirmedText != nil {
		text := *confirmedText
		intent.ConfirmedText = &text
	}
	return true, nil
}

// ChargeIfAllowed atomically increments the account's daily counter unless
// the limit would be exceeded.
func (s *MemoryStore) ChargeIfAllowed(ctx context.Context, accountID, usageDate string, dim models.QuotaDimension, amount int64, limit models.Limit) (bool, int64, error) {
	shard := &s.quotaLocks[shardFor(accountID)]
	shard.Lock()
	defer shard.Unlock()

	key := accountID + "/" + usageDate
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.quotas[key]
	if !ok {
		rec = &models.QuotaRecord{AccountID: accountID, UsageDate: usageDate}
		s.quotas[key] = rec
	}

	if !limit.Allows(rec.Consumed(dim), amount) {
		return false, rec.Consumed(dim), nil
	}
	if dim == models.QuotaAIMinutes {
		rec.AIMinutes += amount
	} else {
		rec.Messages += amount
	}
	return true, rec.Consumed(dim), nil
}

// GetQuota retrieves the account's record for the usage date.
func (s *MemoryStore) GetQuota(ctx context.Context, accountID, usageDate string) (*models.QuotaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.quotas[accountID+"/"+usageDate]
	if !ok {
		return &models.QuotaRecord{AccountID: accountID, UsageDate: usageDate}, nil
	}
	cp := *rec
	return &cp, nil
}

func shardFor(accountID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return h.Sum32() % 16
}
