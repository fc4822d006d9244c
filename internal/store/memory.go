package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moneygood/backend/internal/deal"
	"github.com/moneygood/backend/internal/models"
)

// MemoryStore is an in-process DealStore used by tests and single-node
// development. Updates to one deal are serialized by a per-deal mutex.
type MemoryStore struct {
	mu     sync.RWMutex
	deals  map[string]*models.Deal
	locks  map[string]*sync.Mutex
	ledger map[string][]models.LedgerEntry
	audit  map[string][]models.AuditEntry
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals:  make(map[string]*models.Deal),
		locks:  make(map[string]*sync.Mutex),
		ledger: make(map[string][]models.LedgerEntry),
		audit:  make(map[string][]models.AuditEntry),
		now:    time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, d *models.Deal, audit models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deals[d.ID]; exists {
		return deal.Errorf(deal.ErrAlreadyExists, "deal %s already exists", d.ID)
	}
	if d.InviteTokenHash != "" {
		for _, other := range s.deals {
			if other.InviteTokenHash == d.InviteTokenHash {
				return deal.Errorf(deal.ErrAlreadyExists, "invite token hash collision")
			}
		}
	}

	s.deals[d.ID] = d.Clone()
	s.locks[d.ID] = &sync.Mutex{}
	stampAudit(&audit, d.ID, s.now())
	s.audit[d.ID] = append(s.audit[d.ID], audit)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deals[id]
	if !ok {
		return nil, deal.Errorf(deal.ErrNotFound, "deal %s not found", id)
	}
	return d.Clone(), nil
}

func (s *MemoryStore) FindByInviteHash(_ context.Context, hash string) (*models.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if hash != "" {
		for _, d := range s.deals {
			if d.InviteTokenHash == hash {
				return d.Clone(), nil
			}
		}
	}
	return nil, deal.Errorf(deal.ErrNotFound, "invite token not found")
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*models.Deal, []models.LedgerEntry, error) {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, deal.Errorf(deal.ErrNotFound, "deal %s not found", id)
	}

	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	version := d.Version

	mutation, err := fn(d)
	if err != nil {
		return nil, nil, err
	}
	if mutation == nil {
		return d, nil, nil
	}

	now := s.now()
	d.Version = version + 1
	d.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]models.LedgerEntry, 0, len(mutation.Ledger))
	for _, e := range mutation.Ledger {
		e.ID = uuid.NewString()
		e.DealID = d.ID
		e.CreatedAt = now
		e.UpdatedAt = now
		entries = append(entries, e)
	}

	s.deals[id] = d.Clone()
	s.ledger[id] = append(s.ledger[id], entries...)
	for i := range mutation.Audit {
		stampAudit(&mutation.Audit[i], id, now)
		s.audit[id] = append(s.audit[id], mutation.Audit[i])
	}

	return d, entries, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*models.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var deals []*models.Deal
	for _, d := range s.deals {
		if d.IsParty(userID) {
			deals = append(deals, d.Clone())
		}
	}
	sort.Slice(deals, func(i, j int) bool {
		return deals[i].CreatedAt.After(deals[j].CreatedAt)
	})
	if limit > 0 && len(deals) > limit {
		deals = deals[:limit]
	}
	return deals, nil
}

func (s *MemoryStore) ListSweepCandidates(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*models.Deal
	for _, d := range s.deals {
		if isSweepCandidate(d, now) {
			candidates = append(candidates, d)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].DealDate.Before(candidates[j].DealDate)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	ids := make([]string, 0, len(candidates))
	for _, d := range candidates {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (s *MemoryStore) ListLedger(_ context.Context, dealID string) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.LedgerEntry(nil), s.ledger[dealID]...), nil
}

func (s *MemoryStore) MarkLedgerEntry(_ context.Context, entryID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for dealID, entries := range s.ledger {
		for i := range entries {
			if entries[i].ID == entryID {
				entries[i].Status = status
				entries[i].Error = errMsg
				entries[i].UpdatedAt = s.now()
				s.ledger[dealID] = entries
				return nil
			}
		}
	}
	return deal.Errorf(deal.ErrNotFound, "ledger entry %s not found", entryID)
}

func (s *MemoryStore) ListAudit(_ context.Context, dealID string) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.AuditEntry(nil), s.audit[dealID]...), nil
}
