package store

import (
	"context"
	"time"

	"github.com/moneygood/backend/internal/models"
)

// UpdateFunc mutates d in place and returns what to persist alongside it.
// Returning a nil Mutation leaves the deal untouched; returning an error
// aborts the transaction.
type UpdateFunc func(d *models.Deal) (*models.Mutation, error)

// DealStore is the transactional document store deals live in. Update is the
// only way to change a stored deal and runs fn under a per-deal lock.
type DealStore interface {
	Create(ctx context.Context, d *models.Deal, audit models.AuditEntry) error
	Get(ctx context.Context, id string) (*models.Deal, error)
	FindByInviteHash(ctx context.Context, hash string) (*models.Deal, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*models.Deal, []models.LedgerEntry, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.Deal, error)
	ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListLedger(ctx context.Context, dealID string) ([]models.LedgerEntry, error)
	MarkLedgerEntry(ctx context.Context, entryID, status, errMsg string) error
	ListAudit(ctx context.Context, dealID string) ([]models.AuditEntry, error)
}

// isSweepCandidate reports whether the past-due sweep still has work to do on
// d. An awaiting-funding deal drops out once it has been flagged overdue.
func isSweepCandidate(d *models.Deal, now time.Time) bool {
	if !d.DealDate.Before(now) {
		return false
	}
	switch d.Status {
	case models.StatusActive:
		return true
	case models.StatusAwaitingFunding:
		return d.FundingOverdueAt == nil
	}
	return false
}

func stampAudit(a *models.AuditEntry, dealID string, now time.Time) {
	if a.DealID == "" {
		a.DealID = dealID
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
}
