package services

import (
	"context"
	"errors"
	"log"

	"github.com/moneygood/backend/internal/deal"
	"github.com/moneygood/backend/internal/models"
	"github.com/moneygood/backend/internal/store"
)

var errNoProcessor = errors.New("payment processor not configured")

// SettlementResult reports what happened to each ledger entry of a settlement.
type SettlementResult struct {
	DealID    string               `json:"dealId"`
	Entries   []models.LedgerEntry `json:"entries"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Retained  int                  `json:"retained"`
}

// LedgerService executes settlement ledger entries against the processor
// after the deal transition has committed.
type LedgerService struct {
	store     store.DealStore
	processor PaymentProcessor
	audit     *AuditLogger
}

func NewLedgerService(st store.DealStore, processor PaymentProcessor) *LedgerService {
	return &LedgerService{
		store:     st,
		processor: processor,
		audit:     NewAuditLogger(),
	}
}

// Execute runs every entry independently. A failed refund or payout never
// stops the others; the returned error wraps deal.ErrPartialFailure when any
// entry failed and the result is always populated.
func (s *LedgerService) Execute(ctx context.Context, dealID string, entries []models.LedgerEntry) (*SettlementResult, error) {
	result := &SettlementResult{DealID: dealID, Entries: make([]models.LedgerEntry, 0, len(entries))}

	for _, entry := range entries {
		if !entry.NeedsProcessor() {
			result.Retained++
			result.Entries = append(result.Entries, entry)
			continue
		}

		entry = s.executeEntry(ctx, entry)
		if entry.Status == models.LedgerSucceeded {
			result.Succeeded++
		} else {
			result.Failed++
		}
		result.Entries = append(result.Entries, entry)
	}

	if result.Failed > 0 {
		log.Printf("[LEDGER] Deal %s settlement: %d succeeded, %d failed", dealID, result.Succeeded, result.Failed)
		return result, deal.Errorf(deal.ErrPartialFailure, "%d of %d settlement entries failed", result.Failed, result.Failed+result.Succeeded)
	}

	log.Printf("[LEDGER] Deal %s settlement: %d succeeded, %d retained", dealID, result.Succeeded, result.Retained)
	return result, nil
}

// RetryFailed re-executes the FAILED entries of a settled deal. Admin only.
func (s *LedgerService) RetryFailed(ctx context.Context, principal models.Principal, dealID string) (*SettlementResult, error) {
	if !principal.Admin {
		return nil, deal.Errorf(deal.ErrPermissionDenied, "only admins can retry settlements")
	}

	if _, err := s.store.Get(ctx, dealID); err != nil {
		return nil, err
	}

	entries, err := s.store.ListLedger(ctx, dealID)
	if err != nil {
		return nil, err
	}

	var failed []models.LedgerEntry
	for _, e := range entries {
		if e.Status == models.LedgerFailed {
			failed = append(failed, e)
		}
	}

	log.Printf("[LEDGER] Retrying %d failed entries for deal %s", len(failed), dealID)
	return s.Execute(ctx, dealID, failed)
}

func (s *LedgerService) executeEntry(ctx context.Context, entry models.LedgerEntry) models.LedgerEntry {
	req := ProcessorRequest{
		IdempotencyKey:   entry.ID,
		DealID:           entry.DealID,
		PaymentID:        entry.PaymentID,
		Party:            entry.Party,
		AmountMinorUnits: entry.AmountMinorUnits,
	}

	var err error
	switch {
	case s.processor == nil:
		err = errNoProcessor
	case entry.Kind == models.LedgerPayout:
		_, err = s.processor.Payout(ctx, req)
	default:
		_, err = s.processor.Refund(ctx, req)
	}

	if err != nil {
		entry.Status = models.LedgerFailed
		entry.Error = err.Error()
	} else {
		entry.Status = models.LedgerSucceeded
		entry.Error = ""
	}

	if markErr := s.store.MarkLedgerEntry(ctx, entry.ID, entry.Status, entry.Error); markErr != nil {
		log.Printf("[LEDGER] Failed to mark entry %s as %s: %v", entry.ID, entry.Status, markErr)
	}
	s.audit.LogLedgerEntry(entry)
	return entry
}
