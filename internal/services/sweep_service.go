package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/moneygood/backend/internal/deal"
	"github.com/moneygood/backend/internal/models"
	"github.com/moneygood/backend/internal/store"
	"golang.org/x/sync/errgroup"
)

const sweepLockName = "sweep:pastdue"

// SweepResult summarises one past-due sweep.
type SweepResult struct {
	Processed int      `json:"processed"`
	Flagged   int      `json:"flagged"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failedIds,omitempty"`
}

// SweepConfig tunes the sweep
type SweepConfig struct {
	Concurrency int
	BatchSize   int
	MaxAttempts int
	Backoff     time.Duration
	LockTTL     time.Duration
}

// DefaultSweepConfig returns the production sweep settings.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Concurrency: 8,
		BatchSize:   500,
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
		LockTTL:     5 * time.Minute,
	}
}

// SweepService moves active deals whose date has elapsed to past_due and
// flags overdue unfunded deals.
type SweepService struct {
	store  store.DealStore
	guard  *RedisGuard
	config SweepConfig
	audit  *AuditLogger
}

func NewSweepService(st store.DealStore, guard *RedisGuard, config SweepConfig) *SweepService {
	defaults := DefaultSweepConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	return &SweepService{
		store:  st,
		guard:  guard,
		config: config,
		audit:  NewAuditLogger(),
	}
}

// SweepPastDue processes every candidate in its own transaction. One deal
// failing never stops the others.
func (s *SweepService) SweepPastDue(ctx context.Context, now time.Time) (SweepResult, error) {
	release, err := s.guard.AcquireLock(ctx, sweepLockName, s.config.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			log.Printf("[SWEEP] Another instance is sweeping, skipping")
		}
		return SweepResult{}, err
	}
	defer release()

	ids, err := s.store.ListSweepCandidates(ctx, now, s.config.BatchSize)
	if err != nil {
		return SweepResult{}, err
	}

	var (
		mu     sync.Mutex
		result SweepResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for _, id := range ids {
		g.Go(func() error {
			action, err := s.sweepWithRetry(gctx, id, now)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
				result.FailedIDs = append(result.FailedIDs, id)
			case action == deal.SweepMarkPastDue:
				result.Processed++
			case action == deal.SweepFlagFundingOverdue:
				result.Flagged++
			default:
				result.Skipped++
			}
			return nil
		})
	}
	g.Wait()

	log.Printf("[SWEEP] Swept %d deals: %d past due, %d flagged, %d skipped, %d failed",
		len(ids), result.Processed, result.Flagged, result.Skipped, result.Failed)
	return result, nil
}

// Run sweeps every interval until ctx is done.
func (s *SweepService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepPastDue(ctx, time.Now()); err != nil && !errors.Is(err, ErrLockHeld) {
				log.Printf("[SWEEP] Sweep failed: %v", err)
			}
		}
	}
}

// sweepWithRetry retries infrastructure errors with exponential backoff. A
// domain rejection means the deal moved on concurrently and is a skip.
func (s *SweepService) sweepWithRetry(ctx context.Context, id string, now time.Time) (deal.SweepAction, error) {
	var lastErr error
	for attempt := 0; attempt < s.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return deal.SweepSkip, ctx.Err()
			case <-time.After(s.config.Backoff * time.Duration(1<<(attempt-1))):
			}
		}

		action, err := s.sweepOne(ctx, id, now)
		if err == nil {
			return action, nil
		}
		if deal.KindOf(err) != nil {
			log.Printf("[SWEEP] Deal %s skipped: %v", id, err)
			return deal.SweepSkip, nil
		}

		lastErr = err
		log.Printf("[SWEEP] Deal %s attempt %d/%d failed: %v", id, attempt+1, s.config.MaxAttempts, err)
	}

	s.audit.LogError(id, models.SystemActor, string(deal.EventPastDue), lastErr)
	return deal.SweepSkip, lastErr
}

func (s *SweepService) sweepOne(ctx context.Context, id string, now time.Time) (deal.SweepAction, error) {
	action := deal.SweepSkip
	var mutation *models.Mutation

	_, _, err := s.store.Update(ctx, id, func(d *models.Deal) (*models.Mutation, error) {
		action = deal.SweepActionFor(d, now)
		mutation = nil

		switch action {
		case deal.SweepMarkPastDue:
			from := d.Status
			next, err := deal.Next(d.Status, deal.EventPastDue, transitionContext(d, now))
			if err != nil {
				return nil, err
			}
			d.Status = next
			mutation = &models.Mutation{Audit: []models.AuditEntry{
				transitionAudit(d, models.SystemActor, deal.EventPastDue, from, now, models.Metadata{"dealDate": d.DealDate}),
			}}

		case deal.SweepFlagFundingOverdue:
			d.FundingOverdueAt = &now
			mutation = &models.Mutation{Audit: []models.AuditEntry{{
				DealID:    d.ID,
				ActorID:   models.SystemActor,
				EventType: "funding_overdue",
				Timestamp: now,
				Details:   models.Metadata{"status": string(d.Status), "dealDate": d.DealDate},
			}}}
		}

		return mutation, nil
	})
	if err != nil {
		return deal.SweepSkip, err
	}

	if mutation != nil {
		for _, entry := range mutation.Audit {
			s.audit.LogTransition(entry)
		}
	}
	return action, nil
}
