package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/moneygood/backend/internal/models"
	"github.com/moneygood/backend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first n updates of every deal with an infrastructure error.
type flakyStore struct {
	*store.MemoryStore
	failures map[string]int
}

func (s *flakyStore) Update(ctx context.Context, id string, fn store.UpdateFunc) (*models.Deal, []models.LedgerEntry, error) {
	if s.failures[id] > 0 {
		s.failures[id]--
		return nil, nil, errors.New("connection reset")
	}
	return s.MemoryStore.Update(ctx, id, fn)
}

func sweepDeal(id string, status models.DealStatus, dealDate time.Time) *models.Deal {
	return &models.Deal{
		ID:        id,
		CreatorID: "alice",
		Status:    status,
		DealDate:  dealDate,
		CreatedAt: dealDate.Add(-72 * time.Hour),
		Version:   1,
	}
}

func TestSweepService_SweepPastDue(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	st := store.NewMemoryStore()
	seed := []*models.Deal{
		sweepDeal("active-due", models.StatusActive, now.Add(-time.Hour)),
		sweepDeal("active-later", models.StatusActive, now.Add(time.Hour)),
		sweepDeal("unfunded-due", models.StatusAwaitingFunding, now.Add(-2*time.Hour)),
		sweepDeal("frozen-due", models.StatusFrozen, now.Add(-time.Hour)),
	}
	for _, d := range seed {
		require.NoError(t, st.Create(ctx, d, models.AuditEntry{ActorID: "alice", EventType: "create"}))
	}

	sweeps := NewSweepService(st, nil, SweepConfig{Concurrency: 2})

	result, err := sweeps.SweepPastDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Flagged)
	assert.Equal(t, 0, result.Failed)

	due, _ := st.Get(ctx, "active-due")
	assert.Equal(t, models.StatusPastDue, due.Status)

	later, _ := st.Get(ctx, "active-later")
	assert.Equal(t, models.StatusActive, later.Status)

	unfunded, _ := st.Get(ctx, "unfunded-due")
	assert.Equal(t, models.StatusAwaitingFunding, unfunded.Status)
	require.NotNil(t, unfunded.FundingOverdueAt)

	frozen, _ := st.Get(ctx, "frozen-due")
	assert.Equal(t, models.StatusFrozen, frozen.Status)

	audit, err := st.ListAudit(ctx, "active-due")
	require.NoError(t, err)
	last := audit[len(audit)-1]
	assert.Equal(t, "pastdue", last.EventType)
	assert.Equal(t, models.SystemActor, last.ActorID)

	t.Run("second sweep is a no-op", func(t *testing.T) {
		result, err := sweeps.SweepPastDue(ctx, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 0, result.Processed)
		assert.Equal(t, 0, result.Flagged)
		assert.Equal(t, 0, result.Skipped)

		audit, err := st.ListAudit(ctx, "unfunded-due")
		require.NoError(t, err)
		assert.Len(t, audit, 2)
	})
}

func TestSweepService_FlaggedDealsDoNotStarveBatch(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	st := store.NewMemoryStore()
	for _, d := range []*models.Deal{
		sweepDeal("unfunded-oldest", models.StatusAwaitingFunding, now.Add(-3*time.Hour)),
		sweepDeal("unfunded-older", models.StatusAwaitingFunding, now.Add(-2*time.Hour)),
		sweepDeal("active-due", models.StatusActive, now.Add(-time.Hour)),
	} {
		require.NoError(t, st.Create(ctx, d, models.AuditEntry{ActorID: "alice", EventType: "create"}))
	}

	sweeps := NewSweepService(st, nil, SweepConfig{Concurrency: 1, BatchSize: 2})

	first, err := sweeps.SweepPastDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Flagged)
	assert.Equal(t, 0, first.Processed)

	second, err := sweeps.SweepPastDue(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, second.Processed)
	assert.Equal(t, 0, second.Skipped)

	due, err := st.Get(ctx, "active-due")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPastDue, due.Status)

	for i := 0; i < 3; i++ {
		result, err := sweeps.SweepPastDue(ctx, now.Add(time.Duration(i+2)*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, SweepResult{}, result)
	}
}

func TestSweepService_Retries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	st := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: map[string]int{"recovers": 2, "broken": 5}}
	require.NoError(t, st.Create(ctx, sweepDeal("recovers", models.StatusActive, now.Add(-time.Hour)), models.AuditEntry{}))
	require.NoError(t, st.Create(ctx, sweepDeal("broken", models.StatusActive, now.Add(-time.Hour)), models.AuditEntry{}))

	sweeps := NewSweepService(st, nil, SweepConfig{Concurrency: 1, MaxAttempts: 3, Backoff: time.Millisecond})

	result, err := sweeps.SweepPastDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{"broken"}, result.FailedIDs)

	recovered, _ := st.Get(ctx, "recovers")
	assert.Equal(t, models.StatusPastDue, recovered.Status)

	broken, _ := st.Get(ctx, "broken")
	assert.Equal(t, models.StatusActive, broken.Status)
}

func TestSweepService_LockHeld(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.Regexp().ExpectSetNX(lockKey(sweepLockName), `.+`, 5*time.Minute).SetVal(false)

	sweeps := NewSweepService(store.NewMemoryStore(), NewRedisGuard(rdb, 0, time.Hour), SweepConfig{})

	_, err := sweeps.SweepPastDue(context.Background(), time.Now())
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}
