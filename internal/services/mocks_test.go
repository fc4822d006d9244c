package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/moneygood/backend/internal/deal"
	"github.com/moneygood/backend/internal/models"
	"github.com/moneygood/backend/internal/store"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) Refund(ctx context.Context, req ProcessorRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockProcessor) Payout(ctx context.Context, req ProcessorRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// testClock is a settable clock shared by a service and its test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type dealFixture struct {
	service *DealService
	store   *store.MemoryStore
	clock   *testClock
}

var (
	alice = models.Principal{UserID: "alice", Email: "alice@example.com"}
	bob   = models.Principal{UserID: "bob", Email: "bob@example.com"}
	carol = models.Principal{UserID: "carol", Email: "carol@example.com"}
	admin = models.Principal{UserID: "admin-1", Admin: true}
)

func newDealFixture(t *testing.T, processor PaymentProcessor) *dealFixture {
	t.Helper()

	invites, err := deal.NewInviteIssuer("test-pepper", deal.DefaultInviteTTL)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	clock := newTestClock()
	service := NewDealService(DealServiceConfig{
		Store:   st,
		Fees:    deal.DefaultFeePolicy(),
		Invites: invites,
		Ledger:  NewLedgerService(st, processor),
		QR:      NewInviteQRService("https://moneygood.test"),
		Clock:   clock.Now,
	})

	return &dealFixture{service: service, store: st, clock: clock}
}

// moneyForGoods is alice paying 10000 for bob's goods declared at 5000.
func moneyForGoods(now time.Time) CreateDealRequest {
	return CreateDealRequest{
		CreatorID: alice.UserID,
		LegA:      models.Leg{Kind: models.LegMoney, PrincipalMinorUnits: 10000},
		LegB:      models.Leg{Kind: models.LegGoods, Description: "Road bike", DeclaredValueMinorUnits: 5000},
		DealDate:  now.Add(72 * time.Hour),
		Title:     "Bike sale",
	}
}

func (f *dealFixture) createDeal(t *testing.T) *CreateDealResult {
	t.Helper()
	result, err := f.service.CreateDeal(context.Background(), moneyForGoods(f.clock.Now()))
	require.NoError(t, err)
	return result
}

func (f *dealFixture) pay(t *testing.T, dealID string, party models.Party, purpose models.PaymentPurpose, amount, principal int64) *models.Deal {
	t.Helper()
	d, err := f.service.RecordPaymentSucceeded(context.Background(), PaymentEvent{
		DealID:                     dealID,
		Party:                      party,
		Purpose:                    purpose,
		AmountMinorUnits:           amount,
		PrincipalPortionMinorUnits: principal,
		ProcessorRef:               dealID + "-" + string(party) + "-" + string(purpose),
	})
	require.NoError(t, err)
	return d
}

// activeDeal creates, accepts and fully funds a money-for-goods deal.
func (f *dealFixture) activeDeal(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	created := f.createDeal(t)
	_, err := f.service.AcceptInvite(ctx, bob.UserID, created.InviteToken)
	require.NoError(t, err)

	f.pay(t, created.DealID, models.PartyA, models.PurposeSetupFee, 500, 0)
	f.pay(t, created.DealID, models.PartyA, models.PurposeContribution, 10000, 10000)
	f.pay(t, created.DealID, models.PartyB, models.PurposeSetupFee, 500, 0)
	d := f.pay(t, created.DealID, models.PartyB, models.PurposeFairnessHold, 1000, 1000)
	require.Equal(t, models.StatusActive, d.Status)

	return created.DealID
}
