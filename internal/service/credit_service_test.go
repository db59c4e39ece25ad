package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger/internal/model"
	"github.com/qs3c/credit_ledger/internal/pkg/pubsub"
	"github.com/qs3c/credit_ledger/internal/repository"
	"github.com/qs3c/credit_ledger/internal/testutil"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*pubsub.LedgerEvent
}

func (p *recordingPublisher) PublishLedgerEvent(ctx context.Context, evt *pubsub.LedgerEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, len(p.events))
	for i, e := range p.events {
		types[i] = e.Type
	}
	return types
}

type testLedger struct {
	db         *gorm.DB
	clock      *fakeClock
	pub        *recordingPublisher
	creditRepo *repository.CreditRepository
	subRepo    *repository.SubscriptionRepository
	credits    *CreditService
	freeze     *FreezeService
	subs       *SubscriptionService
	webhook    *WebhookService
}

func setupLedger(t *testing.T) *testLedger {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	cfg := testutil.TestConfig()
	clock := newFakeClock()
	pub := &recordingPublisher{}
	opts := []Option{
		WithClock(clock.Now),
		WithPublisher(pub),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}

	txm := repository.NewTxManager(db)
	creditRepo := repository.NewCreditRepository(db)
	subRepo := repository.NewSubscriptionRepository(db)

	credits := NewCreditService(txm, creditRepo, cfg, opts...)
	freeze := NewFreezeService(txm, creditRepo, subRepo, opts...)
	subs := NewSubscriptionService(txm, subRepo, creditRepo, credits, freeze, cfg, opts...)

	return &testLedger{
		db:         db,
		clock:      clock,
		pub:        pub,
		creditRepo: creditRepo,
		subRepo:    subRepo,
		credits:    credits,
		freeze:     freeze,
		subs:       subs,
		webhook:    NewWebhookService(credits, subs, opts...),
	}
}

func (l *testLedger) reload(t *testing.T, id int64) *model.CreditTransaction {
	t.Helper()
	g, err := l.creditRepo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return g
}

func (l *testLedger) consumptionsOf(t *testing.T, grantID int64) []model.CreditTransaction {
	t.Helper()
	var rows []model.CreditTransaction
	require.NoError(t, l.db.Where("consumed_from_id = ?", grantID).Order("id ASC").Find(&rows).Error)
	return rows
}

func TestCreditService_Consume_SpendsSoonestExpiringFirst(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	now := l.clock.Now()
	userID := int64(1)

	in5Days := now.Add(5 * 24 * time.Hour)
	expiring := testutil.TestGrant(t, l.db, userID, testutil.WithAmount(100), testutil.WithExpiresAt(&in5Days))
	forever := testutil.TestGrant(t, l.db, userID, testutil.WithAmount(50), testutil.WithExpiresAt(nil))

	result, err := l.credits.Consume(ctx, &ConsumeRequest{
		UserID:          userID,
		Amount:          120,
		TransactionType: "generation",
		RelatedEntityID: "gen_1",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Insufficient)
	assert.Equal(t, int64(120), result.Consumed)
	assert.Equal(t, int64(30), result.Balance)
	assert.NotEmpty(t, result.OperationID)
	require.Len(t, result.Draws, 2)
	assert.Equal(t, Draw{GrantID: expiring.ID, Amount: 100}, result.Draws[0])
	assert.Equal(t, Draw{GrantID: forever.ID, Amount: 20}, result.Draws[1])

	assert.Equal(t, int64(0), l.reload(t, expiring.ID).RemainingAmount)
	assert.Equal(t, int64(30), l.reload(t, forever.ID).RemainingAmount)

	first := l.consumptionsOf(t, expiring.ID)
	require.Len(t, first, 1)
	assert.Equal(t, int64(-100), first[0].Amount)
	assert.Equal(t, model.KindConsumption, first[0].Kind)
	assert.Equal(t, "gen_1", first[0].RelatedEntityID)
	assert.Equal(t, result.OperationID, first[0].OperationID)

	second := l.consumptionsOf(t, forever.ID)
	require.Len(t, second, 1)
	assert.Equal(t, int64(-20), second[0].Amount)
	assert.Equal(t, int64(30), second[0].RemainingCredits)

	assert.Contains(t, l.pub.Types(), pubsub.EventCreditsConsumed)
}

func TestCreditService_Consume_InsufficientLeavesLedgerUntouched(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	userID := int64(2)

	a := testutil.TestGrant(t, l.db, userID, testutil.WithAmount(25))
	b := testutil.TestGrant(t, l.db, userID, testutil.WithAmount(15), testutil.WithExpiresAt(nil))

	result, err := l.credits.Consume(ctx, &ConsumeRequest{UserID: userID, Amount: 41, TransactionType: "generation"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.Insufficient)
	assert.Equal(t, int64(0), result.Consumed)
	assert.Equal(t, int64(1), result.Shortfall)
	assert.Equal(t, int64(40), result.Available)

	assert.Equal(t, int64(25), l.reload(t, a.ID).RemainingAmount)
	assert.Equal(t, int64(15), l.reload(t, b.ID).RemainingAmount)

	var count int64
	require.NoError(t, l.db.Model(&model.CreditTransaction{}).Where("kind = ?", model.KindConsumption).Count(&count).Error)
	assert.Equal(t, int64(0), count)
	assert.NotContains(t, l.pub.Types(), pubsub.EventCreditsConsumed)
}

func TestCreditService_Consume_FIFOOrder(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	now := l.clock.Now()
	userID := int64(3)

	in2Days := now.Add(2 * 24 * time.Hour)
	in10Days := now.Add(10 * 24 * time.Hour)

	forever := testutil.TestGrant(t, l.db, userID, testutil.WithAmount(10), testutil.WithExpiresAt(nil),
		testutil.WithCreatedAt(now.Add(-3*time.Hour)))
	later := testutil.TestGrant(t, l.db, userID, testutil.WithAmount(10), testutil.WithExpiresAt(&in10Days),
		testutil.WithCreatedAt(now.Add(-2*time.Hour)))
	soonOld := testutil.TestGrant(t, l.db, userID, testutil.WithAmount(10), testutil.WithExpiresAt(&in2Days),
		testutil.WithCreatedAt(now.Add(-90*time.Minute)))
	soonNew := testutil.TestGrant(t, l.db, userID, testutil.WithAmount(10), testutil.WithExpiresAt(&in2Days),
		testutil.WithCreatedAt(now.Add(-time.Hour)))

	result, err := l.credits.Consume(ctx, &ConsumeRequest{UserID: userID, Amount: 35, TransactionType: "generation"})
	require.NoError(t, err)
	require.True(t, result.Success)

	order := make([]int64, len(result.Draws))
	for i, d := range result.Draws {
		order[i] = d.GrantID
	}
	assert.Equal(t, []int64{soonOld.ID, soonNew.ID, later.ID, forever.ID}, order)
	assert.Equal(t, int64(5), result.Draws[3].Amount)
	assert.Equal(t, int64(5), l.reload(t, forever.ID).RemainingAmount)
}

func TestCreditService_Consume_SkipsFrozenAndExpired(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	now := l.clock.Now()
	userID := int64(4)

	past := now.Add(-time.Hour)
	testutil.TestGrant(t, l.db, userID, testutil.WithAmount(500), testutil.WithExpiresAt(&past))
	secs := int64(3600)
	projected := now.Add(30 * 24 * time.Hour)
	frozen := testutil.TestGrant(t, l.db, userID, testutil.WithAmount(300), testutil.WithExpiresAt(&projected),
		testutil.WithFrozen(now.Add(29*24*time.Hour), &secs, 99))
	live := testutil.TestGrant(t, l.db, userID, testutil.WithAmount(20))

	balance, err := l.credits.GetAvailableBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)

	result, err := l.credits.Consume(ctx, &ConsumeRequest{UserID: userID, Amount: 21, TransactionType: "generation"})
	require.NoError(t, err)
	assert.True(t, result.Insufficient)

	result, err = l.credits.Consume(ctx, &ConsumeRequest{UserID: userID, Amount: 20, TransactionType: "generation"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(0), l.reload(t, live.ID).RemainingAmount)
	assert.Equal(t, int64(300), l.reload(t, frozen.ID).RemainingAmount)
}

func TestCreditService_Consume_InvalidInput(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()

	_, err := l.credits.Consume(ctx, &ConsumeRequest{UserID: 1, Amount: 0, TransactionType: "generation"})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.credits.Consume(ctx, &ConsumeRequest{UserID: 1, Amount: -5, TransactionType: "generation"})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.credits.Consume(ctx, &ConsumeRequest{UserID: 0, Amount: 5, TransactionType: "generation"})
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = l.credits.Consume(ctx, &ConsumeRequest{UserID: 1, Amount: 5})
	assert.ErrorIs(t, err, ErrInvalidTransaction)
}

func TestCreditService_Consume_ConcurrentNeverOverdraws(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	userID := int64(5)

	testutil.TestGrant(t, l.db, userID, testutil.WithAmount(60))
	testutil.TestGrant(t, l.db, userID, testutil.WithAmount(40), testutil.WithExpiresAt(nil))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		denied    int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := l.credits.Consume(ctx, &ConsumeRequest{UserID: userID, Amount: 10, TransactionType: "generation"})
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if result.Success {
				succeeded++
			} else {
				denied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 10, denied)

	balance, err := l.credits.GetAvailableBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	var negative int64
	require.NoError(t, l.db.Model(&model.CreditTransaction{}).Where("remaining_amount < 0").Count(&negative).Error)
	assert.Equal(t, int64(0), negative)

	report, err := l.credits.Reconcile(ctx, userID)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestCreditService_Consume_ReleasesLapsedFreezeFirst(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	now := l.clock.Now()
	userID := int64(6)

	secs := int64(2 * 3600)
	projected := now.Add(-time.Hour).Add(2 * time.Hour)
	grant := testutil.TestGrant(t, l.db, userID, testutil.WithAmount(80), testutil.WithExpiresAt(&projected),
		testutil.WithFrozen(now.Add(-time.Hour), &secs, 42))

	result, err := l.credits.Consume(ctx, &ConsumeRequest{UserID: userID, Amount: 30, TransactionType: "generation"})
	require.NoError(t, err)
	require.True(t, result.Success)

	g := l.reload(t, grant.ID)
	assert.False(t, g.IsFrozen)
	assert.Nil(t, g.FrozenUntil)
	assert.Nil(t, g.FrozenByPeriodID)
	require.NotNil(t, g.ExpiresAt)
	assert.WithinDuration(t, now.Add(2*time.Hour), *g.ExpiresAt, time.Second)
	assert.Equal(t, int64(50), g.RemainingAmount)
}

func TestCreditService_GrantCredits_Idempotent(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	expiresAt := l.clock.Now().Add(30 * 24 * time.Hour)

	req := &GrantRequest{
		UserID:            7,
		Amount:            500,
		TransactionType:   model.TxPackagePurchase,
		RelatedEntityType: model.EntityOrder,
		RelatedEntityID:   "order_1",
		ExpiresAt:         &expiresAt,
		IdempotencyKey:    "evt:pay_1",
	}

	first, err := l.credits.GrantCredits(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(500), first.Balance)

	second, err := l.credits.GrantCredits(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.GrantID, second.GrantID)

	count, err := l.creditRepo.CountGrants(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	balance, err := l.credits.GetAvailableBalance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestCreditService_GrantCredits_Validation(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	past := l.clock.Now().Add(-time.Minute)

	tests := []struct {
		name string
		req  *GrantRequest
		want error
	}{
		{"zero amount", &GrantRequest{UserID: 1, Amount: 0, TransactionType: model.TxAdminAdjustment}, ErrInvalidAmount},
		{"no user", &GrantRequest{UserID: 0, Amount: 10, TransactionType: model.TxAdminAdjustment}, ErrInvalidUser},
		{"no type", &GrantRequest{UserID: 1, Amount: 10}, ErrInvalidTransaction},
		{"expired", &GrantRequest{UserID: 1, Amount: 10, TransactionType: model.TxAdminAdjustment, ExpiresAt: &past}, ErrInvalidExpiry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.credits.GrantCredits(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreditService_GrantHelpers(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	now := l.clock.Now()

	bonus, err := l.credits.GrantRegistrationBonus(ctx, 8)
	require.NoError(t, err)
	assert.False(t, bonus.Duplicate)

	again, err := l.credits.GrantRegistrationBonus(ctx, 8)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	g := l.reload(t, bonus.GrantID)
	assert.Equal(t, int64(50), g.Amount)
	assert.Equal(t, model.TxRegisterBonus, g.TransactionType)
	require.NotNil(t, g.ExpiresAt)
	assert.WithinDuration(t, now.AddDate(0, 0, 15), *g.ExpiresAt, time.Second)

	pkg, err := l.credits.GrantPackagePurchase(ctx, 8, "standard", "order_9", "")
	require.NoError(t, err)
	p := l.reload(t, pkg.GrantID)
	assert.Equal(t, int64(500), p.Amount)
	assert.Equal(t, "order_9", p.RelatedEntityID)
	assert.Equal(t, int64(550), pkg.Balance)

	_, err = l.credits.GrantPackagePurchase(ctx, 8, "nope", "order_10", "")
	assert.ErrorIs(t, err, ErrUnknownPackage)
}

func TestCreditService_Summary(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	now := l.clock.Now()
	userID := int64(9)

	in3Days := now.Add(3 * 24 * time.Hour)
	in20Days := now.Add(20 * 24 * time.Hour)
	testutil.TestGrant(t, l.db, userID, testutil.WithAmount(40), testutil.WithExpiresAt(&in3Days))
	testutil.TestGrant(t, l.db, userID, testutil.WithAmount(60), testutil.WithExpiresAt(&in20Days))
	testutil.TestGrant(t, l.db, userID, testutil.WithAmount(10), testutil.WithExpiresAt(nil))
	secs := int64(86400)
	testutil.TestGrant(t, l.db, userID, testutil.WithAmount(70), testutil.WithFrozen(now.Add(10*24*time.Hour), &secs, 1))

	_, err := l.credits.Consume(ctx, &ConsumeRequest{UserID: userID, Amount: 15, TransactionType: "generation"})
	require.NoError(t, err)

	summary, err := l.credits.GetCreditSummary(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(95), summary.AvailableCredits)
	assert.Equal(t, int64(70), summary.FrozenCredits)
	assert.Equal(t, int64(25), summary.ExpiringSoonCredits)
	require.NotNil(t, summary.NextExpiryAt)
	assert.Equal(t, int64(180), summary.TotalEarned)
	assert.Equal(t, int64(15), summary.TotalUsed)

	buckets, err := l.credits.GetExpiryBreakdown(ctx, userID)
	require.NoError(t, err)
	require.Len(t, buckets, 3)
	assert.Equal(t, in3Days.Format("2006-01-02"), buckets[0].Date)
	assert.Equal(t, int64(25), buckets[0].Credits)
	assert.Equal(t, "", buckets[2].Date)
	assert.Equal(t, int64(10), buckets[2].Credits)

	items, total, err := l.credits.ListTransactions(ctx, userID, 1, 2, "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, items, 2)

	items, total, err = l.credits.ListTransactions(ctx, userID, 1, 20, "generation")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(-15), items[0].Amount)
}

func TestCreditService_Reconcile_DetectsBrokenGrant(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	userID := int64(10)

	grant := testutil.TestGrant(t, l.db, userID, testutil.WithAmount(100))
	_, err := l.credits.Consume(ctx, &ConsumeRequest{UserID: userID, Amount: 30, TransactionType: "generation"})
	require.NoError(t, err)

	report, err := l.credits.Reconcile(ctx, userID)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, int64(1), report.Grants)

	require.NoError(t, l.db.Model(&model.CreditTransaction{}).Where("id = ?", grant.ID).
		Update("remaining_amount", 80).Error)

	report, err = l.credits.Reconcile(ctx, 0)
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, grant.ID, report.Violations[0].GrantID)
	assert.Equal(t, int64(30), report.Violations[0].Consumed)
}
