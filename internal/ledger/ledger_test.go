package ledger

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amazinernest/counsellhelp/internal/adapter/checkout"
	"github.com/amazinernest/counsellhelp/internal/conversation"
	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/policy"
	"github.com/amazinernest/counsellhelp/internal/repository"
	"github.com/amazinernest/counsellhelp/internal/testutil"
)

type fakeProcessor struct {
	mu           sync.Mutex
	transactions map[string]*checkout.Transaction
	initialized  map[string]checkout.Metadata
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		transactions: map[string]*checkout.Transaction{},
		initialized:  map[string]checkout.Metadata{},
	}
}

func (p *fakeProcessor) CheckoutURL(email string, amount int64, reference string) string {
	return "https://pay.test/" + reference
}

func (p *fakeProcessor) Initialize(ctx context.Context, email string, amount int64, reference string, meta checkout.Metadata) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized[reference] = meta
	return "https://pay.test/init/" + reference, nil
}

func (p *fakeProcessor) Verify(ctx context.Context, reference string) (*checkout.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.transactions[reference]
	if !ok {
		return nil, errors.New("transaction not found")
	}
	return tx, nil
}

func (p *fakeProcessor) settle(reference string, amount int64, meta checkout.Metadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transactions[reference] = &checkout.Transaction{
		ID:        int64(len(p.transactions) + 100),
		Status:    checkout.StatusSuccess,
		Reference: reference,
		Amount:    amount,
		Metadata:  meta,
	}
}

type failingEnsurer struct{ err error }

func (f failingEnsurer) EnsureConversation(ctx context.Context, clientID, counselorID string) (string, error) {
	return "", f.err
}

type fixture struct {
	ledger    *Ledger
	store     *repository.SQLiteStore
	processor *fakeProcessor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	store, hub := testutil.NewTestFeed(t)
	engine, err := policy.NewDefaultEngine(ctx)
	require.NoError(t, err)

	require.NoError(t, store.UpsertProfile(ctx, &domain.Profile{ID: "client", Email: "c@example.com", FullName: "Ada Obi", Role: domain.UserRoleClient}))
	require.NoError(t, store.UpsertProfile(ctx, &domain.Profile{ID: "counselor", Email: "k@example.com", FullName: "Dr. Bello", Role: domain.UserRoleCounselor}))

	proc := newFakeProcessor()
	base := []Option{WithProcessor(proc), WithPolicy(engine)}
	l := New(store, conversation.NewStore(store, hub), append(base, opts...)...)
	return &fixture{ledger: l, store: store, processor: proc}
}

func TestPaymentReferenceFormat(t *testing.T) {
	ref := NewPaymentReference(time.UnixMilli(1700000000123))
	assert.Regexp(t, regexp.MustCompile(`^CH-1700000000123-[0-9A-F]{6}$`), ref)
	assert.NotEqual(t, ref, NewPaymentReference(time.UnixMilli(1700000000123)))
}

func TestCreatePendingSessionSplitsAmount(t *testing.T) {
	f := newFixture(t)
	s, err := f.ledger.CreatePendingSession(context.Background(), "client", "counselor", 500000)
	require.NoError(t, err)

	assert.Equal(t, domain.SessionStatusPending, s.Status)
	assert.Equal(t, int64(100000), s.Commission)
	assert.Equal(t, int64(400000), s.CounselorPayout)

	stored, err := f.store.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.PaymentReference, stored.PaymentReference)

	_, err = f.ledger.CreatePendingSession(context.Background(), "client", "counselor", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestConfirmPaymentRunsFollowUps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, link, err := f.ledger.StartSessionCheckout(ctx, "client", "counselor", "c@example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://pay.test/"+s.PaymentReference, link)

	paid, err := f.ledger.ConfirmPayment(ctx, s.ID, "777")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusPaid, paid.Status)
	assert.Equal(t, "777", paid.ProcessorReference)
	require.NotNil(t, paid.PaidAt)
	require.NotEmpty(t, paid.ConversationID)

	conv, err := f.store.FindConversation(ctx, "client", "counselor")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, conv.ID, paid.ConversationID)

	ce, pe, err := f.store.GetEarnings(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, ce)
	require.NotNil(t, pe)
	assert.Equal(t, int64(400000), ce.Amount)
	assert.Equal(t, domain.EarningStatusPending, ce.Status)
	assert.Equal(t, int64(100000), pe.Amount)

	list, err := f.store.ListNotifications(ctx, "counselor", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	n := list[0]
	assert.Equal(t, domain.NotificationTypeNewRequest, n.Type)
	assert.Equal(t, "New Paid Session", n.Title)
	assert.Equal(t, "Ada Obi has booked a session with you", n.Body)
	data, err := domain.ParseNotificationData(n.Data)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, data.ConversationID)
	assert.Equal(t, s.ID, data.SessionID)
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, err := f.ledger.CreatePendingSession(ctx, "client", "counselor", 500000)
	require.NoError(t, err)

	_, err = f.ledger.ConfirmPayment(ctx, s.ID, "777")
	require.NoError(t, err)
	again, err := f.ledger.ConfirmByReference(ctx, s.PaymentReference, "777")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusPaid, again.Status)

	list, err := f.store.ListNotifications(ctx, "counselor", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	convs, err := f.store.ListConversations(ctx, "client", 0)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestConfirmPaymentFollowUpFailureKeepsSessionPaid(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestSQLiteStore(t)
	engine, err := policy.NewDefaultEngine(ctx)
	require.NoError(t, err)
	l := New(store, failingEnsurer{err: errors.New("boom")}, WithPolicy(engine))

	s, err := l.CreatePendingSession(ctx, "client", "counselor", 500000)
	require.NoError(t, err)

	_, err = l.ConfirmPayment(ctx, s.ID, "777")
	var fu *domain.FollowUpError
	require.ErrorAs(t, err, &fu)
	assert.Equal(t, StepOpenConversation, fu.Step)
	assert.ErrorIs(t, err, domain.ErrPaymentRecorded)

	stored, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusPaid, stored.Status)

	// Payment alone still unlocks chat.
	access, err := l.CheckChatAccess(ctx, "client", "counselor")
	require.NoError(t, err)
	assert.True(t, access.Allowed)
	assert.Equal(t, policy.ReasonPaidSession, access.Reason)
}

func TestVerifyAndConfirm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, err := f.ledger.CreatePendingSession(ctx, "client", "counselor", 500000)
	require.NoError(t, err)

	_, err = f.ledger.VerifyAndConfirm(ctx, s.ID)
	assert.Error(t, err)

	f.processor.settle(s.PaymentReference, 400000, checkout.Metadata{})
	_, err = f.ledger.VerifyAndConfirm(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	f.processor.settle(s.PaymentReference, 500000, checkout.Metadata{})
	paid, err := f.ledger.VerifyAndConfirm(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusPaid, paid.Status)
	assert.NotEmpty(t, paid.ProcessorReference)
}

func TestSessionTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, err := f.ledger.CreatePendingSession(ctx, "client", "counselor", 500000)
	require.NoError(t, err)

	_, err = f.ledger.Complete(ctx, s.ID)
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.SessionStatusPending, te.From)

	_, err = f.ledger.ConfirmPayment(ctx, s.ID, "1")
	require.NoError(t, err)
	done, err := f.ledger.Complete(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	_, err = f.ledger.Refund(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.ledger.ConfirmPayment(ctx, s.ID, "2")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	other, err := f.ledger.CreatePendingSession(ctx, "client", "counselor", 500000)
	require.NoError(t, err)
	cancelled, err := f.ledger.Cancel(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCancelled, cancelled.Status)
	_, err = f.ledger.ConfirmPayment(ctx, other.ID, "3")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.ledger.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweepStalePending(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	cfg := DefaultConfig()
	cfg.CheckoutTimeout = 30 * time.Minute
	f := newFixture(t, WithConfig(cfg), WithClock(func() time.Time { return clock }))

	clock = now.Add(-time.Hour)
	stale, err := f.ledger.CreatePendingSession(ctx, "client", "counselor", 500000)
	require.NoError(t, err)
	clock = now.Add(-10 * time.Minute)
	fresh, err := f.ledger.CreatePendingSession(ctx, "client", "counselor", 500000)
	require.NoError(t, err)
	clock = now

	n, err := f.ledger.SweepStalePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCancelled, got.Status)
	got, err = f.store.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusPending, got.Status)

	n, err = f.ledger.SweepStalePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPurchaseCreditsOncePerReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	balance, err := f.ledger.PurchaseCredits(ctx, "client", 1000, 180000, "CH-1-AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
	balance, err = f.ledger.PurchaseCredits(ctx, "client", 1000, 180000, "CH-1-AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	txs, err := f.store.ListCreditTransactions(ctx, "client", 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "Purchased 1000 credits", txs[0].Description)
	assert.Equal(t, domain.CreditTransactionPurchase, txs[0].Type)
}

func TestCreditCheckoutRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ledger.StartCreditPurchase(ctx, "client", "c@example.com", 750)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	co, err := f.ledger.StartCreditPurchase(ctx, "client", "c@example.com", 2500)
	require.NoError(t, err)
	assert.Equal(t, int64(400000), co.Package.Price)
	meta := f.processor.initialized[co.Reference]
	assert.Equal(t, checkout.KindCredits, meta.Kind)
	assert.Equal(t, "client", meta.UserID)

	f.processor.settle(co.Reference, 400000, meta)
	_, err = f.ledger.VerifyCreditPurchase(ctx, "counselor", co.Reference)
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
	balance, err := f.ledger.VerifyCreditPurchase(ctx, "client", co.Reference)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), balance)
	balance, err = f.ledger.VerifyCreditPurchase(ctx, "client", co.Reference)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), balance)

	_, err = f.ledger.ConfirmCreditPurchase(ctx, &checkout.Transaction{
		Status: checkout.StatusSuccess, Reference: "CH-2-BBBBBB", Amount: 1, Metadata: meta,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestSpendCredits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.ledger.PurchaseCredits(ctx, "client", 500, 100000, "CH-1-AAAAAA")
	require.NoError(t, err)

	balance, err := f.ledger.SpendCredits(ctx, "client", 200, "use-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)

	_, err = f.ledger.SpendCredits(ctx, "client", 301, "use-2")
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	// The purchase reference is not a usage reference.
	_, err = f.ledger.SpendCredits(ctx, "client", 50, "CH-1-AAAAAA")
	assert.ErrorIs(t, err, domain.ErrConflict)

	balance, err = f.ledger.Balance(ctx, "client")
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)

	balance, err = f.ledger.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestCheckChatAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	access, err := f.ledger.CheckChatAccess(ctx, "client", "counselor")
	require.NoError(t, err)
	assert.False(t, access.Allowed)
	assert.Equal(t, policy.ReasonPaymentRequired, access.Reason)

	_, err = f.ledger.PurchaseCredits(ctx, "client", 500, 100000, "CH-1-AAAAAA")
	require.NoError(t, err)
	access, err = f.ledger.CheckChatAccess(ctx, "client", "counselor")
	require.NoError(t, err)
	assert.True(t, access.Allowed)
	assert.Equal(t, policy.ReasonCredits, access.Reason)
	assert.Equal(t, int64(500), access.Credits)

	s, err := f.ledger.CreatePendingSession(ctx, "client", "counselor", 500000)
	require.NoError(t, err)
	_, err = f.ledger.ConfirmPayment(ctx, s.ID, "1")
	require.NoError(t, err)
	access, err = f.ledger.CheckChatAccess(ctx, "client", "counselor")
	require.NoError(t, err)
	assert.True(t, access.Allowed)
	assert.Equal(t, policy.ReasonPaidSession, access.Reason)
	assert.Equal(t, s.ID, access.SessionID)

	noPolicy := New(f.store, nil)
	_, err = noPolicy.CheckChatAccess(ctx, "client", "counselor")
	assert.Error(t, err)
}

func TestConfirmChargeRequiresSettledCharge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, err := f.ledger.CreatePendingSession(ctx, "client", "counselor", 500000)
	require.NoError(t, err)

	_, err = f.ledger.ConfirmCharge(ctx, &checkout.Transaction{Status: "abandoned", Reference: s.PaymentReference, Amount: 500000})
	assert.ErrorIs(t, err, ErrPaymentIncomplete)

	_, err = f.ledger.ConfirmCharge(ctx, &checkout.Transaction{Status: checkout.StatusSuccess, Reference: "CH-0-NOPE00", Amount: 500000})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	paid, err := f.ledger.ConfirmCharge(ctx, &checkout.Transaction{ID: 9, Status: checkout.StatusSuccess, Reference: s.PaymentReference, Amount: 500000})
	require.NoError(t, err)
	assert.Equal(t, "9", paid.ProcessorReference)
}
