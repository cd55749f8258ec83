// Package ledger drives the paid-session state machine and the credit balance
// that together gate chat access.
package ledger

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amazinernest/counsellhelp/internal/adapter/checkout"
	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/notification"
	"github.com/amazinernest/counsellhelp/internal/policy"
)

// Repository is the record store surface used by the ledger.
type Repository interface {
	notification.Creator
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	GetSessionByPaymentReference(ctx context.Context, reference string) (*domain.Session, error)
	MarkSessionPaid(ctx context.Context, id, processorReference string, at time.Time) (bool, error)
	TransitionSession(ctx context.Context, id string, from, to domain.SessionStatus, at time.Time) (bool, error)
	BindSessionConversation(ctx context.Context, id, conversationID string) error
	ListStalePendingSessions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Session, error)
	FindPaidSession(ctx context.Context, clientID, counselorID string) (*domain.Session, error)
	RecordEarnings(ctx context.Context, counselor *domain.CounselorEarning, platform *domain.PlatformEarning) (bool, error)
	GetProfile(ctx context.Context, id string) (*domain.Profile, error)
	ApplyCreditTransaction(ctx context.Context, tx *domain.CreditTransaction) (int64, bool, error)
}

// ConversationEnsurer resolves or creates the conversation of a pair.
type ConversationEnsurer interface {
	EnsureConversation(ctx context.Context, clientID, counselorID string) (string, error)
}

// Processor is the payment checkout. *checkout.Client satisfies it.
type Processor interface {
	CheckoutURL(email string, amount int64, reference string) string
	Initialize(ctx context.Context, email string, amount int64, reference string, meta checkout.Metadata) (string, error)
	Verify(ctx context.Context, reference string) (*checkout.Transaction, error)
}

// AccessPolicy decides chat access. *policy.Engine satisfies it.
type AccessPolicy interface {
	Evaluate(ctx context.Context, in policy.Input) (policy.Decision, error)
}

// ErrPaymentIncomplete is returned when the processor has not settled a charge.
var ErrPaymentIncomplete = errors.New("payment not completed")

// Follow-up step names reported in domain.FollowUpError.
const (
	StepOpenConversation = "opening the conversation"
	StepLinkConversation = "linking the conversation"
	StepRecordEarnings   = "recording earnings"
	StepNotifyCounselor  = "notifying the counselor"
)

// Config holds the ledger's business parameters.
type Config struct {
	CommissionPercent int64
	SessionPrice      int64
	CheckoutTimeout   time.Duration
	MinChatCredits    int64
	SweepBatch        int
}

// DefaultConfig returns the marketplace defaults.
func DefaultConfig() Config {
	return Config{
		CommissionPercent: 20,
		SessionPrice:      500000,
		CheckoutTimeout:   30 * time.Minute,
		MinChatCredits:    1,
		SweepBatch:        100,
	}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option { return func(l *Ledger) { l.cfg = cfg } }

// WithProcessor enables checkout links and processor verification.
func WithProcessor(p Processor) Option { return func(l *Ledger) { l.processor = p } }

// WithPolicy sets the chat access policy.
func WithPolicy(p AccessPolicy) Option { return func(l *Ledger) { l.policy = p } }

// WithLogger sets the ledger logger.
func WithLogger(log *zap.Logger) Option { return func(l *Ledger) { l.log = log } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// Ledger owns sessions, earnings and credit balances.
type Ledger struct {
	repo          Repository
	conversations ConversationEnsurer
	processor     Processor
	policy        AccessPolicy
	cfg           Config
	log           *zap.Logger
	now           func() time.Time
}

// New creates a Ledger.
func New(repo Repository, conversations ConversationEnsurer, opts ...Option) *Ledger {
	l := &Ledger{
		repo:          repo,
		conversations: conversations,
		cfg:           DefaultConfig(),
		log:           zap.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cfg.SweepBatch <= 0 {
		l.cfg.SweepBatch = 100
	}
	return l
}

// Config returns the active configuration.
func (l *Ledger) Config() Config {
	return l.cfg
}

// NewPaymentReference returns CH-<unix ms>-<6 upper-case characters>.
func NewPaymentReference(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))[:6]
	return "CH-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + suffix
}

func (l *Ledger) requireProcessor() error {
	if l.processor == nil {
		return errors.New("payment processor is not configured")
	}
	return nil
}
