package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amazinernest/counsellhelp/internal/adapter/checkout"
	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/policy"
)

// CreditPackage is a purchasable bundle of credits. Price is in kobo.
type CreditPackage struct {
	Credits int64 `json:"credits"`
	Price   int64 `json:"price"`
	Popular bool  `json:"popular,omitempty"`
}

var creditPackages = []CreditPackage{
	{Credits: 500, Price: 100000},
	{Credits: 1000, Price: 180000, Popular: true},
	{Credits: 2500, Price: 400000},
}

// CreditPackages lists the packages on sale.
func CreditPackages() []CreditPackage {
	out := make([]CreditPackage, len(creditPackages))
	copy(out, creditPackages)
	return out
}

// PackageFor returns the package selling exactly credits.
func PackageFor(credits int64) (CreditPackage, bool) {
	for _, p := range creditPackages {
		if p.Credits == credits {
			return p, true
		}
	}
	return CreditPackage{}, false
}

// CreditCheckout is a started credit purchase.
type CreditCheckout struct {
	Reference string        `json:"reference"`
	URL       string        `json:"url"`
	Package   CreditPackage `json:"package"`
}

// StartCreditPurchase picks the package and returns the checkout link and reference.
func (l *Ledger) StartCreditPurchase(ctx context.Context, userID, email string, credits int64) (*CreditCheckout, error) {
	if err := l.requireProcessor(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, domain.ErrNotSignedIn
	}
	pkg, ok := PackageFor(credits)
	if !ok {
		return nil, fmt.Errorf("%w: no package of %d credits", domain.ErrInvalidAmount, credits)
	}
	ref := NewPaymentReference(l.now())
	link, err := l.processor.Initialize(ctx, email, pkg.Price, ref, checkout.Metadata{
		Kind:    checkout.KindCredits,
		UserID:  userID,
		Credits: pkg.Credits,
	})
	if err != nil {
		return nil, err
	}
	return &CreditCheckout{Reference: ref, URL: link, Package: pkg}, nil
}

// PurchaseCredits adds credits once per payment reference and returns the balance.
// Repeating a reference returns the current balance unchanged.
func (l *Ledger) PurchaseCredits(ctx context.Context, userID string, credits, priceAmount int64, reference string) (int64, error) {
	return l.applyPurchase(ctx, userID, credits, priceAmount, reference, "")
}

func (l *Ledger) applyPurchase(ctx context.Context, userID string, credits, priceAmount int64, reference, processorReference string) (int64, error) {
	if userID == "" {
		return 0, domain.ErrNotSignedIn
	}
	if credits <= 0 || priceAmount < 0 {
		return 0, fmt.Errorf("%w: credits %d price %d", domain.ErrInvalidAmount, credits, priceAmount)
	}
	if reference == "" {
		return 0, errors.New("payment reference is required")
	}

	balance, applied, err := l.repo.ApplyCreditTransaction(ctx, &domain.CreditTransaction{
		ID:                 uuid.New().String(),
		UserID:             userID,
		Amount:             credits,
		Type:               domain.CreditTransactionPurchase,
		Description:        fmt.Sprintf("Purchased %d credits", credits),
		PaymentReference:   reference,
		ProcessorReference: processorReference,
		PriceAmount:        priceAmount,
		CreatedAt:          l.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to apply credit purchase: %w", err)
	}
	if applied {
		l.log.Info("credits purchased",
			zap.String("user_id", userID),
			zap.Int64("credits", credits),
			zap.String("reference", reference),
			zap.Int64("balance", balance))
	} else {
		l.log.Info("credit purchase already applied", zap.String("reference", reference))
	}
	return balance, nil
}

// ConfirmCreditPurchase applies a settled processor charge. The charge must carry
// credit metadata and cost exactly the package price.
func (l *Ledger) ConfirmCreditPurchase(ctx context.Context, tx *checkout.Transaction) (int64, error) {
	if !tx.Succeeded() {
		return 0, fmt.Errorf("%w: reference %s", ErrPaymentIncomplete, tx.Reference)
	}
	meta := tx.Metadata
	if meta.Kind != checkout.KindCredits || meta.UserID == "" {
		return 0, fmt.Errorf("charge %s is not a credit purchase", tx.Reference)
	}
	pkg, ok := PackageFor(meta.Credits)
	if !ok || pkg.Price != tx.Amount {
		return 0, fmt.Errorf("%w: %d credits charged %d", domain.ErrInvalidAmount, meta.Credits, tx.Amount)
	}
	return l.applyPurchase(ctx, meta.UserID, pkg.Credits, tx.Amount, tx.Reference, tx.ProcessorReference())
}

// VerifyCreditPurchase looks the reference up with the processor before applying it.
// The purchase must belong to userID.
func (l *Ledger) VerifyCreditPurchase(ctx context.Context, userID, reference string) (int64, error) {
	if userID == "" {
		return 0, domain.ErrNotSignedIn
	}
	if err := l.requireProcessor(); err != nil {
		return 0, err
	}
	tx, err := l.processor.Verify(ctx, reference)
	if err != nil {
		return 0, err
	}
	if tx.Metadata.UserID != userID {
		return 0, fmt.Errorf("credit purchase %s: %w", reference, domain.ErrNotParticipant)
	}
	return l.ConfirmCreditPurchase(ctx, tx)
}

// SpendCredits deducts credits once per reference. The balance never goes below zero.
func (l *Ledger) SpendCredits(ctx context.Context, userID string, credits int64, reference string) (int64, error) {
	if userID == "" {
		return 0, domain.ErrNotSignedIn
	}
	if credits <= 0 {
		return 0, fmt.Errorf("%w: credits %d", domain.ErrInvalidAmount, credits)
	}
	if reference == "" {
		return 0, errors.New("usage reference is required")
	}
	balance, _, err := l.repo.ApplyCreditTransaction(ctx, &domain.CreditTransaction{
		ID:               uuid.New().String(),
		UserID:           userID,
		Amount:           -credits,
		Type:             domain.CreditTransactionUsage,
		Description:      fmt.Sprintf("Used %d credits", credits),
		PaymentReference: reference,
		CreatedAt:        l.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to spend credits: %w", err)
	}
	return balance, nil
}

// Balance returns the user's credit balance; unknown users have zero.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	p, err := l.repo.GetProfile(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to get profile: %w", err)
	}
	if p == nil {
		return 0, nil
	}
	return p.Credits, nil
}

// Access is the chat gate outcome for a client/counselor pair.
type Access struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason"`
	SessionID string `json:"session_id,omitempty"`
	Credits   int64  `json:"credits"`
}

// CheckChatAccess evaluates the access policy for a client chatting with a counselor.
func (l *Ledger) CheckChatAccess(ctx context.Context, clientID, counselorID string) (*Access, error) {
	if l.policy == nil {
		return nil, errors.New("access policy is not configured")
	}
	paid, err := l.repo.FindPaidSession(ctx, clientID, counselorID)
	if err != nil {
		return nil, fmt.Errorf("failed to find paid session: %w", err)
	}
	credits, err := l.Balance(ctx, clientID)
	if err != nil {
		return nil, err
	}

	decision, err := l.policy.Evaluate(ctx, policy.Input{
		ClientID:    clientID,
		CounselorID: counselorID,
		PaidSession: paid != nil,
		Credits:     credits,
		MinCredits:  l.cfg.MinChatCredits,
	})
	if err != nil {
		return nil, err
	}

	access := &Access{Allowed: decision.Allow, Reason: decision.Reason, Credits: credits}
	if paid != nil {
		access.SessionID = paid.ID
	}
	return access, nil
}
