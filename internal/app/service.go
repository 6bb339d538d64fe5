/**
 * @description
 * This file contains the core business logic for the wallet service. The `Service`
 * struct wires the repository, the billing provider, the user cache, the notifier and
 * the message broker together and exposes the use cases called by the HTTP layer,
 * the refund reconciler and the funding consumer.
 *
 * Key features:
 * - Airtime and cable TV purchases run through one debit-then-call pipeline (pipeline.go).
 * - Wallet credits and admin debits go through the same ledger procedures.
 * - Read endpoints for balances and transaction history.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID handling.
 * - go.uber.org/zap: Structured logging.
 * - internal/cache, internal/domain, internal/store: Cache, models and data access.
 * - pkg/billingclient, pkg/rabbitmq: External provider and event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zidewell/zidwell-team-sub003/internal/cache"
	"github.com/zidewell/zidwell-team-sub003/internal/domain"
	"github.com/zidewell/zidwell-team-sub003/internal/store"
	"github.com/zidewell/zidwell-team-sub003/pkg/billingclient"
	"github.com/zidewell/zidwell-team-sub003/pkg/rabbitmq"
)

const (
	DefaultMinPurchaseAmount   = 10000 // 100 NGN in kobo
	DefaultPINMaxAttempts      = 5
	DefaultPINLockout          = 15 * time.Minute
	DefaultEventsExchange      = "zidwell.events"
	defaultTransactionPageSize = 20
	maxTransactionPageSize     = 100
)

// BillingProvider is the subset of the billing client used by the service.
type BillingProvider interface {
	TopUpAirtime(ctx context.Context, req billingclient.AirtimeRequest) (*billingclient.PurchaseResponse, error)
	PurchaseCableTV(ctx context.Context, req billingclient.CableRequest) (*billingclient.PurchaseResponse, error)
	GetAccountBalance(ctx context.Context, accountRef string) (*billingclient.BalanceResponse, error)
}

// Config carries the tunables of the service.
type Config struct {
	MinPurchaseAmount     int64 // in kobo
	PINMaxAttempts        int
	PINLockout            time.Duration
	EventsExchange        string
	SideEffectTimeout     time.Duration
	ProviderCallTimeout   time.Duration
	RefundPendingMinAge   time.Duration
	StalePendingAge       time.Duration // pending rows older than this lost their terminal write
	RefundReconcilerBatch int
}

func (c Config) withDefaults() Config {
	if c.MinPurchaseAmount <= 0 {
		c.MinPurchaseAmount = DefaultMinPurchaseAmount
	}
	if c.PINMaxAttempts <= 0 {
		c.PINMaxAttempts = DefaultPINMaxAttempts
	}
	if c.PINLockout <= 0 {
		c.PINLockout = DefaultPINLockout
	}
	if strings.TrimSpace(c.EventsExchange) == "" {
		c.EventsExchange = DefaultEventsExchange
	}
	if c.SideEffectTimeout <= 0 {
		c.SideEffectTimeout = 15 * time.Second
	}
	if c.ProviderCallTimeout <= 0 {
		c.ProviderCallTimeout = 30 * time.Second
	}
	if c.RefundPendingMinAge <= 0 {
		c.RefundPendingMinAge = time.Minute
	}
	if c.StalePendingAge <= 0 {
		c.StalePendingAge = 10 * time.Minute
	}
	if c.RefundReconcilerBatch <= 0 {
		c.RefundReconcilerBatch = 100
	}
	return c
}

// Service provides the core business logic for wallet payments.
type Service struct {
	repo     store.Repository
	billing  BillingProvider
	events   rabbitmq.Publisher
	users    cache.UserCache
	notifier Notifier
	limiter  PurchaseRateLimiter
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time

	outcomeRetryDelay time.Duration
}

// NewService creates a new wallet service instance. A nil publisher falls back to a no-op.
func NewService(repo store.Repository, billing BillingProvider, producer rabbitmq.Publisher, logger *zap.Logger, cfg Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	return &Service{
		repo:     repo,
		billing:  billing,
		events:   producer,
		users:    cache.NewMemoryUserCache(cache.DefaultUserTTL),
		notifier: noopNotifier{},
		logger:   logger.With(zap.String("component", "wallet_service")),
		cfg:      cfg.withDefaults(),
		now:      time.Now,

		outcomeRetryDelay: 200 * time.Millisecond,
	}
}

func (s *Service) SetUserCache(users cache.UserCache) {
	if users != nil {
		s.users = users
	}
}

func (s *Service) SetNotifier(notifier Notifier) {
	if notifier != nil {
		s.notifier = notifier
	}
}

func (s *Service) SetPurchaseRateLimiter(limiter PurchaseRateLimiter) {
	s.limiter = limiter
}

// BuyAirtime debits the wallet and tops up the given phone number.
func (s *Service) BuyAirtime(ctx context.Context, userID uuid.UUID, req domain.BuyAirtimeRequest) (*PipelineResult, error) {
	phone := strings.TrimSpace(req.PhoneNumber)
	network := strings.ToLower(strings.TrimSpace(req.Network))
	if phone == "" || network == "" {
		return nil, validationError("phoneNumber and network are required")
	}
	amount, err := toKobo(req.Amount)
	if err != nil {
		return nil, err
	}
	reference := strings.TrimSpace(req.MerchantTxRef)

	return s.runPipeline(ctx, PipelineRequest{
		UserID:      userID,
		Type:        domain.TransactionTypeAirtime,
		Amount:      amount,
		Reference:   reference,
		Description: fmt.Sprintf("%s airtime for %s", strings.ToUpper(network), phone),
		PIN:         req.PIN,
		RequirePIN:  true,
		MinAmount:   s.cfg.MinPurchaseAmount,
		Call: func(ctx context.Context) (*ProviderOutcome, error) {
			resp, err := s.billing.TopUpAirtime(ctx, billingclient.AirtimeRequest{
				Amount:        amount,
				PhoneNumber:   phone,
				Network:       network,
				MerchantTxRef: reference,
			})
			if err != nil {
				return nil, err
			}
			return &ProviderOutcome{Reference: resp.Data.TransactionID, Response: resp}, nil
		},
	})
}

// BuyCableTV debits the wallet and pays for a cable TV package.
func (s *Service) BuyCableTV(ctx context.Context, userID uuid.UUID, req domain.BuyCableRequest) (*PipelineResult, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	packageCode := strings.TrimSpace(req.PackageCode)
	if customerID == "" || provider == "" || packageCode == "" {
		return nil, validationError("customerId, provider and packageCode are required")
	}
	amount, err := toKobo(req.Amount)
	if err != nil {
		return nil, err
	}
	reference := strings.TrimSpace(req.MerchantTxRef)

	return s.runPipeline(ctx, PipelineRequest{
		UserID:      userID,
		Type:        domain.TransactionTypeCable,
		Amount:      amount,
		Reference:   reference,
		Description: fmt.Sprintf("%s %s subscription for %s", strings.ToUpper(provider), packageCode, customerID),
		PIN:         req.PIN,
		RequirePIN:  true,
		MinAmount:   s.cfg.MinPurchaseAmount,
		Call: func(ctx context.Context) (*ProviderOutcome, error) {
			resp, err := s.billing.PurchaseCableTV(ctx, billingclient.CableRequest{
				Amount:        amount,
				CustomerID:    customerID,
				Provider:      provider,
				PackageCode:   packageCode,
				MerchantTxRef: reference,
			})
			if err != nil {
				return nil, err
			}
			return &ProviderOutcome{Reference: resp.Data.TransactionID, Response: resp}, nil
		},
	})
}

// DebitWallet removes funds without a provider step. Used for manual adjustments.
func (s *Service) DebitWallet(ctx context.Context, req domain.WalletAdjustmentRequest) (*PipelineResult, error) {
	userID, amount, reference, err := s.parseAdjustment(req)
	if err != nil {
		return nil, err
	}
	return s.runPipeline(ctx, PipelineRequest{
		UserID:      userID,
		Type:        domain.TransactionTypeDebit,
		Amount:      amount,
		Reference:   reference,
		Description: adjustmentDescription(req.Description, "Wallet debit"),
		MinAmount:   1,
	})
}

// CreditWallet adds funds through the credit procedure. Credits are idempotent by reference.
func (s *Service) CreditWallet(ctx context.Context, req domain.WalletAdjustmentRequest) (*domain.Transaction, error) {
	userID, amount, reference, err := s.parseAdjustment(req)
	if err != nil {
		return nil, err
	}
	return s.credit(ctx, domain.CreditParams{
		UserID:      userID,
		Amount:      amount,
		Type:        domain.TransactionTypeCredit,
		Reference:   reference,
		Description: adjustmentDescription(req.Description, "Wallet credit"),
	})
}

func (s *Service) credit(ctx context.Context, params domain.CreditParams) (*domain.Transaction, error) {
	txID, err := s.repo.Credit(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("credit wallet: %w", err)
	}
	s.users.Invalidate(ctx, params.UserID)

	tx, err := s.repo.FindTransactionByID(ctx, txID)
	if err != nil {
		s.logger.Warn("credited transaction reload failed",
			zap.String("transaction_id", txID.String()),
			zap.Error(err),
		)
		now := s.now()
		tx = &domain.Transaction{
			ID:          txID,
			UserID:      params.UserID,
			Type:        params.Type,
			Amount:      params.Amount,
			Reference:   params.Reference,
			Status:      domain.TransactionStatusSuccess,
			Stage:       domain.StageSettled,
			Description: params.Description,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	s.logger.Info("wallet credited",
		zap.String("outcome", "success"),
		zap.String("user_id", params.UserID.String()),
		zap.String("reference", params.Reference),
		zap.Int64("amount", params.Amount),
	)
	s.publishStatus(ctx, tx, "")
	return tx, nil
}

func (s *Service) parseAdjustment(req domain.WalletAdjustmentRequest) (uuid.UUID, int64, string, error) {
	userID, err := uuid.Parse(strings.TrimSpace(req.UserID))
	if err != nil {
		return uuid.Nil, 0, "", validationError("userId must be a valid uuid")
	}
	amount, err := toKobo(req.Amount)
	if err != nil {
		return uuid.Nil, 0, "", err
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = "ADJ-" + ulid.Make().String()
	}
	return userID, amount, reference, nil
}

func toKobo(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, validationError("amount must be greater than zero")
	}
	kobo, err := domain.NairaToKobo(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return kobo, nil
}

func adjustmentDescription(description, fallback string) string {
	if trimmed := strings.TrimSpace(description); trimmed != "" {
		return trimmed
	}
	return fallback
}

// GetWalletBalance reads the current balance directly from the database.
func (s *Service) GetWalletBalance(ctx context.Context, userID uuid.UUID) (*domain.WalletBalance, error) {
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.users.Set(ctx, user)
	return &domain.WalletBalance{
		WalletBalance:  user.WalletBalance,
		ZidcoinBalance: user.ZidcoinBalance,
	}, nil
}

// ListTransactions returns the user's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultTransactionPageSize
	}
	if opts.Limit > maxTransactionPageSize {
		opts.Limit = maxTransactionPageSize
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return s.repo.ListTransactionsByUserID(ctx, userID, opts)
}

// GetTransaction returns one transaction owned by the user.
func (s *Service) GetTransaction(ctx context.Context, userID, transactionID uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, ErrForbidden
	}
	return tx, nil
}

// loadUser reads a profile through the cache. Balances on the returned user are informational only.
func (s *Service) loadUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	if user, ok := s.users.Get(ctx, userID); ok {
		return user, nil
	}
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	s.users.Set(ctx, user)
	return user, nil
}

// detached returns a bounded context that survives cancellation of the request context.
func (s *Service) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SideEffectTimeout)
}
