/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the wallet service. Ledger mutations are exposed
 * as thin wrappers over the database procedures so that balance changes stay atomic
 * server-side; the application never reads-then-writes a balance itself.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zidewell/zidwell-team-sub003/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User methods
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	GetUserSecurityCredential(ctx context.Context, userID uuid.UUID) (*domain.UserSecurityCredential, error)
	RecordFailedTransactionPINAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutDurationSeconds int) (*domain.UserSecurityCredential, error)
	ResetTransactionPINFailureState(ctx context.Context, userID uuid.UUID) error
	ListWalletAccounts(ctx context.Context, limit int, offset int) ([]domain.WalletAccount, error)

	// Ledger procedures
	Deduct(ctx context.Context, params domain.DeductParams) (domain.DeductResult, error)
	Credit(ctx context.Context, params domain.CreditParams) (uuid.UUID, error)
	AwardCashback(ctx context.Context, userID uuid.UUID, transactionID uuid.UUID, transactionType string, amount int64) (domain.CashbackResult, error)

	// Transaction methods
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	ListTransactionsByUserID(ctx context.Context, userID uuid.UUID, opts domain.TransactionListOptions) ([]domain.Transaction, error)
	UpdateTransactionOutcome(ctx context.Context, transactionID uuid.UUID, outcome UpdateTransactionOutcomeParams) error
	UpdateTransactionStage(ctx context.Context, transactionID uuid.UUID, stage string, failureReason *string) error
	CompensateTransaction(ctx context.Context, transactionID uuid.UUID, reason string) (*domain.Transaction, error)

	// Refund reconciliation methods
	ListRefundPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
	ResolveRefundPending(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	RecordRefundAttemptFailure(ctx context.Context, transactionID uuid.UUID, reason string) error
	ListStalePendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
	ResolveStalePending(ctx context.Context, transactionID uuid.UUID, olderThan time.Time) (*domain.Transaction, error)
}

// UpdateTransactionOutcomeParams moves a pending transaction into a terminal status.
type UpdateTransactionOutcomeParams struct {
	Status            string
	Stage             string
	FailureReason     *string
	ProviderReference *string
}
