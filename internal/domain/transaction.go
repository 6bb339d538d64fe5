/**
 * @description
 * This file defines the core domain models for the wallet transaction service.
 * These structs represent the users, ledger transactions and request DTOs used by
 * the bill-payment pipeline, the repository layer and the HTTP API.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (kobo). The HTTP
 *   API accepts naira values and converts them with `NairaToKobo`.
 * - A transaction's `Status` is the source of truth for reconciliation; `Stage`
 *   records how far the payment saga got so that stuck refunds can be re-driven.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction types.
const (
	TransactionTypeAirtime = "airtime"
	TransactionTypeCable   = "cable"
	TransactionTypeCredit  = "credit"
	TransactionTypeDebit   = "debit"
)

// Transaction statuses. Every status except pending is terminal for the pipeline. Failed marks a
// purchase whose provider outcome is unknown and needs manual review.
const (
	TransactionStatusPending        = "pending"
	TransactionStatusSuccess        = "success"
	TransactionStatusFailed         = "failed"
	TransactionStatusFailedRefunded = "failed_refunded"
	TransactionStatusRefundPending  = "refund_pending"
)

// Saga stages persisted next to the status.
const (
	StageDeducted          = "deducted"
	StageProviderSucceeded = "provider_succeeded"
	StageProviderFailed    = "provider_failed"
	StageRefunded          = "refunded"
	StageRefundFailed      = "refund_failed"
	StageSettled           = "settled"
)

// Refund outcomes reported to clients when a purchase fails after deduction.
const (
	RefundStatusRefunded = "refunded"
	RefundStatusPending  = "refund_pending"
)

// IsTerminalStatus reports whether a transaction status ends the pipeline.
func IsTerminalStatus(status string) bool {
	switch status {
	case TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusFailedRefunded, TransactionStatusRefundPending:
		return true
	default:
		return false
	}
}

// User is the wallet owner as seen by this service. This struct maps to the `users` table.
type User struct {
	ID                uuid.UUID `json:"id"`
	Email             string    `json:"email"`
	FirstName         string    `json:"firstName"`
	WalletBalance     int64     `json:"walletBalance"`  // in kobo
	ZidcoinBalance    int64     `json:"zidcoinBalance"` // reward units, not spendable
	GatewayAccountRef *string   `json:"gatewayAccountRef,omitempty"`
}

// UserSecurityCredential stores the transaction PIN hash and lockout metadata for a user.
// It is always read fresh from the database and never cached.
type UserSecurityCredential struct {
	UserID             uuid.UUID  `json:"userId"`
	TransactionPINHash string     `json:"-"`
	FailedAttempts     int        `json:"failedAttempts"`
	LockedUntil        *time.Time `json:"lockedUntil,omitempty"`
}

// Transaction represents one ledger movement. It maps directly to the `transactions` table.
type Transaction struct {
	ID                uuid.UUID `json:"id"`
	UserID            uuid.UUID `json:"userId"`
	Type              string    `json:"type"`
	Amount            int64     `json:"amount"` // in kobo
	Reference         string    `json:"reference"`
	Status            string    `json:"status"`
	Stage             string    `json:"stage"`
	Description       string    `json:"description"`
	FailureReason     *string   `json:"failureReason,omitempty"`
	ProviderReference *string   `json:"providerReference,omitempty"`
	RefundAttempts    int       `json:"refundAttempts"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// BuyAirtimeRequest is the DTO for `POST /api/buy-airtime`.
type BuyAirtimeRequest struct {
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"` // in naira
	PhoneNumber   string          `json:"phoneNumber"`
	Network       string          `json:"network"`
	PIN           string          `json:"pin"`
	MerchantTxRef string          `json:"merchantTxRef"`
}

// BuyCableRequest is the DTO for `POST /api/buy-cable-tv`.
type BuyCableRequest struct {
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"` // in naira
	CustomerID    string          `json:"customerId"`
	Provider      string          `json:"provider"` // e.g. dstv, gotv, startimes
	PackageCode   string          `json:"packageCode"`
	PIN           string          `json:"pin"`
	MerchantTxRef string          `json:"merchantTxRef"`
}

// WalletAdjustmentRequest is the DTO for admin wallet credit and debit requests.
type WalletAdjustmentRequest struct {
	UserID      string          `json:"userId"`
	Amount      decimal.Decimal `json:"amount"` // in naira
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
}

// WalletBalance is the read model returned by the balance endpoint.
type WalletBalance struct {
	WalletBalance  int64 `json:"walletBalance"`  // in kobo
	ZidcoinBalance int64 `json:"zidcoinBalance"` // reward units
}

// TransactionListOptions controls pagination of a user's transaction history.
type TransactionListOptions struct {
	Limit  int
	Offset int
}
