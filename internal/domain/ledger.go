package domain

import "github.com/google/uuid"

// Results returned by the deduct_wallet_balance procedure.
const (
	DeductStatusOK                 = "OK"
	DeductStatusInsufficientFunds  = "INSUFFICIENT_FUNDS"
	DeductStatusDuplicateReference = "DUPLICATE_REFERENCE"
)

// DeductParams are the arguments of an atomic wallet deduction.
type DeductParams struct {
	UserID      uuid.UUID
	Amount      int64
	Type        string
	Reference   string
	Description string
}

// DeductResult is the outcome of deduct_wallet_balance. TxID is only set when Status is OK.
type DeductResult struct {
	Status string
	TxID   uuid.UUID
}

// CreditParams are the arguments of an atomic wallet credit.
type CreditParams struct {
	UserID      uuid.UUID
	Amount      int64
	Type        string
	Reference   string
	Description string
}

// CashbackResult is the outcome of award_zidcoin_cashback.
type CashbackResult struct {
	Success        bool  `json:"success"`
	ZidcoinsEarned int64 `json:"zidcoinsEarned"`
}

// WalletAccount is a user's wallet together with its payment gateway account reference.
type WalletAccount struct {
	UserID            uuid.UUID
	Email             string
	WalletBalance     int64
	GatewayAccountRef string
}

// BalanceDiscrepancy is a wallet whose balance differs from the gateway-reported balance.
type BalanceDiscrepancy struct {
	UserID         uuid.UUID `json:"userId"`
	Email          string    `json:"email"`
	WalletBalance  int64     `json:"walletBalance"`
	GatewayBalance int64     `json:"gatewayBalance"`
	Difference     int64     `json:"difference"`
}

// ReconcileError records a wallet that could not be compared.
type ReconcileError struct {
	UserID uuid.UUID `json:"userId"`
	Error  string    `json:"error"`
}

// ReconcileReport is the read-only result of a balance reconciliation run.
type ReconcileReport struct {
	Checked       int                  `json:"checked"`
	Discrepancies []BalanceDiscrepancy `json:"discrepancies"`
	Errors        []ReconcileError     `json:"errors"`
}
