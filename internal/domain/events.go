package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionStatusEvent is published to RabbitMQ whenever a transaction reaches a terminal status.
type TransactionStatusEvent struct {
	TransactionID uuid.UUID `json:"transactionId"`
	UserID        uuid.UUID `json:"userId"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Amount        int64     `json:"amount"`
	Reference     string    `json:"reference"`
	RefundStatus  string    `json:"refundStatus,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// WalletFundingEvent is consumed from RabbitMQ when the payment gateway confirms an inbound
// transfer into a user's wallet.
type WalletFundingEvent struct {
	UserID    uuid.UUID `json:"userId"`
	Amount    int64     `json:"amount"` // in kobo
	Reference string    `json:"reference"`
	Channel   string    `json:"channel"`
}
