package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zidewell/zidwell-team-sub003/internal/domain"
	"github.com/zidewell/zidwell-team-sub003/internal/store"
	"github.com/zidewell/zidwell-team-sub003/pkg/rabbitmq"
)

const FundingReceivedRoutingKey = "wallet.funding.received"

// FundingConsumer credits wallets from gateway funding events.
type FundingConsumer struct {
	service *Service
	logger  *zap.Logger
}

func (s *Service) FundingConsumer() *FundingConsumer {
	return &FundingConsumer{
		service: s,
		logger:  s.logger.With(zap.String("component", "funding_consumer")),
	}
}

// HandleMessage credits the wallet named in a funding event. Already-applied references are
// acked. Payloads that can never be credited are rejected with rabbitmq.ErrPermanent and
// transient failures are returned as-is so the delivery is retried.
func (c *FundingConsumer) HandleMessage(ctx context.Context, d rabbitmq.Delivery) error {
	log := c.logger.With(zap.String("message_id", d.MessageID), zap.Bool("redelivered", d.Redelivered))

	var event domain.WalletFundingEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		return fmt.Errorf("%w: decode funding event: %v", rabbitmq.ErrPermanent, err)
	}

	reference := strings.TrimSpace(event.Reference)
	if event.UserID == uuid.Nil || event.Amount <= 0 || reference == "" {
		log.Warn("invalid funding event",
			zap.String("user_id", event.UserID.String()),
			zap.Int64("amount", event.Amount),
			zap.String("reference", reference),
		)
		return fmt.Errorf("%w: invalid funding event %q", rabbitmq.ErrPermanent, reference)
	}

	description := "Wallet funding"
	if channel := strings.TrimSpace(event.Channel); channel != "" {
		description = "Wallet funding via " + channel
	}
	_, err := c.service.credit(ctx, domain.CreditParams{
		UserID:      event.UserID,
		Amount:      event.Amount,
		Type:        domain.TransactionTypeCredit,
		Reference:   reference,
		Description: description,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrDuplicateReference):
		log.Info("funding event already applied", zap.String("reference", reference))
		return nil
	case errors.Is(err, store.ErrUserNotFound):
		return fmt.Errorf("%w: funding event %q for unknown user %s", rabbitmq.ErrPermanent, reference, event.UserID)
	default:
		return fmt.Errorf("credit funding event %q: %w", reference, err)
	}
}
