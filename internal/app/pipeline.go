package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zidewell/zidwell-team-sub003/internal/domain"
	"github.com/zidewell/zidwell-team-sub003/internal/metrics"
	"github.com/zidewell/zidwell-team-sub003/internal/store"
	"github.com/zidewell/zidwell-team-sub003/pkg/billingclient"
)

// ProviderCall performs the external purchase after the wallet has been debited.
type ProviderCall func(ctx context.Context) (*ProviderOutcome, error)

// ProviderOutcome is what a successful provider call reports back.
type ProviderOutcome struct {
	Reference string
	Response  interface{}
}

// PipelineRequest describes one debit-then-call run.
type PipelineRequest struct {
	UserID      uuid.UUID
	Type        string
	Amount      int64 // in kobo
	Reference   string
	Description string
	PIN         string
	RequirePIN  bool
	MinAmount   int64
	// Call is nil for plain debits; the transaction settles right after the deduction.
	Call ProviderCall
}

// PipelineResult is returned for every run that reached a terminal status.
type PipelineResult struct {
	Transaction      *domain.Transaction    `json:"transaction"`
	RefundStatus     string                 `json:"refundStatus,omitempty"`
	ProviderResponse interface{}            `json:"providerResponse,omitempty"`
	Cashback         *domain.CashbackResult `json:"cashback,omitempty"`
}

// runPipeline validates, authorizes, debits, calls the provider and either settles or
// compensates. Once the deduction succeeds the transaction never stays pending.
func (s *Service) runPipeline(ctx context.Context, req PipelineRequest) (*PipelineResult, error) {
	log := s.logger.With(
		zap.String("user_id", req.UserID.String()),
		zap.String("type", req.Type),
		zap.String("reference", req.Reference),
	)

	if err := validatePipelineRequest(req); err != nil {
		metrics.PipelineOutcomes.WithLabelValues(req.Type, "rejected").Inc()
		return nil, err
	}

	user, err := s.loadUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	if req.RequirePIN {
		if err := s.VerifyTransactionPIN(ctx, req.UserID, req.PIN); err != nil {
			metrics.PipelineOutcomes.WithLabelValues(req.Type, "pin_rejected").Inc()
			return nil, err
		}
	}

	if err := s.checkPurchaseRateLimit(ctx, req); err != nil {
		return nil, err
	}

	deduction, err := s.repo.Deduct(ctx, domain.DeductParams{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Type:        req.Type,
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		log.Error("wallet deduction failed", zap.String("stage", "deducting"), zap.Error(err))
		metrics.PipelineOutcomes.WithLabelValues(req.Type, "error").Inc()
		return nil, fmt.Errorf("deduct wallet: %w", err)
	}
	switch deduction.Status {
	case domain.DeductStatusOK:
	case domain.DeductStatusInsufficientFunds:
		log.Info("wallet deduction rejected", zap.String("outcome", "reject"), zap.String("reason", "insufficient_funds"))
		metrics.PipelineOutcomes.WithLabelValues(req.Type, "insufficient_funds").Inc()
		return nil, store.ErrInsufficientFunds
	case domain.DeductStatusDuplicateReference:
		log.Info("wallet deduction rejected", zap.String("outcome", "reject"), zap.String("reason", "duplicate_reference"))
		metrics.PipelineOutcomes.WithLabelValues(req.Type, "duplicate").Inc()
		return nil, s.duplicateReference(ctx, log, req)
	default:
		metrics.PipelineOutcomes.WithLabelValues(req.Type, "error").Inc()
		return nil, fmt.Errorf("deduct wallet: unexpected status %q", deduction.Status)
	}
	s.users.Invalidate(ctx, req.UserID)

	now := s.now()
	tx := &domain.Transaction{
		ID:          deduction.TxID,
		UserID:      req.UserID,
		Type:        req.Type,
		Amount:      req.Amount,
		Reference:   req.Reference,
		Status:      domain.TransactionStatusPending,
		Stage:       domain.StageDeducted,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	log = log.With(zap.String("transaction_id", tx.ID.String()))

	if req.Call == nil {
		return s.settle(ctx, log, user, tx, nil, domain.StageSettled), nil
	}

	// The provider call outlives the request: a client hanging up must not turn a delivered
	// purchase into a refund.
	callCtx, cancelCall := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ProviderCallTimeout)
	started := time.Now()
	outcome, callErr := req.Call(callCtx)
	cancelCall()
	metrics.ProviderCallDuration.WithLabelValues(req.Type).Observe(time.Since(started).Seconds())
	if callErr != nil {
		return s.compensate(ctx, log, user, tx, callErr)
	}
	return s.settle(ctx, log, user, tx, outcome, domain.StageProviderSucceeded), nil
}

func validatePipelineRequest(req PipelineRequest) error {
	if req.UserID == uuid.Nil {
		return validationError("userId is required")
	}
	if strings.TrimSpace(req.Reference) == "" {
		return validationError("merchantTxRef is required")
	}
	if req.RequirePIN && strings.TrimSpace(req.PIN) == "" {
		return validationError("pin is required")
	}
	if req.Amount <= 0 {
		return validationError("amount must be greater than zero")
	}
	if req.Amount < req.MinAmount {
		return validationError("amount must be at least %s NGN", domain.KoboToNaira(req.MinAmount).StringFixed(2))
	}
	return nil
}

func (s *Service) checkPurchaseRateLimit(ctx context.Context, req PipelineRequest) error {
	if s.limiter == nil || req.Call == nil {
		return nil
	}
	decision, err := s.limiter.AllowPurchase(ctx, req.UserID)
	if err != nil {
		s.logger.Warn("purchase rate limiter unavailable; allowing request",
			zap.String("user_id", req.UserID.String()),
			zap.Error(err),
		)
		return nil
	}
	if !decision.Allowed {
		metrics.RateLimitExceeded.WithLabelValues(req.Type).Inc()
		metrics.PipelineOutcomes.WithLabelValues(req.Type, "rate_limited").Inc()
		return &RateLimitError{RetryAfterSeconds: decision.RetryAfterSeconds()}
	}
	return nil
}

func (s *Service) settle(ctx context.Context, log *zap.Logger, user *domain.User, tx *domain.Transaction, outcome *ProviderOutcome, stage string) *PipelineResult {
	sideCtx, cancel := s.detached(ctx)
	defer cancel()

	var providerRef *string
	var providerResponse interface{}
	if outcome != nil {
		providerResponse = outcome.Response
		if outcome.Reference != "" {
			ref := outcome.Reference
			providerRef = &ref
		}
	}

	tx.Status = domain.TransactionStatusSuccess
	tx.Stage = stage
	tx.ProviderReference = providerRef
	tx.UpdatedAt = s.now()
	s.writeOutcome(sideCtx, log, tx.ID, store.UpdateTransactionOutcomeParams{
		Status:            tx.Status,
		Stage:             tx.Stage,
		ProviderReference: providerRef,
	})

	cashback := s.awardCashback(sideCtx, tx)
	log.Info("pipeline completed", zap.String("outcome", "success"), zap.Int64("amount", tx.Amount))
	metrics.PipelineOutcomes.WithLabelValues(tx.Type, tx.Status).Inc()

	s.notifier.Notify(sideCtx, user, Notification{
		Outcome:     OutcomeSuccess,
		Transaction: tx,
		Cashback:    cashback,
	})
	s.publishStatus(sideCtx, tx, "")

	return &PipelineResult{
		Transaction:      tx,
		ProviderResponse: providerResponse,
		Cashback:         cashback,
	}
}

func (s *Service) compensate(ctx context.Context, log *zap.Logger, user *domain.User, tx *domain.Transaction, cause error) (*PipelineResult, error) {
	sideCtx, cancel := s.detached(ctx)
	defer cancel()

	reason := cause.Error()
	log.Warn("provider call failed; refunding", zap.String("stage", "compensating"), zap.Error(cause))

	// Recorded before the refund so the stale sweep knows this row is safe to refund.
	tx.Stage = domain.StageProviderFailed
	tx.FailureReason = &reason
	if err := s.repo.UpdateTransactionStage(sideCtx, tx.ID, domain.StageProviderFailed, &reason); err != nil {
		log.Error("provider failure stage write failed", zap.Error(err))
	}

	refundStatus := domain.RefundStatusRefunded
	refunded, err := s.repo.CompensateTransaction(sideCtx, tx.ID, reason)
	if err != nil {
		log.Error("refund failed; transaction left refund_pending", zap.Error(err))
		refundStatus = domain.RefundStatusPending
		tx.Status = domain.TransactionStatusRefundPending
		tx.Stage = domain.StageRefundFailed
		tx.UpdatedAt = s.now()
		s.writeOutcome(sideCtx, log, tx.ID, store.UpdateTransactionOutcomeParams{
			Status:        tx.Status,
			Stage:         tx.Stage,
			FailureReason: &reason,
		})
	} else {
		tx = refunded
		s.users.Invalidate(sideCtx, tx.UserID)
	}

	metrics.PipelineOutcomes.WithLabelValues(tx.Type, tx.Status).Inc()
	s.notifier.Notify(sideCtx, user, Notification{
		Outcome:      OutcomeFailed,
		Transaction:  tx,
		RefundStatus: refundStatus,
		Detail:       providerFailureDetail(cause),
	})
	s.publishStatus(sideCtx, tx, refundStatus)

	result := &PipelineResult{Transaction: tx, RefundStatus: refundStatus}
	return result, &PipelineError{Cause: cause, RefundStatus: refundStatus, Transaction: tx}
}

const outcomeWriteAttempts = 3

// writeOutcome retries the terminal status write. A row that still cannot be written stays pending
// and is closed later by the stale pending sweep.
func (s *Service) writeOutcome(ctx context.Context, log *zap.Logger, transactionID uuid.UUID, params store.UpdateTransactionOutcomeParams) {
	var err error
retry:
	for attempt := 1; ; attempt++ {
		err = s.repo.UpdateTransactionOutcome(ctx, transactionID, params)
		// ErrTransactionNotFound means the row already left pending.
		if err == nil || errors.Is(err, store.ErrTransactionNotFound) || attempt == outcomeWriteAttempts {
			break
		}
		select {
		case <-ctx.Done():
			break retry
		case <-time.After(s.outcomeRetryDelay * time.Duration(attempt)):
		}
	}
	if err != nil {
		log.Error("terminal status write failed; left for the stale pending sweep",
			zap.String("status", params.Status),
			zap.Error(err),
		)
	}
}

// duplicateReference reports a reused merchant reference, with the earlier transaction when the
// same user owns it.
func (s *Service) duplicateReference(ctx context.Context, log *zap.Logger, req PipelineRequest) error {
	existing, err := s.repo.FindTransactionByReference(ctx, req.Reference)
	if err != nil {
		if !errors.Is(err, store.ErrTransactionNotFound) {
			log.Warn("duplicate reference lookup failed", zap.Error(err))
		}
		return &DuplicateReferenceError{}
	}
	if existing.UserID != req.UserID {
		return &DuplicateReferenceError{}
	}
	return &DuplicateReferenceError{Transaction: existing}
}

func (s *Service) publishStatus(ctx context.Context, tx *domain.Transaction, refundStatus string) {
	event := domain.TransactionStatusEvent{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Type:          tx.Type,
		Status:        tx.Status,
		Amount:        tx.Amount,
		Reference:     tx.Reference,
		RefundStatus:  refundStatus,
		Timestamp:     s.now().UTC(),
	}
	routingKey := "transaction.status." + tx.Status
	if err := s.events.Publish(ctx, s.cfg.EventsExchange, routingKey, event); err != nil {
		s.logger.Warn("transaction status event publish failed",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
	}
}

func providerFailureDetail(err error) string {
	var providerErr *billingclient.ProviderError
	if errors.As(err, &providerErr) && providerErr.Message != "" {
		return providerErr.Message
	}
	return err.Error()
}
