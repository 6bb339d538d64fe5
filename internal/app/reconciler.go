/**
 * @description
 * Refund reconciliation. Purchases whose compensating refund failed are left in
 * `refund_pending` with stage `refund_failed`; the reconciler re-drives them on a
 * cron schedule until the refund lands. The same pass closes transactions left
 * `pending` because their terminal status write was lost, using the saga stage.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Job scheduling.
 * - go.uber.org/zap: Structured logging.
 */
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zidewell/zidwell-team-sub003/internal/domain"
	"github.com/zidewell/zidwell-team-sub003/internal/metrics"
	"github.com/zidewell/zidwell-team-sub003/internal/store"
)

// RefundRunSummary reports one pass over refund_pending transactions.
type RefundRunSummary struct {
	Processed int `json:"processed"`
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
	Escalated int `json:"escalated"`
}

// ResolveRefund refunds one refund_pending transaction and marks it failed_refunded. A failed
// attempt is counted on the transaction, which stays refund_pending. Transactions escalated as
// failed are refunded the same way once an operator has confirmed the provider did not deliver.
func (s *Service) ResolveRefund(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.repo.ResolveRefundPending(ctx, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrRefundNotPending) || errors.Is(err, store.ErrTransactionNotFound) {
			return nil, err
		}
		if recordErr := s.repo.RecordRefundAttemptFailure(ctx, transactionID, err.Error()); recordErr != nil {
			s.logger.Error("refund attempt failure record failed",
				zap.String("transaction_id", transactionID.String()),
				zap.Error(recordErr),
			)
		}
		metrics.RefundsResolved.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("resolve refund: %w", err)
	}

	metrics.RefundsResolved.WithLabelValues("resolved").Inc()
	s.users.Invalidate(ctx, tx.UserID)
	s.logger.Info("refund_pending transaction resolved",
		zap.String("outcome", "refunded"),
		zap.String("transaction_id", tx.ID.String()),
		zap.Int("refund_attempts", tx.RefundAttempts),
	)

	if user, err := s.loadUser(ctx, tx.UserID); err == nil {
		s.notifier.Notify(ctx, user, Notification{
			Outcome:      OutcomeRefundCompleted,
			Transaction:  tx,
			RefundStatus: domain.RefundStatusRefunded,
		})
	}
	s.publishStatus(ctx, tx, domain.RefundStatusRefunded)
	return tx, nil
}

// ResolveRefundPending re-drives a batch of refund_pending transactions that have not been
// touched for at least the configured minimum age.
func (s *Service) ResolveRefundPending(ctx context.Context) (RefundRunSummary, error) {
	var summary RefundRunSummary
	olderThan := s.now().Add(-s.cfg.RefundPendingMinAge)
	pending, err := s.repo.ListRefundPendingTransactions(ctx, olderThan, s.cfg.RefundReconcilerBatch)
	if err != nil {
		return summary, fmt.Errorf("list refund_pending transactions: %w", err)
	}

	for _, tx := range pending {
		summary.Processed++
		if _, err := s.ResolveRefund(ctx, tx.ID); err != nil {
			summary.Failed++
			s.logger.Warn("refund retry failed",
				zap.String("transaction_id", tx.ID.String()),
				zap.Int("refund_attempts", tx.RefundAttempts+1),
				zap.Error(err),
			)
			continue
		}
		summary.Resolved++
	}

	if err := s.sweepStalePending(ctx, &summary); err != nil {
		return summary, err
	}
	return summary, nil
}

// sweepStalePending closes pending transactions whose pipeline ended without a terminal write.
func (s *Service) sweepStalePending(ctx context.Context, summary *RefundRunSummary) error {
	olderThan := s.now().Add(-s.cfg.StalePendingAge)
	stale, err := s.repo.ListStalePendingTransactions(ctx, olderThan, s.cfg.RefundReconcilerBatch)
	if err != nil {
		return fmt.Errorf("list stale pending transactions: %w", err)
	}

	for _, pending := range stale {
		log := s.logger.With(
			zap.String("transaction_id", pending.ID.String()),
			zap.String("stage", pending.Stage),
		)
		tx, err := s.repo.ResolveStalePending(ctx, pending.ID, olderThan)
		if err != nil {
			if errors.Is(err, store.ErrTransactionNotPending) {
				continue
			}
			summary.Processed++
			summary.Failed++
			log.Warn("stale pending transaction not resolved", zap.Error(err))
			continue
		}
		summary.Processed++

		switch tx.Status {
		case domain.TransactionStatusFailedRefunded:
			summary.Resolved++
			metrics.RefundsResolved.WithLabelValues("resolved").Inc()
			s.users.Invalidate(ctx, tx.UserID)
			log.Info("stale pending transaction refunded", zap.String("outcome", "refunded"))
			if user, err := s.loadUser(ctx, tx.UserID); err == nil {
				s.notifier.Notify(ctx, user, Notification{
					Outcome:      OutcomeRefundCompleted,
					Transaction:  tx,
					RefundStatus: domain.RefundStatusRefunded,
				})
			}
			s.publishStatus(ctx, tx, domain.RefundStatusRefunded)
		case domain.TransactionStatusFailed:
			summary.Escalated++
			log.Error("stale pending transaction needs manual review",
				zap.String("outcome", "escalated"),
				zap.String("user_id", tx.UserID.String()),
				zap.Int64("amount", tx.Amount),
			)
			s.publishStatus(ctx, tx, "")
		default:
			summary.Resolved++
			log.Info("stale pending transaction settled", zap.String("outcome", tx.Status))
			s.publishStatus(ctx, tx, "")
		}
	}
	return nil
}

// RefundReconciler runs ResolveRefundPending on a cron schedule.
type RefundReconciler struct {
	cron     *cron.Cron
	service  *Service
	schedule string
	logger   *zap.Logger
}

func NewRefundReconciler(service *Service, schedule string, logger *zap.Logger) *RefundReconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "refund_reconciler"))
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	return &RefundReconciler{
		cron:     c,
		service:  service,
		schedule: schedule,
		logger:   logger,
	}
}

// Start registers the job and starts the scheduler.
func (r *RefundReconciler) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, r.Run); err != nil {
		return fmt.Errorf("schedule refund reconciler %q: %w", r.schedule, err)
	}
	r.logger.Info("scheduled refund reconciler", zap.String("schedule", r.schedule))
	r.cron.Start()
	return nil
}

// Run performs one reconciliation pass.
func (r *RefundReconciler) Run() {
	summary, err := r.service.ResolveRefundPending(context.Background())
	if err != nil {
		r.logger.Error("refund reconciler run failed", zap.Error(err))
		return
	}
	if summary.Processed > 0 {
		r.logger.Info("refund reconciler run finished",
			zap.Int("processed", summary.Processed),
			zap.Int("resolved", summary.Resolved),
			zap.Int("failed", summary.Failed),
			zap.Int("escalated", summary.Escalated),
		)
	}
}

// Stop stops the scheduler; the returned context is done once a running pass finishes.
func (r *RefundReconciler) Stop() context.Context {
	return r.cron.Stop()
}
