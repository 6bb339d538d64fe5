package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/zidewell/zidwell-team-sub003/internal/domain"
)

var cashbackQualifyingTypes = map[string]bool{
	domain.TransactionTypeAirtime: true,
	domain.TransactionTypeCable:   true,
}

// awardCashback grants zidcoins for a settled qualifying purchase. Failures are logged and
// never change the outcome of the purchase.
func (s *Service) awardCashback(ctx context.Context, tx *domain.Transaction) *domain.CashbackResult {
	if !cashbackQualifyingTypes[tx.Type] {
		return nil
	}

	result, err := s.repo.AwardCashback(ctx, tx.UserID, tx.ID, tx.Type, tx.Amount)
	if err != nil {
		s.logger.Warn("cashback award failed",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("user_id", tx.UserID.String()),
			zap.Error(err),
		)
		return nil
	}
	if !result.Success {
		return nil
	}
	s.users.Invalidate(ctx, tx.UserID)
	return &result
}
