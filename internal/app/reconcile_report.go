package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zidewell/zidwell-team-sub003/internal/domain"
)

const maxReconcilePageSize = 200

// ReconcileBalances compares stored wallet balances with the balances reported by the payment
// gateway for one page of users. It only reports; nothing is corrected.
func (s *Service) ReconcileBalances(ctx context.Context, limit, offset int) (*domain.ReconcileReport, error) {
	if limit <= 0 || limit > maxReconcilePageSize {
		limit = maxReconcilePageSize
	}
	if offset < 0 {
		offset = 0
	}

	accounts, err := s.repo.ListWalletAccounts(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list wallet accounts: %w", err)
	}

	report := &domain.ReconcileReport{
		Discrepancies: []domain.BalanceDiscrepancy{},
		Errors:        []domain.ReconcileError{},
	}
	for _, account := range accounts {
		report.Checked++
		balance, err := s.billing.GetAccountBalance(ctx, account.GatewayAccountRef)
		if err != nil {
			report.Errors = append(report.Errors, domain.ReconcileError{UserID: account.UserID, Error: err.Error()})
			continue
		}

		gatewayBalance := balance.Data.Balance
		if gatewayBalance != account.WalletBalance {
			report.Discrepancies = append(report.Discrepancies, domain.BalanceDiscrepancy{
				UserID:         account.UserID,
				Email:          account.Email,
				WalletBalance:  account.WalletBalance,
				GatewayBalance: gatewayBalance,
				Difference:     account.WalletBalance - gatewayBalance,
			})
		}
	}

	s.logger.Info("balance reconciliation finished",
		zap.Int("checked", report.Checked),
		zap.Int("discrepancies", len(report.Discrepancies)),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}
