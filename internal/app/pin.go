package app

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// VerifyTransactionPIN compares the supplied PIN with the stored bcrypt hash. Failed attempts are
// counted in the database and lock the PIN for the configured duration once the limit is reached.
// The ledger is never touched here.
func (s *Service) VerifyTransactionPIN(ctx context.Context, userID uuid.UUID, pin string) error {
	credential, err := s.repo.GetUserSecurityCredential(ctx, userID)
	if err != nil {
		return err
	}

	now := s.now()
	if credential.LockedUntil != nil && now.Before(*credential.LockedUntil) {
		return ErrTransactionPINLocked
	}

	compareErr := bcrypt.CompareHashAndPassword([]byte(credential.TransactionPINHash), []byte(pin))
	if compareErr == nil {
		if credential.FailedAttempts > 0 || credential.LockedUntil != nil {
			if err := s.repo.ResetTransactionPINFailureState(ctx, userID); err != nil {
				s.logger.Warn("pin failure state reset failed", zap.String("user_id", userID.String()), zap.Error(err))
			}
		}
		return nil
	}
	if !errors.Is(compareErr, bcrypt.ErrMismatchedHashAndPassword) {
		return compareErr
	}

	updated, err := s.repo.RecordFailedTransactionPINAttempt(ctx, userID, s.cfg.PINMaxAttempts, int(s.cfg.PINLockout.Seconds()))
	if err != nil {
		s.logger.Error("pin failure record failed", zap.String("user_id", userID.String()), zap.Error(err))
		return ErrInvalidTransactionPIN
	}

	s.logger.Info("transaction pin rejected",
		zap.String("outcome", "reject"),
		zap.String("user_id", userID.String()),
		zap.Int("failed_attempts", updated.FailedAttempts),
	)
	if updated.LockedUntil != nil && now.Before(*updated.LockedUntil) {
		return ErrTransactionPINLocked
	}
	return ErrInvalidTransactionPIN
}
