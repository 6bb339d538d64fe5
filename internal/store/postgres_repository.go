/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Balance-affecting operations are single calls to the ledger procedures defined in
 * schema.sql; transaction bookkeeping is plain SQL against the `transactions` table.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zidewell/zidwell-team-sub003/internal/domain"
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrDuplicateReference    = errors.New("duplicate transaction reference")
	ErrTransactionPINNotSet  = errors.New("transaction pin not set")
	ErrRefundNotPending      = errors.New("transaction is not awaiting a refund")
	ErrTransactionNotPending = errors.New("transaction is no longer pending")
)

const (
	uniqueViolationCode = "23505"
	userMissingCode     = "P0002"
)

const transactionColumns = `
	id, user_id, type, amount, reference, status, stage, description,
	failure_reason, provider_reference, refund_attempts, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserByID retrieves a user's profile and balances.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	query := `
		SELECT id, email, first_name, wallet_balance, zidcoin_balance, gateway_account_ref
		FROM users
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&user.ID,
		&user.Email,
		&user.FirstName,
		&user.WalletBalance,
		&user.ZidcoinBalance,
		&user.GatewayAccountRef,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetUserSecurityCredential loads the PIN hash and lockout state for a user.
func (r *PostgresRepository) GetUserSecurityCredential(ctx context.Context, userID uuid.UUID) (*domain.UserSecurityCredential, error) {
	var credential domain.UserSecurityCredential
	var pinHash *string
	query := `
		SELECT id, transaction_pin, pin_failed_attempts, pin_locked_until
		FROM users
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&credential.UserID,
		&pinHash,
		&credential.FailedAttempts,
		&credential.LockedUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if pinHash == nil || *pinHash == "" {
		return nil, ErrTransactionPINNotSet
	}
	credential.TransactionPINHash = *pinHash

	return &credential, nil
}

// RecordFailedTransactionPINAttempt atomically increments failed attempts and applies lockout.
func (r *PostgresRepository) RecordFailedTransactionPINAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutDurationSeconds int) (*domain.UserSecurityCredential, error) {
	var credential domain.UserSecurityCredential
	var pinHash *string
	query := `
		UPDATE users
		SET
			pin_failed_attempts = CASE
				WHEN (pin_locked_until IS NOT NULL AND pin_locked_until <= NOW())
					OR (pin_locked_until IS NULL AND pin_failed_attempts >= $2) THEN 1
				ELSE pin_failed_attempts + 1
			END,
			pin_last_failed_at = NOW(),
			pin_locked_until = CASE
				WHEN (
					CASE
						WHEN (pin_locked_until IS NOT NULL AND pin_locked_until <= NOW())
							OR (pin_locked_until IS NULL AND pin_failed_attempts >= $2) THEN 1
						ELSE pin_failed_attempts + 1
					END
				) >= $2 THEN NOW() + ($3 * INTERVAL '1 second')
				ELSE NULL
			END
		WHERE id = $1
		RETURNING id, transaction_pin, pin_failed_attempts, pin_locked_until
	`
	err := r.db.QueryRow(ctx, query, userID, maxAttempts, lockoutDurationSeconds).Scan(
		&credential.UserID,
		&pinHash,
		&credential.FailedAttempts,
		&credential.LockedUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if pinHash != nil {
		credential.TransactionPINHash = *pinHash
	}

	return &credential, nil
}

// ResetTransactionPINFailureState clears failed-attempt counters after a successful PIN verification.
func (r *PostgresRepository) ResetTransactionPINFailureState(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE users
		SET pin_failed_attempts = 0, pin_last_failed_at = NULL, pin_locked_until = NULL
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListWalletAccounts pages through users that have a payment gateway account attached.
func (r *PostgresRepository) ListWalletAccounts(ctx context.Context, limit int, offset int) ([]domain.WalletAccount, error) {
	query := `
		SELECT id, email, wallet_balance, gateway_account_ref
		FROM users
		WHERE gateway_account_ref IS NOT NULL AND gateway_account_ref <> ''
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]domain.WalletAccount, 0, limit)
	for rows.Next() {
		var account domain.WalletAccount
		if err := rows.Scan(&account.UserID, &account.Email, &account.WalletBalance, &account.GatewayAccountRef); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// Deduct calls deduct_wallet_balance, which checks the balance, decrements it and inserts the
// pending transaction row in one statement. Insufficient funds and duplicate references are
// reported through the result status rather than as errors.
func (r *PostgresRepository) Deduct(ctx context.Context, params domain.DeductParams) (domain.DeductResult, error) {
	var status string
	var txID pgtype.UUID
	err := r.db.QueryRow(ctx,
		`SELECT status, tx_id FROM deduct_wallet_balance($1, $2, $3, $4, $5)`,
		params.UserID, params.Amount, params.Type, params.Reference, params.Description,
	).Scan(&status, &txID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.DeductResult{Status: domain.DeductStatusDuplicateReference}, nil
		}
		if isUserMissing(err) {
			return domain.DeductResult{}, ErrUserNotFound
		}
		return domain.DeductResult{}, fmt.Errorf("deduct_wallet_balance: %w", err)
	}

	result := domain.DeductResult{Status: status}
	if txID.Valid {
		result.TxID = uuid.UUID(txID.Bytes)
	}
	return result, nil
}

// Credit calls credit_wallet_balance and returns the id of the settled credit transaction.
func (r *PostgresRepository) Credit(ctx context.Context, params domain.CreditParams) (uuid.UUID, error) {
	var status string
	var txID pgtype.UUID
	err := r.db.QueryRow(ctx,
		`SELECT status, tx_id FROM credit_wallet_balance($1, $2, $3, $4, $5)`,
		params.UserID, params.Amount, params.Type, params.Reference, params.Description,
	).Scan(&status, &txID)
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, ErrDuplicateReference
		}
		if isUserMissing(err) {
			return uuid.Nil, ErrUserNotFound
		}
		return uuid.Nil, fmt.Errorf("credit_wallet_balance: %w", err)
	}
	if status == domain.DeductStatusDuplicateReference {
		return uuid.Nil, ErrDuplicateReference
	}
	if !txID.Valid {
		return uuid.Nil, fmt.Errorf("credit_wallet_balance: unexpected status %q", status)
	}
	return uuid.UUID(txID.Bytes), nil
}

// AwardCashback calls award_zidcoin_cashback. The procedure is idempotent per transaction.
func (r *PostgresRepository) AwardCashback(ctx context.Context, userID uuid.UUID, transactionID uuid.UUID, transactionType string, amount int64) (domain.CashbackResult, error) {
	var result domain.CashbackResult
	err := r.db.QueryRow(ctx,
		`SELECT success, zidcoins_earned FROM award_zidcoin_cashback($1, $2, $3, $4)`,
		userID, transactionID, transactionType, amount,
	).Scan(&result.Success, &result.ZidcoinsEarned)
	if err != nil {
		return domain.CashbackResult{}, fmt.Errorf("award_zidcoin_cashback: %w", err)
	}
	return result, nil
}

// FindTransactionByID retrieves a single transaction.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	row := r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, transactionID)
	return scanTransaction(row)
}

// FindTransactionByReference retrieves a transaction by its merchant reference.
func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	row := r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, reference)
	return scanTransaction(row)
}

// ListTransactionsByUserID returns a user's transactions, newest first.
func (r *PostgresRepository) ListTransactionsByUserID(ctx context.Context, userID uuid.UUID, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, userID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// UpdateTransactionOutcome writes the terminal status of a pipeline run. Only pending rows move,
// so a late or duplicated write can never overwrite a terminal status.
func (r *PostgresRepository) UpdateTransactionOutcome(ctx context.Context, transactionID uuid.UUID, outcome UpdateTransactionOutcomeParams) error {
	if !domain.IsTerminalStatus(outcome.Status) {
		return fmt.Errorf("update transaction outcome: %q is not a terminal status", outcome.Status)
	}
	query := `
		UPDATE transactions
		SET
			status = $1,
			stage = $2,
			failure_reason = COALESCE($3, failure_reason),
			provider_reference = COALESCE($4, provider_reference),
			updated_at = NOW()
		WHERE id = $5 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query,
		outcome.Status,
		outcome.Stage,
		outcome.FailureReason,
		outcome.ProviderReference,
		transactionID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// UpdateTransactionStage records saga progress on a transaction that is still pending.
func (r *PostgresRepository) UpdateTransactionStage(ctx context.Context, transactionID uuid.UUID, stage string, failureReason *string) error {
	query := `
		UPDATE transactions
		SET stage = $1, failure_reason = COALESCE($2, failure_reason), updated_at = NOW()
		WHERE id = $3 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, stage, failureReason, transactionID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransactionNotPending
	}
	return nil
}

// CompensateTransaction refunds a pending purchase and marks it failed_refunded in one database
// transaction. Either both the refund and the status change land, or neither does.
func (r *PostgresRepository) CompensateTransaction(ctx context.Context, transactionID uuid.UUID, reason string) (*domain.Transaction, error) {
	return r.refundAndClose(ctx, transactionID, &reason, func(tx *domain.Transaction) error {
		if tx.Status != domain.TransactionStatusPending {
			return ErrTransactionNotPending
		}
		return nil
	})
}

// ListRefundPendingTransactions returns refund_pending transactions last touched before olderThan.
func (r *PostgresRepository) ListRefundPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	return r.listByStatus(ctx, domain.TransactionStatusRefundPending, olderThan, limit)
}

// ResolveRefundPending refunds a refund_pending transaction and marks it failed_refunded inside one
// database transaction. The row lock makes concurrent resolutions of the same transaction refund once.
// Transactions escalated as failed can also be refunded here once an operator has checked the provider.
func (r *PostgresRepository) ResolveRefundPending(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	return r.refundAndClose(ctx, transactionID, nil, func(tx *domain.Transaction) error {
		if tx.Status != domain.TransactionStatusRefundPending && tx.Status != domain.TransactionStatusFailed {
			return ErrRefundNotPending
		}
		return nil
	})
}

// RecordRefundAttemptFailure counts a failed refund retry and stores the latest reason.
func (r *PostgresRepository) RecordRefundAttemptFailure(ctx context.Context, transactionID uuid.UUID, reason string) error {
	query := `
		UPDATE transactions
		SET refund_attempts = refund_attempts + 1, failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'refund_pending'
	`
	_, err := r.db.Exec(ctx, query, transactionID, reason)
	return err
}

// ListStalePendingTransactions returns transactions still pending after olderThan. A pipeline that
// finished normally never leaves one behind; these are runs whose terminal write was lost.
func (r *PostgresRepository) ListStalePendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	return r.listByStatus(ctx, domain.TransactionStatusPending, olderThan, limit)
}

// ResolveStalePending closes a stale pending transaction according to its saga stage.
func (r *PostgresRepository) ResolveStalePending(ctx context.Context, transactionID uuid.UUID, olderThan time.Time) (*domain.Transaction, error) {
	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback(ctx)

	tx, err := lockTransaction(ctx, dbTx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TransactionStatusPending || !tx.UpdatedAt.Before(olderThan) {
		return nil, ErrTransactionNotPending
	}

	resolution := ResolveStale(tx)
	if resolution.Refund {
		if err := refundLocked(ctx, dbTx, tx, resolution.FailureReason); err != nil {
			return nil, err
		}
	} else {
		err = dbTx.QueryRow(ctx, `
			UPDATE transactions
			SET status = $2, stage = $3, failure_reason = COALESCE($4, failure_reason), updated_at = NOW()
			WHERE id = $1
			RETURNING status, stage, failure_reason, updated_at
		`, transactionID, resolution.Status, resolution.Stage, resolution.FailureReason).
			Scan(&tx.Status, &tx.Stage, &tx.FailureReason, &tx.UpdatedAt)
		if err != nil {
			return nil, err
		}
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, err
	}
	return tx, nil
}

// StaleResolution is how a stale pending transaction gets closed.
type StaleResolution struct {
	Status        string
	Stage         string
	Refund        bool
	FailureReason *string
}

// ResolveStale decides the terminal state of a stale pending transaction from its saga stage.
// A provider failure is refunded. A plain debit never called a provider, so it settles. A purchase
// stuck at deducted has an unknown provider outcome and is escalated as failed for manual review.
func ResolveStale(tx *domain.Transaction) StaleResolution {
	switch {
	case tx.Stage == domain.StageProviderFailed:
		return StaleResolution{Status: domain.TransactionStatusFailedRefunded, Stage: domain.StageRefunded, Refund: true}
	case tx.Type == domain.TransactionTypeDebit:
		return StaleResolution{Status: domain.TransactionStatusSuccess, Stage: domain.StageSettled}
	default:
		reason := "provider outcome unknown; verify with the provider before refunding"
		return StaleResolution{Status: domain.TransactionStatusFailed, Stage: tx.Stage, FailureReason: &reason}
	}
}

func (r *PostgresRepository) listByStatus(ctx context.Context, status string, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, status, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (r *PostgresRepository) refundAndClose(ctx context.Context, transactionID uuid.UUID, reason *string, check func(*domain.Transaction) error) (*domain.Transaction, error) {
	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback(ctx)

	tx, err := lockTransaction(ctx, dbTx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := check(tx); err != nil {
		return nil, err
	}
	if err := refundLocked(ctx, dbTx, tx, reason); err != nil {
		return nil, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, err
	}
	return tx, nil
}

func lockTransaction(ctx context.Context, dbTx pgx.Tx, transactionID uuid.UUID) (*domain.Transaction, error) {
	row := dbTx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, transactionID)
	return scanTransaction(row)
}

// refundLocked re-credits the wallet and closes a row already locked by dbTx.
func refundLocked(ctx context.Context, dbTx pgx.Tx, tx *domain.Transaction, reason *string) error {
	if _, err := dbTx.Exec(ctx, `SELECT refund_wallet_balance($1, $2)`, tx.UserID, tx.Amount); err != nil {
		if isUserMissing(err) {
			return ErrUserNotFound
		}
		return fmt.Errorf("refund_wallet_balance: %w", err)
	}
	return dbTx.QueryRow(ctx, `
		UPDATE transactions
		SET status = 'failed_refunded', stage = 'refunded', refund_attempts = refund_attempts + 1,
			failure_reason = COALESCE($2, failure_reason), updated_at = NOW()
		WHERE id = $1
		RETURNING status, stage, failure_reason, refund_attempts, updated_at
	`, tx.ID, reason).Scan(&tx.Status, &tx.Stage, &tx.FailureReason, &tx.RefundAttempts, &tx.UpdatedAt)
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.Type,
		&tx.Amount,
		&tx.Reference,
		&tx.Status,
		&tx.Stage,
		&tx.Description,
		&tx.FailureReason,
		&tx.ProviderReference,
		&tx.RefundAttempts,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	var transactions []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// isUserMissing matches the no_data_found error the ledger procedures raise for an unknown user.
func isUserMissing(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == userMissingCode
}
