package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/zidewell/zidwell-team-sub003/internal/domain"
	"github.com/zidewell/zidwell-team-sub003/internal/store"
	"github.com/zidewell/zidwell-team-sub003/pkg/billingclient"
)

const testPIN = "1234"

// ledgerRepo mirrors the behaviour of the ledger procedures in memory.
type ledgerRepo struct {
	store.Repository

	mu        sync.Mutex
	users     map[uuid.UUID]*domain.User
	pinHashes map[uuid.UUID]string
	pinState  map[uuid.UUID]*domain.UserSecurityCredential
	txs       map[uuid.UUID]*domain.Transaction
	accounts  []domain.WalletAccount
	refundErr error
	creditErr error
	updateErr error
	stageErr  error
	cashbacks map[uuid.UUID]int64

	findUserCalls int
	deductCalls   int
	refundCalls   int
	updateCalls   int
	refundFailed  []string
}

func newLedgerRepo() *ledgerRepo {
	return &ledgerRepo{
		users:     make(map[uuid.UUID]*domain.User),
		pinHashes: make(map[uuid.UUID]string),
		pinState:  make(map[uuid.UUID]*domain.UserSecurityCredential),
		txs:       make(map[uuid.UUID]*domain.Transaction),
		cashbacks: make(map[uuid.UUID]int64),
	}
}

func (r *ledgerRepo) addUser(t *testing.T, balance int64) *domain.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPIN), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash pin: %v", err)
	}
	user := &domain.User{
		ID:            uuid.New(),
		Email:         "ada@example.com",
		FirstName:     "Ada",
		WalletBalance: balance,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
	r.pinHashes[user.ID] = string(hash)
	r.pinState[user.ID] = &domain.UserSecurityCredential{UserID: user.ID}
	return user
}

func (r *ledgerRepo) balance(userID uuid.UUID) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID].WalletBalance
}

func (r *ledgerRepo) transactionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.txs)
}

func (r *ledgerRepo) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findUserCalls++
	user, ok := r.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (r *ledgerRepo) GetUserSecurityCredential(ctx context.Context, userID uuid.UUID) (*domain.UserSecurityCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.pinState[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	hash := r.pinHashes[userID]
	if hash == "" {
		return nil, store.ErrTransactionPINNotSet
	}
	copied := *state
	copied.TransactionPINHash = hash
	return &copied, nil
}

func (r *ledgerRepo) RecordFailedTransactionPINAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutDurationSeconds int) (*domain.UserSecurityCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.pinState[userID]
	state.FailedAttempts++
	if state.FailedAttempts >= maxAttempts {
		until := time.Now().Add(time.Duration(lockoutDurationSeconds) * time.Second)
		state.LockedUntil = &until
	}
	copied := *state
	return &copied, nil
}

func (r *ledgerRepo) ResetTransactionPINFailureState(ctx context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinState[userID] = &domain.UserSecurityCredential{UserID: userID}
	return nil
}

func (r *ledgerRepo) ListWalletAccounts(ctx context.Context, limit int, offset int) ([]domain.WalletAccount, error) {
	return r.accounts, nil
}

func (r *ledgerRepo) referenceExists(reference string) bool {
	for _, tx := range r.txs {
		if tx.Reference == reference {
			return true
		}
	}
	return false
}

func (r *ledgerRepo) Deduct(ctx context.Context, params domain.DeductParams) (domain.DeductResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deductCalls++
	if r.referenceExists(params.Reference) {
		return domain.DeductResult{Status: domain.DeductStatusDuplicateReference}, nil
	}
	user, ok := r.users[params.UserID]
	if !ok {
		return domain.DeductResult{}, store.ErrUserNotFound
	}
	if user.WalletBalance < params.Amount {
		return domain.DeductResult{Status: domain.DeductStatusInsufficientFunds}, nil
	}
	user.WalletBalance -= params.Amount
	tx := &domain.Transaction{
		ID:          uuid.New(),
		UserID:      params.UserID,
		Type:        params.Type,
		Amount:      params.Amount,
		Reference:   params.Reference,
		Status:      domain.TransactionStatusPending,
		Stage:       domain.StageDeducted,
		Description: params.Description,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	r.txs[tx.ID] = tx
	return domain.DeductResult{Status: domain.DeductStatusOK, TxID: tx.ID}, nil
}

// refundLocked mirrors the refund-and-close database transaction; the caller holds r.mu.
func (r *ledgerRepo) refundLocked(tx *domain.Transaction, reason *string) (*domain.Transaction, error) {
	r.refundCalls++
	if r.refundErr != nil {
		return nil, r.refundErr
	}
	r.users[tx.UserID].WalletBalance += tx.Amount
	tx.Status = domain.TransactionStatusFailedRefunded
	tx.Stage = domain.StageRefunded
	tx.RefundAttempts++
	if reason != nil {
		tx.FailureReason = reason
	}
	tx.UpdatedAt = time.Now()
	copied := *tx
	return &copied, nil
}

func (r *ledgerRepo) CompensateTransaction(ctx context.Context, transactionID uuid.UUID, reason string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[transactionID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	if tx.Status != domain.TransactionStatusPending {
		return nil, store.ErrTransactionNotPending
	}
	return r.refundLocked(tx, &reason)
}

func (r *ledgerRepo) Credit(ctx context.Context, params domain.CreditParams) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.creditErr != nil {
		return uuid.Nil, r.creditErr
	}
	if r.referenceExists(params.Reference) {
		return uuid.Nil, store.ErrDuplicateReference
	}
	user, ok := r.users[params.UserID]
	if !ok {
		return uuid.Nil, store.ErrUserNotFound
	}
	user.WalletBalance += params.Amount
	tx := &domain.Transaction{
		ID:          uuid.New(),
		UserID:      params.UserID,
		Type:        params.Type,
		Amount:      params.Amount,
		Reference:   params.Reference,
		Status:      domain.TransactionStatusSuccess,
		Stage:       domain.StageSettled,
		Description: params.Description,
	}
	r.txs[tx.ID] = tx
	return tx.ID, nil
}

func (r *ledgerRepo) AwardCashback(ctx context.Context, userID uuid.UUID, transactionID uuid.UUID, transactionType string, amount int64) (domain.CashbackResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	earned := amount / 10000
	if _, done := r.cashbacks[transactionID]; done || earned <= 0 {
		return domain.CashbackResult{}, nil
	}
	r.cashbacks[transactionID] = earned
	r.users[userID].ZidcoinBalance += earned
	return domain.CashbackResult{Success: true, ZidcoinsEarned: earned}, nil
}

func (r *ledgerRepo) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[transactionID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	copied := *tx
	return &copied, nil
}

func (r *ledgerRepo) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.txs {
		if tx.Reference == reference {
			copied := *tx
			return &copied, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (r *ledgerRepo) ListTransactionsByUserID(ctx context.Context, userID uuid.UUID, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range r.txs {
		if tx.UserID == userID {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (r *ledgerRepo) UpdateTransactionOutcome(ctx context.Context, transactionID uuid.UUID, outcome store.UpdateTransactionOutcomeParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCalls++
	if r.updateErr != nil {
		return r.updateErr
	}
	tx, ok := r.txs[transactionID]
	if !ok || tx.Status != domain.TransactionStatusPending {
		return store.ErrTransactionNotFound
	}
	tx.Status = outcome.Status
	tx.Stage = outcome.Stage
	if outcome.FailureReason != nil {
		tx.FailureReason = outcome.FailureReason
	}
	if outcome.ProviderReference != nil {
		tx.ProviderReference = outcome.ProviderReference
	}
	tx.UpdatedAt = time.Now()
	return nil
}

func (r *ledgerRepo) UpdateTransactionStage(ctx context.Context, transactionID uuid.UUID, stage string, failureReason *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stageErr != nil {
		return r.stageErr
	}
	tx, ok := r.txs[transactionID]
	if !ok || tx.Status != domain.TransactionStatusPending {
		return store.ErrTransactionNotPending
	}
	tx.Stage = stage
	if failureReason != nil {
		tx.FailureReason = failureReason
	}
	tx.UpdatedAt = time.Now()
	return nil
}

func (r *ledgerRepo) ListRefundPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range r.txs {
		if tx.Status == domain.TransactionStatusRefundPending && tx.UpdatedAt.Before(olderThan) {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (r *ledgerRepo) ResolveRefundPending(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[transactionID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	if tx.Status != domain.TransactionStatusRefundPending && tx.Status != domain.TransactionStatusFailed {
		return nil, store.ErrRefundNotPending
	}
	return r.refundLocked(tx, nil)
}

func (r *ledgerRepo) ListStalePendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range r.txs {
		if tx.Status == domain.TransactionStatusPending && tx.UpdatedAt.Before(olderThan) {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (r *ledgerRepo) ResolveStalePending(ctx context.Context, transactionID uuid.UUID, olderThan time.Time) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[transactionID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	if tx.Status != domain.TransactionStatusPending || !tx.UpdatedAt.Before(olderThan) {
		return nil, store.ErrTransactionNotPending
	}
	resolution := store.ResolveStale(tx)
	if resolution.Refund {
		return r.refundLocked(tx, resolution.FailureReason)
	}
	tx.Status = resolution.Status
	tx.Stage = resolution.Stage
	if resolution.FailureReason != nil && tx.FailureReason == nil {
		tx.FailureReason = resolution.FailureReason
	}
	tx.UpdatedAt = time.Now()
	copied := *tx
	return &copied, nil
}

// age pushes a transaction's last update into the past.
func (r *ledgerRepo) age(transactionID uuid.UUID, by time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs[transactionID].UpdatedAt = time.Now().Add(-by)
}

func (r *ledgerRepo) RecordRefundAttemptFailure(ctx context.Context, transactionID uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refundFailed = append(r.refundFailed, reason)
	if tx, ok := r.txs[transactionID]; ok {
		tx.RefundAttempts++
	}
	return nil
}

type stubBilling struct {
	mu          sync.Mutex
	airtimeErr  error
	cableErr    error
	airtimeReqs []billingclient.AirtimeRequest
	cableReqs   []billingclient.CableRequest
	balances    map[string]int64
}

func (b *stubBilling) TopUpAirtime(ctx context.Context, req billingclient.AirtimeRequest) (*billingclient.PurchaseResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.airtimeReqs = append(b.airtimeReqs, req)
	if b.airtimeErr != nil {
		return nil, b.airtimeErr
	}
	resp := &billingclient.PurchaseResponse{Code: "00", Description: "Successful"}
	resp.Data.TransactionID = "PRV-" + req.MerchantTxRef
	resp.Data.Status = "successful"
	resp.Data.MerchantTxRef = req.MerchantTxRef
	return resp, nil
}

func (b *stubBilling) PurchaseCableTV(ctx context.Context, req billingclient.CableRequest) (*billingclient.PurchaseResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cableReqs = append(b.cableReqs, req)
	if b.cableErr != nil {
		return nil, b.cableErr
	}
	resp := &billingclient.PurchaseResponse{Code: "00"}
	resp.Data.TransactionID = "PRV-" + req.MerchantTxRef
	return resp, nil
}

func (b *stubBilling) GetAccountBalance(ctx context.Context, accountRef string) (*billingclient.BalanceResponse, error) {
	balance, ok := b.balances[accountRef]
	if !ok {
		return nil, &billingclient.ProviderError{StatusCode: 404, Message: "account not found"}
	}
	resp := &billingclient.BalanceResponse{}
	resp.Data.AccountRef = accountRef
	resp.Data.Balance = balance
	return resp, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, user *domain.User, note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return p.err
}

func (p *recordingPublisher) Close() {}

type stubLimiter struct {
	decision PurchaseDecision
	err      error
	users    []uuid.UUID
}

func (l *stubLimiter) AllowPurchase(ctx context.Context, userID uuid.UUID) (PurchaseDecision, error) {
	l.users = append(l.users, userID)
	return l.decision, l.err
}

type testHarness struct {
	svc       *Service
	repo      *ledgerRepo
	billing   *stubBilling
	notifier  *recordingNotifier
	publisher *recordingPublisher
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	repo := newLedgerRepo()
	billing := &stubBilling{balances: map[string]int64{}}
	notifier := &recordingNotifier{}
	publisher := &recordingPublisher{}

	svc := NewService(repo, billing, publisher, zap.NewNop(), Config{PINMaxAttempts: 3})
	svc.SetNotifier(notifier)
	svc.outcomeRetryDelay = 0
	return &testHarness{svc: svc, repo: repo, billing: billing, notifier: notifier, publisher: publisher}
}

var errProviderDown = errors.New("provider unavailable")
