package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zidewell/zidwell-team-sub003/internal/domain"
	"github.com/zidewell/zidwell-team-sub003/internal/store"
	"github.com/zidewell/zidwell-team-sub003/pkg/billingclient"
)

func airtimeRequest(user *domain.User, naira int64, ref string) domain.BuyAirtimeRequest {
	return domain.BuyAirtimeRequest{
		UserID:        user.ID.String(),
		Amount:        decimal.NewFromInt(naira),
		PhoneNumber:   "08031234567",
		Network:       "MTN",
		PIN:           testPIN,
		MerchantTxRef: ref,
	}
}

func TestBuyAirtimeSuccessDebitsWalletOnce(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 500000)

	result, err := h.svc.BuyAirtime(context.Background(), user.ID, airtimeRequest(user, 1000, "REF-OK-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := h.repo.balance(user.ID); got != 400000 {
		t.Fatalf("expected balance 400000, got %d", got)
	}
	if h.repo.transactionCount() != 1 {
		t.Fatalf("expected exactly one transaction row, got %d", h.repo.transactionCount())
	}

	stored, _ := h.repo.FindTransactionByID(context.Background(), result.Transaction.ID)
	if stored.Status != domain.TransactionStatusSuccess || stored.Stage != domain.StageProviderSucceeded {
		t.Fatalf("expected success/provider_succeeded, got %s/%s", stored.Status, stored.Stage)
	}
	if stored.ProviderReference == nil || *stored.ProviderReference != "PRV-REF-OK-1" {
		t.Fatalf("expected provider reference to be stored, got %v", stored.ProviderReference)
	}
	if result.RefundStatus != "" {
		t.Fatalf("expected no refund status, got %q", result.RefundStatus)
	}
	if result.Cashback == nil || result.Cashback.ZidcoinsEarned != 10 {
		t.Fatalf("expected 10 zidcoins cashback, got %+v", result.Cashback)
	}

	req := h.billing.airtimeReqs[0]
	if req.Amount != 100000 || req.Network != "mtn" || req.MerchantTxRef != "REF-OK-1" {
		t.Fatalf("unexpected provider request: %+v", req)
	}
	if len(h.notifier.notes) != 1 || h.notifier.notes[0].Outcome != OutcomeSuccess {
		t.Fatalf("expected one success notification, got %+v", h.notifier.notes)
	}
	if len(h.publisher.events) != 1 || h.publisher.events[0].routingKey != "transaction.status.success" {
		t.Fatalf("expected success event, got %+v", h.publisher.events)
	}
}

func TestBuyAirtimeProviderFailureRefundsWallet(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 500000)
	h.billing.airtimeErr = &billingclient.ProviderError{StatusCode: 502, Message: "network unavailable"}

	result, err := h.svc.BuyAirtime(context.Background(), user.ID, airtimeRequest(user, 1000, "REF-FAIL-1"))
	if !errors.Is(err, ErrProviderFailed) {
		t.Fatalf("expected ErrProviderFailed, got %v", err)
	}
	var pipelineErr *PipelineError
	if !errors.As(err, &pipelineErr) {
		t.Fatalf("expected *PipelineError, got %T", err)
	}
	if pipelineErr.RefundStatus != domain.RefundStatusRefunded {
		t.Fatalf("expected refunded, got %q", pipelineErr.RefundStatus)
	}
	if result == nil || result.RefundStatus != domain.RefundStatusRefunded {
		t.Fatalf("expected result with refund status, got %+v", result)
	}

	if got := h.repo.balance(user.ID); got != 500000 {
		t.Fatalf("expected balance restored to 500000, got %d", got)
	}
	stored, _ := h.repo.FindTransactionByID(context.Background(), pipelineErr.Transaction.ID)
	if stored.Status != domain.TransactionStatusFailedRefunded || stored.Stage != domain.StageRefunded {
		t.Fatalf("expected failed_refunded/refunded, got %s/%s", stored.Status, stored.Stage)
	}
	if stored.FailureReason == nil || !strings.Contains(*stored.FailureReason, "network unavailable") {
		t.Fatalf("expected failure reason to be stored, got %v", stored.FailureReason)
	}
	if len(h.notifier.notes) != 1 || h.notifier.notes[0].Detail != "network unavailable" {
		t.Fatalf("expected failure notification with provider message, got %+v", h.notifier.notes)
	}
	if h.publisher.events[0].routingKey != "transaction.status.failed_refunded" {
		t.Fatalf("unexpected routing key %q", h.publisher.events[0].routingKey)
	}
}

func TestBuyAirtimeRefundFailureLeavesRefundPending(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 500000)
	h.billing.airtimeErr = errProviderDown
	h.repo.refundErr = errors.New("connection reset")

	_, err := h.svc.BuyAirtime(context.Background(), user.ID, airtimeRequest(user, 1000, "REF-PENDING-1"))
	var pipelineErr *PipelineError
	if !errors.As(err, &pipelineErr) {
		t.Fatalf("expected *PipelineError, got %v", err)
	}
	if pipelineErr.RefundStatus != domain.RefundStatusPending {
		t.Fatalf("expected refund_pending, got %q", pipelineErr.RefundStatus)
	}
	if !errors.Is(err, errProviderDown) {
		t.Fatalf("expected provider cause to be wrapped, got %v", err)
	}

	if got := h.repo.balance(user.ID); got != 400000 {
		t.Fatalf("expected balance to stay at 400000, got %d", got)
	}
	stored, _ := h.repo.FindTransactionByID(context.Background(), pipelineErr.Transaction.ID)
	if stored.Status != domain.TransactionStatusRefundPending || stored.Stage != domain.StageRefundFailed {
		t.Fatalf("expected refund_pending/refund_failed, got %s/%s", stored.Status, stored.Stage)
	}
	if h.notifier.notes[0].RefundStatus != domain.RefundStatusPending {
		t.Fatalf("expected notification to report pending refund, got %+v", h.notifier.notes[0])
	}
}

func TestBuyAirtimeDuplicateReferenceDoesNotDeductTwice(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 500000)

	if _, err := h.svc.BuyAirtime(context.Background(), user.ID, airtimeRequest(user, 1000, "REF-DUP")); err != nil {
		t.Fatalf("first purchase failed: %v", err)
	}
	_, err := h.svc.BuyAirtime(context.Background(), user.ID, airtimeRequest(user, 1000, "REF-DUP"))
	if !errors.Is(err, store.ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}

	if got := h.repo.balance(user.ID); got != 400000 {
		t.Fatalf("expected a single deduction, balance %d", got)
	}
	if len(h.billing.airtimeReqs) != 1 {
		t.Fatalf("expected provider to be called once, got %d", len(h.billing.airtimeReqs))
	}
	var duplicateErr *DuplicateReferenceError
	if !errors.As(err, &duplicateErr) || duplicateErr.Transaction == nil {
		t.Fatalf("expected the earlier transaction with the duplicate error, got %v", err)
	}
	if duplicateErr.Transaction.Status != domain.TransactionStatusSuccess || duplicateErr.Transaction.Reference != "REF-DUP" {
		t.Fatalf("unexpected earlier transaction %+v", duplicateErr.Transaction)
	}
}

func TestDuplicateReferenceHidesOtherUsersTransaction(t *testing.T) {
	h := newTestHarness(t)
	owner := h.repo.addUser(t, 500000)
	other := h.repo.addUser(t, 500000)

	if _, err := h.svc.BuyAirtime(context.Background(), owner.ID, airtimeRequest(owner, 1000, "REF-SHARED")); err != nil {
		t.Fatalf("first purchase failed: %v", err)
	}
	_, err := h.svc.BuyAirtime(context.Background(), other.ID, airtimeRequest(other, 1000, "REF-SHARED"))
	var duplicateErr *DuplicateReferenceError
	if !errors.As(err, &duplicateErr) {
		t.Fatalf("expected *DuplicateReferenceError, got %v", err)
	}
	if duplicateErr.Transaction != nil {
		t.Fatalf("another user's transaction must not be returned, got %+v", duplicateErr.Transaction)
	}
	if got := h.repo.balance(other.ID); got != 500000 {
		t.Fatalf("expected untouched balance, got %d", got)
	}
}

func TestBuyAirtimeWrongPINNeverTouchesLedger(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 500000)
	req := airtimeRequest(user, 1000, "REF-PIN")
	req.PIN = "9999"

	_, err := h.svc.BuyAirtime(context.Background(), user.ID, req)
	if !errors.Is(err, ErrInvalidTransactionPIN) {
		t.Fatalf("expected ErrInvalidTransactionPIN, got %v", err)
	}
	if h.repo.deductCalls != 0 || h.repo.refundCalls != 0 {
		t.Fatalf("expected no ledger calls, got deduct=%d refund=%d", h.repo.deductCalls, h.repo.refundCalls)
	}
	if got := h.repo.balance(user.ID); got != 500000 {
		t.Fatalf("expected balance unchanged, got %d", got)
	}
}

func TestVerifyTransactionPINLocksAfterMaxAttempts(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 500000)

	for i := 0; i < 2; i++ {
		if err := h.svc.VerifyTransactionPIN(context.Background(), user.ID, "0000"); !errors.Is(err, ErrInvalidTransactionPIN) {
			t.Fatalf("attempt %d: expected ErrInvalidTransactionPIN, got %v", i+1, err)
		}
	}
	if err := h.svc.VerifyTransactionPIN(context.Background(), user.ID, "0000"); !errors.Is(err, ErrTransactionPINLocked) {
		t.Fatalf("expected lock on third failure, got %v", err)
	}
	if err := h.svc.VerifyTransactionPIN(context.Background(), user.ID, testPIN); !errors.Is(err, ErrTransactionPINLocked) {
		t.Fatalf("expected correct pin to be refused while locked, got %v", err)
	}
}

func TestVerifyTransactionPINResetsFailures(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 0)

	_ = h.svc.VerifyTransactionPIN(context.Background(), user.ID, "0000")
	if err := h.svc.VerifyTransactionPIN(context.Background(), user.ID, testPIN); err != nil {
		t.Fatalf("expected correct pin to pass, got %v", err)
	}
	if h.repo.pinState[user.ID].FailedAttempts != 0 {
		t.Fatalf("expected failure counter reset, got %d", h.repo.pinState[user.ID].FailedAttempts)
	}
}

func TestVerifyTransactionPINNotSet(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 0)
	h.repo.pinHashes[user.ID] = ""

	if err := h.svc.VerifyTransactionPIN(context.Background(), user.ID, testPIN); !errors.Is(err, store.ErrTransactionPINNotSet) {
		t.Fatalf("expected ErrTransactionPINNotSet, got %v", err)
	}
}

func TestBuyAirtimeValidationHappensBeforeDatabase(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.BuyAirtimeRequest)
	}{
		{name: "below minimum", mutate: func(r *domain.BuyAirtimeRequest) { r.Amount = decimal.NewFromInt(99) }},
		{name: "zero amount", mutate: func(r *domain.BuyAirtimeRequest) { r.Amount = decimal.Zero }},
		{name: "sub-kobo amount", mutate: func(r *domain.BuyAirtimeRequest) { r.Amount = decimal.RequireFromString("150.005") }},
		{name: "amount past int64 kobo", mutate: func(r *domain.BuyAirtimeRequest) { r.Amount = decimal.RequireFromString("184467440737095616.16") }},
		{name: "missing phone", mutate: func(r *domain.BuyAirtimeRequest) { r.PhoneNumber = " " }},
		{name: "missing reference", mutate: func(r *domain.BuyAirtimeRequest) { r.MerchantTxRef = "" }},
		{name: "missing pin", mutate: func(r *domain.BuyAirtimeRequest) { r.PIN = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHarness(t)
			user := h.repo.addUser(t, 500000)
			req := airtimeRequest(user, 1000, "REF-VALIDATE")
			tt.mutate(&req)

			_, err := h.svc.BuyAirtime(context.Background(), user.ID, req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if h.repo.findUserCalls != 0 || h.repo.deductCalls != 0 {
				t.Fatalf("expected no database calls, got find=%d deduct=%d", h.repo.findUserCalls, h.repo.deductCalls)
			}
		})
	}
}

func TestBuyAirtimeAcceptsExactMinimum(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 10000)

	if _, err := h.svc.BuyAirtime(context.Background(), user.ID, airtimeRequest(user, 100, "REF-MIN")); err != nil {
		t.Fatalf("expected 100 NGN purchase to pass, got %v", err)
	}
	if got := h.repo.balance(user.ID); got != 0 {
		t.Fatalf("expected empty wallet, got %d", got)
	}
}

func TestBuyAirtimeInsufficientFunds(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 50000)

	_, err := h.svc.BuyAirtime(context.Background(), user.ID, airtimeRequest(user, 1000, "REF-POOR"))
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(h.billing.airtimeReqs) != 0 {
		t.Fatal("provider must not be called without a deduction")
	}
	if h.repo.transactionCount() != 0 {
		t.Fatalf("expected no transaction rows, got %d", h.repo.transactionCount())
	}
}

func TestBuyAirtimeUnknownUser(t *testing.T) {
	h := newTestHarness(t)
	ghost := &domain.User{ID: uuid.New()}

	_, err := h.svc.BuyAirtime(context.Background(), ghost.ID, airtimeRequest(ghost, 1000, "REF-GHOST"))
	if !errors.Is(err, store.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestBuyAirtimeRateLimited(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 500000)
	limiter := &stubLimiter{decision: PurchaseDecision{Attempts: 6, RetryAfter: 42 * time.Second}}
	h.svc.SetPurchaseRateLimiter(limiter)

	_, err := h.svc.BuyAirtime(context.Background(), user.ID, airtimeRequest(user, 1000, "REF-RL"))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) || rateErr.RetryAfterSeconds != 42 {
		t.Fatalf("expected retry-after 42, got %v", err)
	}
	if h.repo.deductCalls != 0 {
		t.Fatal("rate limited request must not deduct")
	}
	if len(limiter.users) != 1 || limiter.users[0] != user.ID {
		t.Fatalf("expected the purchase to be counted against the buyer, got %v", limiter.users)
	}
}

func TestBuyAirtimeRateLimiterErrorFailsOpen(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 500000)
	h.svc.SetPurchaseRateLimiter(&stubLimiter{err: errors.New("redis down")})

	if _, err := h.svc.BuyAirtime(context.Background(), user.ID, airtimeRequest(user, 1000, "REF-RL-OPEN")); err != nil {
		t.Fatalf("expected purchase to proceed, got %v", err)
	}
}

func TestBuyAirtimeSurvivesCancelledRequestAfterProviderFailure(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 500000)
	ctx, cancel := context.WithCancel(context.Background())
	h.billing.airtimeErr = errProviderDown

	h.svc.repo = &cancelOnDeductRepo{ledgerRepo: h.repo, cancel: cancel}

	_, err := h.svc.BuyAirtime(ctx, user.ID, airtimeRequest(user, 1000, "REF-CANCEL"))
	if !errors.Is(err, ErrProviderFailed) {
		t.Fatalf("expected ErrProviderFailed, got %v", err)
	}
	if got := h.repo.balance(user.ID); got != 500000 {
		t.Fatalf("expected refund despite cancelled request, balance %d", got)
	}
}

type cancelOnDeductRepo struct {
	*ledgerRepo
	cancel context.CancelFunc
}

func (r *cancelOnDeductRepo) Deduct(ctx context.Context, params domain.DeductParams) (domain.DeductResult, error) {
	result, err := r.ledgerRepo.Deduct(ctx, params)
	r.cancel()
	return result, err
}

func (r *cancelOnDeductRepo) CompensateTransaction(ctx context.Context, transactionID uuid.UUID, reason string) (*domain.Transaction, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return r.ledgerRepo.CompensateTransaction(ctx, transactionID, reason)
}

func TestTerminalStatusWriteFailureStillReportsOutcome(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 500000)
	h.repo.updateErr = errors.New("write timeout")

	result, err := h.svc.BuyAirtime(context.Background(), user.ID, airtimeRequest(user, 1000, "REF-WRITE"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Transaction.Status != domain.TransactionStatusSuccess {
		t.Fatalf("expected success to be reported, got %s", result.Transaction.Status)
	}
	if h.repo.updateCalls != outcomeWriteAttempts {
		t.Fatalf("expected %d write attempts, got %d", outcomeWriteAttempts, h.repo.updateCalls)
	}
}

func TestProviderCallSurvivesClientDisconnect(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 500000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	billing := &disconnectingBilling{stubBilling: h.billing, disconnect: cancel}
	h.svc.billing = billing

	result, err := h.svc.BuyAirtime(ctx, user.ID, airtimeRequest(user, 1000, "REF-HANGUP"))
	if err != nil {
		t.Fatalf("expected delivered purchase to succeed, got %v", err)
	}
	if result.Transaction.Status != domain.TransactionStatusSuccess {
		t.Fatalf("expected success, got %s", result.Transaction.Status)
	}
	if got := h.repo.balance(user.ID); got != 400000 {
		t.Fatalf("a delivered purchase must stay debited, balance %d", got)
	}
	if !billing.hadDeadline {
		t.Fatal("expected the provider call to be bounded by a deadline")
	}
}

// disconnectingBilling cancels the request context mid-call and still delivers, like a
// provider that completes the top-up after the client went away.
type disconnectingBilling struct {
	*stubBilling
	disconnect  context.CancelFunc
	hadDeadline bool
}

func (b *disconnectingBilling) TopUpAirtime(ctx context.Context, req billingclient.AirtimeRequest) (*billingclient.PurchaseResponse, error) {
	b.disconnect()
	_, b.hadDeadline = ctx.Deadline()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return b.stubBilling.TopUpAirtime(ctx, req)
}

func TestLostRefundAndStatusWriteAreRecoveredBySweep(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 500000)
	h.billing.airtimeErr = errProviderDown
	h.repo.refundErr = errors.New("connection reset")
	h.repo.updateErr = errors.New("connection reset")

	_, err := h.svc.BuyAirtime(context.Background(), user.ID, airtimeRequest(user, 1000, "REF-LOST"))
	var pipelineErr *PipelineError
	if !errors.As(err, &pipelineErr) || pipelineErr.RefundStatus != domain.RefundStatusPending {
		t.Fatalf("expected refund_pending pipeline error, got %v", err)
	}
	stored, _ := h.repo.FindTransactionByID(context.Background(), pipelineErr.Transaction.ID)
	if stored.Status != domain.TransactionStatusPending || stored.Stage != domain.StageProviderFailed {
		t.Fatalf("expected pending/provider_failed after lost writes, got %s/%s", stored.Status, stored.Stage)
	}

	// Still inside the in-flight window: left alone.
	summary, err := h.svc.ResolveRefundPending(context.Background())
	if err != nil || summary.Processed != 0 {
		t.Fatalf("expected fresh pending row to be skipped, got %+v, %v", summary, err)
	}

	h.repo.age(stored.ID, time.Hour)
	summary, err = h.svc.ResolveRefundPending(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 1 || summary.Failed != 1 {
		t.Fatalf("expected a failed sweep while the database refuses refunds, got %+v", summary)
	}

	h.repo.refundErr = nil
	h.repo.updateErr = nil
	summary, err = h.svc.ResolveRefundPending(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Resolved != 1 {
		t.Fatalf("expected the stale purchase to be refunded, got %+v", summary)
	}
	if got := h.repo.balance(user.ID); got != 500000 {
		t.Fatalf("expected balance restored to 500000, got %d", got)
	}
	stored, _ = h.repo.FindTransactionByID(context.Background(), stored.ID)
	if stored.Status != domain.TransactionStatusFailedRefunded {
		t.Fatalf("expected failed_refunded, got %s", stored.Status)
	}
}

func TestUnknownProviderOutcomeIsEscalated(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 500000)
	h.repo.updateErr = errors.New("connection reset")

	result, err := h.svc.BuyAirtime(context.Background(), user.ID, airtimeRequest(user, 1000, "REF-UNKNOWN"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.repo.updateErr = nil
	h.repo.age(result.Transaction.ID, time.Hour)

	summary, err := h.svc.ResolveRefundPending(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Escalated != 1 {
		t.Fatalf("expected one escalation, got %+v", summary)
	}
	stored, _ := h.repo.FindTransactionByID(context.Background(), result.Transaction.ID)
	if stored.Status != domain.TransactionStatusFailed || stored.FailureReason == nil {
		t.Fatalf("expected failed with a reason, got %s", stored.Status)
	}
	if got := h.repo.balance(user.ID); got != 400000 {
		t.Fatalf("escalation must not refund automatically, balance %d", got)
	}

	// An operator confirmed the provider never delivered.
	if _, err := h.svc.ResolveRefund(context.Background(), stored.ID); err != nil {
		t.Fatalf("expected manual refund to succeed, got %v", err)
	}
	if got := h.repo.balance(user.ID); got != 500000 {
		t.Fatalf("expected balance restored, got %d", got)
	}
}

func TestStaleDebitSettles(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 500000)
	h.repo.updateErr = errors.New("connection reset")

	result, err := h.svc.DebitWallet(context.Background(), domain.WalletAdjustmentRequest{
		UserID: user.ID.String(),
		Amount: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.repo.updateErr = nil
	h.repo.age(result.Transaction.ID, time.Hour)

	if _, err := h.svc.ResolveRefundPending(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := h.repo.FindTransactionByID(context.Background(), result.Transaction.ID)
	if stored.Status != domain.TransactionStatusSuccess || stored.Stage != domain.StageSettled {
		t.Fatalf("expected success/settled, got %s/%s", stored.Status, stored.Stage)
	}
	if got := h.repo.balance(user.ID); got != 495000 {
		t.Fatalf("expected debit to stand, balance %d", got)
	}
}

func TestBuyCableTVSuccess(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 2000000)

	result, err := h.svc.BuyCableTV(context.Background(), user.ID, domain.BuyCableRequest{
		UserID:        user.ID.String(),
		Amount:        decimal.NewFromInt(7900),
		CustomerID:    "7023456789",
		Provider:      "DSTV",
		PackageCode:   "compact",
		PIN:           testPIN,
		MerchantTxRef: "REF-CABLE-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := h.repo.balance(user.ID); got != 2000000-790000 {
		t.Fatalf("unexpected balance %d", got)
	}
	if result.Transaction.Type != domain.TransactionTypeCable {
		t.Fatalf("expected cable transaction, got %s", result.Transaction.Type)
	}
	if result.Cashback == nil || result.Cashback.ZidcoinsEarned != 79 {
		t.Fatalf("expected 79 zidcoins, got %+v", result.Cashback)
	}
	if h.billing.cableReqs[0].Provider != "dstv" {
		t.Fatalf("expected normalized provider, got %q", h.billing.cableReqs[0].Provider)
	}
}

func TestBuyCableTVRequiresPackage(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 2000000)

	_, err := h.svc.BuyCableTV(context.Background(), user.ID, domain.BuyCableRequest{
		Amount:        decimal.NewFromInt(7900),
		CustomerID:    "7023456789",
		Provider:      "gotv",
		PIN:           testPIN,
		MerchantTxRef: "REF-CABLE-2",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestDebitWalletSettlesWithoutProvider(t *testing.T) {
	h := newTestHarness(t)
	user := h.repo.addUser(t, 500000)

	result, err := h.svc.DebitWallet(context.Background(), domain.WalletAdjustmentRequest{
		UserID: user.ID.String(),
		Amount: decimal.RequireFromString("0.50"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Transaction.Stage != domain.StageSettled || result.Transaction.Status != domain.TransactionStatusSuccess {
		t.Fatalf("expected success/settled, got %s/%s", result.Transaction.Status, result.Transaction.Stage)
	}
	if result.Cashback != nil {
		t.Fatal("debits do not earn cashback")
	}
	if !strings.HasPrefix(result.Transaction.Reference, "ADJ-") {
		t.Fatalf("expected generated ADJ- reference, got %q", result.Transaction.Reference)
	}
	if got := h.repo.balance(user.ID); got != 499950 {
		t.Fatalf("expected balance 499950, got %d", got)
	}
}
