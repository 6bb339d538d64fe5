/**
 * @description
 * This file contains the HTTP handlers for the wallet service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - go.uber.org/zap: Structured logging.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zidewell/zidwell-team-sub003/internal/app"
	"github.com/zidewell/zidwell-team-sub003/internal/domain"
	"github.com/zidewell/zidwell-team-sub003/internal/store"
)

// WalletService is the application surface used by the handlers.
type WalletService interface {
	BuyAirtime(ctx context.Context, userID uuid.UUID, req domain.BuyAirtimeRequest) (*app.PipelineResult, error)
	BuyCableTV(ctx context.Context, userID uuid.UUID, req domain.BuyCableRequest) (*app.PipelineResult, error)
	DebitWallet(ctx context.Context, req domain.WalletAdjustmentRequest) (*app.PipelineResult, error)
	CreditWallet(ctx context.Context, req domain.WalletAdjustmentRequest) (*domain.Transaction, error)
	GetWalletBalance(ctx context.Context, userID uuid.UUID) (*domain.WalletBalance, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, opts domain.TransactionListOptions) ([]domain.Transaction, error)
	GetTransaction(ctx context.Context, userID, transactionID uuid.UUID) (*domain.Transaction, error)
	ResolveRefund(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	ReconcileBalances(ctx context.Context, limit, offset int) (*domain.ReconcileReport, error)
}

// WalletHandlers holds the application service that handlers will use.
type WalletHandlers struct {
	service WalletService
	logger  *zap.Logger
}

// NewWalletHandlers creates a new instance of WalletHandlers.
func NewWalletHandlers(service WalletService, logger *zap.Logger) *WalletHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalletHandlers{service: service, logger: logger.With(zap.String("component", "api"))}
}

type successResponse struct {
	Message     string                 `json:"message"`
	Transaction *domain.Transaction    `json:"transaction"`
	Cashback    *domain.CashbackResult `json:"cashback,omitempty"`
}

type errorResponse struct {
	Message      string              `json:"message"`
	Detail       string              `json:"detail,omitempty"`
	RefundStatus string              `json:"refundStatus,omitempty"`
	Transaction  *domain.Transaction `json:"transaction,omitempty"`
}

const maxRequestBodyBytes = 1 << 20

// BuyAirtimeHandler handles `POST /api/buy-airtime`.
func (h *WalletHandlers) BuyAirtimeHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.BuyAirtimeRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, ok := h.authorizeBodyUser(w, r, req.UserID)
	if !ok {
		return
	}

	result, err := h.service.BuyAirtime(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, r, "buy_airtime", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{
		Message:     "Airtime purchase successful",
		Transaction: result.Transaction,
		Cashback:    result.Cashback,
	})
}

// BuyCableTVHandler handles `POST /api/buy-cable-tv`.
func (h *WalletHandlers) BuyCableTVHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.BuyCableRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, ok := h.authorizeBodyUser(w, r, req.UserID)
	if !ok {
		return
	}

	result, err := h.service.BuyCableTV(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, r, "buy_cable_tv", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{
		Message:     "Cable TV subscription successful",
		Transaction: result.Transaction,
		Cashback:    result.Cashback,
	})
}

// GetWalletBalanceHandler handles `GET /api/wallet/balance`.
func (h *WalletHandlers) GetWalletBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authUserID(w, r)
	if !ok {
		return
	}
	balance, err := h.service.GetWalletBalance(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, "wallet_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// ListTransactionsHandler handles `GET /api/transactions`.
func (h *WalletHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authUserID(w, r)
	if !ok {
		return
	}
	limit, offset, ok := parsePaging(w, r)
	if !ok {
		return
	}
	transactions, err := h.service.ListTransactions(r.Context(), userID, domain.TransactionListOptions{Limit: limit, Offset: offset})
	if err != nil {
		h.writeServiceError(w, r, "list_transactions", err)
		return
	}
	if transactions == nil {
		transactions = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": transactions})
}

// GetTransactionHandler handles `GET /api/transactions/{id}`.
func (h *WalletHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authUserID(w, r)
	if !ok {
		return
	}
	transactionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction id", "")
		return
	}
	tx, err := h.service.GetTransaction(r.Context(), userID, transactionID)
	if err != nil {
		h.writeServiceError(w, r, "get_transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// CreditWalletHandler handles `POST /api/admin/wallet/credit`.
func (h *WalletHandlers) CreditWalletHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.WalletAdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.service.CreditWallet(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "admin_credit", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Message: "Wallet credited", Transaction: tx})
}

// DebitWalletHandler handles `POST /api/admin/wallet/debit`.
func (h *WalletHandlers) DebitWalletHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.WalletAdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.DebitWallet(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "admin_debit", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Message: "Wallet debited", Transaction: result.Transaction})
}

// ReconcileBalancesHandler handles `POST /api/admin/reconcile`.
func (h *WalletHandlers) ReconcileBalancesHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := parsePaging(w, r)
	if !ok {
		return
	}
	report, err := h.service.ReconcileBalances(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, "admin_reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ResolveRefundHandler handles `POST /api/admin/transactions/{id}/resolve-refund`.
func (h *WalletHandlers) ResolveRefundHandler(w http.ResponseWriter, r *http.Request) {
	transactionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction id", "")
		return
	}
	tx, err := h.service.ResolveRefund(r.Context(), transactionID)
	if err != nil {
		h.writeServiceError(w, r, "admin_resolve_refund", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Message: "Refund completed", Transaction: tx})
}

func (h *WalletHandlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return false
	}
	return true
}

func (h *WalletHandlers) authUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	subject, ok := GetAuthUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(subject)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "token subject is not a valid user id")
		return uuid.Nil, false
	}
	return userID, true
}

// authorizeBodyUser enforces that the userId in the body is the authenticated user.
func (h *WalletHandlers) authorizeBodyUser(w http.ResponseWriter, r *http.Request, bodyUserID string) (uuid.UUID, bool) {
	userID, ok := h.authUserID(w, r)
	if !ok {
		return uuid.Nil, false
	}
	claimed, err := uuid.Parse(strings.TrimSpace(bodyUserID))
	if err != nil || claimed != userID {
		h.logger.Warn("request rejected",
			zap.String("outcome", "reject"),
			zap.String("reason", "user_mismatch"),
			zap.String("path", r.URL.Path),
			zap.String("user_id", userID.String()),
		)
		writeError(w, http.StatusUnauthorized, "Unauthorized", "userId does not match the authenticated user")
		return uuid.Nil, false
	}
	return userID, true
}

func parsePaging(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	limit, offset := 0, 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", "")
			return 0, 0, false
		}
		limit = parsed
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset", "")
			return 0, 0, false
		}
		offset = parsed
	}
	return limit, offset, true
}

// writeServiceError maps application errors onto HTTP responses.
func (h *WalletHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	var pipelineErr *app.PipelineError
	var rateErr *app.RateLimitError
	var duplicateErr *app.DuplicateReferenceError

	switch {
	case errors.As(err, &pipelineErr):
		h.logger.Warn("purchase failed after deduction",
			zap.String("endpoint", endpoint),
			zap.String("refund_status", pipelineErr.RefundStatus),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Message:      "Purchase failed",
			Detail:       pipelineErr.Cause.Error(),
			RefundStatus: pipelineErr.RefundStatus,
			Transaction:  pipelineErr.Transaction,
		})
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
	case errors.Is(err, store.ErrInsufficientFunds):
		writeError(w, http.StatusBadRequest, "Insufficient wallet balance", "")
	case errors.Is(err, app.ErrInvalidTransactionPIN):
		writeError(w, http.StatusUnauthorized, "Invalid transaction PIN.", "")
	case errors.Is(err, store.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "User not found", "")
	case errors.Is(err, store.ErrTransactionNotFound), errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusNotFound, "Transaction not found", "")
	case errors.As(err, &duplicateErr):
		writeJSON(w, http.StatusConflict, errorResponse{
			Message:     "Duplicate transaction reference",
			Transaction: duplicateErr.Transaction,
		})
	case errors.Is(err, store.ErrDuplicateReference):
		writeError(w, http.StatusConflict, "Duplicate transaction reference", "")
	case errors.Is(err, store.ErrRefundNotPending):
		writeError(w, http.StatusConflict, "Transaction is not awaiting a refund", "")
	case errors.Is(err, store.ErrTransactionPINNotSet):
		writeError(w, http.StatusPreconditionFailed, "Transaction PIN is not set. Please create your PIN first.", "")
	case errors.Is(err, app.ErrTransactionPINLocked):
		writeError(w, http.StatusLocked, "Too many incorrect PIN attempts. Please wait and try again.", "")
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, "Too many purchase attempts. Please try again later.", "")
	default:
		h.logger.Error("request failed",
			zap.String("endpoint", endpoint),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
	}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message, detail string) {
	writeJSON(w, status, errorResponse{Message: message, Detail: detail})
}
