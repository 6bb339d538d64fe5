package app

import (
	"errors"
	"fmt"

	"github.com/zidewell/zidwell-team-sub003/internal/domain"
	"github.com/zidewell/zidwell-team-sub003/internal/store"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrInvalidTransactionPIN = errors.New("invalid transaction pin")
	ErrTransactionPINLocked  = errors.New("transaction pin temporarily locked")
	ErrProviderFailed        = errors.New("provider purchase failed")
	ErrRateLimited           = errors.New("too many purchase attempts")
	ErrForbidden             = errors.New("transaction does not belong to user")
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// RateLimitError is returned when a user exceeds the purchase rate limit.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s; retry after %ds", ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// DuplicateReferenceError is returned when a merchant reference was already used. Transaction is
// the earlier transaction when it belongs to the same user, nil otherwise.
type DuplicateReferenceError struct {
	Transaction *domain.Transaction
}

func (e *DuplicateReferenceError) Error() string { return store.ErrDuplicateReference.Error() }

func (e *DuplicateReferenceError) Unwrap() error { return store.ErrDuplicateReference }

// PipelineError reports a purchase that failed after the wallet was debited. The terminal
// transaction and the outcome of the compensating refund travel with it.
type PipelineError struct {
	Cause        error
	RefundStatus string
	Transaction  *domain.Transaction
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s (refund %s): %v", ErrProviderFailed, e.RefundStatus, e.Cause)
}

func (e *PipelineError) Unwrap() []error { return []error{ErrProviderFailed, e.Cause} }
