package services

import (
	"errors"
	"fmt"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals malformed input rejected before persistence.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrCatalogItemNotFound indicates a referenced menu item does not exist.
	ErrCatalogItemNotFound = errors.New("catalog: item not found")
	// ErrInvalidTransition indicates the command is not allowed from the current status pair.
	ErrInvalidTransition = errors.New("order: invalid transition")
	// ErrPaymentGateway indicates the payment processor failed.
	ErrPaymentGateway = errors.New("order: payment gateway error")
	// ErrOrderConflict indicates concurrent writers kept winning the compare-and-swap.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the ledger backend could not be reached.
	ErrOrderUnavailable = errors.New("order: ledger unavailable")
	// ErrWebhookRejected indicates an event that failed verification or parsing.
	ErrWebhookRejected = errors.New("webhook: rejected")
)

// InvalidTransitionError carries the human readable reason a command was refused.
type InvalidTransitionError struct {
	Command Command
	From    domain.StatusPair
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order: invalid transition: %s (%s from %s)", e.Reason, e.Command, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// RefundError reports a refund that did not complete. The cancellation itself
// has committed; the order stays paid until a retry succeeds.
type RefundError struct {
	OrderID  int64
	Kind     domain.RefundFailureKind
	Attempts int
	Err      error
}

func (e *RefundError) Error() string {
	return fmt.Sprintf("refund for order %d failed (%s after %d attempts): %v", e.OrderID, e.Kind, e.Attempts, e.Err)
}

func (e *RefundError) Unwrap() []error { return []error{ErrPaymentGateway, e.Err} }

// Timeout reports whether the processor never answered.
func (e *RefundError) Timeout() bool { return e.Kind == domain.RefundFailureTimeout }

func mapRepositoryError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	switch {
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %v", notFound, err)
	case repositories.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrOrderConflict, err)
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	}
}
