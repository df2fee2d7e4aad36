package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/platform/textutil"
	"github.com/jbites/api/internal/repositories"
)

const (
	maxReasonLength    = 280
	maxBulkOrderIDs    = 200
	defaultSweepLimit  = 50
	maxSweepLimit      = 500
	refundSweepActorID = "system:refund-sweep"
)

// CancellationServiceDeps bundles collaborators of the cancellation workflow.
type CancellationServiceDeps struct {
	Orders       repositories.OrderRepository
	StateMachine OrderStateMachine
	Logger       Logger
}

type cancellationService struct {
	orders  repositories.OrderRepository
	machine OrderStateMachine
	logger  Logger
}

// NewCancellationService wires the cancellation workflow.
func NewCancellationService(deps CancellationServiceDeps) (CancellationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("cancellation service: order repository is required")
	}
	if deps.StateMachine == nil {
		return nil, errors.New("cancellation service: state machine is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &cancellationService{orders: deps.Orders, machine: deps.StateMachine, logger: logger}, nil
}

// RequestCancellation moves a pending order to cancel_requested. Customers
// may only cancel their own orders; other orders are reported as not found.
func (s *cancellationService) RequestCancellation(ctx context.Context, cmd RequestCancellationCommand) (domain.Order, error) {
	if cmd.OrderID <= 0 {
		return domain.Order{}, fmt.Errorf("%w: order id must be positive", ErrOrderInvalidInput)
	}
	requester := strings.TrimSpace(cmd.RequesterID)
	if requester == "" {
		return domain.Order{}, fmt.Errorf("%w: requester is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.Get(ctx, cmd.OrderID)
	if err != nil {
		return domain.Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	if !cmd.IsStaff && order.OwnerID != requester {
		return domain.Order{}, fmt.Errorf("%w: order %d", ErrOrderNotFound, cmd.OrderID)
	}

	result, err := s.machine.Apply(ctx, cmd.OrderID, Transition{
		Command: CommandRequestCancellation,
		ActorID: requester,
		Reason:  textutil.SanitizeText(cmd.Reason, maxReasonLength),
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result.Order, nil
}

// ApproveCancellations cancels each order independently. Paid orders are
// refunded as part of the approval.
func (s *cancellationService) ApproveCancellations(ctx context.Context, cmd BulkCancellationCommand) (BulkCancellationResult, error) {
	return s.bulk(ctx, cmd, CommandApproveCancellation)
}

// DenyCancellations returns each order to pending independently.
func (s *cancellationService) DenyCancellations(ctx context.Context, cmd BulkCancellationCommand) (BulkCancellationResult, error) {
	return s.bulk(ctx, cmd, CommandDenyCancellation)
}

func (s *cancellationService) bulk(ctx context.Context, cmd BulkCancellationCommand, command Command) (BulkCancellationResult, error) {
	ids, err := dedupeOrderIDs(cmd.OrderIDs)
	if err != nil {
		return BulkCancellationResult{}, err
	}
	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		return BulkCancellationResult{}, fmt.Errorf("%w: actor is required", ErrOrderInvalidInput)
	}

	results := make([]CancellationOutcome, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			results = append(results, CancellationOutcome{OrderID: id, Status: OutcomeError, Reason: "request cancelled", Err: err})
			continue
		}
		result, err := s.machine.Apply(ctx, id, Transition{Command: command, ActorID: actor})
		outcome := classifyOutcome(id, command, result, err)
		if err != nil {
			s.logger(ctx, "cancellation.bulk.item_failed", map[string]any{
				"order_id": id,
				"command":  string(command),
				"status":   string(outcome.Status),
				"error":    err.Error(),
			})
		}
		results = append(results, outcome)
	}
	s.logger(ctx, "cancellation.bulk.completed", map[string]any{
		"command": string(command),
		"actor":   actor,
		"count":   len(results),
	})
	return BulkCancellationResult{Results: results}, nil
}

func dedupeOrderIDs(raw []int64) ([]int64, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: at least one order id is required", ErrOrderInvalidInput)
	}
	seen := make(map[int64]struct{}, len(raw))
	ids := make([]int64, 0, len(raw))
	for _, id := range raw {
		if id <= 0 {
			return nil, fmt.Errorf("%w: order id %d must be positive", ErrOrderInvalidInput, id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) > maxBulkOrderIDs {
		return nil, fmt.Errorf("%w: at most %d order ids per request", ErrOrderInvalidInput, maxBulkOrderIDs)
	}
	return ids, nil
}

func classifyOutcome(id int64, command Command, result TransitionResult, err error) CancellationOutcome {
	outcome := CancellationOutcome{OrderID: id, Err: err}
	if result.Order.ID != 0 {
		order := result.Order
		outcome.Order = &order
	}

	var refundErr *RefundError
	var transitionErr *InvalidTransitionError
	switch {
	case err == nil && command == CommandDenyCancellation:
		outcome.Status = OutcomeDenied
	case err == nil && result.Order.PaymentStatus == domain.PaymentStatusRefunded:
		outcome.Status = OutcomeRefunded
	case err == nil:
		outcome.Status = OutcomeApproved
	case errors.As(err, &refundErr):
		outcome.Status = OutcomeRefundFailed
		outcome.Reason = "refund_" + string(refundErr.Kind)
	case errors.As(err, &transitionErr):
		outcome.Status = OutcomeInvalidTransition
		outcome.Reason = transitionErr.Reason
	case errors.Is(err, ErrOrderNotFound):
		outcome.Status = OutcomeNotFound
		outcome.Reason = "order not found"
	default:
		outcome.Status = OutcomeError
		outcome.Reason = err.Error()
	}
	return outcome
}

// RetryRefund re-issues the refund of a cancelled order that is still paid.
func (s *cancellationService) RetryRefund(ctx context.Context, orderID int64, actorID string) (domain.Order, error) {
	result, err := s.machine.Refund(ctx, orderID, strings.TrimSpace(actorID))
	return result.Order, err
}

// RetryFailedRefunds sweeps orders whose last refund timed out. Declined
// refunds are left for staff since retrying them cannot succeed.
func (s *cancellationService) RetryFailedRefunds(ctx context.Context, limit int) (RefundSweepResult, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	limit = min(limit, maxSweepLimit)

	orders, err := s.orders.ListRefundFailures(ctx, limit)
	if err != nil {
		return RefundSweepResult{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	var out RefundSweepResult
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if order.RefundFailure == nil || order.RefundFailure.Kind != domain.RefundFailureTimeout {
			out.Skipped++
			continue
		}
		out.Attempted++
		result, err := s.machine.Refund(ctx, order.ID, refundSweepActorID)
		switch {
		case err == nil && result.Order.PaymentStatus == domain.PaymentStatusRefunded:
			out.Refunded++
		case err == nil:
			out.Skipped++
		default:
			out.Failed++
		}
	}
	s.logger(ctx, "refund.sweep.completed", map[string]any{
		"attempted": out.Attempted,
		"refunded":  out.Refunded,
		"failed":    out.Failed,
		"skipped":   out.Skipped,
	})
	return out, nil
}
