// Package repotest holds behaviour checks shared by every ledger backend.
package repotest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/repositories"
)

// NewOrder returns a pending order for phone with the classic two-burger basket.
func NewOrder(phone string) domain.Order {
	lines := []domain.OrderLine{
		{CatalogItemID: 1, Name: "Classic Burger", Quantity: 2, UnitPriceCents: 899},
		{CatalogItemID: 4, Name: "French Fries", Quantity: 1, UnitPriceCents: 399},
	}
	return domain.Order{
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		OwnerID:       "user-1",
		Phone:         phone,
		Lines:         lines,
		TotalCents:    domain.SumLines(lines),
	}
}

// RunLedger exercises a backend through its repository bundle. Phone numbers
// are made unique per run so the suite can share a database.
func RunLedger(t *testing.T, ledger repositories.Ledger) {
	t.Helper()
	suffix := fmt.Sprintf("%07d", time.Now().UnixNano()%10_000_000)
	phone := "+1415" + suffix

	t.Run("create assigns ids and version", func(t *testing.T) {
		ctx := context.Background()
		created, err := ledger.Orders.Create(ctx, NewOrder(phone))
		require.NoError(t, err)
		require.NotZero(t, created.ID)
		require.Equal(t, int64(1), created.Version)
		require.Len(t, created.Lines, 2)
		require.Equal(t, int64(1), created.Lines[0].ID)
		require.Equal(t, int64(2), created.Lines[1].ID)

		got, err := ledger.Orders.Get(ctx, created.ID)
		require.NoError(t, err)
		require.Equal(t, int64(2197), got.TotalCents)
		require.Equal(t, "Classic Burger", got.Lines[0].Name)
		require.Equal(t, domain.OrderStatusPending, got.Status)

		second, err := ledger.Orders.Create(ctx, NewOrder(phone))
		require.NoError(t, err)
		require.Greater(t, second.ID, created.ID)
	})

	t.Run("get missing is not found", func(t *testing.T) {
		_, err := ledger.Orders.Get(context.Background(), 9_999_999)
		require.True(t, repositories.IsNotFound(err), "got %v", err)
	})

	t.Run("attach checkout is set once", func(t *testing.T) {
		ctx := context.Background()
		created, err := ledger.Orders.Create(ctx, NewOrder(phone))
		require.NoError(t, err)

		attached, err := ledger.Orders.AttachCheckout(ctx, created.ID, "cs_test_1", "https://checkout/1")
		require.NoError(t, err)
		require.Equal(t, "cs_test_1", attached.PaymentSessionID)
		require.Greater(t, attached.Version, created.Version)
		require.Len(t, attached.Lines, 2)

		_, err = ledger.Orders.AttachCheckout(ctx, created.ID, "cs_test_2", "https://checkout/2")
		require.True(t, repositories.IsConflict(err), "got %v", err)
	})

	t.Run("compare and swap", func(t *testing.T) {
		ctx := context.Background()
		created, err := ledger.Orders.Create(ctx, NewOrder(phone))
		require.NoError(t, err)

		next := created.Clone()
		now := time.Now().UTC().Truncate(time.Millisecond)
		next.Status = domain.OrderStatusCancelRequested
		next.CancelledAt = &now
		written, err := ledger.Orders.CompareAndSwap(ctx, created.Pair(), created.Version, next)
		require.NoError(t, err)
		require.Equal(t, created.Version+1, written.Version)
		require.NotNil(t, written.CancelledAt)

		stale := created.Clone()
		stale.Status = domain.OrderStatusDone
		_, err = ledger.Orders.CompareAndSwap(ctx, created.Pair(), created.Version, stale)
		require.True(t, repositories.IsConflict(err), "got %v", err)

		got, err := ledger.Orders.Get(ctx, created.ID)
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusCancelRequested, got.Status)

		missing := created.Clone()
		missing.ID = 9_999_998
		_, err = ledger.Orders.CompareAndSwap(ctx, created.Pair(), 1, missing)
		require.True(t, repositories.IsNotFound(err), "got %v", err)
	})

	t.Run("concurrent swaps have one winner", func(t *testing.T) {
		ctx := context.Background()
		created, err := ledger.Orders.Create(ctx, NewOrder(phone))
		require.NoError(t, err)

		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next := created.Clone()
				next.Status = domain.OrderStatusDone
				if _, err := ledger.Orders.CompareAndSwap(ctx, created.Pair(), created.Version, next); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins)
	})

	t.Run("swap returns the row it wrote", func(t *testing.T) {
		ctx := context.Background()
		created, err := ledger.Orders.Create(ctx, NewOrder(phone))
		require.NoError(t, err)

		const writers = 6
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			versions = make(map[int64]string)
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(note string) {
				defer wg.Done()
				for attempt := 0; attempt < 100; attempt++ {
					current, err := ledger.Orders.Get(ctx, created.ID)
					if err != nil {
						return
					}
					next := current.Clone()
					next.Notes = note
					written, err := ledger.Orders.CompareAndSwap(ctx, current.Pair(), current.Version, next)
					if repositories.IsConflict(err) {
						continue
					}
					if err != nil {
						return
					}
					mu.Lock()
					versions[written.Version] = written.Notes
					mu.Unlock()
					if written.Notes != note || written.Version != current.Version+1 || len(written.Lines) != 2 {
						t.Errorf("writer %s got back %q@%d with %d lines", note, written.Notes, written.Version, len(written.Lines))
					}
					return
				}
			}(fmt.Sprintf("writer-%d", i))
		}
		wg.Wait()
		require.Len(t, versions, writers)
	})

	t.Run("refund failure round trips", func(t *testing.T) {
		ctx := context.Background()
		created, err := ledger.Orders.Create(ctx, NewOrder(phone))
		require.NoError(t, err)

		next := created.Clone()
		next.Status = domain.OrderStatusCancelled
		next.PaymentStatus = domain.PaymentStatusPaid
		next.PaymentSessionID = "cs_rf"
		next.RefundFailure = &domain.RefundFailure{
			Kind:        domain.RefundFailureTimeout,
			Message:     "stripe timed out",
			Attempts:    3,
			AttemptedAt: time.Now().UTC().Truncate(time.Millisecond),
		}
		_, err = ledger.Orders.CompareAndSwap(ctx, created.Pair(), created.Version, next)
		require.NoError(t, err)

		failures, err := ledger.Orders.ListRefundFailures(ctx, 100)
		require.NoError(t, err)
		found := false
		for _, o := range failures {
			if o.ID == created.ID {
				found = true
				require.Equal(t, domain.RefundFailureTimeout, o.RefundFailure.Kind)
				require.Equal(t, 3, o.RefundFailure.Attempts)
			}
		}
		require.True(t, found)
	})

	t.Run("list by phone and filter", func(t *testing.T) {
		ctx := context.Background()
		byPhone, err := ledger.Orders.ListByPhone(ctx, phone)
		require.NoError(t, err)
		require.NotEmpty(t, byPhone)
		for i := 1; i < len(byPhone); i++ {
			require.Less(t, byPhone[i-1].ID, byPhone[i].ID)
		}

		none, err := ledger.Orders.ListByPhone(ctx, "+10000000000")
		require.NoError(t, err)
		require.Empty(t, none)

		first := byPhone[0]
		page, err := ledger.Orders.List(ctx, domain.OrderFilter{Status: domain.OrderStatusPending, AfterID: first.ID - 1, Limit: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		require.Equal(t, domain.OrderStatusPending, page[0].Status)
	})

	t.Run("delete", func(t *testing.T) {
		ctx := context.Background()
		created, err := ledger.Orders.Create(ctx, NewOrder(phone))
		require.NoError(t, err)
		require.NoError(t, ledger.Orders.Delete(ctx, created.ID))
		_, err = ledger.Orders.Get(ctx, created.ID)
		require.True(t, repositories.IsNotFound(err))
	})

	t.Run("catalog", func(t *testing.T) {
		ctx := context.Background()
		item, err := ledger.Catalog.Upsert(ctx, domain.CatalogItem{ID: 501, Name: "Soda", PriceCents: 199})
		require.NoError(t, err)
		got, err := ledger.Catalog.Get(ctx, item.ID)
		require.NoError(t, err)
		require.Equal(t, int64(199), got.PriceCents)

		_, err = ledger.Catalog.Get(ctx, 9_999_997)
		require.True(t, repositories.IsNotFound(err))

		items, err := ledger.Catalog.List(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, items)
	})

	t.Run("webhook events are append only", func(t *testing.T) {
		ctx := context.Background()
		id := "evt_" + suffix
		exists, err := ledger.WebhookEvents.Exists(ctx, id)
		require.NoError(t, err)
		require.False(t, exists)

		require.NoError(t, ledger.WebhookEvents.Record(ctx, domain.WebhookEvent{EventID: id, Type: "checkout.session.completed", OrderID: 1}))
		exists, err = ledger.WebhookEvents.Exists(ctx, id)
		require.NoError(t, err)
		require.True(t, exists)

		err = ledger.WebhookEvents.Record(ctx, domain.WebhookEvent{EventID: id, Type: "checkout.session.completed"})
		require.True(t, repositories.IsConflict(err), "got %v", err)
	})
}
