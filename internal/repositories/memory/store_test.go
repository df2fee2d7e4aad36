package memory

import (
	"context"
	"testing"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/repositories/repotest"
)

func TestMemoryLedger(t *testing.T) {
	repotest.RunLedger(t, New().Ledger())
}

func TestCompareAndSwapKeepsImmutableFields(t *testing.T) {
	store := New()
	ctx := context.Background()
	created, err := store.Create(ctx, repotest.NewOrder("+14155550132"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	next := created.Clone()
	next.Phone = "+19999999999"
	next.TotalCents = 1
	next.Lines = nil
	next.Status = domain.OrderStatusDone
	written, err := store.CompareAndSwap(ctx, created.Pair(), created.Version, next)
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if written.Phone != created.Phone || written.TotalCents != 2197 || len(written.Lines) != 2 {
		t.Fatalf("immutable fields changed: %+v", written)
	}
}

func TestReturnedOrdersDoNotAliasStorage(t *testing.T) {
	store := New()
	ctx := context.Background()
	created, _ := store.Create(ctx, repotest.NewOrder("+14155550132"))
	created.Lines[0].Quantity = 50

	got, _ := store.Get(ctx, created.ID)
	if got.Lines[0].Quantity != 2 {
		t.Fatalf("stored line mutated through returned order: %d", got.Lines[0].Quantity)
	}
}
