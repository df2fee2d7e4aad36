package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/jbites/api/internal/platform/firestore"
)

const (
	countersCollection = "counters"
	orderCounterID     = "orders"
)

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// nextValue increments the named counter inside tx. Reads must precede
// writes in a Firestore transaction, so callers invoke it before any Set.
func nextValue(tx *firestore.Transaction, client *firestore.Client, counterID string, now time.Time) (int64, *firestore.DocumentRef, counterDocument, error) {
	ref := client.Collection(countersCollection).Doc(counterID)
	snap, err := tx.Get(ref)
	var doc counterDocument
	switch {
	case err == nil:
		if err := snap.DataTo(&doc); err != nil {
			return 0, nil, doc, fmt.Errorf("decode counter %s: %w", counterID, err)
		}
	case isNotFound(err):
	default:
		return 0, nil, doc, pfirestore.WrapError("counters.next", err)
	}
	doc.CurrentValue++
	doc.UpdatedAt = now
	return doc.CurrentValue, ref, doc, nil
}

func isNotFound(err error) bool {
	fe, ok := pfirestore.WrapError("", err).(*pfirestore.Error)
	return ok && fe.IsNotFound()
}

// txRunner is the part of the provider the repositories depend on.
type txRunner interface {
	Client(ctx context.Context) (*firestore.Client, error)
	RunTransaction(ctx context.Context, fn pfirestore.TxFunc, opts ...pfirestore.TxOption) error
}
