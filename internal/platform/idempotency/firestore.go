package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/jbites/api/internal/platform/firestore"
)

const (
	defaultCollection   = "idempotency_keys"
	defaultCleanupLimit = 100
)

// FirestoreStore keeps records in a Firestore collection, one document per scoped key.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

// FirestoreOption customises a FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection name.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

func NewFirestoreStore(provider *pfirestore.Provider, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{provider: provider, collection: defaultCollection}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *FirestoreStore) doc(client *firestore.Client, key string) *firestore.DocumentRef {
	return client.Collection(s.collection).Doc(documentID(key))
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ttl = normalizeTTL(ttl)
	client, err := s.provider.Client(ctx)
	if err != nil {
		return Reservation{}, err
	}
	ref := s.doc(client, key)

	var result Reservation
	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, found, err := readRecord(tx, ref)
		if err != nil {
			return err
		}
		if found && !expired(existing, now) {
			result, err = classify(existing, fingerprint)
			return err
		}
		record := pendingRecord(key, fingerprint, now, ttl)
		result = Reservation{Outcome: OutcomeFresh, Record: record}
		return tx.Set(ref, toDocument(record))
	})
	if err != nil {
		return Reservation{}, err
	}
	return result, nil
}

func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = normalizeTTL(ttl)
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	ref := s.doc(client, key)

	return pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		record, found, err := readRecord(tx, ref)
		if err != nil {
			return err
		}
		if !found {
			record = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
		} else if record.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		return tx.Set(ref, toDocument(complete(record, resp, now, ttl)))
	})
}

func (s *FirestoreStore) Release(ctx context.Context, key, _ string) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	if _, err := s.doc(client, key).Delete(ctx); err != nil {
		return pfirestore.WrapError("idempotency.release", err)
	}
	return nil
}

// CleanupExpired deletes up to limit expired documents in one batch.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	docs, err := client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.cleanup", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	batch := client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := batch.Delete(doc.Ref); err != nil {
			batch.End()
			return 0, pfirestore.WrapError("idempotency.cleanup", err)
		}
	}
	batch.End()
	return len(docs), nil
}

func readRecord(tx *firestore.Transaction, ref *firestore.DocumentRef) (Record, bool, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		wrapped := pfirestore.WrapError("idempotency.read", err)
		if fe, ok := wrapped.(*pfirestore.Error); ok && fe.IsNotFound() {
			return Record{}, false, nil
		}
		return Record{}, false, wrapped
	}
	var doc document
	if err := snap.DataTo(&doc); err != nil {
		return Record{}, false, err
	}
	return doc.record(), true, nil
}

type document struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"response_status"`
	ResponseHeaders map[string][]string `firestore:"response_headers"`
	ResponseBody    []byte              `firestore:"response_body"`
	CreatedAt       time.Time           `firestore:"created_at"`
	UpdatedAt       time.Time           `firestore:"updated_at"`
	ExpiresAt       time.Time           `firestore:"expires_at"`
}

func toDocument(r Record) document {
	return document{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          string(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func (d document) record() Record {
	return Record{
		Key:             d.Key,
		Fingerprint:     d.Fingerprint,
		Status:          Status(d.Status),
		ResponseStatus:  d.ResponseStatus,
		ResponseHeaders: d.ResponseHeaders,
		ResponseBody:    d.ResponseBody,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		ExpiresAt:       d.ExpiresAt,
	}
}
