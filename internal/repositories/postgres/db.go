// Package postgres is the SQL ledger backend built on database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/jbites/api/internal/repositories"
)

//go:embed schema.sql
var schema string

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return db, nil
}

// Ledger bundles the repositories over db.
func Ledger(db *sql.DB) repositories.Ledger {
	return repositories.Ledger{
		Orders:        NewOrderRepository(db),
		Catalog:       NewCatalogRepository(db),
		WebhookEvents: NewWebhookEventRepository(db),
		Ping:          db.PingContext,
		Close:         db.Close,
	}
}

// classify maps driver failures onto repository error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repositories.NewNotFound(op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23", "40":
			// integrity violation, serialization failure or deadlock
			return repositories.NewConflict(op, err)
		case "08", "53", "57":
			return repositories.NewUnavailable(op, err)
		}
		return repositories.Wrap(op, err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return repositories.NewUnavailable(op, err)
	}
	return repositories.Wrap(op, err)
}

func withTx(ctx context.Context, db *sql.DB, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return classify(op, tx.Commit())
}
