// Package store holds verses, accounts and the post log behind one
// storage contract, with in-memory, SQLite and Postgres backends.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikequentel/wird/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	ErrNoVerses = errors.New("verse store is empty")
)

// VerseStore is the ordered, immutable verse collection.
type VerseStore interface {
	VerseCount(ctx context.Context) (int, error)
	// VerseByIndex wraps i modulo the verse count. It fails with
	// ErrNoVerses only when the collection is empty.
	VerseByIndex(ctx context.Context, i int) (model.Verse, error)
	// AddVerses appends vs; their indices are reassigned to follow the
	// existing collection.
	AddVerses(ctx context.Context, vs []model.Verse) error
}

type AccountStore interface {
	Account(ctx context.Context, id int64) (model.Account, error)
	AccountByUsername(ctx context.Context, username string) (model.Account, error)
	AccountByExternalID(ctx context.Context, provider, instance, externalID string) (model.Account, error)
	// CreateAccount fails with ErrConflict when the username is taken.
	CreateAccount(ctx context.Context, a model.Account) (model.Account, error)
	UpdateAccount(ctx context.Context, id int64, u model.AccountUpdate) (model.Account, error)
	// LinkedAccounts lists accounts whose linkage is complete.
	LinkedAccounts(ctx context.Context) ([]model.Account, error)
}

// PostLog is the append-only record of publish attempts.
type PostLog interface {
	AppendPost(ctx context.Context, p model.PostRecord) (model.PostRecord, error)
	// RecentPosts returns at most limit records, newest first.
	RecentPosts(ctx context.Context, accountID int64, limit int) ([]model.PostRecord, error)
}

type Store interface {
	VerseStore
	AccountStore
	PostLog
	Close() error
}

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the backend named by driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverSQLite:
		return OpenSQLite(dsn)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// wrapIndex maps any integer onto [0, n).
func wrapIndex(i, n int) int {
	return ((i % n) + n) % n
}

func applyUpdate(a *model.Account, u model.AccountUpdate) {
	if u.Link != nil {
		a.Link = *u.Link
	}
	if u.Cursor != nil {
		a.Cursor = *u.Cursor
	}
	if u.DaysPosted != nil {
		a.DaysPosted = *u.DaysPosted
	}
	if u.StartDate != nil {
		t := *u.StartDate
		a.StartDate = &t
	}
}
