package datastore

import (
	"context"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for GoRelay entities.
// The default implementation is SQLite; MemoryStore backs the tests
// and can serve as a template for other backends.
type DataStore interface {
	Close() error

	UserReadProvider
	UserWriteProvider

	MessageReadProvider
	MessageWriteProvider
}

// Compile-time check: the SQLite factory satisfies the interface.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type UserReadProvider interface {
	GetUserByUsername(username string) (*model.User, error)
	ListUsers() ([]model.User, error)
}

type UserWriteProvider interface {
	// CreateUser inserts a new user record marked online with the given
	// connect time. Fails on duplicate username.
	CreateUser(username, passwordDigest string, connectedAt time.Time) (*model.User, error)

	// MarkOnline sets is_online=true and refreshes connected_at.
	MarkOnline(username string, connectedAt time.Time) error

	// SetOffline clears is_online. Unknown username is a no-op.
	SetOffline(username string) error

	// ResetOnline clears is_online for every user. Run at startup to
	// clean up flags left behind by an unclean shutdown.
	ResetOnline() error
}

type MessageReadProvider interface {
	ListMessages(filters model.MessageFilters) ([]model.Message, error)
}

type MessageWriteProvider interface {
	CreateMessage(message *model.Message) error
}
