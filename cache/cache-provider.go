package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotCacheable is returned by Put when the response snapshot cannot be stored,
	// e.g. partial content or a `Vary: *` response.
	ErrNotCacheable = errors.New("response not cacheable")
	// ErrStoreClosed is returned when operating on a store that was deleted from its storage.
	ErrStoreClosed = errors.New("store deleted")
)

// Storage is the registry of named stores for one origin.
// Store names follow the `{family}-v{version}` convention but the storage itself
// does not interpret them.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the store with the given name, creating it if it does not exist.
	// Opening an existing store is a no-op.
	Open(ctx context.Context, name string) (Store, error)
	// Names returns the names of all existing stores, in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named store and all of its entries.
	// It reports whether a store was removed.
	Delete(ctx context.Context, name string) (bool, error)
	// Match searches every store, in creation order, for the given key
	// and returns the first stored snapshot found.
	Match(ctx context.Context, key string) ([]byte, bool, error)
	// Close releases the underlying connection.
	Close() error
}

// Store is one named collection of request->response entries.
// There is at most one entry per key.
type Store interface {
	Name() string
	// Match returns the stored snapshot for the key, if any.
	Match(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores the entry, replacing any entry with the same key.
	// A replaced entry moves to the end of the write order.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys returns all keys in write order, oldest first.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the entry for the key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
}

// Entry is a single cached request-key/response-snapshot pair.
type Entry struct {
	Key      string
	StoredAt time.Time
	// HTTP/1.1 wire representation of the response.
	Bytes []byte
}
