package store

import (
	"context"
	"errors"
)

// Namespaces managed by the store. Import validation rejects anything else.
const (
	NamespaceEntities = "entities"
	NamespaceQueue    = "queue"
	NamespaceMetadata = "metadata"
)

var Namespaces = []string{NamespaceEntities, NamespaceQueue, NamespaceMetadata}

var (
	// ErrQuotaExceeded is returned by Set when the write would push the
	// store's serialized footprint over its configured ceiling.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrInvalidFormat is returned by Import for malformed or
	// version-incompatible snapshots. The store is left untouched.
	ErrInvalidFormat = errors.New("invalid persisted format")
)

type Store interface {
	// Get returns the value for key in namespace, or nil if absent.
	Get(ctx context.Context, namespace, key string) ([]byte, error)

	// Set writes key=value in namespace. Returns ErrQuotaExceeded if the
	// write would exceed the size ceiling; the store is unchanged in that case.
	Set(ctx context.Context, namespace, key string, value []byte) error

	// Remove deletes key from namespace. Removing an absent key is a no-op.
	Remove(ctx context.Context, namespace, key string) error

	// Keys lists all keys in namespace in lexicographic order.
	Keys(ctx context.Context, namespace string) ([]string, error)

	// Clear wipes the given namespaces in a single transaction.
	Clear(ctx context.Context, namespaces ...string) error

	// Size reports the store's current serialized footprint in bytes.
	Size(ctx context.Context) (int64, error)

	// Export serializes every namespace into a versioned snapshot.
	Export(ctx context.Context) (*Snapshot, error)

	// Import replaces the store's contents with the snapshot, atomically.
	// Returns ErrInvalidFormat for malformed input; the store is untouched
	// on any failure.
	Import(ctx context.Context, snap *Snapshot) error

	Close() error
}
