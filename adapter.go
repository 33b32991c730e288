package gcap

import "context"

// =====================================
// Persistence Adapter Interfaces
// =====================================

// Adapter is the backing store the runtime drives. Every request gets its
// own Tx; the runtime never touches the store outside one.
type Adapter interface {
	// Begin opens a new unit of work.
	// The returned Tx must be ended with exactly one Commit or Rollback.
	Begin(ctx context.Context) (Tx, error)

	// Migrate prepares storage (tables, buckets) for the given entities.
	// Existing storage is left untouched.
	Migrate(ctx context.Context, entities []*EntityDef) error

	// Info returns metadata about this adapter.
	Info() AdapterInfo

	// Close releases connections and file handles.
	Close() error
}

// Tx is a unit of work against the store. Records passed in and out use
// the canonical value representation (see Coerce).
type Tx interface {
	// Insert stores a new record and returns it as stored.
	// Returns ErrorTypeDuplicateKey if a record with the same key exists.
	Insert(ctx context.Context, entity *EntityDef, rec Record) (Record, error)

	// Read returns all records matching q. An empty result is not an error.
	Read(ctx context.Context, entity *EntityDef, q Query) ([]Record, error)

	// Update applies patch to the record with the given key.
	// Returns ErrorTypeNotFound if the key is absent.
	Update(ctx context.Context, entity *EntityDef, key Key, patch Record) error

	// Delete removes the record with the given key.
	// Returns ErrorTypeNotFound if the key is absent.
	Delete(ctx context.Context, entity *EntityDef, key Key) error

	// Commit makes all changes durable.
	// Returns ErrorTypeCommitFailed if the store detects a conflict.
	Commit(ctx context.Context) error

	// Rollback discards all changes.
	Rollback(ctx context.Context) error
}

// AdapterFactory opens adapters for one or more drivers
type AdapterFactory interface {
	// Create opens an adapter for the given configuration.
	Create(config StoreConfig) (Adapter, error)

	// SupportedDrivers returns the driver names this factory handles.
	SupportedDrivers() []string
}
