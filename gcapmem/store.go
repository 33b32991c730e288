// Package gcapmem provides an in-memory persistence adapter for gcap.
//
// Transactions buffer their writes and validate the row versions they
// started from at commit, so two requests writing the same row never both
// commit.
package gcapmem

import (
	"context"
	"sort"
	"sync"

	"github.com/lemmego/gcap"
)

// =====================================
// Adapter Implementation
// =====================================

// Store implements gcap.Adapter entirely in memory
type Store struct {
	mu      sync.RWMutex
	tables  map[string]map[string]row
	version uint64
	closed  bool
}

type row struct {
	rec     gcap.Record
	version uint64
}

// New creates an empty store
func New() *Store {
	return &Store{tables: make(map[string]map[string]row)}
}

// Factory implements gcap.AdapterFactory
type Factory struct{}

// Create creates a new in-memory store; the configuration is ignored
func (f *Factory) Create(config gcap.StoreConfig) (gcap.Adapter, error) {
	return New(), nil
}

// SupportedDrivers returns the list of supported drivers
func (f *Factory) SupportedDrivers() []string {
	return []string{"memory", "mem"}
}

// Begin opens a new transaction
func (s *Store) Begin(ctx context.Context) (gcap.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, gcap.NewErrorWithCause(gcap.ErrorTypeConnection, "context done", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, gcap.NewError(gcap.ErrorTypeConnection, "store is closed")
	}
	return &Tx{store: s, writes: make(map[string]map[string]*pending)}, nil
}

// Migrate creates the tables for entities that do not have one yet
func (s *Store) Migrate(ctx context.Context, entities []*gcap.EntityDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		if _, ok := s.tables[e.Name]; !ok {
			s.tables[e.Name] = make(map[string]row)
		}
	}
	return nil
}

// Info returns information about this adapter
func (s *Store) Info() gcap.AdapterInfo {
	return gcap.AdapterInfo{
		Name:    "memory",
		Driver:  "memory",
		Storage: gcap.StorageMemory,
		Features: []gcap.Feature{
			gcap.FeatureTransactions,
			gcap.FeatureOptimistic,
			gcap.FeatureMigration,
		},
	}
}

// Close marks the store closed; later Begin calls fail
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Rows returns a copy of the committed records of entity, ordered by key
func (s *Store) Rows(entity string) []gcap.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table := s.tables[entity]
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]gcap.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, gcap.CloneRecord(table[k].rec))
	}
	return out
}

// lookup returns the committed row for key and its version, 0 when absent
func (s *Store) lookup(entity, key string) (row, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.tables[entity][key]
	if !ok {
		return row{}, 0
	}
	return r, r.version
}

func (s *Store) snapshot(entity string) map[string]gcap.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]gcap.Record, len(s.tables[entity]))
	for k, r := range s.tables[entity] {
		out[k] = r.rec
	}
	return out
}

// =====================================
// Transaction Implementation
// =====================================

// Tx implements gcap.Tx with buffered writes
type Tx struct {
	store  *Store
	writes map[string]map[string]*pending
	done   bool
}

// pending is a buffered write. A nil rec marks a delete; base is the
// committed version the write was made against.
type pending struct {
	rec  gcap.Record
	base uint64
}

func (t *Tx) check() error {
	if t.done {
		return gcap.NewError(gcap.ErrorTypeTransactionClosed, "transaction already ended")
	}
	return nil
}

// visible returns the record for key as seen by this transaction
func (t *Tx) visible(entity, key string) (gcap.Record, bool) {
	if p, ok := t.writes[entity][key]; ok {
		return p.rec, p.rec != nil
	}
	r, version := t.store.lookup(entity, key)
	return r.rec, version != 0
}

func (t *Tx) write(entity, key string, rec gcap.Record) {
	table, ok := t.writes[entity]
	if !ok {
		table = make(map[string]*pending)
		t.writes[entity] = table
	}
	if p, ok := table[key]; ok {
		p.rec = rec
		return
	}
	_, base := t.store.lookup(entity, key)
	table[key] = &pending{rec: rec, base: base}
}

// Insert stores a new record
func (t *Tx) Insert(ctx context.Context, entity *gcap.EntityDef, rec gcap.Record) (gcap.Record, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	key, err := entity.KeyString(rec)
	if err != nil {
		return nil, err
	}
	if _, exists := t.visible(entity.Name, key); exists {
		return nil, gcap.Errorf(gcap.ErrorTypeDuplicateKey, "%s(%s) already exists", entity.Name, key)
	}
	stored := project(entity, rec)
	t.write(entity.Name, key, stored)
	return gcap.CloneRecord(stored), nil
}

// Read returns the records matching q, including this transaction's writes
func (t *Tx) Read(ctx context.Context, entity *gcap.EntityDef, q gcap.Query) ([]gcap.Record, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	rows := t.store.snapshot(entity.Name)
	for key, p := range t.writes[entity.Name] {
		if p.rec == nil {
			delete(rows, key)
		} else {
			rows[key] = p.rec
		}
	}

	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	all := make([]gcap.Record, 0, len(keys))
	for _, k := range keys {
		all = append(all, gcap.CloneRecord(rows[k]))
	}
	return gcap.ApplyQuery(all, gcap.Query{Filter: q.Filter, Orders: q.Orders, Limit: q.Limit, Offset: q.Offset}), nil
}

// Update applies patch to an existing record
func (t *Tx) Update(ctx context.Context, entity *gcap.EntityDef, key gcap.Key, patch gcap.Record) error {
	if err := t.check(); err != nil {
		return err
	}
	k := key.Encode(entity.Keys)
	current, exists := t.visible(entity.Name, k)
	if !exists {
		return gcap.Errorf(gcap.ErrorTypeNotFound, "%s(%s) not found", entity.Name, k)
	}
	updated := gcap.CloneRecord(current)
	for name, v := range patch {
		if entity.HasField(name) && !entity.IsKey(name) {
			updated[name] = v
		}
	}
	t.write(entity.Name, k, updated)
	return nil
}

// Delete removes an existing record
func (t *Tx) Delete(ctx context.Context, entity *gcap.EntityDef, key gcap.Key) error {
	if err := t.check(); err != nil {
		return err
	}
	k := key.Encode(entity.Keys)
	if _, exists := t.visible(entity.Name, k); !exists {
		return gcap.Errorf(gcap.ErrorTypeNotFound, "%s(%s) not found", entity.Name, k)
	}
	t.write(entity.Name, k, nil)
	return nil
}

// Commit validates that no row this transaction wrote changed since it was
// first touched, then applies every buffered write atomically.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return gcap.NewError(gcap.ErrorTypeConnection, "store is closed")
	}
	for entity, table := range t.writes {
		for key, p := range table {
			var current uint64
			if r, ok := s.tables[entity][key]; ok {
				current = r.version
			}
			if current != p.base {
				return gcap.Errorf(gcap.ErrorTypeCommitFailed, "%s(%s) was modified concurrently", entity, key)
			}
		}
	}
	for entity, table := range t.writes {
		rows, ok := s.tables[entity]
		if !ok {
			rows = make(map[string]row)
			s.tables[entity] = rows
		}
		for key, p := range table {
			if p.rec == nil {
				delete(rows, key)
				continue
			}
			s.version++
			rows[key] = row{rec: p.rec, version: s.version}
		}
	}
	return nil
}

// Rollback discards the buffered writes
func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	t.writes = nil
	return nil
}

// project keeps the declared fields of rec
func project(entity *gcap.EntityDef, rec gcap.Record) gcap.Record {
	out := make(gcap.Record, len(entity.Fields))
	for _, f := range entity.Fields {
		if v, ok := rec[f.Name]; ok {
			out[f.Name] = v
		}
	}
	return out
}

// =====================================
// Registration
// =====================================

func init() {
	gcap.RegisterAdapter(&Factory{})
}
