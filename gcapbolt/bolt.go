// Package gcapbolt provides a bbolt-backed persistence adapter for gcap.
//
// Every entity is a bucket; records are stored as JSON under their encoded
// key. A gcap transaction holds a writable bolt transaction, so requests
// against the same file are serialized.
package gcapbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lemmego/gcap"
	bolt "go.etcd.io/bbolt"
)

// =====================================
// Adapter Implementation
// =====================================

// Store implements gcap.Adapter on a bbolt file
type Store struct {
	filename string
	db       *bolt.DB
}

// Open opens or creates the database file at filename
func Open(filename string, timeout time.Duration) (*Store, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, gcap.NewErrorWithCause(gcap.ErrorTypeConnection, "failed to create database directory", err)
		}
	}
	db, err := bolt.Open(filename, 0o644, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, gcap.NewErrorWithCause(gcap.ErrorTypeConnection, fmt.Sprintf("failed to open %s", filename), err)
	}
	return &Store{filename: filename, db: db}, nil
}

// Factory implements gcap.AdapterFactory
type Factory struct{}

// Create opens the file named by config.Database, or config.ConnectionURL
// when Database is empty. Options["bolt"]["timeout"] sets the file lock timeout.
func (f *Factory) Create(config gcap.StoreConfig) (gcap.Adapter, error) {
	filename := config.Database
	if filename == "" {
		filename = config.ConnectionURL
	}
	if filename == "" {
		return nil, gcap.NewFieldError(gcap.ErrorTypeValidation, "store.database", "bolt adapter needs a database file")
	}

	var timeout time.Duration
	if options, ok := config.Options["bolt"]; ok {
		if boltOpts, ok := options.(map[string]interface{}); ok {
			if s, ok := boltOpts["timeout"].(string); ok {
				d, err := time.ParseDuration(s)
				if err != nil {
					return nil, gcap.NewFieldError(gcap.ErrorTypeValidation, "store.options.bolt.timeout", err.Error())
				}
				timeout = d
			}
		}
	}
	return Open(filename, timeout)
}

// SupportedDrivers returns the list of supported drivers
func (f *Factory) SupportedDrivers() []string {
	return []string{"bolt", "bbolt"}
}

// Begin opens a writable bolt transaction
func (s *Store) Begin(ctx context.Context) (gcap.Tx, error) {
	btx, err := s.db.Begin(true)
	if err != nil {
		return nil, convertBoltError(err)
	}
	return &Tx{btx: btx}, nil
}

// Migrate creates a bucket per entity
func (s *Store) Migrate(ctx context.Context, entities []*gcap.EntityDef) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, e := range entities {
			if _, err := tx.CreateBucketIfNotExists([]byte(e.Name)); err != nil {
				return err
			}
		}
		return nil
	})
	return convertBoltError(err)
}

// Info returns information about this adapter
func (s *Store) Info() gcap.AdapterInfo {
	return gcap.AdapterInfo{
		Name:    "bbolt",
		Driver:  "bolt",
		Storage: gcap.StorageKV,
		Features: []gcap.Feature{
			gcap.FeatureTransactions,
			gcap.FeatureMigration,
			gcap.FeaturePersistent,
		},
	}
}

// Close closes the database file
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file name
func (s *Store) Path() string {
	return s.filename
}

// =====================================
// Transaction Implementation
// =====================================

// Tx implements gcap.Tx on a writable bolt transaction
type Tx struct {
	btx *bolt.Tx
}

func (t *Tx) bucket(entity *gcap.EntityDef, create bool) (*bolt.Bucket, error) {
	if t.btx.DB() == nil {
		return nil, gcap.NewError(gcap.ErrorTypeTransactionClosed, "transaction already ended")
	}
	if create {
		b, err := t.btx.CreateBucketIfNotExists([]byte(entity.Name))
		return b, convertBoltError(err)
	}
	return t.btx.Bucket([]byte(entity.Name)), nil
}

// Insert stores a new record
func (t *Tx) Insert(ctx context.Context, entity *gcap.EntityDef, rec gcap.Record) (gcap.Record, error) {
	b, err := t.bucket(entity, true)
	if err != nil {
		return nil, err
	}
	key, err := entity.KeyString(rec)
	if err != nil {
		return nil, err
	}
	if b.Get([]byte(key)) != nil {
		return nil, gcap.Errorf(gcap.ErrorTypeDuplicateKey, "%s(%s) already exists", entity.Name, key)
	}
	stored := project(entity, rec)
	if err := put(b, key, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// Read scans the entity bucket and applies q
func (t *Tx) Read(ctx context.Context, entity *gcap.EntityDef, q gcap.Query) ([]gcap.Record, error) {
	b, err := t.bucket(entity, false)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return []gcap.Record{}, nil
	}

	var all []gcap.Record
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		rec, err := decode(entity, v)
		if err != nil {
			return nil, err
		}
		all = append(all, rec)
	}
	return gcap.ApplyQuery(all, q), nil
}

// Update applies patch to an existing record
func (t *Tx) Update(ctx context.Context, entity *gcap.EntityDef, key gcap.Key, patch gcap.Record) error {
	b, err := t.bucket(entity, false)
	if err != nil {
		return err
	}
	k := key.Encode(entity.Keys)
	var raw []byte
	if b != nil {
		raw = b.Get([]byte(k))
	}
	if raw == nil {
		return gcap.Errorf(gcap.ErrorTypeNotFound, "%s(%s) not found", entity.Name, k)
	}
	rec, err := decode(entity, raw)
	if err != nil {
		return err
	}
	for name, v := range patch {
		if entity.HasField(name) && !entity.IsKey(name) {
			rec[name] = v
		}
	}
	return put(b, k, rec)
}

// Delete removes an existing record
func (t *Tx) Delete(ctx context.Context, entity *gcap.EntityDef, key gcap.Key) error {
	b, err := t.bucket(entity, false)
	if err != nil {
		return err
	}
	k := key.Encode(entity.Keys)
	if b == nil || b.Get([]byte(k)) == nil {
		return gcap.Errorf(gcap.ErrorTypeNotFound, "%s(%s) not found", entity.Name, k)
	}
	return convertBoltError(b.Delete([]byte(k)))
}

// Commit writes the transaction to disk
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.btx.Commit(); err != nil {
		if errors.Is(err, bolt.ErrTxClosed) {
			return gcap.NewErrorWithCause(gcap.ErrorTypeTransactionClosed, "transaction already ended", err)
		}
		return gcap.NewErrorWithCause(gcap.ErrorTypeCommitFailed, "bolt commit failed", err)
	}
	return nil
}

// Rollback discards the transaction
func (t *Tx) Rollback(ctx context.Context) error {
	return convertBoltError(t.btx.Rollback())
}

// =====================================
// Encoding
// =====================================

func put(b *bolt.Bucket, key string, rec gcap.Record) error {
	js, err := json.Marshal(rec)
	if err != nil {
		return gcap.NewErrorWithCause(gcap.ErrorTypeInternal, "failed to encode record", err)
	}
	return convertBoltError(b.Put([]byte(key), js))
}

func decode(entity *gcap.EntityDef, raw []byte) (gcap.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec gcap.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, gcap.NewErrorWithCause(gcap.ErrorTypeInternal, fmt.Sprintf("stored %s record is corrupt", entity.Name), err)
	}
	return gcap.DecodeRecord(entity, rec)
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
// Error Conversion
// =====================================

// convertBoltError converts bolt errors to gcap errors
func convertBoltError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, bolt.ErrTxClosed):
		return gcap.NewErrorWithCause(gcap.ErrorTypeTransactionClosed, "transaction already ended", err)
	case errors.Is(err, bolt.ErrDatabaseNotOpen), errors.Is(err, bolt.ErrTimeout):
		return gcap.NewErrorWithCause(gcap.ErrorTypeConnection, "database unavailable", err)
	case errors.Is(err, bolt.ErrDatabaseReadOnly), errors.Is(err, bolt.ErrTxNotWritable):
		return gcap.NewErrorWithCause(gcap.ErrorTypeUnsupported, "database is read-only", err)
	case errors.Is(err, bolt.ErrBucketNameRequired), errors.Is(err, bolt.ErrKeyRequired),
		errors.Is(err, bolt.ErrKeyTooLarge), errors.Is(err, bolt.ErrValueTooLarge):
		return gcap.NewErrorWithCause(gcap.ErrorTypeValidation, "invalid bucket or key", err)
	}
	return gcap.NewErrorWithCause(gcap.ErrorTypeInternal, "bolt operation failed", err)
}

// =====================================
// Registration
// =====================================

func init() {
	gcap.RegisterAdapter(&Factory{})
}
