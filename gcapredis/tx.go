package gcapredis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"
	"github.com/lemmego/gcap"
)

// =====================================
// Transaction Implementation
// =====================================

// Tx implements gcap.Tx. Reads go to the server and see the pending
// writes of the transaction; writes stay local until Commit.
type Tx struct {
	store *Store
	// versions holds the version of each entity at first access
	versions map[string]int64
	// writes maps entity and encoded key to the new record, nil for a delete
	writes map[string]map[string]gcap.Record
	done   bool
}

func (t *Tx) check() error {
	if t.done {
		return gcap.NewError(gcap.ErrorTypeTransactionClosed, "transaction already ended")
	}
	return nil
}

// observe captures the entity version the first time the transaction touches it
func (t *Tx) observe(ctx context.Context, entity *gcap.EntityDef) error {
	if _, ok := t.versions[entity.Name]; ok {
		return nil
	}
	v, err := t.store.client.Get(ctx, t.store.versionKey(entity.Name)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return convertRedisError(err)
	}
	t.versions[entity.Name] = v
	return nil
}

// lookup returns the current record under key, including pending writes
func (t *Tx) lookup(ctx context.Context, entity *gcap.EntityDef, key string) (gcap.Record, error) {
	if rows, ok := t.writes[entity.Name]; ok {
		if rec, ok := rows[key]; ok {
			return rec, nil
		}
	}
	raw, err := t.store.client.HGet(ctx, t.store.dataKey(entity.Name), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, convertRedisError(err)
	}
	return decode(entity, raw)
}

func (t *Tx) put(entity *gcap.EntityDef, key string, rec gcap.Record) {
	rows, ok := t.writes[entity.Name]
	if !ok {
		rows = make(map[string]gcap.Record)
		t.writes[entity.Name] = rows
	}
	rows[key] = rec
}

// Insert buffers a new record
func (t *Tx) Insert(ctx context.Context, entity *gcap.EntityDef, rec gcap.Record) (gcap.Record, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	key, err := entity.KeyString(rec)
	if err != nil {
		return nil, err
	}
	if err := t.observe(ctx, entity); err != nil {
		return nil, err
	}
	existing, err := t.lookup(ctx, entity, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, gcap.Errorf(gcap.ErrorTypeDuplicateKey, "%s(%s) already exists", entity.Name, key)
	}

	stored := project(entity, rec)
	t.put(entity, key, stored)
	return gcap.CloneRecord(stored), nil
}

// Read loads the entity hash, overlays pending writes and applies q
func (t *Tx) Read(ctx context.Context, entity *gcap.EntityDef, q gcap.Query) ([]gcap.Record, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if err := t.observe(ctx, entity); err != nil {
		return nil, err
	}
	raw, err := t.store.client.HGetAll(ctx, t.store.dataKey(entity.Name)).Result()
	if err != nil {
		return nil, convertRedisError(err)
	}

	byKey := make(map[string]gcap.Record, len(raw))
	for k, v := range raw {
		rec, err := decode(entity, v)
		if err != nil {
			return nil, err
		}
		byKey[k] = rec
	}
	for k, rec := range t.writes[entity.Name] {
		if rec == nil {
			delete(byKey, k)
			continue
		}
		byKey[k] = rec
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	all := make([]gcap.Record, len(keys))
	for i, k := range keys {
		all[i] = gcap.CloneRecord(byKey[k])
	}
	return gcap.ApplyQuery(all, q), nil
}

// Update buffers a patch of an existing record
func (t *Tx) Update(ctx context.Context, entity *gcap.EntityDef, key gcap.Key, patch gcap.Record) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := t.observe(ctx, entity); err != nil {
		return err
	}
	k := key.Encode(entity.Keys)
	rec, err := t.lookup(ctx, entity, k)
	if err != nil {
		return err
	}
	if rec == nil {
		return gcap.Errorf(gcap.ErrorTypeNotFound, "%s(%s) not found", entity.Name, k)
	}

	next := gcap.CloneRecord(rec)
	for name, v := range patch {
		if entity.HasField(name) && !entity.IsKey(name) {
			next[name] = v
		}
	}
	t.put(entity, k, next)
	return nil
}

// Delete buffers the removal of an existing record
func (t *Tx) Delete(ctx context.Context, entity *gcap.EntityDef, key gcap.Key) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := t.observe(ctx, entity); err != nil {
		return err
	}
	k := key.Encode(entity.Keys)
	rec, err := t.lookup(ctx, entity, k)
	if err != nil {
		return err
	}
	if rec == nil {
		return gcap.Errorf(gcap.ErrorTypeNotFound, "%s(%s) not found", entity.Name, k)
	}
	t.put(entity, k, nil)
	return nil
}

// Commit writes the buffered records in one MULTI block, guarded by WATCH
// on the version of every written entity
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	if len(t.writes) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	encoded := make(map[string]map[string]string, len(t.writes))
	watched := make([]string, 0, len(t.writes))
	for name, rows := range t.writes {
		out := make(map[string]string, len(rows))
		for k, rec := range rows {
			if rec == nil {
				continue
			}
			js, err := json.Marshal(rec)
			if err != nil {
				return gcap.NewErrorWithCause(gcap.ErrorTypeInternal, "failed to encode record", err)
			}
			out[k] = string(js)
		}
		encoded[name] = out
		watched = append(watched, t.store.versionKey(name))
	}

	err := t.store.client.Watch(ctx, func(rtx *redis.Tx) error {
		for name := range t.writes {
			current, err := rtx.Get(ctx, t.store.versionKey(name)).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if current != t.versions[name] {
				return fmt.Errorf("%s: %w", name, errConflict)
			}
		}

		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for name, rows := range t.writes {
				data := t.store.dataKey(name)
				for k, rec := range rows {
					if rec == nil {
						pipe.HDel(ctx, data, k)
						continue
					}
					pipe.HSet(ctx, data, k, encoded[name][k])
				}
				pipe.Incr(ctx, t.store.versionKey(name))
			}
			return nil
		})
		return err
	}, watched...)
	if err != nil {
		converted := convertRedisError(err)
		if gcap.IsErrorType(converted, gcap.ErrorTypeCommitFailed) {
			return converted
		}
		return gcap.NewErrorWithCause(gcap.ErrorTypeCommitFailed, "redis commit failed", err)
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

// =====================================
// Encoding
// =====================================

func decode(entity *gcap.EntityDef, raw string) (gcap.Record, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
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
