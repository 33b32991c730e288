package gcapmongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/lemmego/gcap"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/x/mongo/driver/session"
)

// =====================================
// Transaction Implementation
// =====================================

// Tx implements gcap.Tx on a session transaction
type Tx struct {
	database *mongo.Database
	session  mongo.Session
	done     bool
}

func (t *Tx) sessionContext(ctx context.Context) (context.Context, error) {
	if t.done {
		return nil, gcap.NewError(gcap.ErrorTypeTransactionClosed, "transaction already ended")
	}
	return mongo.NewSessionContext(ctx, t.session), nil
}

// Insert inserts a new document
func (t *Tx) Insert(ctx context.Context, entity *gcap.EntityDef, rec gcap.Record) (gcap.Record, error) {
	sctx, err := t.sessionContext(ctx)
	if err != nil {
		return nil, err
	}
	key, err := entity.KeyString(rec)
	if err != nil {
		return nil, err
	}

	doc := bson.M{"_id": key}
	stored := make(gcap.Record, len(entity.Fields))
	for _, f := range entity.Fields {
		if v, ok := rec[f.Name]; ok {
			doc[f.Name] = v
			stored[f.Name] = v
		}
	}

	if _, err := t.database.Collection(entity.Name).InsertOne(sctx, doc); err != nil {
		err := convertMongoError(err)
		if gcap.IsDuplicateKey(err) {
			return nil, gcap.NewErrorWithCause(gcap.ErrorTypeDuplicateKey, fmt.Sprintf("%s(%s) already exists", entity.Name, key), err)
		}
		return nil, err
	}
	return stored, nil
}

// Read finds the documents matching q
func (t *Tx) Read(ctx context.Context, entity *gcap.EntityDef, q gcap.Query) ([]gcap.Record, error) {
	sctx, err := t.sessionContext(ctx)
	if err != nil {
		return nil, err
	}
	filter, findOpts, err := buildQuery(entity, q)
	if err != nil {
		return nil, err
	}

	cursor, err := t.database.Collection(entity.Name).Find(sctx, filter, findOpts)
	if err != nil {
		return nil, convertMongoError(err)
	}
	var docs []bson.M
	if err := cursor.All(sctx, &docs); err != nil {
		return nil, convertMongoError(err)
	}

	out := make([]gcap.Record, 0, len(docs))
	for _, doc := range docs {
		delete(doc, "_id")
		rec, err := gcap.DecodeRecord(entity, gcap.Record(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Update sets the patched fields of the document with the given key
func (t *Tx) Update(ctx context.Context, entity *gcap.EntityDef, key gcap.Key, patch gcap.Record) error {
	sctx, err := t.sessionContext(ctx)
	if err != nil {
		return err
	}
	id, err := documentID(entity, key)
	if err != nil {
		return err
	}

	set := bson.M{}
	for name, v := range patch {
		if entity.HasField(name) && !entity.IsKey(name) {
			set[name] = v
		}
	}

	coll := t.database.Collection(entity.Name)
	var matched int64
	if len(set) == 0 {
		matched, err = coll.CountDocuments(sctx, bson.M{"_id": id})
	} else {
		var res *mongo.UpdateResult
		res, err = coll.UpdateOne(sctx, bson.M{"_id": id}, bson.M{"$set": set})
		if res != nil {
			matched = res.MatchedCount
		}
	}
	if err != nil {
		return convertMongoError(err)
	}
	if matched == 0 {
		return gcap.Errorf(gcap.ErrorTypeNotFound, "%s(%s) not found", entity.Name, id)
	}
	return nil
}

// Delete deletes the document with the given key
func (t *Tx) Delete(ctx context.Context, entity *gcap.EntityDef, key gcap.Key) error {
	sctx, err := t.sessionContext(ctx)
	if err != nil {
		return err
	}
	id, err := documentID(entity, key)
	if err != nil {
		return err
	}

	res, err := t.database.Collection(entity.Name).DeleteOne(sctx, bson.M{"_id": id})
	if err != nil {
		return convertMongoError(err)
	}
	if res.DeletedCount == 0 {
		return gcap.Errorf(gcap.ErrorTypeNotFound, "%s(%s) not found", entity.Name, id)
	}
	return nil
}

// Commit commits the session transaction
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return gcap.NewError(gcap.ErrorTypeTransactionClosed, "transaction already ended")
	}
	t.done = true
	ctx = context.WithoutCancel(ctx)
	defer t.session.EndSession(ctx)

	if err := t.session.CommitTransaction(ctx); err != nil {
		return gcap.Error{
			Type:    gcap.ErrorTypeCommitFailed,
			Message: "commit failed",
			Cause:   err,
		}
	}
	return nil
}

// Rollback aborts the session transaction
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return gcap.NewError(gcap.ErrorTypeTransactionClosed, "transaction already ended")
	}
	t.done = true
	ctx = context.WithoutCancel(ctx)
	defer t.session.EndSession(ctx)

	return convertAbortError(t.session.AbortTransaction(ctx))
}

// convertAbortError converts an AbortTransaction error
func convertAbortError(err error) error {
	if errors.Is(err, session.ErrAbortAfterCommit) {
		return gcap.NewErrorWithCause(gcap.ErrorTypeTransactionClosed, "transaction already committed", err)
	}
	return convertMongoError(err)
}

// documentID encodes key the way Insert stores it in _id
func documentID(entity *gcap.EntityDef, key gcap.Key) (string, error) {
	for _, name := range entity.Keys {
		if v, ok := key[name]; !ok || v == nil {
			return "", gcap.NewFieldError(gcap.ErrorTypeValidation, name, "key field is required")
		}
	}
	return key.Encode(entity.Keys), nil
}
