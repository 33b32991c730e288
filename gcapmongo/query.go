package gcapmongo

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/lemmego/gcap"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// =====================================
// Query Building
// =====================================

// matchNone is a filter no document satisfies
var matchNone = bson.M{"_id": bson.M{"$exists": false}}

// buildQuery builds the MongoDB filter and find options for q
func buildQuery(entity *gcap.EntityDef, q gcap.Query) (bson.M, *options.FindOptions, error) {
	filter := bson.M{}
	if q.Filter != nil {
		f, err := buildCondition(entity, q.Filter)
		if err != nil {
			return nil, nil, err
		}
		if f != nil {
			filter = f
		}
	}

	findOpts := options.Find()

	sort := bson.D{}
	for _, order := range q.Orders {
		direction := 1
		if order.Direction == gcap.OrderDesc {
			direction = -1
		}
		sort = append(sort, bson.E{Key: order.Field, Value: direction})
	}
	// stable paging without an explicit order
	sort = append(sort, bson.E{Key: "_id", Value: 1})
	findOpts.SetSort(sort)

	if q.Limit != nil {
		findOpts.SetLimit(int64(*q.Limit))
	}
	if q.Offset != nil && *q.Offset > 0 {
		findOpts.SetSkip(int64(*q.Offset))
	}

	return filter, findOpts, nil
}

// buildCondition translates a gcap condition into a filter.
// A nil filter matches every document.
func buildCondition(entity *gcap.EntityDef, condition gcap.Condition) (bson.M, error) {
	switch cond := condition.(type) {
	case gcap.BasicCondition:
		return buildBasicCondition(entity, cond)
	case gcap.CompositeCondition:
		return buildCompositeCondition(entity, cond)
	}
	return nil, gcap.Errorf(gcap.ErrorTypeUnsupported, "unsupported condition %T", condition)
}

// buildBasicCondition translates a single comparison
func buildBasicCondition(entity *gcap.EntityDef, condition gcap.BasicCondition) (bson.M, error) {
	f := entity.Field(condition.FieldName)
	if f == nil {
		return nil, gcap.NewFieldError(gcap.ErrorTypeValidation, condition.FieldName, fmt.Sprintf("%s has no field %s", entity.Name, condition.FieldName))
	}
	field := f.Name
	value := condition.Val

	switch condition.Op {
	case gcap.OpEqual:
		return bson.M{field: value}, nil
	case gcap.OpNotEqual:
		return bson.M{field: bson.M{"$ne": value}}, nil
	case gcap.OpGreaterThan:
		return bson.M{field: bson.M{"$gt": value}}, nil
	case gcap.OpGreaterThanOrEqual:
		return bson.M{field: bson.M{"$gte": value}}, nil
	case gcap.OpLessThan:
		return bson.M{field: bson.M{"$lt": value}}, nil
	case gcap.OpLessThanOrEqual:
		return bson.M{field: bson.M{"$lte": value}}, nil
	case gcap.OpIsNull:
		return bson.M{field: nil}, nil
	case gcap.OpIsNotNull:
		return bson.M{field: bson.M{"$ne": nil}}, nil
	case gcap.OpIn:
		return bson.M{field: bson.M{"$in": listOf(value)}}, nil
	case gcap.OpNotIn:
		return bson.M{field: bson.M{"$nin": listOf(value)}}, nil
	case gcap.OpContains:
		return regexCondition(field, regexp.QuoteMeta(likeText(value))), nil
	case gcap.OpStartsWith:
		return regexCondition(field, "^"+regexp.QuoteMeta(likeText(value))), nil
	case gcap.OpEndsWith:
		return regexCondition(field, regexp.QuoteMeta(likeText(value))+"$"), nil
	}
	return nil, gcap.Errorf(gcap.ErrorTypeUnsupported, "unsupported operator %q", condition.Op)
}

// buildCompositeCondition translates AND, OR and NOT
func buildCompositeCondition(entity *gcap.EntityDef, condition gcap.CompositeCondition) (bson.M, error) {
	filters := make([]bson.M, 0, len(condition.Conditions))
	for _, sub := range condition.Conditions {
		f, err := buildCondition(entity, sub)
		if err != nil {
			return nil, err
		}
		if f == nil {
			if condition.Logic == gcap.LogicOr {
				// one branch matches everything
				return nil, nil
			}
			continue
		}
		filters = append(filters, f)
	}

	switch condition.Logic {
	case gcap.LogicOr:
		if len(filters) == 0 {
			return matchNone, nil
		}
		return bson.M{"$or": filters}, nil
	case gcap.LogicNot:
		if len(filters) == 0 {
			return matchNone, nil
		}
		return bson.M{"$nor": []bson.M{{"$and": filters}}}, nil
	}
	if len(filters) == 0 {
		return nil, nil
	}
	return bson.M{"$and": filters}, nil
}

func regexCondition(field, pattern string) bson.M {
	return bson.M{field: bson.M{"$regex": pattern}}
}

func listOf(v interface{}) []interface{} {
	switch list := v.(type) {
	case nil:
		return []interface{}{}
	case []interface{}:
		return list
	}
	return []interface{}{v}
}

func likeText(v interface{}) string {
	s, _ := v.(string)
	return s
}

// =====================================
// Error Conversion
// =====================================

// convertMongoError converts MongoDB errors to gcap errors
func convertMongoError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return gcap.Error{
			Type:    gcap.ErrorTypeNotFound,
			Message: "document not found",
			Cause:   err,
		}
	case errors.Is(err, mongo.ErrNilDocument), errors.Is(err, mongo.ErrNilValue):
		return gcap.Error{
			Type:    gcap.ErrorTypeValidation,
			Message: "nil document provided",
			Cause:   err,
		}
	case errors.Is(err, mongo.ErrClientDisconnected):
		return gcap.Error{
			Type:    gcap.ErrorTypeConnection,
			Message: "client disconnected",
			Cause:   err,
		}
	case mongo.IsDuplicateKeyError(err):
		return gcap.Error{
			Type:    gcap.ErrorTypeDuplicateKey,
			Message: "duplicate key violation",
			Cause:   err,
		}
	case mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return gcap.Error{
			Type:    gcap.ErrorTypeConnection,
			Message: "connection error",
			Cause:   err,
		}
	}

	// WriteConflict and other transient transaction errors
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && (serverErr.HasErrorCode(112) || serverErr.HasErrorLabel("TransientTransactionError")) {
		return gcap.Error{
			Type:    gcap.ErrorTypeCommitFailed,
			Message: "concurrent modification",
			Cause:   err,
		}
	}

	return gcap.Error{
		Type:    gcap.ErrorTypeInternal,
		Message: "mongo operation failed",
		Cause:   err,
	}
}
