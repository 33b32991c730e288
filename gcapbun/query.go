package gcapbun

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lemmego/gcap"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// =====================================
// Query Building Helpers
// =====================================

// predicate is a WHERE fragment with Bun placeholders
type predicate struct {
	sql  string
	args []interface{}
}

var matchNone = predicate{sql: "1 = 0"}

func joinPredicates(sep string, parts []predicate) predicate {
	if len(parts) == 1 {
		return parts[0]
	}
	sqls := make([]string, len(parts))
	var args []interface{}
	for i, p := range parts {
		sqls[i] = "(" + p.sql + ")"
		args = append(args, p.args...)
	}
	return predicate{sql: strings.Join(sqls, " "+sep+" "), args: args}
}

// buildSelectQuery applies the filter, ordering and paging of q
func (t *Tx) buildSelectQuery(entity *gcap.EntityDef, q gcap.Query) (*bun.SelectQuery, error) {
	query := t.tx.NewSelect().TableExpr("?", bun.Ident(entity.Name))

	if q.Filter != nil {
		where, ok, err := t.toPredicate(entity, q.Filter)
		if err != nil {
			return nil, err
		}
		if ok {
			query = query.Where("("+where.sql+")", where.args...)
		}
	}

	for _, order := range q.Orders {
		if order.Direction == gcap.OrderDesc {
			query = query.OrderExpr("? DESC", bun.Ident(order.Field))
		} else {
			query = query.OrderExpr("? ASC", bun.Ident(order.Field))
		}
	}

	if q.Limit != nil {
		query = query.Limit(*q.Limit)
	}
	if q.Offset != nil && *q.Offset > 0 {
		if q.Limit == nil {
			// several dialects reject OFFSET without LIMIT
			query = query.Limit(math.MaxInt32)
		}
		query = query.Offset(*q.Offset)
	}
	return query, nil
}

// keyPredicate builds the WHERE fragment addressing one row
func (t *Tx) keyPredicate(entity *gcap.EntityDef, key gcap.Key) (predicate, error) {
	parts := make([]predicate, 0, len(entity.Keys))
	for _, name := range entity.Keys {
		v, ok := key[name]
		if !ok || v == nil {
			return predicate{}, gcap.NewFieldError(gcap.ErrorTypeValidation, name, "key field is required")
		}
		parts = append(parts, predicate{
			sql:  "? = ?",
			args: []interface{}{bun.Ident(name), encodeValue(t.dialect, entity.Field(name).Type, v)},
		})
	}
	return joinPredicates("AND", parts), nil
}

// toPredicate translates a gcap condition into a WHERE fragment.
// ok is false when the condition matches every row.
func (t *Tx) toPredicate(entity *gcap.EntityDef, condition gcap.Condition) (predicate, bool, error) {
	switch cond := condition.(type) {
	case gcap.BasicCondition:
		return t.basicPredicate(entity, cond)
	case gcap.CompositeCondition:
		return t.compositePredicate(entity, cond)
	}
	return predicate{}, false, gcap.Errorf(gcap.ErrorTypeUnsupported, "unsupported condition %T", condition)
}

// basicPredicate translates a single comparison
func (t *Tx) basicPredicate(entity *gcap.EntityDef, condition gcap.BasicCondition) (predicate, bool, error) {
	f := entity.Field(condition.FieldName)
	if f == nil {
		return predicate{}, false, gcap.NewFieldError(gcap.ErrorTypeValidation, condition.FieldName, fmt.Sprintf("%s has no field %s", entity.Name, condition.FieldName))
	}
	column := bun.Ident(f.Name)
	value := encodeValue(t.dialect, f.Type, condition.Val)
	compare := func(op string) (predicate, bool, error) {
		return predicate{sql: "? " + op + " ?", args: []interface{}{column, value}}, true, nil
	}

	switch condition.Op {
	case gcap.OpEqual:
		if value == nil {
			return predicate{sql: "? IS NULL", args: []interface{}{column}}, true, nil
		}
		return compare("=")
	case gcap.OpNotEqual:
		if value == nil {
			return predicate{sql: "? IS NOT NULL", args: []interface{}{column}}, true, nil
		}
		return predicate{sql: "? != ? OR ? IS NULL", args: []interface{}{column, value, column}}, true, nil
	case gcap.OpGreaterThan:
		return compare(">")
	case gcap.OpGreaterThanOrEqual:
		return compare(">=")
	case gcap.OpLessThan:
		return compare("<")
	case gcap.OpLessThanOrEqual:
		return compare("<=")
	case gcap.OpIsNull:
		return predicate{sql: "? IS NULL", args: []interface{}{column}}, true, nil
	case gcap.OpIsNotNull:
		return predicate{sql: "? IS NOT NULL", args: []interface{}{column}}, true, nil
	case gcap.OpIn, gcap.OpNotIn:
		values := inValues(t.dialect, f.Type, condition.Val)
		if condition.Op == gcap.OpIn {
			if len(values) == 0 {
				return matchNone, true, nil
			}
			return predicate{sql: "? IN (?)", args: []interface{}{column, bun.In(values)}}, true, nil
		}
		if len(values) == 0 {
			return predicate{}, false, nil
		}
		return predicate{sql: "? NOT IN (?) OR ? IS NULL", args: []interface{}{column, bun.In(values), column}}, true, nil
	case gcap.OpContains:
		return predicate{sql: "? LIKE ?", args: []interface{}{column, "%" + likeText(condition.Val) + "%"}}, true, nil
	case gcap.OpStartsWith:
		return predicate{sql: "? LIKE ?", args: []interface{}{column, likeText(condition.Val) + "%"}}, true, nil
	case gcap.OpEndsWith:
		return predicate{sql: "? LIKE ?", args: []interface{}{column, "%" + likeText(condition.Val)}}, true, nil
	}
	return predicate{}, false, gcap.Errorf(gcap.ErrorTypeUnsupported, "unsupported operator %q", condition.Op)
}

// compositePredicate translates AND, OR and NOT
func (t *Tx) compositePredicate(entity *gcap.EntityDef, condition gcap.CompositeCondition) (predicate, bool, error) {
	parts := make([]predicate, 0, len(condition.Conditions))
	for _, sub := range condition.Conditions {
		p, ok, err := t.toPredicate(entity, sub)
		if err != nil {
			return predicate{}, false, err
		}
		if !ok {
			if condition.Logic == gcap.LogicOr {
				// one branch matches everything
				return predicate{}, false, nil
			}
			continue
		}
		parts = append(parts, p)
	}

	switch condition.Logic {
	case gcap.LogicOr:
		if len(parts) == 0 {
			return matchNone, true, nil
		}
		return joinPredicates("OR", parts), true, nil
	case gcap.LogicNot:
		if len(parts) == 0 {
			return matchNone, true, nil
		}
		inner := joinPredicates("AND", parts)
		return predicate{sql: "NOT (" + inner.sql + ")", args: inner.args}, true, nil
	}
	if len(parts) == 0 {
		return predicate{}, false, nil
	}
	return joinPredicates("AND", parts), true, nil
}

func inValues(name dialect.Name, t gcap.FieldType, v interface{}) []interface{} {
	var items []interface{}
	switch list := v.(type) {
	case nil:
	case []interface{}:
		items = list
	default:
		items = []interface{}{v}
	}
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = encodeValue(name, t, item)
	}
	return out
}

func likeText(v interface{}) string {
	s, _ := v.(string)
	return s
}

// encodeValue converts a canonical value into what the dialect stores.
// SQLite keeps temporal values as canonical text; the other databases get
// time.Time for their native temporal columns.
func encodeValue(name dialect.Name, t gcap.FieldType, v interface{}) interface{} {
	s, ok := v.(string)
	if !ok || name == dialect.SQLite {
		return v
	}
	var layout string
	switch t {
	case gcap.TypeDate:
		layout = gcap.DateLayout
	case gcap.TypeDateTime:
		layout = gcap.DateTimeLayout
	case gcap.TypeTimestamp:
		layout = gcap.TimestampLayout
	default:
		return v
	}
	ts, err := time.Parse(layout, s)
	if err != nil {
		return v
	}
	return ts.UTC()
}

// =====================================
// Schema
// =====================================

// columnType maps a field type onto a column type of the dialect
func columnType(name dialect.Name, f gcap.FieldDef) string {
	switch f.Type {
	case gcap.TypeString:
		if name == dialect.MySQL {
			return "VARCHAR(255)"
		}
		return "TEXT"
	case gcap.TypeInteger:
		if name == dialect.SQLite {
			return "INTEGER"
		}
		return "BIGINT"
	case gcap.TypeDecimal:
		switch name {
		case dialect.SQLite:
			return "REAL"
		case dialect.PG:
			return "DOUBLE PRECISION"
		}
		return "DOUBLE"
	case gcap.TypeBoolean:
		return "BOOLEAN"
	case gcap.TypeUUID:
		switch name {
		case dialect.PG:
			return "UUID"
		case dialect.MySQL:
			return "CHAR(36)"
		}
		return "TEXT"
	case gcap.TypeDate:
		return "DATE"
	case gcap.TypeDateTime:
		if name == dialect.PG {
			return "TIMESTAMPTZ"
		}
		return "DATETIME"
	case gcap.TypeTimestamp:
		switch name {
		case dialect.PG:
			return "TIMESTAMPTZ"
		case dialect.MySQL:
			return "DATETIME(6)"
		}
		return "TIMESTAMP"
	}
	return "TEXT"
}

// createTableSQL renders the CREATE TABLE statement for entity with its
// identifiers as Bun arguments
func createTableSQL(name dialect.Name, entity *gcap.EntityDef) (string, []interface{}, error) {
	args := []interface{}{bun.Ident(entity.Name)}
	columns := make([]string, 0, len(entity.Fields)+1)
	for _, f := range entity.Fields {
		if !f.Type.IsValid() {
			return "", nil, gcap.NewFieldError(gcap.ErrorTypeValidation, f.Name, fmt.Sprintf("unsupported type %q", f.Type))
		}
		column := "? " + columnType(name, f)
		if !f.Nullable {
			column += " NOT NULL"
		}
		columns = append(columns, column)
		args = append(args, bun.Ident(f.Name))
	}

	keys := make([]string, len(entity.Keys))
	for i, k := range entity.Keys {
		keys[i] = "?"
		args = append(args, bun.Ident(k))
	}
	columns = append(columns, "PRIMARY KEY ("+strings.Join(keys, ", ")+")")

	return "CREATE TABLE IF NOT EXISTS ? (" + strings.Join(columns, ", ") + ")", args, nil
}
