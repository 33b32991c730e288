package gcapgorm

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lemmego/gcap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// =====================================
// Query Building Helpers
// =====================================

// buildQuery applies the filter, ordering and paging of q to db
func (t *Tx) buildQuery(db *gorm.DB, entity *gcap.EntityDef, q gcap.Query) (*gorm.DB, error) {
	if q.Filter != nil {
		expr, err := t.toExpression(entity, q.Filter)
		if err != nil {
			return nil, err
		}
		if expr != nil {
			db = db.Where(expr)
		}
	}

	for _, order := range q.Orders {
		db = db.Order(clause.OrderByColumn{
			Column: clause.Column{Name: order.Field},
			Desc:   order.Direction == gcap.OrderDesc,
		})
	}

	if q.Limit != nil {
		db = db.Limit(*q.Limit)
	}
	if q.Offset != nil && *q.Offset > 0 {
		if q.Limit == nil {
			// several dialects reject OFFSET without LIMIT
			db = db.Limit(math.MaxInt32)
		}
		db = db.Offset(*q.Offset)
	}
	return db, nil
}

// keyExpression builds the WHERE expression addressing one row
func (t *Tx) keyExpression(entity *gcap.EntityDef, key gcap.Key) (clause.Expression, error) {
	exprs := make([]clause.Expression, 0, len(entity.Keys))
	for _, name := range entity.Keys {
		v, ok := key[name]
		if !ok || v == nil {
			return nil, gcap.NewFieldError(gcap.ErrorTypeValidation, name, "key field is required")
		}
		exprs = append(exprs, clause.Eq{
			Column: clause.Column{Name: name},
			Value:  encodeValue(t.dialect, entity.Field(name).Type, v),
		})
	}
	return clause.And(exprs...), nil
}

// toExpression translates a gcap condition into a GORM clause expression.
// A nil expression means the condition matches every row.
func (t *Tx) toExpression(entity *gcap.EntityDef, condition gcap.Condition) (clause.Expression, error) {
	switch cond := condition.(type) {
	case gcap.BasicCondition:
		return t.basicExpression(entity, cond)
	case gcap.CompositeCondition:
		return t.compositeExpression(entity, cond)
	}
	return nil, gcap.Errorf(gcap.ErrorTypeUnsupported, "unsupported condition %T", condition)
}

// basicExpression translates a single comparison
func (t *Tx) basicExpression(entity *gcap.EntityDef, condition gcap.BasicCondition) (clause.Expression, error) {
	f := entity.Field(condition.FieldName)
	if f == nil {
		return nil, gcap.NewFieldError(gcap.ErrorTypeValidation, condition.FieldName, fmt.Sprintf("%s has no field %s", entity.Name, condition.FieldName))
	}
	column := clause.Column{Name: f.Name}
	value := encodeValue(t.dialect, f.Type, condition.Val)
	isNull := clause.Eq{Column: column, Value: nil}

	switch condition.Op {
	case gcap.OpEqual:
		return clause.Eq{Column: column, Value: value}, nil
	case gcap.OpNotEqual:
		if value == nil {
			return clause.Neq{Column: column, Value: nil}, nil
		}
		return clause.Or(clause.Neq{Column: column, Value: value}, isNull), nil
	case gcap.OpGreaterThan:
		return clause.Gt{Column: column, Value: value}, nil
	case gcap.OpGreaterThanOrEqual:
		return clause.Gte{Column: column, Value: value}, nil
	case gcap.OpLessThan:
		return clause.Lt{Column: column, Value: value}, nil
	case gcap.OpLessThanOrEqual:
		return clause.Lte{Column: column, Value: value}, nil
	case gcap.OpIsNull:
		return isNull, nil
	case gcap.OpIsNotNull:
		return clause.Neq{Column: column, Value: nil}, nil
	case gcap.OpIn, gcap.OpNotIn:
		values := inValues(t.dialect, f.Type, condition.Val)
		if condition.Op == gcap.OpIn {
			return clause.IN{Column: column, Values: values}, nil
		}
		if len(values) == 0 {
			return nil, nil
		}
		return clause.Or(clause.Not(clause.IN{Column: column, Values: values}), isNull), nil
	case gcap.OpContains:
		return clause.Like{Column: column, Value: "%" + likeText(condition.Val) + "%"}, nil
	case gcap.OpStartsWith:
		return clause.Like{Column: column, Value: likeText(condition.Val) + "%"}, nil
	case gcap.OpEndsWith:
		return clause.Like{Column: column, Value: "%" + likeText(condition.Val)}, nil
	}
	return nil, gcap.Errorf(gcap.ErrorTypeUnsupported, "unsupported operator %q", condition.Op)
}

// compositeExpression translates AND, OR and NOT
func (t *Tx) compositeExpression(entity *gcap.EntityDef, condition gcap.CompositeCondition) (clause.Expression, error) {
	exprs := make([]clause.Expression, 0, len(condition.Conditions))
	for _, sub := range condition.Conditions {
		expr, err := t.toExpression(entity, sub)
		if err != nil {
			return nil, err
		}
		if expr == nil {
			if condition.Logic == gcap.LogicOr {
				// one branch matches everything
				return nil, nil
			}
			continue
		}
		exprs = append(exprs, expr)
	}

	switch condition.Logic {
	case gcap.LogicOr:
		if len(exprs) == 0 {
			return clause.Expr{SQL: "1 = 0"}, nil
		}
		return clause.Or(exprs...), nil
	case gcap.LogicNot:
		if len(exprs) == 0 {
			return clause.Expr{SQL: "1 = 0"}, nil
		}
		return clause.Not(clause.And(exprs...)), nil
	}
	if len(exprs) == 0 {
		return nil, nil
	}
	return clause.And(exprs...), nil
}

func inValues(dialect string, t gcap.FieldType, v interface{}) []interface{} {
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
		out[i] = encodeValue(dialect, t, item)
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
func encodeValue(dialect string, t gcap.FieldType, v interface{}) interface{} {
	s, ok := v.(string)
	if !ok || dialect == "sqlite" {
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
func columnType(dialect string, f gcap.FieldDef, key bool) string {
	switch f.Type {
	case gcap.TypeString:
		switch dialect {
		case "mysql":
			return "VARCHAR(255)"
		case "sqlserver":
			if key {
				return "NVARCHAR(450)"
			}
			return "NVARCHAR(MAX)"
		}
		return "TEXT"
	case gcap.TypeInteger:
		if dialect == "sqlite" {
			return "INTEGER"
		}
		return "BIGINT"
	case gcap.TypeDecimal:
		switch dialect {
		case "sqlite":
			return "REAL"
		case "postgres":
			return "DOUBLE PRECISION"
		case "sqlserver":
			return "FLOAT"
		}
		return "DOUBLE"
	case gcap.TypeBoolean:
		if dialect == "sqlserver" {
			return "BIT"
		}
		return "BOOLEAN"
	case gcap.TypeUUID:
		switch dialect {
		case "postgres":
			return "UUID"
		case "mysql":
			return "CHAR(36)"
		case "sqlserver":
			return "NVARCHAR(36)"
		}
		return "TEXT"
	case gcap.TypeDate:
		return "DATE"
	case gcap.TypeDateTime:
		switch dialect {
		case "sqlite", "mysql":
			return "DATETIME"
		case "sqlserver":
			return "DATETIMEOFFSET"
		}
		return "TIMESTAMPTZ"
	case gcap.TypeTimestamp:
		switch dialect {
		case "sqlite":
			return "TIMESTAMP"
		case "mysql":
			return "DATETIME(6)"
		case "sqlserver":
			return "DATETIMEOFFSET(7)"
		}
		return "TIMESTAMPTZ"
	}
	return "TEXT"
}

// createTableSQL renders the CREATE TABLE statement for entity
func createTableSQL(dialector gorm.Dialector, entity *gcap.EntityDef) (string, error) {
	dialect := dialector.Name()
	quote := func(name string) string {
		var b strings.Builder
		dialector.QuoteTo(&b, name)
		return b.String()
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(quote(entity.Name))
	b.WriteString(" (")
	for i, f := range entity.Fields {
		if !f.Type.IsValid() {
			return "", gcap.NewFieldError(gcap.ErrorTypeValidation, f.Name, fmt.Sprintf("unsupported type %q", f.Type))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quote(f.Name))
		b.WriteString(" ")
		b.WriteString(columnType(dialect, f, entity.IsKey(f.Name)))
		if !f.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	keys := make([]string, len(entity.Keys))
	for i, k := range entity.Keys {
		keys[i] = quote(k)
	}
	b.WriteString(", PRIMARY KEY (")
	b.WriteString(strings.Join(keys, ", "))
	b.WriteString("))")
	return b.String(), nil
}
