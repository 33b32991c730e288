package gcap

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// =====================================
// Filter Predicates
// =====================================

// Operator represents query operators
type Operator string

const (
	OpEqual              Operator = "="
	OpNotEqual           Operator = "!="
	OpGreaterThan        Operator = ">"
	OpGreaterThanOrEqual Operator = ">="
	OpLessThan           Operator = "<"
	OpLessThanOrEqual    Operator = "<="
	OpIn                 Operator = "IN"
	OpNotIn              Operator = "NOT IN"
	OpIsNull             Operator = "IS NULL"
	OpIsNotNull          Operator = "IS NOT NULL"
	OpContains           Operator = "CONTAINS"
	OpStartsWith         Operator = "STARTS_WITH"
	OpEndsWith           Operator = "ENDS_WITH"
)

// LogicOperator represents logic operators for combining conditions
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
	LogicNot LogicOperator = "NOT"
)

// Condition represents a filter predicate over records. Adapters either
// translate it to their native query language or evaluate Match directly.
type Condition interface {
	Field() string
	Operator() Operator
	Value() interface{}
	String() string
	Match(rec Record) bool
}

// BasicCondition compares one field against a value
type BasicCondition struct {
	FieldName string
	Op        Operator
	Val       interface{}
}

func (c BasicCondition) Field() string      { return c.FieldName }
func (c BasicCondition) Operator() Operator { return c.Op }
func (c BasicCondition) Value() interface{} { return c.Val }
func (c BasicCondition) String() string {
	switch c.Op {
	case OpIsNull, OpIsNotNull:
		return c.FieldName + " " + string(c.Op)
	}
	return fmt.Sprintf("%s %s %v", c.FieldName, c.Op, c.Val)
}

// Match evaluates the condition against rec
func (c BasicCondition) Match(rec Record) bool {
	v, present := rec[c.FieldName]
	if !present {
		v = nil
	}
	switch c.Op {
	case OpIsNull:
		return v == nil
	case OpIsNotNull:
		return v != nil
	case OpEqual:
		return valuesEqual(v, c.Val)
	case OpNotEqual:
		return !valuesEqual(v, c.Val)
	case OpIn, OpNotIn:
		found := false
		for _, candidate := range listOf(c.Val) {
			if valuesEqual(v, candidate) {
				found = true
				break
			}
		}
		return found == (c.Op == OpIn)
	case OpContains, OpStartsWith, OpEndsWith:
		s, ok := v.(string)
		sub, ok2 := c.Val.(string)
		if !ok || !ok2 {
			return false
		}
		switch c.Op {
		case OpContains:
			return strings.Contains(s, sub)
		case OpStartsWith:
			return strings.HasPrefix(s, sub)
		}
		return strings.HasSuffix(s, sub)
	}

	if v == nil {
		return false
	}
	cmp, ok := compareValues(v, c.Val)
	if !ok {
		return false
	}
	switch c.Op {
	case OpGreaterThan:
		return cmp > 0
	case OpGreaterThanOrEqual:
		return cmp >= 0
	case OpLessThan:
		return cmp < 0
	case OpLessThanOrEqual:
		return cmp <= 0
	}
	return false
}

// CompositeCondition for AND/OR/NOT operations
type CompositeCondition struct {
	Conditions []Condition
	Logic      LogicOperator
}

func (c CompositeCondition) Field() string      { return "" }
func (c CompositeCondition) Operator() Operator { return "" }
func (c CompositeCondition) Value() interface{} { return nil }
func (c CompositeCondition) String() string {
	if len(c.Conditions) == 0 {
		return ""
	}

	var parts []string
	for _, cond := range c.Conditions {
		parts = append(parts, cond.String())
	}

	if c.Logic == LogicNot {
		return "NOT (" + strings.Join(parts, " AND ") + ")"
	}
	return "(" + strings.Join(parts, " "+string(c.Logic)+" ") + ")"
}

// Match evaluates the composite against rec. An empty AND matches everything.
func (c CompositeCondition) Match(rec Record) bool {
	switch c.Logic {
	case LogicOr:
		for _, cond := range c.Conditions {
			if cond.Match(rec) {
				return true
			}
		}
		return false
	case LogicNot:
		return !CompositeCondition{Conditions: c.Conditions, Logic: LogicAnd}.Match(rec)
	default:
		for _, cond := range c.Conditions {
			if !cond.Match(rec) {
				return false
			}
		}
		return true
	}
}

// Eq builds field = value
func Eq(field string, value interface{}) Condition {
	return BasicCondition{FieldName: field, Op: OpEqual, Val: value}
}

// Cond builds an arbitrary basic condition
func Cond(field string, op Operator, value interface{}) Condition {
	return BasicCondition{FieldName: field, Op: op, Val: value}
}

// And combines conditions with AND
func And(conds ...Condition) Condition {
	return CompositeCondition{Conditions: conds, Logic: LogicAnd}
}

// Or combines conditions with OR
func Or(conds ...Condition) Condition {
	return CompositeCondition{Conditions: conds, Logic: LogicOr}
}

// Not negates the conjunction of conds
func Not(conds ...Condition) Condition {
	return CompositeCondition{Conditions: conds, Logic: LogicNot}
}

func listOf(v interface{}) []interface{} {
	if v == nil {
		return nil
	}
	if l, ok := v.([]interface{}); ok {
		return l
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []interface{}{v}
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// =====================================
// Query
// =====================================

// Order represents sorting order
type Order struct {
	Field     string
	Direction OrderDirection
}

// OrderDirection represents sort direction
type OrderDirection string

const (
	OrderAsc  OrderDirection = "ASC"
	OrderDesc OrderDirection = "DESC"
)

// Query is the read request handed to the persistence adapter
type Query struct {
	Filter Condition
	Orders []Order
	Limit  *int
	Offset *int
	Expand []string
}

// QueryOption interface for building read queries
type QueryOption interface {
	Apply(query *Query)
}

type queryOptionFunc func(*Query)

func (f queryOptionFunc) Apply(q *Query) { f(q) }

// NewQuery builds a Query from options
func NewQuery(opts ...QueryOption) Query {
	var q Query
	for _, opt := range opts {
		opt.Apply(&q)
	}
	return q
}

// Where adds a condition; several Where options are combined with AND.
func Where(field string, op Operator, value interface{}) QueryOption {
	return Filter(Cond(field, op, value))
}

// Filter adds an arbitrary condition, ANDed with any existing filter.
func Filter(cond Condition) QueryOption {
	return queryOptionFunc(func(q *Query) {
		q.Filter = andFilter(q.Filter, cond)
	})
}

// OrderBy adds a sort key
func OrderBy(field string, direction OrderDirection) QueryOption {
	return queryOptionFunc(func(q *Query) {
		q.Orders = append(q.Orders, Order{Field: field, Direction: direction})
	})
}

// Limit caps the number of returned records
func Limit(n int) QueryOption {
	return queryOptionFunc(func(q *Query) {
		q.Limit = &n
	})
}

// Offset skips the first n records
func Offset(n int) QueryOption {
	return queryOptionFunc(func(q *Query) {
		q.Offset = &n
	})
}

// Expand attaches associated or composed records to each result
func Expand(links ...string) QueryOption {
	return queryOptionFunc(func(q *Query) {
		q.Expand = append(q.Expand, links...)
	})
}

func andFilter(existing, cond Condition) Condition {
	switch {
	case cond == nil:
		return existing
	case existing == nil:
		return cond
	}
	return And(existing, cond)
}

// ApplyQuery filters, sorts and pages records in memory. Adapters without a
// native query language use it on top of a full scan.
func ApplyQuery(records []Record, q Query) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if q.Filter == nil || q.Filter.Match(rec) {
			out = append(out, rec)
		}
	}

	if len(q.Orders) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range q.Orders {
				a, b := out[i][o.Field], out[j][o.Field]
				c, ok := compareValues(a, b)
				if !ok {
					// nulls sort first
					switch {
					case a == nil && b != nil:
						c = -1
					case a != nil && b == nil:
						c = 1
					default:
						continue
					}
				}
				if c == 0 {
					continue
				}
				if o.Direction == OrderDesc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if q.Offset != nil && *q.Offset > 0 {
		if *q.Offset >= len(out) {
			return []Record{}
		}
		out = out[*q.Offset:]
	}
	if q.Limit != nil && *q.Limit >= 0 && *q.Limit < len(out) {
		out = out[:*q.Limit]
	}
	return out
}
