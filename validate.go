package gcap

import (
	"fmt"
)

// =====================================
// Input Validation
// =====================================

func validateEntityInput(req *Request, in Input) error {
	entity := req.Entity

	if in.Key != nil {
		key, err := normalizeKey(entity, in.Key)
		if err != nil {
			return err
		}
		req.Key = key
	}

	switch req.Event {
	case EventCreate:
		if in.Data == nil {
			return NewError(ErrorTypeValidation, "CREATE requires a payload")
		}
		data, err := normalizePayload(req.Models(), entity, in.Data, "", true)
		if err != nil {
			return err
		}
		req.Data = data
	case EventUpdate:
		if req.Key == nil {
			return NewError(ErrorTypeValidation, "UPDATE requires a key")
		}
		if in.Data == nil {
			return NewError(ErrorTypeValidation, "UPDATE requires a payload")
		}
		data, err := normalizePayload(req.Models(), entity, in.Data, "", false)
		if err != nil {
			return err
		}
		for _, k := range entity.Keys {
			if v, ok := data[k]; ok && !valuesEqual(v, req.Key[k]) {
				return NewFieldError(ErrorTypeValidation, k, "key fields cannot be changed")
			}
		}
		req.Data = data
	case EventDelete:
		if req.Key == nil {
			return NewError(ErrorTypeValidation, "DELETE requires a key")
		}
	case EventRead:
		q, err := normalizeQuery(entity, in.Query)
		if err != nil {
			return err
		}
		req.Query = q
	}
	return nil
}

// normalizeKey requires exactly the key fields of entity and coerces them
func normalizeKey(entity *EntityDef, in Key) (Key, error) {
	key := make(Key, len(entity.Keys))
	for name := range in {
		if !entity.IsKey(name) {
			return nil, NewFieldError(ErrorTypeValidation, name, fmt.Sprintf("%s is not a key field of %s", name, entity.Name))
		}
	}
	for _, name := range entity.Keys {
		raw, ok := in[name]
		if !ok || raw == nil {
			return nil, NewFieldError(ErrorTypeValidation, name, "key field is required")
		}
		v, err := coerceField(entity.Field(name), raw, name)
		if err != nil {
			return nil, err
		}
		key[name] = v
	}
	return key, nil
}

// normalizePayload checks that every member of data is declared and coerces
// values to their field types. Compositions are accepted only on create,
// where their children are validated recursively.
func normalizePayload(models *ModelRegistry, entity *EntityDef, data Record, path string, create bool) (Record, error) {
	out := make(Record, len(data))
	for name, raw := range data {
		fieldPath := joinPath(path, name)
		if f := entity.Field(name); f != nil {
			if raw == nil && !f.Nullable && !create {
				return nil, NewFieldError(ErrorTypeValidation, fieldPath, "field cannot be null")
			}
			v, err := coerceField(f, raw, fieldPath)
			if err != nil {
				return nil, err
			}
			out[name] = v
			continue
		}

		link, ok := entity.Link(name)
		if !ok {
			return nil, NewFieldError(ErrorTypeValidation, fieldPath, fmt.Sprintf("%s does not declare %s", entity.Name, name))
		}
		if !link.Owned {
			return nil, NewFieldError(ErrorTypeValidation, fieldPath, "associations cannot be written through the parent")
		}
		if !create {
			return nil, NewFieldError(ErrorTypeValidation, fieldPath, "compositions can only be written on create")
		}
		if raw == nil {
			continue
		}
		target, err := models.Resolve(link.Target)
		if err != nil {
			return nil, err
		}
		children, err := childRecords(raw, link, fieldPath)
		if err != nil {
			return nil, err
		}
		normalized := make([]Record, len(children))
		for i, child := range children {
			childPath := fieldPath
			if link.Cardinality == CardinalityMany {
				childPath = fmt.Sprintf("%s[%d]", fieldPath, i)
			}
			n, err := normalizePayload(models, target, child, childPath, true)
			if err != nil {
				return nil, err
			}
			normalized[i] = n
		}
		if link.Cardinality == CardinalityOne {
			out[name] = normalized[0]
		} else {
			out[name] = normalized
		}
	}
	return out, nil
}

// childRecords accepts a single record for to-one links and a list of
// records for to-many links.
func childRecords(raw interface{}, link Link, path string) ([]Record, error) {
	if link.Cardinality == CardinalityOne {
		rec, ok := raw.(Record)
		if !ok {
			return nil, NewFieldError(ErrorTypeValidation, path, "expected an object")
		}
		return []Record{rec}, nil
	}
	switch list := raw.(type) {
	case []Record:
		return list, nil
	case []interface{}:
		out := make([]Record, len(list))
		for i, item := range list {
			rec, ok := item.(Record)
			if !ok {
				return nil, NewFieldError(ErrorTypeValidation, fmt.Sprintf("%s[%d]", path, i), "expected an object")
			}
			out[i] = rec
		}
		return out, nil
	}
	return nil, NewFieldError(ErrorTypeValidation, path, "expected a list of objects")
}

// normalizeQuery checks filter, order and expand references and coerces
// filter values to the types of the fields they compare against.
func normalizeQuery(entity *EntityDef, q Query) (Query, error) {
	out := q
	if q.Filter != nil {
		filter, err := normalizeCondition(entity, q.Filter)
		if err != nil {
			return Query{}, err
		}
		out.Filter = filter
	}
	for _, o := range q.Orders {
		if !entity.HasField(o.Field) {
			return Query{}, NewFieldError(ErrorTypeValidation, o.Field, fmt.Sprintf("cannot order %s by undeclared field", entity.Name))
		}
		if o.Direction != "" && o.Direction != OrderAsc && o.Direction != OrderDesc {
			return Query{}, NewFieldError(ErrorTypeValidation, o.Field, fmt.Sprintf("invalid order direction %q", o.Direction))
		}
	}
	for _, name := range q.Expand {
		if _, ok := entity.Link(name); !ok {
			return Query{}, NewFieldError(ErrorTypeValidation, name, fmt.Sprintf("%s has no association or composition %s", entity.Name, name))
		}
	}
	if q.Limit != nil && *q.Limit < 0 {
		return Query{}, NewError(ErrorTypeValidation, "limit cannot be negative")
	}
	if q.Offset != nil && *q.Offset < 0 {
		return Query{}, NewError(ErrorTypeValidation, "offset cannot be negative")
	}
	return out, nil
}

func normalizeCondition(entity *EntityDef, c Condition) (Condition, error) {
	switch cond := c.(type) {
	case CompositeCondition:
		out := CompositeCondition{Logic: cond.Logic, Conditions: make([]Condition, len(cond.Conditions))}
		for i, sub := range cond.Conditions {
			n, err := normalizeCondition(entity, sub)
			if err != nil {
				return nil, err
			}
			out.Conditions[i] = n
		}
		return out, nil
	case BasicCondition:
		f := entity.Field(cond.FieldName)
		if f == nil {
			return nil, NewFieldError(ErrorTypeValidation, cond.FieldName, fmt.Sprintf("cannot filter %s by undeclared field", entity.Name))
		}
		switch cond.Op {
		case OpIsNull, OpIsNotNull:
			return BasicCondition{FieldName: cond.FieldName, Op: cond.Op}, nil
		case OpIn, OpNotIn:
			items := listOf(cond.Val)
			values := make([]interface{}, len(items))
			for i, item := range items {
				v, err := coerceField(f, item, cond.FieldName)
				if err != nil {
					return nil, err
				}
				values[i] = v
			}
			return BasicCondition{FieldName: cond.FieldName, Op: cond.Op, Val: values}, nil
		case OpContains, OpStartsWith, OpEndsWith:
			if _, ok := cond.Val.(string); !ok {
				return nil, NewFieldError(ErrorTypeValidation, cond.FieldName, fmt.Sprintf("%s expects a string", cond.Op))
			}
			return cond, nil
		case OpEqual, OpNotEqual, OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
			v, err := coerceField(f, cond.Val, cond.FieldName)
			if err != nil {
				return nil, err
			}
			return BasicCondition{FieldName: cond.FieldName, Op: cond.Op, Val: v}, nil
		}
		return nil, NewFieldError(ErrorTypeValidation, cond.FieldName, fmt.Sprintf("unsupported operator %q", cond.Op))
	case nil:
		return nil, nil
	}
	return nil, Errorf(ErrorTypeValidation, "unsupported condition %T", c)
}

func validateOperationInput(req *Request, in Input) error {
	op := req.Operation
	data := make(Record, len(op.Params))
	for name := range in.Data {
		if op.Param(name) == nil {
			return NewFieldError(ErrorTypeValidation, name, fmt.Sprintf("%s has no parameter %s", op.Name, name))
		}
	}
	for _, p := range op.Params {
		raw, ok := in.Data[p.Name]
		if !ok || raw == nil {
			if !p.Optional {
				return NewFieldError(ErrorTypeValidation, p.Name, "parameter is required")
			}
			continue
		}
		v, err := Coerce(p.Type, raw)
		if err != nil {
			return NewFieldError(ErrorTypeValidation, p.Name, fmt.Sprintf("expected a %s", p.Type))
		}
		data[p.Name] = v
	}
	req.Data = data
	return nil
}

func coerceField(f *FieldDef, raw interface{}, path string) (interface{}, error) {
	v, err := Coerce(f.Type, raw)
	if err != nil {
		return nil, NewFieldError(ErrorTypeValidation, path, fmt.Sprintf("expected a %s", f.Type))
	}
	return v, nil
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
