package gcap

import (
	"context"
	"fmt"
)

// =====================================
// Generated CRUD
// =====================================

// crudExecutor is the default implementation of the four data events for
// every exposed entity. It only talks to the store through the request's
// transaction.
type crudExecutor struct {
	models *ModelRegistry
	newID  func() string
}

func (c *crudExecutor) execute(ctx context.Context, req *Request) (interface{}, error) {
	tx := req.Tx()
	switch req.Event {
	case EventCreate:
		return c.create(ctx, tx, req.Entity, req.Data, "")
	case EventRead:
		if req.Key != nil {
			return c.readOne(ctx, tx, req.Entity, req.Key, req.Query)
		}
		return c.readMany(ctx, tx, req.Entity, req.Query)
	case EventUpdate:
		return c.update(ctx, tx, req.Entity, req.Key, req.Data)
	case EventDelete:
		return nil, c.delete(ctx, tx, req.Entity, req.Key)
	}
	return nil, Errorf(ErrorTypeUnimplemented, "no default implementation for %s", req.Event)
}

// create applies defaults, generates missing UUID keys, checks nullability
// and inserts rec followed by its composition children.
func (c *crudExecutor) create(ctx context.Context, tx *Transaction, entity *EntityDef, data Record, path string) (Record, error) {
	rec := make(Record, len(entity.Fields))
	for _, f := range entity.Fields {
		raw, present := data[f.Name]
		switch {
		case present && raw != nil:
		case f.Default != nil:
			raw = f.Default
		case entity.IsKey(f.Name) && f.Type == TypeUUID:
			raw = c.newID()
		}
		fieldPath := joinPath(path, f.Name)
		// before hooks may have put raw values into the payload
		v, err := coerceField(&f, raw, fieldPath)
		if err != nil {
			return nil, err
		}
		if v == nil && !f.Nullable {
			return nil, NewFieldError(ErrorTypeValidation, fieldPath, "field is required")
		}
		rec[f.Name] = v
	}

	children := make(map[string][]Record)
	for name, raw := range data {
		if entity.HasField(name) {
			continue
		}
		link, ok := entity.Link(name)
		if !ok || !link.Owned {
			return nil, NewFieldError(ErrorTypeValidation, joinPath(path, name), fmt.Sprintf("%s does not declare composition %s", entity.Name, name))
		}
		if raw == nil {
			continue
		}
		list, err := childRecords(raw, link, joinPath(path, name))
		if err != nil {
			return nil, err
		}
		children[name] = list
	}

	stored, err := tx.Insert(ctx, entity, rec)
	if err != nil {
		return nil, err
	}

	for _, comp := range entity.Compositions {
		list, ok := children[comp.Name]
		if !ok {
			continue
		}
		target, err := c.models.Resolve(comp.Target)
		if err != nil {
			return nil, err
		}
		created := make([]Record, 0, len(list))
		for i, child := range list {
			child = CloneRecord(child)
			for _, j := range comp.On {
				child[j.TargetField] = stored[j.Field]
			}
			childPath := joinPath(path, comp.Name)
			if comp.Cardinality == CardinalityMany {
				childPath = fmt.Sprintf("%s[%d]", childPath, i)
			}
			out, err := c.create(ctx, tx, target, child, childPath)
			if err != nil {
				return nil, err
			}
			created = append(created, out)
		}
		if comp.Cardinality == CardinalityOne {
			stored[comp.Name] = created[0]
		} else {
			stored[comp.Name] = created
		}
	}
	return stored, nil
}

func (c *crudExecutor) readOne(ctx context.Context, tx *Transaction, entity *EntityDef, key Key, q Query) (Record, error) {
	rows, err := tx.Read(ctx, entity, Query{Filter: andFilter(key.Condition(), q.Filter), Limit: intPtr(1)})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, Errorf(ErrorTypeNotFound, "%s(%s) not found", entity.Name, key.Encode(entity.Keys))
	}
	if err := c.expand(ctx, tx, entity, rows, q.Expand); err != nil {
		return nil, err
	}
	return rows[0], nil
}

func (c *crudExecutor) readMany(ctx context.Context, tx *Transaction, entity *EntityDef, q Query) ([]Record, error) {
	rows, err := tx.Read(ctx, entity, Query{Filter: q.Filter, Orders: q.Orders, Limit: q.Limit, Offset: q.Offset})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Record{}
	}
	if err := c.expand(ctx, tx, entity, rows, q.Expand); err != nil {
		return nil, err
	}
	return rows, nil
}

// expand attaches the records reached through each named link. To-one
// links yield a record or nil, to-many links a possibly empty list.
func (c *crudExecutor) expand(ctx context.Context, tx *Transaction, entity *EntityDef, rows []Record, names []string) error {
	for _, name := range names {
		link, ok := entity.Link(name)
		if !ok {
			return NewFieldError(ErrorTypeValidation, name, fmt.Sprintf("%s has no association or composition %s", entity.Name, name))
		}
		target, err := c.models.Resolve(link.Target)
		if err != nil {
			return err
		}
		for _, row := range rows {
			related, err := c.related(ctx, tx, link, target, row)
			if err != nil {
				return err
			}
			if link.Cardinality == CardinalityOne {
				if len(related) > 0 {
					row[name] = related[0]
				} else {
					row[name] = nil
				}
				continue
			}
			row[name] = related
		}
	}
	return nil
}

// related reads the target records joined to row through link
func (c *crudExecutor) related(ctx context.Context, tx *Transaction, link Link, target *EntityDef, row Record) ([]Record, error) {
	conds := make([]Condition, 0, len(link.On))
	for _, j := range link.On {
		v := row[j.Field]
		if v == nil {
			return []Record{}, nil
		}
		conds = append(conds, Eq(j.TargetField, v))
	}
	var filter Condition = And(conds...)
	if len(conds) == 1 {
		filter = conds[0]
	}
	q := Query{Filter: filter}
	for _, k := range target.Keys {
		q.Orders = append(q.Orders, Order{Field: k, Direction: OrderAsc})
	}
	rows, err := tx.Read(ctx, target, q)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Record{}
	}
	return rows, nil
}

func (c *crudExecutor) update(ctx context.Context, tx *Transaction, entity *EntityDef, key Key, data Record) (Record, error) {
	patch := make(Record, len(data))
	for name, raw := range data {
		f := entity.Field(name)
		if f == nil {
			return nil, NewFieldError(ErrorTypeValidation, name, fmt.Sprintf("%s does not declare %s", entity.Name, name))
		}
		v, err := coerceField(f, raw, name)
		if err != nil {
			return nil, err
		}
		if entity.IsKey(name) {
			if !valuesEqual(v, key[name]) {
				return nil, NewFieldError(ErrorTypeValidation, name, "key fields cannot be changed")
			}
			continue
		}
		if v == nil && !f.Nullable {
			return nil, NewFieldError(ErrorTypeValidation, name, "field cannot be null")
		}
		patch[name] = v
	}

	if len(patch) > 0 {
		if err := tx.Update(ctx, entity, key, patch); err != nil {
			return nil, err
		}
	}
	return c.readOne(ctx, tx, entity, key, Query{})
}

// delete removes the record with key after removing its composition
// children, depth first.
func (c *crudExecutor) delete(ctx context.Context, tx *Transaction, entity *EntityDef, key Key) error {
	rows, err := tx.Read(ctx, entity, Query{Filter: key.Condition(), Limit: intPtr(1)})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return Errorf(ErrorTypeNotFound, "%s(%s) not found", entity.Name, key.Encode(entity.Keys))
	}
	parent := rows[0]

	for _, comp := range entity.Compositions {
		link, _ := entity.Link(comp.Name)
		target, err := c.models.Resolve(comp.Target)
		if err != nil {
			return err
		}
		children, err := c.related(ctx, tx, link, target, parent)
		if err != nil {
			return err
		}
		for _, child := range children {
			childKey, err := target.KeyOf(child)
			if err != nil {
				return err
			}
			if err := c.delete(ctx, tx, target, childKey); err != nil {
				return err
			}
		}
	}
	return tx.Delete(ctx, entity, key)
}

func intPtr(n int) *int {
	return &n
}
