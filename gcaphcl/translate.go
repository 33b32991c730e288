package gcaphcl

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/lemmego/gcap"
	"github.com/zclconf/go-cty/cty"
)

func translateEntity(b *entityBlock) (gcap.EntityDef, error) {
	def := gcap.EntityDef{Name: b.Name, Keys: b.Key}
	for _, f := range b.Fields {
		field, err := translateField(b.Name, f)
		if err != nil {
			return gcap.EntityDef{}, err
		}
		def.Fields = append(def.Fields, field)
	}
	for _, a := range b.Associations {
		card, on, err := translateLink(b.Name, a)
		if err != nil {
			return gcap.EntityDef{}, err
		}
		def.Associations = append(def.Associations, gcap.AssociationDef{Name: a.Name, Target: a.Target, Cardinality: card, On: on})
	}
	for _, c := range b.Compositions {
		card, on, err := translateLink(b.Name, c)
		if err != nil {
			return gcap.EntityDef{}, err
		}
		def.Compositions = append(def.Compositions, gcap.CompositionDef{Name: c.Name, Target: c.Target, Cardinality: card, On: on})
	}
	return def, nil
}

func translateField(entity string, b *fieldBlock) (gcap.FieldDef, error) {
	ft, err := parseType(b.Type)
	if err != nil {
		return gcap.FieldDef{}, fmt.Errorf("entity %s field %s: %w", entity, b.Name, err)
	}
	f := gcap.FieldDef{Name: b.Name, Type: ft, Nullable: b.Nullable}

	if b.Default != nil {
		val, diags := b.Default.Value(nil)
		if diags.HasErrors() {
			return gcap.FieldDef{}, fmt.Errorf("entity %s field %s: invalid default: %w", entity, b.Name, diags)
		}
		raw, err := ctyValueToInterface(val)
		if err != nil {
			return gcap.FieldDef{}, fmt.Errorf("entity %s field %s: %w", entity, b.Name, err)
		}
		if raw != nil {
			v, err := gcap.Coerce(ft, raw)
			if err != nil {
				return gcap.FieldDef{}, fmt.Errorf("entity %s field %s: default: %w", entity, b.Name, err)
			}
			f.Default = v
		}
	}
	return f, nil
}

func translateLink(entity string, b *linkBlock) (gcap.Cardinality, []gcap.JoinCondition, error) {
	card := gcap.CardinalityOne
	switch strings.ToLower(b.Cardinality) {
	case "", "one":
	case "many":
		card = gcap.CardinalityMany
	default:
		return "", nil, fmt.Errorf("entity %s link %s: unknown cardinality %q", entity, b.Name, b.Cardinality)
	}

	fields := make([]string, 0, len(b.On))
	for field := range b.On {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	on := make([]gcap.JoinCondition, 0, len(fields))
	for _, field := range fields {
		on = append(on, gcap.JoinCondition{Field: field, TargetField: b.On[field]})
	}
	return card, on, nil
}

func translateService(b *serviceBlock) (gcap.ServiceDef, error) {
	def := gcap.ServiceDef{Name: b.Name, Path: b.Path, Requires: b.Requires}
	for _, p := range b.Projections {
		def.Members = append(def.Members, gcap.Member{Projection: translateProjection(p)})
	}
	for _, a := range b.Actions {
		op, err := translateOperation(b.Name, gcap.KindAction, a)
		if err != nil {
			return gcap.ServiceDef{}, err
		}
		def.Members = append(def.Members, gcap.Member{Operation: op})
	}
	for _, fn := range b.Functions {
		op, err := translateOperation(b.Name, gcap.KindFunction, fn)
		if err != nil {
			return gcap.ServiceDef{}, err
		}
		def.Members = append(def.Members, gcap.Member{Operation: op})
	}
	return def, nil
}

func translateProjection(b *projectionBlock) *gcap.ProjectionDef {
	p := &gcap.ProjectionDef{Alias: b.Alias, Source: b.Source, Requires: b.Requires}
	if !b.ReadOnly && b.Insertable == nil && b.Updatable == nil && b.Deletable == nil {
		return p
	}
	// readonly closes every write event unless one is reopened explicitly
	open := !b.ReadOnly
	r := &gcap.Restrictions{Insertable: open, Updatable: open, Deletable: open}
	if b.Insertable != nil {
		r.Insertable = *b.Insertable
	}
	if b.Updatable != nil {
		r.Updatable = *b.Updatable
	}
	if b.Deletable != nil {
		r.Deletable = *b.Deletable
	}
	p.Restrictions = r
	return p
}

func translateOperation(service string, kind gcap.OperationKind, b *operationBlock) (*gcap.OperationDef, error) {
	op := &gcap.OperationDef{Name: b.Name, Kind: kind, Requires: b.Requires}
	for _, p := range b.Params {
		ft, err := parseType(p.Type)
		if err != nil {
			return nil, fmt.Errorf("service %s %s %s param %s: %w", service, kind, b.Name, p.Name, err)
		}
		op.Params = append(op.Params, gcap.ParamDef{Name: p.Name, Type: ft, Optional: p.Optional})
	}
	if b.Returns != nil {
		ref := &gcap.TypeRef{Entity: b.Returns.Entity, Many: b.Returns.Many}
		if b.Returns.Type != "" {
			ft, err := parseType(b.Returns.Type)
			if err != nil {
				return nil, fmt.Errorf("service %s %s %s returns: %w", service, kind, b.Name, err)
			}
			ref.Type = ft
		}
		op.Returns = ref
	}
	return op, nil
}

func translateHook(b *hookBlock) (HookDef, error) {
	phase := gcap.Phase(strings.ToLower(b.Phase))
	if !phase.IsValid() {
		return HookDef{}, fmt.Errorf("hook %q: unknown phase", b.Phase)
	}
	if strings.TrimSpace(b.Script) == "" {
		return HookDef{}, fmt.Errorf("hook %s %s %s: script is empty", b.Phase, b.Event, b.Target)
	}
	event := gcap.Event(b.Event)
	if upper := gcap.Event(strings.ToUpper(b.Event)); upper.IsCRUD() {
		event = upper
	}
	name := b.Name
	if name == "" {
		name = fmt.Sprintf("%s %s %s", phase, event, b.Target)
	}
	return HookDef{Phase: phase, Event: event, Target: b.Target, Name: name, Script: b.Script}, nil
}

// parseType accepts the canonical type names in any letter case
func parseType(name string) (gcap.FieldType, error) {
	for _, ft := range gcap.FieldTypes {
		if strings.EqualFold(string(ft), name) {
			return ft, nil
		}
	}
	return "", fmt.Errorf("unsupported type %q", name)
}

// ctyValueToInterface converts a cty.Value to a Go interface{}. Whole
// numbers become int64, other numbers float64.
func ctyValueToInterface(val cty.Value) (interface{}, error) {
	if !val.IsKnown() || val.IsNull() {
		return nil, nil
	}
	switch val.Type() {
	case cty.String:
		return val.AsString(), nil
	case cty.Number:
		bf := val.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i, nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case cty.Bool:
		return val.True(), nil
	}
	return nil, fmt.Errorf("unsupported default of type %s", val.Type().FriendlyName())
}
