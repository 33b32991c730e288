package gcap

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// =====================================
// Entity Metadata
// =====================================

// EntityDef describes an entity: its typed fields, its key and its links to
// other entities.
type EntityDef struct {
	Name         string
	Fields       []FieldDef
	Keys         []string
	Associations []AssociationDef
	Compositions []CompositionDef
}

// FieldDef describes a single typed field
type FieldDef struct {
	Name     string
	Type     FieldType
	Nullable bool
	Default  interface{}
}

// JoinCondition expresses parent.Field == target.TargetField
type JoinCondition struct {
	Field       string
	TargetField string
}

// AssociationDef is a referential link to another entity without ownership
type AssociationDef struct {
	Name        string
	Target      string
	Cardinality Cardinality
	On          []JoinCondition
}

// CompositionDef is an owning link: the target records live and die with the parent
type CompositionDef struct {
	Name        string
	Target      string
	Cardinality Cardinality
	On          []JoinCondition
}

// Link is the common view of associations and compositions used by the
// expand and deep-write logic.
type Link struct {
	Name        string
	Target      string
	Cardinality Cardinality
	On          []JoinCondition
	Owned       bool
}

// Field returns the field with the given name, or nil.
func (e *EntityDef) Field(name string) *FieldDef {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i]
		}
	}
	return nil
}

// HasField returns true if the entity declares a field with the given name.
func (e *EntityDef) HasField(name string) bool {
	return e.Field(name) != nil
}

// IsKey reports whether name is one of the entity's key fields
func (e *EntityDef) IsKey(name string) bool {
	for _, k := range e.Keys {
		if k == name {
			return true
		}
	}
	return false
}

// FieldNames returns all field names in declaration order.
func (e *EntityDef) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

// Links returns associations followed by compositions.
func (e *EntityDef) Links() []Link {
	links := make([]Link, 0, len(e.Associations)+len(e.Compositions))
	for _, a := range e.Associations {
		links = append(links, Link{Name: a.Name, Target: a.Target, Cardinality: a.Cardinality, On: a.On})
	}
	for _, c := range e.Compositions {
		links = append(links, Link{Name: c.Name, Target: c.Target, Cardinality: c.Cardinality, On: c.On, Owned: true})
	}
	return links
}

// Link returns the association or composition with the given name.
func (e *EntityDef) Link(name string) (Link, bool) {
	for _, l := range e.Links() {
		if l.Name == name {
			return l, true
		}
	}
	return Link{}, false
}

// KeyOf extracts the key of rec. Every key field must be present and non-nil.
func (e *EntityDef) KeyOf(rec Record) (Key, error) {
	key := make(Key, len(e.Keys))
	for _, k := range e.Keys {
		v, ok := rec[k]
		if !ok || v == nil {
			return nil, NewFieldError(ErrorTypeValidation, k, "key field is required")
		}
		key[k] = v
	}
	return key, nil
}

// KeyString encodes the key of rec, see Key.Encode.
func (e *EntityDef) KeyString(rec Record) (string, error) {
	key, err := e.KeyOf(rec)
	if err != nil {
		return "", err
	}
	return key.Encode(e.Keys), nil
}

// validate checks the definition in isolation; cross-entity references are
// resolved when the registry is frozen.
func (e *EntityDef) validate() error {
	if e.Name == "" {
		return NewError(ErrorTypeValidation, "entity name is required")
	}
	if e.Name == Wildcard {
		return Errorf(ErrorTypeValidation, "entity name %q is reserved", Wildcard)
	}
	if len(e.Keys) == 0 {
		return Errorf(ErrorTypeValidation, "entity %s declares no key fields", e.Name)
	}

	seen := make(map[string]struct{}, len(e.Fields))
	for _, f := range e.Fields {
		if f.Name == "" {
			return Errorf(ErrorTypeValidation, "entity %s has a field without a name", e.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return NewFieldError(ErrorTypeValidation, f.Name, fmt.Sprintf("entity %s declares field twice", e.Name))
		}
		if !f.Type.IsValid() {
			return NewFieldError(ErrorTypeValidation, f.Name, fmt.Sprintf("unsupported type %q", f.Type))
		}
		if f.Default != nil {
			if _, err := Coerce(f.Type, f.Default); err != nil {
				return NewFieldError(ErrorTypeValidation, f.Name, "default does not match field type")
			}
		}
		seen[f.Name] = struct{}{}
	}

	for _, k := range e.Keys {
		f := e.Field(k)
		if f == nil {
			return NewFieldError(ErrorTypeValidation, k, fmt.Sprintf("key of entity %s is not a declared field", e.Name))
		}
		if f.Nullable {
			return NewFieldError(ErrorTypeValidation, k, "key fields cannot be nullable")
		}
	}

	for _, l := range e.Links() {
		if l.Name == "" || l.Target == "" {
			return Errorf(ErrorTypeValidation, "entity %s has a link without name or target", e.Name)
		}
		if _, dup := seen[l.Name]; dup {
			return NewFieldError(ErrorTypeValidation, l.Name, fmt.Sprintf("entity %s: link name collides with another member", e.Name))
		}
		if l.Cardinality != CardinalityOne && l.Cardinality != CardinalityMany {
			return NewFieldError(ErrorTypeValidation, l.Name, fmt.Sprintf("invalid cardinality %q", l.Cardinality))
		}
		if len(l.On) == 0 {
			return NewFieldError(ErrorTypeValidation, l.Name, "link declares no join condition")
		}
		for _, j := range l.On {
			if !e.HasField(j.Field) {
				return NewFieldError(ErrorTypeValidation, l.Name, fmt.Sprintf("join field %s is not declared on %s", j.Field, e.Name))
			}
		}
		seen[l.Name] = struct{}{}
	}
	return nil
}

// =====================================
// Keys
// =====================================

// Key holds the values of an entity's key fields
type Key map[string]interface{}

// Encode renders the key deterministically as k1=v1,k2=v2 following the
// given field order. Fields missing from order are appended sorted by name.
// Names and values are query-escaped, so distinct keys never share an
// encoding.
func (k Key) Encode(order []string) string {
	parts := make([]string, 0, len(k))
	used := make(map[string]struct{}, len(order))
	for _, name := range order {
		if v, ok := k[name]; ok {
			parts = append(parts, encodePair(name, v))
			used[name] = struct{}{}
		}
	}
	var rest []string
	for name := range k {
		if _, ok := used[name]; !ok {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		parts = append(parts, encodePair(name, k[name]))
	}
	return strings.Join(parts, ",")
}

func encodePair(name string, v interface{}) string {
	return url.QueryEscape(name) + "=" + url.QueryEscape(fmt.Sprint(v))
}

// String implements fmt.Stringer
func (k Key) String() string {
	return k.Encode(nil)
}

// Condition returns an AND of equality conditions over the key fields.
func (k Key) Condition() Condition {
	names := make([]string, 0, len(k))
	for name := range k {
		names = append(names, name)
	}
	sort.Strings(names)
	conds := make([]Condition, 0, len(names))
	for _, name := range names {
		conds = append(conds, Eq(name, k[name]))
	}
	if len(conds) == 1 {
		return conds[0]
	}
	return And(conds...)
}

// Matches reports whether rec carries exactly this key
func (k Key) Matches(rec Record) bool {
	for name, v := range k {
		if !valuesEqual(rec[name], v) {
			return false
		}
	}
	return true
}
