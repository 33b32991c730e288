package gcap

import "strings"

// =====================================
// Service Definitions
// =====================================

// ServiceDef is a declarative service exposing part of the model
type ServiceDef struct {
	Name     string
	Path     string
	Requires []string
	Members  []Member
}

// Member is one exposed element of a service: exactly one of Projection
// and Operation is set.
type Member struct {
	Projection *ProjectionDef
	Operation  *OperationDef
}

// Name returns the alias of a projection or the name of an operation
func (m Member) Name() string {
	switch {
	case m.Projection != nil:
		return m.Projection.Alias
	case m.Operation != nil:
		return m.Operation.Name
	}
	return ""
}

// ProjectionDef exposes a source entity under an alias
type ProjectionDef struct {
	Alias        string
	Source       string
	Restrictions *Restrictions
	Requires     []string
}

// Restrictions limit which write events a projection accepts. A nil
// *Restrictions allows everything.
type Restrictions struct {
	Insertable bool
	Updatable  bool
	Deletable  bool
}

// ReadOnly returns restrictions that only allow READ
func ReadOnly() *Restrictions {
	return &Restrictions{}
}

// OperationDef is a custom action (side effects) or function (read only)
type OperationDef struct {
	Name     string
	Kind     OperationKind
	Params   []ParamDef
	Returns  *TypeRef
	Requires []string
}

// Param returns the parameter with the given name, or nil.
func (o *OperationDef) Param(name string) *ParamDef {
	for i := range o.Params {
		if o.Params[i].Name == name {
			return &o.Params[i]
		}
	}
	return nil
}

// ParamDef is a typed operation parameter. Optional parameters may be omitted or null.
type ParamDef struct {
	Name     string
	Type     FieldType
	Optional bool
}

// TypeRef describes the return shape of an operation: a primitive type, an
// entity, or nothing. Many marks a collection.
type TypeRef struct {
	Type   FieldType
	Entity string
	Many   bool
}

// Expose is a shorthand for a projection member
func Expose(alias, source string, restrictions *Restrictions) Member {
	return Member{Projection: &ProjectionDef{Alias: alias, Source: source, Restrictions: restrictions}}
}

// Action is a shorthand for an action member
func Action(name string, params ...ParamDef) Member {
	return Member{Operation: &OperationDef{Name: name, Kind: KindAction, Params: params}}
}

// Function is a shorthand for a function member
func Function(name string, params ...ParamDef) Member {
	return Member{Operation: &OperationDef{Name: name, Kind: KindFunction, Params: params}}
}

// RoutePath returns Path, defaulting to "/" followed by the lower-cased name
func (s *ServiceDef) RoutePath() string {
	if s.Path != "" {
		if !strings.HasPrefix(s.Path, "/") {
			return "/" + s.Path
		}
		return s.Path
	}
	return "/" + strings.ToLower(s.Name)
}
